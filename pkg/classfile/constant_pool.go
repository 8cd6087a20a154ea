package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Constant pool tags
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// ConstantPoolEntry is an interface implemented by all constant pool types.
type ConstantPoolEntry interface {
	Tag() uint8
}

type ConstantUtf8 struct {
	Value string
}

type ConstantInteger struct {
	Value int32
}

type ConstantFloat struct {
	Value float32
}

type ConstantLong struct {
	Value int64
}

type ConstantDouble struct {
	Value float64
}

type ConstantClass struct {
	NameIndex uint16
}

type ConstantString struct {
	StringIndex uint16
}

// ConstantMemberref is a Fieldref, Methodref or InterfaceMethodref.
type ConstantMemberref struct {
	Kind             uint8
	ClassIndex       uint16
	NameAndTypeIndex uint16
}

type ConstantNameAndType struct {
	NameIndex       uint16
	DescriptorIndex uint16
}

type ConstantMethodHandle struct {
	ReferenceKind  uint8
	ReferenceIndex uint16
}

type ConstantMethodType struct {
	DescriptorIndex uint16
}

// ConstantDynamic is a Dynamic or InvokeDynamic entry.
type ConstantDynamic struct {
	Kind                     uint8
	BootstrapMethodAttrIndex uint16
	NameAndTypeIndex         uint16
}

// ConstantModule is a Module or Package entry.
type ConstantModule struct {
	Kind      uint8
	NameIndex uint16
}

func (c *ConstantUtf8) Tag() uint8         { return TagUtf8 }
func (c *ConstantInteger) Tag() uint8      { return TagInteger }
func (c *ConstantFloat) Tag() uint8        { return TagFloat }
func (c *ConstantLong) Tag() uint8         { return TagLong }
func (c *ConstantDouble) Tag() uint8       { return TagDouble }
func (c *ConstantClass) Tag() uint8        { return TagClass }
func (c *ConstantString) Tag() uint8       { return TagString }
func (c *ConstantMemberref) Tag() uint8    { return c.Kind }
func (c *ConstantNameAndType) Tag() uint8  { return TagNameAndType }
func (c *ConstantMethodHandle) Tag() uint8 { return TagMethodHandle }
func (c *ConstantMethodType) Tag() uint8   { return TagMethodType }
func (c *ConstantDynamic) Tag() uint8      { return c.Kind }
func (c *ConstantModule) Tag() uint8       { return c.Kind }

// ConstantPool is the 1-indexed constant pool of a class. Index 0 and the
// slot after each Long/Double are nil. Entries are only ever appended, so
// indices held by existing code stay valid.
type ConstantPool struct {
	entries  []ConstantPoolEntry
	interned map[string]uint16
}

// NewConstantPool returns an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{entries: make([]ConstantPoolEntry, 1)}
}

// Count returns constant_pool_count as written in the class file.
func (p *ConstantPool) Count() int { return len(p.entries) }

// Entry returns the entry at index, or nil.
func (p *ConstantPool) Entry(index uint16) ConstantPoolEntry {
	if int(index) >= len(p.entries) {
		return nil
	}
	return p.entries[index]
}

// parseConstantPool reads constant_pool_count-1 entries from the reader.
func parseConstantPool(r io.Reader, count uint16) (*ConstantPool, error) {
	pool := make([]ConstantPoolEntry, count)
	// pool[0] is unused (constant pool is 1-indexed)

	for i := uint16(1); i < count; i++ {
		var tag uint8
		if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
			return nil, fmt.Errorf("reading constant pool tag at index %d: %w", i, err)
		}

		switch tag {
		case TagUtf8:
			var length uint16
			if err := binary.Read(r, binary.BigEndian, &length); err != nil {
				return nil, fmt.Errorf("reading Utf8 length at index %d: %w", i, err)
			}
			bytes := make([]byte, length)
			if _, err := io.ReadFull(r, bytes); err != nil {
				return nil, fmt.Errorf("reading Utf8 bytes at index %d: %w", i, err)
			}
			pool[i] = &ConstantUtf8{Value: string(bytes)}

		case TagInteger:
			var val int32
			if err := binary.Read(r, binary.BigEndian, &val); err != nil {
				return nil, fmt.Errorf("reading Integer at index %d: %w", i, err)
			}
			pool[i] = &ConstantInteger{Value: val}

		case TagFloat:
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, fmt.Errorf("reading Float at index %d: %w", i, err)
			}
			pool[i] = &ConstantFloat{Value: math.Float32frombits(bits)}

		case TagLong, TagDouble:
			if i+1 >= count {
				return nil, fmt.Errorf("8-byte constant at last index %d", i)
			}
			var bits uint64
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, fmt.Errorf("reading Long/Double at index %d: %w", i, err)
			}
			if tag == TagLong {
				pool[i] = &ConstantLong{Value: int64(bits)}
			} else {
				pool[i] = &ConstantDouble{Value: math.Float64frombits(bits)}
			}
			i++ // long and double take 2 slots

		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			var index uint16
			if err := binary.Read(r, binary.BigEndian, &index); err != nil {
				return nil, fmt.Errorf("reading tag %d entry at index %d: %w", tag, i, err)
			}
			switch tag {
			case TagClass:
				pool[i] = &ConstantClass{NameIndex: index}
			case TagString:
				pool[i] = &ConstantString{StringIndex: index}
			case TagMethodType:
				pool[i] = &ConstantMethodType{DescriptorIndex: index}
			default:
				pool[i] = &ConstantModule{Kind: tag, NameIndex: index}
			}

		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			var classIndex, natIndex uint16
			if err := binary.Read(r, binary.BigEndian, &classIndex); err != nil {
				return nil, fmt.Errorf("reading member ref class_index at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &natIndex); err != nil {
				return nil, fmt.Errorf("reading member ref name_and_type_index at index %d: %w", i, err)
			}
			pool[i] = &ConstantMemberref{Kind: tag, ClassIndex: classIndex, NameAndTypeIndex: natIndex}

		case TagNameAndType:
			var nameIndex, descIndex uint16
			if err := binary.Read(r, binary.BigEndian, &nameIndex); err != nil {
				return nil, fmt.Errorf("reading NameAndType name_index at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &descIndex); err != nil {
				return nil, fmt.Errorf("reading NameAndType descriptor_index at index %d: %w", i, err)
			}
			pool[i] = &ConstantNameAndType{NameIndex: nameIndex, DescriptorIndex: descIndex}

		case TagMethodHandle:
			var kind uint8
			var refIndex uint16
			if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
				return nil, fmt.Errorf("reading MethodHandle kind at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &refIndex); err != nil {
				return nil, fmt.Errorf("reading MethodHandle reference at index %d: %w", i, err)
			}
			pool[i] = &ConstantMethodHandle{ReferenceKind: kind, ReferenceIndex: refIndex}

		case TagDynamic, TagInvokeDynamic:
			var bsm, natIndex uint16
			if err := binary.Read(r, binary.BigEndian, &bsm); err != nil {
				return nil, fmt.Errorf("reading Dynamic bootstrap index at index %d: %w", i, err)
			}
			if err := binary.Read(r, binary.BigEndian, &natIndex); err != nil {
				return nil, fmt.Errorf("reading Dynamic name_and_type_index at index %d: %w", i, err)
			}
			pool[i] = &ConstantDynamic{Kind: tag, BootstrapMethodAttrIndex: bsm, NameAndTypeIndex: natIndex}

		default:
			return nil, fmt.Errorf("unknown constant pool tag %d at index %d", tag, i)
		}
	}

	return &ConstantPool{entries: pool}, nil
}

// Utf8 returns the Utf8 string at the given constant pool index.
func (p *ConstantPool) Utf8(index uint16) (string, error) {
	entry := p.Entry(index)
	if entry == nil {
		return "", fmt.Errorf("invalid constant pool index %d", index)
	}
	utf8, ok := entry.(*ConstantUtf8)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Utf8 (tag=%d)", index, entry.Tag())
	}
	return utf8.Value, nil
}

// ClassName returns the class name referenced by a CONSTANT_Class entry.
func (p *ConstantPool) ClassName(classIndex uint16) (string, error) {
	entry := p.Entry(classIndex)
	if entry == nil {
		return "", fmt.Errorf("invalid constant pool index %d", classIndex)
	}
	class, ok := entry.(*ConstantClass)
	if !ok {
		return "", fmt.Errorf("constant pool index %d is not Class", classIndex)
	}
	return p.Utf8(class.NameIndex)
}

// NameAndType resolves a CONSTANT_NameAndType entry.
func (p *ConstantPool) NameAndType(index uint16) (name, desc string, err error) {
	entry := p.Entry(index)
	if entry == nil {
		return "", "", fmt.Errorf("invalid NameAndType index %d", index)
	}
	nat, ok := entry.(*ConstantNameAndType)
	if !ok {
		return "", "", fmt.Errorf("constant pool index %d is not NameAndType", index)
	}
	if name, err = p.Utf8(nat.NameIndex); err != nil {
		return "", "", fmt.Errorf("resolving member name: %w", err)
	}
	if desc, err = p.Utf8(nat.DescriptorIndex); err != nil {
		return "", "", fmt.Errorf("resolving member descriptor: %w", err)
	}
	return name, desc, nil
}

// MemberRef holds resolved field or method reference info.
type MemberRef struct {
	Kind       uint8
	ClassName  string
	Name       string
	Descriptor string
}

// ResolveMemberref resolves a Fieldref, Methodref or InterfaceMethodref.
func (p *ConstantPool) ResolveMemberref(index uint16) (*MemberRef, error) {
	entry := p.Entry(index)
	if entry == nil {
		return nil, fmt.Errorf("invalid constant pool index %d", index)
	}
	ref, ok := entry.(*ConstantMemberref)
	if !ok {
		return nil, fmt.Errorf("constant pool index %d is not a member reference (tag=%d)", index, entry.Tag())
	}

	className, err := p.ClassName(ref.ClassIndex)
	if err != nil {
		return nil, fmt.Errorf("resolving member ref class: %w", err)
	}
	name, desc, err := p.NameAndType(ref.NameAndTypeIndex)
	if err != nil {
		return nil, err
	}
	return &MemberRef{Kind: ref.Kind, ClassName: className, Name: name, Descriptor: desc}, nil
}
