package classfile

import (
	"fmt"
	"math"
)

const maxPoolCount = math.MaxUint16

// key returns the interning key of a builder-created entry kind, or ""
// for kinds the builder never creates.
func (p *ConstantPool) key(e ConstantPoolEntry) string {
	switch c := e.(type) {
	case *ConstantUtf8:
		return "u:" + c.Value
	case *ConstantInteger:
		return fmt.Sprintf("i:%d", c.Value)
	case *ConstantFloat:
		return fmt.Sprintf("f:%08x", math.Float32bits(c.Value))
	case *ConstantLong:
		return fmt.Sprintf("j:%d", c.Value)
	case *ConstantDouble:
		return fmt.Sprintf("d:%016x", math.Float64bits(c.Value))
	case *ConstantClass:
		return fmt.Sprintf("c:%d", c.NameIndex)
	case *ConstantString:
		return fmt.Sprintf("s:%d", c.StringIndex)
	case *ConstantNameAndType:
		return fmt.Sprintf("n:%d:%d", c.NameIndex, c.DescriptorIndex)
	case *ConstantMemberref:
		return fmt.Sprintf("m%d:%d:%d", c.Kind, c.ClassIndex, c.NameAndTypeIndex)
	}
	return ""
}

// intern returns the index of an entry equal to e, appending e if none
// exists yet.
func (p *ConstantPool) intern(e ConstantPoolEntry) (uint16, error) {
	if p.interned == nil {
		p.interned = make(map[string]uint16, len(p.entries))
		for i, existing := range p.entries {
			if existing == nil {
				continue
			}
			if k := p.key(existing); k != "" {
				if _, dup := p.interned[k]; !dup {
					p.interned[k] = uint16(i)
				}
			}
		}
	}
	k := p.key(e)
	if idx, ok := p.interned[k]; ok {
		return idx, nil
	}

	slots := 1
	if e.Tag() == TagLong || e.Tag() == TagDouble {
		slots = 2
	}
	if len(p.entries)+slots > maxPoolCount {
		return 0, fmt.Errorf("constant pool full (%d entries)", len(p.entries))
	}
	idx := uint16(len(p.entries))
	p.entries = append(p.entries, e)
	if slots == 2 {
		p.entries = append(p.entries, nil)
	}
	p.interned[k] = idx
	return idx, nil
}

// AddUtf8 interns a Utf8 entry.
func (p *ConstantPool) AddUtf8(s string) (uint16, error) {
	if len(s) > math.MaxUint16 {
		return 0, fmt.Errorf("Utf8 constant of %d bytes too long", len(s))
	}
	return p.intern(&ConstantUtf8{Value: s})
}

// AddInteger interns an Integer entry.
func (p *ConstantPool) AddInteger(v int32) (uint16, error) {
	return p.intern(&ConstantInteger{Value: v})
}

// AddFloat interns a Float entry.
func (p *ConstantPool) AddFloat(v float32) (uint16, error) {
	return p.intern(&ConstantFloat{Value: v})
}

// AddLong interns a Long entry.
func (p *ConstantPool) AddLong(v int64) (uint16, error) {
	return p.intern(&ConstantLong{Value: v})
}

// AddDouble interns a Double entry.
func (p *ConstantPool) AddDouble(v float64) (uint16, error) {
	return p.intern(&ConstantDouble{Value: v})
}

// AddClass interns a Class entry for an internal name or array descriptor.
func (p *ConstantPool) AddClass(name string) (uint16, error) {
	nameIndex, err := p.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	return p.intern(&ConstantClass{NameIndex: nameIndex})
}

// AddString interns a String entry.
func (p *ConstantPool) AddString(s string) (uint16, error) {
	utf8, err := p.AddUtf8(s)
	if err != nil {
		return 0, err
	}
	return p.intern(&ConstantString{StringIndex: utf8})
}

// AddNameAndType interns a NameAndType entry.
func (p *ConstantPool) AddNameAndType(name, desc string) (uint16, error) {
	nameIndex, err := p.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	descIndex, err := p.AddUtf8(desc)
	if err != nil {
		return 0, err
	}
	return p.intern(&ConstantNameAndType{NameIndex: nameIndex, DescriptorIndex: descIndex})
}

// AddMemberref interns a Fieldref, Methodref or InterfaceMethodref.
func (p *ConstantPool) AddMemberref(kind uint8, owner, name, desc string) (uint16, error) {
	switch kind {
	case TagFieldref, TagMethodref, TagInterfaceMethodref:
	default:
		return 0, fmt.Errorf("tag %d is not a member reference", kind)
	}
	classIndex, err := p.AddClass(owner)
	if err != nil {
		return 0, err
	}
	natIndex, err := p.AddNameAndType(name, desc)
	if err != nil {
		return 0, err
	}
	return p.intern(&ConstantMemberref{Kind: kind, ClassIndex: classIndex, NameAndTypeIndex: natIndex})
}
