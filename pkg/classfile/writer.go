package classfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Bytes serializes cf. See Write.
func Bytes(cf *ClassFile) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, cf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write serializes cf. Each method's Code is folded back into its raw
// Code attribute first, and attributes without a name index get one, so
// the constant pool may grow. An unmodified parse result is written back
// byte for byte.
func Write(w io.Writer, cf *ClassFile) error {
	if err := cf.prepare(); err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	e := &encoder{w: bw}
	e.u32(classMagic)
	e.u16(cf.MinorVersion)
	e.u16(cf.MajorVersion)
	cf.ConstantPool.write(e)
	e.u16(cf.AccessFlags)
	e.u16(cf.ThisClass)
	e.u16(cf.SuperClass)
	e.u16(uint16(len(cf.Interfaces)))
	for _, i := range cf.Interfaces {
		e.u16(i)
	}
	e.u16(uint16(len(cf.Fields)))
	for _, f := range cf.Fields {
		e.u16(f.AccessFlags)
		e.u16(f.NameIndex)
		e.u16(f.DescriptorIndex)
		e.attributes(f.Attributes)
	}
	e.u16(uint16(len(cf.Methods)))
	for _, m := range cf.Methods {
		e.u16(m.AccessFlags)
		e.u16(m.NameIndex)
		e.u16(m.DescriptorIndex)
		e.attributes(m.Attributes)
	}
	e.attributes(cf.Attributes)
	if e.err != nil {
		return e.err
	}
	return bw.Flush()
}

func (cf *ClassFile) prepare() error {
	if len(cf.Interfaces) > math.MaxUint16 || len(cf.Fields) > math.MaxUint16 || len(cf.Methods) > math.MaxUint16 {
		return fmt.Errorf("class has too many interfaces, fields or methods")
	}
	for i := range cf.Fields {
		if err := cf.nameAttributes(cf.Fields[i].Attributes); err != nil {
			return err
		}
	}
	for i := range cf.Methods {
		m := &cf.Methods[i]
		if m.Code != nil {
			if err := cf.nameAttributes(m.Code.Attributes); err != nil {
				return err
			}
			data, err := encodeCode(m.Code)
			if err != nil {
				return fmt.Errorf("method %s%s: %w", m.Name, m.Descriptor, err)
			}
			if attr := FindAttribute(m.Attributes, "Code"); attr != nil {
				attr.Data = data
			} else {
				m.Attributes = append(m.Attributes, AttributeInfo{Name: "Code", Data: data})
			}
		}
		if err := cf.nameAttributes(m.Attributes); err != nil {
			return err
		}
	}
	return cf.nameAttributes(cf.Attributes)
}

func (cf *ClassFile) nameAttributes(attrs []AttributeInfo) error {
	if len(attrs) > math.MaxUint16 {
		return fmt.Errorf("too many attributes")
	}
	for i := range attrs {
		if uint64(len(attrs[i].Data)) > math.MaxUint32 {
			return fmt.Errorf("attribute %s too large", attrs[i].Name)
		}
		if attrs[i].NameIndex != 0 {
			continue
		}
		idx, err := cf.ConstantPool.AddUtf8(attrs[i].Name)
		if err != nil {
			return err
		}
		attrs[i].NameIndex = idx
	}
	return nil
}

func encodeCode(c *CodeAttribute) ([]byte, error) {
	if len(c.Code) == 0 || len(c.Code) > math.MaxUint16 {
		return nil, fmt.Errorf("code length %d out of range", len(c.Code))
	}
	if len(c.ExceptionHandlers) > math.MaxUint16 {
		return nil, fmt.Errorf("too many exception handlers")
	}
	var buf bytes.Buffer
	e := &encoder{w: &buf}
	e.u16(c.MaxStack)
	e.u16(c.MaxLocals)
	e.u32(uint32(len(c.Code)))
	e.raw(c.Code)
	e.u16(uint16(len(c.ExceptionHandlers)))
	for _, h := range c.ExceptionHandlers {
		e.u16(h.StartPC)
		e.u16(h.EndPC)
		e.u16(h.HandlerPC)
		e.u16(h.CatchType)
	}
	e.attributes(c.Attributes)
	return buf.Bytes(), e.err
}

func (p *ConstantPool) write(e *encoder) {
	e.u16(uint16(len(p.entries)))
	for _, entry := range p.entries {
		if entry == nil {
			continue
		}
		e.u8(entry.Tag())
		switch c := entry.(type) {
		case *ConstantUtf8:
			e.u16(uint16(len(c.Value)))
			e.raw([]byte(c.Value))
		case *ConstantInteger:
			e.u32(uint32(c.Value))
		case *ConstantFloat:
			e.u32(math.Float32bits(c.Value))
		case *ConstantLong:
			e.u64(uint64(c.Value))
		case *ConstantDouble:
			e.u64(math.Float64bits(c.Value))
		case *ConstantClass:
			e.u16(c.NameIndex)
		case *ConstantString:
			e.u16(c.StringIndex)
		case *ConstantMethodType:
			e.u16(c.DescriptorIndex)
		case *ConstantModule:
			e.u16(c.NameIndex)
		case *ConstantMemberref:
			e.u16(c.ClassIndex)
			e.u16(c.NameAndTypeIndex)
		case *ConstantNameAndType:
			e.u16(c.NameIndex)
			e.u16(c.DescriptorIndex)
		case *ConstantMethodHandle:
			e.u8(c.ReferenceKind)
			e.u16(c.ReferenceIndex)
		case *ConstantDynamic:
			e.u16(c.BootstrapMethodAttrIndex)
			e.u16(c.NameAndTypeIndex)
		default:
			e.fail(fmt.Errorf("cannot write constant of type %T", entry))
		}
	}
}

// encoder writes big-endian values and keeps the first error.
type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	if _, err := e.w.Write(b); err != nil {
		e.err = err
	}
}

func (e *encoder) u8(v uint8) { e.raw([]byte{v}) }

func (e *encoder) u16(v uint16) {
	e.raw(binary.BigEndian.AppendUint16(nil, v))
}

func (e *encoder) u32(v uint32) {
	e.raw(binary.BigEndian.AppendUint32(nil, v))
}

func (e *encoder) u64(v uint64) {
	e.raw(binary.BigEndian.AppendUint64(nil, v))
}

func (e *encoder) attributes(attrs []AttributeInfo) {
	e.u16(uint16(len(attrs)))
	for _, a := range attrs {
		e.u16(a.NameIndex)
		e.u32(uint32(len(a.Data)))
		e.raw(a.Data)
	}
}
