package tree

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/daimatz/asmhook/pkg/classfile"
	"github.com/daimatz/asmhook/pkg/insn"
)

// Code attributes whose contents hold bytecode offsets that assembly
// does not remap. They are dropped from modified methods.
var staleAttributes = map[string]bool{
	"StackMapTable":          true,
	"LocalVariableTable":     true,
	"LocalVariableTypeTable": true,
	"LineNumberTable":        true, // rebuilt from Method.Lines
}

// encoded is one instruction with its pool operand resolved and its
// position fixed by layout.
type encoded struct {
	in    insn.Instruction
	pc    int
	size  int
	index uint16
	wide  bool // ldc_w, or wide-prefixed var access
	ldc2  bool
}

func (c *Class) assemble(m *Method) error {
	mi := &c.File.Methods[m.index]
	pool := c.File.ConstantPool
	insns := m.Insns.Slice()

	code := make([]encoded, len(insns))
	for i, in := range insns {
		e, err := resolve(pool, in)
		if err != nil {
			return fmt.Errorf("instruction %d %s: %w", i, in, err)
		}
		code[i] = e
	}

	// layout
	labels := make(map[*insn.Label]int)
	pc := 0
	for i := range code {
		e := &code[i]
		e.pc = pc
		switch in := e.in.(type) {
		case *insn.LabelInsn:
			if _, dup := labels[in.Label]; dup {
				return fmt.Errorf("label %s placed twice", in.Label.Name())
			}
			labels[in.Label] = pc
		case *insn.TableSwitchInsn:
			e.size = 1 + pad(pc) + 12 + 4*len(in.Labels)
		case *insn.LookupSwitchInsn:
			e.size = 1 + pad(pc) + 8 + 8*len(in.Keys)
		}
		pc += e.size
	}
	if pc == 0 {
		return fmt.Errorf("empty method body")
	}
	if pc > math.MaxUint16 {
		return fmt.Errorf("code length %d exceeds 65535", pc)
	}
	labelPC := func(l *insn.Label) (int, error) {
		p, ok := labels[l]
		if !ok {
			return 0, fmt.Errorf("label %s is not placed in the method", l.Name())
		}
		return p, nil
	}

	buf := make([]byte, 0, pc)
	for i := range code {
		var err error
		if buf, err = emit(buf, &code[i], labelPC); err != nil {
			return fmt.Errorf("instruction %d %s: %w", i, code[i].in, err)
		}
	}

	var handlers []classfile.ExceptionHandler
	for _, h := range m.Handlers {
		start, err := labelPC(h.Start)
		if err != nil {
			return fmt.Errorf("handler start: %w", err)
		}
		end, err := labelPC(h.End)
		if err != nil {
			return fmt.Errorf("handler end: %w", err)
		}
		handler, err := labelPC(h.Handler)
		if err != nil {
			return fmt.Errorf("handler: %w", err)
		}
		var catch uint16
		if h.CatchType != "" {
			if catch, err = pool.AddClass(h.CatchType); err != nil {
				return err
			}
		}
		handlers = append(handlers, classfile.ExceptionHandler{
			StartPC:   uint16(start),
			EndPC:     uint16(end),
			HandlerPC: uint16(handler),
			CatchType: catch,
		})
	}

	stack, err := maxStack(insns, m.Handlers)
	if err != nil {
		return err
	}
	m.MaxStack = max(m.MaxStack, stack)
	m.MaxLocals = max(m.MaxLocals, maxLocals(m, insns))
	if m.MaxStack > math.MaxUint16 || m.MaxLocals > math.MaxUint16 {
		return fmt.Errorf("max_stack %d or max_locals %d out of range", m.MaxStack, m.MaxLocals)
	}

	var attrs []classfile.AttributeInfo
	for _, a := range mi.Code.Attributes {
		if !staleAttributes[a.Name] {
			attrs = append(attrs, a)
			continue
		}
		if a.Name == "StackMapTable" && c.File.MajorVersion > 50 {
			log.Warning("dropped StackMapTable; the class needs verification without frames",
				"class", c.Name, "method", m.Name, "descriptor", m.Desc)
		}
	}
	if len(m.Lines) > 0 {
		data := binary.BigEndian.AppendUint16(nil, uint16(len(m.Lines)))
		for _, l := range m.Lines {
			start, err := labelPC(l.Start)
			if err != nil {
				return fmt.Errorf("line %d: %w", l.Line, err)
			}
			data = binary.BigEndian.AppendUint16(data, uint16(start))
			data = binary.BigEndian.AppendUint16(data, l.Line)
		}
		attrs = append(attrs, classfile.AttributeInfo{Name: "LineNumberTable", Data: data})
	}

	mi.Code = &classfile.CodeAttribute{
		MaxStack:          uint16(m.MaxStack),
		MaxLocals:         uint16(m.MaxLocals),
		Code:              buf,
		ExceptionHandlers: handlers,
		Attributes:        attrs,
	}
	return nil
}

func pad(pc int) int { return (4 - (pc+1)%4) % 4 }

func isWideConstant(pool *classfile.ConstantPool, v any) bool {
	switch v := v.(type) {
	case int64, float64:
		return true
	case insn.PoolConst:
		if dyn, ok := pool.Entry(v.Index).(*classfile.ConstantDynamic); ok {
			if _, desc, err := pool.NameAndType(dyn.NameAndTypeIndex); err == nil {
				return insn.TypeSize(desc) == 2
			}
		}
	}
	return false
}

// resolve interns the pool operand of in and sizes every instruction
// whose length does not depend on its position.
func resolve(pool *classfile.ConstantPool, in insn.Instruction) (encoded, error) {
	e := encoded{in: in}
	var err error
	switch in := in.(type) {
	case *insn.LabelInsn:
	case *insn.SimpleInsn:
		e.size = 1
	case *insn.VarInsn:
		switch {
		case in.Var <= 3 && in.Op != insn.OpRet:
			e.size = 1
		case in.Var <= math.MaxUint8:
			e.size = 2
		default:
			e.size, e.wide = 4, true
		}
	case *insn.IntInsn:
		e.size = 2
		if in.Op == insn.OpSipush {
			e.size = 3
		}
	case *insn.IincInsn:
		e.size = 3
		if in.Var > math.MaxUint8 || in.Incr < math.MinInt8 || in.Incr > math.MaxInt8 {
			e.size, e.wide = 6, true
		}
	case *insn.JumpInsn:
		e.size = 3
	case *insn.FieldInsn:
		e.index, err = pool.AddMemberref(classfile.TagFieldref, in.Owner, in.Name, in.Desc)
		e.size = 3
	case *insn.MethodInsn:
		kind := uint8(classfile.TagMethodref)
		if in.Itf {
			kind = classfile.TagInterfaceMethodref
		}
		e.index, err = pool.AddMemberref(kind, in.Owner, in.Name, in.Desc)
		e.size = 3
		if in.Op == insn.OpInvokeinterface {
			e.size = 5
		}
	case *insn.InvokeDynamicInsn:
		e.index, e.size = in.Index, 5
	case *insn.TypeInsn:
		e.index, err = pool.AddClass(in.Desc)
		e.size = 3
	case *insn.MultiANewArrayInsn:
		e.index, err = pool.AddClass(in.Desc)
		e.size = 4
	case *insn.LdcInsn:
		switch v := in.Value.(type) {
		case int32:
			e.index, err = pool.AddInteger(v)
		case float32:
			e.index, err = pool.AddFloat(v)
		case int64:
			e.index, err = pool.AddLong(v)
		case float64:
			e.index, err = pool.AddDouble(v)
		case string:
			e.index, err = pool.AddString(v)
		case insn.ClassConst:
			e.index, err = pool.AddClass(v.Name)
		case insn.PoolConst:
			if pool.Entry(v.Index) == nil || pool.Entry(v.Index).Tag() != v.Tag {
				return e, fmt.Errorf("constant #%d is not tag %d", v.Index, v.Tag)
			}
			e.index = v.Index
		default:
			return e, fmt.Errorf("unsupported constant %T", v)
		}
		e.size = 2
		e.ldc2 = isWideConstant(pool, in.Value)
		if e.ldc2 || e.index > math.MaxUint8 {
			e.size, e.wide = 3, true
		}
	case *insn.TableSwitchInsn:
		if int64(in.Max)-int64(in.Min)+1 != int64(len(in.Labels)) {
			return e, fmt.Errorf("tableswitch %d..%d has %d targets", in.Min, in.Max, len(in.Labels))
		}
	case *insn.LookupSwitchInsn:
		if len(in.Keys) != len(in.Labels) {
			return e, fmt.Errorf("lookupswitch has %d keys and %d targets", len(in.Keys), len(in.Labels))
		}
	default:
		return e, fmt.Errorf("cannot encode %T", in)
	}
	return e, err
}

func emit(buf []byte, e *encoded, labelPC func(*insn.Label) (int, error)) ([]byte, error) {
	u16 := func(v uint16) { buf = binary.BigEndian.AppendUint16(buf, v) }
	s32 := func(v int32) { buf = binary.BigEndian.AppendUint32(buf, uint32(v)) }
	offset := func(l *insn.Label) (int32, error) {
		p, err := labelPC(l)
		if err != nil {
			return 0, err
		}
		return int32(p - e.pc), nil
	}

	switch in := e.in.(type) {
	case *insn.LabelInsn:
	case *insn.SimpleInsn:
		buf = append(buf, byte(in.Op))
	case *insn.VarInsn:
		switch {
		case e.wide:
			buf = append(buf, byte(insn.OpWide), byte(in.Op))
			u16(uint16(in.Var))
		case e.size == 1:
			buf = append(buf, byte(shortForm(in.Op, in.Var)))
		default:
			buf = append(buf, byte(in.Op), byte(in.Var))
		}
	case *insn.IntInsn:
		buf = append(buf, byte(in.Op))
		if in.Op == insn.OpSipush {
			u16(uint16(int16(in.Operand)))
		} else {
			buf = append(buf, byte(in.Operand))
		}
	case *insn.IincInsn:
		if e.wide {
			buf = append(buf, byte(insn.OpWide), byte(insn.OpIinc))
			u16(uint16(in.Var))
			u16(uint16(int16(in.Incr)))
		} else {
			buf = append(buf, byte(insn.OpIinc), byte(in.Var), byte(int8(in.Incr)))
		}
	case *insn.JumpInsn:
		off, err := offset(in.Target)
		if err != nil {
			return nil, err
		}
		if off < math.MinInt16 || off > math.MaxInt16 {
			return nil, fmt.Errorf("branch offset %d does not fit in 16 bits", off)
		}
		buf = append(buf, byte(in.Op))
		u16(uint16(int16(off)))
	case *insn.FieldInsn, *insn.TypeInsn:
		buf = append(buf, byte(in.Opcode()))
		u16(e.index)
	case *insn.MethodInsn:
		buf = append(buf, byte(in.Op))
		u16(e.index)
		if in.Op == insn.OpInvokeinterface {
			args, _, err := insn.DescriptorSizes(in.Desc)
			if err != nil {
				return nil, err
			}
			buf = append(buf, byte(args+1), 0)
		}
	case *insn.InvokeDynamicInsn:
		buf = append(buf, byte(insn.OpInvokedynamic))
		u16(e.index)
		buf = append(buf, 0, 0)
	case *insn.MultiANewArrayInsn:
		buf = append(buf, byte(insn.OpMultianewarray))
		u16(e.index)
		buf = append(buf, byte(in.Dims))
	case *insn.LdcInsn:
		switch {
		case e.ldc2:
			buf = append(buf, byte(insn.OpLdc2W))
			u16(e.index)
		case e.wide:
			buf = append(buf, byte(insn.OpLdcW))
			u16(e.index)
		default:
			buf = append(buf, byte(insn.OpLdc), byte(e.index))
		}
	case *insn.TableSwitchInsn:
		buf = append(buf, byte(insn.OpTableswitch))
		buf = append(buf, make([]byte, pad(e.pc))...)
		def, err := offset(in.Default)
		if err != nil {
			return nil, err
		}
		s32(def)
		s32(in.Min)
		s32(in.Max)
		for _, l := range in.Labels {
			off, err := offset(l)
			if err != nil {
				return nil, err
			}
			s32(off)
		}
	case *insn.LookupSwitchInsn:
		buf = append(buf, byte(insn.OpLookupswitch))
		buf = append(buf, make([]byte, pad(e.pc))...)
		def, err := offset(in.Default)
		if err != nil {
			return nil, err
		}
		s32(def)
		s32(int32(len(in.Keys)))
		for k, key := range in.Keys {
			off, err := offset(in.Labels[k])
			if err != nil {
				return nil, err
			}
			s32(key)
			s32(off)
		}
	}
	return buf, nil
}

func shortForm(op insn.Opcode, slot int) insn.Opcode {
	if op >= insn.OpIstore && op <= insn.OpAstore {
		return insn.OpIstore0 + (op-insn.OpIstore)*4 + insn.Opcode(slot)
	}
	return insn.OpIload0 + (op-insn.OpIload)*4 + insn.Opcode(slot)
}
