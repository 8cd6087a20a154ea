package tree

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/daimatz/asmhook/pkg/classfile"
	"github.com/daimatz/asmhook/pkg/insn"
)

// decoder turns one Code attribute into an instruction list. It runs
// twice: the first pass only records branch targets, the second builds
// instructions against the labels created in between.
type decoder struct {
	pool   *classfile.ConstantPool
	code   []byte
	labels map[int]*insn.Label
	seen   map[int]bool
}

var placeholder = insn.NewLabel("?")

func decodeMethod(pool *classfile.ConstantPool, attr *classfile.CodeAttribute) (m *Method, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed code: %v", r)
		}
	}()

	d := &decoder{pool: pool, code: attr.Code, seen: make(map[int]bool)}

	// pass 1: instruction boundaries and branch targets
	starts := make(map[int]bool)
	for pc := 0; pc < len(d.code); {
		starts[pc] = true
		_, size, err := d.decodeAt(pc)
		if err != nil {
			return nil, fmt.Errorf("pc %d: %w", pc, err)
		}
		pc += size
	}

	for _, h := range attr.ExceptionHandlers {
		d.seen[int(h.StartPC)] = true
		d.seen[int(h.EndPC)] = true
		d.seen[int(h.HandlerPC)] = true
	}
	lines, err := lineNumbers(attr)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		d.seen[int(l.pc)] = true
	}

	pcs := make([]int, 0, len(d.seen))
	for pc := range d.seen {
		if pc != len(d.code) && !starts[pc] {
			return nil, fmt.Errorf("pc %d is referenced but is not an instruction start", pc)
		}
		pcs = append(pcs, pc)
	}
	sort.Ints(pcs)
	d.labels = make(map[int]*insn.Label, len(pcs))
	for i, pc := range pcs {
		d.labels[pc] = insn.NewLabel(fmt.Sprintf("L%d", i))
	}

	// pass 2
	list := insn.NewList()
	for pc := 0; pc < len(d.code); {
		if l, ok := d.labels[pc]; ok {
			list.Append(insn.Mark(l))
		}
		in, size, err := d.decodeAt(pc)
		if err != nil {
			return nil, fmt.Errorf("pc %d: %w", pc, err)
		}
		list.Append(in)
		pc += size
	}
	if l, ok := d.labels[len(d.code)]; ok {
		list.Append(insn.Mark(l))
	}

	m = &Method{
		Insns:     list,
		MaxStack:  int(attr.MaxStack),
		MaxLocals: int(attr.MaxLocals),
	}
	for _, h := range attr.ExceptionHandlers {
		catch := ""
		if h.CatchType != 0 {
			if catch, err = pool.ClassName(h.CatchType); err != nil {
				return nil, fmt.Errorf("exception handler catch type: %w", err)
			}
		}
		m.Handlers = append(m.Handlers, Handler{
			Start:     d.labels[int(h.StartPC)],
			End:       d.labels[int(h.EndPC)],
			Handler:   d.labels[int(h.HandlerPC)],
			CatchType: catch,
		})
	}
	for _, l := range lines {
		m.Lines = append(m.Lines, Line{Start: d.labels[int(l.pc)], Line: l.line})
	}
	return m, nil
}

type lineEntry struct {
	pc, line uint16
}

func lineNumbers(attr *classfile.CodeAttribute) ([]lineEntry, error) {
	var out []lineEntry
	for _, a := range attr.Attributes {
		if a.Name != "LineNumberTable" {
			continue
		}
		if len(a.Data) < 2 {
			return nil, fmt.Errorf("LineNumberTable too short")
		}
		n := int(binary.BigEndian.Uint16(a.Data))
		if len(a.Data) != 2+4*n {
			return nil, fmt.Errorf("LineNumberTable length %d does not hold %d entries", len(a.Data), n)
		}
		for i := 0; i < n; i++ {
			off := 2 + 4*i
			out = append(out, lineEntry{
				pc:   binary.BigEndian.Uint16(a.Data[off:]),
				line: binary.BigEndian.Uint16(a.Data[off+2:]),
			})
		}
	}
	return out, nil
}

// target resolves a branch destination. In the first pass it only
// records the pc.
func (d *decoder) target(pc int) *insn.Label {
	if d.labels == nil {
		d.seen[pc] = true
		return placeholder
	}
	return d.labels[pc]
}

func (d *decoder) need(pc, n int) error {
	if pc+n > len(d.code) {
		return fmt.Errorf("%s truncated", insn.Opcode(d.code[pc]))
	}
	return nil
}

func (d *decoder) u8(pc int) int   { return int(d.code[pc]) }
func (d *decoder) s8(pc int) int32 { return int32(int8(d.code[pc])) }
func (d *decoder) u16(pc int) uint16 {
	return binary.BigEndian.Uint16(d.code[pc:])
}
func (d *decoder) s16(pc int) int32 { return int32(int16(d.u16(pc))) }
func (d *decoder) s32(pc int) int32 {
	return int32(binary.BigEndian.Uint32(d.code[pc:]))
}

func (d *decoder) branch(pc int, offset int32) (*insn.Label, error) {
	dest := pc + int(offset)
	if dest < 0 || dest >= len(d.code) {
		return nil, fmt.Errorf("branch to %d outside code", dest)
	}
	return d.target(dest), nil
}

// decodeAt decodes the instruction at pc and returns its encoded size.
func (d *decoder) decodeAt(pc int) (insn.Instruction, int, error) {
	op := insn.Opcode(d.code[pc])

	switch {
	case op >= insn.OpIload0 && op <= insn.OpAload0+3:
		n := op - insn.OpIload0
		return insn.Var(insn.OpIload+n/4, int(n%4)), 1, nil
	case op >= insn.OpIstore0 && op <= insn.OpAstore0+3:
		n := op - insn.OpIstore0
		return insn.Var(insn.OpIstore+n/4, int(n%4)), 1, nil
	}

	switch op {
	case insn.OpWide:
		if err := d.need(pc, 4); err != nil {
			return nil, 0, err
		}
		wop := insn.Opcode(d.code[pc+1])
		if wop == insn.OpIinc {
			if err := d.need(pc, 6); err != nil {
				return nil, 0, err
			}
			return insn.Iinc(int(d.u16(pc+2)), d.s16(pc+4)), 6, nil
		}
		if wop.Shape() != insn.ShapeVar {
			return nil, 0, fmt.Errorf("wide %s", wop)
		}
		return insn.Var(wop, int(d.u16(pc+2))), 4, nil
	case insn.OpLdc:
		if err := d.need(pc, 2); err != nil {
			return nil, 0, err
		}
		v, err := d.constant(uint16(d.u8(pc + 1)))
		if err != nil {
			return nil, 0, err
		}
		return insn.Ldc(v), 2, nil
	case insn.OpLdcW, insn.OpLdc2W:
		if err := d.need(pc, 3); err != nil {
			return nil, 0, err
		}
		v, err := d.constant(d.u16(pc + 1))
		if err != nil {
			return nil, 0, err
		}
		return insn.Ldc(v), 3, nil
	case insn.OpGotoW, insn.OpJsrW:
		if err := d.need(pc, 5); err != nil {
			return nil, 0, err
		}
		target, err := d.branch(pc, d.s32(pc+1))
		if err != nil {
			return nil, 0, err
		}
		if op == insn.OpGotoW {
			return insn.Jump(insn.OpGoto, target), 5, nil
		}
		return insn.Jump(insn.OpJsr, target), 5, nil
	}

	switch op.Shape() {
	case insn.ShapeNone:
		return insn.New(op), 1, nil
	case insn.ShapeVar:
		if err := d.need(pc, 2); err != nil {
			return nil, 0, err
		}
		return insn.Var(op, d.u8(pc+1)), 2, nil
	case insn.ShapeInt:
		switch op {
		case insn.OpSipush:
			if err := d.need(pc, 3); err != nil {
				return nil, 0, err
			}
			return insn.Int(op, d.s16(pc+1)), 3, nil
		case insn.OpBipush:
			if err := d.need(pc, 2); err != nil {
				return nil, 0, err
			}
			return insn.Int(op, d.s8(pc+1)), 2, nil
		}
		if err := d.need(pc, 2); err != nil {
			return nil, 0, err
		}
		return insn.Int(op, int32(d.u8(pc+1))), 2, nil
	case insn.ShapeIinc:
		if err := d.need(pc, 3); err != nil {
			return nil, 0, err
		}
		return insn.Iinc(d.u8(pc+1), d.s8(pc+2)), 3, nil
	case insn.ShapeJump:
		if err := d.need(pc, 3); err != nil {
			return nil, 0, err
		}
		target, err := d.branch(pc, d.s16(pc+1))
		if err != nil {
			return nil, 0, err
		}
		return insn.Jump(op, target), 3, nil
	case insn.ShapeField, insn.ShapeMethod:
		size := 3
		if op == insn.OpInvokeinterface {
			size = 5
		}
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		ref, err := d.pool.ResolveMemberref(d.u16(pc + 1))
		if err != nil {
			return nil, 0, err
		}
		if op.Shape() == insn.ShapeField {
			if ref.Kind != classfile.TagFieldref {
				return nil, 0, fmt.Errorf("%s references a method", op)
			}
			return insn.Field(op, ref.ClassName, ref.Name, ref.Descriptor), size, nil
		}
		switch ref.Kind {
		case classfile.TagInterfaceMethodref:
			return insn.InterfaceMethod(op, ref.ClassName, ref.Name, ref.Descriptor), size, nil
		case classfile.TagMethodref:
			return insn.Method(op, ref.ClassName, ref.Name, ref.Descriptor), size, nil
		}
		return nil, 0, fmt.Errorf("%s references a field", op)
	case insn.ShapeInvokeDynamic:
		if err := d.need(pc, 5); err != nil {
			return nil, 0, err
		}
		index := d.u16(pc + 1)
		indy, ok := d.pool.Entry(index).(*classfile.ConstantDynamic)
		if !ok || indy.Kind != classfile.TagInvokeDynamic {
			return nil, 0, fmt.Errorf("invokedynamic #%d is not an InvokeDynamic constant", index)
		}
		name, desc, err := d.pool.NameAndType(indy.NameAndTypeIndex)
		if err != nil {
			return nil, 0, err
		}
		return &insn.InvokeDynamicInsn{Index: index, Name: name, Desc: desc}, 5, nil
	case insn.ShapeType:
		if err := d.need(pc, 3); err != nil {
			return nil, 0, err
		}
		name, err := d.pool.ClassName(d.u16(pc + 1))
		if err != nil {
			return nil, 0, err
		}
		return insn.Type(op, name), 3, nil
	case insn.ShapeMultiANewArray:
		if err := d.need(pc, 4); err != nil {
			return nil, 0, err
		}
		name, err := d.pool.ClassName(d.u16(pc + 1))
		if err != nil {
			return nil, 0, err
		}
		return insn.MultiANewArray(name, d.u8(pc+3)), 4, nil
	case insn.ShapeTableSwitch, insn.ShapeLookupSwitch:
		return d.decodeSwitch(pc, op)
	}
	return nil, 0, fmt.Errorf("invalid opcode 0x%02x", int(op))
}

func (d *decoder) decodeSwitch(pc int, op insn.Opcode) (insn.Instruction, int, error) {
	pad := (4 - (pc+1)%4) % 4
	base := pc + 1 + pad
	if err := d.need(pc, 1+pad+12); err != nil {
		return nil, 0, err
	}
	def, err := d.branch(pc, d.s32(base))
	if err != nil {
		return nil, 0, err
	}

	if op == insn.OpTableswitch {
		low, high := d.s32(base+4), d.s32(base+8)
		if low > high {
			return nil, 0, fmt.Errorf("tableswitch low %d > high %d", low, high)
		}
		n := int(int64(high) - int64(low) + 1)
		size := 1 + pad + 12 + 4*n
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		sw := &insn.TableSwitchInsn{Min: low, Max: high, Default: def, Labels: make([]*insn.Label, n)}
		for i := 0; i < n; i++ {
			if sw.Labels[i], err = d.branch(pc, d.s32(base+12+4*i)); err != nil {
				return nil, 0, err
			}
		}
		return sw, size, nil
	}

	n := int(d.s32(base + 4))
	if n < 0 {
		return nil, 0, fmt.Errorf("lookupswitch with %d pairs", n)
	}
	size := 1 + pad + 8 + 8*n
	if err := d.need(pc, size); err != nil {
		return nil, 0, err
	}
	sw := &insn.LookupSwitchInsn{Default: def, Keys: make([]int32, n), Labels: make([]*insn.Label, n)}
	for i := 0; i < n; i++ {
		sw.Keys[i] = d.s32(base + 8 + 8*i)
		if sw.Labels[i], err = d.branch(pc, d.s32(base+12+8*i)); err != nil {
			return nil, 0, err
		}
	}
	return sw, size, nil
}

func (d *decoder) constant(index uint16) (any, error) {
	switch c := d.pool.Entry(index).(type) {
	case *classfile.ConstantInteger:
		return c.Value, nil
	case *classfile.ConstantFloat:
		return c.Value, nil
	case *classfile.ConstantLong:
		return c.Value, nil
	case *classfile.ConstantDouble:
		return c.Value, nil
	case *classfile.ConstantString:
		return d.pool.Utf8(c.StringIndex)
	case *classfile.ConstantClass:
		name, err := d.pool.Utf8(c.NameIndex)
		if err != nil {
			return nil, err
		}
		return insn.ClassConst{Name: name}, nil
	case *classfile.ConstantMethodType, *classfile.ConstantMethodHandle, *classfile.ConstantDynamic:
		return insn.PoolConst{Index: index, Tag: c.Tag()}, nil
	case nil:
		return nil, fmt.Errorf("ldc of empty constant #%d", index)
	default:
		return nil, fmt.Errorf("ldc of unloadable constant #%d (tag %d)", index, c.Tag())
	}
}
