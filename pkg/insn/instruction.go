// Package insn is the in-memory model of decoded JVM instructions.
//
// Instructions are immutable once built; lists of them are edited by
// inserting whole blocks. The concrete instruction types form a closed
// set, so callers type-switch on them.
package insn

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Instruction is one decoded instruction or label marker.
type Instruction interface {
	Opcode() Opcode
	String() string
	sealed()
}

// Label is a branch target. Identity is the pointer; the name is for
// dumps and textual hook definitions only.
type Label struct {
	name string
}

// NewLabel returns a fresh label.
func NewLabel(name string) *Label {
	return &Label{name: name}
}

// Name returns the label's display name.
func (l *Label) Name() string {
	if l == nil {
		return "L?"
	}
	if l.name == "" {
		return fmt.Sprintf("L%p", l)
	}
	return l.name
}

// SimpleInsn is an instruction without operands.
type SimpleInsn struct {
	Op Opcode
}

// VarInsn loads, stores or returns through a local variable slot.
type VarInsn struct {
	Op  Opcode
	Var int
}

// IntInsn carries a signed immediate (bipush, sipush, newarray).
type IntInsn struct {
	Op      Opcode
	Operand int32
}

// IincInsn increments a local variable.
type IincInsn struct {
	Var  int
	Incr int32
}

// JumpInsn branches to a label.
type JumpInsn struct {
	Op     Opcode
	Target *Label
}

// FieldInsn reads or writes a field.
type FieldInsn struct {
	Op    Opcode
	Owner string
	Name  string
	Desc  string
}

// MethodInsn invokes a method. Itf is set when the owner is an interface.
type MethodInsn struct {
	Op    Opcode
	Owner string
	Name  string
	Desc  string
	Itf   bool
}

// InvokeDynamicInsn keeps its constant pool index; bootstrap methods are
// not modeled.
type InvokeDynamicInsn struct {
	Index uint16
	Name  string
	Desc  string
}

// TypeInsn takes a class operand (internal name or array descriptor).
type TypeInsn struct {
	Op   Opcode
	Desc string
}

// ClassConst is a class literal pushed by ldc.
type ClassConst struct {
	Name string
}

// PoolConst is an ldc operand kept as a raw constant pool reference
// (MethodType, MethodHandle, Dynamic).
type PoolConst struct {
	Index uint16
	Tag   uint8
}

// LdcInsn pushes a constant: int32, float32, int64, float64, string,
// ClassConst or PoolConst.
type LdcInsn struct {
	Value any
}

// MultiANewArrayInsn allocates a multi-dimensional array.
type MultiANewArrayInsn struct {
	Desc string
	Dims int
}

// TableSwitchInsn jumps through a dense key range.
type TableSwitchInsn struct {
	Min, Max int32
	Default  *Label
	Labels   []*Label
}

// LookupSwitchInsn jumps through sorted sparse keys.
type LookupSwitchInsn struct {
	Default *Label
	Keys    []int32
	Labels  []*Label
}

// LabelInsn marks the position of a label in a list.
type LabelInsn struct {
	Label *Label
}

func (i *SimpleInsn) Opcode() Opcode         { return i.Op }
func (i *VarInsn) Opcode() Opcode            { return i.Op }
func (i *IntInsn) Opcode() Opcode            { return i.Op }
func (i *IincInsn) Opcode() Opcode           { return OpIinc }
func (i *JumpInsn) Opcode() Opcode           { return i.Op }
func (i *FieldInsn) Opcode() Opcode          { return i.Op }
func (i *MethodInsn) Opcode() Opcode         { return i.Op }
func (i *InvokeDynamicInsn) Opcode() Opcode  { return OpInvokedynamic }
func (i *TypeInsn) Opcode() Opcode           { return i.Op }
func (i *LdcInsn) Opcode() Opcode            { return OpLdc }
func (i *MultiANewArrayInsn) Opcode() Opcode { return OpMultianewarray }
func (i *TableSwitchInsn) Opcode() Opcode    { return OpTableswitch }
func (i *LookupSwitchInsn) Opcode() Opcode   { return OpLookupswitch }
func (i *LabelInsn) Opcode() Opcode          { return OpLabel }

func (*SimpleInsn) sealed()         {}
func (*VarInsn) sealed()            {}
func (*IntInsn) sealed()            {}
func (*IincInsn) sealed()           {}
func (*JumpInsn) sealed()           {}
func (*FieldInsn) sealed()          {}
func (*MethodInsn) sealed()         {}
func (*InvokeDynamicInsn) sealed()  {}
func (*TypeInsn) sealed()           {}
func (*LdcInsn) sealed()            {}
func (*MultiANewArrayInsn) sealed() {}
func (*TableSwitchInsn) sealed()    {}
func (*LookupSwitchInsn) sealed()   {}
func (*LabelInsn) sealed()          {}

func mustShape(op Opcode, want Shape) {
	if op.Shape() != want {
		panic(fmt.Sprintf("insn: %s cannot be built as a %s instruction", op, shapeNames[want]))
	}
}

var shapeNames = map[Shape]string{
	ShapeNone:           "no-operand",
	ShapeVar:            "var",
	ShapeInt:            "int",
	ShapeJump:           "jump",
	ShapeField:          "field",
	ShapeMethod:         "method",
	ShapeType:           "type",
	ShapeTableSwitch:    "tableswitch",
	ShapeLookupSwitch:   "lookupswitch",
	ShapeMultiANewArray: "multianewarray",
}

// New returns an instruction without operands. It panics when op takes
// operands.
func New(op Opcode) *SimpleInsn {
	mustShape(op, ShapeNone)
	return &SimpleInsn{Op: op}
}

// Var returns a local variable instruction.
func Var(op Opcode, slot int) *VarInsn {
	mustShape(op, ShapeVar)
	if slot < 0 || slot > math.MaxUint16 {
		panic(fmt.Sprintf("insn: %s slot %d out of range", op, slot))
	}
	return &VarInsn{Op: op, Var: slot}
}

// Int returns bipush, sipush or newarray with a range-checked operand.
func Int(op Opcode, v int32) *IntInsn {
	mustShape(op, ShapeInt)
	switch op {
	case OpBipush:
		if v < math.MinInt8 || v > math.MaxInt8 {
			panic(fmt.Sprintf("insn: BIPUSH operand %d out of range", v))
		}
	case OpSipush:
		if v < math.MinInt16 || v > math.MaxInt16 {
			panic(fmt.Sprintf("insn: SIPUSH operand %d out of range", v))
		}
	case OpNewarray:
		if v < 4 || v > 11 {
			panic(fmt.Sprintf("insn: NEWARRAY type %d invalid", v))
		}
	}
	return &IntInsn{Op: op, Operand: v}
}

// Iinc returns an iinc instruction.
func Iinc(slot int, incr int32) *IincInsn {
	if slot < 0 || slot > math.MaxUint16 || incr < math.MinInt16 || incr > math.MaxInt16 {
		panic(fmt.Sprintf("insn: IINC %d %d out of range", slot, incr))
	}
	return &IincInsn{Var: slot, Incr: incr}
}

// Jump returns a branch to target.
func Jump(op Opcode, target *Label) *JumpInsn {
	mustShape(op, ShapeJump)
	if target == nil {
		panic(fmt.Sprintf("insn: %s without target", op))
	}
	return &JumpInsn{Op: op, Target: target}
}

// Field returns a field access instruction.
func Field(op Opcode, owner, name, desc string) *FieldInsn {
	mustShape(op, ShapeField)
	if owner == "" || name == "" || desc == "" {
		panic(fmt.Sprintf("insn: %s with empty owner, name or descriptor", op))
	}
	return &FieldInsn{Op: op, Owner: owner, Name: name, Desc: desc}
}

// Method returns an invoke instruction. Itf is implied by
// invokeinterface; use InterfaceMethod for static or special calls on
// interfaces.
func Method(op Opcode, owner, name, desc string) *MethodInsn {
	mustShape(op, ShapeMethod)
	if owner == "" || name == "" || !strings.HasPrefix(desc, "(") {
		panic(fmt.Sprintf("insn: %s %s.%s %s is not a method reference", op, owner, name, desc))
	}
	return &MethodInsn{Op: op, Owner: owner, Name: name, Desc: desc, Itf: op == OpInvokeinterface}
}

// InterfaceMethod is Method with an interface owner.
func InterfaceMethod(op Opcode, owner, name, desc string) *MethodInsn {
	m := Method(op, owner, name, desc)
	m.Itf = true
	return m
}

// Type returns new, anewarray, checkcast or instanceof.
func Type(op Opcode, desc string) *TypeInsn {
	mustShape(op, ShapeType)
	if desc == "" {
		panic(fmt.Sprintf("insn: %s with empty type", op))
	}
	return &TypeInsn{Op: op, Desc: desc}
}

// Ldc returns an ldc of v. It panics on unsupported constant types.
func Ldc(v any) *LdcInsn {
	switch v.(type) {
	case int32, float32, int64, float64, string, ClassConst, PoolConst:
	default:
		panic(fmt.Sprintf("insn: LDC of unsupported %T", v))
	}
	return &LdcInsn{Value: v}
}

// MultiANewArray returns a multianewarray instruction.
func MultiANewArray(desc string, dims int) *MultiANewArrayInsn {
	if !strings.HasPrefix(desc, "[") || dims < 1 || dims > 255 {
		panic(fmt.Sprintf("insn: MULTIANEWARRAY %s %d invalid", desc, dims))
	}
	return &MultiANewArrayInsn{Desc: desc, Dims: dims}
}

// Mark returns the marker placing l in a list.
func Mark(l *Label) *LabelInsn {
	if l == nil {
		panic("insn: nil label")
	}
	return &LabelInsn{Label: l}
}

func (i *SimpleInsn) String() string { return i.Op.String() }

func (i *VarInsn) String() string { return fmt.Sprintf("%s %d", i.Op, i.Var) }

func (i *IntInsn) String() string { return fmt.Sprintf("%s %d", i.Op, i.Operand) }

func (i *IincInsn) String() string { return fmt.Sprintf("IINC %d %d", i.Var, i.Incr) }

func (i *JumpInsn) String() string { return fmt.Sprintf("%s %s", i.Op, i.Target.Name()) }

func (i *FieldInsn) String() string {
	return fmt.Sprintf("%s %s.%s %s", i.Op, i.Owner, i.Name, i.Desc)
}

func (i *MethodInsn) String() string {
	s := fmt.Sprintf("%s %s.%s %s", i.Op, i.Owner, i.Name, i.Desc)
	if i.Itf && i.Op != OpInvokeinterface {
		s += " itf"
	}
	return s
}

func (i *InvokeDynamicInsn) String() string {
	return fmt.Sprintf("INVOKEDYNAMIC #%d %s %s", i.Index, i.Name, i.Desc)
}

func (i *TypeInsn) String() string { return fmt.Sprintf("%s %s", i.Op, i.Desc) }

func (i *LdcInsn) String() string {
	switch v := i.Value.(type) {
	case int32:
		return fmt.Sprintf("LDC %d", v)
	case int64:
		return fmt.Sprintf("LDC %dL", v)
	case float32:
		return "LDC " + strconv.FormatFloat(float64(v), 'g', -1, 32) + "F"
	case float64:
		return "LDC " + strconv.FormatFloat(v, 'g', -1, 64) + "D"
	case string:
		return "LDC " + strconv.Quote(v)
	case ClassConst:
		return "LDC class " + v.Name
	case PoolConst:
		return fmt.Sprintf("LDC #%d", v.Index)
	}
	return "LDC ?"
}

func (i *MultiANewArrayInsn) String() string {
	return fmt.Sprintf("MULTIANEWARRAY %s %d", i.Desc, i.Dims)
}

func (i *TableSwitchInsn) String() string {
	names := make([]string, len(i.Labels))
	for k, l := range i.Labels {
		names[k] = l.Name()
	}
	return fmt.Sprintf("TABLESWITCH %d..%d [%s] default %s", i.Min, i.Max, strings.Join(names, " "), i.Default.Name())
}

func (i *LookupSwitchInsn) String() string {
	pairs := make([]string, len(i.Keys))
	for k, key := range i.Keys {
		pairs[k] = fmt.Sprintf("%d:%s", key, i.Labels[k].Name())
	}
	return fmt.Sprintf("LOOKUPSWITCH [%s] default %s", strings.Join(pairs, " "), i.Default.Name())
}

func (i *LabelInsn) String() string { return "LABEL " + i.Label.Name() }
