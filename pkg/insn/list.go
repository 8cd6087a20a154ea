package insn

import (
	"fmt"
	"strings"
)

// List is the ordered, mutable instruction list of one method body.
// Indices are dense; an insertion shifts every following index by the
// inserted length.
type List struct {
	insns []Instruction
}

// NewList returns a list holding insns.
func NewList(insns ...Instruction) *List {
	l := &List{insns: make([]Instruction, len(insns))}
	copy(l.insns, insns)
	return l
}

// Len returns the number of instructions, label markers included.
func (l *List) Len() int { return len(l.insns) }

// At returns the instruction at index i.
func (l *List) At(i int) Instruction { return l.insns[i] }

// Slice returns a copy of the instructions.
func (l *List) Slice() []Instruction {
	out := make([]Instruction, len(l.insns))
	copy(out, l.insns)
	return out
}

// Append adds insns at the end.
func (l *List) Append(insns ...Instruction) {
	l.insns = append(l.insns, insns...)
}

// Insert places block immediately before index at. at == Len appends.
func (l *List) Insert(at int, block ...Instruction) error {
	if at < 0 || at > len(l.insns) {
		return fmt.Errorf("insert at %d outside list of length %d", at, len(l.insns))
	}
	grown := make([]Instruction, 0, len(l.insns)+len(block))
	grown = append(grown, l.insns[:at]...)
	grown = append(grown, block...)
	grown = append(grown, l.insns[at:]...)
	l.insns = grown
	return nil
}

// Snapshot is a saved list state. Instructions themselves are never
// mutated, so sharing them with the snapshot is safe.
type Snapshot struct {
	insns []Instruction
}

// Snapshot captures the current contents.
func (l *List) Snapshot() Snapshot {
	return Snapshot{insns: l.Slice()}
}

// Restore replaces the contents with a snapshot taken from this list.
func (l *List) Restore(s Snapshot) {
	l.insns = make([]Instruction, len(s.insns))
	copy(l.insns, s.insns)
}

// String renders one instruction per line, prefixed with its index.
func (l *List) String() string {
	var b strings.Builder
	width := len(fmt.Sprint(len(l.insns)))
	for i, in := range l.insns {
		fmt.Fprintf(&b, "%*d: %s\n", width, i, in)
	}
	return b.String()
}

// Pattern is an immutable instruction sequence used only for matching.
type Pattern struct {
	insns []Instruction
}

// NewPattern copies insns into a pattern.
func NewPattern(insns ...Instruction) Pattern {
	p := Pattern{insns: make([]Instruction, len(insns))}
	copy(p.insns, insns)
	return p
}

// Len returns the pattern length.
func (p Pattern) Len() int { return len(p.insns) }

// At returns the pattern element at index i.
func (p Pattern) At(i int) Instruction { return p.insns[i] }

// String renders the pattern on one line.
func (p Pattern) String() string {
	parts := make([]string, len(p.insns))
	for i, in := range p.insns {
		parts[i] = in.String()
	}
	return "[" + strings.Join(parts, "; ") + "]"
}
