package tree

import (
	"fmt"

	"github.com/daimatz/asmhook/pkg/classfile"
	"github.com/daimatz/asmhook/pkg/insn"
)

// maxStack computes the deepest operand stack reachable in insns by
// propagating depths along control flow from the entry point and every
// handler, where the thrown exception is the only operand.
func maxStack(insns []insn.Instruction, handlers []Handler) (int, error) {
	at := make(map[*insn.Label]int)
	for i, in := range insns {
		if l, ok := in.(*insn.LabelInsn); ok {
			at[l.Label] = i
		}
	}

	depth := make([]int, len(insns))
	for i := range depth {
		depth[i] = -1
	}
	type entry struct{ index, depth int }
	work := []entry{{0, 0}}
	for _, h := range handlers {
		i, ok := at[h.Handler]
		if !ok {
			return 0, fmt.Errorf("handler label %s is not placed in the method", h.Handler.Name())
		}
		work = append(work, entry{i, 1})
	}

	branch := func(l *insn.Label, d int) error {
		i, ok := at[l]
		if !ok {
			return fmt.Errorf("branch to label %s which is not placed in the method", l.Name())
		}
		work = append(work, entry{i, d})
		return nil
	}

	highest := 0
	for len(work) > 0 {
		e := work[len(work)-1]
		work = work[:len(work)-1]

		for i, d := e.index, e.depth; i < len(insns) && depth[i] < 0; i++ {
			depth[i] = d
			in := insns[i]
			effect, err := insn.StackEffect(in)
			if err != nil {
				return 0, fmt.Errorf("instruction %d: %w", i, err)
			}
			next := d + effect
			if next < 0 {
				return 0, fmt.Errorf("instruction %d %s: operand stack underflow", i, in)
			}
			highest = max(highest, d, next)

			switch in := in.(type) {
			case *insn.JumpInsn:
				if err := branch(in.Target, next); err != nil {
					return 0, err
				}
				if in.Op == insn.OpJsr {
					// the subroutine's ret resumes with the address popped
					next = d
				}
			case *insn.TableSwitchInsn:
				for _, l := range append([]*insn.Label{in.Default}, in.Labels...) {
					if err := branch(l, next); err != nil {
						return 0, err
					}
				}
			case *insn.LookupSwitchInsn:
				for _, l := range append([]*insn.Label{in.Default}, in.Labels...) {
					if err := branch(l, next); err != nil {
						return 0, err
					}
				}
			}
			if in.Opcode().EndsBlock() {
				break
			}
			d = next
		}
	}
	return highest, nil
}

// maxLocals returns the number of local slots used by the receiver,
// the arguments and every variable access in insns.
func maxLocals(m *Method, insns []insn.Instruction) int {
	args, _, err := insn.DescriptorSizes(m.Desc)
	if err != nil {
		args = 0
	}
	if m.Access&classfile.AccStatic == 0 {
		args++
	}
	n := args
	for _, in := range insns {
		switch in := in.(type) {
		case *insn.VarInsn:
			size := 1
			switch in.Op {
			case insn.OpLload, insn.OpDload, insn.OpLstore, insn.OpDstore:
				size = 2
			}
			n = max(n, in.Var+size)
		case *insn.IincInsn:
			n = max(n, in.Var+1)
		}
	}
	return n
}
