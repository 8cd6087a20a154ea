// Package hook builds and applies step programs that patch one method.
//
// A Hook is an immutable program of find, insert, jump and head steps
// aimed at one (class, method, descriptor). An Engine runs the program
// against a decoded method with a single cursor and commits the result
// only when every step succeeds.
package hook

import (
	"fmt"
	"strings"

	"github.com/daimatz/asmhook/pkg/insn"
)

// StepKind identifies a step.
type StepKind int

const (
	StepFind StepKind = iota + 1
	StepInsert
	StepJump
	StepHead
)

func (k StepKind) String() string {
	switch k {
	case StepFind:
		return "find"
	case StepInsert:
		return "insert"
	case StepJump:
		return "jump"
	case StepHead:
		return "head"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// Step is one instruction of a hook program.
type Step struct {
	kind    StepKind
	pattern insn.Pattern
	block   []insn.Instruction
	offset  int
}

// Kind returns the step kind.
func (s Step) Kind() StepKind { return s.kind }

// Pattern returns the pattern of a find step.
func (s Step) Pattern() insn.Pattern { return s.pattern }

// Block returns a copy of the template inserted by an insert step.
func (s Step) Block() []insn.Instruction {
	out := make([]insn.Instruction, len(s.block))
	copy(out, s.block)
	return out
}

// Offset returns the cursor delta of a jump step.
func (s Step) Offset() int { return s.offset }

func (s Step) String() string {
	switch s.kind {
	case StepFind:
		return "find " + s.pattern.String()
	case StepInsert:
		return "insert " + insn.NewPattern(s.block...).String()
	case StepJump:
		return fmt.Sprintf("jump %+d", s.offset)
	}
	return s.kind.String()
}

// Hook is an immutable step program for one method. Applying it never
// changes it, so a hook may be replayed.
type Hook struct {
	class  string
	method string
	desc   string
	debug  bool
	steps  []Step
}

// Class returns the internal name of the target class.
func (h *Hook) Class() string { return h.class }

// Method returns the binary name of the target method.
func (h *Hook) Method() string { return h.method }

// Desc returns the target method descriptor.
func (h *Hook) Desc() string { return h.desc }

// Debug reports whether the patched body should be dumped.
func (h *Hook) Debug() bool { return h.debug }

// Len returns the number of steps.
func (h *Hook) Len() int { return len(h.steps) }

// Step returns step i.
func (h *Hook) Step(i int) Step { return h.steps[i] }

// Steps returns a copy of the program.
func (h *Hook) Steps() []Step {
	out := make([]Step, len(h.steps))
	copy(out, h.steps)
	return out
}

func (h *Hook) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "hook %s.%s%s", h.class, h.method, h.desc)
	for i, s := range h.steps {
		fmt.Fprintf(&b, "\n  %d: %s", i, s)
	}
	return b.String()
}

// Builder assembles a Hook. Errors are collected and returned by Build.
type Builder struct {
	hook Hook
	err  error
}

// New starts a hook on class.method with an already-binary method name.
// Class names may use '.' or '/'.
func New(class, method, desc string) *Builder {
	return &Builder{hook: Hook{
		class:  strings.ReplaceAll(class, ".", "/"),
		method: method,
		desc:   desc,
	}}
}

// NewResolved starts a hook whose method name is symbolic and is mapped
// through r once, now. A nil r makes Build fail with ErrNoResolver; use
// New for names that are already binary.
func NewResolved(r insn.MemberResolver, class, method, desc string) *Builder {
	b := New(class, method, desc)
	if r == nil {
		b.err = fmt.Errorf("hook %s.%s%s: %w", b.hook.class, method, desc, ErrNoResolver)
		return b
	}
	name, err := r.ResolveMethod(b.hook.class, method, desc)
	if err != nil {
		b.err = fmt.Errorf("hook %s.%s%s: %w", b.hook.class, method, desc, err)
		return b
	}
	b.hook.method = name
	return b
}

func (b *Builder) add(s Step) *Builder {
	b.hook.steps = append(b.hook.steps, s)
	return b
}

// FindAt moves the cursor to the start of the first match of pattern.
func (b *Builder) FindAt(pattern ...insn.Instruction) *Builder {
	return b.add(Step{kind: StepFind, pattern: insn.NewPattern(pattern...)})
}

// FindAfter moves the cursor just past the first match of pattern.
func (b *Builder) FindAfter(pattern ...insn.Instruction) *Builder {
	b.FindAt(pattern...)
	return b.Jump(len(pattern))
}

// Insert places a fresh copy of block before the cursor and moves the
// cursor past it.
func (b *Builder) Insert(block ...insn.Instruction) *Builder {
	cp := make([]insn.Instruction, len(block))
	copy(cp, block)
	return b.add(Step{kind: StepInsert, block: cp})
}

// Jump moves the cursor by offset.
func (b *Builder) Jump(offset int) *Builder {
	return b.add(Step{kind: StepJump, offset: offset})
}

// Previous moves the cursor back by one.
func (b *Builder) Previous() *Builder { return b.Jump(-1) }

// Next moves the cursor forward by one.
func (b *Builder) Next() *Builder { return b.Jump(1) }

// Head moves the cursor to the first instruction of the method.
func (b *Builder) Head() *Builder {
	return b.add(Step{kind: StepHead})
}

// Debug dumps the method after the hook applies.
func (b *Builder) Debug() *Builder {
	b.hook.debug = true
	return b
}

// Build validates the program and returns the hook.
func (b *Builder) Build() (*Hook, error) {
	if b.err != nil {
		return nil, b.err
	}
	h := b.hook
	fail := func(step int, format string, args ...any) (*Hook, error) {
		return nil, &ProgramError{Class: h.class, Method: h.method, Desc: h.desc, Step: step, Reason: fmt.Sprintf(format, args...)}
	}

	if h.class == "" || h.method == "" || h.desc == "" {
		return fail(-1, "empty target class, method or descriptor")
	}
	if !strings.HasPrefix(h.desc, "(") {
		return fail(-1, "%q is not a method descriptor", h.desc)
	}
	if len(h.steps) == 0 {
		return fail(-1, "no steps")
	}

	anchored := false
	for i, s := range h.steps {
		switch s.kind {
		case StepFind:
			if s.pattern.Len() == 0 {
				return fail(i, "empty pattern")
			}
			anchored = true
		case StepHead:
			anchored = true
		case StepInsert, StepJump:
			if !anchored {
				return fail(i, "%s before any find or head step", s.kind)
			}
			if s.kind == StepJump {
				continue
			}
			if len(s.block) == 0 {
				return fail(i, "empty insert block")
			}
			for _, in := range s.block {
				if in == nil {
					return fail(i, "nil instruction in insert block")
				}
			}
			if unbound := insn.UnboundLabels(s.block); len(unbound) > 0 {
				return fail(i, "insert block branches to label %s that it does not place", unbound[0].Name())
			}
		}
	}

	h.steps = append([]Step(nil), h.steps...)
	return &h, nil
}
