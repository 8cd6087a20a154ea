// Package hookdef loads hooks from TOML definition files.
//
// A file holds any number of hooks:
//
//	[[hook]]
//	class = "net/minecraft/client/Minecraft"
//	method = "runTick"
//	desc = "()V"
//
//	  [[hook.step]]
//	  op = "find_at"
//	  insns = ["INVOKEVIRTUAL net/minecraft/profiler/Profiler.endSection ()V"]
//
//	  [[hook.step]]
//	  op = "insert"
//	  insns = ["INVOKESTATIC mod/Hooks.onTick ()V"]
//
// Instructions use the textual form of insn.Parser; labels are scoped to
// one step. The method name and member names inside instructions are
// symbolic and are mapped through the resolver while loading.
package hookdef

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/daimatz/asmhook/pkg/hook"
	"github.com/daimatz/asmhook/pkg/insn"
)

// Step operations.
const (
	OpFindAt    = "find_at"
	OpFindAfter = "find_after"
	OpInsert    = "insert"
	OpJump      = "jump"
	OpPrevious  = "previous"
	OpNext      = "next"
	OpHead      = "head"
)

// File is the decoded layout of a definition file.
type File struct {
	Hooks []Def `toml:"hook"`
}

// Def is one hook definition.
type Def struct {
	Class  string    `toml:"class"`
	Method string    `toml:"method"`
	Desc   string    `toml:"desc"`
	Debug  bool      `toml:"debug"`
	Steps  []StepDef `toml:"step"`
}

// StepDef is one step of a hook definition. Offset is used by jump only.
type StepDef struct {
	Op     string   `toml:"op"`
	Insns  []string `toml:"insns"`
	Offset int      `toml:"offset"`
}

// Load reads and builds every hook in the file at path.
func Load(path string, resolver insn.MemberResolver) ([]*hook.Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	hooks, err := Parse(data, resolver)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return hooks, nil
}

// Parse builds every hook in a TOML document.
func Parse(data []byte, resolver insn.MemberResolver) ([]*hook.Hook, error) {
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	hooks := make([]*hook.Hook, 0, len(f.Hooks))
	for i, def := range f.Hooks {
		h, err := def.Build(resolver)
		if err != nil {
			return nil, fmt.Errorf("hook %d: %w", i+1, err)
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}

// Build turns the definition into a hook.
func (d Def) Build(resolver insn.MemberResolver) (*hook.Hook, error) {
	if resolver == nil {
		return nil, fmt.Errorf("%s.%s%s: %w", d.Class, d.Method, d.Desc, hook.ErrNoResolver)
	}
	b := hook.NewResolved(resolver, d.Class, d.Method, d.Desc)
	if d.Debug {
		b.Debug()
	}
	for i, s := range d.Steps {
		if err := s.apply(b, resolver); err != nil {
			return nil, fmt.Errorf("%s.%s%s step %d: %w", d.Class, d.Method, d.Desc, i+1, err)
		}
	}
	return b.Build()
}

func (s StepDef) apply(b *hook.Builder, resolver insn.MemberResolver) error {
	needInsns := func() ([]insn.Instruction, error) {
		if len(s.Insns) == 0 {
			return nil, fmt.Errorf("%s needs insns", s.Op)
		}
		return insn.ParseBlock(resolver, s.Insns)
	}
	noInsns := func() error {
		if len(s.Insns) > 0 {
			return fmt.Errorf("%s takes no insns", s.Op)
		}
		return nil
	}

	switch s.Op {
	case OpFindAt, OpFindAfter, OpInsert:
		block, err := needInsns()
		if err != nil {
			return err
		}
		switch s.Op {
		case OpFindAt:
			b.FindAt(block...)
		case OpFindAfter:
			b.FindAfter(block...)
		default:
			b.Insert(block...)
		}
	case OpJump:
		if err := noInsns(); err != nil {
			return err
		}
		b.Jump(s.Offset)
	case OpPrevious, OpNext, OpHead:
		if err := noInsns(); err != nil {
			return err
		}
		if s.Offset != 0 {
			return fmt.Errorf("%s takes no offset", s.Op)
		}
		switch s.Op {
		case OpPrevious:
			b.Previous()
		case OpNext:
			b.Next()
		default:
			b.Head()
		}
	default:
		return fmt.Errorf("unknown step op %q", s.Op)
	}
	return nil
}
