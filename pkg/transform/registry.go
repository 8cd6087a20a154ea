// Package transform connects hooks to class loading. A Registry collects
// hooks at bootstrap; a Dispatcher applies them to each loaded class; a
// Transformer does the same at the byte level with an optional cache.
package transform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"

	"github.com/daimatz/asmhook/pkg/hook"
	"github.com/daimatz/asmhook/pkg/insn"
)

// ErrRegistryFrozen is returned by Register after Freeze.
var ErrRegistryFrozen = errors.New("hook registry is frozen")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("transform: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Registry maps class names to their hooks in registration order.
//
// Registration is serialized; once frozen the registry is read without
// locking, so lookups must not start before Freeze returns.
type Registry struct {
	mu          sync.Mutex
	frozen      bool
	hooks       map[string][]*hook.Hook
	count       int
	fingerprint string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string][]*hook.Hook)}
}

// Register appends h to the hooks of its class.
func (r *Registry) Register(h *hook.Hook) error {
	if h == nil {
		return errors.New("registering nil hook")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registering %s.%s%s: %w", h.Class(), h.Method(), h.Desc(), ErrRegistryFrozen)
	}
	r.hooks[h.Class()] = append(r.hooks[h.Class()], h)
	r.count++
	return nil
}

// Freeze ends registration and computes the fingerprint. Calling it
// again is a no-op.
func (r *Registry) Freeze() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil
	}
	fp, err := fingerprint(r.hooks)
	if err != nil {
		return fmt.Errorf("fingerprinting hooks: %w", err)
	}
	r.fingerprint = fp
	r.frozen = true
	return nil
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Hooks returns the hooks registered for class, in registration order.
// Class names may use '.' or '/'.
func (r *Registry) Hooks(class string) []*hook.Hook {
	return r.hooks[strings.ReplaceAll(class, ".", "/")]
}

// Has reports whether any hook targets class.
func (r *Registry) Has(class string) bool { return len(r.Hooks(class)) > 0 }

// Classes returns every hooked class, sorted.
func (r *Registry) Classes() []string {
	out := make([]string, 0, len(r.hooks))
	for c := range r.hooks {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int { return r.count }

// Fingerprint identifies the registered programs. Two registries holding
// the same hooks in the same per-class order share a fingerprint. It is
// empty until Freeze.
func (r *Registry) Fingerprint() string { return r.fingerprint }

type hookRecord struct {
	Class  string       `cbor:"1,keyasint"`
	Method string       `cbor:"2,keyasint"`
	Desc   string       `cbor:"3,keyasint"`
	Steps  []stepRecord `cbor:"4,keyasint"`
}

type stepRecord struct {
	Kind   string     `cbor:"1,keyasint"`
	Insns  [][]string `cbor:"2,keyasint,omitempty"`
	Offset int        `cbor:"3,keyasint,omitempty"`
}

func fingerprint(hooks map[string][]*hook.Hook) (string, error) {
	classes := make([]string, 0, len(hooks))
	for c := range hooks {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	var records []hookRecord
	for _, c := range classes {
		for _, h := range hooks[c] {
			records = append(records, record(h))
		}
	}
	data, err := cborEncMode.Marshal(records)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return base58.Encode(sum[:]), nil
}

func record(h *hook.Hook) hookRecord {
	rec := hookRecord{Class: h.Class(), Method: h.Method(), Desc: h.Desc()}
	for _, s := range h.Steps() {
		sr := stepRecord{Kind: s.Kind().String(), Offset: s.Offset()}
		switch s.Kind() {
		case hook.StepFind:
			p := s.Pattern()
			insns := make([]insn.Instruction, p.Len())
			for i := range insns {
				insns[i] = p.At(i)
			}
			sr.Insns = canonical(insns)
		case hook.StepInsert:
			sr.Insns = canonical(s.Block())
		}
		rec.Steps = append(rec.Steps, sr)
	}
	return rec
}

// canonical renders each instruction as its opcode followed by operands.
// Labels are numbered by first appearance so that fresh label pointers
// do not change the result.
func canonical(block []insn.Instruction) [][]string {
	ids := make(map[*insn.Label]string)
	label := func(l *insn.Label) string {
		if id, ok := ids[l]; ok {
			return id
		}
		id := fmt.Sprintf("L%d", len(ids))
		ids[l] = id
		return id
	}

	out := make([][]string, 0, len(block))
	for _, in := range block {
		fields := []string{in.Opcode().String()}
		switch x := in.(type) {
		case *insn.JumpInsn:
			fields = append(fields, label(x.Target))
		case *insn.LabelInsn:
			fields = append(fields, label(x.Label))
		case *insn.TableSwitchInsn:
			fields = append(fields, fmt.Sprint(x.Min), fmt.Sprint(x.Max), label(x.Default))
			for _, l := range x.Labels {
				fields = append(fields, label(l))
			}
		case *insn.LookupSwitchInsn:
			fields = append(fields, label(x.Default))
			for i, l := range x.Labels {
				fields = append(fields, fmt.Sprint(x.Keys[i]), label(l))
			}
		case *insn.MethodInsn:
			fields = append(fields, x.Owner, x.Name, x.Desc, fmt.Sprint(x.Itf))
		case *insn.LdcInsn:
			fields = append(fields, fmt.Sprintf("%T", x.Value), fmt.Sprint(x.Value))
		default:
			fields = append(fields, strings.Fields(strings.TrimPrefix(in.String(), in.Opcode().String()))...)
		}
		out = append(out, fields)
	}
	return out
}
