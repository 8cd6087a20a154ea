// Package names maps the symbolic member names used in hook definitions
// to the binary names of the running host.
//
// A host runs either with canonical (human-readable) member names or
// with alternate names assigned by its build. The choice is a Mode fixed
// once at bootstrap and passed to hook construction in a Resolver.
package names

import (
	"errors"
	"fmt"
)

// Mode selects which name a binding resolves to.
type Mode int

const (
	// ModeUnset is the zero value. Resolving with it fails.
	ModeUnset Mode = iota
	// ModeCanonical keeps symbolic names.
	ModeCanonical
	// ModeAlternate maps symbolic names to their alternate binary names.
	ModeAlternate
)

func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return "unset"
	case ModeCanonical:
		return "canonical"
	case ModeAlternate:
		return "alternate"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "canonical" or "alternate".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "canonical":
		return ModeCanonical, nil
	case "alternate":
		return ModeAlternate, nil
	}
	return ModeUnset, fmt.Errorf("unknown naming mode %q (want canonical or alternate)", s)
}

// Kind is the member kind of a binding.
type Kind int

const (
	KindMethod Kind = iota
	KindField
)

func (k Kind) String() string {
	if k == KindField {
		return "field"
	}
	return "method"
}

// Package errors.
var (
	// ErrNameResolution wraps every resolution failure.
	ErrNameResolution = errors.New("name resolution failed")

	// ErrModeUnset is returned when resolving before a mode was chosen.
	ErrModeUnset = errors.New("naming mode not set")

	// ErrUnresolved is returned when a mapped owner has no binding for
	// the member.
	ErrUnresolved = errors.New("no binding for member")
)

// ResolveError describes a failed resolution. It matches both
// ErrNameResolution and its cause under errors.Is.
type ResolveError struct {
	Kind  Kind
	Owner string
	Name  string
	Desc  string
	Mode  Mode
	Err   error
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolving %s %s.%s %s in %s mode: %v", e.Kind, e.Owner, e.Name, e.Desc, e.Mode, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Is reports whether target is ErrNameResolution.
func (e *ResolveError) Is(target error) bool { return target == ErrNameResolution }

// Resolver resolves member names under one mode. The nil *Resolver
// behaves as ModeUnset.
type Resolver struct {
	mode  Mode
	table *Table
}

// NewResolver returns a resolver. table may be nil in canonical mode.
func NewResolver(mode Mode, table *Table) *Resolver {
	if table == nil {
		table = NewTable()
	}
	return &Resolver{mode: mode, table: table}
}

// Mode returns the resolver's mode.
func (r *Resolver) Mode() Mode {
	if r == nil {
		return ModeUnset
	}
	return r.mode
}

// ResolveMethod returns the binary name of method owner.name desc.
func (r *Resolver) ResolveMethod(owner, name, desc string) (string, error) {
	return r.resolve(KindMethod, owner, name, desc)
}

// ResolveField returns the binary name of field owner.name desc.
func (r *Resolver) ResolveField(owner, name, desc string) (string, error) {
	return r.resolve(KindField, owner, name, desc)
}

func (r *Resolver) resolve(kind Kind, owner, name, desc string) (string, error) {
	mode := r.Mode()
	fail := func(err error) (string, error) {
		return "", &ResolveError{Kind: kind, Owner: owner, Name: name, Desc: desc, Mode: mode, Err: err}
	}

	switch mode {
	case ModeCanonical:
		return name, nil
	case ModeAlternate:
	default:
		return fail(ErrModeUnset)
	}

	if name == "<init>" || name == "<clinit>" {
		return name, nil
	}
	if !r.table.HasOwner(owner) {
		// classes the table knows nothing about keep their names
		return name, nil
	}
	b, ok := r.table.Lookup(kind, owner, name, desc)
	if !ok {
		return fail(ErrUnresolved)
	}
	return b.Alternate, nil
}
