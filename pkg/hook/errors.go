package hook

import (
	"errors"
	"fmt"

	"github.com/daimatz/asmhook/pkg/insn"
)

// Package errors.
var (
	// ErrTargetMethodNotFound is reported when the hooked class does not
	// declare the target method. The hook is skipped.
	ErrTargetMethodNotFound = errors.New("target method not found")

	// ErrPatternNotFound is returned when a find step has no match. The
	// hook's changes are rolled back.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrCursorOutOfRange is returned when an insert or a cursor-relative
	// find runs with the cursor outside the list.
	ErrCursorOutOfRange = errors.New("cursor out of range")

	// ErrMalformedProgram is returned by Build for step programs that can
	// never apply.
	ErrMalformedProgram = errors.New("malformed step program")

	// ErrNoResolver is returned by Build for a hook started by NewResolved
	// without a resolver.
	ErrNoResolver = errors.New("no member resolver")
)

// ProgramError describes why a hook could not be built.
type ProgramError struct {
	Class  string
	Method string
	Desc   string
	Step   int // -1 when the error is not about one step
	Reason string
}

// Error implements the error interface.
func (e *ProgramError) Error() string {
	if e.Step < 0 {
		return fmt.Sprintf("hook %s.%s%s: %s", e.Class, e.Method, e.Desc, e.Reason)
	}
	return fmt.Sprintf("hook %s.%s%s: step %d: %s", e.Class, e.Method, e.Desc, e.Step, e.Reason)
}

// Unwrap returns ErrMalformedProgram.
func (e *ProgramError) Unwrap() error { return ErrMalformedProgram }

// StepError is returned by Apply when a step fails. The method is left as
// it was before the hook started.
type StepError struct {
	Class   string
	Method  string
	Desc    string
	Step    int
	Kind    StepKind
	Pattern insn.Pattern
	Cursor  int
	Err     error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Kind == StepFind {
		return fmt.Sprintf("%s.%s%s: step %d: find %s: %v", e.Class, e.Method, e.Desc, e.Step, e.Pattern, e.Err)
	}
	return fmt.Sprintf("%s.%s%s: step %d: %s at cursor %d: %v", e.Class, e.Method, e.Desc, e.Step, e.Kind, e.Cursor, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsRolledBack reports whether err left the target method unchanged
// because a step failed mid-program.
func IsRolledBack(err error) bool {
	var stepErr *StepError
	return errors.As(err, &stepErr)
}
