package hook

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/daimatz/asmhook/pkg/insn"
	"github.com/daimatz/asmhook/pkg/tree"
)

var log = commonlog.GetLogger("asmhook.hook")

// SearchMode selects where find steps start searching.
type SearchMode int

const (
	// SearchFromStart searches the whole method on every find, whatever
	// the cursor. Repeated finds of the same pattern land on the same
	// match.
	SearchFromStart SearchMode = iota
	// SearchFromCursor searches from the cursor onward, so consecutive
	// finds walk forward through repeated occurrences.
	SearchFromCursor
)

func (m SearchMode) String() string {
	switch m {
	case SearchFromStart:
		return "start"
	case SearchFromCursor:
		return "cursor"
	}
	return fmt.Sprintf("SearchMode(%d)", int(m))
}

// ParseSearchMode parses "start" or "cursor". The empty string is
// SearchFromStart.
func ParseSearchMode(s string) (SearchMode, error) {
	switch s {
	case "", "start":
		return SearchFromStart, nil
	case "cursor":
		return SearchFromCursor, nil
	}
	return 0, fmt.Errorf("unknown search mode %q", s)
}

// Option configures an Engine.
type Option func(*Engine)

// WithSearchMode sets the find search start.
func WithSearchMode(mode SearchMode) Option {
	return func(e *Engine) { e.mode = mode }
}

// WithMatcher replaces the naive matcher.
func WithMatcher(m Matcher) Option {
	return func(e *Engine) { e.matcher = m }
}

// Engine applies hooks. It holds no per-application state and may be
// shared between goroutines.
type Engine struct {
	matcher Matcher
	mode    SearchMode
}

// NewEngine returns an engine using Find from the start of the method
// unless configured otherwise.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{matcher: MatcherFunc(Find), mode: SearchFromStart}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode returns the configured search mode.
func (e *Engine) Mode() SearchMode { return e.mode }

// Apply runs h against m. On failure m is restored to its state before
// the call and a *StepError is returned. m.Modified is set when at least
// one block was inserted.
func (e *Engine) Apply(m *tree.Method, h *Hook) error {
	snap := m.Insns.Snapshot()
	_, inserted, err := e.run(m.Insns, h)
	if err != nil {
		m.Insns.Restore(snap)
		return err
	}
	if inserted > 0 {
		m.Modified = true
	}
	if h.debug {
		log.Noticef("%s.%s%s after hook:\n%s", m.Owner, m.Name, m.Desc, m.Insns)
	}
	return nil
}

// run executes the program and returns the final cursor and the number
// of inserted blocks. It does not roll back.
func (e *Engine) run(list *insn.List, h *Hook) (cursor, inserted int, err error) {
	fail := func(i int, s Step, cause error) (int, int, error) {
		return cursor, inserted, &StepError{
			Class:   h.class,
			Method:  h.method,
			Desc:    h.desc,
			Step:    i,
			Kind:    s.kind,
			Pattern: s.pattern,
			Cursor:  cursor,
			Err:     cause,
		}
	}

	for i, s := range h.steps {
		switch s.kind {
		case StepFind:
			from := 0
			if e.mode == SearchFromCursor {
				if cursor < 0 || cursor > list.Len() {
					return fail(i, s, ErrCursorOutOfRange)
				}
				from = cursor
			}
			at, ok := e.matcher.Find(list, s.pattern, from)
			if !ok {
				return fail(i, s, ErrPatternNotFound)
			}
			cursor = at
		case StepInsert:
			if cursor < 0 || cursor > list.Len() {
				return fail(i, s, ErrCursorOutOfRange)
			}
			if err := list.Insert(cursor, insn.Clone(s.block)...); err != nil {
				return fail(i, s, err)
			}
			cursor += len(s.block)
			inserted++
		case StepJump:
			cursor += s.offset
		case StepHead:
			cursor = 0
		default:
			return fail(i, s, fmt.Errorf("unknown step kind %d", int(s.kind)))
		}
	}
	return cursor, inserted, nil
}
