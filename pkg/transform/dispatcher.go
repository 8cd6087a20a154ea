package transform

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/daimatz/asmhook/pkg/hook"
	"github.com/daimatz/asmhook/pkg/tree"
)

var log = commonlog.GetLogger("asmhook.transform")

// ErrHookPanicked reports a hook application that panicked. The method
// it targeted is restored.
var ErrHookPanicked = errors.New("hook application panicked")

// State is the per-class dispatch state.
type State int

const (
	StateUntouched State = iota
	StateHooksApplied
	StateHandedToSerializer
)

func (s State) String() string {
	switch s {
	case StateUntouched:
		return "untouched"
	case StateHooksApplied:
		return "hooks-applied"
	case StateHandedToSerializer:
		return "handed-to-serializer"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result is the outcome of one hook on one class.
type Result struct {
	Hook *hook.Hook
	Err  error
}

// Applied reports whether the hook committed.
func (r Result) Applied() bool { return r.Err == nil }

// Report summarizes one dispatch.
type Report struct {
	Class   string
	Results []Result
}

// Applied returns the number of committed hooks.
func (r Report) Applied() int {
	n := 0
	for _, res := range r.Results {
		if res.Applied() {
			n++
		}
	}
	return n
}

// Failed returns the number of hooks that were skipped or rolled back.
func (r Report) Failed() int { return len(r.Results) - r.Applied() }

// Dispatcher applies registered hooks to loaded classes. It is safe for
// concurrent use on distinct classes.
type Dispatcher struct {
	registry *Registry
	engine   *hook.Engine
	states   sync.Map // class name -> State
}

// NewDispatcher freezes registry and returns a dispatcher over it. A nil
// engine means hook.NewEngine().
func NewDispatcher(registry *Registry, engine *hook.Engine) (*Dispatcher, error) {
	if err := registry.Freeze(); err != nil {
		return nil, err
	}
	if engine == nil {
		engine = hook.NewEngine()
	}
	return &Dispatcher{registry: registry, engine: engine}, nil
}

// Registry returns the frozen registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// State returns the dispatch state of class.
func (d *Dispatcher) State(class string) State {
	if s, ok := d.states.Load(normalize(class)); ok {
		return s.(State)
	}
	return StateUntouched
}

// MarkSerialized records that class was handed back for serialization.
func (d *Dispatcher) MarkSerialized(class string) {
	class = normalize(class)
	if _, ok := d.states.Load(class); ok {
		d.states.Store(class, StateHandedToSerializer)
	}
}

// OnClassLoad applies every hook registered for name to c, in
// registration order. A class without hooks is returned untouched. A hook
// whose target method is missing is skipped; a hook whose step fails is
// rolled back without affecting the others.
func (d *Dispatcher) OnClassLoad(name string, c *tree.Class) (*tree.Class, Report) {
	name = normalize(name)
	report := Report{Class: name}
	hooks := d.registry.Hooks(name)
	if len(hooks) == 0 {
		return c, report
	}

	if prev, loaded := d.states.LoadOrStore(name, StateHooksApplied); loaded {
		log.Warning("class dispatched again", "class", name, "state", prev.(State).String())
		d.states.Store(name, StateHooksApplied)
	}

	for _, h := range hooks {
		err := d.apply(c, h)
		report.Results = append(report.Results, Result{Hook: h, Err: err})
		if err != nil {
			logFailure(h, err)
			continue
		}
		log.Debug("hook applied", "class", h.Class(), "method", h.Method(), "descriptor", h.Desc())
	}
	return c, report
}

func (d *Dispatcher) apply(c *tree.Class, h *hook.Hook) (err error) {
	m, err := c.Method(h.Method(), h.Desc())
	if err != nil {
		if errors.Is(err, tree.ErrMethodNotFound) || errors.Is(err, tree.ErrNoCode) {
			return fmt.Errorf("%w: %w", hook.ErrTargetMethodNotFound, err)
		}
		return err
	}

	snap := m.Insns.Snapshot()
	modified := m.Modified
	defer func() {
		if r := recover(); r != nil {
			m.Insns.Restore(snap)
			m.Modified = modified
			err = fmt.Errorf("%s.%s%s: %w: %v", h.Class(), h.Method(), h.Desc(), ErrHookPanicked, r)
		}
	}()
	return d.engine.Apply(m, h)
}

func logFailure(h *hook.Hook, err error) {
	kv := []any{"class", h.Class(), "method", h.Method(), "descriptor", h.Desc()}

	var stepErr *hook.StepError
	switch {
	case errors.Is(err, hook.ErrTargetMethodNotFound):
		log.Warning("hook skipped", append(kv, "reason", "TargetMethodNotFound")...)
	case errors.As(err, &stepErr):
		reason := "StepFailed"
		switch {
		case errors.Is(err, hook.ErrPatternNotFound):
			reason = "PatternNotFound"
		case errors.Is(err, hook.ErrCursorOutOfRange):
			reason = "CursorOutOfRange"
		}
		log.Warning("hook rolled back", append(kv, "step", stepErr.Step, "reason", reason, "error", err.Error())...)
	default:
		log.Error("hook failed", append(kv, "reason", "HookFailed", "error", err.Error())...)
	}
}

func normalize(class string) string { return strings.ReplaceAll(class, ".", "/") }
