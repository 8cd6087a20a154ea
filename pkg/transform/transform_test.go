package transform

import (
	"errors"
	"strings"
	"testing"

	"github.com/daimatz/asmhook/pkg/classfile"
	"github.com/daimatz/asmhook/pkg/hook"
	"github.com/daimatz/asmhook/pkg/insn"
	"github.com/daimatz/asmhook/pkg/tree"
)

var (
	loadThis   = insn.Var(insn.OpAload, 0)
	getPlayers = insn.Field(insn.OpGetfield, "demo/World", "players", "Ljava/util/List;")
	listSize   = insn.InterfaceMethod(insn.OpInvokeinterface, "java/util/List", "size", "()I")
	callBefore = insn.Method(insn.OpInvokestatic, "demo/Hooks", "before", "()V")
	callAfter  = insn.Method(insn.OpInvokestatic, "demo/Hooks", "after", "()V")
)

func worldClass(t *testing.T) *tree.Class {
	t.Helper()
	c, err := tree.NewClass("demo/World", "java/lang/Object")
	if err != nil {
		t.Fatalf("NewClass: %v", err)
	}
	_, err = c.AddMethod(classfile.AccPublic, "tick", "()V",
		loadThis, getPlayers, listSize, insn.New(insn.OpPop), insn.New(insn.OpReturn))
	if err != nil {
		t.Fatalf("AddMethod: %v", err)
	}
	return c
}

func worldBytes(t *testing.T) []byte {
	t.Helper()
	data, err := worldClass(t).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func decodeWorld(t *testing.T, data []byte) *tree.Class {
	t.Helper()
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	c, err := tree.Decode(cf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return c
}

func tickBody(t *testing.T, c *tree.Class) string {
	t.Helper()
	m, err := c.Method("tick", "()V")
	if err != nil {
		t.Fatalf("Method: %v", err)
	}
	return m.Insns.String()
}

func mustBuild(t *testing.T, b *hook.Builder) *hook.Hook {
	t.Helper()
	h, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return h
}

func dispatcher(t *testing.T, engine *hook.Engine, hooks ...*hook.Hook) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	for _, h := range hooks {
		if err := r.Register(h); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	d, err := NewDispatcher(r, engine)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func beforeSize(t *testing.T) *hook.Hook {
	return mustBuild(t, hook.New("demo.World", "tick", "()V").FindAt(listSize).Insert(callBefore))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	first := beforeSize(t)
	second := mustBuild(t, hook.New("demo/World", "tick", "()V").Head().Insert(callAfter))
	other := mustBuild(t, hook.New("demo/Entity", "move", "(DD)V").Head().Insert(callBefore))
	for _, h := range []*hook.Hook{first, second, other} {
		if err := r.Register(h); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if got := r.Hooks("demo.World"); len(got) != 2 || got[0] != first || got[1] != second {
		t.Errorf("Hooks: got %v", got)
	}
	if got := r.Classes(); strings.Join(got, ",") != "demo/Entity,demo/World" {
		t.Errorf("Classes: got %v", got)
	}
	if r.Fingerprint() != "" {
		t.Error("fingerprint before freeze")
	}

	if err := r.Freeze(); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if !r.Frozen() || r.Fingerprint() == "" || r.Len() != 3 {
		t.Errorf("after freeze: frozen=%v fingerprint=%q len=%d", r.Frozen(), r.Fingerprint(), r.Len())
	}
	if err := r.Register(other); !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("Register after freeze: got %v", err)
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	build := func(offset int) *Registry {
		skip := insn.NewLabel("")
		r := NewRegistry()
		hooks := []*hook.Hook{
			mustBuild(t, hook.New("demo/World", "tick", "()V").
				FindAfter(getPlayers).Jump(offset).
				Insert(insn.Jump(insn.OpGoto, skip), callBefore, insn.Mark(skip))),
			beforeSize(t),
			mustBuild(t, hook.New("demo/Entity", "move", "(DD)V").Head().Insert(insn.Ldc("moved"), insn.New(insn.OpPop))),
		}
		for _, h := range hooks {
			if err := r.Register(h); err != nil {
				t.Fatalf("Register: %v", err)
			}
		}
		if err := r.Freeze(); err != nil {
			t.Fatalf("Freeze: %v", err)
		}
		return r
	}

	a, b := build(1), build(1)
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("same hooks, different fingerprints: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}
	if c := build(2); c.Fingerprint() == a.Fingerprint() {
		t.Error("different jump offsets share a fingerprint")
	}
}

func TestDispatchSkipsUnhookedClass(t *testing.T) {
	calls := 0
	counting := hook.MatcherFunc(func(h *insn.List, n insn.Pattern, from int) (int, bool) {
		calls++
		return hook.Find(h, n, from)
	})
	d := dispatcher(t, hook.NewEngine(hook.WithMatcher(counting)), beforeSize(t))

	c, err := tree.NewClass("demo/Unrelated", "java/lang/Object")
	if err != nil {
		t.Fatalf("NewClass: %v", err)
	}
	got, report := d.OnClassLoad("demo/Unrelated", c)
	if got != c {
		t.Error("unhooked class was replaced")
	}
	if calls != 0 || len(report.Results) != 0 {
		t.Errorf("unhooked class: %d matcher calls, %d results", calls, len(report.Results))
	}
	if d.State("demo/Unrelated") != StateUntouched {
		t.Errorf("state: got %s", d.State("demo/Unrelated"))
	}

	if _, report := d.OnClassLoad("demo.World", worldClass(t)); report.Applied() != 1 || calls != 1 {
		t.Errorf("hooked class: applied %d, %d matcher calls", report.Applied(), calls)
	}
}

func TestDispatchRollsBackOnlyFailingHook(t *testing.T) {
	missing := insn.Method(insn.OpInvokestatic, "demo/Nowhere", "gone", "()V")
	late := mustBuild(t, hook.New("demo/World", "tick", "()V").
		Head().Insert(callAfter).FindAt(missing).Insert(callAfter))
	d := dispatcher(t, nil, late, beforeSize(t))

	c, report := d.OnClassLoad("demo/World", worldClass(t))
	if report.Applied() != 1 || report.Failed() != 1 {
		t.Fatalf("report: applied %d failed %d", report.Applied(), report.Failed())
	}
	err := report.Results[0].Err
	if !errors.Is(err, hook.ErrPatternNotFound) || !hook.IsRolledBack(err) {
		t.Errorf("first hook: got %v", err)
	}

	want := insn.NewList(loadThis, getPlayers, callBefore, listSize, insn.New(insn.OpPop), insn.New(insn.OpReturn)).String()
	if got := tickBody(t, c); got != want {
		t.Errorf("body:\n%s\nwant:\n%s", got, want)
	}
	if d.State("demo/World") != StateHooksApplied {
		t.Errorf("state: got %s", d.State("demo/World"))
	}
}

func TestDispatchMissingMethod(t *testing.T) {
	wrongDesc := mustBuild(t, hook.New("demo/World", "tick", "(I)V").Head().Insert(callAfter))
	d := dispatcher(t, nil, wrongDesc, beforeSize(t))

	_, report := d.OnClassLoad("demo/World", worldClass(t))
	if len(report.Results) != 2 {
		t.Fatalf("results: got %d", len(report.Results))
	}
	if err := report.Results[0].Err; !errors.Is(err, hook.ErrTargetMethodNotFound) {
		t.Errorf("missing method: got %v", err)
	}
	if !report.Results[1].Applied() {
		t.Errorf("second hook: got %v", report.Results[1].Err)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	boom := hook.MatcherFunc(func(*insn.List, insn.Pattern, int) (int, bool) { panic("matcher exploded") })
	h := mustBuild(t, hook.New("demo/World", "tick", "()V").Head().Insert(callAfter).FindAt(listSize))
	d := dispatcher(t, hook.NewEngine(hook.WithMatcher(boom)), h)

	c := worldClass(t)
	before := tickBody(t, c)
	c, report := d.OnClassLoad("demo/World", c)
	if err := report.Results[0].Err; !errors.Is(err, ErrHookPanicked) {
		t.Fatalf("got %v, want ErrHookPanicked", err)
	}
	if got := tickBody(t, c); got != before {
		t.Errorf("body not restored:\n%s", got)
	}
}

func TestDispatchStates(t *testing.T) {
	d := dispatcher(t, nil, beforeSize(t))
	d.OnClassLoad("demo/World", worldClass(t))
	d.MarkSerialized("demo/World")
	if got := d.State("demo/World"); got != StateHandedToSerializer {
		t.Errorf("state: got %s", got)
	}
	d.MarkSerialized("demo/Other")
	if got := d.State("demo/Other"); got != StateUntouched {
		t.Errorf("unseen class marked: %s", got)
	}
	d.OnClassLoad("demo/World", worldClass(t))
	if got := d.State("demo/World"); got != StateHooksApplied {
		t.Errorf("redispatch state: got %s", got)
	}
}

type memStore struct {
	data map[string][]byte
	gets int
}

func (m *memStore) Get(fp string, class []byte) ([]byte, bool, error) {
	m.gets++
	v, ok := m.data[fp+string(class)]
	return v, ok, nil
}

func (m *memStore) Put(fp string, class, out []byte) error {
	m.data[fp+string(class)] = out
	return nil
}

func TestTransform(t *testing.T) {
	store := &memStore{data: make(map[string][]byte)}
	tr := NewTransformer(dispatcher(t, nil, beforeSize(t)), store)
	data := worldBytes(t)

	t.Run("unhooked class is returned as is", func(t *testing.T) {
		out, err := tr.Transform("demo/Other", data)
		if err != nil || &out[0] != &data[0] {
			t.Errorf("got err %v, same slice %v", err, &out[0] == &data[0])
		}
		if store.gets != 0 {
			t.Error("cache consulted for unhooked class")
		}
	})

	t.Run("hooked class is patched and cached", func(t *testing.T) {
		out, report, err := tr.TransformReport("demo.World", data)
		if err != nil {
			t.Fatalf("Transform: %v", err)
		}
		if report.Applied() != 1 {
			t.Errorf("applied: got %d", report.Applied())
		}
		if got := tickBody(t, decodeWorld(t, out)); !strings.Contains(got, "demo/Hooks.before") {
			t.Errorf("patched body:\n%s", got)
		}
		if len(store.data) != 1 {
			t.Errorf("cache entries: got %d", len(store.data))
		}
		if tr.Dispatcher().State("demo/World") != StateHandedToSerializer {
			t.Errorf("state: got %s", tr.Dispatcher().State("demo/World"))
		}

		again, report, err := tr.TransformReport("demo/World", data)
		if err != nil || string(again) != string(out) || len(report.Results) != 0 {
			t.Errorf("cache hit: err %v, equal %v, results %d", err, string(again) == string(out), len(report.Results))
		}
	})

	t.Run("undecodable class keeps original bytes", func(t *testing.T) {
		garbage := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x00}
		out, err := tr.Transform("demo/World", garbage)
		if err == nil {
			t.Error("expected error")
		}
		if string(out) != string(garbage) {
			t.Error("original bytes not returned")
		}
	})
}

func TestTransformCacheKeyCoversSearchMode(t *testing.T) {
	// the second find only matches when searching from the start again
	twice := func() *hook.Hook {
		return mustBuild(t, hook.New("demo/World", "tick", "()V").
			FindAt(loadThis).Next().FindAt(loadThis).Insert(callBefore))
	}
	store := &memStore{data: make(map[string][]byte)}
	data := worldBytes(t)

	fromStart := NewTransformer(dispatcher(t, hook.NewEngine(hook.WithSearchMode(hook.SearchFromStart)), twice()), store)
	fromCursor := NewTransformer(dispatcher(t, hook.NewEngine(hook.WithSearchMode(hook.SearchFromCursor)), twice()), store)
	if fromStart.cacheKey() == fromCursor.cacheKey() {
		t.Fatalf("same cache key %q for both search modes", fromStart.cacheKey())
	}

	tests := []struct {
		name    string
		tr      *Transformer
		applied int
		failed  int
		patched bool
	}{
		{"start", fromStart, 1, 0, true},
		{"cursor", fromCursor, 0, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, report, err := tt.tr.TransformReport("demo/World", data)
			if err != nil {
				t.Fatalf("Transform: %v", err)
			}
			if report.Applied() != tt.applied || report.Failed() != tt.failed {
				t.Errorf("applied %d failed %d, want %d %d", report.Applied(), report.Failed(), tt.applied, tt.failed)
			}
			if got := strings.Contains(tickBody(t, decodeWorld(t, out)), "demo/Hooks.before"); got != tt.patched {
				t.Errorf("patched: got %v, want %v", got, tt.patched)
			}
		})
	}
}

func TestTransformDoesNotCacheFailures(t *testing.T) {
	missing := mustBuild(t, hook.New("demo/World", "tick", "()V").FindAt(insn.New(insn.OpAthrow)).Insert(callAfter))
	store := &memStore{data: make(map[string][]byte)}
	tr := NewTransformer(dispatcher(t, nil, missing, beforeSize(t)), store)
	data := worldBytes(t)

	for i := 0; i < 2; i++ {
		out, report, err := tr.TransformReport("demo/World", data)
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		if len(report.Results) != 2 || report.Failed() != 1 || report.Applied() != 1 {
			t.Errorf("load %d: results %d applied %d failed %d", i, len(report.Results), report.Applied(), report.Failed())
		}
		if !errors.Is(report.Results[0].Err, hook.ErrPatternNotFound) {
			t.Errorf("load %d: got %v", i, report.Results[0].Err)
		}
		if !strings.Contains(tickBody(t, decodeWorld(t, out)), "demo/Hooks.before") {
			t.Errorf("load %d: surviving hook not applied", i)
		}
	}
	if len(store.data) != 0 {
		t.Errorf("cache entries: got %d", len(store.data))
	}
	if store.gets != 2 {
		t.Errorf("cache lookups: got %d", store.gets)
	}
}
