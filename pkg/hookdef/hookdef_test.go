package hookdef

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/daimatz/asmhook/pkg/hook"
	"github.com/daimatz/asmhook/pkg/insn"
	"github.com/daimatz/asmhook/pkg/names"
)

const tickHooks = `
[[hook]]
class = "net.minecraft.client.Minecraft"
method = "runTick"
desc = "()V"
debug = true

  [[hook.step]]
  op = "find_after"
  insns = [
    "ALOAD 0",
    "GETFIELD net/minecraft/client/Minecraft.thePlayer Lnet/minecraft/client/entity/EntityPlayerSP;",
  ]

  [[hook.step]]
  op = "previous"

  [[hook.step]]
  op = "insert"
  insns = [
    "IFNULL skip",
    "INVOKESTATIC mod/Hooks.onTick ()V",
    "skip:",
    "ALOAD 0",
    "GETFIELD net/minecraft/client/Minecraft.thePlayer Lnet/minecraft/client/entity/EntityPlayerSP;",
  ]

[[hook]]
class = "net/minecraft/client/Minecraft"
method = "<init>"
desc = "()V"

  [[hook.step]]
  op = "head"

  [[hook.step]]
  op = "insert"
  insns = ["INVOKESTATIC mod/Hooks.onCreate ()V"]

  [[hook.step]]
  op = "jump"
  offset = 2
`

const mappings = `
[[method]]
owner = "net/minecraft/client/Minecraft"
name = "runTick"
alt = "func_71407_l"

[[field]]
owner = "net/minecraft/client/Minecraft"
name = "thePlayer"
alt = "field_71439_g"
`

func resolver(t *testing.T, mode names.Mode) *names.Resolver {
	t.Helper()
	table, err := names.ParseTable([]byte(mappings))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	return names.NewResolver(mode, table)
}

func TestParse(t *testing.T) {
	tests := []struct {
		mode       names.Mode
		wantMethod string
		wantField  string
	}{
		{names.ModeCanonical, "runTick", "GETFIELD net/minecraft/client/Minecraft.thePlayer Lnet/minecraft/client/entity/EntityPlayerSP;"},
		{names.ModeAlternate, "func_71407_l", "GETFIELD net/minecraft/client/Minecraft.field_71439_g Lnet/minecraft/client/entity/EntityPlayerSP;"},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			hooks, err := Parse([]byte(tickHooks), resolver(t, tt.mode))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(hooks) != 2 {
				t.Fatalf("hooks: got %d", len(hooks))
			}

			tick := hooks[0]
			if tick.Class() != "net/minecraft/client/Minecraft" || tick.Method() != tt.wantMethod || !tick.Debug() {
				t.Errorf("target: %s.%s debug=%v", tick.Class(), tick.Method(), tick.Debug())
			}
			// find_after expands to find plus a jump over the pattern
			kinds := []hook.StepKind{hook.StepFind, hook.StepJump, hook.StepJump, hook.StepInsert}
			if tick.Len() != len(kinds) {
				t.Fatalf("steps: got %d\n%s", tick.Len(), tick)
			}
			for i, k := range kinds {
				if tick.Step(i).Kind() != k {
					t.Errorf("step %d: got %s, want %s", i, tick.Step(i).Kind(), k)
				}
			}
			if got := tick.Step(0).Pattern().At(1).String(); got != tt.wantField {
				t.Errorf("pattern field: got %q", got)
			}
			if off := tick.Step(1).Offset() + tick.Step(2).Offset(); off != 1 {
				t.Errorf("net jump: got %d", off)
			}

			ctor := hooks[1]
			if ctor.Method() != "<init>" || ctor.Len() != 3 || ctor.Step(2).Offset() != 2 {
				t.Errorf("constructor hook:\n%s", ctor)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{"unknown op", `
[[hook]]
class = "a/B"
method = "m"
desc = "()V"
  [[hook.step]]
  op = "replace"
`, nil},
		{"insert without insns", `
[[hook]]
class = "a/B"
method = "m"
desc = "()V"
  [[hook.step]]
  op = "head"
  [[hook.step]]
  op = "insert"
`, nil},
		{"head with insns", `
[[hook]]
class = "a/B"
method = "m"
desc = "()V"
  [[hook.step]]
  op = "head"
  insns = ["NOP"]
`, nil},
		{"bad instruction", `
[[hook]]
class = "a/B"
method = "m"
desc = "()V"
  [[hook.step]]
  op = "find_at"
  insns = ["FROB 1"]
`, nil},
		{"insert before anchor", `
[[hook]]
class = "a/B"
method = "m"
desc = "()V"
  [[hook.step]]
  op = "insert"
  insns = ["NOP"]
`, hook.ErrMalformedProgram},
		{"unbound label", `
[[hook]]
class = "a/B"
method = "m"
desc = "()V"
  [[hook.step]]
  op = "head"
  [[hook.step]]
  op = "insert"
  insns = ["GOTO nowhere"]
`, hook.ErrMalformedProgram},
		{"unmapped member", `
[[hook]]
class = "net/minecraft/client/Minecraft"
method = "stop"
desc = "()V"
  [[hook.step]]
  op = "head"
`, names.ErrNameResolution},
		{"unmapped field in pattern", `
[[hook]]
class = "net/minecraft/client/Minecraft"
method = "runTick"
desc = "()V"
  [[hook.step]]
  op = "find_at"
  insns = ["GETFIELD net/minecraft/client/Minecraft.world Lnet/minecraft/world/World;"]
`, names.ErrUnresolved},
		{"not toml", `[[hook]`, nil},
	}
	r := resolver(t, names.ModeAlternate)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), r)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnsetModeFailsAtLoad(t *testing.T) {
	_, err := Parse([]byte(tickHooks), names.NewResolver(names.ModeUnset, nil))
	if !errors.Is(err, names.ErrModeUnset) {
		t.Errorf("got %v, want ErrModeUnset", err)
	}
}

func TestParseRequiresResolver(t *testing.T) {
	var unset *names.Resolver
	tests := []struct {
		name     string
		resolver insn.MemberResolver
		wantErr  error
	}{
		{"nil", nil, hook.ErrNoResolver},
		{"nil resolver value", unset, names.ErrModeUnset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hooks, err := Parse([]byte(tickHooks), tt.resolver)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v (%d hooks), want %v", err, len(hooks), tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tick.toml")
	if err := os.WriteFile(path, []byte(tickHooks), 0o644); err != nil {
		t.Fatal(err)
	}
	hooks, err := Load(path, resolver(t, names.ModeCanonical))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(hooks) != 2 {
		t.Errorf("hooks: got %d", len(hooks))
	}
	if _, err := Load(filepath.Join(t.TempDir(), "none.toml"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}
