package names

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleMappings = `
[[method]]
owner = "net/minecraft/client/Minecraft"
name = "runTick"
alt = "func_71407_l"
desc = "()V"

[[method]]
owner = "net/minecraft/client/Minecraft"
name = "getMinecraft"
alt = "func_71410_x"

[[field]]
owner = "net/minecraft/client/Minecraft"
name = "thePlayer"
alt = "field_71439_g"
desc = "Lnet/minecraft/client/entity/EntityPlayerSP;"
`

func sampleTable(t *testing.T) *Table {
	t.Helper()
	table, err := ParseTable([]byte(sampleMappings))
	if err != nil {
		t.Fatalf("ParseTable: %v", err)
	}
	return table
}

func TestResolve(t *testing.T) {
	const mc = "net/minecraft/client/Minecraft"
	alt := NewResolver(ModeAlternate, sampleTable(t))
	canon := NewResolver(ModeCanonical, sampleTable(t))

	tests := []struct {
		name    string
		r       *Resolver
		kind    Kind
		owner   string
		member  string
		desc    string
		want    string
		wantErr error
	}{
		{"canonical keeps name", canon, KindMethod, mc, "runTick", "()V", "runTick", nil},
		{"canonical ignores table", canon, KindMethod, mc, "unknown", "()V", "unknown", nil},
		{"alternate method", alt, KindMethod, mc, "runTick", "()V", "func_71407_l", nil},
		{"alternate any descriptor", alt, KindMethod, mc, "getMinecraft", "()Lnet/minecraft/client/Minecraft;", "func_71410_x", nil},
		{"alternate field", alt, KindField, mc, "thePlayer", "Lnet/minecraft/client/entity/EntityPlayerSP;", "field_71439_g", nil},
		{"unmapped owner passes", alt, KindMethod, "java/lang/Object", "hashCode", "()I", "hashCode", nil},
		{"constructor passes", alt, KindMethod, mc, "<init>", "()V", "<init>", nil},
		{"wrong descriptor", alt, KindMethod, mc, "runTick", "(I)V", "", ErrUnresolved},
		{"field kind is separate", alt, KindField, mc, "runTick", "()V", "", ErrUnresolved},
		{"mapped owner unknown member", alt, KindMethod, mc, "stop", "()V", "", ErrUnresolved},
		{"unset mode", NewResolver(ModeUnset, nil), KindMethod, mc, "runTick", "()V", "", ErrModeUnset},
		{"nil resolver", nil, KindField, mc, "thePlayer", "I", "", ErrModeUnset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			var err error
			if tt.kind == KindField {
				got, err = tt.r.ResolveField(tt.owner, tt.member, tt.desc)
			} else {
				got, err = tt.r.ResolveMethod(tt.owner, tt.member, tt.desc)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, ErrNameResolution) {
					t.Fatalf("err: got %v, want %v wrapped in ErrNameResolution", err, tt.wantErr)
				}
				var re *ResolveError
				if !errors.As(err, &re) || re.Owner != tt.owner || re.Name != tt.member {
					t.Errorf("ResolveError context: %+v", re)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"canonical": ModeCanonical, "alternate": ModeAlternate} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q): got %v, %v", in, got, err)
		}
	}
	for _, in := range []string{"", "srg", "Canonical"} {
		if _, err := ParseMode(in); err == nil {
			t.Errorf("ParseMode(%q): expected error", in)
		}
	}
}

func TestTableRejectsBadBindings(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"duplicate", `
[[method]]
owner = "a/B"
name = "m"
alt = "x"
[[method]]
owner = "a/B"
name = "m"
alt = "y"
`},
		{"missing alt", `
[[field]]
owner = "a/B"
name = "f"
`},
		{"not toml", `[[method]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTable([]byte(tt.doc)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.toml")
	if err := os.WriteFile(path, []byte(sampleMappings), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if table.Len() != 3 {
		t.Errorf("bindings: got %d, want 3", table.Len())
	}
	bs := table.Bindings()
	if bs[0].Kind != KindMethod || bs[0].Canonical != "getMinecraft" || bs[2].Kind != KindField {
		t.Errorf("order: got %+v", bs)
	}

	if _, err := LoadTable(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
