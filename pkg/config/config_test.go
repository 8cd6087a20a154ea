package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/daimatz/asmhook/pkg/hook"
	"github.com/daimatz/asmhook/pkg/names"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mappings.toml", `
[[method]]
owner = "demo/World"
name = "tick"
alt = "a"
`)
	path := writeFile(t, dir, FileName, `
[naming]
mode = "alternate"
mappings = "mappings.toml"

[engine]
find = "cursor"

[cache]
enabled = true

[log]
verbosity = 2
file = "/var/log/asmhook.log"

[hooks]
files = ["hooks/tick.toml", "/etc/asmhook/global.toml"]
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	abs, _ := filepath.Abs(dir)
	if c.Dir != abs {
		t.Errorf("Dir: got %q, want %q", c.Dir, abs)
	}
	if c.Naming.Mappings != filepath.Join(abs, "mappings.toml") {
		t.Errorf("mappings: got %q", c.Naming.Mappings)
	}
	if c.Cache.Path != filepath.Join(abs, ".asmhook", "cache.db") || !c.Cache.Enabled {
		t.Errorf("cache: got %+v", c.Cache)
	}
	if c.Log.File != "/var/log/asmhook.log" || c.Log.Verbosity != 2 {
		t.Errorf("log: got %+v", c.Log)
	}
	if c.Hooks.Files[0] != filepath.Join(abs, "hooks", "tick.toml") || c.Hooks.Files[1] != "/etc/asmhook/global.toml" {
		t.Errorf("hook files: got %v", c.Hooks.Files)
	}
	if c.SearchMode() != hook.SearchFromCursor {
		t.Errorf("search mode: got %s", c.SearchMode())
	}

	r, err := c.Resolver()
	if err != nil {
		t.Fatalf("Resolver: %v", err)
	}
	if r.Mode() != names.ModeAlternate {
		t.Errorf("mode: got %s", r.Mode())
	}
	if got, err := r.ResolveMethod("demo/World", "tick", "()V"); err != nil || got != "a" {
		t.Errorf("resolve: got %q, %v", got, err)
	}
}

func TestDefaults(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(writeFile(t, dir, FileName, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Naming.Mode != "canonical" || c.Engine.Find != "start" || c.Cache.Enabled {
		t.Errorf("defaults: got %+v", c)
	}
	if c.SearchMode() != hook.SearchFromStart {
		t.Errorf("search mode: got %s", c.SearchMode())
	}
	if d := Default(); d.Naming.Mode != "canonical" || d.Cache.Path == "" {
		t.Errorf("Default: got %+v", d)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad mode", "[naming]\nmode = \"srg\"\n"},
		{"bad find", "[engine]\nfind = \"middle\"\n"},
		{"alternate without mappings", "[naming]\nmode = \"alternate\"\n"},
		{"not toml", "[naming\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, t.TempDir(), FileName, tt.doc)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), FileName)); err == nil {
		t.Error("expected error for missing file")
	}
}
