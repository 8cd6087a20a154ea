package cache

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache", "classes.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, path
}

func TestGetPut(t *testing.T) {
	c, _ := openTemp(t)
	class := []byte{0xCA, 0xFE, 0xBA, 0xBE, 1, 2, 3}
	patched := bytes.Repeat([]byte("patched class body "), 64)

	if _, ok, err := c.Get("fp1", class); err != nil || ok {
		t.Fatalf("empty cache: ok=%v err=%v", ok, err)
	}
	if err := c.Put("fp1", class, patched); err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		name        string
		fingerprint string
		class       []byte
		wantHit     bool
	}{
		{"same key", "fp1", class, true},
		{"other fingerprint", "fp2", class, false},
		{"other class", "fp1", append([]byte{0}, class...), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := c.Get(tt.fingerprint, tt.class)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if ok != tt.wantHit {
				t.Fatalf("hit: got %v, want %v", ok, tt.wantHit)
			}
			if ok && !bytes.Equal(got, patched) {
				t.Error("value changed through the cache")
			}
		})
	}

	s, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Hits != 1 || s.Misses != 3 || s.Puts != 1 || s.Entries != 1 {
		t.Errorf("stats: got %+v", s)
	}
}

func TestPersistsAcrossOpen(t *testing.T) {
	c, path := openTemp(t)
	if err := c.Put("fp", []byte("in"), []byte("out")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := c.Get("fp", []byte("in")); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close: got %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, ok, err := reopened.Get("fp", []byte("in"))
	if err != nil || !ok || string(got) != "out" {
		t.Errorf("after reopen: %q ok=%v err=%v", got, ok, err)
	}
}

func TestKey(t *testing.T) {
	a := NewKey("fp", []byte("class"))
	if a != NewKey("fp", []byte("class")) {
		t.Error("key is not deterministic")
	}
	if a == NewKey("fpc", []byte("lass")) {
		t.Error("fingerprint and class bytes must not run together")
	}
	if s := a.String(); s == "" || s != NewKey("fp", []byte("class")).String() {
		t.Errorf("String: %q", s)
	}
}
