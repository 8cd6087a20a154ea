package loader

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/daimatz/asmhook/pkg/classfile"
	"github.com/daimatz/asmhook/pkg/insn"
	"github.com/daimatz/asmhook/pkg/tree"
)

func classBytes(t *testing.T, name string) []byte {
	t.Helper()
	c, err := tree.NewClass(name, "java/lang/Object")
	if err != nil {
		t.Fatalf("NewClass: %v", err)
	}
	if _, err := c.AddMethod(classfile.AccPublic|classfile.AccStatic, "run", "()V", insn.New(insn.OpReturn)); err != nil {
		t.Fatalf("AddMethod: %v", err)
	}
	data, err := c.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return data
}

func writeArchive(t *testing.T, path string, header []byte, files map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	buf.Write(header)
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func className(t *testing.T, data []byte) string {
	t.Helper()
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	name, err := cf.ClassName()
	if err != nil {
		t.Fatalf("ClassName: %v", err)
	}
	return name
}

func TestSources(t *testing.T) {
	dir := t.TempDir()
	classDir := filepath.Join(dir, "classes")
	if err := os.MkdirAll(filepath.Join(classDir, "demo"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(classDir, "demo", "Dir.class"), classBytes(t, "demo/Dir"), 0o644); err != nil {
		t.Fatal(err)
	}
	jar := filepath.Join(dir, "mod.jar")
	writeArchive(t, jar, nil, map[string][]byte{
		"demo/Jar.class":       classBytes(t, "demo/Jar"),
		"META-INF/MANIFEST.MF": []byte("Manifest-Version: 1.0\n"),
	})
	jmod := filepath.Join(dir, "java.base.jmod")
	writeArchive(t, jmod, jmodMagic, map[string][]byte{
		"classes/java/lang/Object.class": classBytes(t, "java/lang/Object"),
	})

	tests := []struct {
		name   string
		source Source
		class  string
	}{
		{"directory", DirSource{Root: classDir}, "demo/Dir"},
		{"jar", NewArchiveSource(jar), "demo/Jar"},
		{"jmod", NewArchiveSource(jmod), "java/lang/Object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.source.ReadClass(tt.class)
			if err != nil {
				t.Fatalf("ReadClass: %v", err)
			}
			if got := className(t, data); got != tt.class {
				t.Errorf("class name: got %q, want %q", got, tt.class)
			}
			if _, err := tt.source.ReadClass("demo/Missing"); !errors.Is(err, ErrClassNotFound) {
				t.Errorf("missing class: got %v", err)
			}
		})
	}

	t.Run("class path order", func(t *testing.T) {
		cp, err := ParseClassPath(strings.Join([]string{classDir, jar, jmod}, string(os.PathListSeparator)))
		if err != nil {
			t.Fatalf("ParseClassPath: %v", err)
		}
		if len(cp) != 3 {
			t.Fatalf("entries: got %d", len(cp))
		}
		for _, name := range []string{"demo/Dir", "demo/Jar", "java/lang/Object"} {
			if _, err := cp.ReadClass(name); err != nil {
				t.Errorf("%s: %v", name, err)
			}
		}
		if _, err := cp.ReadClass("demo/Missing"); !errors.Is(err, ErrClassNotFound) {
			t.Errorf("missing class: got %v", err)
		}
	})

	t.Run("bad entry", func(t *testing.T) {
		if _, err := ParseClassPath(filepath.Join(dir, "nope.jar")); err == nil {
			t.Error("expected error")
		}
		notZip := filepath.Join(dir, "broken.jar")
		if err := os.WriteFile(notZip, []byte("not a zip"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := NewArchiveSource(notZip).ReadClass("demo/Jar"); err == nil || errors.Is(err, ErrClassNotFound) {
			t.Errorf("broken archive: got %v", err)
		}
	})
}

type mapSource map[string][]byte

func (m mapSource) ReadClass(name string) ([]byte, error) {
	if data, ok := m[name]; ok {
		return data, nil
	}
	return nil, ErrClassNotFound
}

type countingTransformer struct {
	mu    sync.Mutex
	calls map[string]int
	fail  bool
}

func (c *countingTransformer) Transform(name string, data []byte) ([]byte, error) {
	c.mu.Lock()
	c.calls[name]++
	c.mu.Unlock()
	if c.fail {
		return data, errors.New("cannot decode")
	}
	return data, nil
}

func TestTransformingLoader(t *testing.T) {
	src := mapSource{"demo/A": classBytes(t, "demo/A"), "demo/B": classBytes(t, "demo/B")}
	tr := &countingTransformer{calls: make(map[string]int)}
	l := NewTransformingLoader(src, tr)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "demo/A"
			if i%2 == 1 {
				name = "demo.B"
			}
			if _, err := l.LoadClass(name); err != nil {
				t.Errorf("LoadClass(%s): %v", name, err)
			}
		}(i)
	}
	wg.Wait()

	if tr.calls["demo/A"] != 1 || tr.calls["demo/B"] != 1 {
		t.Errorf("transform calls: %v", tr.calls)
	}
	a1, _ := l.LoadClass("demo/A")
	a2, _ := l.LoadClass("demo.A")
	if a1 != a2 {
		t.Error("LoadClass is not memoized")
	}
	if _, err := l.LoadClass("demo/C"); !errors.Is(err, ErrClassNotFound) {
		t.Errorf("missing class: got %v", err)
	}
}

func TestTransformingLoaderKeepsBytesOnTransformError(t *testing.T) {
	data := classBytes(t, "demo/A")
	l := NewTransformingLoader(mapSource{"demo/A": data}, &countingTransformer{calls: make(map[string]int), fail: true})
	got, err := l.LoadBytes("demo/A")
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("bytes changed")
	}
	if _, err := l.LoadClass("demo/A"); err != nil {
		t.Errorf("LoadClass: %v", err)
	}
}
