package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/daimatz/asmhook/pkg/classfile"
	"github.com/daimatz/asmhook/pkg/config"
	"github.com/daimatz/asmhook/pkg/loader"
	"github.com/daimatz/asmhook/pkg/transform"
	"github.com/daimatz/asmhook/pkg/tree"
)

var log = commonlog.GetLogger("asmhook")

func findJmodPath() string {
	// 1. Explicit env var
	if env := os.Getenv("JAVA_BASE_JMOD"); env != "" {
		return env
	}
	// 2. JAVA_HOME
	if javaHome := os.Getenv("JAVA_HOME"); javaHome != "" {
		p := filepath.Join(javaHome, "jmods", "java.base.jmod")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func main() {
	configPath := flag.String("config", config.FileName, "Configuration file")
	classPath := flag.String("cp", ".", "Class path (directories, jars and jmods)")
	outDir := flag.String("o", "out", "Output directory for transformed classes")
	dump := flag.Bool("dump", false, "Print each hooked method after patching")
	verbose := flag.Int("v", -1, "Log verbosity (overrides the configuration)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: asmhook [options] class...\n\n")
		fmt.Fprintf(os.Stderr, "Applies the hooks listed in the configuration to each class and\n")
		fmt.Fprintf(os.Stderr, "writes the result to <outdir>/<class>.class.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) && *configPath == config.FileName {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	verbosity := cfg.Log.Verbosity
	if *verbose >= 0 {
		verbosity = *verbose
	}
	if cfg.Log.File != "" {
		commonlog.Configure(verbosity, &cfg.Log.File)
	} else {
		commonlog.Configure(verbosity, nil)
	}

	if err := run(cfg, *classPath, *outDir, *dump, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, classPath, outDir string, dump bool, classes []string) error {
	h, err := bootstrap(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	cp, err := loader.ParseClassPath(classPath)
	if err != nil {
		return err
	}
	if jmod := findJmodPath(); jmod != "" {
		cp = append(cp, loader.NewArchiveSource(jmod))
	}

	rec := &recorder{transformer: h.transformer, reports: make(map[string]transform.Report)}
	l := loader.NewTransformingLoader(cp, rec)
	for _, arg := range classes {
		name := strings.ReplaceAll(strings.TrimSuffix(arg, ".class"), ".", "/")
		out, err := l.LoadBytes(name)
		if err != nil {
			return err
		}
		report := rec.reports[name]

		path := filepath.Join(outDir, filepath.FromSlash(name)+".class")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, out, 0644); err != nil {
			return err
		}
		log.Info("class written", "class", name, "path", path, "applied", report.Applied(), "failed", report.Failed())

		if dump && h.transformer.Dispatcher().Registry().Has(name) {
			if err := dumpHooked(h, name, out); err != nil {
				return err
			}
		}
	}

	if h.cache != nil {
		if s, err := h.cache.Stats(); err == nil {
			log.Info("cache", "hits", s.Hits, "misses", s.Misses, "entries", s.Entries)
		}
	}
	if rec.failed > 0 {
		return fmt.Errorf("%d hook(s) did not apply", rec.failed)
	}
	return nil
}

// recorder keeps the dispatch report of every class the loader
// transforms. A class that cannot be decoded counts as one failure.
type recorder struct {
	transformer *transform.Transformer
	reports     map[string]transform.Report
	failed      int
}

func (r *recorder) Transform(name string, data []byte) ([]byte, error) {
	out, report, err := r.transformer.TransformReport(name, data)
	r.reports[name] = report
	r.failed += report.Failed()
	if err != nil {
		r.failed++
	}
	return out, err
}

func dumpHooked(h *host, name string, data []byte) error {
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		return err
	}
	c, err := tree.Decode(cf)
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, hk := range h.transformer.Dispatcher().Registry().Hooks(name) {
		key := hk.Method() + hk.Desc()
		if seen[key] {
			continue
		}
		seen[key] = true
		m, err := c.Method(hk.Method(), hk.Desc())
		if err != nil {
			fmt.Printf("%s.%s: %v\n\n", name, key, err)
			continue
		}
		fmt.Printf("%s.%s (max_stack=%d, max_locals=%d)\n%s\n\n", name, key, m.MaxStack, m.MaxLocals, m.Insns)
	}
	return nil
}
