// Package loader reads class bytes from directories and archives and
// defines classes through a Transformer.
package loader

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrClassNotFound is returned when no source holds a class.
var ErrClassNotFound = errors.New("class not found")

var jmodMagic = []byte("JM\x01\x00")

// Source returns the raw bytes of a class by internal name.
type Source interface {
	ReadClass(name string) ([]byte, error)
}

// DirSource reads <Root>/<name>.class.
type DirSource struct {
	Root string
}

func (s DirSource) ReadClass(name string) ([]byte, error) {
	path := filepath.Join(s.Root, filepath.FromSlash(name)+".class")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("dir %s: %s: %w", s.Root, name, ErrClassNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("dir %s: reading %s: %w", s.Root, name, err)
	}
	return data, nil
}

// ArchiveSource reads classes from a jar or a JDK jmod file. The archive
// is read into memory on first use.
type ArchiveSource struct {
	Path string

	once    sync.Once
	err     error
	prefix  string
	entries map[string]*zip.File
}

// NewArchiveSource returns a source over the archive at path.
func NewArchiveSource(path string) *ArchiveSource {
	return &ArchiveSource{Path: path}
}

func (s *ArchiveSource) open() error {
	s.once.Do(func() {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			s.err = fmt.Errorf("archive: reading %s: %w", s.Path, err)
			return
		}
		if bytes.HasPrefix(data, jmodMagic) {
			data = data[len(jmodMagic):]
			s.prefix = "classes/"
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			s.err = fmt.Errorf("archive: opening zip %s: %w", s.Path, err)
			return
		}
		s.entries = make(map[string]*zip.File, len(zr.File))
		for _, f := range zr.File {
			if strings.HasSuffix(f.Name, ".class") {
				s.entries[f.Name] = f
			}
		}
	})
	return s.err
}

func (s *ArchiveSource) ReadClass(name string) ([]byte, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	f, ok := s.entries[s.prefix+name+".class"]
	if !ok {
		return nil, fmt.Errorf("archive %s: %s: %w", s.Path, name, ErrClassNotFound)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("archive %s: opening %s: %w", s.Path, f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ClassPath searches its sources in order.
type ClassPath []Source

func (cp ClassPath) ReadClass(name string) ([]byte, error) {
	for _, s := range cp {
		data, err := s.ReadClass(name)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrClassNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrClassNotFound)
}

// ParseClassPath splits a list of directories and archives separated by
// os.PathListSeparator.
func ParseClassPath(list string) (ClassPath, error) {
	var cp ClassPath
	for _, entry := range filepath.SplitList(list) {
		if entry == "" {
			continue
		}
		fi, err := os.Stat(entry)
		if err != nil {
			return nil, fmt.Errorf("class path entry %s: %w", entry, err)
		}
		if fi.IsDir() {
			cp = append(cp, DirSource{Root: entry})
		} else {
			cp = append(cp, NewArchiveSource(entry))
		}
	}
	return cp, nil
}
