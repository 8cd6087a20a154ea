package loader

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/daimatz/asmhook/pkg/classfile"
)

var log = commonlog.GetLogger("asmhook.loader")

// ClassLoader loads classes by internal name.
type ClassLoader interface {
	LoadClass(name string) (*classfile.ClassFile, error)
}

// Transformer rewrites class bytes before they are defined. It returns
// usable bytes even when it fails.
type Transformer interface {
	Transform(name string, data []byte) ([]byte, error)
}

// TransformingLoader reads classes from a source, passes them through a
// transformer and memoizes the parsed result. It is safe for concurrent
// use.
type TransformingLoader struct {
	source      Source
	transformer Transformer

	mu      sync.Mutex
	classes map[string]*classfile.ClassFile
	bytes   map[string][]byte
}

// NewTransformingLoader returns a loader over source. A nil transformer
// defines classes unchanged.
func NewTransformingLoader(source Source, transformer Transformer) *TransformingLoader {
	return &TransformingLoader{
		source:      source,
		transformer: transformer,
		classes:     make(map[string]*classfile.ClassFile),
		bytes:       make(map[string][]byte),
	}
}

// LoadBytes returns the transformed bytes of name.
func (l *TransformingLoader) LoadBytes(name string) ([]byte, error) {
	name = strings.ReplaceAll(name, ".", "/")
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadBytes(name)
}

func (l *TransformingLoader) loadBytes(name string) ([]byte, error) {
	if data, ok := l.bytes[name]; ok {
		return data, nil
	}
	data, err := l.source.ReadClass(name)
	if err != nil {
		return nil, err
	}
	if l.transformer != nil {
		out, err := l.transformer.Transform(name, data)
		if err != nil {
			log.Warning("defining untransformed class", "class", name, "error", err.Error())
		}
		data = out
	}
	l.bytes[name] = data
	return data, nil
}

// LoadClass returns the parsed, transformed class.
func (l *TransformingLoader) LoadClass(name string) (*classfile.ClassFile, error) {
	name = strings.ReplaceAll(name, ".", "/")
	l.mu.Lock()
	defer l.mu.Unlock()
	if cf, ok := l.classes[name]; ok {
		return cf, nil
	}
	data, err := l.loadBytes(name)
	if err != nil {
		return nil, err
	}
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	l.classes[name] = cf
	return cf, nil
}
