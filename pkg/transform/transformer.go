package transform

import (
	"fmt"

	"github.com/daimatz/asmhook/pkg/classfile"
	"github.com/daimatz/asmhook/pkg/tree"
)

// Store caches transformed class bytes under a key string and the
// original bytes. The key covers the registry fingerprint and the engine
// search mode.
type Store interface {
	Get(fingerprint string, class []byte) ([]byte, bool, error)
	Put(fingerprint string, class, transformed []byte) error
}

// Transformer is the byte-level entry point used by class loaders.
type Transformer struct {
	dispatcher *Dispatcher
	store      Store
}

// NewTransformer returns a transformer over d. store may be nil.
func NewTransformer(d *Dispatcher, store Store) *Transformer {
	return &Transformer{dispatcher: d, store: store}
}

// Dispatcher returns the underlying dispatcher.
func (t *Transformer) Dispatcher() *Dispatcher { return t.dispatcher }

// Transform returns the bytes to define for class name. The result is
// always usable: when the class cannot be decoded or re-encoded the
// original bytes are returned together with the error.
func (t *Transformer) Transform(name string, data []byte) ([]byte, error) {
	out, _, err := t.TransformReport(name, data)
	return out, err
}

// TransformReport is Transform plus the dispatch report. The report is
// empty for classes without hooks and for cache hits. Only results where
// every hook applied are cached, so failures are reported on every load.
func (t *Transformer) TransformReport(name string, data []byte) ([]byte, Report, error) {
	name = normalize(name)
	if !t.dispatcher.registry.Has(name) {
		return data, Report{Class: name}, nil
	}

	fp := t.cacheKey()
	if t.store != nil {
		cached, ok, err := t.store.Get(fp, data)
		if err != nil {
			log.Warning("cache read failed", "class", name, "error", err.Error())
		} else if ok {
			log.Debug("cache hit", "class", name)
			return cached, Report{Class: name}, nil
		}
	}

	out, report, err := t.transform(name, data)
	if err != nil {
		log.Error("class left unmodified", "class", name, "reason", "CodecFailed", "error", err.Error())
		return data, report, err
	}

	if t.store != nil && report.Failed() > 0 {
		log.Debug("not caching", "class", name, "failed", report.Failed())
	} else if t.store != nil {
		if err := t.store.Put(fp, data, out); err != nil {
			log.Warning("cache write failed", "class", name, "error", err.Error())
		}
	}
	return out, report, nil
}

// cacheKey identifies everything besides the class bytes that shapes the
// output.
func (t *Transformer) cacheKey() string {
	return t.dispatcher.registry.Fingerprint() + "/" + t.dispatcher.engine.Mode().String()
}

func (t *Transformer) transform(name string, data []byte) ([]byte, Report, error) {
	report := Report{Class: name}
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		return nil, report, fmt.Errorf("parsing %s: %w", name, err)
	}
	c, err := tree.Decode(cf)
	if err != nil {
		return nil, report, fmt.Errorf("decoding %s: %w", name, err)
	}
	if c.Name != name {
		log.Warning("class name mismatch", "class", name, "declared", c.Name)
	}

	c, report = t.dispatcher.OnClassLoad(name, c)
	if len(c.Modified()) == 0 {
		t.dispatcher.MarkSerialized(name)
		return data, report, nil
	}
	out, err := c.Encode()
	if err != nil {
		return nil, report, fmt.Errorf("encoding %s: %w", name, err)
	}
	t.dispatcher.MarkSerialized(name)
	return out, report, nil
}
