// Package cache persists transformed class bytes between runs.
//
// Entries live in one bbolt bucket. A key is the blake3 hash of the hook
// registry fingerprint and the original class bytes, so changing either
// the hooks or the class misses the cache. Values are zstd-compressed.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

// ErrClosed is returned when operating on a closed cache.
var ErrClosed = errors.New("cache closed")

var bucketClasses = []byte("classes")

// Key identifies one cached transformation.
type Key [32]byte

// NewKey derives the key for class bytes transformed under fingerprint.
func NewKey(fingerprint string, class []byte) Key {
	h := blake3.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write(class)
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// String returns the base58 form of the key.
func (k Key) String() string { return base58.Encode(k[:]) }

// Stats counts cache traffic since Open.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Puts    uint64
	Entries int
}

// Cache is a bbolt-backed class cache, safe for concurrent use.
type Cache struct {
	db      *bolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	hits, misses, puts atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the cache database at path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClasses)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket %s: %w", bucketClasses, err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, err
	}
	return &Cache{db: db, encoder: encoder, decoder: decoder}, nil
}

// Get returns the cached transformation of class under fingerprint.
func (c *Cache) Get(fingerprint string, class []byte) ([]byte, bool, error) {
	return c.GetKey(NewKey(fingerprint, class))
}

// GetKey looks up a key directly.
func (c *Cache) GetKey(k Key) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false, ErrClosed
	}

	var compressed []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketClasses).Get(k[:]); v != nil {
			compressed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if compressed == nil {
		c.misses.Add(1)
		return nil, false, nil
	}
	out, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompressing entry %s: %w", k, err)
	}
	c.hits.Add(1)
	return out, true, nil
}

// Put stores the transformation of class under fingerprint.
func (c *Cache) Put(fingerprint string, class, transformed []byte) error {
	return c.PutKey(NewKey(fingerprint, class), transformed)
}

// PutKey stores a value under k.
func (c *Cache) PutKey(k Key, transformed []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	compressed := c.encoder.EncodeAll(transformed, nil)
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClasses).Put(k[:], compressed)
	})
	if err != nil {
		return fmt.Errorf("storing entry %s: %w", k, err)
	}
	c.puts.Add(1)
	return nil
}

// Stats returns traffic counters and the number of stored entries.
func (c *Cache) Stats() (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return Stats{}, ErrClosed
	}
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Puts: c.puts.Load()}
	err := c.db.View(func(tx *bolt.Tx) error {
		s.Entries = tx.Bucket(bucketClasses).Stats().KeyN
		return nil
	})
	return s, err
}

// Close closes the database. Closing twice is a no-op.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.encoder.Close()
	c.decoder.Close()
	return c.db.Close()
}
