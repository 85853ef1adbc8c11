package cache

import (
	"encoding/binary"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cespare/xxhash/v2"
)

// Entry is a cached tensor: its shape and row-major values.
type Entry struct {
	Shape  []int
	Values []float32
}

// TensorCache defines a generic interface for caching sampled tensors.
type TensorCache interface {
	// Get retrieves an entry from the cache.
	Get(key uint64) (Entry, bool)
	// Put stores an entry in the cache.
	Put(key uint64, e Entry)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a bounded in-memory implementation of TensorCache.
// When full, an arbitrary entry is evicted to make room.
type MapCache struct {
	data       map[uint64]Entry
	maxEntries int
	mu         sync.RWMutex
}

// NewMapCache creates a cache holding at most maxEntries items (unbounded if <= 0).
func NewMapCache(maxEntries int) *MapCache {
	return &MapCache{
		data:       make(map[uint64]Entry),
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key uint64) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if e, ok := c.data[key]; ok {
		return clone(e), true
	}
	return Entry{}, false
}

func (c *MapCache) Put(key uint64, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}
	c.data[key] = clone(e)
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func clone(e Entry) Entry {
	return Entry{
		Shape:  append([]int(nil), e.Shape...),
		Values: append([]float32(nil), e.Values...),
	}
}

// Key hashes a sequence of tensors (shape and values) into a cache key.
// The same tensors in the same order always produce the same key.
func Key(pass string, tensors ...Entry) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(pass)

	var buf [8]byte
	for _, t := range tensors {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(t.Shape)))
		_, _ = d.Write(buf[:])
		for _, dim := range t.Shape {
			binary.LittleEndian.PutUint64(buf[:], uint64(dim))
			_, _ = d.Write(buf[:])
		}
		_, _ = d.Write(arrow.Float32Traits.CastToBytes(t.Values))
	}
	return d.Sum64()
}
