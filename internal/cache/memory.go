package cache

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/maypok86/otter/v2"

	lzmux "github.com/eugener/lzmux/internal"
)

// Memory is an in-memory W-TinyLFU cache backed by otter, bounded by the
// total size of the cached payloads.
type Memory struct {
	cache *otter.Cache[Key, lzmux.Result]
}

// NewMemory creates a cache holding at most maxBytes of result data, each
// entry living for ttl after it was written.
func NewMemory(maxBytes int64, ttl time.Duration) (*Memory, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("create cache: max bytes must be positive, got %d", maxBytes)
	}
	c, err := otter.New(&otter.Options[Key, lzmux.Result]{
		MaximumWeight:    uint64(maxBytes),
		Weigher:          weigh,
		ExpiryCalculator: otter.ExpiryWriting[Key, lzmux.Result](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// weigh charges an entry for its payload plus a fixed overhead, so empty
// results still count.
func weigh(_ Key, r lzmux.Result) uint32 {
	return uint32(min(len(r.Data)+64, math.MaxUint32))
}

// Get retrieves a result if present and not expired.
func (m *Memory) Get(_ context.Context, key Key) (lzmux.Result, bool) {
	return m.cache.GetIfPresent(key)
}

// Set stores a result.
func (m *Memory) Set(_ context.Context, key Key, res lzmux.Result) {
	m.cache.Set(key, res)
}

// Purge removes all results.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
}

// Len returns the approximate number of cached results.
func (m *Memory) Len() int {
	return m.cache.EstimatedSize()
}
