// Package cache memoizes job results so identical jobs skip the worker.
package cache

import (
	"context"
	"crypto/sha256"

	lzmux "github.com/eugener/lzmux/internal"
)

// Key identifies a job by kind, level and payload digest.
type Key struct {
	Action lzmux.Action
	Mode   lzmux.Mode
	Digest [sha256.Size]byte
}

// KeyFor derives the cache key of a job. Decompression ignores the mode.
func KeyFor(job *lzmux.Job) Key {
	k := Key{Action: job.Action}
	if job.Action == lzmux.ActionCompress {
		k.Mode = job.Mode
		k.Digest = sha256.Sum256([]byte(job.Text))
	} else {
		k.Digest = sha256.Sum256(job.Data)
	}
	return k
}

// Cache is the interface for result caching.
type Cache interface {
	// Get retrieves a cached result.
	Get(ctx context.Context, key Key) (lzmux.Result, bool)
	// Set stores a result.
	Set(ctx context.Context, key Key, res lzmux.Result)
	// Purge removes all cached results.
	Purge(ctx context.Context)
	// Len returns the approximate number of cached results.
	Len() int
}
