package tarextract

import (
	"context"
	"os"
	"sync"
)

// DirCache coalesces and memoizes parent-directory creation. At most
// one MkdirAll is in flight per path; concurrent callers wait on the
// same result. Successes stay memoized for the cache's lifetime,
// failures are forgotten so a later entry can retry.
//
// A cache is scoped to the Extractor that created it unless callers
// share one through Opt.DirCache.
type DirCache struct {
	mu sync.Mutex
	m  map[string]*mkdirCall
}

type mkdirCall struct {
	ready chan struct{}
	err   error
}

// NewDirCache returns an empty cache.
func NewDirCache() *DirCache {
	return &DirCache{m: make(map[string]*mkdirCall)}
}

// MkdirAll ensures dir exists, deduplicating against in-flight and
// completed calls for the same path.
func (c *DirCache) MkdirAll(ctx context.Context, dir string, mode os.FileMode) error {
	c.mu.Lock()
	if call, ok := c.m[dir]; ok { // register as waiter
		c.mu.Unlock()
		select {
		case <-call.ready:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &mkdirCall{ready: make(chan struct{})}
	c.m[dir] = call
	c.mu.Unlock()

	call.err = os.MkdirAll(dir, mode)
	close(call.ready)
	if call.err != nil {
		c.mu.Lock()
		delete(c.m, dir)
		c.mu.Unlock()
	}
	return call.err
}
