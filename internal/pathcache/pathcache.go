// Package pathcache deduplicates and caches PATH executable lookups.
//
// It generalizes the teacher's internal/testenv helpers (HasGoBuild,
// GoToolPath), which cached a single "is the go tool available"
// check, into a cache keyed by program name and backed by
// golang.org/x/sync/singleflight so that concurrently evaluated
// "[exec:<program>]" conditions for the same program never race
// exec.LookPath against each other.
package pathcache

import (
	"os/exec"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes whether a named executable is found on PATH.
type Cache struct {
	group singleflight.Group

	mu      sync.RWMutex
	results map[string]bool
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{results: make(map[string]bool)}
}

// Lookup reports whether name resolves via exec.LookPath, consulting
// (and populating) the cache.
func (c *Cache) Lookup(name string) bool {
	c.mu.RLock()
	if v, ok := c.results[name]; ok {
		c.mu.RUnlock()
		return v
	}
	c.mu.RUnlock()

	v, _, _ := c.group.Do(name, func() (any, error) {
		_, err := exec.LookPath(name)
		found := err == nil

		c.mu.Lock()
		c.results[name] = found
		c.mu.Unlock()

		return found, nil
	})
	return v.(bool)
}
