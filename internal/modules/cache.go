package modules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Cache holds loaded module exports for the whole process, keyed by
// name@version.
//
// Each key is loaded at most once; concurrent first requests for the same
// key share a single load. A new version is a new key, so requests still
// holding the old exports keep using them undisturbed. Failed loads are not
// cached.
type Cache struct {
	loader Loader
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Exports

	flight singleflight.Group
	loads  atomic.Int64
}

// NewCache creates a Cache backed by loader.
func NewCache(loader Loader, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		loader:  loader,
		logger:  logger,
		entries: make(map[string]*Exports),
	}
}

// Get returns the exports for rec, loading them on first use.
func (c *Cache) Get(ctx context.Context, rec Record) (*Exports, error) {
	key := rec.Key()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e, nil
	}

	// the first caller's cancellation must not fail everyone sharing the load
	loadCtx := context.WithoutCancel(ctx)

	result, err, shared := c.flight.Do(key, func() (interface{}, error) {
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return e, nil
		}

		c.loads.Add(1)
		e, err := c.loader.Load(loadCtx, rec)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, fmt.Errorf("loader returned no exports for %s", key)
		}

		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()

		c.logger.Debug("module loaded", "module", rec.Name, "version", rec.Version)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load module %s: %w", key, err)
	}
	if shared {
		c.logger.Debug("module load shared", "module", rec.Name)
	}
	return result.(*Exports), nil
}

// Peek returns the exports for rec only if they are already loaded.
func (c *Cache) Peek(rec Record) (*Exports, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[rec.Key()]
	return e, ok
}

// Retain drops every entry whose key is not listed in cm and reports how
// many were dropped. Exports already handed out stay valid.
func (c *Cache) Retain(cm *ContentMap) int {
	keep := cm.Keys()

	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key := range c.entries {
		if _, ok := keep[key]; !ok {
			delete(c.entries, key)
			dropped++
		}
	}
	if dropped > 0 {
		c.logger.Info("dropped stale module versions", "count", dropped)
	}
	return dropped
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Loads returns how many times the loader has been called.
func (c *Cache) Loads() int64 {
	return c.loads.Load()
}
