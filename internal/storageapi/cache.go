package storageapi

import (
	"context"
	"errors"
	"sync"
)

// TableCache memoizes GetTable for one pipeline run. Not-found answers are
// cached too. A new cache must be created for every run.
type TableCache struct {
	client Client

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	state *TableState
	err   error
}

// NewTableCache creates an empty cache in front of client.
func NewTableCache(client Client) *TableCache {
	return &TableCache{client: client, entries: make(map[string]*cacheEntry)}
}

// Get returns the cached table state, fetching it on first use.
// Transport errors are returned but not cached.
func (c *TableCache) Get(ctx context.Context, id TableID) (*TableState, error) {
	key := id.String()
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.state, e.err
	}
	c.mu.Unlock()

	state, err := c.client.GetTable(ctx, id)
	if err != nil && !errors.Is(err, ErrTableNotFound) {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{state: state, err: err}
	c.mu.Unlock()
	return state, err
}

// Invalidate drops an entry after the table was changed.
func (c *TableCache) Invalidate(id TableID) {
	c.mu.Lock()
	delete(c.entries, id.String())
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *TableCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
