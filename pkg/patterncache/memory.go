package patterncache

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalline/qscore/pkg/contracts"
)

// MemoryCache is the in-process implementation, used in tests and
// single-node deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]contracts.PatternCacheEntry
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]contracts.PatternCacheEntry)}
}

// GetPattern returns the entry for a domain.
func (c *MemoryCache) GetPattern(_ context.Context, domain string) (*contracts.PatternCacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[domain]
	if !ok {
		return nil, fmt.Errorf("%s: %w", domain, ErrPatternNotFound)
	}
	return &entry, nil
}

// PutPattern writes an entry unless the stored evidence is stronger.
func (c *MemoryCache) PutPattern(_ context.Context, entry contracts.PatternCacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[entry.Domain]; ok && !admissible(prev, entry) {
		return fmt.Errorf("%s: %s cannot replace %s: %w",
			entry.Domain, entry.Status, prev.Status, ErrStaleEvidence)
	}
	c.entries[entry.Domain] = entry
	return nil
}

// Force writes an entry regardless of stored evidence.
func (c *MemoryCache) Force(_ context.Context, entry contracts.PatternCacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Domain] = entry
	return nil
}
