// Package dedup maps content hashes to the ids of memories stored with
// that hash.
package dedup

import (
	"context"
	"slices"
	"sync"
)

// Index records hash -> ids, oldest first. Entries can go stale when an id
// is overwritten with new text, so callers confirm hits against the store
// and Forget the ones that no longer hold the hash.
type Index interface {
	// Lookup returns the oldest id other than excludeID recorded for hash,
	// or "" when there is none.
	Lookup(ctx context.Context, hash, excludeID string) (string, error)
	Remember(ctx context.Context, hash, id string) error
	// Forget drops id from hash. Unknown pairs are ignored.
	Forget(ctx context.Context, hash, id string) error
	Close() error
}

// MemoryIndex is a process-local Index.
type MemoryIndex struct {
	mu     sync.RWMutex
	hashes map[string][]string
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{hashes: make(map[string][]string)}
}

func (m *MemoryIndex) Lookup(_ context.Context, hash, excludeID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.hashes[hash] {
		if id != excludeID {
			return id, nil
		}
	}
	return "", nil
}

func (m *MemoryIndex) Remember(_ context.Context, hash, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.hashes[hash], id) {
		m.hashes[hash] = append(m.hashes[hash], id)
	}
	return nil
}

func (m *MemoryIndex) Forget(_ context.Context, hash, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := slices.DeleteFunc(m.hashes[hash], func(held string) bool { return held == id })
	if len(ids) == 0 {
		delete(m.hashes, hash)
		return nil
	}
	m.hashes[hash] = ids
	return nil
}

func (m *MemoryIndex) Close() error { return nil }

// HashFinder is the store query StoreIndex delegates to.
type HashFinder interface {
	FindByHash(ctx context.Context, hash, excludeID string) (string, error)
}

// StoreIndex answers lookups from the memory store itself. Remember and
// Forget are no-ops because the store already holds the hash.
type StoreIndex struct {
	finder HashFinder
}

// NewStoreIndex wraps finder.
func NewStoreIndex(finder HashFinder) *StoreIndex {
	return &StoreIndex{finder: finder}
}

func (s *StoreIndex) Lookup(ctx context.Context, hash, excludeID string) (string, error) {
	return s.finder.FindByHash(ctx, hash, excludeID)
}

func (s *StoreIndex) Remember(context.Context, string, string) error { return nil }

func (s *StoreIndex) Forget(context.Context, string, string) error { return nil }

func (s *StoreIndex) Close() error { return nil }
