package sync

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	gosync "sync"

	"github.com/cockroachdb/pebble"
)

// AssociationTypeCache stores destination association type ids keyed by
// from/to/relation.
type AssociationTypeCache interface {
	Get(key string) (int, bool, error)
	Put(key string, id int) error
	Clear() error
	Close() error
}

// AssociationCacheKey builds the cache key for a relation definition.
func AssociationCacheKey(from, to, relation string) string {
	return from + "/" + to + "/" + relation
}

// MemoryCache is a process local AssociationTypeCache.
type MemoryCache struct {
	mu  gosync.RWMutex
	ids map[string]int
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{ids: make(map[string]int)}
}

func (m *MemoryCache) Get(key string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, exists := m.ids[key]
	return id, exists, nil
}

func (m *MemoryCache) Put(key string, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[key] = id
	return nil
}

func (m *MemoryCache) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = make(map[string]int)
	return nil
}

func (m *MemoryCache) Close() error { return nil }

// PebbleCache persists association type ids across process restarts.
type PebbleCache struct {
	db *pebble.DB
}

func NewPebbleCache(dir string) (*PebbleCache, error) {
	d, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleCache{db: d}, nil
}

func (p *PebbleCache) Close() error { return p.db.Close() }

func (p *PebbleCache) Get(key string) (int, bool, error) {
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	id, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, false, fmt.Errorf("association cache %s: %w", key, err)
	}
	return id, true, nil
}

func (p *PebbleCache) Put(key string, id int) error {
	return p.db.Set([]byte(key), []byte(strconv.Itoa(id)), pebble.Sync)
}

// Clear drops every cached id. Keys are printable, so [0x00, 0xff) covers them all.
func (p *PebbleCache) Clear() error {
	return p.db.DeleteRange([]byte{0x00}, []byte{0xff}, pebble.Sync)
}
