package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process LRU. The LRU evicts at maxTTL; shorter entry TTLs are checked on read.
type Memory struct {
	lru *expirable.LRU[string, memoryEntry]
	now func() time.Time
}

// NewMemory builds a Memory cache holding at most size entries.
func NewMemory(size int, maxTTL time.Duration) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{
		lru: expirable.NewLRU[string, memoryEntry](size, nil, maxTTL),
		now: time.Now,
	}
}

// Get returns a live entry.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores value; ttl <= 0 relies on the LRU-wide TTL.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expires = m.now().Add(ttl)
	}
	m.lru.Add(key, entry)
	return nil
}

// Flush empties the cache.
func (m *Memory) Flush(context.Context) error {
	m.lru.Purge()
	return nil
}

// Len reports the number of entries, including ones past their entry TTL.
func (m *Memory) Len() int {
	return m.lru.Len()
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
