package cache

import (
	"context"
	"sync"
)

// MemCache keeps entries in a map. It is mostly useful for tests.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string][]byte
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string][]byte),
	}
}

func (m MemCache) Match(_ context.Context, cacheName, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	bytes, ok := m.db[cacheName+"\x00"+key]
	return bytes, ok, nil
}

func (m MemCache) Put(_ context.Context, cacheName, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[cacheName+"\x00"+key] = bytes
	return nil
}

// Len returns the number of entries across all cache names.
func (m MemCache) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

func (m MemCache) Close() error {
	return nil
}
