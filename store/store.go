// Package store provides named response-addressable stores: each store maps
// a (method, URL) pair to a buffered HTTP response. Stores back both the
// cache bodies and, through the db package, the persisted control tables.
package store

import (
	"net/http"
	"strings"
	"sync"
)

// Key identifies a stored response within one named store.
type Key struct {
	Method string
	URL    string
}

// Cache is one named store of responses.
//
// Match returns a fresh copy of the stored response on every call, so a
// response can be both kept cached and handed to a caller. A miss is
// (nil, nil).
type Cache interface {
	Match(method, url string) (*http.Response, error)
	Put(method, url string, res *http.Response) error
	Delete(method, url string) (bool, error)
	Keys() ([]Key, error)
}

// Backend is a collection of named stores.
//
// Implementations must be thread-safe!
type Backend interface {
	// Open returns the store with the given name, creating it if needed.
	// Opening the same name twice returns views of the same data.
	Open(name string) Cache
	// Delete removes a named store and all its entries.
	Delete(name string) error
	// List returns the names of stores starting with prefix. Every store
	// that holds entries is listed; the memory and redis backends also
	// list opened stores without entries, the sqlite backend does not.
	List(prefix string) ([]string, error)
}

type memEntry struct {
	bytes []byte
}

// MemBackend is an in-memory Backend for tests and ephemeral deployments.
type MemBackend struct {
	mu     sync.RWMutex
	stores map[string]map[Key]memEntry
	opened map[string]bool
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		stores: make(map[string]map[Key]memEntry),
		opened: make(map[string]bool),
	}
}

func (m *MemBackend) Open(name string) Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = make(map[Key]memEntry)
	}
	m.opened[name] = true
	return &memCache{backend: m, name: name}
}

func (m *MemBackend) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, name)
	delete(m.opened, name)
	return nil
}

func (m *MemBackend) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0)
	for name := range m.stores {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

type memCache struct {
	backend *MemBackend
	name    string
}

func (c *memCache) Match(method, url string) (*http.Response, error) {
	c.backend.mu.RLock()
	defer c.backend.mu.RUnlock()
	entries, ok := c.backend.stores[c.name]
	if !ok {
		return nil, nil
	}
	entry, ok := entries[Key{method, url}]
	if !ok {
		return nil, nil
	}
	return BytesToResponse(entry.bytes)
}

func (c *memCache) Put(method, url string, res *http.Response) error {
	bts, err := ResponseToBytes(res)
	if err != nil {
		return err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	entries, ok := c.backend.stores[c.name]
	if !ok {
		entries = make(map[Key]memEntry)
		c.backend.stores[c.name] = entries
	}
	entries[Key{method, url}] = memEntry{bytes: bts}
	return nil
}

func (c *memCache) Delete(method, url string) (bool, error) {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	entries, ok := c.backend.stores[c.name]
	if !ok {
		return false, nil
	}
	if _, ok := entries[Key{method, url}]; !ok {
		return false, nil
	}
	delete(entries, Key{method, url})
	return true, nil
}

func (c *memCache) Keys() ([]Key, error) {
	c.backend.mu.RLock()
	defer c.backend.mu.RUnlock()
	keys := make([]Key, 0)
	for key := range c.backend.stores[c.name] {
		keys = append(keys, key)
	}
	return keys, nil
}
