// Package db layers named tables of JSON values over the response store.
// Each table is a store named "ngsw:db:<table>" whose entries are synthetic
// GET responses for "/<key>" with a JSON body.
package db

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/offline-cache/offline-cache/store"
)

const tablePrefix = "ngsw:db:"

// ErrNotFound is returned by Table.Read when the key is absent.
// Callers distinguish a missing value from a corrupt one with errors.Is.
var ErrNotFound = errors.New("db: not found")

// Database is a collection of named tables.
type Database struct {
	backend store.Backend
	mu      sync.Mutex
	tables  map[string]*Table
}

func New(backend store.Backend) *Database {
	return &Database{
		backend: backend,
		tables:  make(map[string]*Table),
	}
}

// Open returns the table with the given name, creating it if needed.
// Opening the same name twice returns the same table.
func (d *Database) Open(name string) *Table {
	d.mu.Lock()
	defer d.mu.Unlock()
	if table, ok := d.tables[name]; ok {
		return table
	}
	table := &Table{cache: d.backend.Open(tablePrefix + name)}
	d.tables[name] = table
	return table
}

// Delete removes a table and all its entries.
func (d *Database) Delete(name string) error {
	d.mu.Lock()
	delete(d.tables, name)
	d.mu.Unlock()
	return d.backend.Delete(tablePrefix + name)
}

// List returns the names of all tables in the database.
func (d *Database) List() ([]string, error) {
	stores, err := d.backend.List(tablePrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(stores))
	for _, s := range stores {
		names = append(names, strings.TrimPrefix(s, tablePrefix))
	}
	return names, nil
}

// Table is one named mapping of keys to JSON values.
type Table struct {
	cache store.Cache
}

func keyURL(key string) string {
	return "/" + key
}

// Read unmarshals the value stored under key into v.
// It returns ErrNotFound if the key is absent.
func (t *Table) Read(key string, v interface{}) error {
	res, err := t.cache.Match(http.MethodGet, keyURL(key))
	if err != nil {
		return err
	}
	if res == nil {
		return ErrNotFound
	}
	body, err := store.ReadBody(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// Write stores v under key, replacing any previous value.
func (t *Table) Write(key string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return t.cache.Put(http.MethodGet, keyURL(key), store.NewResponse(http.StatusOK, header, body))
}

// Delete removes the value stored under key.
// It reports whether the key was present.
func (t *Table) Delete(key string) (bool, error) {
	return t.cache.Delete(http.MethodGet, keyURL(key))
}

// Keys returns all keys present in the table.
func (t *Table) Keys() ([]string, error) {
	entries, err := t.cache.Keys()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, strings.TrimPrefix(entry.URL, "/"))
	}
	return keys, nil
}
