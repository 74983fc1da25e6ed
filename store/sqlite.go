package store

import (
	"database/sql"
	"net/http"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteBackend is a Backend persisted in a single sqlite database.
// All named stores share one table keyed by (store, method, url).
type SQLiteBackend struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteBackend creates a new backend with the given filename as the db.
// If the file name is empty, a new in-memory db is opened.
func NewSQLiteBackend(filename string) (*SQLiteBackend, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS responses (
		store TEXT,
		method TEXT,
		url TEXT,
		bytes BLOB,
		PRIMARY KEY (store, method, url)
	)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS store_idx ON responses (store)"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLiteBackend{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteBackend) Open(name string) Cache {
	return &sqliteCache{backend: s, name: name}
}

func (s *SQLiteBackend) Delete(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM responses WHERE store = ?", name)
	return err
}

func (s *SQLiteBackend) List(prefix string) ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT store FROM responses WHERE store LIKE ?", prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqliteCache struct {
	backend *SQLiteBackend
	name    string
}

func (c *sqliteCache) Match(method, url string) (*http.Response, error) {
	var bts []byte
	err := c.backend.db.QueryRow(
		"SELECT bytes FROM responses WHERE store = ? AND method = ? AND url = ?",
		c.name, method, url,
	).Scan(&bts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return BytesToResponse(bts)
}

func (c *sqliteCache) Put(method, url string, res *http.Response) error {
	bts, err := ResponseToBytes(res)
	if err != nil {
		return err
	}
	c.backend.writeMutex.Lock()
	defer c.backend.writeMutex.Unlock()
	_, err = c.backend.db.Exec(
		"INSERT OR REPLACE INTO responses (store, method, url, bytes) VALUES (?, ?, ?, ?)",
		c.name, method, url, bts,
	)
	return err
}

func (c *sqliteCache) Delete(method, url string) (bool, error) {
	c.backend.writeMutex.Lock()
	defer c.backend.writeMutex.Unlock()
	result, err := c.backend.db.Exec(
		"DELETE FROM responses WHERE store = ? AND method = ? AND url = ?",
		c.name, method, url,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (c *sqliteCache) Keys() ([]Key, error) {
	rows, err := c.backend.db.Query(
		"SELECT method, url FROM responses WHERE store = ?", c.name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]Key, 0)
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
