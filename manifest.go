// Package offlinecache implements the core of an offline-first HTTP caching
// proxy modeled on a browser service worker: a version manager that pins
// clients to a manifest version, hash-validated static asset caches, and
// LRU+TTL dynamic data caches.
package offlinecache

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
)

// Manifest is the versioned description of an app's cacheable surface.
// It is content-addressed by the SHA-1 of its JSON encoding.
type Manifest struct {
	ConfigVersion int                `json:"configVersion"`
	AppData       map[string]string  `json:"appData,omitempty"`
	AssetGroups   []AssetGroupConfig `json:"assetGroups,omitempty"`
	DataGroups    []DataGroupConfig  `json:"dataGroups,omitempty"`
	// HashTable maps absolute URL paths to the SHA-1 of their bodies.
	// Every URL listed in any asset group's URLs must appear here.
	HashTable map[string]string `json:"hashTable"`
}

// Install modes for asset groups.
const (
	InstallModePrefetch = "prefetch"
	InstallModeLazy     = "lazy"
)

type AssetGroupConfig struct {
	Name        string   `json:"name"`
	InstallMode string   `json:"installMode"`
	URLs        []string `json:"urls"`
	Patterns    []string `json:"patterns,omitempty"`
}

type DataGroupConfig struct {
	Name     string   `json:"name"`
	Patterns []string `json:"patterns"`
	// MaxSize bounds the number of cached responses (LRU evicted).
	MaxSize int `json:"maxSize"`
	// MaxAge is the entry lifetime in milliseconds.
	MaxAge int64 `json:"maxAge"`
	// TimeoutMs optionally bounds the network wait; 0 means no timeout.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// ParseManifest decodes a manifest from its JSON encoding.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &manifest, nil
}

// HashManifest computes the manifest hash: the hex SHA-1 of the manifest's
// JSON encoding. encoding/json serializes map keys in sorted order, so the
// hash is stable across marshal/unmarshal round trips.
func HashManifest(manifest *Manifest) (string, error) {
	data, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	return sha1Bytes(data), nil
}

func sha1Bytes(data []byte) string {
	return fmt.Sprintf("%x", sha1.Sum(data))
}
