// Package kvstore holds the small key-value stores backing the gateway's local
// persistence: the pending-readings queue, UI preferences and the cached
// geolocation fix each live under their own key.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SQLiteFile is the database name used when an sqlite path is a directory.
const SQLiteFile = "hydrosense.db"

// Well-known keys.
const (
	KeyQueue       = "hydrosense-ble-segments"
	KeyPreferences = "hydrosense-prefs"
	KeyLocation    = "hydrosense-location"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("kvstore: key not found")

// KV is a minimal byte-oriented key-value store.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Open returns a KV for the given backend name ("file", "sqlite" or
// "memory"). path is a directory for "file" and a database file for "sqlite".
func Open(backend, path string) (KV, error) {
	switch backend {
	case "file", "":
		return NewFileKV(path)
	case "sqlite":
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			path = filepath.Join(path, SQLiteFile)
		} else if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite store: failed to create %s: %w", dir, err)
			}
		}
		return NewSQLiteKV(path)
	case "memory":
		return NewMemKV(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (supported: file, sqlite, memory)", backend)
	}
}

// MemKV is an in-process KV, used in tests and when persistence is disabled.
type MemKV struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailPuts makes every Put fail; lets callers exercise their
	// persistence-error paths.
	FailPuts bool
}

// NewMemKV returns an empty in-memory store.
func NewMemKV() *MemKV { return &MemKV{data: make(map[string][]byte)} }

func (m *MemKV) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemKV) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return fmt.Errorf("memory store: writes disabled")
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemKV) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemKV) Close() error { return nil }
