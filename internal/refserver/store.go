// Package refserver is the reference ingestion backend: it accepts readings on
// POST /data, keeps them in a JSON file and serves the latest record and the
// full history back to gateways.
package refserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one stored reading as received, plus the server timestamp.
type Record map[string]any

type document struct {
	History []Record `json:"history"`
}

// FileStore keeps every record in a single JSON document that is rewritten
// wholesale on each append.
type FileStore struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// OpenFileStore creates the document with an empty history when path does not
// exist yet.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, now: time.Now}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		if err := s.write(document{History: []Record{}}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat data file: %w", err)
	}
	return s, nil
}

// SetClock overrides the clock used for server timestamps.
func (s *FileStore) SetClock(now func() time.Time) { s.now = now }

func (s *FileStore) read() (document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return document{}, fmt.Errorf("failed to read data file: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("failed to parse data file: %w", err)
	}
	if doc.History == nil {
		doc.History = []Record{}
	}
	return doc, nil
}

func (s *FileStore) write(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}
	return nil
}

// History returns every record, oldest first.
func (s *FileStore) History() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	return doc.History, nil
}

// Latest returns the newest record; ok is false when nothing was stored yet.
func (s *FileStore) Latest() (rec Record, ok bool, err error) {
	h, err := s.History()
	if err != nil || len(h) == 0 {
		return nil, false, err
	}
	return h[len(h)-1], true, nil
}

// Append stores body with a server-side "timestamp", overriding any timestamp
// sent by the client.
func (s *FileStore) Append(body Record) (Record, error) {
	rec := make(Record, len(body)+1)
	for k, v := range body {
		rec[k] = v
	}
	rec["timestamp"] = s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	doc.History = append(doc.History, rec)
	if err := s.write(doc); err != nil {
		return nil, err
	}
	return rec, nil
}
