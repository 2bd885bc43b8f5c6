// Package queue implements the durable list of readings awaiting delivery to
// the ingestion service.
package queue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/kvstore"
	"github.com/hydrosense/gateway/internal/readings"
)

var (
	// ErrCorrupt marks a persisted queue that could not be decoded. It is only
	// logged; the store starts empty instead.
	ErrCorrupt = errors.New("queue: persisted value is corrupt")

	// ErrNotMeaningful is returned by Enqueue for a reading without any
	// finite measurement. Such readings are never stored.
	ErrNotMeaningful = errors.New("queue: reading has no measurement")
)

// Store is the pending-readings queue. The in-memory list is authoritative and
// is written back to the KV after every mutation.
type Store struct {
	mu     sync.Mutex
	kv     kvstore.KV
	key    string
	codec  Codec
	logger *logrus.Logger

	items []readings.Reading
	dirty bool // last persist failed

	newID func() string
}

// Open loads the queue from kv. A missing key yields an empty queue; so does a
// value that fails to decode (logged as a warning).
func Open(kv kvstore.KV, codec Codec, logger *logrus.Logger) *Store {
	if codec == nil {
		codec = JSONCodec{}
	}
	s := &Store{
		kv:     kv,
		key:    kvstore.KeyQueue,
		codec:  codec,
		logger: logger,
		newID:  uuid.NewString,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := s.kv.Get(s.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read persisted queue, starting empty")
		return
	}
	if len(data) == 0 {
		return
	}

	list, err := s.codec.Unmarshal(data)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"codec": s.codec.Name(),
			"bytes": len(data),
		}).WithError(fmt.Errorf("%w: %v", ErrCorrupt, err)).Warn("Discarding unreadable queue")
		return
	}

	// Entries written before IDs existed still need one to be drainable.
	for i := range list {
		if list[i].ID == "" {
			list[i].ID = s.newID()
		}
	}
	s.items = list
	s.logger.WithField("pending", len(list)).Debug("Loaded persisted queue")
}

// Enqueue appends r with a fresh ID and persists the queue. A persistence
// error is returned for reporting only: the entry stays queued in memory and
// the next mutation retries the write.
func (s *Store) Enqueue(r readings.Reading) (readings.Reading, error) {
	if !r.Meaningful() {
		return r, ErrNotMeaningful
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := r.Clone()
	entry.ID = s.newID()
	s.items = append(s.items, entry)

	return entry.Clone(), s.persistLocked()
}

// PeekAll returns a copy of the queue in insertion order.
func (s *Store) PeekAll() []readings.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]readings.Reading, len(s.items))
	for i, r := range s.items {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of pending entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Drain removes the entries with the given IDs. The remaining list is
// computed in full under the lock before it is persisted, so entries enqueued
// while a flush was sending are kept.
func (s *Store) Drain(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	remove := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := make([]readings.Reading, 0, len(s.items))
	for _, r := range s.items {
		if _, ok := remove[r.ID]; ok {
			continue
		}
		remaining = append(remaining, r)
	}
	if len(remaining) == len(s.items) && !s.dirty {
		return nil
	}
	s.items = remaining
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	data, err := s.codec.Marshal(s.items)
	if err != nil {
		s.dirty = true
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	if err := s.kv.Put(s.key, data); err != nil {
		s.dirty = true
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	s.dirty = false
	return nil
}
