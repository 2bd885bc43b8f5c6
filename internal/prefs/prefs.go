// Package prefs persists the operator's display preferences in the key-value
// store next to the reading queue.
package prefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/kvstore"
)

// Preferences mirrors the toggles of the field dashboard.
type Preferences struct {
	Theme       string `json:"theme" yaml:"theme"`       // dark | light
	Mode        string `json:"mode" yaml:"mode"`         // simple | detailed
	Language    string `json:"language" yaml:"language"` // tr | en
	SidebarOpen bool   `json:"sidebarOpen" yaml:"sidebar_open"`
}

// Defaults returns the preferences used before anything was saved.
func Defaults() Preferences {
	return Preferences{
		Theme:       "dark",
		Mode:        "simple",
		Language:    "tr",
		SidebarOpen: true,
	}
}

var allowed = map[string][]string{
	"theme":    {"dark", "light"},
	"mode":     {"simple", "detailed"},
	"language": {"tr", "en"},
}

func oneOf(field, v string) error {
	for _, a := range allowed[field] {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (allowed: %v)", field, v, allowed[field])
}

// Validate checks every enumerated field.
func (p Preferences) Validate() error {
	if err := oneOf("theme", p.Theme); err != nil {
		return err
	}
	if err := oneOf("mode", p.Mode); err != nil {
		return err
	}
	return oneOf("language", p.Language)
}

// Store keeps the current preferences in memory and writes them through to kv.
type Store struct {
	kv     kvstore.KV
	logger *logrus.Logger

	mu  sync.RWMutex
	cur Preferences
}

// Load reads saved preferences. Missing or unreadable data yields the
// defaults; only a backend failure other than not-found is logged.
func Load(kv kvstore.KV, logger *logrus.Logger) *Store {
	s := &Store{kv: kv, logger: logger, cur: Defaults()}

	data, err := kv.Get(kvstore.KeyPreferences)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
		return s
	case err != nil:
		logger.WithError(err).Warn("Failed to read preferences, using defaults")
		return s
	}

	p := Defaults()
	if err := json.Unmarshal(data, &p); err != nil {
		logger.WithError(err).Warn("Stored preferences are corrupt, using defaults")
		return s
	}
	if err := p.Validate(); err != nil {
		logger.WithError(err).Warn("Stored preferences are invalid, using defaults")
		return s
	}
	s.cur = p
	return s
}

// Get returns the current preferences.
func (s *Store) Get() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Set validates and persists p. The in-memory value only changes when the
// write succeeded.
func (s *Store) Set(p Preferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Put(kvstore.KeyPreferences, data); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	s.cur = p
	return nil
}

// ToggleTheme flips between dark and light and persists the result.
func (s *Store) ToggleTheme() (Preferences, error) {
	p := s.Get()
	if p.Theme == "light" {
		p.Theme = "dark"
	} else {
		p.Theme = "light"
	}
	if err := s.Set(p); err != nil {
		return s.Get(), err
	}
	return p, nil
}
