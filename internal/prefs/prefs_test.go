package prefs

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/kvstore"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestLoadDefaults(t *testing.T) {
	s := Load(kvstore.NewMemKV(), testLogger())
	if got := s.Get(); got != Defaults() {
		t.Fatalf("Get() = %+v, want defaults", got)
	}
}

func TestSetPersists(t *testing.T) {
	kv := kvstore.NewMemKV()
	s := Load(kv, testLogger())

	want := Preferences{Theme: "light", Mode: "detailed", Language: "en", SidebarOpen: false}
	if err := s.Set(want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reloaded := Load(kv, testLogger())
	if got := reloaded.Get(); got != want {
		t.Errorf("reloaded = %+v, want %+v", got, want)
	}
}

func TestSetRejectsInvalid(t *testing.T) {
	s := Load(kvstore.NewMemKV(), testLogger())
	tests := []struct {
		name string
		p    Preferences
	}{
		{"theme", Preferences{Theme: "neon", Mode: "simple", Language: "tr"}},
		{"mode", Preferences{Theme: "dark", Mode: "expert", Language: "tr"}},
		{"language", Preferences{Theme: "dark", Mode: "simple", Language: "de"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Set(tt.p); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if s.Get() != Defaults() {
		t.Error("invalid Set changed current preferences")
	}
}

func TestCorruptFallsBackToDefaults(t *testing.T) {
	kv := kvstore.NewMemKV()
	if err := kv.Put(kvstore.KeyPreferences, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if got := Load(kv, testLogger()).Get(); got != Defaults() {
		t.Errorf("Get() = %+v, want defaults", got)
	}
}

func TestToggleTheme(t *testing.T) {
	kv := kvstore.NewMemKV()
	s := Load(kv, testLogger())

	p, err := s.ToggleTheme()
	if err != nil || p.Theme != "light" {
		t.Fatalf("ToggleTheme = %+v, %v", p, err)
	}

	kv.FailPuts = true
	if _, err := s.ToggleTheme(); err == nil {
		t.Fatal("expected persistence error")
	}
	if s.Get().Theme != "light" {
		t.Error("failed toggle changed the theme")
	}
}
