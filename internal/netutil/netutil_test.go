package netutil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestMonitorTransitions(t *testing.T) {
	var down atomic.Bool
	prober := ProbeFunc(func(context.Context) error {
		if down.Load() {
			return errors.New("unreachable")
		}
		return nil
	})

	m := NewMonitor(prober, nil, testLogger())
	fired := make(chan struct{}, 4)
	m.OnOnline(func() { fired <- struct{}{} })

	ctx := context.Background()
	if m.Check(ctx) {
		t.Fatal("initial online probe reported a reconnect")
	}
	if !m.Online() {
		t.Fatal("monitor should start online")
	}

	down.Store(true)
	if m.Check(ctx) || m.Online() {
		t.Fatal("expected offline")
	}
	if m.Check(ctx) {
		t.Fatal("staying offline is not a transition")
	}

	down.Store(false)
	if !m.Check(ctx) {
		t.Fatal("expected offline to online transition")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("online callback not called")
	}
	if m.Check(ctx) {
		t.Error("staying online is not a transition")
	}
	select {
	case <-fired:
		t.Error("callback fired without a transition")
	default:
	}
}

type fakeReviver struct {
	calls   int
	revived bool
	after   func()
}

func (f *fakeReviver) Revive(context.Context) (bool, error) {
	f.calls++
	if f.after != nil {
		f.after()
	}
	return f.revived, nil
}

func TestMonitorReviver(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	prober := ProbeFunc(func(context.Context) error {
		if down.Load() {
			return errors.New("no route")
		}
		return nil
	})
	rv := &fakeReviver{revived: true, after: func() { down.Store(false) }}

	m := NewMonitor(prober, rv, testLogger())
	m.Check(context.Background())
	if rv.calls != 1 {
		t.Fatalf("reviver calls = %d, want 1", rv.calls)
	}
	if !m.Online() {
		t.Error("revived link should count as online")
	}
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	p := HTTPProber{URL: srv.URL, Client: srv.Client()}
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("404 answer should prove connectivity: %v", err)
	}
	srv.Close()
	if err := p.Probe(context.Background()); err == nil {
		t.Error("expected error against closed server")
	}
}

func TestNewTCPProber(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://backend.lan:3000/data", "backend.lan:3000"},
		{"https://ingest.example.com", "ingest.example.com:443"},
		{"http://10.0.0.5", "10.0.0.5:80"},
	}
	for _, tt := range tests {
		p, err := NewTCPProber(tt.in)
		if err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if p.Addr != tt.want {
			t.Errorf("%s: addr = %s, want %s", tt.in, p.Addr, tt.want)
		}
	}
}

func TestIsLocalHost(t *testing.T) {
	tests := map[string]bool{
		"localhost":         true,
		"127.0.0.1":         true,
		"192.168.1.20":      true,
		"10.1.2.3":          true,
		"fd00::1":           true,
		"gateway.local":     true,
		"nas.lan":           true,
		"8.8.8.8":           false,
		"api.hydrosense.io": false,
	}
	for host, want := range tests {
		if got := IsLocalHost(host); got != want {
			t.Errorf("IsLocalHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestAndroidWiFiRevive(t *testing.T) {
	var wifiOn atomic.Bool
	var cmds []string
	w := NewAndroidWiFi(testLogger())
	w.settle = time.Millisecond
	w.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		cmds = append(cmds, name+" "+strings.Join(args, " "))
		switch name {
		case "settings":
			if wifiOn.Load() {
				return []byte("1\n"), nil
			}
			return []byte("0\n"), nil
		case "svc":
			wifiOn.Store(true)
			return nil, nil
		}
		return nil, errors.New("unexpected command")
	}

	revived, err := w.Revive(context.Background())
	if err != nil || !revived {
		t.Fatalf("Revive = %v, %v", revived, err)
	}
	if len(cmds) != 3 || cmds[1] != "svc wifi enable" {
		t.Errorf("commands = %v", cmds)
	}

	revived, err = w.Revive(context.Background())
	if err != nil || revived {
		t.Errorf("already enabled: Revive = %v, %v", revived, err)
	}
}
