package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/dashboard"
	"github.com/hydrosense/gateway/internal/readings"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPollMergesIntoDashboard(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(LatestPath, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"latest":{"tds":3200,"nem":18,"syncedAt":"2024-05-01T12:05:00Z","sensorId":"S9"}}`)
	})
	mux.HandleFunc(HistoryPath, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"history":[
			{"tds":1200,"timestamp":"2024-05-01T12:00:00Z"},
			{"tds":1250,"timestamp":"2024-05-01T12:01:00Z"},
			{"status":"no measurement"}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	state := dashboard.New()
	p := NewPoller(srv.URL, srv.Client(), state, testLogger())

	if !p.PollHistory(context.Background()) || !p.PollLatest(context.Background()) {
		t.Fatal("poll skipped")
	}

	def, ok := state.Sensor(readings.DefaultSensorID)
	if !ok || len(def.DataPoints) != 2 {
		t.Fatalf("default sensor = %+v", def)
	}
	s9, ok := state.Sensor("S9")
	if !ok || s9.RiskLevel != readings.RiskHigh || *s9.Latest.Moisture != 18 {
		t.Fatalf("S9 = %+v", s9)
	}
	if msg, last := p.Status(); !strings.Contains(msg, "updated") || last.IsZero() {
		t.Errorf("status = %q %v", msg, last)
	}
}

func TestPollSwallowsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	state := dashboard.New()
	p := NewPoller(srv.URL, srv.Client(), state, testLogger())

	var kinds []string
	var mu sync.Mutex
	p.OnOutcome(func(kind string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			kinds = append(kinds, kind)
		}
	})

	p.PollLatest(context.Background())
	p.PollHistory(context.Background())

	if state.Count() != 0 {
		t.Error("failed poll changed the dashboard")
	}
	msg, _ := p.Status()
	if !strings.Contains(msg, "503") {
		t.Errorf("status = %q, want it to mention 503", msg)
	}
	if strings.Join(kinds, ",") != "latest,history" {
		t.Errorf("failure hooks = %v", kinds)
	}
}

func TestLatestNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"no data"}`)
	}))
	defer srv.Close()

	p := NewPoller(srv.URL, srv.Client(), dashboard.New(), testLogger())
	r, err := p.FetchLatest(context.Background())
	if err != nil || r != nil {
		t.Fatalf("FetchLatest = %v, %v; want nil, nil", r, err)
	}
	p.PollLatest(context.Background())
}

func TestOverlappingPollSkipped(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	p := NewPoller(srv.URL, srv.Client(), dashboard.New(), testLogger())
	done := make(chan bool)
	go func() { done <- p.PollHistory(context.Background()) }()

	<-entered
	if p.PollHistory(context.Background()) {
		t.Error("overlapping history poll was not skipped")
	}
	close(release)
	if !<-done {
		t.Error("first poll reported skipped")
	}
}

func TestRunWaitsForInFlightPolls(t *testing.T) {
	entered := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewPoller(srv.URL, srv.Client(), dashboard.New(), testLogger())
	var finished atomic.Int32
	p.OnOutcome(func(string, error) { finished.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, time.Hour, time.Hour) }()

	<-entered
	<-entered
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n := finished.Load(); n != 2 {
		t.Errorf("Run returned with %d of 2 polls finished", n)
	}
}
