package transmission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/hydrosense/gateway/internal/readings"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func sample() *readings.Reading {
	return &readings.Reading{
		TDS:        readings.Float(1200),
		Moisture:   readings.Float(41.5),
		Timestamp:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		SensorID:   readings.DefaultSensorID,
		SensorName: readings.DefaultSensorName,
	}
}

type recorded struct {
	path   string
	apiKey string
	body   map[string]any
}

type ingestServer struct {
	mu     sync.Mutex
	calls  []recorded
	status map[string]int
	reply  string
}

func (s *ingestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.calls = append(s.calls, recorded{path: r.URL.Path, apiKey: r.Header.Get("x-api-key"), body: body})
	code, ok := s.status[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		code = http.StatusNotFound
	}
	w.WriteHeader(code)
	if code < 300 {
		io.WriteString(w, s.reply)
	} else {
		io.WriteString(w, "boom")
	}
}

func (s *ingestServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.path + "|" + c.apiKey
	}
	return out
}

func TestSendFallsBackToLegacyEndpoint(t *testing.T) {
	is := &ingestServer{
		status: map[string]int{"/data": http.StatusInternalServerError, "/sensor": http.StatusOK},
		reply:  `{"message":"ok"}`,
	}
	srv := httptest.NewServer(is)
	defer srv.Close()

	c := NewIngestClient(IngestConfig{BaseURL: srv.URL + "/", APIKey: "TESTKEY"}, srv.Client(), testLogger())
	ack, err := c.Send(context.Background(), sample())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasSuffix(ack.Endpoint, "/sensor") || !ack.WithKey {
		t.Errorf("ack = %+v, want /sensor with key", ack)
	}
	if m, ok := ack.Body.(map[string]any); !ok || m["message"] != "ok" {
		t.Errorf("ack body = %v", ack.Body)
	}

	want := []string{"/data|TESTKEY", "/data|", "/sensor|TESTKEY"}
	got := is.paths()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("attempt order = %v, want %v", got, want)
	}
}

func TestSendPayloadShape(t *testing.T) {
	is := &ingestServer{status: map[string]int{"/data": http.StatusCreated}}
	srv := httptest.NewServer(is)
	defer srv.Close()

	c := NewIngestClient(IngestConfig{BaseURL: srv.URL}, srv.Client(), testLogger())
	ack, err := c.Send(context.Background(), sample())
	if err != nil {
		t.Fatal(err)
	}
	if ack.Body != nil {
		t.Errorf("empty response should give nil body, got %v", ack.Body)
	}

	is.mu.Lock()
	defer is.mu.Unlock()
	if len(is.calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no key configured means a single variant)", len(is.calls))
	}
	body := is.calls[0].body
	checks := map[string]any{
		"salinity":    1200.0,
		"tds":         1200.0,
		"soil":        41.5,
		"moisture":    41.5,
		"temp":        nil,
		"sensor_id":   "tarla-01",
		"sensor_name": "TarlaSensor",
		"timestamp":   "2024-05-01T12:00:00Z",
		"lat":         nil,
	}
	for k, want := range checks {
		got, present := body[k]
		if !present {
			t.Errorf("payload missing %q", k)
			continue
		}
		if got != want {
			t.Errorf("payload[%q] = %v, want %v", k, got, want)
		}
	}
	if is.calls[0].apiKey != "" {
		t.Error("api key header sent without a configured key")
	}
}

func TestSendTotalFailure(t *testing.T) {
	is := &ingestServer{status: map[string]int{"/data": http.StatusBadGateway, "/sensor": http.StatusUnauthorized}}
	srv := httptest.NewServer(is)
	defer srv.Close()

	c := NewIngestClient(IngestConfig{BaseURL: srv.URL, APIKey: "k"}, srv.Client(), testLogger())
	_, err := c.Send(context.Background(), sample())

	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if len(se.Attempts) != 4 {
		t.Errorf("attempts = %d, want 4", len(se.Attempts))
	}
	msg := err.Error()
	for _, want := range []string{srv.URL + "/data", srv.URL + "/sensor", "502", "401", "boom"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}

	var he *HTTPError
	if !errors.As(err, &he) || he.Body != "boom" {
		t.Errorf("expected HTTPError with body, got %v", he)
	}
	if IsNetworkError(err) {
		t.Error("HTTP failures must not classify as network errors")
	}
}

func TestSendNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewIngestClient(IngestConfig{BaseURL: base, Timeout: time.Second}, nil, testLogger())
	_, err := c.Send(context.Background(), sample())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNetworkError(err) {
		t.Errorf("err = %v, want network error", err)
	}
}

func TestBreakerOpensPerEndpoint(t *testing.T) {
	is := &ingestServer{status: map[string]int{"/data": http.StatusServiceUnavailable, "/sensor": http.StatusOK}}
	srv := httptest.NewServer(is)
	defer srv.Close()

	c := NewIngestClient(IngestConfig{BaseURL: srv.URL, BreakerFailures: 2, BreakerOpen: time.Hour}, srv.Client(), testLogger())
	for i := 0; i < 3; i++ {
		if _, err := c.Send(context.Background(), sample()); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	dataCalls := 0
	for _, p := range is.paths() {
		if p == "/data|" {
			dataCalls++
		}
	}
	if dataCalls != 2 {
		t.Errorf("primary endpoint hit %d times, want 2 before the breaker opened", dataCalls)
	}
	if st := c.Status()[srv.URL+"/data"]; st != gobreaker.StateOpen.String() {
		t.Errorf("primary breaker = %s, want open", st)
	}

	// With the legacy endpoint down too, the open breaker shows up as a reason.
	is.mu.Lock()
	is.status["/sensor"] = http.StatusInternalServerError
	is.mu.Unlock()
	_, err := c.Send(context.Background(), sample())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want it to wrap ErrOpenState", err)
	}
}
