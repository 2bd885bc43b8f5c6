package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/app"
	"github.com/hydrosense/gateway/internal/dashboard"
	"github.com/hydrosense/gateway/internal/kvstore"
	"github.com/hydrosense/gateway/internal/prefs"
	"github.com/hydrosense/gateway/internal/readings"
	"github.com/hydrosense/gateway/internal/syncer"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeGateway struct {
	dash     *dashboard.State
	prefs    *prefs.Store
	syncErr  error
	flushErr error
	pending  []readings.Reading
}

func newFakeGateway() *fakeGateway {
	d := dashboard.New()
	d.Merge([]readings.Reading{
		{SensorID: "a", TDS: readings.Float(500), Timestamp: time.Now()},
		{SensorID: "b", TDS: readings.Float(3500), Timestamp: time.Now()},
	})
	return &fakeGateway{
		dash:  d,
		prefs: prefs.Load(kvstore.NewMemKV(), testLogger()),
	}
}

func (f *fakeGateway) SyncNow(context.Context) (app.SyncReport, error) {
	if f.syncErr != nil {
		return app.SyncReport{}, f.syncErr
	}
	return app.SyncReport{Queued: true, Flushed: true, Status: "Sent 1 reading(s)"}, nil
}

func (f *fakeGateway) FlushNow(context.Context) (app.FlushReport, error) {
	if f.flushErr != nil {
		return app.FlushReport{Outcome: "failed", Remaining: 2, Error: f.flushErr.Error()}, f.flushErr
	}
	return app.FlushReport{Outcome: "complete", Sent: 2}, nil
}

func (f *fakeGateway) Status() app.Status          { return app.Status{Message: "idle", Online: true} }
func (f *fakeGateway) Pending() []readings.Reading { return f.pending }
func (f *fakeGateway) Dashboard() *dashboard.State { return f.dash }
func (f *fakeGateway) Prefs() *prefs.Store         { return f.prefs }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestReadEndpoints(t *testing.T) {
	gw := newFakeGateway()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) })
	h := NewRouter(gw, metrics, testLogger())

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/status", http.StatusOK},
		{http.MethodGet, "/api/latest", http.StatusOK},
		{http.MethodGet, "/api/sensors", http.StatusOK},
		{http.MethodGet, "/api/sensors/a", http.StatusOK},
		{http.MethodGet, "/api/sensors/zz", http.StatusNotFound},
		{http.MethodGet, "/api/sensors?risk=purple", http.StatusBadRequest},
		{http.MethodGet, "/api/stats", http.StatusOK},
		{http.MethodGet, "/api/indicators", http.StatusOK},
		{http.MethodGet, "/api/queue", http.StatusOK},
		{http.MethodGet, "/api/prefs", http.StatusOK},
		{http.MethodPost, "/api/status", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/prefs", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/sync", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/nothing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if rec := do(t, h, tt.method, tt.path, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestLatestWithoutData(t *testing.T) {
	gw := newFakeGateway()
	gw.dash = dashboard.New()
	rec := do(t, NewRouter(gw, nil, testLogger()), http.MethodGet, "/api/latest", "")
	if rec.Code != http.StatusNotFound || decode[map[string]string](t, rec)["status"] != "no data" {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSensorsByRisk(t *testing.T) {
	h := NewRouter(newFakeGateway(), nil, testLogger())
	rec := do(t, h, http.MethodGet, "/api/sensors?risk=high", "")
	got := decode[[]dashboard.Sensor](t, rec)
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("high-risk sensors = %+v", got)
	}
}

func TestSyncAndFlush(t *testing.T) {
	gw := newFakeGateway()
	h := NewRouter(gw, nil, testLogger())

	if rec := do(t, h, http.MethodPost, "/api/sync", ""); rec.Code != http.StatusOK {
		t.Errorf("sync = %d", rec.Code)
	}
	gw.syncErr = errors.New("device not found")
	rec := do(t, h, http.MethodPost, "/api/sync", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "device not found") {
		t.Errorf("failed sync = %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, h, http.MethodPost, "/api/flush", ""); rec.Code != http.StatusOK {
		t.Errorf("flush = %d", rec.Code)
	}
	gw.flushErr = syncer.ErrFlushInProgress
	if rec := do(t, h, http.MethodPost, "/api/flush", ""); rec.Code != http.StatusConflict {
		t.Errorf("concurrent flush = %d", rec.Code)
	}
	gw.flushErr = errors.New("all endpoints failed")
	rec = do(t, h, http.MethodPost, "/api/flush", "")
	if rec.Code != http.StatusBadGateway || decode[app.FlushReport](t, rec).Remaining != 2 {
		t.Errorf("failed flush = %d %s", rec.Code, rec.Body.String())
	}
}

func TestFilterAndSelection(t *testing.T) {
	gw := newFakeGateway()
	h := NewRouter(gw, nil, testLogger())

	if rec := do(t, h, http.MethodPut, "/api/filter", `{"levels":["high"]}`); rec.Code != http.StatusOK {
		t.Fatalf("put filter = %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[[]dashboard.Sensor](t, do(t, h, http.MethodGet, "/api/sensors", "")); len(got) != 1 {
		t.Errorf("filtered sensors = %d, want 1", len(got))
	}
	if rec := do(t, h, http.MethodPut, "/api/filter", `{"levels":["bogus"]}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad filter = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/filter/low/toggle", ""); rec.Code != http.StatusOK {
		t.Errorf("toggle = %d", rec.Code)
	}
	if got := decode[[]dashboard.Sensor](t, do(t, h, http.MethodGet, "/api/sensors", "")); len(got) != 2 {
		t.Errorf("after toggle sensors = %d, want 2", len(got))
	}

	if rec := do(t, h, http.MethodPut, "/api/select/a", ""); rec.Code != http.StatusOK {
		t.Errorf("select = %d", rec.Code)
	}
	if s, ok := gw.dash.Selected(); !ok || s.ID != "a" {
		t.Errorf("selected = %+v %v", s, ok)
	}
	if rec := do(t, h, http.MethodPut, "/api/select/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("select unknown = %d", rec.Code)
	}
	do(t, h, http.MethodDelete, "/api/select", "")
	if _, ok := gw.dash.Selected(); ok {
		t.Error("selection not cleared")
	}

	if rec := do(t, h, http.MethodPut, "/api/panels", `{"map":true,"sidebar":false}`); rec.Code != http.StatusOK {
		t.Errorf("panels = %d", rec.Code)
	}
	if p := gw.dash.Panels(); !p.Map || p.Sidebar {
		t.Errorf("panels = %+v", p)
	}
}

func TestPrefs(t *testing.T) {
	gw := newFakeGateway()
	h := NewRouter(gw, nil, testLogger())

	rec := do(t, h, http.MethodPut, "/api/prefs", `{"language":"en"}`)
	got := decode[prefs.Preferences](t, rec)
	if rec.Code != http.StatusOK || got.Language != "en" || got.Theme != "dark" {
		t.Errorf("put prefs = %d %+v", rec.Code, got)
	}
	if rec := do(t, h, http.MethodPut, "/api/prefs", `{"theme":"neon"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid prefs = %d", rec.Code)
	}
	if got := decode[prefs.Preferences](t, do(t, h, http.MethodPost, "/api/prefs/theme/toggle", "")); got.Theme != "light" {
		t.Errorf("theme after toggle = %q", got.Theme)
	}

	gw.prefs = nil
	if rec := do(t, h, http.MethodGet, "/api/prefs", ""); rec.Code != http.StatusNotFound {
		t.Errorf("prefs without store = %d", rec.Code)
	}
}
