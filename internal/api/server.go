// Package api exposes the gateway over HTTP: the dashboard view, the pending
// queue, manual sync and flush, and the operator preferences.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/app"
	"github.com/hydrosense/gateway/internal/dashboard"
	"github.com/hydrosense/gateway/internal/prefs"
	"github.com/hydrosense/gateway/internal/readings"
	"github.com/hydrosense/gateway/internal/syncer"
)

// Gateway is what the handlers need from the running app.
type Gateway interface {
	SyncNow(ctx context.Context) (app.SyncReport, error)
	FlushNow(ctx context.Context) (app.FlushReport, error)
	Status() app.Status
	Pending() []readings.Reading
	Dashboard() *dashboard.State
	Prefs() *prefs.Store
}

// Handlers serves the gateway API.
type Handlers struct {
	gw     Gateway
	logger *logrus.Logger
}

// NewRouter builds the API router. metrics may be nil.
func NewRouter(gw Gateway, metrics http.Handler, logger *logrus.Logger) *mux.Router {
	h := &Handlers{gw: gw, logger: logger}

	r := mux.NewRouter()
	r.Use(h.logRequests)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	r.HandleFunc("/api/status", h.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/latest", h.getLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/sensors", h.getSensors).Methods(http.MethodGet)
	r.HandleFunc("/api/sensors/{id}", h.getSensor).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", h.getStats).Methods(http.MethodGet)
	r.HandleFunc("/api/indicators", h.getIndicators).Methods(http.MethodGet)
	r.HandleFunc("/api/queue", h.getQueue).Methods(http.MethodGet)

	r.HandleFunc("/api/sync", h.postSync).Methods(http.MethodPost)
	r.HandleFunc("/api/flush", h.postFlush).Methods(http.MethodPost)

	r.HandleFunc("/api/filter", h.getFilter).Methods(http.MethodGet)
	r.HandleFunc("/api/filter", h.putFilter).Methods(http.MethodPut)
	r.HandleFunc("/api/filter/{level}/toggle", h.toggleFilter).Methods(http.MethodPost)

	r.HandleFunc("/api/selected", h.getSelected).Methods(http.MethodGet)
	r.HandleFunc("/api/select/{id}", h.putSelected).Methods(http.MethodPut)
	r.HandleFunc("/api/select", h.clearSelected).Methods(http.MethodDelete)

	r.HandleFunc("/api/panels", h.getPanels).Methods(http.MethodGet)
	r.HandleFunc("/api/panels", h.putPanels).Methods(http.MethodPut)

	r.HandleFunc("/api/prefs", h.getPrefs).Methods(http.MethodGet)
	r.HandleFunc("/api/prefs", h.putPrefs).Methods(http.MethodPut)
	r.HandleFunc("/api/prefs/theme/toggle", h.toggleTheme).Methods(http.MethodPost)

	return r
}

func (h *Handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		h.logger.WithFields(logrus.Fields{
			"method":   req.Method,
			"path":     req.URL.Path,
			"duration": time.Since(start),
		}).Debug("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handlers) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Status())
}

func (h *Handlers) getLatest(w http.ResponseWriter, _ *http.Request) {
	r, ok := h.gw.Dashboard().Latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "no data"})
		return
	}
	writeJSON(w, http.StatusOK, r)
}

// getSensors returns the dashboard's filtered sensors, or those matching
// ?risk=high,medium when given.
func (h *Handlers) getSensors(w http.ResponseWriter, req *http.Request) {
	d := h.gw.Dashboard()
	raw := req.URL.Query().Get("risk")
	if raw == "" {
		writeJSON(w, http.StatusOK, d.Sensors())
		return
	}
	levels, err := parseLevels(strings.Split(raw, ","))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, d.SensorsMatching(levels))
}

func (h *Handlers) getSensor(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	s, ok := h.gw.Dashboard().Sensor(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown sensor %q", id))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Dashboard().Stats())
}

func (h *Handlers) getIndicators(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Dashboard().Indicators())
}

func (h *Handlers) getQueue(w http.ResponseWriter, _ *http.Request) {
	pending := h.gw.Pending()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(pending), "readings": pending})
}

func (h *Handlers) postSync(w http.ResponseWriter, req *http.Request) {
	rep, err := h.gw.SyncNow(req.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  err.Error(),
			"status": h.gw.Status().Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handlers) postFlush(w http.ResponseWriter, req *http.Request) {
	rep, err := h.gw.FlushNow(req.Context())
	switch {
	case errors.Is(err, syncer.ErrFlushInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeJSON(w, http.StatusBadGateway, rep)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func parseLevels(raw []string) ([]readings.RiskLevel, error) {
	levels := make([]readings.RiskLevel, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		l, ok := readings.ParseRiskLevel(s)
		if !ok {
			return nil, fmt.Errorf("unknown risk level %q", s)
		}
		levels = append(levels, l)
	}
	return levels, nil
}

type filterBody struct {
	Levels []string `json:"levels"`
}

func (h *Handlers) getFilter(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"levels": h.gw.Dashboard().Filter()})
}

func (h *Handlers) putFilter(w http.ResponseWriter, req *http.Request) {
	var body filterBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	levels, err := parseLevels(body.Levels)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d := h.gw.Dashboard()
	d.SetFilter(levels)
	writeJSON(w, http.StatusOK, map[string]any{"levels": d.Filter()})
}

func (h *Handlers) toggleFilter(w http.ResponseWriter, req *http.Request) {
	l, ok := readings.ParseRiskLevel(mux.Vars(req)["level"])
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown risk level %q", mux.Vars(req)["level"]))
		return
	}
	d := h.gw.Dashboard()
	enabled := d.ToggleRisk(l)
	writeJSON(w, http.StatusOK, map[string]any{"level": l, "enabled": enabled, "levels": d.Filter()})
}

func (h *Handlers) getSelected(w http.ResponseWriter, _ *http.Request) {
	s, ok := h.gw.Dashboard().Selected()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"selected": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"selected": s})
}

func (h *Handlers) putSelected(w http.ResponseWriter, req *http.Request) {
	if err := h.gw.Dashboard().Select(mux.Vars(req)["id"]); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.getSelected(w, req)
}

func (h *Handlers) clearSelected(w http.ResponseWriter, req *http.Request) {
	_ = h.gw.Dashboard().Select("")
	h.getSelected(w, req)
}

func (h *Handlers) getPanels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.gw.Dashboard().Panels())
}

func (h *Handlers) putPanels(w http.ResponseWriter, req *http.Request) {
	var p dashboard.Panels
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	h.gw.Dashboard().SetPanels(p)
	writeJSON(w, http.StatusOK, p)
}

var errNoPrefs = errors.New("preferences are not persisted on this gateway")

func (h *Handlers) getPrefs(w http.ResponseWriter, _ *http.Request) {
	s := h.gw.Prefs()
	if s == nil {
		writeError(w, http.StatusNotFound, errNoPrefs)
		return
	}
	writeJSON(w, http.StatusOK, s.Get())
}

func (h *Handlers) putPrefs(w http.ResponseWriter, req *http.Request) {
	s := h.gw.Prefs()
	if s == nil {
		writeError(w, http.StatusNotFound, errNoPrefs)
		return
	}
	p := s.Get()
	if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if err := s.Set(p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Get())
}

func (h *Handlers) toggleTheme(w http.ResponseWriter, _ *http.Request) {
	s := h.gw.Prefs()
	if s == nil {
		writeError(w, http.StatusNotFound, errNoPrefs)
		return
	}
	p, err := s.ToggleTheme()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
