package refserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Banner is served on GET /.
const Banner = "HydroSense backend running"

// Server routes the backend endpoints to a FileStore.
type Server struct {
	store  *FileStore
	logger *logrus.Logger
}

// NewServer creates the backend handler.
func NewServer(store *FileStore, logger *logrus.Logger) *Server {
	return &Server{store: store, logger: logger}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.banner).Methods(http.MethodGet)
	r.HandleFunc("/data/latest.json", s.latest).Methods(http.MethodGet)
	r.HandleFunc("/data/history.json", s.history).Methods(http.MethodGet)
	r.HandleFunc("/data", s.ingest).Methods(http.MethodPost)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.WithError(err).Error("Data file unavailable")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *Server) banner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner))
}

func (s *Server) latest(w http.ResponseWriter, _ *http.Request) {
	rec, ok, err := s.store.Latest()
	switch {
	case err != nil:
		s.fail(w, err)
	case !ok:
		writeJSON(w, http.StatusOK, map[string]string{"status": "no data"})
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) history(w http.ResponseWriter, _ *http.Request) {
	h, err := s.store.History()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) ingest(w http.ResponseWriter, req *http.Request) {
	var body Record
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON object"})
		return
	}
	rec, err := s.store.Append(body)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.WithFields(logrus.Fields(rec)).Info("Reading stored")
	writeJSON(w, http.StatusOK, map[string]string{"message": "reading stored"})
}
