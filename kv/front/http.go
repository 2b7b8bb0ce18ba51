package front

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// statusFor maps coordinator failures onto the surface's contract:
// no backends or an all-replica failure is 503, anything else 500.
func statusFor(err error) int {
	if errors.Is(err, ErrNoBackends) || errors.Is(err, ErrWriteFailed) || errors.Is(err, ErrReadFailed) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Server exposes the same KV HTTP surface as kv/backend, but backed
// by a replicating Coordinator instead of a single local store. Callers
// (dispatcher, drone sim, gateway) never need to know which replica
// answered.
type Server struct {
	c   *Coordinator
	log *logrus.Entry
}

func NewServer(c *Coordinator, log *logrus.Entry) *Server {
	return &Server{c: c, log: log}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/kv/{key}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/kv/{key}", s.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/kv/cas", s.handleCAS).Methods(http.MethodPost)
	r.HandleFunc("/lock/acquire/{key}", s.handleLockAcquire).Methods(http.MethodPost)
	r.HandleFunc("/lock/release/{key}", s.handleLockRelease).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	val, found, err := s.c.Get(r.Context(), key)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Error("get")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"key": key, "value": val})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.c.Put(r.Context(), key, body.Value); err != nil {
		s.log.WithError(err).WithField("key", key).Error("put")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleCAS(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string          `json:"key"`
		Old json.RawMessage `json:"old"`
		New json.RawMessage `json:"new"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ok, current, err := s.c.CAS(r.Context(), body.Key, body.Old, body.New)
	if err != nil {
		s.log.WithError(err).WithField("key", body.Key).Error("cas")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if !ok {
		writeJSON(w, map[string]any{"ok": false, "current": current})
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	ttlSec := 20
	if v := r.URL.Query().Get("ttl_sec"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			ttlSec = n
		}
	}
	ok, err := s.c.LockAcquire(r.Context(), key, time.Duration(ttlSec)*time.Second)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Error("lock acquire")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, map[string]any{"ok": ok})
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.c.LockRelease(r.Context(), key); err != nil {
		s.log.WithError(err).WithField("key", key).Error("lock release")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
