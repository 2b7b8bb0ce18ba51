package backend

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server exposes the KV HTTP surface over a Backend.
type Server struct {
	b   *Backend
	log *logrus.Entry
}

func NewServer(b *Backend, log *logrus.Entry) *Server {
	return &Server{b: b, log: log}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	// _keys must be registered before the {key} routes: mux matches in
	// registration order and would otherwise treat "_keys" as a key.
	r.HandleFunc("/kv/_keys", s.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/kv/cas", s.handleCAS).Methods(http.MethodPost)
	r.HandleFunc("/kv/{key}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/kv/{key}", s.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/lock/acquire/{key}", s.handleLockAcquire).Methods(http.MethodPost)
	r.HandleFunc("/lock/release/{key}", s.handleLockRelease).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// handleKeys is an admin-only listing used by the coordinator's
// snapshot exporter, not part of the client-facing KV surface.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.b.Keys()
	if err != nil {
		s.log.WithError(err).Error("keys")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"keys": keys})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	val, err := s.b.Get(key)
	if err == ErrNotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("key", key).Error("get")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"key": key, "value": json.RawMessage(val)})
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
	if err := s.b.Put(key, body.Value); err != nil {
		s.log.WithError(err).WithField("key", key).Error("put")
		http.Error(w, err.Error(), http.StatusInternalServerError)
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
	// A JSON null old means "expect the key absent"; normalize to nil so
	// the byte-level compare below matches an unwritten key.
	if string(body.Old) == "null" {
		body.Old = nil
	}
	ok, current, err := s.b.CAS(body.Key, body.Old, body.New)
	if err != nil {
		s.log.WithError(err).WithField("key", body.Key).Error("cas")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, map[string]any{"ok": false, "current": json.RawMessage(current)})
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
	ok, exp := s.b.LockAcquire(key, time.Duration(ttlSec)*time.Second)
	if !ok {
		writeJSON(w, map[string]any{"ok": false})
		return
	}
	writeJSON(w, map[string]any{"ok": true, "expires_at": exp.Unix()})
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	s.b.LockRelease(key)
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
