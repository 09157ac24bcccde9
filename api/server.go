// Package api provides the REST surface over the registry, the monitor and
// the sample buffer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"epiclink/acquire"
	"epiclink/config"
	"epiclink/discovery"
	"epiclink/engine"
	"epiclink/logging"
	"epiclink/monitor"
	"epiclink/store"
)

// Server is the REST API server.
type Server struct {
	engine *engine.Engine
	cfg    *config.WebConfig

	mu      sync.RWMutex
	server  *http.Server
	running bool
}

// NewServer creates a server over an engine.
func NewServer(eng *engine.Engine, cfg *config.WebConfig) *Server {
	return &Server{engine: eng, cfg: cfg}
}

// IsRunning reports whether the server is listening.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server base URL.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start begins serving. Idempotent.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logging.DebugError("api", addr, err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	logging.DebugLog("api", "listening on %s", addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Router builds the route tree. Exposed for tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/controllers", s.handleListControllers)
		r.Post("/controllers/remove-offline", s.handleRemoveOffline)
		r.Route("/controllers/{key}", func(r chi.Router) {
			r.Get("/", s.handleGetController)
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/write", s.handleWrite)
		})

		r.Get("/samples/recent", s.handleRecentSamples)
		r.Get("/samples", s.handleQuerySamples)
		r.Get("/buffer/stats", s.handleBufferStats)
		r.Post("/buffer/clear", s.handleBufferClear)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// controllerView is the JSON shape for one controller.
type controllerView struct {
	Key            string    `json:"key"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	IP             string    `json:"ip"`
	MAC            string    `json:"mac"`
	Hostname       string    `json:"hostname,omitempty"`
	Firmware       string    `json:"firmware,omitempty"`
	Status         string    `json:"status"`
	Connection     string    `json:"connection,omitempty"`
	SignalStrength int       `json:"signal_strength"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

func (s *Server) controllerView(rec discovery.Record) controllerView {
	v := controllerView{
		Key:            rec.Key(),
		Name:           rec.Identity.DisplayName(),
		Type:           rec.Identity.Type.String(),
		IP:             rec.Identity.IP,
		MAC:            rec.Identity.MAC,
		Hostname:       rec.Identity.Hostname,
		Firmware:       rec.Identity.FirmwareVersion,
		Status:         rec.Status.String(),
		SignalStrength: rec.SignalStrength,
		FirstSeen:      rec.FirstSeen,
		LastSeen:       rec.LastSeen,
	}
	if st, err := s.engine.Monitor().State(s.workerName(rec.Key())); err == nil {
		v.Connection = st.String()
	}
	return v
}

// workerName resolves a path key (registry key or monitor name) to the
// monitor worker name for the same controller.
func (s *Server) workerName(key string) string {
	if name, ok := s.engine.WorkerFor(key); ok {
		return name
	}
	return key
}

func (s *Server) handleListControllers(w http.ResponseWriter, r *http.Request) {
	records := s.engine.Registry().Controllers()
	views := make([]controllerView, 0, len(records))
	for _, rec := range records {
		views = append(views, s.controllerView(rec))
	}

	writeJSON(w, map[string]interface{}{
		"controllers": views,
		"count":       len(views),
		"online":      s.engine.Registry().OnlineCount(),
	})
}

func (s *Server) handleGetController(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, ok := s.engine.Registry().GetByKey(key)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown controller: "+key)
		return
	}
	writeJSON(w, s.controllerView(rec))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.engine.Monitor().Connect(s.workerName(key)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "connecting"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.engine.Monitor().Disconnect(s.workerName(key)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, monitor.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "disconnecting"})
}

type writeRequest struct {
	Tag   string `json:"tag"`
	Value uint16 `json:"value"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}

	if err := s.engine.Monitor().WriteTag(s.workerName(key), req.Tag, req.Value); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, monitor.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, acquire.ErrUnknownTag):
			status = http.StatusBadRequest
		case errors.Is(err, acquire.ErrNotConnected):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, map[string]interface{}{
		"status": "written",
		"tag":    req.Tag,
		"value":  req.Value,
	})
}

func (s *Server) handleRemoveOffline(w http.ResponseWriter, r *http.Request) {
	removed := s.engine.Registry().RemoveOffline()
	keys := make([]string, 0, len(removed))
	for i := range removed {
		keys = append(keys, removed[i].Key())
	}
	writeJSON(w, map[string]interface{}{
		"removed": keys,
		"count":   len(keys),
	})
}

func (s *Server) handleRecentSamples(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}

	samples := s.engine.Buffer().FindRecent(n)
	writeJSON(w, map[string]interface{}{
		"samples": samples,
		"count":   len(samples),
	})
}

func (s *Server) handleQuerySamples(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tag := q.Get("tag")
	ranged := q.Get("from") != "" || q.Get("to") != ""

	var samples []store.Sample
	switch {
	case tag != "" && ranged:
		from, to, err := parseTimeRange(q.Get("from"), q.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		samples = s.engine.Buffer().FindByTagRange(tag, from, to)
	case tag != "":
		samples = s.engine.Buffer().FindByTagAll(tag)
	case ranged:
		from, to, err := parseTimeRange(q.Get("from"), q.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		samples = s.engine.Buffer().FindRange(from, to)
	default:
		samples = s.engine.Buffer().FindAll()
	}

	writeJSON(w, map[string]interface{}{
		"samples": samples,
		"count":   len(samples),
	})
}

func parseTimeRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now()

	if fromRaw != "" {
		t, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return from, to, fmt.Errorf("invalid from timestamp: %v", err)
		}
		from = t
	}
	if toRaw != "" {
		t, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return from, to, fmt.Errorf("invalid to timestamp: %v", err)
		}
		to = t
	}
	return from, to, nil
}

func (s *Server) handleBufferClear(w http.ResponseWriter, r *http.Request) {
	b := s.engine.Buffer()
	discarded := b.Count()
	b.Clear()
	writeJSON(w, map[string]interface{}{
		"status":    "cleared",
		"discarded": discarded,
	})
}

func (s *Server) handleBufferStats(w http.ResponseWriter, r *http.Request) {
	b := s.engine.Buffer()
	writeJSON(w, map[string]interface{}{
		"capacity":          b.Capacity(),
		"count":             b.Count(),
		"full":              b.IsFull(),
		"utilization":       b.UtilizationPercent(),
		"total_saved":       b.TotalSaved(),
		"total_overwritten": b.TotalOverwritten(),
	})
}
