// Package httpapi exposes the certificate catalog and the scheduler over
// the /v1 HTTP surface, plus a Prometheus exposition endpoint and a
// refresh-run history endpoint.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doomsgate/doomsgate/internal/catalog"
	"github.com/doomsgate/doomsgate/internal/duration"
	"github.com/doomsgate/doomsgate/internal/history"
	"github.com/doomsgate/doomsgate/internal/metrics"
	"github.com/doomsgate/doomsgate/internal/populate"
	"github.com/doomsgate/doomsgate/internal/schedule"
)

// Version is reported by /v1/info. The serve command sets it to the build
// version the CLI was given before building the Server.
var Version = "dev"

// Server wires the catalog, populator, and scheduler into an http.Handler.
type Server struct {
	cache     *catalog.Cache
	populator *populate.Populator
	scheduler *schedule.Scheduler
	history   *history.Store // may be nil: /v1/history then 404s
	metrics   *metrics.Collector
	promH     http.Handler
	auth      AuthProvider
	log       *slog.Logger
	mux       *http.ServeMux
}

// New builds the full route table. auth may be NoAuth{} to disable
// authentication entirely. The Prometheus registry backing collector is
// scraped fresh on every GET /metrics — collector.Update runs synchronously
// against the live cache and scheduler first, so there is no separate
// collection loop to keep running.
func New(cache *catalog.Cache, populator *populate.Populator, sched *schedule.Scheduler, hist *history.Store, collector *metrics.Collector, reg *prometheus.Registry, auth AuthProvider, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cache:     cache,
		populator: populator,
		scheduler: sched,
		history:   hist,
		metrics:   collector,
		promH:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		auth:      auth,
		log:       log,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/info", s.handleInfo)
	s.mux.HandleFunc("POST /v1/auth", s.handleAuth)
	s.mux.HandleFunc("GET /v1/cache", requireAuth(s.auth, s.handleCache))
	s.mux.HandleFunc("POST /v1/cache/refresh", requireAuth(s.auth, s.handleRefresh))
	s.mux.HandleFunc("GET /v1/scheduler", requireAuth(s.auth, s.handleScheduler))
	s.mux.HandleFunc("GET /v1/history", requireAuth(s.auth, s.handleHistory))
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Update(s.cache, s.scheduler)
	s.promH.ServeHTTP(w, r)
}

// ServeHTTP makes Server itself an http.Handler, wrapped in request logging.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withLogging(s.mux.ServeHTTP)(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.log.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("httpapi: response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// infoResponse is the /v1/info body.
type infoResponse struct {
	Version      string `json:"version"`
	AuthRequired bool   `json:"auth_required"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Version:      Version,
		AuthRequired: s.auth.RequiresAuth(),
	})
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	token, expiresAt, ok := s.auth.Authenticate(req.Username, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, ExpiresAt: expiresAt})
}

// cacheItemPath is one location a certificate was observed.
type cacheItemPath struct {
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

// cacheItem is the wire shape of one certificate in the /v1/cache response.
type cacheItem struct {
	NotAfter time.Time       `json:"not_after"`
	Subject  string          `json:"subject"`
	Paths    []cacheItemPath `json:"paths"`
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	filter := catalog.Filter{Kind: catalog.FilterAll}
	if within := r.URL.Query().Get("within"); within != "" {
		d, err := duration.Parse(within)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid within duration: "+err.Error())
			return
		}
		filter = catalog.Filter{Kind: catalog.FilterWithin, Threshold: d}
	} else if beyond := r.URL.Query().Get("beyond"); beyond != "" {
		d, err := duration.Parse(beyond)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid beyond duration: "+err.Error())
			return
		}
		filter = catalog.Filter{Kind: catalog.FilterBeyond, Threshold: d}
	}

	records := s.cache.List(filter)
	items := make([]cacheItem, len(records))
	for i, rec := range records {
		paths := make([]cacheItemPath, len(rec.Paths))
		for j, p := range rec.Paths {
			paths[j] = cacheItemPath{Backend: p.Backend, Path: p.Path}
		}
		items[i] = cacheItem{Subject: rec.Subject, NotAfter: rec.NotAfter, Paths: paths}
	}
	writeJSON(w, http.StatusOK, items)
}

type refreshRequest struct {
	Backends []string `json:"backends,omitempty"`
}

// refreshResponse is the immediate response to POST /v1/cache/refresh: the
// scheduler's coalesced batch id for this trigger. The refresh itself runs
// asynchronously — poll GET /v1/scheduler to see it complete.
type refreshResponse struct {
	BatchID string `json:"batch_id"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	batchID := s.scheduler.TriggerAdHoc(req.Backends)
	writeJSON(w, http.StatusAccepted, refreshResponse{BatchID: batchID})
}

type schedulerResponse struct {
	Workers      int `json:"workers"`
	PendingTasks int `json:"pending_tasks"`
	RunningTasks int `json:"running_tasks"`
}

func (s *Server) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	statuses := s.scheduler.Status()
	resp := schedulerResponse{Workers: s.scheduler.Workers()}
	for _, st := range statuses {
		switch st.State {
		case schedule.StateQueued:
			resp.PendingTasks++
		case schedule.StateRunning:
			resp.RunningTasks++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.NotFound(w, r)
		return
	}
	backend := r.URL.Query().Get("backend")
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.history.List(backend, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
