// Package api serves the operator and UI surface: stats and queue
// projections, per-stage pause/resume, the bulk reset, the failure audit,
// Prometheus metrics and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/branport/shrinkd/internal/events"
	"github.com/branport/shrinkd/internal/log"
	"github.com/branport/shrinkd/internal/media"
	"github.com/branport/shrinkd/internal/stage"
	"github.com/branport/shrinkd/internal/store"
)

// statsTTL caps how often the expensive projection hits the database.
const statsTTL = time.Second

// Server owns the HTTP surface.
type Server struct {
	store     *store.Store
	bus       *events.Bus
	pipelines map[media.Stage]*stage.Pipeline

	statsMu      sync.Mutex
	cachedStats  *store.Stats
	statsFetched time.Time
}

// New builds the server.
func New(st *store.Store, bus *events.Bus, pipelines map[media.Stage]*stage.Pipeline) *Server {
	return &Server{store: st, bus: bus, pipelines: pipelines}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/stats", s.handleStats)
			r.Get("/savings", s.handleSavings)
			r.Get("/queue/{stage}", s.handleQueue)
			r.Get("/failures", s.handleFailures)
			r.Post("/failures/{id}/resolve", s.handleResolveFailure)
			r.Post("/stages/{stage}/pause", s.handlePause)
			r.Post("/stages/{stage}/resume", s.handleResume)
			r.Post("/reset", s.handleReset)
		})
		// The event stream stays open indefinitely; no timeout.
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Serve runs the HTTP server until the context ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.statsMu.Lock()
	if s.cachedStats != nil && time.Since(s.statsFetched) < statsTTL {
		st := s.cachedStats
		s.statsMu.Unlock()
		writeJSON(w, http.StatusOK, s.decorateStats(st))
		return
	}
	s.statsMu.Unlock()

	st, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.statsMu.Lock()
	s.cachedStats = st
	s.statsFetched = time.Now()
	s.statsMu.Unlock()

	writeJSON(w, http.StatusOK, s.decorateStats(st))
}

// statsView joins the DB projection with live pipeline flags.
type statsView struct {
	*store.Stats
	Stages map[string]stageView `json:"stages"`
}

type stageView struct {
	Paused   bool `json:"paused"`
	InFlight bool `json:"in_flight"`
}

func (s *Server) decorateStats(st *store.Stats) statsView {
	view := statsView{Stats: st, Stages: make(map[string]stageView, len(s.pipelines))}
	for name, p := range s.pipelines {
		view.Stages[string(name)] = stageView{Paused: !p.Running(), InFlight: p.InFlight()}
	}
	return view
}

func (s *Server) handleSavings(w http.ResponseWriter, r *http.Request) {
	rollup, err := s.store.SavingsByLibrary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	st, ok := s.stageParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, nil)
		return
	}
	limit := queryInt(r, "limit", 10)
	videos, err := s.store.NextForStage(r.Context(), st, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	st := media.Stage(r.URL.Query().Get("stage"))
	if st != "" && !st.Valid() {
		writeError(w, http.StatusNotFound, nil)
		return
	}
	limit := queryInt(r, "limit", 50)
	failures, err := s.store.RecentFailures(r.Context(), st, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

func (s *Server) handleResolveFailure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.ResolveFailure(r.Context(), id); err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, nil)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipelineParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, nil)
		return
	}
	p.Pause("operator request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipelineParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, nil)
		return
	}
	p.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ResetFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Wake every producer; reset rows are analysis work again.
	for _, p := range s.pipelines {
		p.Producer().DispatchAvailable()
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
}

func (s *Server) stageParam(r *http.Request) (media.Stage, bool) {
	st := media.Stage(chi.URLParam(r, "stage"))
	return st, st.Valid()
}

func (s *Server) pipelineParam(r *http.Request) (*stage.Pipeline, bool) {
	st, ok := s.stageParam(r)
	if !ok {
		return nil, false
	}
	p, ok := s.pipelines[st]
	return p, ok
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
