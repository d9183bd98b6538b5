// Package server is the REST surface. One process mounts the job API, the
// memory API (ingest, search, delete, watch), the worker façades and the
// monitor endpoints on a single chi router; the orchestrator still reaches
// the façades over HTTP, so splitting them onto separate hosts is a config
// change, not a code change.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dossier/internal/config"
	"dossier/internal/ingest"
	"dossier/internal/jobs"
	"dossier/internal/logging"
	"dossier/internal/maker"
	"dossier/internal/monitor"
	"dossier/internal/search"
	"dossier/internal/store"
	"dossier/internal/workers/export"
	"dossier/internal/workers/research"
	"dossier/internal/workers/retrieve"
	"dossier/internal/workers/transform"
	"dossier/internal/workers/verify"
)

// Deps carries everything the handlers touch. Optional capabilities may be
// nil; their endpoints then answer 503 with a configuration hint instead of
// panicking, the same way the platform degrades when a connector has no
// credentials.
type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Pipeline *ingest.Pipeline
	Searcher *search.Searcher
	Orch     *jobs.Orchestrator
	Sweeper  *jobs.Sweeper
	Monitor  *monitor.Monitor
	Engine   *maker.Engine

	DriveWatch *jobs.DriveWatchManager
	Fileshare  *jobs.FileshareManager
	Email      *jobs.EmailPoller

	Researcher  *research.Worker
	Verifier    *verify.Worker
	Retriever   *retrieve.Worker
	Transformer *transform.Worker
	Exporter    *export.Worker

	// SamplerModel and SamplerProvider feed the service metadata endpoint.
	SamplerModel    string
	SamplerProvider string
}

// Server serves the platform API.
type Server struct {
	deps Deps
	cfg  *config.Config

	// baseCtx outlives individual requests; webhook-triggered ingestion and
	// watcher goroutines run on it so a 200 response does not cancel the
	// re-enumeration it acknowledged.
	baseCtx context.Context

	httpServer *http.Server
}

// New builds a server around its dependencies. baseCtx bounds background
// work the handlers spawn; pass the process context, not a request context.
func New(baseCtx context.Context, deps Deps) *Server {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{deps: deps, cfg: deps.Config, baseCtx: baseCtx}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	// Job API.
	r.Post("/start_job", s.handleStartJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/job_status/{job_id}", s.handleJobStatus)
	r.Post("/cancel_job/{job_id}", s.handleCancelJob)

	// Memory API.
	r.Post("/ingest", s.handleIngest)
	r.Post("/search", s.handleSearch)
	r.Delete("/doc/{doc_id}", s.handleDeleteDoc)

	// Watchers and push webhooks.
	r.Post("/watch/start", s.handleWatchDrive)
	r.Post("/watch/email", s.handleWatchEmail)
	r.Post("/watch/fileshare", s.handleWatchFileshare)
	r.Get("/watch/fileshare", s.handleListFileshare)
	r.Delete("/watch/fileshare/{watcher_id}", s.handleStopFileshare)
	r.Post("/webhook/drive", s.handleDriveWebhook)
	r.Post("/webhook/gcs", s.handleGCSWebhook)

	// Worker façades. The orchestrator calls these over HTTP even when they
	// share its process.
	r.Post("/research", s.handleResearch)
	r.Post("/verify_claims", s.handleVerifyClaims)
	r.Post("/fetch_data", s.handleFetchData)
	r.Post("/transform", s.handleTransform)
	r.Post("/export", s.handleExport)

	// Monitor surface.
	r.Post("/log", s.handleMonitorLog)
	r.Get("/events", s.handleMonitorEvents)
	r.Get("/alerts", s.handleMonitorAlerts)
	r.Get("/qa_report/{job_id}", s.handleQAReport)
	r.Get("/maker/threshold/{doc_id}", s.handleMakerThreshold)
	if s.cfg == nil || s.cfg.Monitor.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", monitor.Handler())
	}

	return r
}

// ListenAndServe runs the server until ctx ends, then drains connections
// within the configured shutdown window.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":8080"
	readTimeout := 30 * time.Second
	writeTimeout := 330 * time.Second
	shutdownTimeout := 15 * time.Second
	if s.cfg != nil {
		if s.cfg.Server.ListenAddr != "" {
			addr = s.cfg.Server.ListenAddr
		}
		readTimeout = parseServerDuration(s.cfg.Server.ReadTimeout, readTimeout)
		// Write timeout stays above the 300s worker ceiling so a slow
		// consensus stage cannot be cut off mid-response.
		writeTimeout = parseServerDuration(s.cfg.Server.WriteTimeout, writeTimeout)
		shutdownTimeout = parseServerDuration(s.cfg.Server.ShutdownTimeout, shutdownTimeout)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Server("Listening on %s", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logging.Server("Shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func parseServerDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// handleRoot reports service metadata, including the consensus settings the
// verifier runs under.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	meta := map[string]interface{}{
		"service": "dossier",
		"status":  "running",
	}
	if s.cfg != nil {
		meta["version"] = s.cfg.Version
		meta["maker_k"] = s.cfg.Maker.K
		meta["maker_max_rounds"] = s.cfg.Maker.MaxRounds
	}
	if s.deps.SamplerProvider != "" {
		meta["llm_provider"] = s.deps.SamplerProvider
		meta["llm_model"] = s.deps.SamplerModel
	}
	writeJSON(w, http.StatusOK, meta)
}

// handleHealth reports per-capability readiness. Degraded capabilities do
// not fail the probe; a deployment without Drive credentials is healthy, it
// just cannot watch Drive folders.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	caps := map[string]bool{
		"store":    s.deps.Store != nil,
		"pipeline": s.deps.Pipeline != nil,
		"search":   s.deps.Searcher != nil,
		"jobs":     s.deps.Orch != nil,
		"drive":    s.deps.DriveWatch != nil,
		"email":    s.deps.Email != nil,
		"monitor":  s.deps.Monitor != nil,
	}
	if s.deps.Store != nil {
		caps["vector_extension"] = s.deps.Store.VectorExtension()
	}
	if s.deps.Researcher != nil {
		for name, ok := range s.deps.Researcher.Health() {
			caps["research_"+name] = ok
		}
	}
	if s.deps.Retriever != nil {
		for name, ok := range s.deps.Retriever.Health() {
			caps["retrieve_"+name] = ok
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"capabilities": caps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

// logRequests writes one access line per request through the server
// category, tagged with the chi request id.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		reqID := middleware.GetReqID(r.Context())
		logging.WithRequestID(logging.CategoryServer, reqID).Info(
			"%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}
