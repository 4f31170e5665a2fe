package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/offlinefarm/dispatcher/pkg/log"
	"github.com/offlinefarm/dispatcher/pkg/metrics"
	"github.com/offlinefarm/dispatcher/pkg/runner"
	"github.com/rs/zerolog"
)

// JobReporter reports the last outcome of each background job
type JobReporter interface {
	Status() map[string]runner.JobStatus
}

// HTTPServer serves health, readiness, metrics and job status endpoints
type HTTPServer struct {
	health *metrics.HealthChecker
	jobs   JobReporter
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

// NewHTTPServer creates an HTTP server listening on addr. jobs may be nil.
func NewHTTPServer(addr string, health *metrics.HealthChecker, jobs JobReporter) *HTTPServer {
	mux := http.NewServeMux()
	hs := &HTTPServer{
		health: health,
		jobs:   jobs,
		mux:    mux,
		logger: log.WithComponent("api"),
	}

	mux.Handle("GET /health", health.HealthHandler())
	mux.Handle("GET /ready", health.ReadyHandler())
	mux.Handle("GET /live", health.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /jobs", hs.jobsHandler)

	hs.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return hs
}

// Start serves until Shutdown is called
func (hs *HTTPServer) Start() error {
	hs.logger.Info().Str("addr", hs.server.Addr).Msg("http server listening")
	if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (hs *HTTPServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for embedding in other servers
func (hs *HTTPServer) Handler() http.Handler {
	return hs.mux
}

func (hs *HTTPServer) jobsHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]runner.JobStatus{}
	if hs.jobs != nil {
		status = hs.jobs.Status()
	}
	writeJSON(w, http.StatusOK, status)
}
