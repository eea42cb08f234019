// Package server provides the HTTP surface of the dataset cache: the
// webhook ingress, the report endpoints and the cached query path.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	datasetcache "github.com/wolfeidau/dataset-cache"
	"github.com/wolfeidau/dataset-cache/refresh"
	"github.com/wolfeidau/dataset-cache/report"
	"github.com/wolfeidau/dataset-cache/store/cachedb"
	"github.com/wolfeidau/dataset-cache/store/jobqueue"
	"github.com/wolfeidau/dataset-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken guards the webhook endpoint when set. Read endpoints stay
	// open.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the dataset cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	cache    *cachedb.DB
	queue    *jobqueue.Queue
	runner   *refresh.Runner
	reporter *report.Reporter
}

// New creates a server over the given components.
func New(cfg Config, cache *cachedb.DB, queue *jobqueue.Queue, runner *refresh.Runner, reporter *report.Reporter) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		cache:    cache,
		queue:    queue,
		runner:   runner,
		reporter: reporter,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // webhook add/update refreshes inline
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthcheck", s.handleHealthcheck)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Report endpoints
	mux.HandleFunc("GET /cache", s.handleStats)
	mux.HandleFunc("GET /cache-reports", s.handleReport)
	mux.HandleFunc("GET /valid", s.handleValidList)

	// Event ingress
	mux.Handle("POST /webhook", s.authMiddleware(http.HandlerFunc(s.handleWebhook)))

	// Cached query path
	mux.HandleFunc("GET /configs", s.handleConfigs)
	mux.HandleFunc("GET /infos", s.handleInfos)
	mux.HandleFunc("GET /splits", s.handleSplits)
	mux.HandleFunc("GET /rows", s.handleRows)
}

// handleHealthcheck handles health check requests.
func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "healthcheck")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats serves the valid/error dataset counts.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache")
	stats, err := s.reporter.Stats(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleReport serves the per-dataset status listing.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache-reports")
	rep, err := s.reporter.Report(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleValidList serves the identifiers of fully valid datasets.
func (s *Server) handleValidList(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "valid")
	list, err := s.reporter.ValidList(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint and cache_result.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != telemetry.CacheNA {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the full handler chain, for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeErrorRecord(w, datasetcache.ErrorRecord{
		StatusCode: datasetcache.StatusInternal,
		Kind:       "Status500Error",
		Message:    "internal error",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeErrorRecord renders a recorded failure as the response body, using
// its own status code.
func writeErrorRecord(w http.ResponseWriter, rec datasetcache.ErrorRecord) {
	writeJSON(w, rec.StatusCode, rec)
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
