package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/yangwenmai/cookiepool/internal/attempts"
	"github.com/yangwenmai/cookiepool/internal/cookies"
	"github.com/yangwenmai/cookiepool/internal/metrics"
	"github.com/yangwenmai/cookiepool/internal/model"
	"github.com/yangwenmai/cookiepool/internal/scheduler"
)

// maxRequestBody is the maximum allowed request body size (1 MB).
const maxRequestBody int64 = 1 << 20

// ArtifactService serves artifacts to consumers.
type ArtifactService interface {
	SelectBest(ctx context.Context, f cookies.Filter) (*model.Artifact, error)
	RecordFeedback(ctx context.Context, id string, success bool) (*model.Artifact, error)
	Get(ctx context.Context, id string) (*model.Artifact, error)
	List(ctx context.Context, limit int) ([]model.Artifact, error)
	Count(ctx context.Context, activeOnly bool) (int, error)
}

// PoolController starts, stops and reconfigures acquisition.
type PoolController interface {
	Start()
	Stop(ctx context.Context) error
	Status() scheduler.Status
	Config() scheduler.Config
	UpdateConfig(cfg scheduler.Config) error
}

// StatsSource reports attempt statistics.
type StatsSource interface {
	Stats(ctx context.Context, limit int) (attempts.Stats, error)
}

// Options tunes the server.
type Options struct {
	// CORSOrigin is the allowed origin; empty means "*".
	CORSOrigin string
	Logger     zerolog.Logger
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	pool   ArtifactService
	ctl    PoolController
	stats  StatsSource
	opts   Options
	logger zerolog.Logger
	mux    *http.ServeMux
}

// New creates a new API server.
func New(pool ArtifactService, ctl PoolController, stats StatsSource, opts Options) *Server {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	srv := &Server{
		pool:   pool,
		ctl:    ctl,
		stats:  stats,
		opts:   opts,
		logger: opts.Logger,
		mux:    http.NewServeMux(),
	}
	srv.routes()
	return srv
}

// Handler returns the root http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.opts.CORSOrigin, limitBody(jsonContent(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/cookies", s.handleListArtifacts)
	s.mux.HandleFunc("GET /api/cookies/best", s.handleBest)
	s.mux.HandleFunc("GET /api/cookies/{id}", s.handleGetArtifact)
	s.mux.HandleFunc("POST /api/cookies/{id}/feedback", s.handleFeedback)
	s.mux.HandleFunc("GET /api/pool/status", s.handlePoolStatus)
	s.mux.HandleFunc("POST /api/pool/start", s.handlePoolStart)
	s.mux.HandleFunc("POST /api/pool/stop", s.handlePoolStop)
	s.mux.HandleFunc("PATCH /api/pool/config", s.handlePoolConfig)
	s.mux.HandleFunc("GET /api/attempts/stats", s.handleAttemptStats)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// corsMiddleware sets CORS headers for the configured origin.
func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody restricts the request body to maxRequestBody bytes.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// internalError logs err and writes a generic 500.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg(msg)
	writeError(w, http.StatusInternalServerError, msg)
}
