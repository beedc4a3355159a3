package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	stdhttp "net/http"
	"slices"
	"strconv"
	"time"

	"connectrpc.com/grpchealth"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/the-spy-project/spy/internal/database"
	"github.com/the-spy-project/spy/internal/pipeline"
)

// Runner runs stages and reports progress. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, stage pipeline.Stage) (*pipeline.Result, error)
	Status(ctx context.Context) *pipeline.StatusReport
}

// Catalog reads published repositories. *database.Database implements it.
type Catalog interface {
	SearchRepositories(ctx context.Context, args database.SearchRepositoriesArgs) ([]*database.Repository, error)
	ListRepositories(ctx context.Context, args database.ListRepositoriesArgs) ([]*database.Repository, error)
	RepositoryStats(ctx context.Context) (*database.RepositoryStats, error)
}

// Server exposes the automation, status, health and catalogue endpoints.
type Server struct {
	runner   Runner
	catalog  Catalog
	embedder pipeline.Embedder
	checks   []pipeline.HealthCheck
	closer   io.Closer
	timeout  time.Duration
	mux      *stdhttp.ServeMux
	srv      *stdhttp.Server
}

// ServerOptions holds configuration for a Server.
type ServerOptions struct {
	embedder     pipeline.Embedder
	checks       []pipeline.HealthCheck
	closer       io.Closer
	checkTimeout time.Duration
}

// ServerOption applies a configuration to ServerOptions.
type ServerOption func(*ServerOptions)

// WithEmbedder ranks searches by embedding similarity.
func WithEmbedder(e pipeline.Embedder) ServerOption {
	return func(o *ServerOptions) { o.embedder = e }
}

func WithHealthChecks(checks ...pipeline.HealthCheck) ServerOption {
	return func(o *ServerOptions) { o.checks = append(o.checks, checks...) }
}

// WithCloser registers resources released by Close.
func WithCloser(c io.Closer) ServerOption {
	return func(o *ServerOptions) { o.closer = c }
}

// WithCheckTimeout bounds each health check.
func WithCheckTimeout(d time.Duration) ServerOption {
	return func(o *ServerOptions) { o.checkTimeout = d }
}

// NewServer initializes a Server and mounts every route and the gRPC health handler.
func NewServer(r Runner, c Catalog, opts ...ServerOption) *Server {
	o := ServerOptions{checkTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	srv := &Server{
		runner:   r,
		catalog:  c,
		embedder: o.embedder,
		checks:   o.checks,
		closer:   o.closer,
		timeout:  o.checkTimeout,
		mux:      stdhttp.NewServeMux(),
	}
	srv.mux.HandleFunc("POST /api/automation/{stage}", srv.handleRun)
	srv.mux.HandleFunc("GET /api/automation/status", srv.handleStatus)
	srv.mux.HandleFunc("GET /api/health", srv.handleHealth)
	srv.mux.HandleFunc("GET /api/repositories", srv.handleList)
	srv.mux.HandleFunc("GET /api/repositories/search", srv.handleSearch)
	srv.mux.HandleFunc("GET /api/stats", srv.handleStats)
	hpath, hhandler := grpchealth.NewHandler(HealthChecker{server: srv})
	srv.mux.Handle(hpath, hhandler)
	return srv
}

// NewServerForClientSet serves p using the clients of cs, which Close releases.
func NewServerForClientSet(cs *pipeline.ClientSet, p *pipeline.Pipeline) *Server {
	opts := []ServerOption{
		WithHealthChecks(cs.HealthChecks()...),
		WithCloser(cs),
	}
	if cs.Embeddings != nil {
		opts = append(opts, WithEmbedder(cs.Embeddings))
	}
	return NewServer(p, cs.DB, opts...)
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() stdhttp.Handler {
	return otelhttp.NewHandler(s.mux, "http.server")
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &stdhttp.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("server starting", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Close releases the registered resources.
func (s *Server) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *Server) handleRun(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	stage := pipeline.Stage(r.PathValue("stage"))
	if !slices.Contains(pipeline.Stages, stage) {
		writeError(w, stdhttp.StatusNotFound, "unknown stage: "+string(stage))
		return
	}
	res, err := s.runner.Run(r.Context(), stage)
	if err != nil {
		writeError(w, stdhttp.StatusInternalServerError, err.Error())
		return
	}
	code := stdhttp.StatusOK
	if !res.Success {
		code = stdhttp.StatusInternalServerError
	}
	writeJSON(w, code, res)
}

func (s *Server) handleStatus(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	report := s.runner.Status(r.Context())
	code := stdhttp.StatusOK
	if !report.Success {
		code = stdhttp.StatusInternalServerError
	}
	writeJSON(w, code, report)
}

func (s *Server) handleSearch(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, stdhttp.StatusBadRequest, "q is required")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, stdhttp.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 100)
	}

	args := database.SearchRepositoriesArgs{Query: q, Limit: limit}
	if s.embedder != nil {
		vec, err := s.embedder.EmbedText(r.Context(), q)
		if err != nil {
			slog.WarnContext(r.Context(), "Falling back to text search", "error", err)
		} else {
			args.Vec = vec
		}
	}
	repos, err := s.catalog.SearchRepositories(r.Context(), args)
	if err != nil {
		writeError(w, stdhttp.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, stdhttp.StatusOK, map[string]any{"repositories": views(repos)})
}

func (s *Server) handleList(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	q := r.URL.Query()
	page, err := positiveParam(q.Get("page"), 1)
	if err != nil {
		writeError(w, stdhttp.StatusBadRequest, "page "+err.Error())
		return
	}
	limit, err := positiveParam(q.Get("limit"), 12)
	if err != nil {
		writeError(w, stdhttp.StatusBadRequest, "limit "+err.Error())
		return
	}
	limit = min(limit, 100)

	repos, err := s.catalog.ListRepositories(r.Context(), database.ListRepositoriesArgs{
		Search:     q.Get("search"),
		Language:   q.Get("language"),
		Experience: q.Get("experience"),
		License:    q.Get("license"),
		SortBy:     q.Get("sortBy"),
		SortOrder:  q.Get("sortOrder"),
		Limit:      limit,
		Offset:     (page - 1) * limit,
	})
	if err != nil {
		writeError(w, stdhttp.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, stdhttp.StatusOK, map[string]any{
		"success":      true,
		"repositories": views(repos),
		"page":         page,
		"limit":        limit,
		"hasMore":      len(repos) == limit,
	})
}

func (s *Server) handleStats(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	st, err := s.catalog.RepositoryStats(r.Context())
	if err != nil {
		writeError(w, stdhttp.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, stdhttp.StatusOK, st)
}

var errNotPositive = errors.New("must be a positive integer")

func positiveParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errNotPositive
	}
	return n, nil
}

func views(repos []*database.Repository) []RepositoryView {
	out := make([]RepositoryView, 0, len(repos))
	for _, repo := range repos {
		out = append(out, NewRepositoryView(repo))
	}
	return out
}

func writeJSON(w stdhttp.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w stdhttp.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"success":   false,
		"error":     msg,
		"timestamp": time.Now().UTC(),
	})
}
