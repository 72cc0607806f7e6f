// Package server exposes an aggregation backend over HTTP with gin.
//
// Routes:
//
//	GET  /health                 - liveness
//	GET  /api/total-sales        - {"total": n} for kpi_metric over table
//	POST /api/split-data         - [{"node_name", "value"}] grouped by split_col
//	GET  /api/available-dims     - {"dims": [...]}
//	POST /api/genie              - assistant answer for the current tree view
//	DELETE /api/genie/:id        - drop a conversation's history
//	GET  /metrics                - Prometheus
//
// Every identifier is checked against the allow-list before it reaches a
// backend. Errors are {"detail": "..."}.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spektr-org/kpitree/assistant"
	"github.com/spektr-org/kpitree/engine"
	"github.com/spektr-org/kpitree/observability"
	"github.com/spektr-org/kpitree/query"
	"github.com/spektr-org/kpitree/schema"
)

// ServiceName is reported by /health.
const ServiceName = "kpitree"

// Server serves one query.Backend.
type Server struct {
	backend   query.Backend
	allow     schema.AllowList
	assistant assistant.Assistant
	log       *slog.Logger
	metrics   *observability.HTTPMetrics
	gatherer  prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithAssistant enables POST /api/genie.
func WithAssistant(a assistant.Assistant) Option {
	return func(s *Server) { s.assistant = a }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics records request metrics on m and serves g at /metrics.
func WithMetrics(m *observability.HTTPMetrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// New returns a Server for backend restricted to allow.
func New(backend query.Backend, allow schema.AllowList, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		allow:   allow,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all routes on r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/total-sales", s.handleTotal)
		api.POST("/split-data", s.handleSplit)
		api.GET("/available-dims", s.handleDims)
		api.POST("/genie", s.handleGenie)
		api.DELETE("/genie/:id", s.handleForget)
	}

	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("http server shutting down", "addr", addr)
	return srv.Shutdown(shutdownCtx)
}

// ── Middleware ───────────────────────────────────────────────────────────

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		elapsed := time.Since(start)
		s.metrics.Observe(route, c.Request.Method, strconv.Itoa(code), elapsed)

		level := slog.LevelInfo
		if code >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.log.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"route", route,
			"status", code,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}

// ── Errors ───────────────────────────────────────────────────────────────

// errorDetail is the error body: {"detail": "..."}.
type errorDetail struct {
	Detail string `json:"detail"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrNotAllowed),
		errors.Is(err, query.ErrUnknownTable),
		errors.Is(err, engine.ErrUnknownMetric),
		errors.Is(err, engine.ErrUnknownDimension),
		errors.Is(err, assistant.ErrEmptyQuestion):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) abort(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		msg = verr.Message
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed", "route", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(code, errorDetail{Detail: msg})
}
