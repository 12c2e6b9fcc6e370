// internal/server/server.go
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maisoncolyne/photo-optimizer/internal/auth"
	"github.com/maisoncolyne/photo-optimizer/internal/metrics"
	"github.com/maisoncolyne/photo-optimizer/internal/process"
	"github.com/maisoncolyne/photo-optimizer/internal/upload"
)

// multipartOverhead is allowed on top of the file bytes for boundaries and
// part headers.
const multipartOverhead = 1 << 20

// Processor runs the derivative pipeline over freshly stored uploads.
type Processor interface {
	Process(ctx context.Context, files []upload.Descriptor) []process.Outcome
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Addr     string
	MaxFiles int

	Store    *upload.Store
	Pipeline Processor
	Verifier *auth.Verifier
	Metrics  *metrics.Observer
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server exposes the upload API and the content directory over HTTP.
type Server struct {
	deps   Deps
	logger *slog.Logger
	router *gin.Engine
	http   *http.Server
}

// New builds the router. A nil Verifier makes every admin route answer 401.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.MaxFiles <= 0 {
		deps.MaxFiles = 10
	}

	s := &Server{deps: deps, logger: deps.Logger}

	r := gin.New()
	r.Use(gin.CustomRecovery(s.recovered), s.requestLog())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	files := r.Group("/uploads", crossOriginResource)
	files.Static("/", deps.Store.Dir())

	api := r.Group("/api/upload", auth.RequireAdmin(deps.Verifier))
	api.POST("/single", s.handleUploadSingle)
	api.POST("/multiple", s.handleUploadMultiple)
	api.DELETE("/:filename", s.handleDelete)

	s.router = r
	s.http = &http.Server{
		Addr:              deps.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr, "upload_dir", s.deps.Store.Dir())
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// including their optimization work.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func crossOriginResource(c *gin.Context) {
	c.Header("Cross-Origin-Resource-Policy", "cross-origin")
	c.Next()
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		s.deps.Metrics.ObserveRequest(c.FullPath(), c.Request.Method, status)

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) recovered(c *gin.Context, recovered any) {
	s.logger.Error("panic recovered", "path", c.Request.URL.Path, "panic", recovered)
	writeError(c, http.StatusInternalServerError, "Internal server error")
}
