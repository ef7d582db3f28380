// Package api serves the HTTP control surface: listing records, approving and rejecting
// issues, pipeline runs and stats.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"darwin/pkg/lifecycle"
	"darwin/pkg/logx"
	"darwin/pkg/metrics"
	"darwin/pkg/pipeline"
)

// Runner executes pipeline runs. pipeline.Driver satisfies it.
type Runner interface {
	Run(ctx context.Context, mode pipeline.Mode) (*pipeline.Report, error)
	DryRun(mode pipeline.Mode) (*pipeline.Report, error)
}

// Options configure a Server.
type Options struct {
	// APIKey, when set, is required as a bearer token on every /api route.
	APIKey string
	// Runner serves POST /api/darwin/run. Without one the route answers 503.
	Runner Runner
	// Gatherer serves /metrics. Defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer
	// Recorder counts review decisions made through the API.
	Recorder metrics.Recorder
	// Version is reported by the root route.
	Version string
}

// Server is the control API.
type Server struct {
	controller *lifecycle.Controller
	opts       Options
	engine     *gin.Engine
	logger     *logx.Logger

	// running is set while a pipeline run is in progress; one run at a time.
	running atomic.Bool
}

// NewServer creates the API server and registers its routes.
func NewServer(controller *lifecycle.Controller, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		controller: controller,
		opts:       opts,
		engine:     engine,
		logger:     logx.NewLogger("api"),
	}
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler(s.opts.Gatherer)))

	api := s.engine.Group("/api", s.requireAPIKey)

	signals := api.Group("/signals")
	signals.GET("", s.handleListSignals)
	signals.GET("/:id", s.handleGetSignal)
	signals.POST("/:id/dismiss", s.handleDismissSignal)

	issues := api.Group("/ux-issues")
	issues.GET("", s.handleListIssues)
	issues.GET("/pending-review", s.handlePendingReview)
	issues.GET("/:id", s.handleGetIssue)
	issues.POST("/:id/approve", s.handleApprove)
	issues.POST("/:id/reject", s.handleReject)

	api.GET("/pull-requests", s.handleListChangeRequests)
	api.GET("/tasks", s.handleListTasks)

	api.GET("/stats", s.handleStats)
	api.GET("/stats/agent-logs", s.handleAgentLogs)

	api.POST("/darwin/run", s.handleRun)
	api.GET("/darwin/status", s.handleStatus)
}

// requireAPIKey checks the bearer token when an API key is configured.
func (s *Server) requireAPIKey(c *gin.Context) {
	if s.opts.APIKey == "" {
		c.Next()
		return
	}

	token := extractBearerToken(c)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.APIKey)) != 1 {
		s.logger.Warn("Rejected %s %s from %s: invalid API key", c.Request.Method, c.Request.URL.Path, c.ClientIP())
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
		return
	}
	c.Next()
}

func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Shutting down API server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	}
}
