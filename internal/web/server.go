// Package web exposes the orchestrator over REST and streams workflow
// events over WebSocket.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/lucasnoah/orchestra/internal/db"
	"github.com/lucasnoah/orchestra/internal/eventbus"
	"github.com/lucasnoah/orchestra/internal/guard"
	"github.com/lucasnoah/orchestra/internal/issue"
	"github.com/lucasnoah/orchestra/internal/metrics"
	"github.com/lucasnoah/orchestra/internal/orchestrator"
	"github.com/lucasnoah/orchestra/internal/workflow"
	"github.com/lucasnoah/orchestra/internal/worktree"
)

// Workflows is the orchestrator surface the REST handlers drive.
type Workflows interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (*workflow.State, error)
	Start(ctx context.Context, id string) (*workflow.State, error)
	Approve(ctx context.Context, id string) (*workflow.State, error)
	Reject(ctx context.Context, id, feedback string) (*workflow.State, error)
	Cancel(ctx context.Context, id string) (*workflow.State, error)
	Get(ctx context.Context, id string) (*workflow.State, error)
	List(ctx context.Context, statuses ...workflow.Status) ([]*workflow.State, error)
	Events(ctx context.Context, id string, since int64) ([]db.Event, error)
	Active() int
}

// Stream is the event bus surface the WebSocket handler needs.
type Stream interface {
	Subscribe() *eventbus.Subscriber
	Unsubscribe(s *eventbus.Subscriber)
	Backfill(ctx context.Context, since int64) ([]db.Event, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Addr              string
	HeartbeatInterval time.Duration
	PongGrace         time.Duration
}

// Server provides the REST and WebSocket endpoints.
type Server struct {
	echo      *echo.Echo
	workflows Workflows
	stream    Stream
	metrics   *metrics.Metrics
	logger    *zap.Logger
	config    Config
}

// NewServer creates a new HTTP server.
func NewServer(workflows Workflows, stream Stream, m *metrics.Metrics, logger *zap.Logger, cfg Config) (*Server, error) {
	if workflows == nil {
		return nil, fmt.Errorf("workflows cannot be nil")
	}
	if stream == nil {
		return nil, fmt.Errorf("stream cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PongGrace <= 0 {
		cfg.PongGrace = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		workflows: workflows,
		stream:    stream,
		metrics:   m,
		logger:    logger.Named("web"),
		config:    cfg,
	}
	e.HTTPErrorHandler = s.handleError

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// resolve the status before logging it
				c.Error(err)
			}
			s.logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	wf := s.echo.Group("/workflows")
	wf.POST("", s.handleCreate)
	wf.GET("", s.handleList)
	wf.GET("/:id", s.handleGet)
	wf.GET("/:id/events", s.handleEvents)
	wf.POST("/:id/start", s.handleStart)
	wf.POST("/:id/approve", s.handleApprove)
	wf.POST("/:id/reject", s.handleReject)
	wf.POST("/:id/cancel", s.handleCancel)

	s.echo.GET("/ws/events", s.handleEventStream)
}

// ServeHTTP lets the server be mounted in tests and other muxes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	err := s.echo.Start(s.config.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidWorktree  = "INVALID_WORKTREE"
	CodeInvalidProfile   = "INVALID_PROFILE"
	CodeWorkflowConflict = "WORKFLOW_CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeIssueUnavailable = "ISSUE_UNAVAILABLE"
	CodeInvalidState     = "INVALID_STATE"
	CodeNotFound         = "NOT_FOUND"
	CodeInternal         = "INTERNAL"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code          string          `json:"code"`
	Message       string          `json:"message"`
	CurrentStatus workflow.Status `json:"current_status,omitempty"`
}

// handleError maps domain errors onto status codes. Anything unrecognised
// is a 500 and gets logged.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err))
	}
	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, body)
	}
	if werr != nil {
		s.logger.Warn("write error response", zap.Error(werr))
	}
}

func classify(err error) (int, ErrorResponse) {
	var (
		stateErr *workflow.InvalidStateError
		httpErr  *echo.HTTPError
	)
	switch {
	case errors.As(err, &stateErr):
		return http.StatusUnprocessableEntity, ErrorResponse{Code: CodeInvalidState, Message: err.Error(), CurrentStatus: stateErr.Current}
	case errors.Is(err, guard.ErrWorkflowConflict):
		return http.StatusConflict, ErrorResponse{Code: CodeWorkflowConflict, Message: err.Error()}
	case errors.Is(err, guard.ErrRateLimited):
		return http.StatusTooManyRequests, ErrorResponse{Code: CodeRateLimited, Message: err.Error()}
	case errors.Is(err, worktree.ErrInvalidWorktree):
		return http.StatusBadRequest, ErrorResponse{Code: CodeInvalidWorktree, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrInvalidProfile):
		return http.StatusBadRequest, ErrorResponse{Code: CodeInvalidProfile, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, issue.ErrInvalidID):
		return http.StatusBadRequest, ErrorResponse{Code: CodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, issue.ErrUnavailable):
		return http.StatusBadGateway, ErrorResponse{Code: CodeIssueUnavailable, Message: err.Error()}
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Code: CodeNotFound, Message: err.Error()}
	case errors.As(err, &httpErr):
		return httpErr.Code, ErrorResponse{Code: codeForStatus(httpErr.Code), Message: fmt.Sprint(httpErr.Message)}
	}
	return http.StatusInternalServerError, ErrorResponse{Code: CodeInternal, Message: "internal server error"}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusInternalServerError:
		return CodeInternal
	}
	if status >= 400 && status < 500 {
		return CodeInvalidRequest
	}
	return CodeInternal
}
