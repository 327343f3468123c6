// Package http serves the admission gate to out-of-process agents.
//
// Routes:
//
//	POST /v1/admission        check one tool call
//	POST /v1/tokens           issue a confirmation token
//	GET  /v1/admission/stats  gate audit statistics
//	GET  /v1/budget           exploration budget status
//	GET  /v1/events?n=50      tail of the critical event log
//	GET  /health
//	GET  /metrics             prometheus exposition
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/warden/internal/budget"
	"github.com/fyrsmithlabs/warden/internal/confirm"
	"github.com/fyrsmithlabs/warden/internal/events"
	"github.com/fyrsmithlabs/warden/internal/gate"
)

const (
	defaultTail = 50
	maxTail     = 1000
	maxBody     = "1M"
)

// ErrMissingDependency indicates a required collaborator was nil.
var ErrMissingDependency = errors.New("http server dependency missing")

// Gate is the admission surface served.
type Gate interface {
	CheckAdmission(ctx context.Context, tool string, params map[string]any, token string) gate.Decision
	Stats() gate.Stats
	Budget() budget.Status
}

// Tokens issues confirmation tokens.
type Tokens interface {
	Issue(purpose string) confirm.Token
}

// EventTail reads the newest critical events.
type EventTail interface {
	Tail(n int) ([]events.Event, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// DefaultConfig listens on localhost only.
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: 7787}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server provides the HTTP API.
type Server struct {
	echo   *echo.Echo
	gate   Gate
	tokens Tokens
	events EventTail
	logger *zap.Logger
	config Config
}

// Option configures a Server.
type Option func(*Server)

// WithEvents enables GET /v1/events.
func WithEvents(e EventTail) Option {
	return func(s *Server) { s.events = e }
}

// WithMetrics installs the otel request metrics middleware.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) {
		if m != nil {
			s.echo.Use(m.Middleware())
		}
	}
}

// NewServer creates the server. gate, tokens and logger are required.
func NewServer(g Gate, tokens Tokens, logger *zap.Logger, cfg Config, opts ...Option) (*Server, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: gate", ErrMissingDependency)
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token issuer", ErrMissingDependency)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger is required for request tracking", ErrMissingDependency)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBody))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		gate:   g,
		tokens: tokens,
		logger: logger.Named("http"),
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/admission", s.handleAdmission)
	v1.GET("/admission/stats", s.handleStats)
	v1.POST("/tokens", s.handleIssueToken)
	v1.GET("/budget", s.handleBudget)
	v1.GET("/events", s.handleEvents)
}

// Handler returns the router for in-process use and tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// AdmissionRequest is the body of POST /v1/admission.
type AdmissionRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
	Token  string         `json:"token,omitempty"`
}

// TokenRequest is the body of POST /v1/tokens.
type TokenRequest struct {
	Purpose string `json:"purpose"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleAdmission always answers 200 with a decision; a malformed request is the only
// 4xx, and the agent must treat any non-200 as a block.
func (s *Server) handleAdmission(c echo.Context) error {
	var req AdmissionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid admission request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Tool == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tool field is required")
	}

	d := s.gate.CheckAdmission(c.Request().Context(), req.Tool, req.Params, req.Token)
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleIssueToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	tok := s.tokens.Issue(req.Purpose)
	s.logger.Info("confirmation token issued",
		zap.String("purpose", req.Purpose),
		zap.Time("expires_at", tok.ExpiresAt))
	return c.JSON(http.StatusCreated, tok)
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.gate.Stats())
}

func (s *Server) handleBudget(c echo.Context) error {
	return c.JSON(http.StatusOK, s.gate.Budget())
}

func (s *Server) handleEvents(c echo.Context) error {
	if s.events == nil {
		return echo.NewHTTPError(http.StatusNotFound, "event log not configured")
	}
	n := defaultTail
	if raw := c.QueryParam("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "n must be a positive integer")
		}
		n = min(v, maxTail)
	}
	evs, err := s.events.Tail(n)
	if err != nil {
		s.logger.Error("read event log", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "event log unavailable")
	}
	if evs == nil {
		evs = []events.Event{}
	}
	return c.JSON(http.StatusOK, evs)
}

// Start listens on the configured address.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Serve accepts connections on ln, which lets callers bind port 0 and read the address.
func (s *Server) Serve(ln net.Listener) error {
	s.echo.Listener = ln
	s.logger.Info("starting http server", zap.String("addr", ln.Addr().String()))
	return s.echo.Start("")
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
