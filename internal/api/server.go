// Package api implements the HTTP surface: chat (plain, SSE and
// WebSocket), thread browsing, health and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/checkpoint"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 120 * time.Second // long for streaming responses
	idleTimeout  = 120 * time.Second

	shutdownTimeout = 10 * time.Second
)

// Agent runs turns. *agent.Loop satisfies it.
type Agent interface {
	ValidateInput(req *agent.Request) error
	Execute(ctx context.Context, req *agent.Request) (*agent.Response, error)
	ExecuteStream(ctx context.Context, req *agent.Request, cb llm.StreamCallback) (*agent.Response, error)
}

// Threads reads stored histories. *checkpoint.Bridge satisfies it.
type Threads interface {
	Load(ctx context.Context, threadID string) ([]memory.Message, error)
	ListThreads(ctx context.Context) ([]checkpoint.ThreadSummary, error)
}

// Models reports which backends can serve. *llm.Gateway satisfies it.
type Models interface {
	Ready() error
	Default() string
	Selections() []string
}

// Options configures the HTTP surface.
type Options struct {
	Address string
	Port    int

	// CSRF requires an X-CSRF-Token header matching the _csrf cookie on
	// unsafe methods. GET /csrf issues the token.
	CSRF bool

	// RateLimitRPS limits chat requests per client IP. Zero disables.
	RateLimitRPS   float64
	RateLimitBurst int

	MaxBodyBytes int64
	AllowOrigins []string
}

// Server is the HTTP API server.
type Server struct {
	opts    Options
	agent   Agent
	threads Threads
	models  Models
	metrics http.Handler
	logger  *slog.Logger

	echo *echo.Echo
}

// NewServer creates the API server. metrics may be nil to leave
// /metrics unrouted.
func NewServer(opts Options, ag Agent, threads Threads, models Models, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:    opts,
		agent:   ag,
		threads: threads,
		models:  models,
		metrics: metrics,
		logger:  logger.With("component", "api"),
	}
	s.echo = s.newEcho()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			switch {
			case v.Status >= 500:
				level = slog.LevelError
			case v.URI == "/health" || v.URI == "/metrics":
				level = slog.LevelDebug
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "same-origin",
	}))
	if len(s.opts.AllowOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.opts.AllowOrigins,
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderXCSRFToken},
		}))
	}
	if s.opts.MaxBodyBytes > 0 {
		e.Use(middleware.BodyLimit(strconv.FormatInt(s.opts.MaxBodyBytes, 10)))
	}
	if s.opts.CSRF {
		e.Use(middleware.CSRFWithConfig(middleware.CSRFConfig{
			TokenLookup:    "header:" + echo.HeaderXCSRFToken,
			CookiePath:     "/",
			CookieHTTPOnly: true,
			CookieSameSite: http.SameSiteStrictMode,
		}))
	}

	s.registerRoutes(e)
	return e
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/", s.handleRoot)
	e.GET("/health", s.handleHealth)
	e.GET("/version", s.handleVersion)
	e.GET("/models", s.handleModels)
	e.GET("/csrf", s.handleCSRF)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}

	chat := e.Group("/chat")
	if s.opts.RateLimitRPS > 0 {
		chat.Use(s.rateLimiter())
	}
	chat.POST("", s.handleChat)
	chat.POST("/stream", s.handleChatStream)
	chat.GET("/ws", s.handleChatWS)

	e.GET("/threads", s.handleThreads)
	e.GET("/threads/:id", s.handleThread)
}

// rateLimiter keeps one token bucket per client IP.
func (s *Server) rateLimiter() echo.MiddlewareFunc {
	burst := s.opts.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(s.opts.RateLimitRPS),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "cannot identify client")
		},
		DenyHandler: func(c echo.Context, id string, err error) error {
			s.logger.Warn("rate limit exceeded", "client", id, "path", c.Path())
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Address, strconv.Itoa(s.opts.Port))
	httpServer := &http.Server{
		Addr:         addr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "address", addr)
		if err := s.echo.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.logger.Info("API server stopped")
		return nil
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	}
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"name":    "Parley",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, buildinfo.Info())
}

func (s *Server) handleHealth(c echo.Context) error {
	body := map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().String(),
	}
	if err := s.models.Ready(); err != nil {
		body["status"] = "unavailable"
		body["error"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	body["default_model"] = s.models.Default()
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"default":    s.models.Default(),
		"selections": s.models.Selections(),
	})
}

// handleCSRF hands the token the CSRF middleware placed in the context
// to script clients that cannot read the HttpOnly cookie.
func (s *Server) handleCSRF(c echo.Context) error {
	token, _ := c.Get(middleware.DefaultCSRFConfig.ContextKey).(string)
	return c.JSON(http.StatusOK, map[string]any{
		"csrf_token": token,
		"enabled":    s.opts.CSRF,
	})
}
