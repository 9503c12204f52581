// Package api exposes Anne over HTTP: the dashboard chat endpoint and the
// WhatsApp and Telegram webhooks.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/spediresicuro/anne/internal/acting"
	"github.com/spediresicuro/anne/internal/channels"
	"github.com/spediresicuro/anne/internal/directory"
	"github.com/spediresicuro/anne/internal/orchestrator"
)

// Processor runs one message through the orchestrator.
type Processor interface {
	Process(ctx context.Context, in orchestrator.Input) orchestrator.Output
}

// Enqueuer accepts replies for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg channels.Outbound) error
}

// Linker finds the account behind a phone number or chat id.
type Linker interface {
	Linked(ctx context.Context, channel, externalID string) (*directory.Link, error)
}

// Options configure the server.
type Options struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	JWTSecret       string
	ChatPerMinute   int

	WhatsAppEnabled     bool
	WhatsAppAppSecret   string
	WhatsAppVerifyToken string

	TelegramEnabled bool
	TelegramSecret  string
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Processor Processor
	Resolver  *acting.Resolver
	Linker    Linker
	Outbound  Enqueuer
	Deduper   channels.Deduper
	// Limiter caps inbound webhook messages per sender.
	Limiter *channels.SenderLimiter
	// Reads marks WhatsApp messages as read; optional.
	Reads ReadMarker
}

// Server represents the API server
type Server struct {
	echo        *echo.Echo
	opts        Options
	deps        Deps
	chatLimiter *channels.SenderLimiter
}

const defaultChatPerMinute = 20

// NewServer creates a new API server
func NewServer(opts Options, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("path", v.URIPath).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("trace_id", v.RequestID).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.BodyLimit("10M"))

	if deps.Deduper == nil {
		deps.Deduper = channels.NewMemoryDeduper(channels.DefaultDedupTTL)
	}
	if deps.Limiter == nil {
		deps.Limiter = channels.NewSenderLimiter(channels.DefaultPerSenderPerMinute)
	}
	perMinute := opts.ChatPerMinute
	if perMinute <= 0 {
		perMinute = defaultChatPerMinute
	}

	s := &Server{echo: e, opts: opts, deps: deps, chatLimiter: channels.NewSenderLimiter(perMinute)}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	v1 := s.echo.Group("/api/v1")
	v1.POST("/chat", s.chat, RequireAuth(s.opts.JWTSecret))

	if s.opts.WhatsAppEnabled {
		s.echo.GET("/webhooks/whatsapp", s.whatsAppChallenge)
		s.echo.POST("/webhooks/whatsapp", s.whatsAppWebhook)
	}
	if s.opts.TelegramEnabled {
		s.echo.POST("/webhooks/telegram", s.telegramWebhook)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ChatLimiter is the per-user limiter of the chat endpoint, exposed so the
// maintenance sweeper can purge it.
func (s *Server) ChatLimiter() *channels.SenderLimiter {
	return s.chatLimiter
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("api listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

type errorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func traceID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}
