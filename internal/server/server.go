package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lival-edu/tutorhub/internal/auth"
	"github.com/lival-edu/tutorhub/internal/ratelimit"
)

// Server is the tutorhub HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): ReportSvc, Limiter, Broker.
type ServerConfig struct {
	// Required dependencies.
	DB      Pinger
	JWTMgr  *auth.JWTManager
	ChatSvc ChatService
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	ReportSvc ReportService
	Limiter   ratelimit.Limiter
	Broker    *Broker

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		ChatSvc:             cfg.ChatSvc,
		ReportSvc:           cfg.ReportSvc,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Per-user budgets: sends and reports hit model endpoints, so they share
	// the tight budget; list/read routes are not limited.
	sendRL := rateLimitMiddleware(cfg.Limiter, "send", cfg.Logger)
	reportRL := rateLimitMiddleware(cfg.Limiter, "report", cfg.Logger)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Thread lifecycle.
	mux.HandleFunc("GET /v1/threads", h.HandleListThreads)
	mux.HandleFunc("POST /v1/threads", h.HandleCreateThread)
	mux.HandleFunc("POST /v1/threads/{thread_id}/archive", h.HandleArchiveThread)

	// Messages. Send and retry respond as SSE streams.
	mux.HandleFunc("GET /v1/threads/{thread_id}/messages", h.HandleListMessages)
	mux.Handle("POST /v1/threads/{thread_id}/messages", sendRL(http.HandlerFunc(h.HandleSendMessage)))
	mux.Handle("POST /v1/threads/{thread_id}/messages/{message_id}/retry", sendRL(http.HandlerFunc(h.HandleRetryMessage)))

	// Report synthesis.
	mux.Handle("POST /v1/threads/{thread_id}/report", reportRL(http.HandlerFunc(h.HandleReport)))

	// Thread-update feed (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
