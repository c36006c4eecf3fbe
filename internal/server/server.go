package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eaglechat/eaglechat-server/internal/broker"
	"github.com/eaglechat/eaglechat-server/internal/chat"
	"github.com/eaglechat/eaglechat-server/internal/config"
	"github.com/eaglechat/eaglechat-server/internal/metrics"
	"github.com/eaglechat/eaglechat-server/internal/registration"
	"github.com/eaglechat/eaglechat-server/internal/storage"
	"github.com/eaglechat/eaglechat-server/internal/vault"
)

// Server binds the credential core to its HTTP surface.
type Server struct {
	Router *chi.Mux

	port        int
	apiTitle    string
	apiVersion  string
	logger      *slog.Logger
	store       storage.Store
	vault       *vault.Vault
	coordinator *registration.Coordinator
	broker      *broker.Broker
	chat        *chat.Service
	limiter     *RateLimiter

	httpServer *http.Server
}

// Deps carries the wired components the server exposes over HTTP.
type Deps struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       storage.Store
	Vault       *vault.Vault
	Coordinator *registration.Coordinator
	Broker      *broker.Broker
	Chat        *chat.Service
}

// New assembles the router: request id, logging, rate limiting, and recovery
// on every route; the HMAC envelope only on protected ones.
func New(deps Deps) *Server {
	s := &Server{
		port:        deps.Config.Server.Port,
		apiTitle:    deps.Config.API.Title,
		apiVersion:  deps.Config.API.Version,
		logger:      deps.Logger,
		store:       deps.Store,
		vault:       deps.Vault,
		coordinator: deps.Coordinator,
		broker:      deps.Broker,
		chat:        deps.Chat,
		limiter:     NewRateLimiter(),
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(deps.Logger))
	r.Use(RateLimitMiddleware(s.limiter))
	r.Use(TimeoutMiddleware(60 * time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "eaglechat-server")
	})

	r.Get("/", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/validate", s.handleValidate)
		r.Post("/configure-hmac", s.handleConfigureHMAC)
		r.Post("/configure-keys", s.handleConfigureKeys)
		r.Post("/get-key-status", s.handleKeyStatus)
		r.Post("/remove-key", s.handleRemoveKey)

		r.Group(func(r chi.Router) {
			r.Use(HMACAuthMiddleware(deps.Store, deps.Vault, deps.Logger))
			r.Post("/chat", s.handleChat)
			r.Post("/conversation-history", s.handleConversationHistory)
		})
	})

	s.Router = r
	return s
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.port))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.limiter.Close()
	return s.httpServer.Shutdown(shutdownCtx)
}
