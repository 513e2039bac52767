// Package server assembles the gateway: providers, cache, local tools,
// the request pipeline, and the HTTP surface with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/handlers"
	"github.com/modelrelay/modelrelay/internal/middleware"
	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/tools"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

type Server struct {
	config *config.Manager
	logger *slog.Logger
	server *http.Server
	cache  *cache.Cache
}

func New(configManager *config.Manager, logger *slog.Logger) (*Server, error) {
	return &Server{
		config: configManager,
		logger: logger,
	}, nil
}

func (s *Server) Start() error {
	cfg := s.config.Get()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	mux, err := s.setupRoutes(cfg)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("Starting server",
		"address", addr,
		"providers", len(cfg.Providers),
		"cache", cfg.Cache.Enabled,
		"tools", cfg.Tools.Enabled,
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server error", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if s.cache != nil {
		s.cache.Close()
	}

	s.logger.Info("Server exited")
	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(cfg *config.Config) (*http.ServeMux, error) {
	registry := providers.NewRegistry()
	registry.Initialize()

	responseCache, err := cache.New(cfg.Cache, s.logger)
	if err != nil {
		return nil, fmt.Errorf("initialize cache: %w", err)
	}
	s.cache = responseCache

	var executor *tools.Coordinator
	if cfg.Tools.Enabled {
		policy := tools.NewPolicy(cfg.Tools)
		toolRegistry := tools.NewRegistry()
		builtins := tools.NewBuiltins(afero.NewOsFs(), policy)
		if err := builtins.RegisterAll(toolRegistry); err != nil {
			return nil, fmt.Errorf("register tools: %w", err)
		}
		executor = tools.NewCoordinator(toolRegistry, policy, s.logger)
	}

	client := upstream.NewClient(cfg.Upstream, s.logger)
	pipeline := handlers.NewPipeline(s.config, registry, client, responseCache, executor, s.logger)

	messagesHandler := handlers.NewMessagesHandler(pipeline, s.logger)
	batchHandler := handlers.NewBatchHandler(pipeline, s.config, s.logger)
	healthHandler := handlers.NewHealthHandler(s.logger)

	middlewareSet := middleware.NewMiddlewareSet(s.config, s.logger)

	mux := http.NewServeMux()
	mux.Handle("/health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("/v1/messages/batches", middlewareSet.DefaultChain().Handler(batchHandler))
	mux.Handle("/v1/messages", middlewareSet.DefaultChain().Handler(messagesHandler))

	return mux, nil
}
