package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/assemble"
	"github.com/jackzampolin/storyshelf/internal/config"
	"github.com/jackzampolin/storyshelf/internal/fulfillment"
	"github.com/jackzampolin/storyshelf/internal/home"
	"github.com/jackzampolin/storyshelf/internal/metrics"
	"github.com/jackzampolin/storyshelf/internal/objstore"
	"github.com/jackzampolin/storyshelf/internal/painter"
	"github.com/jackzampolin/storyshelf/internal/pipeline"
	"github.com/jackzampolin/storyshelf/internal/providers"
	"github.com/jackzampolin/storyshelf/internal/references"
	"github.com/jackzampolin/storyshelf/internal/server/endpoints"
	"github.com/jackzampolin/storyshelf/internal/storage"
	"github.com/jackzampolin/storyshelf/internal/storage/memory"
	"github.com/jackzampolin/storyshelf/internal/storage/sqlite"
	"github.com/jackzampolin/storyshelf/internal/svcctx"
)

// Server is the main storyshelf HTTP server. It owns the store and the
// background generation phases; both are shut down with the server.
type Server struct {
	httpServer *http.Server
	store      storage.Store
	registry   *providers.Registry
	configMgr  *config.Manager
	logger     *slog.Logger

	// lifetime bounds background generation phases.
	lifetime     context.Context
	stopLifetime context.CancelFunc
	orchestrator *pipeline.Orchestrator

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080)
	Port string
	// Home is the storyshelf home directory
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Fulfillment is the vendor configuration, read from the environment
	Fulfillment fulfillment.Env
	// Logger is the structured logger to use
	Logger *slog.Logger

	// Store overrides the configured storage backend.
	Store storage.Store
	// Generator overrides the configured image provider.
	Generator providers.ImageGenerator
	// NewRenderer overrides the headless browser renderer.
	NewRenderer func() assemble.Renderer
	// Sleep overrides the inter-batch sleeper.
	Sleep pipeline.Sleeper
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		h, err := home.New("")
		if err != nil {
			return nil, err
		}
		cfg.Home = h
	}

	appCfg := config.DefaultConfig()
	if cfg.ConfigManager != nil {
		appCfg = cfg.ConfigManager.Get()
	}

	// Create provider registry
	registry := providers.NewRegistry()
	registry.SetLogger(cfg.Logger)
	registry.Reload(appCfg.ToProviderRegistryConfig())

	// If config manager provided, reload providers on change
	if cfg.ConfigManager != nil {
		cfg.ConfigManager.OnChange(func(c *config.Config) {
			registry.Reload(c.ToProviderRegistryConfig())
			cfg.Logger.Info("provider registry reloaded from config")
		})
	}

	store := cfg.Store
	if store == nil {
		var err error
		if store, err = openStore(appCfg.Storage, cfg.Home); err != nil {
			return nil, err
		}
	}

	objectsDir := appCfg.Storage.ObjectsDir
	if objectsDir == "" {
		objectsDir = cfg.Home.ObjectsPath()
	}
	objects, err := objstore.NewLocalStore(objectsDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	key := appCfg.SigningKey()
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
		cfg.Logger.Warn("no signing key configured; access URLs will not survive a restart")
	}
	signer, err := objstore.NewSigner(key, appCfg.Server.PublicBaseURL, nil)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	generator := cfg.Generator
	if generator == nil {
		generator = providers.NewSelector(registry, func() string {
			if cfg.ConfigManager != nil {
				return cfg.ConfigManager.Get().Defaults.ImageProvider
			}
			return appCfg.Defaults.ImageProvider
		})
	}

	recorder := metrics.NewRecorder(store)
	pipelineCfg := appCfg.Pipeline
	paint := painter.New(painter.Config{
		Concurrency: pipelineCfg.RaceConcurrency,
		Attempts:    pipelineCfg.RaceAttempts,
		RetryDelay:  pipelineCfg.RetryDelay(),
	}, painter.Deps{
		Generator: generator,
		Objects:   objects,
		Books:     store,
		Records:   store,
		Signer:    signer,
		Recorder:  recorder,
		Logger:    cfg.Logger,
	})

	lifetime, stopLifetime := context.WithCancel(context.Background())
	orchestrator := pipeline.New(pipeline.ConfigFrom(pipelineCfg), pipeline.Deps{
		Books:    store,
		Records:  store,
		Orders:   store,
		Anchors:  references.NewResolver(paint, store, objects, cfg.Logger),
		Painter:  paint,
		Sleep:    cfg.Sleep,
		Logger:   cfg.Logger,
		Lifetime: lifetime,
	})

	newRenderer := cfg.NewRenderer
	if newRenderer == nil {
		rendererCfg := appCfg.Renderer
		newRenderer = func() assemble.Renderer { return assemble.NewChromeRenderer(rendererCfg) }
	}
	assembler := assemble.New(assemble.Config{
		MinPageCount: pipelineCfg.MinPageCount,
		PrintBaseURL: "http://" + net.JoinHostPort(loopback(cfg.Host), cfg.Port),
	}, assemble.Deps{
		Books:       store,
		Objects:     objects,
		Signer:      signer,
		NewRenderer: newRenderer,
		Logger:      cfg.Logger,
	})

	dispatcher := fulfillment.NewDispatcher(cfg.Fulfillment, pipelineCfg.MinPageCount, fulfillment.Deps{
		Books:  store,
		Orders: store,
		Signer: signer,
		Logger: cfg.Logger,
	})

	s := &Server{
		store:        store,
		registry:     registry,
		configMgr:    cfg.ConfigManager,
		logger:       cfg.Logger,
		lifetime:     lifetime,
		stopLifetime: stopLifetime,
		orchestrator: orchestrator,
	}

	// Create services struct for context enrichment
	s.services = &svcctx.Services{
		Store:         store,
		Objects:       objects,
		Signer:        signer,
		Registry:      registry,
		Orchestrator:  orchestrator,
		Assembler:     assembler,
		Dispatcher:    dispatcher,
		Recorder:      recorder,
		ConfigManager: cfg.ConfigManager,
		Logger:        cfg.Logger,
		Home:          cfg.Home,
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:     s.withServices(mux),
		ReadTimeout: 30 * time.Second,
		// Assembly runs synchronously inside the request.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func openStore(cfg config.StorageCfg, h *home.Dir) (storage.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		if err := h.EnsureExists(); err != nil {
			return nil, err
		}
		path := cfg.DBPath
		if path == "" {
			path = h.DatabasePath()
		}
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// loopback maps wildcard bind addresses to one the renderer can dial.
func loopback(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	default:
		return host
	}
}

// Start serves HTTP until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.store.Ping(ctx); err != nil {
		_ = s.shutdown()
		return fmt.Errorf("store health check failed: %w", err)
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// shutdown stops HTTP, interrupts running phases and closes the store.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	// Shutdown HTTP server with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Interrupted phases keep their generating status and resume on the
	// next request.
	s.stopLifetime()
	s.orchestrator.Wait()

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Registry returns the provider registry.
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// Services returns the wired services.
func (s *Server) Services() *svcctx.Services {
	return s.services
}

// Handler returns the root handler with services attached.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.services != nil {
			ctx = svcctx.WithServices(ctx, s.services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that rejects requests while the server is not
// running.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.IsRunning() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
