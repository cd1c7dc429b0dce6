// Package runtime wires configuration, storage, identity, notifications and
// the dispute engine into a running HTTP service.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/adapters/auth/token"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/adapters/events/direct"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/adapters/events/webhook"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/adapters/storage/sqlite"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/api/dispute"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/clock"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/engine"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/pkg/config"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/server"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/storage/memory"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/storage/sqldb"
)

// Server is the main entry point for running the dispute service.
// It manages configuration, storage, the engine and the HTTP server lifecycle.
// Server can be embedded in larger applications or run standalone.
type Server struct {
	// Dependencies (injected via options)
	config   ports.ConfigProvider
	identity ports.IdentityProvider
	store    ports.DisputeStore
	notifier ports.Notifier
	clock    clock.Clock

	// Internal state
	engine *engine.Engine
	http   *server.Server
	logger *slog.Logger

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	wg     sync.WaitGroup
	serve  chan error
}

// New creates a new Server with the given options.
// Storage, identity and notifications not set by an option are built from
// the configuration when the server starts.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		logger: slog.Default(),
		clock:  clock.Real{},
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if s.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	return s, nil
}

// Start loads the configuration, restores every active lot and starts
// serving HTTP in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)

	cfg, err := s.config.Load(s.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := s.initDependencies(cfg); err != nil {
		return err
	}

	timing, err := cfg.Dispute.Timing()
	if err != nil {
		return fmt.Errorf("dispute timing: %w", err)
	}
	s.engine, err = engine.New(s.store,
		engine.WithClock(s.clock),
		engine.WithNotifier(s.notifier),
		engine.WithLogger(s.logger),
		engine.WithDefaultTiming(timing),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if err := s.engine.Recover(s.ctx); err != nil {
		return fmt.Errorf("recover lots: %w", err)
	}

	s.http = server.New(server.Config{
		Port:           cfg.Server.Port,
		Logger:         s.logger,
		Identity:       s.identity,
		CommandTimeout: cfg.Dispute.CommandTimeout,
		ServiceName:    cfg.Telemetry.ServiceName,
	})
	dispute.NewHandler(s.engine, dispute.WithLogger(s.logger)).Routes(s.http.Router)

	s.serve = make(chan error, 1)
	go func() {
		s.serve <- s.http.Start()
	}()

	s.wg.Add(1)
	go s.watchConfig()

	s.logger.Info("dispute service started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.Int("identities", len(cfg.Identities)))
	return nil
}

// Handler returns the HTTP handler of a started server.
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.http == nil {
		return nil
	}
	return s.http.Router
}

// Engine returns the dispute engine of a started server.
func (s *Server) Engine() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Wait blocks until the HTTP server stops and returns its error.
func (s *Server) Wait() error {
	s.mu.RLock()
	serve := s.serve
	s.mu.RUnlock()
	if serve == nil {
		return nil
	}
	return <-serve
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("shutting down dispute service")

	if s.cancel != nil {
		s.cancel()
	}

	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// The engine closes the notifier after its sessions stop.
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.Error("failed to close engine", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	} else if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close storage", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := s.config.Close(); err != nil {
		s.logger.Error("failed to close config", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	s.wg.Wait()

	s.logger.Info("dispute service shutdown complete")
	return errors.Join(errs...)
}

// initDependencies builds the collaborators not injected by options.
func (s *Server) initDependencies(cfg *config.Config) error {
	if s.store == nil {
		store, err := openStore(s.ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		s.store = store
	}

	if s.identity == nil {
		provider, err := token.NewProvider(s.ctx, s.config)
		if err != nil {
			return fmt.Errorf("create token identity provider: %w", err)
		}
		s.identity = provider
	}

	if s.notifier == nil {
		n, err := newNotifier(cfg.Notifier, s.logger)
		if err != nil {
			return fmt.Errorf("create notifier: %w", err)
		}
		s.notifier = n
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (ports.DisputeStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "postgres":
		return sqldb.New(ctx, sqldb.Config{Driver: "postgres", DSN: cfg.Database.DSN})
	case "", "sqlite":
		if cfg.Database.DSN != "" {
			return sqldb.New(ctx, sqldb.Config{Driver: "sqlite", DSN: cfg.Database.DSN})
		}
		return sqlite.NewProvider(ctx, cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

func newNotifier(cfg config.NotifierConfig, logger *slog.Logger) (ports.Notifier, error) {
	if cfg.WebhookURL == "" {
		return direct.NewNotifier(logger)
	}
	return webhook.NewNotifier(webhook.Config{
		URL:          cfg.WebhookURL,
		Timeout:      cfg.Timeout,
		Retries:      cfg.Retries,
		Headers:      cfg.Headers,
		BlockPrivate: cfg.BlockPrivate,
		Logger:       logger,
	})
}

// watchConfig re-applies identities when the configuration changes. Dispute
// timing only applies to lots opened after a restart.
func (s *Server) watchConfig() {
	defer s.wg.Done()
	onChange := func(newCfg *config.Config) {
		s.logger.Info("config changed, reloading identities")
		reloader, ok := s.identity.(interface{ ReloadFromConfig(*config.Config) error })
		if !ok {
			return
		}
		if err := reloader.ReloadFromConfig(newCfg); err != nil {
			s.logger.Error("failed to reload identities", slog.String("error", err.Error()))
		}
	}

	if err := s.config.Watch(s.ctx, onChange); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("config watch failed", slog.String("error", err.Error()))
	}
}
