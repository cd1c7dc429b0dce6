package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/adapters/config/file"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/adapters/events/direct"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/adapters/events/webhook"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/adapters/storage/sqlite"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/clock"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/storage/memory"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/storage/sqldb"
)

// Option is a functional option for configuring a Server.
type Option func(*Server) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(s *Server) error {
		provider, err := file.NewProvider(path, s.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		s.config = provider
		return nil
	}
}

// WithSQLite uses SQLite storage (default for single-instance deployments).
func WithSQLite(path string) Option {
	return func(s *Server) error {
		store, err := sqlite.NewProvider(context.Background(), path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		s.store = store
		return nil
	}
}

// WithPostgres uses PostgreSQL storage through the pgx driver.
func WithPostgres(dsn string) Option {
	return func(s *Server) error {
		store, err := sqldb.New(context.Background(), sqldb.Config{Driver: "postgres", DSN: dsn})
		if err != nil {
			return fmt.Errorf("create postgres storage: %w", err)
		}
		s.store = store
		return nil
	}
}

// WithMemoryStorage keeps lots in memory only. State is lost on restart.
func WithMemoryStorage() Option {
	return func(s *Server) error {
		s.store = memory.New()
		return nil
	}
}

// WithDirectNotifier writes announcements to the structured log.
func WithDirectNotifier() Option {
	return func(s *Server) error {
		n, err := direct.NewNotifier(s.logger)
		if err != nil {
			return fmt.Errorf("create direct notifier: %w", err)
		}
		s.notifier = n
		return nil
	}
}

// WithWebhookNotifier posts announcements to an HTTP endpoint.
func WithWebhookNotifier(cfg webhook.Config) Option {
	return func(s *Server) error {
		if cfg.Logger == nil {
			cfg.Logger = s.logger
		}
		n, err := webhook.NewNotifier(cfg)
		if err != nil {
			return fmt.Errorf("create webhook notifier: %w", err)
		}
		s.notifier = n
		return nil
	}
}

// WithLogger sets a custom logger.
// Apply it first so the other options log through it.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithClock sets the clock driving bid timestamps and deadlines.
func WithClock(c clock.Clock) Option {
	return func(s *Server) error {
		s.clock = c
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(s *Server) error {
		s.config = provider
		return nil
	}
}

// WithIdentityProvider sets a custom identity provider.
func WithIdentityProvider(provider ports.IdentityProvider) Option {
	return func(s *Server) error {
		s.identity = provider
		return nil
	}
}

// WithStore sets a custom dispute store.
func WithStore(store ports.DisputeStore) Option {
	return func(s *Server) error {
		s.store = store
		return nil
	}
}

// WithNotifier sets a custom notifier.
func WithNotifier(n ports.Notifier) Option {
	return func(s *Server) error {
		s.notifier = n
		return nil
	}
}
