package ports

import (
	"context"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// IdentityProvider resolves bearer tokens to actors.
// Implementations: config-backed token table (default).
type IdentityProvider interface {
	Authenticate(ctx context.Context, token string) (*domain.Actor, error)
}

// Notifier delivers system announcements outside the process.
// Implementations: structured log (default), webhook.
type Notifier interface {
	Notify(ctx context.Context, n *domain.Notification) error
	Close() error
}
