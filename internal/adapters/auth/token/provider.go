// Package token resolves bearer tokens to dispute actors using the hashed
// token table in the configuration.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/pkg/config"
)

// Provider implements ports.IdentityProvider.
type Provider struct {
	mu     sync.RWMutex
	actors map[string]domain.Actor // tokenHash -> actor
}

var _ ports.IdentityProvider = (*Provider)(nil)

// NewProvider creates a provider from the identities of the current config.
func NewProvider(ctx context.Context, configProvider ports.ConfigProvider) (*Provider, error) {
	if configProvider == nil {
		return nil, fmt.Errorf("config provider required")
	}
	cfg, err := configProvider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	p := &Provider{}
	if err := p.ReloadFromConfig(cfg); err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	return p, nil
}

// Authenticate hashes token and returns the actor it belongs to.
func (p *Provider) Authenticate(ctx context.Context, token string) (*domain.Actor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	actor, ok := p.actors[HashToken(token)]
	if !ok {
		return nil, domain.ErrUnauthenticated
	}
	return &actor, nil
}

// ReloadFromConfig replaces the token table. It is called when the config
// file changes; sessions in progress keep their actors.
func (p *Provider) ReloadFromConfig(cfg *config.Config) error {
	actors := make(map[string]domain.Actor, len(cfg.Identities))
	for i, id := range cfg.Identities {
		role := domain.Role(id.Role)
		if !role.Valid() {
			return fmt.Errorf("identities[%d]: unknown role %q", i, id.Role)
		}
		if _, dup := actors[id.TokenHash]; dup {
			return fmt.Errorf("identities[%d]: duplicate token hash", i)
		}
		actors[id.TokenHash] = domain.Actor{
			ID:    id.ActorID,
			Name:  id.Name,
			Role:  role,
			MEEPP: id.MEEPP,
		}
	}

	p.mu.Lock()
	p.actors = actors
	p.mu.Unlock()
	return nil
}

// HashToken creates a SHA-256 hash of a bearer token for storage.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
