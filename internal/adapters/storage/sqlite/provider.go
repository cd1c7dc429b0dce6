// Package sqlite provides the SQLite storage adapter for the dispute engine.
package sqlite

import (
	"context"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/storage/sqldb"
)

// Provider implements ports.DisputeStore using SQLite.
// It wraps the sqldb implementation.
type Provider struct {
	*sqldb.Store
}

// NewProvider opens (and migrates) the SQLite database at path.
func NewProvider(ctx context.Context, path string) (*Provider, error) {
	store, err := sqldb.NewSQLite(ctx, path)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Store: store,
	}, nil
}

// Ensure Provider implements ports.DisputeStore at compile time.
var _ ports.DisputeStore = (*Provider)(nil)
