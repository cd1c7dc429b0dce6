package ports

import (
	"context"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
)

// LotStore defines the interface for lot definitions and checkpoints
type LotStore interface {
	// CreateLot stores a new lot definition. It fails with domain.ErrLotExists
	// when the ID is taken.
	CreateLot(ctx context.Context, lot *domain.LotConfig) error

	// GetLot retrieves a lot definition by ID
	GetLot(ctx context.Context, id string) (*domain.LotConfig, error)

	// ListLots lists lot definitions
	ListLots(ctx context.Context, opts LotListOptions) ([]*domain.LotConfig, error)

	// GetCheckpoint returns the latest checkpoint, or nil when the lot never started
	GetCheckpoint(ctx context.Context, lotID string) (*domain.Checkpoint, error)
}

// LogStore defines the interface for the append-only per-lot logs
type LogStore interface {
	// ListParticipants returns participants ordered by registration
	ListParticipants(ctx context.Context, lotID string) ([]*domain.Participant, error)

	// ListBids returns every admitted bid ordered by sequence number
	ListBids(ctx context.Context, lotID string) ([]*domain.Bid, error)

	// ListEvents returns events with a sequence number greater than since
	ListEvents(ctx context.Context, lotID string, since uint64) ([]*domain.Event, error)

	// GetTieBreakOffer returns the lot's tie-break offer, or nil if none was made
	GetTieBreakOffer(ctx context.Context, lotID string) (*domain.TieBreakOffer, error)
}

// DisputeStore is the durable store behind the dispute engine.
type DisputeStore interface {
	LotStore
	LogStore

	// Commit atomically persists one state change of a lot. Either every part
	// is written or none is.
	Commit(ctx context.Context, c *Commit) error

	// Close closes the storage connection
	Close() error
}

// Commit is one atomic unit of lot state change. Nil fields are skipped.
type Commit struct {
	LotID       string
	Participant *domain.Participant
	Bid         *domain.Bid
	Offer       *domain.TieBreakOffer
	Checkpoint  *domain.Checkpoint
	Events      []*domain.Event
}

// LotListOptions filters ListLots.
type LotListOptions struct {
	// OnlyActive skips lots whose checkpoint is closed
	OnlyActive bool
	Limit      int
}
