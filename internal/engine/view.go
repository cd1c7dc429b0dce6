package engine

import (
	"context"
	"time"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/ledger"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/stream"
)

// Lot returns the state of a lot as actor may see it.
func (e *Engine) Lot(ctx context.Context, actor domain.Actor, lotID string) (*domain.Lot, error) {
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return e.view(s.Snapshot(), actor.Viewer()), nil
}

// Ranking returns the current ranking as actor may see it. Suppliers and
// citizens only see labels, and during a sealed round a supplier only sees
// their own entry.
func (e *Engine) Ranking(ctx context.Context, actor domain.Actor, lotID string) ([]ledger.Entry, error) {
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	lot := s.Snapshot()
	entries := s.Ranking().Entries()

	v := actor.Viewer()
	if v.Role == domain.RolePregoeiro {
		return entries, nil
	}
	sealed := lot.Phase == domain.PhaseOpen && lot.Round.Kind == domain.RoundSealed

	out := make([]ledger.Entry, 0, len(entries))
	for _, entry := range entries {
		own := v.Role == domain.RoleSupplier && entry.SupplierID == v.SupplierID
		if sealed && !own {
			continue
		}
		if !own {
			entry.SupplierID = ""
		}
		out = append(out, entry)
	}
	return out, nil
}

// Events returns the events after since, rendered for actor.
func (e *Engine) Events(ctx context.Context, actor domain.Actor, lotID string, since uint64) ([]*domain.Event, error) {
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return s.Events(actor.Viewer(), since), nil
}

// Subscribe follows the events of a lot after since, rendered for actor.
func (e *Engine) Subscribe(ctx context.Context, actor domain.Actor, lotID string, since uint64) (*stream.Subscription, error) {
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return s.Subscribe(actor.Viewer(), since), nil
}

// view redacts a lot snapshot for v.
func (e *Engine) view(lot *domain.Lot, v domain.Viewer) *domain.Lot {
	if v.Role == domain.RolePregoeiro {
		return lot
	}
	if lot.DeadlineHidden() {
		lot.Deadline = time.Time{}
	}
	if lot.Phase == domain.PhaseOpen && lot.Round.Kind == domain.RoundSealed {
		lot.Leading = nil
	}
	lot.Leading = redactBid(lot.Leading, v)
	lot.Winner = redactBid(lot.Winner, v)
	if lot.Offer != nil {
		lot.Offer = lot.Offer.Clone()
		if lot.Offer.SupplierID != v.SupplierID || v.Role != domain.RoleSupplier {
			lot.Offer.SupplierID = ""
		}
	}
	lot.Round.Restricted = nil
	return lot
}

func redactBid(b *domain.Bid, v domain.Viewer) *domain.Bid {
	if b == nil {
		return nil
	}
	b = b.Clone()
	if v.Role != domain.RoleSupplier || b.SupplierID != v.SupplierID {
		b.SupplierID = ""
	}
	return b
}
