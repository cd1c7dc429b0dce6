package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
)

// OpenLot creates a lot in the waiting phase. Only the pregoeiro may open lots.
func (e *Engine) OpenLot(ctx context.Context, actor domain.Actor, cfg domain.LotConfig) (lot *domain.Lot, err error) {
	ctx, span := e.start(ctx, "OpenLot", cfg.ID, actor)
	defer func() { e.finish(span, "OpenLot", cfg.ID, err) }()

	if err := requireRole(actor, domain.RolePregoeiro, "opening a lot"); err != nil {
		return nil, err
	}
	cfg.Timing = cfg.Timing.WithDefaults(e.timing)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.CreatedAt = e.clock.Now()

	if err := e.store.CreateLot(ctx, &cfg); err != nil {
		if _, ok := domain.AsError(err); ok {
			return nil, err
		}
		return nil, domain.ErrStorageUnavailable.Wrap(err)
	}

	s, err := e.load(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("lot opened",
		slog.String("lot_id", cfg.ID),
		slog.String("tender_id", cfg.TenderID),
		slog.String("mode", string(cfg.Mode)))
	return e.view(s.Snapshot(), actor.Viewer()), nil
}

// RegisterParticipation registers a supplier for a lot before it starts.
func (e *Engine) RegisterParticipation(ctx context.Context, actor domain.Actor, lotID string) (p *domain.Participant, err error) {
	ctx, span := e.start(ctx, "RegisterParticipation", lotID, actor)
	defer func() { e.finish(span, "RegisterParticipation", lotID, err) }()

	if err := requireRole(actor, domain.RoleSupplier, "registering for a lot"); err != nil {
		return nil, err
	}
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return s.Register(ctx, actor)
}

// StartSession opens the dispute of a lot.
func (e *Engine) StartSession(ctx context.Context, actor domain.Actor, lotID string) (lot *domain.Lot, err error) {
	ctx, span := e.start(ctx, "StartSession", lotID, actor)
	defer func() { e.finish(span, "StartSession", lotID, err) }()

	if err := requireRole(actor, domain.RolePregoeiro, "starting a session"); err != nil {
		return nil, err
	}
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return e.view(s.Snapshot(), actor.Viewer()), nil
}

// SubmitBid submits a bid on behalf of a supplier. The bid is timestamped
// when it is queued on the lot's session.
func (e *Engine) SubmitBid(ctx context.Context, actor domain.Actor, lotID string, value decimal.Decimal) (bid *domain.Bid, err error) {
	ctx, span := e.start(ctx, "SubmitBid", lotID, actor)
	defer func() { e.finish(span, "SubmitBid", lotID, err) }()

	if err := requireRole(actor, domain.RoleSupplier, "bidding"); err != nil {
		return nil, err
	}
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return s.SubmitBid(ctx, actor.ID, value, time.Time{})
}

// RespondTieBreak submits the counter-offer of the supplier holding the
// pending tie-break offer.
func (e *Engine) RespondTieBreak(ctx context.Context, actor domain.Actor, lotID string, value decimal.Decimal) (offer *domain.TieBreakOffer, err error) {
	ctx, span := e.start(ctx, "RespondTieBreak", lotID, actor)
	defer func() { e.finish(span, "RespondTieBreak", lotID, err) }()

	if err := requireRole(actor, domain.RoleSupplier, "responding to a tie-break"); err != nil {
		return nil, err
	}
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return s.RespondTieBreak(ctx, actor.ID, value, time.Time{})
}

// ForceClose ends a lot immediately without a winner.
func (e *Engine) ForceClose(ctx context.Context, actor domain.Actor, lotID, reason string) (lot *domain.Lot, err error) {
	ctx, span := e.start(ctx, "ForceClose", lotID, actor)
	defer func() { e.finish(span, "ForceClose", lotID, err) }()

	if err := requireRole(actor, domain.RolePregoeiro, "force-closing a lot"); err != nil {
		return nil, err
	}
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if err := s.ForceClose(ctx, reason); err != nil {
		return nil, err
	}
	e.logger.Warn("lot force-closed", slog.String("lot_id", lotID), slog.String("reason", reason))
	return e.view(s.Snapshot(), actor.Viewer()), nil
}

// RestartSession reopens the dispute of an open-with-restart lot during its
// restart window.
func (e *Engine) RestartSession(ctx context.Context, actor domain.Actor, lotID string) (lot *domain.Lot, err error) {
	ctx, span := e.start(ctx, "RestartSession", lotID, actor)
	defer func() { e.finish(span, "RestartSession", lotID, err) }()

	if err := requireRole(actor, domain.RolePregoeiro, "restarting a session"); err != nil {
		return nil, err
	}
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if err := s.Restart(ctx); err != nil {
		return nil, err
	}
	return e.view(s.Snapshot(), actor.Viewer()), nil
}

// SendSystemMessage posts a message from the pregoeiro. An empty to makes
// it public; otherwise it is private to that supplier.
func (e *Engine) SendSystemMessage(ctx context.Context, actor domain.Actor, lotID, to, text string) (evt *domain.Event, err error) {
	ctx, span := e.start(ctx, "SendSystemMessage", lotID, actor)
	defer func() { e.finish(span, "SendSystemMessage", lotID, err) }()

	if err := requireRole(actor, domain.RolePregoeiro, "sending system messages"); err != nil {
		return nil, err
	}
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return s.Message(ctx, actor, to, text)
}

// SendChat posts a supplier's message, visible to the pregoeiro only.
func (e *Engine) SendChat(ctx context.Context, actor domain.Actor, lotID, text string) (evt *domain.Event, err error) {
	ctx, span := e.start(ctx, "SendChat", lotID, actor)
	defer func() { e.finish(span, "SendChat", lotID, err) }()

	if err := requireRole(actor, domain.RoleSupplier, "chatting"); err != nil {
		return nil, err
	}
	s, err := e.session(ctx, lotID)
	if err != nil {
		return nil, err
	}
	return s.Message(ctx, actor, "", text)
}
