package session

import (
	"context"
	"log/slog"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/policy"
)

// Restore rebuilds a session from the store: participants, the bid log and
// the event log are replayed, the latest checkpoint restores the state
// machine, and bids admitted after the checkpoint are re-run through the
// policy to recover deadline extensions. Any inconsistency fails with
// domain.ErrLogCorrupt and the lot is not served.
func Restore(ctx context.Context, cfg Config) (*Session, error) {
	s, err := build(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	s.refresh()
	s.startSeq = s.events.LastSeq()
	s.arm()
	go s.run()
	s.logger.Info("lot restored",
		slog.String("phase", string(s.state.Phase)),
		slog.Uint64("bids", s.ledger.LastSeq()),
		slog.Uint64("events", s.events.LastSeq()))
	return s, nil
}

func (s *Session) restore(ctx context.Context) error {
	id := s.lot.ID

	participants, err := s.store.ListParticipants(ctx, id)
	if err != nil {
		return domain.ErrStorageUnavailable.Wrap(err)
	}
	for i, p := range participants {
		if p.Ordinal != i+1 || p.LotID != id {
			return domain.ErrLogCorrupt.WithMessage("participant %s out of order", p.SupplierID)
		}
		cp := *p
		s.participants[p.SupplierID] = &cp
		s.order = append(s.order, p.SupplierID)
	}

	bids, err := s.store.ListBids(ctx, id)
	if err != nil {
		return domain.ErrStorageUnavailable.Wrap(err)
	}
	if err := s.ledger.Replay(bids); err != nil {
		return err
	}
	for _, b := range bids {
		if _, ok := s.participants[b.SupplierID]; !ok {
			return domain.ErrLogCorrupt.WithMessage("bid %d from unregistered supplier", b.Seq)
		}
	}
	if n := len(bids); n > 0 {
		s.lastBidAt = bids[n-1].SubmittedAt
	}

	evts, err := s.store.ListEvents(ctx, id, 0)
	if err != nil {
		return domain.ErrStorageUnavailable.Wrap(err)
	}
	if err := s.events.Replay(evts); err != nil {
		return err
	}

	offer, err := s.store.GetTieBreakOffer(ctx, id)
	if err != nil {
		return domain.ErrStorageUnavailable.Wrap(err)
	}
	if offer != nil {
		s.tiebreak.Apply(offer)
	}

	cp, err := s.store.GetCheckpoint(ctx, id)
	if err != nil {
		return domain.ErrStorageUnavailable.Wrap(err)
	}
	if cp == nil {
		if len(bids) > 0 || offer != nil {
			return domain.ErrLogCorrupt.WithMessage("lot has bids but no checkpoint")
		}
		return nil
	}

	switch {
	case cp.LotID != id:
		return domain.ErrLogCorrupt.WithMessage("checkpoint belongs to lot %s", cp.LotID)
	case cp.LastBidSeq > s.ledger.LastSeq():
		return domain.ErrLogCorrupt.WithMessage("checkpoint covers bid %d, log ends at %d", cp.LastBidSeq, s.ledger.LastSeq())
	case cp.LastEventSeq > s.events.LastSeq():
		return domain.ErrLogCorrupt.WithMessage("checkpoint covers event %d, log ends at %d", cp.LastEventSeq, s.events.LastSeq())
	}

	s.state = stateOf(cp)
	s.version = cp.Version

	after := s.ledger.After(cp.LastBidSeq)
	if len(after) > 0 && s.state.Phase != domain.PhaseOpen {
		return domain.ErrLogCorrupt.WithMessage("bids recorded after the lot left the open phase")
	}
	for _, b := range after {
		if b.Round != s.state.Round.Index {
			return domain.ErrLogCorrupt.WithMessage("bid %d belongs to round %d, lot is in round %d", b.Seq, b.Round, s.state.Round.Index)
		}
		d := s.policy.OnBid(s.policyState(), policy.BidContext{
			SupplierID: b.SupplierID,
			Remaining:  s.state.Deadline.Sub(b.SubmittedAt),
		})
		if d.Action == policy.ActionExtend {
			if nd := b.SubmittedAt.Add(d.Extension); nd.After(s.state.Deadline) {
				s.state.Deadline = nd
			}
		}
	}

	if s.state.WinnerBidID != "" {
		if _, ok := s.ledger.Bid(s.state.WinnerBidID); !ok {
			return domain.ErrLogCorrupt.WithMessage("winning bid %s not in log", s.state.WinnerBidID)
		}
	}
	if s.state.Phase == domain.PhaseNegotiation && !s.tiebreak.Pending() {
		return domain.ErrLogCorrupt.WithMessage("negotiation checkpoint without a pending offer")
	}

	// A sealed round whose last bid landed before the early close was
	// checkpointed closes as soon as the session runs.
	if s.state.Phase == domain.PhaseOpen && s.state.Round.Kind == domain.RoundSealed {
		if st := s.policyState(); st.Expected > 0 && st.Submitted >= st.Expected {
			if now := s.clock.Now(); now.Before(s.state.Deadline) {
				s.state.Deadline = now
			}
		}
	}
	return nil
}
