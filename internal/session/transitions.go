package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/policy"
)

// onDeadlineExpired ends the current round and moves to whatever the mode's
// policy prescribes.
func (s *Session) onDeadlineExpired(ctx context.Context, now time.Time) error {
	tr := s.policy.OnDeadline(s.policyState())
	roundClosed := s.roundClosedEvent(now)

	switch tr.Kind {
	case policy.TransitionAwaitRestart:
		next := s.state
		next.Round = domain.Round{Kind: tr.Round, Index: s.state.Round.Index + 1}
		next.Deadline = now.Add(tr.Duration)

		win := s.systemEvent(now, domain.Public, domain.SystemRestartWindowOpened,
			"round closed; the pregoeiro may restart the dispute once")
		win.System.Round = &next.Round
		win.System.Deadline = s.publicDeadline(next)

		if err := s.apply(ctx, change{next: next, checkpoint: true, events: events(roundClosed, win)}); err != nil {
			return err
		}
		s.arm()
		s.logger.Info("restart window opened", slog.Time("deadline", next.Deadline))
		return nil

	case policy.TransitionNextRound:
		top := s.ledger.Ranking().Top(tr.TopN)
		if len(top) == 0 {
			return s.closeRanking(ctx, now, roundClosed)
		}
		restricted := make([]string, len(top))
		for i, e := range top {
			restricted[i] = e.SupplierID
		}

		next := s.state
		next.Round = domain.Round{Kind: tr.Round, Index: s.state.Round.Index + 1, Restricted: restricted}
		next.Deadline = now.Add(tr.Duration)

		started := s.systemEvent(now, domain.Public, domain.SystemRoundStarted,
			fmt.Sprintf("%s round among the best %d ranked suppliers", tr.Round, len(restricted)))
		started.System.Round = &next.Round
		started.System.Deadline = s.publicDeadline(next)

		evts := events(roundClosed, started)
		for _, e := range top {
			sel := s.systemEvent(now, domain.PrivateTo(e.SupplierID), domain.SystemRoundSelected,
				fmt.Sprintf("%s is admitted to round %d", e.Label, next.Round.Index))
			sel.System.SupplierID = e.SupplierID
			sel.System.Label = e.Label
			evts = append(evts, sel)
		}

		if err := s.apply(ctx, change{next: next, checkpoint: true, events: evts}); err != nil {
			return err
		}
		s.arm()
		s.logger.Info("round started",
			slog.String("round", string(next.Round.Kind)),
			slog.Int("index", next.Round.Index),
			slog.Int("suppliers", len(restricted)))
		return nil

	default:
		return s.closeRanking(ctx, now, roundClosed)
	}
}

// closeRanking fixes the final ranking and either opens the tie-break
// negotiation or closes the lot with the leader as winner.
func (s *Session) closeRanking(ctx context.Context, now time.Time, roundClosed *domain.Event) error {
	ranking := s.ledger.Ranking()

	if leader, cand, ok := s.tiebreak.Candidate(ranking, s.isMEEPP); ok {
		offer, err := s.tiebreak.Activate(leader, cand, now)
		if err != nil {
			return err
		}
		next := s.state
		next.Phase = domain.PhaseNegotiation
		next.Deadline = offer.Deadline

		act := s.systemEvent(now, domain.Public, domain.SystemTieBreakActivated,
			fmt.Sprintf("small-business preference: %s may undercut %s", cand.Label, leader.Value.StringFixed(2)))
		act.System.Phase = next.Phase
		act.System.SupplierID = cand.SupplierID
		act.System.Label = cand.Label
		act.System.Value = decimal.NewNullDecimal(leader.Value)
		act.System.Deadline = s.publicDeadline(next)

		inv := s.systemEvent(now, domain.PrivateTo(cand.SupplierID), domain.SystemTieBreakInvitation,
			fmt.Sprintf("submit a counter-offer below %s before %s", leader.Value.StringFixed(2), offer.Deadline.Format(time.RFC3339)))
		inv.System.SupplierID = cand.SupplierID
		inv.System.Label = cand.Label
		inv.System.Value = decimal.NewNullDecimal(leader.Value)
		inv.System.Deadline = &offer.Deadline

		if err := s.apply(ctx, change{next: next, checkpoint: true, offer: offer, events: events(roundClosed, act, inv)}); err != nil {
			return err
		}
		s.arm()
		s.logger.Info("tie-break activated",
			slog.String("supplier_id", cand.SupplierID),
			slog.Time("deadline", offer.Deadline))
		return nil
	}

	next := s.state
	next.Phase = domain.PhaseClosed
	next.ClosedReason = "ranking closed"
	next.ClosedAt = now
	winner, hasWinner := s.ledger.Leading()
	if hasWinner {
		next.WinnerBidID = winner.ID
	}

	if err := s.apply(ctx, change{next: next, checkpoint: true, events: events(roundClosed, s.closedEvent(now, next, winner))}); err != nil {
		return err
	}
	s.disarm()
	s.logger.Info("dispute closed", slog.String("winner_bid_id", next.WinnerBidID))
	return nil
}

// expireTieBreak closes the lot with the original leader when the invited
// supplier let the window pass.
func (s *Session) expireTieBreak(ctx context.Context, now time.Time) error {
	expired, ok := s.tiebreak.Expire(now)
	if !ok {
		s.arm()
		return nil
	}
	next := s.state
	next.Phase = domain.PhaseClosed
	next.WinnerBidID = expired.LeadingBidID
	next.ClosedReason = "tie-break window expired"
	next.ClosedAt = now

	winner, _ := s.ledger.Bid(expired.LeadingBidID)
	exp := s.systemEvent(now, domain.Public, domain.SystemTieBreakExpired,
		fmt.Sprintf("%s did not submit a counter-offer", expired.Label))
	exp.System.SupplierID = expired.SupplierID
	exp.System.Label = expired.Label

	if err := s.apply(ctx, change{next: next, checkpoint: true, offer: expired, events: events(exp, s.closedEvent(now, next, winner))}); err != nil {
		return err
	}
	s.onTieBreakResolved(expired)
	return nil
}

func (s *Session) roundClosedEvent(now time.Time) *domain.Event {
	round := s.state.Round
	msg := fmt.Sprintf("round %d closed", round.Index)
	evt := s.systemEvent(now, domain.Public, domain.SystemRoundClosed, msg)
	evt.System.Round = &round
	if leader, ok := s.ledger.Ranking().Leader(); ok {
		evt.System.Message = fmt.Sprintf("%s, best offer %s from %s", msg, leader.Value.StringFixed(2), leader.Label)
		evt.System.SupplierID = leader.SupplierID
		evt.System.Label = leader.Label
		evt.System.Value = decimal.NewNullDecimal(leader.Value)
	}
	return evt
}
