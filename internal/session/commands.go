package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/ledger"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/policy"
)

// Register adds a supplier to the lot. Registering again returns the
// existing participant.
func (s *Session) Register(ctx context.Context, actor domain.Actor) (*domain.Participant, error) {
	var out *domain.Participant
	err := s.do(ctx, nil, func(ctx context.Context) error {
		if p, ok := s.participants[actor.ID]; ok {
			cp := *p
			out = &cp
			return nil
		}
		if s.state.Phase != domain.PhaseWaiting {
			return domain.ErrRegistrationClosed
		}

		now := s.clock.Now()
		ordinal := len(s.order) + 1
		p := &domain.Participant{
			LotID:        s.lot.ID,
			SupplierID:   actor.ID,
			Name:         actor.Name,
			Label:        Label(ordinal),
			Ordinal:      ordinal,
			MEEPP:        actor.MEEPP,
			RegisteredAt: now,
		}
		evt := s.systemEvent(now, domain.Public, domain.SystemParticipantRegistered,
			fmt.Sprintf("%s registered", p.Label))
		evt.System.SupplierID = p.SupplierID
		evt.System.Label = p.Label

		if err := s.apply(ctx, change{next: s.state, participant: p, events: events(evt)}); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// Start opens the dispute.
func (s *Session) Start(ctx context.Context) error {
	return s.do(ctx, nil, func(ctx context.Context) error {
		switch s.state.Phase {
		case domain.PhaseWaiting:
		case domain.PhaseClosed:
			return domain.ErrLotClosed
		default:
			return domain.ErrAlreadyStarted
		}

		now := s.clock.Now()
		opening := s.policy.Open(s.lot.Timing, s.rand)
		next := s.state
		next.Phase = domain.PhaseOpen
		next.Round = domain.Round{Kind: opening.Round, Index: 1}
		next.StartedAt = now
		next.Deadline = now.Add(opening.Duration)
		next.RandomTail = opening.RandomTail

		evt := s.systemEvent(now, domain.Public, domain.SystemDisputeOpened,
			fmt.Sprintf("dispute opened with a %s round", opening.Round))
		evt.System.Phase = next.Phase
		evt.System.Round = &next.Round
		evt.System.Deadline = s.publicDeadline(next)

		if err := s.apply(ctx, change{next: next, checkpoint: true, events: events(evt)}); err != nil {
			return err
		}
		s.arm()
		s.logger.Info("dispute opened",
			slog.String("round", string(next.Round.Kind)),
			slog.Time("deadline", next.Deadline))
		return nil
	})
}

// SubmitBid admits a bid stamped at at. A zero at stamps the bid as it is
// queued. During tie-break negotiation a bid from the invited supplier is
// treated as its counter-offer.
func (s *Session) SubmitBid(ctx context.Context, supplierID string, value decimal.Decimal, at time.Time) (*domain.Bid, error) {
	var out *domain.Bid
	err := s.do(ctx, stampInto(&at), func(ctx context.Context) error {
		switch s.state.Phase {
		case domain.PhaseWaiting:
			return domain.ErrNotOpenForBidding.WithMessage("dispute has not started")
		case domain.PhaseClosed:
			return domain.ErrNotOpenForBidding.WithMessage("lot is closed")
		}
		p, ok := s.participants[supplierID]
		if !ok {
			return domain.ErrSupplierNotRegistered
		}

		if s.state.Phase == domain.PhaseNegotiation {
			if o := s.tiebreak.Offer(); o != nil && o.SupplierID == supplierID {
				bid, _, err := s.counterOffer(ctx, p, value, at)
				out = bid
				return err
			}
			return domain.ErrNotOpenForBidding.WithMessage("lot is in tie-break negotiation")
		}

		bid, err := s.submitBid(ctx, p, value, at)
		out = bid
		return err
	})
	return out, err
}

func (s *Session) submitBid(ctx context.Context, p *domain.Participant, value decimal.Decimal, at time.Time) (*domain.Bid, error) {
	if at.Before(s.lastBidAt) {
		return nil, domain.ErrStaleBid
	}
	if !at.Before(s.state.Deadline) {
		return nil, domain.ErrNotOpenForBidding.WithMessage("deadline passed")
	}

	round := s.state.Round
	decision := s.policy.OnBid(s.policyState(), policy.BidContext{
		SupplierID:       p.SupplierID,
		AlreadySubmitted: s.ledger.SubmittedInRound(p.SupplierID, round.Index),
		Remaining:        s.state.Deadline.Sub(at),
	})
	if decision.Action == policy.ActionReject {
		return nil, decision.Reason
	}

	kind, vis := domain.BidOpen, domain.Public
	if round.Kind == domain.RoundSealed {
		kind, vis = domain.BidSealed, domain.PrivateTo(p.SupplierID)
	}
	bid, err := s.ledger.Prepare(ledger.Submission{
		SupplierID: p.SupplierID,
		Label:      p.Label,
		Value:      value,
		At:         at,
		Round:      round.Index,
		Kind:       kind,
	})
	if err != nil {
		return nil, err
	}

	next := s.state
	evts := events(bidEvent(bid, vis))
	extended := false
	if decision.Action == policy.ActionExtend {
		if d := at.Add(decision.Extension); d.After(next.Deadline) {
			next.Deadline = d
			extended = true
			ext := s.systemEvent(at, domain.Public, domain.SystemDeadlineExtended,
				fmt.Sprintf("deadline extended by a bid from %s", p.Label))
			ext.System.Deadline = s.publicDeadline(next)
			evts = append(evts, ext)
		}
	}

	if err := s.apply(ctx, change{next: next, bid: bid, events: evts}); err != nil {
		return nil, err
	}
	s.onBidAdmitted(bid, extended)

	if decision.CloseRound {
		s.logger.Info("sealed round complete", slog.Int("round", round.Index))
		if err := s.onDeadlineExpired(ctx, s.clock.Now()); err != nil {
			s.logger.Error("early round close failed, retrying",
				slog.String("error", err.Error()))
			s.retry()
		}
	}
	return bid, nil
}

// onBidAdmitted re-arms the deadline timer after an extension.
func (s *Session) onBidAdmitted(bid *domain.Bid, extended bool) {
	s.logger.Debug("bid admitted",
		slog.Uint64("seq", bid.Seq),
		slog.String("supplier_id", bid.SupplierID),
		slog.String("value", bid.Value.String()))
	if extended {
		s.arm()
		s.logger.Info("deadline extended", slog.Time("deadline", s.state.Deadline))
	}
}

// RespondTieBreak submits the invited supplier's counter-offer. A zero at
// stamps it as it is queued.
func (s *Session) RespondTieBreak(ctx context.Context, supplierID string, value decimal.Decimal, at time.Time) (*domain.TieBreakOffer, error) {
	var out *domain.TieBreakOffer
	err := s.do(ctx, stampInto(&at), func(ctx context.Context) error {
		p, ok := s.participants[supplierID]
		if !ok {
			return domain.ErrSupplierNotRegistered
		}
		o := s.tiebreak.Offer()
		if o == nil {
			return domain.ErrNotOpenForBidding.WithMessage("no tie-break offer was made")
		}
		if o.SupplierID != supplierID {
			return domain.ErrWrongSupplier
		}
		if s.state.Phase != domain.PhaseNegotiation {
			return domain.ErrTooLate
		}
		_, offer, err := s.counterOffer(ctx, p, value, at)
		out = offer
		return err
	})
	return out, err
}

func (s *Session) counterOffer(ctx context.Context, p *domain.Participant, value decimal.Decimal, at time.Time) (*domain.Bid, *domain.TieBreakOffer, error) {
	accepted, err := s.tiebreak.CounterOffer(p.SupplierID, value, at)
	if err != nil {
		return nil, nil, err
	}
	bid, err := s.ledger.Prepare(ledger.Submission{
		SupplierID: p.SupplierID,
		Label:      p.Label,
		Value:      value,
		At:         at,
		Round:      s.state.Round.Index,
		Kind:       domain.BidTieBreak,
	})
	if err != nil {
		return nil, nil, err
	}

	next := s.state
	next.Phase = domain.PhaseClosed
	next.WinnerBidID = bid.ID
	next.ClosedReason = "tie-break counter-offer accepted"
	next.ClosedAt = at

	acc := s.systemEvent(at, domain.Public, domain.SystemTieBreakAccepted,
		fmt.Sprintf("%s undercut the leading bid by %s%%", p.Label, accepted.Reduction.StringFixed(2)))
	acc.System.SupplierID = p.SupplierID
	acc.System.Label = p.Label
	acc.System.Value = decimal.NewNullDecimal(value)
	acc.System.Reduction = decimal.NewNullDecimal(accepted.Reduction)

	evts := events(bidEvent(bid, domain.Public), acc, s.closedEvent(at, next, bid))
	if err := s.apply(ctx, change{next: next, checkpoint: true, bid: bid, offer: accepted, events: evts}); err != nil {
		return nil, nil, err
	}
	s.onTieBreakResolved(accepted)
	return bid, accepted, nil
}

// onTieBreakResolved finishes negotiation once the offer was accepted or expired.
func (s *Session) onTieBreakResolved(o *domain.TieBreakOffer) {
	s.disarm()
	s.logger.Info("tie-break resolved",
		slog.String("status", string(o.Status)),
		slog.String("supplier_id", o.SupplierID))
}

// ForceClose suspends or cancels the lot. It is legal in every phase except
// closed and supersedes a pending tie-break offer.
func (s *Session) ForceClose(ctx context.Context, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.ErrReasonRequired
	}
	return s.do(ctx, nil, func(ctx context.Context) error {
		if s.state.Phase == domain.PhaseClosed {
			return domain.ErrLotClosed
		}
		now := s.clock.Now()
		next := s.state
		next.Phase = domain.PhaseClosed
		next.ClosedReason = reason
		next.ForceClosed = true
		next.ClosedAt = now
		next.WinnerBidID = ""

		var evts []*domain.Event
		superseded, hadOffer := s.tiebreak.Supersede(now)
		if hadOffer {
			evts = append(evts, s.systemEvent(now, domain.Public, domain.SystemTieBreakSuperseded,
				"tie-break offer withdrawn by the pregoeiro"))
		}
		closed := s.systemEvent(now, domain.Public, domain.SystemForceClosed, "lot closed by the pregoeiro: "+reason)
		closed.System.Phase = domain.PhaseClosed
		closed.System.Reason = reason
		evts = append(evts, closed)

		if err := s.apply(ctx, change{next: next, checkpoint: true, offer: superseded, events: evts}); err != nil {
			return err
		}
		s.disarm()
		s.logger.Warn("lot force-closed", slog.String("reason", reason))
		return nil
	})
}

// Restart reopens bidding during the restart window of an
// open-with-restart lot.
func (s *Session) Restart(ctx context.Context) error {
	return s.do(ctx, nil, func(ctx context.Context) error {
		if s.state.Phase != domain.PhaseOpen {
			return domain.ErrRestartUnavailable.WithMessage("lot is %s", s.state.Phase)
		}
		tr, err := s.policy.Restart(s.policyState())
		if err != nil {
			return err
		}
		now := s.clock.Now()
		next := s.state
		next.Round = domain.Round{Kind: tr.Round, Index: s.state.Round.Index + 1}
		next.RestartUsed = true
		next.Deadline = now.Add(tr.Duration)

		evt := s.systemEvent(now, domain.Public, domain.SystemDisputeRestarted, "dispute restarted by the pregoeiro")
		evt.System.Round = &next.Round
		evt.System.Deadline = s.publicDeadline(next)

		if err := s.apply(ctx, change{next: next, checkpoint: true, events: events(evt)}); err != nil {
			return err
		}
		s.arm()
		s.logger.Info("dispute restarted", slog.Time("deadline", next.Deadline))
		return nil
	})
}

// Message posts a chat message. The pregoeiro may write to everyone (to is
// empty) or privately to one supplier; a supplier always writes privately to
// the pregoeiro.
func (s *Session) Message(ctx context.Context, from domain.Actor, to, text string) (*domain.Event, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrInvalidRequest.WithMessage("message text is required")
	}
	var out *domain.Event
	err := s.do(ctx, nil, func(ctx context.Context) error {
		if s.state.Phase == domain.PhaseClosed {
			return domain.ErrLotClosed
		}

		payload := &domain.ChatPayload{FromRole: from.Role, FromID: from.ID, Text: text}
		vis := domain.Public
		switch from.Role {
		case domain.RolePregoeiro:
			payload.From = PregoeiroLabel
			if to != "" {
				p, ok := s.participants[to]
				if !ok {
					return domain.ErrSupplierNotRegistered
				}
				payload.ToID, payload.To = p.SupplierID, p.Label
				vis = domain.PrivateTo(p.SupplierID)
			}
		case domain.RoleSupplier:
			p, ok := s.participants[from.ID]
			if !ok {
				return domain.ErrSupplierNotRegistered
			}
			payload.From, payload.To = p.Label, PregoeiroLabel
			vis = domain.PrivateTo(p.SupplierID)
		default:
			return domain.ErrRoleMismatch.WithMessage("%s may not send messages", from.Role)
		}

		evt := &domain.Event{Kind: domain.EventChat, Visibility: vis, At: s.clock.Now(), Chat: payload}
		if err := s.apply(ctx, change{next: s.state, events: events(evt)}); err != nil {
			return err
		}
		out = evt.Clone()
		return nil
	})
	return out, err
}

func stampInto(at *time.Time) func(time.Time) {
	return func(now time.Time) {
		if at.IsZero() {
			*at = now
		}
	}
}

func events(evts ...*domain.Event) []*domain.Event {
	return evts
}

func (s *Session) systemEvent(at time.Time, vis domain.Visibility, code domain.SystemCode, msg string) *domain.Event {
	return &domain.Event{
		Kind:       domain.EventSystem,
		Visibility: vis,
		At:         at,
		System:     &domain.SystemPayload{Code: code, Message: msg},
	}
}

func bidEvent(b *domain.Bid, vis domain.Visibility) *domain.Event {
	return &domain.Event{
		Kind:       domain.EventBid,
		Visibility: vis,
		At:         b.SubmittedAt,
		Bid: &domain.BidPayload{
			BidID:      b.ID,
			BidSeq:     b.Seq,
			SupplierID: b.SupplierID,
			Label:      b.Label,
			Value:      b.Value,
			Round:      b.Round,
			Kind:       b.Kind,
		},
	}
}

func (s *Session) closedEvent(at time.Time, next state, winner *domain.Bid) *domain.Event {
	msg := "dispute closed without bids"
	if winner != nil {
		msg = fmt.Sprintf("dispute closed, %s wins with %s", winner.Label, winner.Value.StringFixed(2))
	}
	evt := s.systemEvent(at, domain.Public, domain.SystemDisputeClosed, msg)
	evt.System.Phase = domain.PhaseClosed
	evt.System.Reason = next.ClosedReason
	if winner != nil {
		evt.System.SupplierID = winner.SupplierID
		evt.System.Label = winner.Label
		evt.System.Value = decimal.NewNullDecimal(winner.Value)
	}
	return evt
}
