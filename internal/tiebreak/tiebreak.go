// Package tiebreak grants the small-business (ME/EPP) preference after a
// lot's ranking closes: when the leader is not a small business and one
// ranks within the threshold, that supplier gets one chance to undercut.
package tiebreak

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/ledger"
)

var hundred = decimal.NewFromInt(100)

// Classifier reports whether a supplier is a small business.
type Classifier func(supplierID string) bool

// Coordinator tracks the single tie-break of a lot. It is owned by the lot
// session and is not safe for concurrent use.
type Coordinator struct {
	lotID     string
	window    time.Duration
	threshold decimal.Decimal

	used  bool
	offer *domain.TieBreakOffer
}

// New creates a coordinator. threshold is a percentage above the leading value.
func New(lotID string, window time.Duration, threshold decimal.Decimal) *Coordinator {
	return &Coordinator{lotID: lotID, window: window, threshold: threshold}
}

// Candidate returns the best-ranked small business within the threshold of a
// non-small-business leader.
func (c *Coordinator) Candidate(r *ledger.Ranking, isMEEPP Classifier) (leader, candidate ledger.Entry, ok bool) {
	if c.used {
		return ledger.Entry{}, ledger.Entry{}, false
	}
	leader, ok = r.Leader()
	if !ok || isMEEPP(leader.SupplierID) {
		return ledger.Entry{}, ledger.Entry{}, false
	}
	limit := leader.Value.Mul(hundred.Add(c.threshold)).Div(hundred)
	for e := range r.All() {
		if e.Position == 1 || !isMEEPP(e.SupplierID) {
			continue
		}
		if e.Value.GreaterThan(limit) {
			break
		}
		return leader, e, true
	}
	return ledger.Entry{}, ledger.Entry{}, false
}

// Activate builds the pending offer for candidate. The coordinator is not
// changed until Apply.
func (c *Coordinator) Activate(leader, candidate ledger.Entry, now time.Time) (*domain.TieBreakOffer, error) {
	if c.used {
		return nil, domain.ErrNotOpenForBidding.WithMessage("tie-break already used for this lot")
	}
	return &domain.TieBreakOffer{
		ID:            uuid.NewString(),
		LotID:         c.lotID,
		SupplierID:    candidate.SupplierID,
		Label:         candidate.Label,
		LeadingBidID:  leader.BidID,
		OriginalValue: leader.Value,
		Status:        domain.OfferPending,
		ActivatedAt:   now,
		Deadline:      now.Add(c.window),
	}, nil
}

// CounterOffer validates a counter-offer and returns the accepted offer. The
// coordinator is not changed until Apply.
func (c *Coordinator) CounterOffer(supplierID string, value decimal.Decimal, at time.Time) (*domain.TieBreakOffer, error) {
	o := c.offer
	if o == nil {
		return nil, domain.ErrNotOpenForBidding.WithMessage("no tie-break offer is pending")
	}
	if o.SupplierID != supplierID {
		return nil, domain.ErrWrongSupplier
	}
	if o.Status != domain.OfferPending || !at.Before(o.Deadline) {
		return nil, domain.ErrTooLate
	}
	if value.GreaterThanOrEqual(o.OriginalValue) {
		return nil, domain.ErrValueNotBelowLeading
	}
	accepted := o.Clone()
	accepted.Status = domain.OfferAccepted
	accepted.CounterValue = value
	accepted.Reduction = Reduction(o.OriginalValue, value)
	accepted.ResolvedAt = at
	return accepted, nil
}

// Expire returns the expired form of the pending offer once its deadline passed.
func (c *Coordinator) Expire(now time.Time) (*domain.TieBreakOffer, bool) {
	if !c.Pending() || now.Before(c.offer.Deadline) {
		return nil, false
	}
	expired := c.offer.Clone()
	expired.Status = domain.OfferExpired
	expired.ResolvedAt = now
	return expired, true
}

// Supersede returns the superseded form of the pending offer, used when the
// lot is force-closed during negotiation.
func (c *Coordinator) Supersede(now time.Time) (*domain.TieBreakOffer, bool) {
	if !c.Pending() {
		return nil, false
	}
	o := c.offer.Clone()
	o.Status = domain.OfferSuperseded
	o.ResolvedAt = now
	return o, true
}

// Apply records an offer produced by Activate, CounterOffer, Expire or
// Supersede after it has been persisted.
func (c *Coordinator) Apply(o *domain.TieBreakOffer) {
	c.used = true
	c.offer = o.Clone()
}

// Pending reports whether an offer awaits a counter-offer.
func (c *Coordinator) Pending() bool {
	return c.offer != nil && c.offer.Status == domain.OfferPending
}

// Offer returns a copy of the current offer, if any.
func (c *Coordinator) Offer() *domain.TieBreakOffer {
	return c.offer.Clone()
}

// Reduction is the percentage by which counter undercuts original, rounded
// to two decimal places.
func Reduction(original, counter decimal.Decimal) decimal.Decimal {
	if original.IsZero() {
		return decimal.Zero
	}
	return original.Sub(counter).Mul(hundred).DivRound(original, 8).Round(2)
}
