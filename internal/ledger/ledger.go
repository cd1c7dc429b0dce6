// Package ledger keeps the append-only bid history of a lot and derives its
// ranking.
package ledger

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
)

// monetaryPrecision is the number of decimal places (centavos) a bid may carry.
const monetaryPrecision = 2

// Submission is a bid that has passed the policy and awaits ledger validation.
type Submission struct {
	SupplierID string
	Label      string
	Value      decimal.Decimal
	At         time.Time
	Round      int
	Kind       domain.BidKind
}

// Ledger is owned by a single lot session. Prepare, Commit and Replay must
// not be called concurrently; Ranking may be read from any goroutine.
type Ledger struct {
	lotID        string
	ceiling      decimal.Decimal
	minDecrement decimal.Decimal

	bids    []*domain.Bid
	active  map[string]int
	ranking atomic.Pointer[Ranking]
}

// New creates an empty ledger. A positive ceiling caps the first bid of the lot.
func New(lotID string, ceiling, minDecrement decimal.Decimal) *Ledger {
	l := &Ledger{
		lotID:        lotID,
		ceiling:      ceiling,
		minDecrement: minDecrement,
		active:       make(map[string]int),
	}
	l.ranking.Store(newRanking(nil))
	return l
}

// Prepare validates s against the ledger and returns the bid that Commit
// would append, carrying the next sequence number. The ledger is not changed.
func (l *Ledger) Prepare(s Submission) (*domain.Bid, error) {
	if !s.Value.IsPositive() {
		return nil, domain.ErrInvalidValue
	}
	if !s.Value.Equal(s.Value.Round(monetaryPrecision)) {
		return nil, domain.ErrInvalidValue.WithMessage("bid value must have at most %d decimal places", monetaryPrecision)
	}

	switch s.Kind {
	case domain.BidOpen:
		if err := l.checkBelowLeading(s.Value); err != nil {
			return nil, err
		}
	case domain.BidSealed:
		if err := l.checkSealed(s); err != nil {
			return nil, err
		}
	case domain.BidTieBreak:
		leader, ok := l.Ranking().Leader()
		if !ok || s.Value.GreaterThanOrEqual(leader.Value) {
			return nil, domain.ErrValueNotBelowLeading
		}
	default:
		return nil, fmt.Errorf("ledger: unknown bid kind %q", s.Kind)
	}

	return &domain.Bid{
		ID:          uuid.NewString(),
		LotID:       l.lotID,
		Seq:         l.nextSeq(),
		SupplierID:  s.SupplierID,
		Label:       s.Label,
		Value:       s.Value,
		Round:       s.Round,
		Kind:        s.Kind,
		SubmittedAt: s.At,
	}, nil
}

func (l *Ledger) checkBelowLeading(value decimal.Decimal) error {
	leader, ok := l.Ranking().Leader()
	if !ok {
		if l.ceiling.IsPositive() && value.GreaterThan(l.ceiling) {
			return domain.ErrValueNotBelowFloor.WithMessage("bid must not exceed the estimated value %s", l.ceiling.StringFixed(monetaryPrecision))
		}
		return nil
	}
	floor := leader.Value.Sub(l.minDecrement)
	if value.GreaterThanOrEqual(leader.Value) || value.GreaterThan(floor) {
		return domain.ErrValueNotBelowFloor.WithMessage("bid must be at most %s", floor.StringFixed(monetaryPrecision))
	}
	return nil
}

func (l *Ledger) checkSealed(s Submission) error {
	idx, ok := l.active[s.SupplierID]
	if !ok {
		return nil
	}
	prev := l.bids[idx]
	if prev.Kind == domain.BidSealed && prev.Round == s.Round {
		return domain.ErrSealedBidAlreadySubmitted
	}
	if s.Value.GreaterThan(prev.Value) {
		return domain.ErrValueNotBelowFloor.WithMessage("sealed bid must not exceed your previous bid %s", prev.Value.StringFixed(monetaryPrecision))
	}
	return nil
}

// Commit appends a prepared bid, supersedes the supplier's previous bid and
// publishes a new ranking snapshot.
func (l *Ledger) Commit(b *domain.Bid) error {
	if want := l.nextSeq(); b.Seq != want {
		return domain.ErrLogCorrupt.WithMessage("bid sequence %d, expected %d", b.Seq, want)
	}
	if b.LotID != l.lotID {
		return domain.ErrLogCorrupt.WithMessage("bid %s belongs to lot %s", b.ID, b.LotID)
	}
	bid := b.Clone()
	bid.Superseded = false
	l.bids = append(l.bids, bid)
	if prev, ok := l.active[bid.SupplierID]; ok {
		l.bids[prev].Superseded = true
	}
	l.active[bid.SupplierID] = len(l.bids) - 1
	l.publish()
	return nil
}

// Replay rebuilds the ledger from a persisted bid log. The log must be
// contiguous from sequence 1.
func (l *Ledger) Replay(bids []*domain.Bid) error {
	for _, b := range bids {
		if err := l.Commit(b); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) publish() {
	entries := make([]Entry, 0, len(l.active))
	for _, idx := range l.active {
		b := l.bids[idx]
		entries = append(entries, Entry{
			SupplierID:  b.SupplierID,
			Label:       b.Label,
			Value:       b.Value,
			BidID:       b.ID,
			BidSeq:      b.Seq,
			SubmittedAt: b.SubmittedAt,
		})
	}
	l.ranking.Store(newRanking(entries))
}

func (l *Ledger) nextSeq() uint64 {
	return uint64(len(l.bids)) + 1
}

// LastSeq returns the sequence number of the last committed bid.
func (l *Ledger) LastSeq() uint64 {
	return uint64(len(l.bids))
}

// Ranking returns the current ranking snapshot.
func (l *Ledger) Ranking() *Ranking {
	return l.ranking.Load()
}

// Leading returns the first-ranked bid.
func (l *Ledger) Leading() (*domain.Bid, bool) {
	leader, ok := l.Ranking().Leader()
	if !ok {
		return nil, false
	}
	return l.Bid(leader.BidID)
}

// Active returns the supplier's current bid.
func (l *Ledger) Active(supplierID string) (*domain.Bid, bool) {
	idx, ok := l.active[supplierID]
	if !ok {
		return nil, false
	}
	return l.bids[idx].Clone(), true
}

// Bid looks up a bid by ID.
func (l *Ledger) Bid(id string) (*domain.Bid, bool) {
	for i := len(l.bids) - 1; i >= 0; i-- {
		if l.bids[i].ID == id {
			return l.bids[i].Clone(), true
		}
	}
	return nil, false
}

// Bids returns a copy of the full history, superseded bids included.
func (l *Ledger) Bids() []*domain.Bid {
	out := make([]*domain.Bid, len(l.bids))
	for i, b := range l.bids {
		out[i] = b.Clone()
	}
	return out
}

// After returns committed bids with a sequence number greater than seq.
func (l *Ledger) After(seq uint64) []*domain.Bid {
	if seq >= uint64(len(l.bids)) {
		return nil
	}
	out := make([]*domain.Bid, 0, uint64(len(l.bids))-seq)
	for _, b := range l.bids[seq:] {
		out = append(out, b.Clone())
	}
	return out
}

// SubmittedInRound reports whether the supplier already placed a sealed bid
// in the given round.
func (l *Ledger) SubmittedInRound(supplierID string, round int) bool {
	b, ok := l.Active(supplierID)
	return ok && b.Kind == domain.BidSealed && b.Round == round
}

// SealedCount returns how many suppliers placed a sealed bid in the round.
func (l *Ledger) SealedCount(round int) int {
	n := 0
	for _, idx := range l.active {
		b := l.bids[idx]
		if b.Kind == domain.BidSealed && b.Round == round {
			n++
		}
	}
	return n
}
