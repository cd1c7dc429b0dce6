package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidKind records which rule admitted a bid.
type BidKind string

const (
	BidOpen     BidKind = "open"
	BidSealed   BidKind = "sealed"
	BidTieBreak BidKind = "tiebreak"
)

// Bid is an admitted price offer. Bids are append-only: a supplier's earlier
// bid is marked Superseded when a newer one is admitted, never removed.
type Bid struct {
	ID          string          `json:"id"`
	LotID       string          `json:"lot_id"`
	Seq         uint64          `json:"seq"`
	SupplierID  string          `json:"supplier_id,omitempty"`
	Label       string          `json:"label,omitempty"`
	Value       decimal.Decimal `json:"value"`
	Round       int             `json:"round"`
	Kind        BidKind         `json:"kind"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Superseded  bool            `json:"superseded,omitempty"`
}

// Clone returns a copy of the bid.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	cp := *b
	return &cp
}

// OfferStatus is the lifecycle of a tie-break offer.
type OfferStatus string

const (
	OfferPending    OfferStatus = "pending"
	OfferAccepted   OfferStatus = "accepted"
	OfferExpired    OfferStatus = "expired"
	OfferSuperseded OfferStatus = "superseded"
)

// TieBreakOffer is the small-business preference granted to one supplier
// after the ranking closes.
type TieBreakOffer struct {
	ID            string          `json:"id"`
	LotID         string          `json:"lot_id"`
	SupplierID    string          `json:"supplier_id,omitempty"`
	Label         string          `json:"label,omitempty"`
	LeadingBidID  string          `json:"leading_bid_id"`
	OriginalValue decimal.Decimal `json:"original_value"`
	CounterValue  decimal.Decimal `json:"counter_value,omitzero"`
	Reduction     decimal.Decimal `json:"reduction,omitzero"`
	Status        OfferStatus     `json:"status"`
	ActivatedAt   time.Time       `json:"activated_at"`
	Deadline      time.Time       `json:"deadline"`
	ResolvedAt    time.Time       `json:"resolved_at,omitzero"`
}

// Clone returns a copy of the offer.
func (o *TieBreakOffer) Clone() *TieBreakOffer {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}
