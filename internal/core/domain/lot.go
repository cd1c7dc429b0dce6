package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DisputeMode selects the bidding policy of a lot.
type DisputeMode string

const (
	ModeOpen            DisputeMode = "open"
	ModeOpenWithRestart DisputeMode = "open_with_restart"
	ModeClosed          DisputeMode = "closed"
	ModeOpenThenClosed  DisputeMode = "open_then_closed"
	ModeClosedThenOpen  DisputeMode = "closed_then_open"
	ModeRandom          DisputeMode = "random"
)

// Valid reports whether m is a known dispute mode.
func (m DisputeMode) Valid() bool {
	switch m {
	case ModeOpen, ModeOpenWithRestart, ModeClosed, ModeOpenThenClosed, ModeClosedThenOpen, ModeRandom:
		return true
	}
	return false
}

// Phase is the lifecycle stage of a lot.
type Phase string

const (
	PhaseWaiting     Phase = "waiting"
	PhaseOpen        Phase = "open"
	PhaseNegotiation Phase = "negotiation"
	PhaseClosed      Phase = "closed"
)

// Active reports whether the phase runs against a deadline.
func (p Phase) Active() bool {
	return p == PhaseOpen || p == PhaseNegotiation
}

// RoundKind is the bidding rule of the current round.
type RoundKind string

const (
	RoundNone          RoundKind = ""
	RoundOpen          RoundKind = "open"
	RoundSealed        RoundKind = "sealed"
	RoundRestartWindow RoundKind = "restart_window"
)

// Round describes the active round of an open lot.
type Round struct {
	Kind  RoundKind `json:"kind" cbor:"1,keyasint"`
	Index int       `json:"index" cbor:"2,keyasint"`
	// Restricted lists the suppliers admitted to this round. Empty means all
	// registered suppliers.
	Restricted []string `json:"restricted,omitempty" cbor:"3,keyasint,omitempty"`
}

// Admits reports whether supplierID may bid in the round.
func (r Round) Admits(supplierID string) bool {
	if len(r.Restricted) == 0 {
		return true
	}
	for _, id := range r.Restricted {
		if id == supplierID {
			return true
		}
	}
	return false
}

// Timing carries the durations and thresholds that drive a lot's policy.
type Timing struct {
	InitialWindow      time.Duration `json:"initial_window"`
	ExtensionWindow    time.Duration `json:"extension_window"`
	ExtensionThreshold time.Duration `json:"extension_threshold"`
	SealedWindow       time.Duration `json:"sealed_window"`
	RestartGrace       time.Duration `json:"restart_grace"`
	RandomTailMax      time.Duration `json:"random_tail_max"`
	TopN               int           `json:"top_n"`
	TieBreakWindow     time.Duration `json:"tiebreak_window"`
	// TieBreakThreshold is a percentage above the leading value.
	TieBreakThreshold decimal.Decimal `json:"tiebreak_threshold"`
}

// DefaultTiming returns the timing used when a lot does not override it.
func DefaultTiming() Timing {
	return Timing{
		InitialWindow:      10 * time.Minute,
		ExtensionWindow:    2 * time.Minute,
		ExtensionThreshold: 2 * time.Minute,
		SealedWindow:       5 * time.Minute,
		RestartGrace:       5 * time.Minute,
		RandomTailMax:      30 * time.Minute,
		TopN:               3,
		TieBreakWindow:     5 * time.Minute,
		TieBreakThreshold:  decimal.NewFromInt(5),
	}
}

// WithDefaults fills zero fields from def.
func (t Timing) WithDefaults(def Timing) Timing {
	if t.InitialWindow <= 0 {
		t.InitialWindow = def.InitialWindow
	}
	if t.ExtensionWindow <= 0 {
		t.ExtensionWindow = def.ExtensionWindow
	}
	if t.ExtensionThreshold <= 0 {
		t.ExtensionThreshold = def.ExtensionThreshold
	}
	if t.SealedWindow <= 0 {
		t.SealedWindow = def.SealedWindow
	}
	if t.RestartGrace <= 0 {
		t.RestartGrace = def.RestartGrace
	}
	if t.RandomTailMax <= 0 {
		t.RandomTailMax = def.RandomTailMax
	}
	if t.TopN <= 0 {
		t.TopN = def.TopN
	}
	if t.TieBreakWindow <= 0 {
		t.TieBreakWindow = def.TieBreakWindow
	}
	if !t.TieBreakThreshold.IsPositive() {
		t.TieBreakThreshold = def.TieBreakThreshold
	}
	return t
}

// LotConfig is the immutable definition of a lot, fixed before the session opens.
type LotConfig struct {
	ID             string          `json:"id"`
	TenderID       string          `json:"tender_id"`
	Description    string          `json:"description,omitempty"`
	EstimatedValue decimal.Decimal `json:"estimated_value"`
	MinDecrement   decimal.Decimal `json:"min_decrement"`
	Mode           DisputeMode     `json:"mode"`
	Timing         Timing          `json:"timing"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Validate checks the configuration before the lot is opened.
func (c *LotConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.ID) == "":
		return ErrInvalidRequest.WithMessage("lot id is required")
	case strings.TrimSpace(c.TenderID) == "":
		return ErrInvalidRequest.WithMessage("tender id is required")
	case !c.Mode.Valid():
		return ErrInvalidRequest.WithMessage("unknown dispute mode %q", c.Mode)
	case c.MinDecrement.IsNegative():
		return ErrInvalidRequest.WithMessage("minimum decrement must not be negative")
	case c.EstimatedValue.IsNegative():
		return ErrInvalidRequest.WithMessage("estimated value must not be negative")
	}
	return nil
}

// Lot is a read-only snapshot of a lot's state.
type Lot struct {
	LotConfig
	Phase        Phase          `json:"phase"`
	Round        Round          `json:"round"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	Deadline     time.Time      `json:"deadline,omitzero"`
	RestartUsed  bool           `json:"restart_used,omitempty"`
	Participants int            `json:"participants"`
	Leading      *Bid           `json:"leading,omitempty"`
	Winner       *Bid           `json:"winner,omitempty"`
	Offer        *TieBreakOffer `json:"tiebreak,omitempty"`
	ClosedReason string         `json:"closed_reason,omitempty"`
	ForceClosed  bool           `json:"force_closed,omitempty"`
	ClosedAt     time.Time      `json:"closed_at,omitzero"`
	LastEventSeq uint64         `json:"last_event_seq"`

	// RandomTail is never rendered; it is the hidden extension of a random-mode lot.
	RandomTail time.Duration `json:"-"`
}

// DeadlineHidden reports whether viewers must not learn the deadline.
func (l *Lot) DeadlineHidden() bool {
	return l.Mode == ModeRandom && l.Phase == PhaseOpen
}

// Participant is a supplier registered for a lot.
type Participant struct {
	LotID        string    `json:"lot_id"`
	SupplierID   string    `json:"supplier_id"`
	Name         string    `json:"name,omitempty"`
	Label        string    `json:"label"`
	Ordinal      int       `json:"ordinal"`
	MEEPP        bool      `json:"me_epp"`
	RegisteredAt time.Time `json:"registered_at"`
}
