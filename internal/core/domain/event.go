package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies entries of a lot's event log.
type EventKind string

const (
	EventBid    EventKind = "bid"
	EventSystem EventKind = "system"
	EventChat   EventKind = "chat"
	// EventRedacted stands in for an event the viewer may not see, keeping
	// every feed gap-free.
	EventRedacted EventKind = "redacted"
)

// Scope is the audience of an event.
type Scope string

const (
	ScopePublic  Scope = "public"
	ScopePrivate Scope = "private"
)

// Visibility restricts who may read an event. A private event with no
// SupplierID is visible to the pregoeiro only; with a SupplierID it is
// visible to the pregoeiro and that supplier.
type Visibility struct {
	Scope      Scope  `json:"scope"`
	SupplierID string `json:"supplier_id,omitempty"`
}

var (
	Public        = Visibility{Scope: ScopePublic}
	PregoeiroOnly = Visibility{Scope: ScopePrivate}
)

// PrivateTo returns the visibility shared by the pregoeiro and one supplier.
func PrivateTo(supplierID string) Visibility {
	return Visibility{Scope: ScopePrivate, SupplierID: supplierID}
}

// VisibleTo reports whether v may see an event with this visibility.
func (vis Visibility) VisibleTo(v Viewer) bool {
	if vis.Scope == ScopePublic || v.Role == RolePregoeiro {
		return true
	}
	return v.Role == RoleSupplier && vis.SupplierID != "" && vis.SupplierID == v.SupplierID
}

// SystemCode identifies a system announcement.
type SystemCode string

const (
	SystemParticipantRegistered SystemCode = "participant_registered"
	SystemDisputeOpened         SystemCode = "dispute_opened"
	SystemDeadlineExtended      SystemCode = "deadline_extended"
	SystemRoundClosed           SystemCode = "round_closed"
	SystemRoundStarted          SystemCode = "round_started"
	SystemRoundSelected         SystemCode = "round_selected"
	SystemRestartWindowOpened   SystemCode = "restart_window_opened"
	SystemDisputeRestarted      SystemCode = "dispute_restarted"
	SystemTieBreakActivated     SystemCode = "tiebreak_activated"
	SystemTieBreakInvitation    SystemCode = "tiebreak_invitation"
	SystemTieBreakAccepted      SystemCode = "tiebreak_accepted"
	SystemTieBreakExpired       SystemCode = "tiebreak_expired"
	SystemTieBreakSuperseded    SystemCode = "tiebreak_superseded"
	SystemDisputeClosed         SystemCode = "dispute_closed"
	SystemForceClosed           SystemCode = "force_closed"
)

// Event is one entry of a lot's append-only log.
type Event struct {
	ID         string         `json:"id"`
	LotID      string         `json:"lot_id"`
	Seq        uint64         `json:"seq"`
	Kind       EventKind      `json:"kind"`
	Visibility Visibility     `json:"visibility"`
	At         time.Time      `json:"at"`
	Bid        *BidPayload    `json:"bid,omitempty"`
	System     *SystemPayload `json:"system,omitempty"`
	Chat       *ChatPayload   `json:"chat,omitempty"`
}

// BidPayload is the body of a bid event.
type BidPayload struct {
	BidID      string          `json:"bid_id"`
	BidSeq     uint64          `json:"bid_seq"`
	SupplierID string          `json:"supplier_id,omitempty"`
	Label      string          `json:"label"`
	Value      decimal.Decimal `json:"value"`
	Round      int             `json:"round"`
	Kind       BidKind         `json:"kind"`
}

// SystemPayload is the body of a system announcement.
type SystemPayload struct {
	Code       SystemCode          `json:"code"`
	Message    string              `json:"message"`
	Phase      Phase               `json:"phase,omitempty"`
	Round      *Round              `json:"round,omitempty"`
	Deadline   *time.Time          `json:"deadline,omitempty"`
	SupplierID string              `json:"supplier_id,omitempty"`
	Label      string              `json:"label,omitempty"`
	Value      decimal.NullDecimal `json:"value"`
	Reduction  decimal.NullDecimal `json:"reduction"`
	Reason     string              `json:"reason,omitempty"`
}

// ChatPayload is the body of a chat message.
type ChatPayload struct {
	FromRole Role   `json:"from_role"`
	FromID   string `json:"from_id,omitempty"`
	From     string `json:"from"`
	ToID     string `json:"to_id,omitempty"`
	To       string `json:"to,omitempty"`
	Text     string `json:"text"`
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Bid != nil {
		b := *e.Bid
		cp.Bid = &b
	}
	if e.System != nil {
		s := *e.System
		if s.Round != nil {
			r := *s.Round
			r.Restricted = append([]string(nil), r.Restricted...)
			s.Round = &r
		}
		if s.Deadline != nil {
			d := *s.Deadline
			s.Deadline = &d
		}
		cp.System = &s
	}
	if e.Chat != nil {
		c := *e.Chat
		cp.Chat = &c
	}
	return &cp
}

// Notification is the out-of-process form of a system announcement.
type Notification struct {
	LotID   string     `json:"lot_id"`
	Seq     uint64     `json:"seq"`
	Code    SystemCode `json:"code"`
	Message string     `json:"message"`
	Phase   Phase      `json:"phase,omitempty"`
	At      time.Time  `json:"at"`
}
