// Package policy decides, per dispute mode, whether a bid is admitted, when
// deadlines extend and what follows a round's deadline. Policies are
// stateless: every decision is a function of the State handed in.
package policy

import (
	"fmt"
	"time"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
)

// State is the part of a lot's state a policy reads.
type State struct {
	Mode        domain.DisputeMode
	Timing      domain.Timing
	Round       domain.Round
	RestartUsed bool
	// Expected is the number of suppliers that may bid in a sealed round.
	Expected int
	// Submitted is the number of sealed bids already recorded in the round.
	Submitted int
}

// BidContext describes an incoming bid.
type BidContext struct {
	SupplierID       string
	AlreadySubmitted bool
	// Remaining is the time left before the current deadline.
	Remaining time.Duration
}

// Action is the outcome of OnBid.
type Action int

const (
	ActionAdmit Action = iota
	ActionReject
	ActionExtend
)

func (a Action) String() string {
	switch a {
	case ActionAdmit:
		return "admit"
	case ActionReject:
		return "reject"
	case ActionExtend:
		return "extend"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Decision is the result of evaluating a bid.
type Decision struct {
	Action Action
	// Reason is set when Action is ActionReject.
	Reason error
	// Extension is the new remaining time, measured from the bid, when Action is ActionExtend.
	Extension time.Duration
	// CloseRound is set when the bid completes a sealed round.
	CloseRound bool
}

func admit() Decision { return Decision{Action: ActionAdmit} }
func reject(err error) Decision { return Decision{Action: ActionReject, Reason: err} }
func extend(d time.Duration) Decision { return Decision{Action: ActionExtend, Extension: d} }

// TransitionKind is the outcome of OnDeadline.
type TransitionKind int

const (
	// TransitionClose closes the ranking.
	TransitionClose TransitionKind = iota
	// TransitionNextRound opens another round among the top-ranked suppliers.
	TransitionNextRound
	// TransitionAwaitRestart holds the lot in a restart window.
	TransitionAwaitRestart
	// TransitionRestart reopens bidding for everyone.
	TransitionRestart
)

// Transition describes what follows a round.
type Transition struct {
	Kind     TransitionKind
	Round    domain.RoundKind
	Duration time.Duration
	// TopN restricts the next round to the best-ranked suppliers; zero means no restriction.
	TopN int
}

// Opening is the first round of a lot.
type Opening struct {
	Round    domain.RoundKind
	Duration time.Duration
	// RandomTail is the hidden extension drawn for random-mode lots. It is
	// already included in Duration.
	RandomTail time.Duration
}

// Policy is the bidding strategy of one dispute mode.
type Policy interface {
	Open(t domain.Timing, rand RandSource) Opening
	OnBid(st State, bid BidContext) Decision
	OnDeadline(st State) Transition
	Restart(st State) (Transition, error)
}

// For returns the policy of mode.
func For(mode domain.DisputeMode) (Policy, error) {
	switch mode {
	case domain.ModeOpen:
		return openPolicy{}, nil
	case domain.ModeOpenWithRestart:
		return openPolicy{restart: true}, nil
	case domain.ModeClosed:
		return closedPolicy{}, nil
	case domain.ModeOpenThenClosed:
		return hybridPolicy{first: domain.RoundOpen, second: domain.RoundSealed}, nil
	case domain.ModeClosedThenOpen:
		return hybridPolicy{first: domain.RoundSealed, second: domain.RoundOpen}, nil
	case domain.ModeRandom:
		return randomPolicy{}, nil
	}
	return nil, domain.ErrInvalidRequest.WithMessage("unknown dispute mode %q", mode)
}

// Window returns the duration of a round of the given kind.
func Window(kind domain.RoundKind, t domain.Timing) time.Duration {
	switch kind {
	case domain.RoundSealed:
		return t.SealedWindow
	case domain.RoundRestartWindow:
		return t.RestartGrace
	default:
		return t.InitialWindow
	}
}

// evaluate applies the rule of the current round kind.
func evaluate(st State, bid BidContext, extendable bool) Decision {
	switch st.Round.Kind {
	case domain.RoundOpen:
		if !st.Round.Admits(bid.SupplierID) {
			return reject(domain.ErrNotEligibleForRound)
		}
		if extendable && bid.Remaining <= st.Timing.ExtensionThreshold {
			return extend(st.Timing.ExtensionWindow)
		}
		return admit()
	case domain.RoundSealed:
		if !st.Round.Admits(bid.SupplierID) {
			return reject(domain.ErrNotEligibleForRound)
		}
		if bid.AlreadySubmitted {
			return reject(domain.ErrSealedBidAlreadySubmitted)
		}
		d := admit()
		d.CloseRound = st.Expected > 0 && st.Submitted+1 >= st.Expected
		return d
	default:
		return reject(domain.ErrNotOpenForBidding.WithMessage("round %q does not accept bids", st.Round.Kind))
	}
}

type openPolicy struct {
	restart bool
}

func (p openPolicy) Open(t domain.Timing, _ RandSource) Opening {
	return Opening{Round: domain.RoundOpen, Duration: t.InitialWindow}
}

func (p openPolicy) OnBid(st State, bid BidContext) Decision {
	return evaluate(st, bid, true)
}

func (p openPolicy) OnDeadline(st State) Transition {
	if p.restart && !st.RestartUsed && st.Round.Kind == domain.RoundOpen {
		return Transition{Kind: TransitionAwaitRestart, Round: domain.RoundRestartWindow, Duration: st.Timing.RestartGrace}
	}
	return Transition{Kind: TransitionClose}
}

func (p openPolicy) Restart(st State) (Transition, error) {
	if !p.restart {
		return Transition{}, domain.ErrRestartUnavailable.WithMessage("mode %q has no restart", st.Mode)
	}
	if st.RestartUsed || st.Round.Kind != domain.RoundRestartWindow {
		return Transition{}, domain.ErrRestartUnavailable
	}
	return Transition{Kind: TransitionRestart, Round: domain.RoundOpen, Duration: st.Timing.InitialWindow}, nil
}

type closedPolicy struct{}

func (closedPolicy) Open(t domain.Timing, _ RandSource) Opening {
	return Opening{Round: domain.RoundSealed, Duration: t.SealedWindow}
}

func (closedPolicy) OnBid(st State, bid BidContext) Decision {
	return evaluate(st, bid, false)
}

func (closedPolicy) OnDeadline(State) Transition {
	return Transition{Kind: TransitionClose}
}

func (closedPolicy) Restart(st State) (Transition, error) {
	return Transition{}, domain.ErrRestartUnavailable.WithMessage("mode %q has no restart", st.Mode)
}

// hybridPolicy runs one round of each kind; the second is limited to the top-N.
type hybridPolicy struct {
	first, second domain.RoundKind
}

func (p hybridPolicy) Open(t domain.Timing, _ RandSource) Opening {
	return Opening{Round: p.first, Duration: Window(p.first, t)}
}

func (p hybridPolicy) OnBid(st State, bid BidContext) Decision {
	return evaluate(st, bid, true)
}

func (p hybridPolicy) OnDeadline(st State) Transition {
	if st.Round.Index <= 1 {
		return Transition{
			Kind:     TransitionNextRound,
			Round:    p.second,
			Duration: Window(p.second, st.Timing),
			TopN:     st.Timing.TopN,
		}
	}
	return Transition{Kind: TransitionClose}
}

func (p hybridPolicy) Restart(st State) (Transition, error) {
	return Transition{}, domain.ErrRestartUnavailable.WithMessage("mode %q has no restart", st.Mode)
}

// randomPolicy closes at the initial window plus a hidden random tail and
// never extends.
type randomPolicy struct{}

func (randomPolicy) Open(t domain.Timing, rand RandSource) Opening {
	tail := DrawTail(rand, t.RandomTailMax)
	return Opening{Round: domain.RoundOpen, Duration: t.InitialWindow + tail, RandomTail: tail}
}

func (randomPolicy) OnBid(st State, bid BidContext) Decision {
	return evaluate(st, bid, false)
}

func (randomPolicy) OnDeadline(State) Transition {
	return Transition{Kind: TransitionClose}
}

func (randomPolicy) Restart(st State) (Transition, error) {
	return Transition{}, domain.ErrRestartUnavailable.WithMessage("mode %q has no restart", st.Mode)
}
