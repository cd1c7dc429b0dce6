package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
)

type fixedRand struct{ n int }

func (f fixedRand) Intn(n int) int {
	if f.n >= n {
		return n - 1
	}
	return f.n
}

func mustPolicy(t *testing.T, mode domain.DisputeMode) Policy {
	t.Helper()
	p, err := For(mode)
	assert.NoError(t, err)
	return p
}

func openState(mode domain.DisputeMode) State {
	return State{
		Mode:   mode,
		Timing: domain.DefaultTiming(),
		Round:  domain.Round{Kind: domain.RoundOpen, Index: 1},
	}
}

func TestOpen_ExtendsInsideThreshold(t *testing.T) {
	p := mustPolicy(t, domain.ModeOpen)

	d := p.OnBid(openState(domain.ModeOpen), BidContext{SupplierID: "s1", Remaining: 119 * time.Second})
	check.Equal(t, ActionExtend, d.Action)
	check.Equal(t, 2*time.Minute, d.Extension)

	d = p.OnBid(openState(domain.ModeOpen), BidContext{SupplierID: "s1", Remaining: 2 * time.Minute})
	check.Equal(t, ActionExtend, d.Action)

	d = p.OnBid(openState(domain.ModeOpen), BidContext{SupplierID: "s1", Remaining: 121 * time.Second})
	check.Equal(t, ActionAdmit, d.Action)
}

func TestOpen_ClosesAtDeadline(t *testing.T) {
	p := mustPolicy(t, domain.ModeOpen)
	check.Equal(t, TransitionClose, p.OnDeadline(openState(domain.ModeOpen)).Kind)

	_, err := p.Restart(openState(domain.ModeOpen))
	check.True(t, errors.Is(err, domain.ErrRestartUnavailable))
}

func TestOpenWithRestart_AllowsOneRestart(t *testing.T) {
	p := mustPolicy(t, domain.ModeOpenWithRestart)
	st := openState(domain.ModeOpenWithRestart)

	tr := p.OnDeadline(st)
	check.Equal(t, TransitionAwaitRestart, tr.Kind)
	check.Equal(t, domain.RoundRestartWindow, tr.Round)
	check.Equal(t, st.Timing.RestartGrace, tr.Duration)

	_, err := p.Restart(st)
	check.True(t, errors.Is(err, domain.ErrRestartUnavailable))

	st.Round = domain.Round{Kind: domain.RoundRestartWindow, Index: 2}
	d := p.OnBid(st, BidContext{SupplierID: "s1", Remaining: time.Minute})
	check.Equal(t, ActionReject, d.Action)
	check.True(t, errors.Is(d.Reason, domain.ErrNotOpenForBidding))

	tr, err = p.Restart(st)
	assert.NoError(t, err)
	check.Equal(t, TransitionRestart, tr.Kind)
	check.Equal(t, domain.RoundOpen, tr.Round)

	check.Equal(t, TransitionClose, p.OnDeadline(st).Kind)

	st.RestartUsed = true
	st.Round = domain.Round{Kind: domain.RoundOpen, Index: 3}
	check.Equal(t, TransitionClose, p.OnDeadline(st).Kind)
}

func TestClosed_SealedRound(t *testing.T) {
	p := mustPolicy(t, domain.ModeClosed)
	opening := p.Open(domain.DefaultTiming(), nil)
	check.Equal(t, domain.RoundSealed, opening.Round)
	check.Equal(t, 5*time.Minute, opening.Duration)

	st := State{
		Mode:      domain.ModeClosed,
		Timing:    domain.DefaultTiming(),
		Round:     domain.Round{Kind: domain.RoundSealed, Index: 1},
		Expected:  3,
		Submitted: 1,
	}

	d := p.OnBid(st, BidContext{SupplierID: "s2", Remaining: time.Second})
	check.Equal(t, ActionAdmit, d.Action)
	check.False(t, d.CloseRound)

	d = p.OnBid(st, BidContext{SupplierID: "s1", AlreadySubmitted: true})
	check.True(t, errors.Is(d.Reason, domain.ErrSealedBidAlreadySubmitted))

	st.Submitted = 2
	d = p.OnBid(st, BidContext{SupplierID: "s3"})
	check.True(t, d.CloseRound)

	check.Equal(t, TransitionClose, p.OnDeadline(st).Kind)
}

func TestOpenThenClosed_SecondRoundAmongTopN(t *testing.T) {
	p := mustPolicy(t, domain.ModeOpenThenClosed)
	st := openState(domain.ModeOpenThenClosed)

	tr := p.OnDeadline(st)
	check.Equal(t, TransitionNextRound, tr.Kind)
	check.Equal(t, domain.RoundSealed, tr.Round)
	check.Equal(t, 3, tr.TopN)

	st.Round = domain.Round{Kind: domain.RoundSealed, Index: 2, Restricted: []string{"s1", "s2", "s3"}}
	d := p.OnBid(st, BidContext{SupplierID: "s4"})
	check.True(t, errors.Is(d.Reason, domain.ErrNotEligibleForRound))

	check.Equal(t, TransitionClose, p.OnDeadline(st).Kind)
}

func TestClosedThenOpen_OpenRoundExtends(t *testing.T) {
	p := mustPolicy(t, domain.ModeClosedThenOpen)
	check.Equal(t, domain.RoundSealed, p.Open(domain.DefaultTiming(), nil).Round)

	st := State{Mode: domain.ModeClosedThenOpen, Timing: domain.DefaultTiming(), Round: domain.Round{Kind: domain.RoundSealed, Index: 1}}
	tr := p.OnDeadline(st)
	check.Equal(t, domain.RoundOpen, tr.Round)

	st.Round = domain.Round{Kind: domain.RoundOpen, Index: 2, Restricted: []string{"s1"}}
	d := p.OnBid(st, BidContext{SupplierID: "s1", Remaining: 30 * time.Second})
	check.Equal(t, ActionExtend, d.Action)
}

func TestRandom_HiddenTailAndNoExtension(t *testing.T) {
	p := mustPolicy(t, domain.ModeRandom)
	timing := domain.DefaultTiming()

	opening := p.Open(timing, fixedRand{n: 90})
	check.Equal(t, 90*time.Second, opening.RandomTail)
	check.Equal(t, timing.InitialWindow+90*time.Second, opening.Duration)

	maxed := p.Open(timing, fixedRand{n: 1 << 30})
	check.Equal(t, timing.RandomTailMax, maxed.RandomTail)

	d := p.OnBid(openState(domain.ModeRandom), BidContext{SupplierID: "s1", Remaining: time.Second})
	check.Equal(t, ActionAdmit, d.Action)
}

func TestDrawTail_Bounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		tail := DrawTail(DefaultRandSource, 30*time.Minute)
		assert.True(t, tail >= 0 && tail <= 30*time.Minute)
	}
	check.Equal(t, time.Duration(0), DrawTail(nil, 0))
}

func TestFor_UnknownMode(t *testing.T) {
	_, err := For("dutch")
	check.True(t, errors.Is(err, domain.ErrInvalidRequest))
}
