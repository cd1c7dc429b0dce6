// Package session runs the live dispute of one lot. Every mutation of a lot
// is executed by a single goroutine that owns the lot's state; commands and
// timer ticks reach it through a mailbox. Reads use published snapshots and
// never wait on the mailbox.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/clock"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/ledger"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/policy"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/stream"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/tiebreak"
)

const (
	mailboxSize = 64
	// retryDelay spaces retries of timer-driven transitions whose commit failed.
	retryDelay = time.Second
	// timerCommitTimeout bounds store writes made outside any caller's context.
	timerCommitTimeout = 5 * time.Second
)

// PregoeiroLabel is how the auctioneer signs chat messages.
const PregoeiroLabel = "Pregoeiro"

// Label returns the public label of the n-th registered supplier.
func Label(ordinal int) string {
	return fmt.Sprintf("Fornecedor %02d", ordinal)
}

// Config configures a Session.
type Config struct {
	Lot    domain.LotConfig
	Store  ports.DisputeStore
	Clock  clock.Clock
	Rand   policy.RandSource
	Logger *slog.Logger
}

// Session is the serialized state machine of one lot.
type Session struct {
	lot    domain.LotConfig
	policy policy.Policy
	store  ports.DisputeStore
	clock  clock.Clock
	rand   policy.RandSource
	logger *slog.Logger

	ledger   *ledger.Ledger
	events   *stream.Log
	tiebreak *tiebreak.Coordinator

	// startSeq is the last event seq before the session goroutine started.
	startSeq uint64

	// Owned by the run goroutine.
	state        state
	participants map[string]*domain.Participant
	order        []string
	version      uint64
	lastBidAt    time.Time
	timer        clock.Timer
	timerGen     uint64

	mailbox  chan command
	// sendMu is held from taking a command's timestamp until it is queued.
	sendMu   sync.Mutex
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	snapshot atomic.Pointer[domain.Lot]
	roster   atomic.Pointer[map[string]domain.Participant]
}

// state is the checkpointed part of a session.
type state struct {
	Phase        domain.Phase
	Round        domain.Round
	StartedAt    time.Time
	Deadline     time.Time
	RandomTail   time.Duration
	RestartUsed  bool
	WinnerBidID  string
	ClosedReason string
	ForceClosed  bool
	ClosedAt     time.Time
}

type command struct {
	fn func()
	// stamped commands carry a timestamp taken while they were queued and
	// run ahead of a pending deadline.
	stamped bool
	tick    bool
	gen     uint64
}

// New starts a session for a lot that has no persisted history.
func New(cfg Config) (*Session, error) {
	s, err := build(cfg)
	if err != nil {
		return nil, err
	}
	s.refresh()
	s.startSeq = s.events.LastSeq()
	go s.run()
	return s, nil
}

func build(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	p, err := policy.For(cfg.Lot.Mode)
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Rand == nil {
		cfg.Rand = policy.DefaultRandSource
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	lot := cfg.Lot
	lot.Timing = lot.Timing.WithDefaults(domain.DefaultTiming())

	return &Session{
		lot:          lot,
		policy:       p,
		store:        cfg.Store,
		clock:        cfg.Clock,
		rand:         cfg.Rand,
		logger:       cfg.Logger.With(slog.String("lot_id", lot.ID), slog.String("mode", string(lot.Mode))),
		ledger:       ledger.New(lot.ID, lot.EstimatedValue, lot.MinDecrement),
		events:       stream.NewLog(lot.ID),
		tiebreak:     tiebreak.New(lot.ID, lot.Timing.TieBreakWindow, lot.Timing.TieBreakThreshold),
		state:        state{Phase: domain.PhaseWaiting},
		participants: make(map[string]*domain.Participant),
		mailbox:      make(chan command, mailboxSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// ID returns the lot ID.
func (s *Session) ID() string {
	return s.lot.ID
}

// Stop terminates the session goroutine and closes its event log. Pending
// commands fail with domain.ErrSessionStopped.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.events.Close()
	})
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.disarm()
			return
		case cmd := <-s.mailbox:
			s.dispatch(cmd)
		}
	}
}

// dispatch runs a command. A timer tick first drains the mailbox until no
// stamped command is between its timestamp and the queue: stamped commands
// run before the deadline is evaluated; other commands run after it.
func (s *Session) dispatch(cmd command) {
	if !cmd.tick {
		cmd.fn()
		return
	}
	ticks := []uint64{cmd.gen}
	var deferred []command
	for drained := false; !drained; {
		select {
		case next := <-s.mailbox:
			switch {
			case next.tick:
				ticks = append(ticks, next.gen)
			case next.stamped:
				next.fn()
			default:
				deferred = append(deferred, next)
			}
		default:
			if s.sendMu.TryLock() {
				drained = len(s.mailbox) == 0
				s.sendMu.Unlock()
			} else {
				runtime.Gosched()
			}
		}
	}
	for _, gen := range ticks {
		s.onTimer(gen)
	}
	for _, next := range deferred {
		next.fn()
	}
}

// do queues fn on the session goroutine and waits for its result. A non-nil
// stamp receives the clock reading taken while the command is queued.
func (s *Session) do(ctx context.Context, stamp func(time.Time), fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	cmd := command{stamped: stamp != nil, fn: func() {
		if err := ctx.Err(); err != nil {
			res <- err
			return
		}
		res <- fn(ctx)
	}}

	if err := s.send(ctx, cmd, stamp); err != nil {
		return err
	}

	select {
	case err := <-res:
		return err
	case <-s.done:
		select {
		case err := <-res:
			return err
		default:
			return domain.ErrSessionStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) send(ctx context.Context, cmd command, stamp func(time.Time)) error {
	if stamp != nil {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		stamp(s.clock.Now())
	}
	return s.queue(ctx, cmd)
}

func (s *Session) queue(ctx context.Context, cmd command) error {
	select {
	case s.mailbox <- cmd:
		return nil
	case <-s.quit:
		return domain.ErrSessionStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every command queued before it has been processed.
func (s *Session) Sync(ctx context.Context) error {
	return s.do(ctx, nil, func(context.Context) error { return nil })
}

// Snapshot returns the latest published state of the lot.
func (s *Session) Snapshot() *domain.Lot {
	lot := *s.snapshot.Load()
	return &lot
}

// Ranking returns the latest ranking snapshot.
func (s *Session) Ranking() *ledger.Ranking {
	return s.ledger.Ranking()
}

// Participant looks up a registered supplier.
func (s *Session) Participant(supplierID string) (domain.Participant, bool) {
	p, ok := (*s.roster.Load())[supplierID]
	return p, ok
}

// Subscribe opens a cursor on the lot's events after since.
func (s *Session) Subscribe(viewer domain.Viewer, since uint64) *stream.Subscription {
	return s.events.Subscribe(viewer, since)
}

// Events returns the events after since rendered for viewer.
func (s *Session) Events(viewer domain.Viewer, since uint64) []*domain.Event {
	return s.events.Since(viewer, since)
}

// StartSeq returns the last event seq recorded before the session began
// processing commands and timers. Subscribing from it observes every event
// the running session publishes.
func (s *Session) StartSeq() uint64 {
	return s.startSeq
}

// LastEventSeq returns the sequence number of the last published event.
func (s *Session) LastEventSeq() uint64 {
	return s.events.LastSeq()
}

// refresh publishes the read snapshots. Called on the session goroutine.
func (s *Session) refresh() {
	st := s.state
	lot := &domain.Lot{
		LotConfig:    s.lot,
		Phase:        st.Phase,
		Round:        cloneRound(st.Round),
		StartedAt:    st.StartedAt,
		Deadline:     st.Deadline,
		RestartUsed:  st.RestartUsed,
		Participants: len(s.order),
		Offer:        s.tiebreak.Offer(),
		ClosedReason: st.ClosedReason,
		ForceClosed:  st.ForceClosed,
		ClosedAt:     st.ClosedAt,
		LastEventSeq: s.events.LastSeq(),
		RandomTail:   st.RandomTail,
	}
	if b, ok := s.ledger.Leading(); ok {
		lot.Leading = b
	}
	if st.WinnerBidID != "" {
		if b, ok := s.ledger.Bid(st.WinnerBidID); ok {
			lot.Winner = b
		}
	}
	s.snapshot.Store(lot)

	roster := make(map[string]domain.Participant, len(s.participants))
	for id, p := range s.participants {
		roster[id] = *p
	}
	s.roster.Store(&roster)
}

func cloneRound(r domain.Round) domain.Round {
	r.Restricted = append([]string(nil), r.Restricted...)
	return r
}

func (s *Session) isMEEPP(supplierID string) bool {
	p, ok := s.participants[supplierID]
	return ok && p.MEEPP
}

func (s *Session) policyState() policy.State {
	expected := len(s.state.Round.Restricted)
	if expected == 0 {
		expected = len(s.participants)
	}
	return policy.State{
		Mode:        s.lot.Mode,
		Timing:      s.lot.Timing,
		Round:       s.state.Round,
		RestartUsed: s.state.RestartUsed,
		Expected:    expected,
		Submitted:   s.ledger.SealedCount(s.state.Round.Index),
	}
}

// publicDeadline hides the deadline of an open random-mode lot.
func (s *Session) publicDeadline(st state) *time.Time {
	if s.lot.Mode == domain.ModeRandom && st.Phase == domain.PhaseOpen {
		return nil
	}
	d := st.Deadline
	return &d
}

// change is one state transition waiting to be committed.
type change struct {
	next        state
	checkpoint  bool
	participant *domain.Participant
	bid         *domain.Bid
	offer       *domain.TieBreakOffer
	events      []*domain.Event
}

// apply persists ch and only then applies it in memory. On a store failure
// nothing changes and the caller gets a retryable error.
func (s *Session) apply(ctx context.Context, ch change) error {
	s.events.Stamp(ch.events...)

	c := &ports.Commit{
		LotID:       s.lot.ID,
		Participant: ch.participant,
		Bid:         ch.bid,
		Offer:       ch.offer,
		Events:      ch.events,
	}
	if ch.checkpoint {
		lastBid := s.ledger.LastSeq()
		if ch.bid != nil {
			lastBid = ch.bid.Seq
		}
		c.Checkpoint = s.checkpointOf(ch.next, s.version+1, lastBid, s.events.LastSeq()+uint64(len(ch.events)))
	}

	if err := s.store.Commit(ctx, c); err != nil {
		s.logger.Error("failed to persist lot change",
			slog.String("error", err.Error()),
			slog.String("phase", string(ch.next.Phase)))
		return domain.ErrStorageUnavailable.Wrap(err)
	}

	if ch.checkpoint {
		s.version++
	}
	if ch.participant != nil {
		p := *ch.participant
		s.participants[p.SupplierID] = &p
		s.order = append(s.order, p.SupplierID)
	}
	if ch.bid != nil {
		if err := s.ledger.Commit(ch.bid); err != nil {
			return err
		}
		s.lastBidAt = ch.bid.SubmittedAt
	}
	if ch.offer != nil {
		s.tiebreak.Apply(ch.offer)
	}
	s.state = ch.next
	if err := s.events.Publish(ch.events...); err != nil {
		return err
	}
	s.refresh()
	return nil
}

func (s *Session) checkpointOf(st state, version, lastBidSeq, lastEventSeq uint64) *domain.Checkpoint {
	return &domain.Checkpoint{
		LotID:        s.lot.ID,
		Version:      version,
		Phase:        st.Phase,
		Round:        cloneRound(st.Round),
		StartedAt:    st.StartedAt,
		Deadline:     st.Deadline,
		RandomTail:   st.RandomTail,
		RestartUsed:  st.RestartUsed,
		WinnerBidID:  st.WinnerBidID,
		ClosedReason: st.ClosedReason,
		ForceClosed:  st.ForceClosed,
		ClosedAt:     st.ClosedAt,
		LastBidSeq:   lastBidSeq,
		LastEventSeq: lastEventSeq,
		SavedAt:      s.clock.Now(),
	}
}

func stateOf(cp *domain.Checkpoint) state {
	return state{
		Phase:        cp.Phase,
		Round:        cloneRound(cp.Round),
		StartedAt:    cp.StartedAt,
		Deadline:     cp.Deadline,
		RandomTail:   cp.RandomTail,
		RestartUsed:  cp.RestartUsed,
		WinnerBidID:  cp.WinnerBidID,
		ClosedReason: cp.ClosedReason,
		ForceClosed:  cp.ForceClosed,
		ClosedAt:     cp.ClosedAt,
	}
}
