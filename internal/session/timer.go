package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
)

// arm schedules a tick at the current deadline, replacing any pending tick.
func (s *Session) arm() {
	s.disarm()
	if !s.state.Phase.Active() {
		return
	}
	s.schedule(s.state.Deadline.Sub(s.clock.Now()))
}

// retry schedules a tick after a failed timer-driven transition.
func (s *Session) retry() {
	s.disarm()
	s.schedule(retryDelay)
}

func (s *Session) schedule(d time.Duration) {
	s.timerGen++
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(d, func() { s.postTick(gen) })
}

func (s *Session) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// postTick queues a tick without ever blocking the caller, which may be the
// session goroutine itself when a manual clock fires synchronously.
func (s *Session) postTick(gen uint64) {
	cmd := command{tick: true, gen: gen}
	select {
	case s.mailbox <- cmd:
	default:
		go func() {
			select {
			case s.mailbox <- cmd:
			case <-s.quit:
			}
		}()
	}
}

// onTimer handles a tick. Ticks from replaced timers are ignored.
func (s *Session) onTimer(gen uint64) {
	if gen != s.timerGen {
		return
	}
	s.timer = nil
	now := s.clock.Now()
	if now.Before(s.state.Deadline) {
		s.arm()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timerCommitTimeout)
	defer cancel()

	var err error
	switch s.state.Phase {
	case domain.PhaseOpen:
		err = s.onDeadlineExpired(ctx, now)
	case domain.PhaseNegotiation:
		err = s.expireTieBreak(ctx, now)
	default:
		return
	}
	if err != nil {
		s.logger.Error("deadline transition failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", retryDelay))
		s.retry()
	}
}
