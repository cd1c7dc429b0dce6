// Package stream holds the append-only event log of a lot and fans it out to
// subscribers, each rendered for its viewer.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
)

// ErrClosed is returned by Subscription.Next once the log is closed and the
// subscriber has consumed every event.
var ErrClosed = errors.New("stream closed")

// Log is the event log of one lot. A single writer calls Stamp and Publish;
// any number of subscribers read concurrently. The writer never waits on a
// subscriber: each subscriber pulls from its own cursor.
type Log struct {
	lotID string

	mu     sync.RWMutex
	events []*domain.Event
	wake   chan struct{}
	closed bool
}

// NewLog creates an empty log.
func NewLog(lotID string) *Log {
	return &Log{lotID: lotID, wake: make(chan struct{})}
}

// LastSeq returns the sequence number of the last published event.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events))
}

// Stamp assigns IDs and consecutive sequence numbers, starting after the last
// published event, to events that are about to be persisted.
func (l *Log) Stamp(events ...*domain.Event) {
	next := l.LastSeq() + 1
	for i, e := range events {
		e.LotID = l.lotID
		e.Seq = next + uint64(i)
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
	}
}

// Publish appends stamped events that have been persisted and wakes every
// subscriber.
func (l *Log) Publish(events ...*domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.appendLocked(events); err != nil {
		return err
	}
	close(l.wake)
	l.wake = make(chan struct{})
	return nil
}

// Replay loads a persisted log. It must be contiguous from sequence 1.
func (l *Log) Replay(events []*domain.Event) error {
	return l.Publish(events...)
}

func (l *Log) appendLocked(events []*domain.Event) error {
	next := uint64(len(l.events)) + 1
	for i, e := range events {
		if e.Seq != next+uint64(i) {
			return domain.ErrLogCorrupt.WithMessage("event sequence %d, expected %d", e.Seq, next+uint64(i))
		}
		if e.LotID != l.lotID {
			return domain.ErrLogCorrupt.WithMessage("event %s belongs to lot %s", e.ID, e.LotID)
		}
	}
	for _, e := range events {
		l.events = append(l.events, e.Clone())
	}
	return nil
}

// Close wakes subscribers; they drain remaining events and then get ErrClosed.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.wake)
}

// Since returns the events after seq rendered for viewer.
func (l *Log) Since(viewer domain.Viewer, seq uint64) []*domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.events)) {
		return nil
	}
	out := make([]*domain.Event, 0, uint64(len(l.events))-seq)
	for _, e := range l.events[seq:] {
		out = append(out, Render(e, viewer))
	}
	return out
}

// Subscribe returns a cursor over events with a sequence number greater than since.
func (l *Log) Subscribe(viewer domain.Viewer, since uint64) *Subscription {
	return &Subscription{log: l, viewer: viewer, next: since + 1}
}

// Subscription is a viewer's cursor into a Log. It is not safe for
// concurrent use.
type Subscription struct {
	log    *Log
	viewer domain.Viewer
	next   uint64
}

// Next blocks until the next event is available and returns it rendered for
// the subscription's viewer. Events the viewer may not see are returned as
// redacted placeholders so sequence numbers never skip.
func (s *Subscription) Next(ctx context.Context) (*domain.Event, error) {
	for {
		s.log.mu.RLock()
		if s.next <= uint64(len(s.log.events)) {
			e := s.log.events[s.next-1]
			s.log.mu.RUnlock()
			s.next++
			return Render(e, s.viewer), nil
		}
		wake, closed := s.log.wake, s.log.closed
		s.log.mu.RUnlock()

		if closed {
			return nil, ErrClosed
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cursor returns the sequence number of the last event delivered.
func (s *Subscription) Cursor() uint64 {
	return s.next - 1
}
