// Package engine is the command facade of the dispute service. It maps an
// authenticated actor and a lot to the lot's session, enforces the role each
// command requires, restores sessions from storage and forwards system
// announcements to the notifier.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/clock"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/policy"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/session"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/stream"
)

const (
	// recoverConcurrency bounds the lots restored in parallel at startup.
	recoverConcurrency = 8
	notifyTimeout      = 10 * time.Second
)

// Engine owns the sessions of every lot served by this process.
type Engine struct {
	store    ports.DisputeStore
	notifier ports.Notifier
	clock    clock.Clock
	rand     policy.RandSource
	timing   domain.Timing
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.RWMutex
	sessions map[string]*session.Session
	broken   map[string]error
	loads    singleflight.Group
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for bid timestamps and deadlines.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRand sets the random source for random-mode tails.
func WithRand(r policy.RandSource) Option {
	return func(e *Engine) { e.rand = r }
}

// WithNotifier sets the notifier that receives system announcements.
func WithNotifier(n ports.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer. Defaults to the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithDefaultTiming sets the timing applied to lots that leave fields unset.
func WithDefaultTiming(t domain.Timing) Option {
	return func(e *Engine) { e.timing = t }
}

// New creates an engine over store.
func New(store ports.DisputeStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	e := &Engine{
		store:    store,
		clock:    clock.Real{},
		rand:     policy.DefaultRandSource,
		timing:   domain.DefaultTiming(),
		logger:   slog.Default(),
		sessions: make(map[string]*session.Session),
		broken:   make(map[string]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/engine")
	}
	e.timing = e.timing.WithDefaults(domain.DefaultTiming())
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Recover restores every lot that was not closed. A lot whose logs are
// inconsistent is not served; the others start normally.
func (e *Engine) Recover(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.Recover")
	defer span.End()

	lots, err := e.store.ListLots(ctx, ports.LotListOptions{OnlyActive: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.ErrStorageUnavailable.Wrap(err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoverConcurrency)
	for _, lot := range lots {
		g.Go(func() error {
			_, err := e.load(gctx, lot.ID)
			if errors.Is(err, domain.ErrLogCorrupt) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.mu.RLock()
	restored, broken := len(e.sessions), len(e.broken)
	e.mu.RUnlock()
	span.SetAttributes(attribute.Int("lots.restored", restored), attribute.Int("lots.broken", broken))
	e.logger.Info("lots recovered", slog.Int("restored", restored), slog.Int("broken", broken))
	return nil
}

// Close stops every session and the notifier.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	e.cancel()
	e.wg.Wait()

	if e.notifier != nil {
		return e.notifier.Close()
	}
	return nil
}

// session returns the running session of lotID, restoring it from storage
// on first use.
func (e *Engine) session(ctx context.Context, lotID string) (*session.Session, error) {
	e.mu.RLock()
	s, ok := e.sessions[lotID]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, domain.ErrSessionStopped
	}
	if ok {
		return s, nil
	}
	return e.load(ctx, lotID)
}

func (e *Engine) load(ctx context.Context, lotID string) (*session.Session, error) {
	v, err, _ := e.loads.Do(lotID, func() (any, error) {
		e.mu.RLock()
		s, ok := e.sessions[lotID]
		brokenErr := e.broken[lotID]
		e.mu.RUnlock()
		if ok {
			return s, nil
		}
		if brokenErr != nil {
			return nil, brokenErr
		}

		cfg, err := e.store.GetLot(ctx, lotID)
		if err != nil {
			if errors.Is(err, domain.ErrLotNotFound) {
				return nil, err
			}
			return nil, domain.ErrStorageUnavailable.Wrap(err)
		}

		s, err = session.Restore(ctx, e.sessionConfig(*cfg))
		if err != nil {
			if errors.Is(err, domain.ErrLogCorrupt) {
				e.logger.Error("lot refused to start",
					slog.String("lot_id", lotID),
					slog.String("error", err.Error()))
				e.mu.Lock()
				e.broken[lotID] = err
				e.mu.Unlock()
			}
			return nil, err
		}
		if !e.register(s) {
			s.Stop()
			return nil, domain.ErrSessionStopped
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Session), nil
}

func (e *Engine) sessionConfig(lot domain.LotConfig) session.Config {
	return session.Config{
		Lot:    lot,
		Store:  e.store,
		Clock:  e.clock,
		Rand:   e.rand,
		Logger: e.logger,
	}
}

// register adds s to the registry and starts its notification forwarder.
func (e *Engine) register(s *session.Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.sessions[s.ID()] = s
	if e.notifier != nil {
		e.wg.Add(1)
		go e.forward(s)
	}
	return true
}

// forward relays system announcements of one lot to the notifier. It reads
// the stream at its own pace, so a slow notifier never delays the session.
func (e *Engine) forward(s *session.Session) {
	defer e.wg.Done()
	sub := s.Subscribe(domain.Viewer{Role: domain.RolePregoeiro}, s.StartSeq())
	for {
		evt, err := sub.Next(e.ctx)
		if err != nil {
			if !errors.Is(err, stream.ErrClosed) && !errors.Is(err, context.Canceled) {
				e.logger.Error("notification forwarder stopped",
					slog.String("lot_id", s.ID()),
					slog.String("error", err.Error()))
			}
			return
		}
		if evt.Kind != domain.EventSystem || evt.Visibility.Scope != domain.ScopePublic {
			continue
		}

		n := &domain.Notification{
			LotID:   evt.LotID,
			Seq:     evt.Seq,
			Code:    evt.System.Code,
			Message: evt.System.Message,
			Phase:   evt.System.Phase,
			At:      evt.At,
		}
		ctx, cancel := context.WithTimeout(e.ctx, notifyTimeout)
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("notification failed",
				slog.String("lot_id", n.LotID),
				slog.Uint64("seq", n.Seq),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

// start opens a span for a command on lotID.
func (e *Engine) start(ctx context.Context, name, lotID string, actor domain.Actor) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(
		attribute.String("lot.id", lotID),
		attribute.String("actor.role", string(actor.Role)),
	))
}

// finish records the outcome of a command. Rule violations are the caller's
// problem and are only logged at debug level.
func (e *Engine) finish(span trace.Span, name, lotID string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	if de, ok := domain.AsError(err); ok {
		span.SetAttributes(attribute.String("error.code", string(de.Code)))
		switch de.Type {
		case domain.ErrorTypeValidation, domain.ErrorTypeAuthorization, domain.ErrorTypeAuthentication,
			domain.ErrorTypeConflict, domain.ErrorTypeNotFound:
			e.logger.Debug("command rejected",
				slog.String("command", name),
				slog.String("lot_id", lotID),
				slog.String("code", string(de.Code)))
			return
		}
	}
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error("command failed",
		slog.String("command", name),
		slog.String("lot_id", lotID),
		slog.String("error", err.Error()))
}

func requireRole(actor domain.Actor, role domain.Role, command string) error {
	if actor.Role != role {
		return domain.ErrRoleMismatch.WithMessage("%s requires the %s role", command, role)
	}
	return nil
}
