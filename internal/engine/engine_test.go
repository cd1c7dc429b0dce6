package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/clock"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/storage/memory"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

var (
	pregoeiro = domain.Actor{ID: "preg-1", Name: "Maria", Role: domain.RolePregoeiro}
	alpha     = domain.Actor{ID: "sup-a", Name: "Alpha Ltda", Role: domain.RoleSupplier}
	beta      = domain.Actor{ID: "sup-b", Name: "Beta ME", Role: domain.RoleSupplier, MEEPP: true}
	citizen   = domain.Anonymous
)

type fixedRand struct{ n int }

func (f fixedRand) Intn(int) int { return f.n }

type recordingNotifier struct {
	mu     sync.Mutex
	got    []*domain.Notification
	ch     chan *domain.Notification
	closed bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan *domain.Notification, 64)}
}

func (n *recordingNotifier) Notify(_ context.Context, note *domain.Notification) error {
	n.mu.Lock()
	n.got = append(n.got, note)
	n.mu.Unlock()
	n.ch <- note
	return nil
}

func (n *recordingNotifier) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

type corruptStore struct {
	*memory.Store
	lotID string
}

func (c *corruptStore) ListBids(ctx context.Context, lotID string) ([]*domain.Bid, error) {
	bids, err := c.Store.ListBids(ctx, lotID)
	if err != nil || lotID != c.lotID || len(bids) == 0 {
		return bids, err
	}
	return bids[1:], nil
}

type harness struct {
	t   *testing.T
	ctx context.Context
	clk *clock.Manual
	eng *Engine
}

func newHarness(t *testing.T, store ports.DisputeStore, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background(), clk: clock.NewManual(t0)}
	base := []Option{
		WithClock(h.clk),
		WithRand(fixedRand{n: 0}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	eng, err := New(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.eng = eng
	t.Cleanup(func() { _ = eng.Close() })
	return h
}

func lotConfig(id string, mode domain.DisputeMode) domain.LotConfig {
	return domain.LotConfig{
		ID:           id,
		TenderID:     "pe-001/2026",
		Description:  "Notebooks",
		Mode:         mode,
		MinDecrement: decimal.NewFromInt(1),
	}
}

func (h *harness) open(id string, mode domain.DisputeMode) {
	h.t.Helper()
	if _, err := h.eng.OpenLot(h.ctx, pregoeiro, lotConfig(id, mode)); err != nil {
		h.t.Fatalf("OpenLot(%s) error = %v", id, err)
	}
}

func (h *harness) openAndStart(id string, mode domain.DisputeMode, suppliers ...domain.Actor) {
	h.t.Helper()
	h.open(id, mode)
	for _, s := range suppliers {
		if _, err := h.eng.RegisterParticipation(h.ctx, s, id); err != nil {
			h.t.Fatalf("RegisterParticipation(%s) error = %v", s.ID, err)
		}
	}
	if _, err := h.eng.StartSession(h.ctx, pregoeiro, id); err != nil {
		h.t.Fatalf("StartSession(%s) error = %v", id, err)
	}
}

func (h *harness) bid(actor domain.Actor, lotID, value string) (*domain.Bid, error) {
	return h.eng.SubmitBid(h.ctx, actor, lotID, decimal.RequireFromString(value))
}

func (h *harness) mustBid(actor domain.Actor, lotID, value string) *domain.Bid {
	h.t.Helper()
	b, err := h.bid(actor, lotID, value)
	if err != nil {
		h.t.Fatalf("SubmitBid(%s, %s) error = %v", actor.ID, value, err)
	}
	return b
}

// advance moves the clock and waits for the lot to process its timers.
func (h *harness) advance(lotID string, d time.Duration) {
	h.t.Helper()
	h.clk.Advance(d)
	s, err := h.eng.session(h.ctx, lotID)
	if err != nil {
		h.t.Fatalf("session(%s) error = %v", lotID, err)
	}
	if err := s.Sync(h.ctx); err != nil {
		h.t.Fatalf("Sync() error = %v", err)
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestRoleChecks(t *testing.T) {
	h := newHarness(t, memory.New())
	h.openAndStart("lot-1", domain.ModeOpen, alpha)

	tests := []struct {
		name string
		call func() error
	}{
		{"supplier opens lot", func() error {
			_, err := h.eng.OpenLot(h.ctx, alpha, lotConfig("lot-2", domain.ModeOpen))
			return err
		}},
		{"pregoeiro registers", func() error {
			_, err := h.eng.RegisterParticipation(h.ctx, pregoeiro, "lot-1")
			return err
		}},
		{"supplier starts", func() error {
			_, err := h.eng.StartSession(h.ctx, alpha, "lot-1")
			return err
		}},
		{"citizen bids", func() error {
			_, err := h.bid(citizen, "lot-1", "100")
			return err
		}},
		{"pregoeiro bids", func() error {
			_, err := h.bid(pregoeiro, "lot-1", "100")
			return err
		}},
		{"supplier force-closes", func() error {
			_, err := h.eng.ForceClose(h.ctx, alpha, "lot-1", "irregular")
			return err
		}},
		{"supplier restarts", func() error {
			_, err := h.eng.RestartSession(h.ctx, alpha, "lot-1")
			return err
		}},
		{"citizen chats", func() error {
			_, err := h.eng.SendChat(h.ctx, citizen, "lot-1", "hello")
			return err
		}},
		{"supplier sends system message", func() error {
			_, err := h.eng.SendSystemMessage(h.ctx, alpha, "lot-1", "", "attention")
			return err
		}},
		{"citizen responds to tie-break", func() error {
			_, err := h.eng.RespondTieBreak(h.ctx, citizen, "lot-1", decimal.NewFromInt(1))
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, domain.ErrRoleMismatch) {
				t.Fatalf("error = %v, want ErrRoleMismatch", err)
			}
		})
	}
}

func TestOpenLot(t *testing.T) {
	h := newHarness(t, memory.New(), WithDefaultTiming(domain.Timing{InitialWindow: 15 * time.Minute}))

	lot, err := h.eng.OpenLot(h.ctx, pregoeiro, lotConfig("lot-1", domain.ModeOpen))
	if err != nil {
		t.Fatalf("OpenLot() error = %v", err)
	}
	if lot.Phase != domain.PhaseWaiting {
		t.Errorf("Phase = %s, want waiting", lot.Phase)
	}
	if lot.Timing.InitialWindow != 15*time.Minute {
		t.Errorf("InitialWindow = %s, want engine default 15m", lot.Timing.InitialWindow)
	}
	if lot.Timing.ExtensionWindow != 2*time.Minute {
		t.Errorf("ExtensionWindow = %s, want 2m", lot.Timing.ExtensionWindow)
	}
	if !lot.CreatedAt.Equal(t0) {
		t.Errorf("CreatedAt = %s, want %s", lot.CreatedAt, t0)
	}

	if _, err := h.eng.OpenLot(h.ctx, pregoeiro, lotConfig("lot-1", domain.ModeOpen)); !errors.Is(err, domain.ErrLotExists) {
		t.Errorf("duplicate OpenLot error = %v, want ErrLotExists", err)
	}

	bad := lotConfig("lot-2", "dutch")
	if _, err := h.eng.OpenLot(h.ctx, pregoeiro, bad); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("invalid mode error = %v, want ErrInvalidRequest", err)
	}

	if _, err := h.eng.Lot(h.ctx, citizen, "missing"); !errors.Is(err, domain.ErrLotNotFound) {
		t.Errorf("Lot(missing) error = %v, want ErrLotNotFound", err)
	}
}

func TestSubmitBid_StampsArrivalTime(t *testing.T) {
	h := newHarness(t, memory.New())
	h.openAndStart("lot-1", domain.ModeOpen, alpha, beta)

	h.clk.Advance(3 * time.Minute)
	b := h.mustBid(alpha, "lot-1", "1000")
	if !b.SubmittedAt.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("SubmittedAt = %s, want %s", b.SubmittedAt, t0.Add(3*time.Minute))
	}
	if b.Label != "Fornecedor 01" {
		t.Errorf("Label = %q, want Fornecedor 01", b.Label)
	}

	if _, err := h.bid(beta, "lot-1", "999.50"); !errors.Is(err, domain.ErrValueNotBelowFloor) {
		t.Errorf("error = %v, want ErrValueNotBelowFloor", err)
	}
	h.mustBid(beta, "lot-1", "990")

	lot, err := h.eng.Lot(h.ctx, pregoeiro, "lot-1")
	if err != nil {
		t.Fatalf("Lot() error = %v", err)
	}
	if lot.Leading == nil || !lot.Leading.Value.Equal(decimal.NewFromInt(990)) {
		t.Fatalf("Leading = %+v, want 990", lot.Leading)
	}
	if lot.Leading.SupplierID != beta.ID {
		t.Errorf("pregoeiro must see the leading supplier, got %q", lot.Leading.SupplierID)
	}
}

func TestViews_RedactIdentities(t *testing.T) {
	h := newHarness(t, memory.New())
	h.openAndStart("lot-1", domain.ModeOpen, alpha, beta)
	h.mustBid(alpha, "lot-1", "1000")
	h.mustBid(beta, "lot-1", "990")

	own, err := h.eng.Lot(h.ctx, beta, "lot-1")
	if err != nil {
		t.Fatalf("Lot() error = %v", err)
	}
	if own.Leading.SupplierID != beta.ID {
		t.Errorf("supplier must see their own leading bid, got %q", own.Leading.SupplierID)
	}

	other, _ := h.eng.Lot(h.ctx, alpha, "lot-1")
	if other.Leading.SupplierID != "" {
		t.Errorf("supplier must not see a competitor id, got %q", other.Leading.SupplierID)
	}
	if other.Leading.Label != "Fornecedor 02" {
		t.Errorf("Label = %q, want Fornecedor 02", other.Leading.Label)
	}

	full, err := h.eng.Ranking(h.ctx, pregoeiro, "lot-1")
	if err != nil {
		t.Fatalf("Ranking() error = %v", err)
	}
	if len(full) != 2 || full[0].SupplierID != beta.ID {
		t.Fatalf("pregoeiro ranking = %+v", full)
	}

	public, _ := h.eng.Ranking(h.ctx, citizen, "lot-1")
	if len(public) != 2 {
		t.Fatalf("citizen ranking has %d entries, want 2", len(public))
	}
	for _, e := range public {
		if e.SupplierID != "" {
			t.Errorf("citizen ranking leaks supplier id %q", e.SupplierID)
		}
	}

	// The shared snapshot must not be altered by redaction.
	again, _ := h.eng.Lot(h.ctx, pregoeiro, "lot-1")
	if again.Leading.SupplierID != beta.ID {
		t.Errorf("redaction mutated the session snapshot")
	}
}

func TestViews_SealedRound(t *testing.T) {
	h := newHarness(t, memory.New())
	h.openAndStart("lot-1", domain.ModeClosed, alpha, beta)
	h.mustBid(alpha, "lot-1", "1000")

	lot, _ := h.eng.Lot(h.ctx, beta, "lot-1")
	if lot.Leading != nil {
		t.Errorf("leading bid must be hidden during a sealed round")
	}

	ranking, _ := h.eng.Ranking(h.ctx, beta, "lot-1")
	if len(ranking) != 0 {
		t.Errorf("beta sees %d sealed entries, want 0", len(ranking))
	}
	ranking, _ = h.eng.Ranking(h.ctx, alpha, "lot-1")
	if len(ranking) != 1 || ranking[0].SupplierID != alpha.ID {
		t.Errorf("alpha ranking = %+v, want only their own entry", ranking)
	}
}

func TestViews_RandomDeadlineHidden(t *testing.T) {
	h := newHarness(t, memory.New())
	h.openAndStart("lot-1", domain.ModeRandom, alpha)

	lot, _ := h.eng.Lot(h.ctx, alpha, "lot-1")
	if !lot.Deadline.IsZero() {
		t.Errorf("supplier sees random deadline %s", lot.Deadline)
	}
	lot, _ = h.eng.Lot(h.ctx, pregoeiro, "lot-1")
	if lot.Deadline.IsZero() {
		t.Errorf("pregoeiro must see the deadline")
	}
}

func TestMessages(t *testing.T) {
	h := newHarness(t, memory.New())
	h.openAndStart("lot-1", domain.ModeOpen, alpha, beta)

	if _, err := h.eng.SendSystemMessage(h.ctx, pregoeiro, "lot-1", "", "Bom dia"); err != nil {
		t.Fatalf("SendSystemMessage() error = %v", err)
	}
	if _, err := h.eng.SendSystemMessage(h.ctx, pregoeiro, "lot-1", alpha.ID, "Documentos pendentes"); err != nil {
		t.Fatalf("SendSystemMessage(private) error = %v", err)
	}
	if _, err := h.eng.SendChat(h.ctx, beta, "lot-1", "Dúvida sobre o item"); err != nil {
		t.Fatalf("SendChat() error = %v", err)
	}

	count := func(actor domain.Actor) (visible, redacted int) {
		evts, err := h.eng.Events(h.ctx, actor, "lot-1", 0)
		if err != nil {
			t.Fatalf("Events() error = %v", err)
		}
		for _, e := range evts {
			if e.Kind == domain.EventChat {
				visible++
			}
			if e.Kind == domain.EventRedacted {
				redacted++
			}
		}
		return visible, redacted
	}

	if v, _ := count(pregoeiro); v != 3 {
		t.Errorf("pregoeiro sees %d messages, want 3", v)
	}
	if v, r := count(alpha); v != 2 || r != 1 {
		t.Errorf("alpha sees %d messages and %d placeholders, want 2 and 1", v, r)
	}
	if v, r := count(citizen); v != 1 || r != 2 {
		t.Errorf("citizen sees %d messages and %d placeholders, want 1 and 2", v, r)
	}
}

func TestForceClose(t *testing.T) {
	h := newHarness(t, memory.New())
	h.openAndStart("lot-1", domain.ModeOpen, alpha)
	h.mustBid(alpha, "lot-1", "1000")

	if _, err := h.eng.ForceClose(h.ctx, pregoeiro, "lot-1", " "); !errors.Is(err, domain.ErrReasonRequired) {
		t.Fatalf("error = %v, want ErrReasonRequired", err)
	}
	lot, err := h.eng.ForceClose(h.ctx, pregoeiro, "lot-1", "irregularidade no edital")
	if err != nil {
		t.Fatalf("ForceClose() error = %v", err)
	}
	if lot.Phase != domain.PhaseClosed || lot.Winner != nil {
		t.Errorf("lot = %s winner %+v, want closed without winner", lot.Phase, lot.Winner)
	}
	if _, err := h.bid(alpha, "lot-1", "900"); !errors.Is(err, domain.ErrNotOpenForBidding) {
		t.Errorf("bid after close error = %v, want ErrNotOpenForBidding", err)
	}
}

func TestRecover(t *testing.T) {
	store := memory.New()

	first := newHarness(t, store)
	first.openAndStart("lot-1", domain.ModeOpen, alpha, beta)
	first.mustBid(alpha, "lot-1", "1000")
	first.mustBid(beta, "lot-1", "980")
	first.openAndStart("lot-2", domain.ModeOpen, alpha)
	if _, err := first.eng.ForceClose(first.ctx, pregoeiro, "lot-2", "cancelado"); err != nil {
		t.Fatalf("ForceClose() error = %v", err)
	}
	if err := first.eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := newHarness(t, store)
	second.clk.Set(first.clk.Now())
	if err := second.eng.Recover(second.ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	second.eng.mu.RLock()
	_, active := second.eng.sessions["lot-1"]
	_, closed := second.eng.sessions["lot-2"]
	second.eng.mu.RUnlock()
	if !active {
		t.Errorf("active lot was not recovered")
	}
	if closed {
		t.Errorf("closed lot must not be restored eagerly")
	}

	lot, err := second.eng.Lot(second.ctx, pregoeiro, "lot-1")
	if err != nil {
		t.Fatalf("Lot() error = %v", err)
	}
	if lot.Phase != domain.PhaseOpen || !lot.Leading.Value.Equal(decimal.NewFromInt(980)) {
		t.Errorf("recovered lot = %s leading %+v", lot.Phase, lot.Leading)
	}
	second.mustBid(alpha, "lot-1", "970")

	lot, err = second.eng.Lot(second.ctx, citizen, "lot-2")
	if err != nil {
		t.Fatalf("lazy Lot(lot-2) error = %v", err)
	}
	if lot.Phase != domain.PhaseClosed || lot.ClosedReason != "cancelado" {
		t.Errorf("lazy-loaded lot = %s %q", lot.Phase, lot.ClosedReason)
	}
}

func TestRecover_IsolatesCorruptLot(t *testing.T) {
	mem := memory.New()
	first := newHarness(t, mem)
	first.openAndStart("lot-ok", domain.ModeOpen, alpha)
	first.mustBid(alpha, "lot-ok", "1000")
	first.openAndStart("lot-bad", domain.ModeOpen, alpha)
	first.mustBid(alpha, "lot-bad", "1000")
	first.mustBid(alpha, "lot-bad", "990")
	_ = first.eng.Close()

	second := newHarness(t, &corruptStore{Store: mem, lotID: "lot-bad"})
	if err := second.eng.Recover(second.ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if _, err := second.eng.Lot(second.ctx, pregoeiro, "lot-ok"); err != nil {
		t.Errorf("healthy lot error = %v", err)
	}
	if _, err := second.eng.Lot(second.ctx, pregoeiro, "lot-bad"); !errors.Is(err, domain.ErrLogCorrupt) {
		t.Errorf("corrupt lot error = %v, want ErrLogCorrupt", err)
	}
	if _, err := second.bid(alpha, "lot-bad", "900"); !errors.Is(err, domain.ErrLogCorrupt) {
		t.Errorf("bid on corrupt lot error = %v, want ErrLogCorrupt", err)
	}
}

func TestNotifications(t *testing.T) {
	notifier := newRecordingNotifier()
	h := newHarness(t, memory.New(), WithNotifier(notifier))
	h.openAndStart("lot-1", domain.ModeOpen, alpha)
	h.mustBid(alpha, "lot-1", "1000")
	h.advance("lot-1", 10*time.Minute)

	want := map[domain.SystemCode]bool{
		domain.SystemDisputeOpened: false,
		domain.SystemDisputeClosed: false,
	}
	timeout := time.After(2 * time.Second)
	for !want[domain.SystemDisputeOpened] || !want[domain.SystemDisputeClosed] {
		select {
		case n := <-notifier.ch:
			if n.LotID != "lot-1" {
				t.Fatalf("notification for lot %q", n.LotID)
			}
			if _, ok := want[n.Code]; ok {
				want[n.Code] = true
			}
		case <-timeout:
			t.Fatalf("notifications not forwarded: %v", want)
		}
	}

	if err := h.eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if !notifier.closed {
		t.Errorf("Close() must close the notifier")
	}
	for _, n := range notifier.got {
		if n.Code == domain.SystemTieBreakInvitation {
			t.Errorf("private announcements must not be forwarded")
		}
	}
}

func TestNotifications_ForwardEventsProducedByRecovery(t *testing.T) {
	store := memory.New()
	first := newHarness(t, store)
	first.openAndStart("lot-1", domain.ModeOpen, alpha)
	first.mustBid(alpha, "lot-1", "1000")
	if err := first.eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	notifier := newRecordingNotifier()
	second := newHarness(t, store, WithNotifier(notifier))
	second.clk.Set(first.clk.Now().Add(time.Hour))
	if err := second.eng.Recover(second.ctx); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	s, err := second.eng.session(second.ctx, "lot-1")
	if err != nil {
		t.Fatalf("session() error = %v", err)
	}
	if err := s.Sync(second.ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := s.Snapshot().Phase; got != domain.PhaseClosed {
		t.Fatalf("Phase = %s, want closed", got)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-notifier.ch:
			if n.Code == domain.SystemDisputeOpened {
				t.Fatalf("event from before the restart was forwarded again")
			}
			if n.Code == domain.SystemDisputeClosed {
				return
			}
		case <-timeout:
			t.Fatal("dispute_closed produced during recovery was not forwarded")
		}
	}
}

func TestClose_RejectsCommands(t *testing.T) {
	h := newHarness(t, memory.New())
	h.openAndStart("lot-1", domain.ModeOpen, alpha)
	if err := h.eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.eng.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := h.bid(alpha, "lot-1", "100"); !errors.Is(err, domain.ErrSessionStopped) {
		t.Errorf("error = %v, want ErrSessionStopped", err)
	}
}
