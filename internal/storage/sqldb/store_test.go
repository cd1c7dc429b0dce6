package sqldb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/clock"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/session"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T, name string) *Store {
	t.Helper()
	store, err := NewSQLite(context.Background(), "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testLot(id string) *domain.LotConfig {
	return &domain.LotConfig{
		ID:             id,
		TenderID:       "pe-001/2026",
		Description:    "Notebooks",
		EstimatedValue: decimal.RequireFromString("150000.00"),
		MinDecrement:   decimal.RequireFromString("0.50"),
		Mode:           domain.ModeOpen,
		Timing:         domain.DefaultTiming(),
		CreatedAt:      t0,
	}
}

func TestSQLDBStore_CreateAndGetLot(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "lots1")

	lot := testLot("lot-1")
	if err := store.CreateLot(ctx, lot); err != nil {
		t.Fatalf("CreateLot() error = %v", err)
	}
	if err := store.CreateLot(ctx, testLot("lot-1")); !errors.Is(err, domain.ErrLotExists) {
		t.Fatalf("duplicate CreateLot() error = %v, want ErrLotExists", err)
	}

	got, err := store.GetLot(ctx, "lot-1")
	if err != nil {
		t.Fatalf("GetLot() error = %v", err)
	}
	if got.TenderID != lot.TenderID || got.Mode != lot.Mode {
		t.Errorf("GetLot() = %+v", got)
	}
	if !got.EstimatedValue.Equal(lot.EstimatedValue) || !got.MinDecrement.Equal(lot.MinDecrement) {
		t.Errorf("values = %s / %s", got.EstimatedValue, got.MinDecrement)
	}
	if got.Timing.ExtensionWindow != 2*time.Minute || !got.Timing.TieBreakThreshold.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Timing = %+v", got.Timing)
	}

	if _, err := store.GetLot(ctx, "missing"); !errors.Is(err, domain.ErrLotNotFound) {
		t.Errorf("GetLot(missing) error = %v, want ErrLotNotFound", err)
	}
	cp, err := store.GetCheckpoint(ctx, "lot-1")
	if err != nil || cp != nil {
		t.Errorf("GetCheckpoint() = %v, %v, want nil, nil", cp, err)
	}
}

func TestSQLDBStore_ListLots(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "lots2")

	for i, id := range []string{"a", "b", "c"} {
		lot := testLot(id)
		lot.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		if err := store.CreateLot(ctx, lot); err != nil {
			t.Fatalf("CreateLot(%s) error = %v", id, err)
		}
	}
	err := store.Commit(ctx, &ports.Commit{
		LotID:      "b",
		Checkpoint: &domain.Checkpoint{LotID: "b", Version: 1, Phase: domain.PhaseClosed, SavedAt: t0},
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	all, err := store.ListLots(ctx, ports.LotListOptions{})
	if err != nil {
		t.Fatalf("ListLots() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Fatalf("ListLots() = %d lots", len(all))
	}

	active, err := store.ListLots(ctx, ports.LotListOptions{OnlyActive: true})
	if err != nil {
		t.Fatalf("ListLots(active) error = %v", err)
	}
	if len(active) != 2 || active[0].ID != "a" || active[1].ID != "c" {
		t.Fatalf("ListLots(active) returned %d lots", len(active))
	}

	limited, err := store.ListLots(ctx, ports.LotListOptions{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("ListLots(limit) = %d, %v", len(limited), err)
	}
}

func TestSQLDBStore_CommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "commit1")
	if err := store.CreateLot(ctx, testLot("lot-1")); err != nil {
		t.Fatalf("CreateLot() error = %v", err)
	}

	p := &domain.Participant{LotID: "lot-1", SupplierID: "s1", Label: "Fornecedor 01", Ordinal: 1, MEEPP: true, RegisteredAt: t0}
	evt := &domain.Event{ID: "e1", LotID: "lot-1", Seq: 1, Kind: domain.EventSystem, Visibility: domain.Public, At: t0,
		System: &domain.SystemPayload{Code: domain.SystemParticipantRegistered, Message: "Fornecedor 01 registered"}}
	if err := store.Commit(ctx, &ports.Commit{LotID: "lot-1", Participant: p, Events: []*domain.Event{evt}}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// A gap in the bid log must reject the whole commit, events included.
	bad := &domain.Bid{ID: "b2", LotID: "lot-1", Seq: 2, SupplierID: "s1", Label: "Fornecedor 01",
		Value: decimal.NewFromInt(100), Round: 1, Kind: domain.BidOpen, SubmittedAt: t0}
	evt2 := &domain.Event{ID: "e2", LotID: "lot-1", Seq: 2, Kind: domain.EventBid, Visibility: domain.Public, At: t0}
	if err := store.Commit(ctx, &ports.Commit{LotID: "lot-1", Bid: bad, Events: []*domain.Event{evt2}}); err == nil {
		t.Fatalf("Commit() with bid gap succeeded")
	}

	events, err := store.ListEvents(ctx, "lot-1", 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].System.Code != domain.SystemParticipantRegistered {
		t.Fatalf("ListEvents() = %d events", len(events))
	}

	participants, err := store.ListParticipants(ctx, "lot-1")
	if err != nil {
		t.Fatalf("ListParticipants() error = %v", err)
	}
	if len(participants) != 1 || !participants[0].MEEPP || participants[0].Label != "Fornecedor 01" {
		t.Fatalf("ListParticipants() = %+v", participants)
	}

	if err := store.Commit(ctx, &ports.Commit{LotID: "lot-1", Participant: p}); err == nil {
		t.Fatalf("duplicate participant committed")
	}
}

func TestSQLDBStore_TieBreakOfferUpsert(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "offer1")
	if err := store.CreateLot(ctx, testLot("lot-1")); err != nil {
		t.Fatalf("CreateLot() error = %v", err)
	}

	offer := &domain.TieBreakOffer{
		ID: "o1", LotID: "lot-1", SupplierID: "s2", Label: "Fornecedor 02", LeadingBidID: "b1",
		OriginalValue: decimal.NewFromInt(1000), Status: domain.OfferPending,
		ActivatedAt: t0, Deadline: t0.Add(5 * time.Minute),
	}
	if err := store.Commit(ctx, &ports.Commit{LotID: "lot-1", Offer: offer}); err != nil {
		t.Fatalf("Commit(pending) error = %v", err)
	}

	accepted := offer.Clone()
	accepted.Status = domain.OfferAccepted
	accepted.CounterValue = decimal.NewFromInt(990)
	accepted.Reduction = decimal.NewFromInt(1)
	accepted.ResolvedAt = t0.Add(time.Minute)
	if err := store.Commit(ctx, &ports.Commit{LotID: "lot-1", Offer: accepted}); err != nil {
		t.Fatalf("Commit(accepted) error = %v", err)
	}

	got, err := store.GetTieBreakOffer(ctx, "lot-1")
	if err != nil {
		t.Fatalf("GetTieBreakOffer() error = %v", err)
	}
	if got.Status != domain.OfferAccepted || !got.CounterValue.Equal(decimal.NewFromInt(990)) || !got.Reduction.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("GetTieBreakOffer() = %+v", got)
	}
	if !got.ResolvedAt.Equal(t0.Add(time.Minute)) || !got.Deadline.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("times = %v / %v", got.ResolvedAt, got.Deadline)
	}

	none, err := newStore(t, "offer2").GetTieBreakOffer(ctx, "lot-1")
	if err != nil || none != nil {
		t.Errorf("GetTieBreakOffer(no offer) = %v, %v", none, err)
	}
}

func TestSQLDBStore_SessionRestore(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "session1")
	clk := clock.NewManual(t0)
	lot := testLot("lot-1")
	if err := store.CreateLot(ctx, lot); err != nil {
		t.Fatalf("CreateLot() error = %v", err)
	}

	cfg := session.Config{
		Lot:    *lot,
		Store:  store,
		Clock:  clk,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	sess, err := session.New(cfg)
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	for _, id := range []string{"s1", "s2"} {
		if _, err := sess.Register(ctx, domain.Actor{ID: id, Role: domain.RoleSupplier}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	clk.Advance(9 * time.Minute)
	if _, err := sess.SubmitBid(ctx, "s1", decimal.RequireFromString("1200.00"), clk.Now()); err != nil {
		t.Fatalf("SubmitBid(s1) error = %v", err)
	}
	if _, err := sess.SubmitBid(ctx, "s2", decimal.RequireFromString("1199.50"), clk.Now()); err != nil {
		t.Fatalf("SubmitBid(s2) error = %v", err)
	}
	want := sess.Snapshot()
	sess.Stop()

	restored, err := session.Restore(ctx, cfg)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	defer restored.Stop()

	got := restored.Snapshot()
	if got.Phase != domain.PhaseOpen || !got.Deadline.Equal(want.Deadline) {
		t.Fatalf("restored phase=%s deadline=%v, want open %v", got.Phase, got.Deadline, want.Deadline)
	}
	if got.Leading == nil || !got.Leading.Value.Equal(decimal.RequireFromString("1199.50")) {
		t.Fatalf("restored leading = %+v", got.Leading)
	}
	if got.LastEventSeq != want.LastEventSeq {
		t.Errorf("LastEventSeq = %d, want %d", got.LastEventSeq, want.LastEventSeq)
	}
}
