package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
)

func newLot(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateLot(context.Background(), &domain.LotConfig{
		ID:           id,
		TenderID:     "tender-1",
		Mode:         domain.ModeOpen,
		MinDecrement: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("CreateLot() error = %v", err)
	}
}

func TestStore_CreateAndGetLot(t *testing.T) {
	s := New()
	ctx := context.Background()
	newLot(t, s, "lot-1")

	err := s.CreateLot(ctx, &domain.LotConfig{ID: "lot-1"})
	if !errors.Is(err, domain.ErrLotExists) {
		t.Fatalf("duplicate CreateLot() error = %v, want ErrLotExists", err)
	}

	got, err := s.GetLot(ctx, "lot-1")
	if err != nil {
		t.Fatalf("GetLot() error = %v", err)
	}
	if got.TenderID != "tender-1" || got.CreatedAt.IsZero() {
		t.Errorf("GetLot() = %+v", got)
	}

	if _, err := s.GetLot(ctx, "missing"); !errors.Is(err, domain.ErrLotNotFound) {
		t.Errorf("GetLot(missing) error = %v, want ErrLotNotFound", err)
	}
}

func TestStore_CommitIsAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	newLot(t, s, "lot-1")

	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	bid := &domain.Bid{ID: "b1", LotID: "lot-1", Seq: 1, SupplierID: "s1", Value: decimal.NewFromInt(100), SubmittedAt: at}
	evt := &domain.Event{ID: "e1", LotID: "lot-1", Seq: 1, Kind: domain.EventBid, At: at}

	if err := s.Commit(ctx, &ports.Commit{LotID: "lot-1", Bid: bid, Events: []*domain.Event{evt}}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// The event is out of order, so the bid must not be written either.
	bid2 := &domain.Bid{ID: "b2", LotID: "lot-1", Seq: 2, SupplierID: "s2", Value: decimal.NewFromInt(90), SubmittedAt: at}
	bad := &domain.Event{ID: "e3", LotID: "lot-1", Seq: 3, Kind: domain.EventBid, At: at}
	if err := s.Commit(ctx, &ports.Commit{LotID: "lot-1", Bid: bid2, Events: []*domain.Event{bad}}); err == nil {
		t.Fatal("expected error for out-of-order event")
	}

	bids, _ := s.ListBids(ctx, "lot-1")
	if len(bids) != 1 {
		t.Fatalf("ListBids() returned %d bids, want 1", len(bids))
	}
	events, _ := s.ListEvents(ctx, "lot-1", 0)
	if len(events) != 1 {
		t.Fatalf("ListEvents() returned %d events, want 1", len(events))
	}
}

func TestStore_CheckpointAndActiveFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	newLot(t, s, "lot-1")
	newLot(t, s, "lot-2")

	if cp, err := s.GetCheckpoint(ctx, "lot-1"); err != nil || cp != nil {
		t.Fatalf("GetCheckpoint() = %v, %v; want nil, nil", cp, err)
	}

	closed := &domain.Checkpoint{LotID: "lot-2", Version: 1, Phase: domain.PhaseClosed, ClosedReason: "done"}
	if err := s.Commit(ctx, &ports.Commit{LotID: "lot-2", Checkpoint: closed}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	cp, err := s.GetCheckpoint(ctx, "lot-2")
	if err != nil {
		t.Fatalf("GetCheckpoint() error = %v", err)
	}
	if cp.Phase != domain.PhaseClosed || cp.ClosedReason != "done" {
		t.Errorf("GetCheckpoint() = %+v", cp)
	}

	active, _ := s.ListLots(ctx, ports.LotListOptions{OnlyActive: true})
	if len(active) != 1 || active[0].ID != "lot-1" {
		t.Errorf("ListLots(OnlyActive) = %v", active)
	}
	all, _ := s.ListLots(ctx, ports.LotListOptions{})
	if len(all) != 2 {
		t.Errorf("ListLots() returned %d lots, want 2", len(all))
	}
}

func TestStore_ListEventsSince(t *testing.T) {
	s := New()
	ctx := context.Background()
	newLot(t, s, "lot-1")

	var evts []*domain.Event
	for i := 1; i <= 5; i++ {
		evts = append(evts, &domain.Event{LotID: "lot-1", Seq: uint64(i), Kind: domain.EventSystem})
	}
	if err := s.Commit(ctx, &ports.Commit{LotID: "lot-1", Events: evts}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, _ := s.ListEvents(ctx, "lot-1", 3)
	if len(got) != 2 || got[0].Seq != 4 {
		t.Errorf("ListEvents(since=3) = %v", got)
	}
}

func TestStore_DuplicateParticipant(t *testing.T) {
	s := New()
	ctx := context.Background()
	newLot(t, s, "lot-1")

	p := &domain.Participant{LotID: "lot-1", SupplierID: "s1", Ordinal: 1, Label: "Fornecedor 01"}
	if err := s.Commit(ctx, &ports.Commit{LotID: "lot-1", Participant: p}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := s.Commit(ctx, &ports.Commit{LotID: "lot-1", Participant: p}); err == nil {
		t.Fatal("expected duplicate participant error")
	}
}
