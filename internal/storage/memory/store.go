// Package memory provides an in-process DisputeStore for tests and
// single-node deployments without durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
)

// Store is an in-memory implementation of ports.DisputeStore. Checkpoints
// are kept in their encoded form so the codec is exercised as with SQL.
type Store struct {
	mu   sync.RWMutex
	lots map[string]*lotRecord
	ids  []string
}

type lotRecord struct {
	config       domain.LotConfig
	checkpoint   []byte
	phase        domain.Phase
	participants []*domain.Participant
	bids         []*domain.Bid
	events       []*domain.Event
	offer        *domain.TieBreakOffer
}

var _ ports.DisputeStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{lots: make(map[string]*lotRecord)}
}

func (s *Store) CreateLot(ctx context.Context, lot *domain.LotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.lots[lot.ID]; exists {
		return domain.ErrLotExists.WithMessage("lot %s already exists", lot.ID)
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now()
	}
	s.lots[lot.ID] = &lotRecord{config: *lot, phase: domain.PhaseWaiting}
	s.ids = append(s.ids, lot.ID)
	return nil
}

func (s *Store) GetLot(ctx context.Context, id string) (*domain.LotConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.lots[id]
	if !ok {
		return nil, domain.ErrLotNotFound.WithMessage("lot %s not found", id)
	}
	cfg := rec.config
	return &cfg, nil
}

func (s *Store) ListLots(ctx context.Context, opts ports.LotListOptions) ([]*domain.LotConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.LotConfig
	for _, id := range s.ids {
		rec := s.lots[id]
		if opts.OnlyActive && rec.phase == domain.PhaseClosed {
			continue
		}
		cfg := rec.config
		result = append(result, &cfg)
		if opts.Limit > 0 && len(result) >= opts.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, lotID string) (*domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.lots[lotID]
	if !ok {
		return nil, domain.ErrLotNotFound
	}
	if rec.checkpoint == nil {
		return nil, nil
	}
	var cp domain.Checkpoint
	if err := cp.UnmarshalBinary(rec.checkpoint); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) ListParticipants(ctx context.Context, lotID string) ([]*domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.lots[lotID]
	if !ok {
		return nil, domain.ErrLotNotFound
	}
	out := make([]*domain.Participant, len(rec.participants))
	for i, p := range rec.participants {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) ListBids(ctx context.Context, lotID string) ([]*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.lots[lotID]
	if !ok {
		return nil, domain.ErrLotNotFound
	}
	out := make([]*domain.Bid, len(rec.bids))
	for i, b := range rec.bids {
		out[i] = b.Clone()
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, lotID string, since uint64) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.lots[lotID]
	if !ok {
		return nil, domain.ErrLotNotFound
	}
	idx := sort.Search(len(rec.events), func(i int) bool { return rec.events[i].Seq > since })
	out := make([]*domain.Event, 0, len(rec.events)-idx)
	for _, e := range rec.events[idx:] {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *Store) GetTieBreakOffer(ctx context.Context, lotID string) (*domain.TieBreakOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.lots[lotID]
	if !ok {
		return nil, domain.ErrLotNotFound
	}
	return rec.offer.Clone(), nil
}

// Commit applies c atomically: every uniqueness check runs before anything
// is written.
func (s *Store) Commit(ctx context.Context, c *ports.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lots[c.LotID]
	if !ok {
		return domain.ErrLotNotFound.WithMessage("lot %s not found", c.LotID)
	}

	if p := c.Participant; p != nil {
		for _, existing := range rec.participants {
			if existing.SupplierID == p.SupplierID {
				return fmt.Errorf("participant %s already registered", p.SupplierID)
			}
		}
	}
	if b := c.Bid; b != nil && b.Seq != uint64(len(rec.bids))+1 {
		return fmt.Errorf("bid seq %d out of order", b.Seq)
	}
	for i, e := range c.Events {
		if e.Seq != uint64(len(rec.events)+i)+1 {
			return fmt.Errorf("event seq %d out of order", e.Seq)
		}
	}
	var checkpoint []byte
	if c.Checkpoint != nil {
		data, err := c.Checkpoint.MarshalBinary()
		if err != nil {
			return err
		}
		checkpoint = data
	}

	if p := c.Participant; p != nil {
		cp := *p
		rec.participants = append(rec.participants, &cp)
	}
	if c.Bid != nil {
		rec.bids = append(rec.bids, c.Bid.Clone())
	}
	if c.Offer != nil {
		rec.offer = c.Offer.Clone()
	}
	if checkpoint != nil {
		rec.checkpoint = checkpoint
		rec.phase = c.Checkpoint.Phase
	}
	for _, e := range c.Events {
		rec.events = append(rec.events, e.Clone())
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}
