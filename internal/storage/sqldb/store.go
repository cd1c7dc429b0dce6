// Package sqldb is the SQL implementation of ports.DisputeStore for SQLite
// and PostgreSQL. The schema is managed by goose migrations embedded per
// dialect.
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/storage/dialect"
)

//go:embed migrations
var migrations embed.FS

// Store is a SQL implementation of ports.DisputeStore that supports
// multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.DisputeStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres
	DSN    string // Data source name / connection string
}

// New opens the database, applies pending migrations and returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if n := d.MaxOpenConns(); n > 0 {
		db.SetMaxOpenConns(n)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLite creates a new SQLite store
func NewSQLite(ctx context.Context, dbPath string) (*Store, error) {
	return New(ctx, Config{Driver: "sqlite", DSN: dbPath})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, s.dialect.MigrationsDir())
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	provider, err := goose.NewProvider(s.dialect.Goose(), s.db.DB, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

type lotRow struct {
	ID             string          `db:"id"`
	TenderID       string          `db:"tender_id"`
	Description    string          `db:"description"`
	EstimatedValue decimal.Decimal `db:"estimated_value"`
	MinDecrement   decimal.Decimal `db:"min_decrement"`
	Mode           string          `db:"mode"`
	Timing         []byte          `db:"timing"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r *lotRow) config() (*domain.LotConfig, error) {
	cfg := &domain.LotConfig{
		ID:             r.ID,
		TenderID:       r.TenderID,
		Description:    r.Description,
		EstimatedValue: r.EstimatedValue,
		MinDecrement:   r.MinDecrement,
		Mode:           domain.DisputeMode(r.Mode),
		CreatedAt:      r.CreatedAt,
	}
	if err := json.Unmarshal(r.Timing, &cfg.Timing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal timing of lot %s: %w", r.ID, err)
	}
	return cfg, nil
}

type participantRow struct {
	LotID        string    `db:"lot_id"`
	SupplierID   string    `db:"supplier_id"`
	Name         string    `db:"name"`
	Label        string    `db:"label"`
	Ordinal      int       `db:"ordinal"`
	MEEPP        bool      `db:"me_epp"`
	RegisteredAt time.Time `db:"registered_at"`
}

type bidRow struct {
	ID          string          `db:"id"`
	LotID       string          `db:"lot_id"`
	Seq         uint64          `db:"seq"`
	SupplierID  string          `db:"supplier_id"`
	Label       string          `db:"label"`
	Value       decimal.Decimal `db:"value"`
	Round       int             `db:"round"`
	Kind        string          `db:"kind"`
	SubmittedAt time.Time       `db:"submitted_at"`
}

type offerRow struct {
	LotID         string          `db:"lot_id"`
	ID            string          `db:"id"`
	SupplierID    string          `db:"supplier_id"`
	Label         string          `db:"label"`
	LeadingBidID  string          `db:"leading_bid_id"`
	OriginalValue decimal.Decimal `db:"original_value"`
	CounterValue  decimal.Decimal `db:"counter_value"`
	Reduction     decimal.Decimal `db:"reduction"`
	Status        string          `db:"status"`
	ActivatedAt   time.Time       `db:"activated_at"`
	Deadline      time.Time       `db:"deadline"`
	ResolvedAt    sql.NullTime    `db:"resolved_at"`
}

func (s *Store) CreateLot(ctx context.Context, lot *domain.LotConfig) error {
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now().UTC()
	}
	timing, err := json.Marshal(lot.Timing)
	if err != nil {
		return fmt.Errorf("failed to marshal timing: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO lots (id, tender_id, description, estimated_value, min_decrement, mode, timing, phase, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` + s.dialect.UpsertClause("id", nil))

	res, err := s.db.ExecContext(ctx, query,
		lot.ID, lot.TenderID, lot.Description, lot.EstimatedValue, lot.MinDecrement,
		string(lot.Mode), string(timing), string(domain.PhaseWaiting), lot.CreatedAt, lot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create lot: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrLotExists.WithMessage("lot %s already exists", lot.ID)
	}
	return nil
}

func (s *Store) GetLot(ctx context.Context, id string) (*domain.LotConfig, error) {
	query := s.dialect.Rebind(`SELECT id, tender_id, description, estimated_value, min_decrement, mode, timing, created_at
	          FROM lots WHERE id = ?`)

	var row lotRow
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrLotNotFound.WithMessage("lot %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lot: %w", err)
	}
	return row.config()
}

func (s *Store) ListLots(ctx context.Context, opts ports.LotListOptions) ([]*domain.LotConfig, error) {
	query := `SELECT id, tender_id, description, estimated_value, min_decrement, mode, timing, created_at FROM lots`
	var args []any
	if opts.OnlyActive {
		query += ` WHERE phase <> ?`
		args = append(args, string(domain.PhaseClosed))
	}
	query += ` ORDER BY created_at, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var rows []lotRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list lots: %w", err)
	}
	lots := make([]*domain.LotConfig, 0, len(rows))
	for i := range rows {
		cfg, err := rows[i].config()
		if err != nil {
			return nil, err
		}
		lots = append(lots, cfg)
	}
	return lots, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, lotID string) (*domain.Checkpoint, error) {
	query := s.dialect.Rebind(`SELECT checkpoint FROM lots WHERE id = ?`)

	var data []byte
	err := s.db.QueryRowContext(ctx, query, lotID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrLotNotFound.WithMessage("lot %s not found", lotID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var cp domain.Checkpoint
	if err := cp.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) ListParticipants(ctx context.Context, lotID string) ([]*domain.Participant, error) {
	query := s.dialect.Rebind(`SELECT lot_id, supplier_id, name, label, ordinal, me_epp, registered_at
	          FROM participants WHERE lot_id = ? ORDER BY ordinal`)

	var rows []participantRow
	if err := s.db.SelectContext(ctx, &rows, query, lotID); err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	out := make([]*domain.Participant, len(rows))
	for i, r := range rows {
		out[i] = &domain.Participant{
			LotID:        r.LotID,
			SupplierID:   r.SupplierID,
			Name:         r.Name,
			Label:        r.Label,
			Ordinal:      r.Ordinal,
			MEEPP:        r.MEEPP,
			RegisteredAt: r.RegisteredAt,
		}
	}
	return out, nil
}

func (s *Store) ListBids(ctx context.Context, lotID string) ([]*domain.Bid, error) {
	query := s.dialect.Rebind(`SELECT id, lot_id, seq, supplier_id, label, value, round, kind, submitted_at
	          FROM bids WHERE lot_id = ? ORDER BY seq`)

	var rows []bidRow
	if err := s.db.SelectContext(ctx, &rows, query, lotID); err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	out := make([]*domain.Bid, len(rows))
	for i, r := range rows {
		out[i] = &domain.Bid{
			ID:          r.ID,
			LotID:       r.LotID,
			Seq:         r.Seq,
			SupplierID:  r.SupplierID,
			Label:       r.Label,
			Value:       r.Value,
			Round:       r.Round,
			Kind:        domain.BidKind(r.Kind),
			SubmittedAt: r.SubmittedAt,
		}
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, lotID string, since uint64) ([]*domain.Event, error) {
	query := s.dialect.Rebind(`SELECT payload FROM events WHERE lot_id = ? AND seq > ? ORDER BY seq`)

	var payloads [][]byte
	if err := s.db.SelectContext(ctx, &payloads, query, lotID, since); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]*domain.Event, len(payloads))
	for i, p := range payloads {
		var e domain.Event
		if err := json.Unmarshal(p, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out[i] = &e
	}
	return out, nil
}

func (s *Store) GetTieBreakOffer(ctx context.Context, lotID string) (*domain.TieBreakOffer, error) {
	query := s.dialect.Rebind(`SELECT lot_id, id, supplier_id, label, leading_bid_id, original_value, counter_value,
	          reduction, status, activated_at, deadline, resolved_at
	          FROM tiebreak_offers WHERE lot_id = ?`)

	var r offerRow
	err := s.db.GetContext(ctx, &r, query, lotID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tie-break offer: %w", err)
	}
	return &domain.TieBreakOffer{
		ID:            r.ID,
		LotID:         r.LotID,
		SupplierID:    r.SupplierID,
		Label:         r.Label,
		LeadingBidID:  r.LeadingBidID,
		OriginalValue: r.OriginalValue,
		CounterValue:  r.CounterValue,
		Reduction:     r.Reduction,
		Status:        domain.OfferStatus(r.Status),
		ActivatedAt:   r.ActivatedAt,
		Deadline:      r.Deadline,
		ResolvedAt:    r.ResolvedAt.Time,
	}, nil
}

// Commit writes c in a single transaction. Sequence numbers must continue
// the stored logs without gaps.
func (s *Store) Commit(ctx context.Context, c *ports.Commit) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p := c.Participant; p != nil {
		query := s.dialect.Rebind(`INSERT INTO participants (lot_id, supplier_id, name, label, ordinal, me_epp, registered_at)
		          VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, query,
			c.LotID, p.SupplierID, p.Name, p.Label, p.Ordinal, p.MEEPP, p.RegisteredAt); err != nil {
			return fmt.Errorf("failed to insert participant: %w", err)
		}
	}

	if b := c.Bid; b != nil {
		if err := s.checkNext(ctx, tx, "bids", c.LotID, b.Seq); err != nil {
			return err
		}
		query := s.dialect.Rebind(`INSERT INTO bids (id, lot_id, seq, supplier_id, label, value, round, kind, submitted_at)
		          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, query,
			b.ID, c.LotID, b.Seq, b.SupplierID, b.Label, b.Value, b.Round, string(b.Kind), b.SubmittedAt); err != nil {
			return fmt.Errorf("failed to insert bid: %w", err)
		}
	}

	if o := c.Offer; o != nil {
		resolved := sql.NullTime{Time: o.ResolvedAt, Valid: !o.ResolvedAt.IsZero()}
		query := s.dialect.Rebind(`INSERT INTO tiebreak_offers (lot_id, id, supplier_id, label, leading_bid_id, original_value,
		          counter_value, reduction, status, activated_at, deadline, resolved_at)
		          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ` +
			s.dialect.UpsertClause("lot_id", []string{"counter_value", "reduction", "status", "resolved_at"}))
		if _, err := tx.ExecContext(ctx, query,
			c.LotID, o.ID, o.SupplierID, o.Label, o.LeadingBidID, o.OriginalValue,
			o.CounterValue, o.Reduction, string(o.Status), o.ActivatedAt, o.Deadline, resolved); err != nil {
			return fmt.Errorf("failed to upsert tie-break offer: %w", err)
		}
	}

	if len(c.Events) > 0 {
		if err := s.checkNext(ctx, tx, "events", c.LotID, c.Events[0].Seq); err != nil {
			return err
		}
		query := s.dialect.Rebind(`INSERT INTO events (id, lot_id, seq, kind, scope, supplier_id, created_at, payload)
		          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		for _, e := range c.Events {
			payload, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal event: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query,
				e.ID, c.LotID, e.Seq, string(e.Kind), string(e.Visibility.Scope), e.Visibility.SupplierID,
				e.At, string(payload)); err != nil {
				return fmt.Errorf("failed to insert event %d: %w", e.Seq, err)
			}
		}
	}

	if cp := c.Checkpoint; cp != nil {
		data, err := cp.MarshalBinary()
		if err != nil {
			return err
		}
		query := s.dialect.Rebind(`UPDATE lots SET checkpoint = ?, phase = ?, updated_at = ? WHERE id = ?`)
		res, err := tx.ExecContext(ctx, query, data, string(cp.Phase), cp.SavedAt, c.LotID)
		if err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return domain.ErrLotNotFound.WithMessage("lot %s not found", c.LotID)
		}
	}

	return tx.Commit()
}

// checkNext verifies that seq directly follows the last sequence number
// stored in table for the lot.
func (s *Store) checkNext(ctx context.Context, tx *sqlx.Tx, table, lotID string, seq uint64) error {
	var last int64
	query := s.dialect.Rebind(fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s WHERE lot_id = ?`, table))
	if err := tx.GetContext(ctx, &last, query, lotID); err != nil {
		return fmt.Errorf("failed to read last %s sequence: %w", table, err)
	}
	if seq != uint64(last)+1 {
		return fmt.Errorf("%s seq %d out of order, last is %d", table, seq, last)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
