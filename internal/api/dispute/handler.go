// Package dispute exposes the dispute engine over HTTP: JSON commands, read
// views and the live event feed (SSE and WebSocket).
package dispute

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/ledger"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/server"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/stream"
)

// Engine is the command surface the handlers drive.
type Engine interface {
	OpenLot(ctx context.Context, actor domain.Actor, cfg domain.LotConfig) (*domain.Lot, error)
	RegisterParticipation(ctx context.Context, actor domain.Actor, lotID string) (*domain.Participant, error)
	StartSession(ctx context.Context, actor domain.Actor, lotID string) (*domain.Lot, error)
	RestartSession(ctx context.Context, actor domain.Actor, lotID string) (*domain.Lot, error)
	SubmitBid(ctx context.Context, actor domain.Actor, lotID string, value decimal.Decimal) (*domain.Bid, error)
	RespondTieBreak(ctx context.Context, actor domain.Actor, lotID string, value decimal.Decimal) (*domain.TieBreakOffer, error)
	ForceClose(ctx context.Context, actor domain.Actor, lotID, reason string) (*domain.Lot, error)
	SendSystemMessage(ctx context.Context, actor domain.Actor, lotID, to, text string) (*domain.Event, error)
	SendChat(ctx context.Context, actor domain.Actor, lotID, text string) (*domain.Event, error)
	Lot(ctx context.Context, actor domain.Actor, lotID string) (*domain.Lot, error)
	Ranking(ctx context.Context, actor domain.Actor, lotID string) ([]ledger.Entry, error)
	Subscribe(ctx context.Context, actor domain.Actor, lotID string, since uint64) (*stream.Subscription, error)
}

// Handler serves the dispute API.
type Handler struct {
	engine    Engine
	logger    *slog.Logger
	keepAlive time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithKeepAlive sets how often idle event feeds are pinged.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// NewHandler creates a dispute API handler.
func NewHandler(engine Engine, opts ...Option) *Handler {
	h := &Handler{
		engine:    engine,
		logger:    slog.Default(),
		keepAlive: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Route("/api/lots", func(r chi.Router) {
		r.Post("/", h.HandleOpenLot)
		r.Route("/{lotID}", func(r chi.Router) {
			r.Get("/", h.HandleGetLot)
			r.Post("/participants", h.HandleRegister)
			r.Post("/start", h.HandleStart)
			r.Post("/restart", h.HandleRestart)
			r.Post("/bids", h.HandleSubmitBid)
			r.Get("/ranking", h.HandleRanking)
			r.Post("/tiebreak", h.HandleTieBreak)
			r.Post("/close", h.HandleForceClose)
			r.Post("/messages", h.HandleMessage)
			r.Get("/events", h.HandleEvents)
			r.Get("/ws", h.HandleWebSocket)
		})
	})
}

// HandleHealth handles GET /healthz
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type timingRequest struct {
	InitialWindow      string          `json:"initial_window,omitempty"`
	ExtensionWindow    string          `json:"extension_window,omitempty"`
	ExtensionThreshold string          `json:"extension_threshold,omitempty"`
	SealedWindow       string          `json:"sealed_window,omitempty"`
	RestartGrace       string          `json:"restart_grace,omitempty"`
	RandomTailMax      string          `json:"random_tail_max,omitempty"`
	TopN               int             `json:"top_n,omitempty"`
	TieBreakWindow     string          `json:"tiebreak_window,omitempty"`
	TieBreakThreshold  decimal.Decimal `json:"tiebreak_threshold_percent,omitzero"`
}

func (t timingRequest) timing() (domain.Timing, error) {
	out := domain.Timing{TopN: t.TopN, TieBreakThreshold: t.TieBreakThreshold}
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"initial_window", t.InitialWindow, &out.InitialWindow},
		{"extension_window", t.ExtensionWindow, &out.ExtensionWindow},
		{"extension_threshold", t.ExtensionThreshold, &out.ExtensionThreshold},
		{"sealed_window", t.SealedWindow, &out.SealedWindow},
		{"restart_grace", t.RestartGrace, &out.RestartGrace},
		{"random_tail_max", t.RandomTailMax, &out.RandomTailMax},
		{"tiebreak_window", t.TieBreakWindow, &out.TieBreakWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil || d < 0 {
			return domain.Timing{}, domain.ErrInvalidRequest.WithMessage("invalid %s %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return out, nil
}

type openLotRequest struct {
	ID             string             `json:"id"`
	TenderID       string             `json:"tender_id"`
	Description    string             `json:"description"`
	EstimatedValue decimal.Decimal    `json:"estimated_value"`
	MinDecrement   decimal.Decimal    `json:"min_decrement"`
	Mode           domain.DisputeMode `json:"mode"`
	Timing         timingRequest      `json:"timing"`
}

// HandleOpenLot handles POST /api/lots
func (h *Handler) HandleOpenLot(w http.ResponseWriter, r *http.Request) {
	var req openLotRequest
	if !decode(w, r, &req) {
		return
	}
	timing, err := req.Timing.timing()
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "lot_id", req.ID)

	lot, err := h.engine.OpenLot(r.Context(), server.ActorFromContext(r.Context()), domain.LotConfig{
		ID:             req.ID,
		TenderID:       req.TenderID,
		Description:    req.Description,
		EstimatedValue: req.EstimatedValue,
		MinDecrement:   req.MinDecrement,
		Mode:           req.Mode,
		Timing:         timing,
	})
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lot)
}

// HandleGetLot handles GET /api/lots/{lotID}
func (h *Handler) HandleGetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.engine.Lot(r.Context(), server.ActorFromContext(r.Context()), lotID(r))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

// HandleRegister handles POST /api/lots/{lotID}/participants
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.RegisterParticipation(r.Context(), server.ActorFromContext(r.Context()), lotID(r))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// HandleStart handles POST /api/lots/{lotID}/start
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	lot, err := h.engine.StartSession(r.Context(), server.ActorFromContext(r.Context()), lotID(r))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

// HandleRestart handles POST /api/lots/{lotID}/restart
func (h *Handler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	lot, err := h.engine.RestartSession(r.Context(), server.ActorFromContext(r.Context()), lotID(r))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

type valueRequest struct {
	Value decimal.NullDecimal `json:"value"`
}

func (v valueRequest) value() (decimal.Decimal, error) {
	if !v.Value.Valid {
		return decimal.Decimal{}, domain.ErrInvalidRequest.WithMessage("value is required")
	}
	return v.Value.Decimal, nil
}

// HandleSubmitBid handles POST /api/lots/{lotID}/bids
func (h *Handler) HandleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decode(w, r, &req) {
		return
	}
	value, err := req.value()
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	bid, err := h.engine.SubmitBid(r.Context(), server.ActorFromContext(r.Context()), lotID(r), value)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

// HandleTieBreak handles POST /api/lots/{lotID}/tiebreak
func (h *Handler) HandleTieBreak(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decode(w, r, &req) {
		return
	}
	value, err := req.value()
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	offer, err := h.engine.RespondTieBreak(r.Context(), server.ActorFromContext(r.Context()), lotID(r), value)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// HandleForceClose handles POST /api/lots/{lotID}/close
func (h *Handler) HandleForceClose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	lot, err := h.engine.ForceClose(r.Context(), server.ActorFromContext(r.Context()), lotID(r), req.Reason)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

// HandleMessage handles POST /api/lots/{lotID}/messages. The pregoeiro
// posts system messages; suppliers chat with the pregoeiro.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
		To   string `json:"to"`
	}
	if !decode(w, r, &req) {
		return
	}
	actor := server.ActorFromContext(r.Context())

	var (
		evt *domain.Event
		err error
	)
	switch actor.Role {
	case domain.RolePregoeiro:
		evt, err = h.engine.SendSystemMessage(r.Context(), actor, lotID(r), req.To, req.Text)
	default:
		evt, err = h.engine.SendChat(r.Context(), actor, lotID(r), req.Text)
	}
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, evt)
}

type rankingEntry struct {
	Position    int             `json:"position"`
	Label       string          `json:"label"`
	SupplierID  string          `json:"supplier_id,omitempty"`
	Value       decimal.Decimal `json:"value"`
	BidID       string          `json:"bid_id"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// HandleRanking handles GET /api/lots/{lotID}/ranking
func (h *Handler) HandleRanking(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.Ranking(r.Context(), server.ActorFromContext(r.Context()), lotID(r))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	out := make([]rankingEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, rankingEntry{
			Position:    e.Position,
			Label:       e.Label,
			SupplierID:  e.SupplierID,
			Value:       e.Value,
			BidID:       e.BidID,
			SubmittedAt: e.SubmittedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ranking": out})
}

func lotID(r *http.Request) string {
	id := chi.URLParam(r, "lotID")
	server.AddLogField(r.Context(), "lot_id", id)
	return id
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		server.WriteError(w, r, domain.ErrInvalidRequest.WithMessage("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
