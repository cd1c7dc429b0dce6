package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/server"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/stream"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Feeds are read-only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// since reads the resume cursor from the since query parameter or, for SSE
// reconnects, the Last-Event-ID header.
func since(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidRequest.WithMessage("invalid event cursor %q", raw)
	}
	return n, nil
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) (*stream.Subscription, bool) {
	cursor, err := since(r)
	if err != nil {
		server.WriteError(w, r, err)
		return nil, false
	}
	sub, err := h.engine.Subscribe(r.Context(), server.ActorFromContext(r.Context()), lotID(r), cursor)
	if err != nil {
		server.WriteError(w, r, err)
		return nil, false
	}
	return sub, true
}

// next waits for the next event, returning nil without error when the
// keep-alive interval passes first.
func (h *Handler) next(ctx context.Context, sub *stream.Subscription) (*domain.Event, error) {
	waitCtx, cancel := context.WithTimeout(ctx, h.keepAlive)
	defer cancel()
	evt, err := sub.Next(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, nil
	}
	return evt, err
}

// HandleEvents handles GET /api/lots/{lotID}/events as a Server-Sent Events
// feed. Each event carries its sequence number as the SSE id so clients
// resume with Last-Event-ID.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		server.WriteError(w, r, fmt.Errorf("streaming not supported"))
		return
	}
	sub, ok := h.subscribe(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		evt, err := h.next(r.Context(), sub)
		if err != nil {
			h.endFeed(r, "sse", sub, err)
			if errors.Is(err, stream.ErrClosed) {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				flusher.Flush()
			}
			return
		}
		if evt == nil {
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			continue
		}

		data, err := json.Marshal(evt)
		if err != nil {
			h.logger.Error("failed to marshal SSE event", slog.String("error", err.Error()))
			return
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
		flusher.Flush()
	}
}

// HandleWebSocket handles GET /api/lots/{lotID}/ws. Events are sent as JSON
// text frames; the client only needs to answer pings.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.AddError(r.Context(), err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The reader only drains control frames and notices the client leaving.
	conn.SetReadLimit(512)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		evt, err := h.next(ctx, sub)
		if err != nil {
			h.endFeed(r, "ws", sub, err)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if errors.Is(err, stream.ErrClosed) {
				msg = websocket.FormatCloseMessage(websocket.CloseGoingAway, "lot session stopped")
			}
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if evt == nil {
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			continue
		}
		if err := conn.WriteJSON(evt); err != nil {
			h.logger.Debug("websocket write failed",
				slog.String("lot_id", evt.LotID),
				slog.String("error", err.Error()))
			return
		}
	}
}

func (h *Handler) endFeed(r *http.Request, kind string, sub *stream.Subscription, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrClosed) {
		h.logger.Debug("event feed ended",
			slog.String("feed", kind),
			slog.Uint64("cursor", sub.Cursor()),
			slog.String("reason", err.Error()))
		return
	}
	server.AddError(r.Context(), err)
}
