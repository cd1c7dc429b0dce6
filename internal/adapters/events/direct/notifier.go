// Package direct provides a notifier that writes announcements to the
// structured log. It is the default for single-instance deployments.
package direct

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
)

// Notifier implements ports.Notifier by logging each notification.
type Notifier struct {
	logger *slog.Logger
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier creates a new log notifier.
func NewNotifier(logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Notifier{logger: logger}, nil
}

// Notify logs n.
func (n *Notifier) Notify(ctx context.Context, note *domain.Notification) error {
	n.logger.LogAttrs(ctx, slog.LevelInfo, "lot announcement",
		slog.String("lot_id", note.LotID),
		slog.Uint64("seq", note.Seq),
		slog.String("code", string(note.Code)),
		slog.String("phase", string(note.Phase)),
		slog.String("message", note.Message),
		slog.Time("at", note.At))
	return nil
}

// Close is a no-op for the log notifier.
func (n *Notifier) Close() error {
	return nil
}
