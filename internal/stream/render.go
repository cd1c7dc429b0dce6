package stream

import "github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"

// Render returns the event as viewer may see it. The pregoeiro sees
// everything. Suppliers and citizens see other suppliers only by label, and
// events outside their visibility become redacted placeholders.
func Render(e *domain.Event, v domain.Viewer) *domain.Event {
	if !e.Visibility.VisibleTo(v) {
		return &domain.Event{
			ID:         e.ID,
			LotID:      e.LotID,
			Seq:        e.Seq,
			Kind:       domain.EventRedacted,
			Visibility: domain.Visibility{Scope: domain.ScopePrivate},
			At:         e.At,
		}
	}
	out := e.Clone()
	if v.Role == domain.RolePregoeiro {
		return out
	}
	if out.Bid != nil && out.Bid.SupplierID != v.SupplierID {
		out.Bid.SupplierID = ""
	}
	if out.System != nil && out.System.SupplierID != v.SupplierID {
		out.System.SupplierID = ""
	}
	if out.System != nil && out.System.Round != nil {
		out.System.Round.Restricted = nil
	}
	if out.Chat != nil {
		if out.Chat.FromID != v.SupplierID {
			out.Chat.FromID = ""
		}
		if out.Chat.ToID != v.SupplierID {
			out.Chat.ToID = ""
		}
	}
	if out.Visibility.SupplierID != v.SupplierID {
		out.Visibility.SupplierID = ""
	}
	return out
}
