package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/domain"
	"github.com/thiagovt-dev/compras-brasil-v3-sub004/internal/core/ports"
)

type actorKey struct{}

// IdentityMiddleware resolves the bearer token into an actor. Requests
// without credentials proceed as the anonymous citizen; a token that does
// not resolve is rejected with 401.
func IdentityMiddleware(provider ports.IdentityProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" || provider == nil {
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), domain.Anonymous)))
				return
			}

			actor, err := provider.Authenticate(r.Context(), token)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			AddLogField(r.Context(), "actor_id", actor.ID)
			AddLogField(r.Context(), "actor_role", string(actor.Role))
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), *actor)))
		})
	}
}

// bearerToken extracts the token from the Authorization header. The
// "Bearer " prefix is optional. The WebSocket feed may pass it as the
// access_token query parameter since browsers cannot set headers there.
func bearerToken(r *http.Request) string {
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	if token == "" {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the caller resolved by IdentityMiddleware, or the
// anonymous citizen.
func ActorFromContext(ctx context.Context) domain.Actor {
	if a, ok := ctx.Value(actorKey{}).(domain.Actor); ok {
		return a
	}
	return domain.Anonymous
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error *domain.Error `json:"error"`
}

// WriteError renders err as a JSON error body. Errors outside the domain
// taxonomy are reported as internal errors without their details.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	de, ok := domain.AsError(err)
	switch {
	case ok:
	case errors.Is(err, context.DeadlineExceeded):
		de = &domain.Error{Type: domain.ErrorTypeUnavailable, Code: "timeout", Message: "request timed out", Retryable: true}
	default:
		de = &domain.Error{Type: domain.ErrorTypeFatal, Code: "internal_error", Message: "internal server error"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(de.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: de})
}
