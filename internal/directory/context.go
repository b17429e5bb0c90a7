package directory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/eddinos2/hyperzenof-sub000/internal/billing"
	"github.com/eddinos2/hyperzenof-sub000/internal/platform/httpx"
)

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor billing.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (billing.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(billing.Actor)
	return actor, ok
}

func billingRole(raw string) billing.Role {
	return billing.Role(strings.ToUpper(strings.TrimSpace(raw)))
}

// Middleware resolves the actor named by header and stores it in the request
// context. Authentication happens upstream; this only maps identity to role.
func (d *Directory) Middleware(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(header))
			if raw == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing "+header+" header")
				return
			}
			userID, err := uuid.Parse(raw)
			if err != nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "malformed "+header+" header")
				return
			}
			actor, err := d.ResolveActor(r.Context(), userID)
			switch {
			case errors.Is(err, ErrUnknownActor):
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "no billing profile for user")
				return
			case errors.Is(err, ErrInvalidProfile):
				d.logger.Warn("resolve actor", slog.String("user_id", userID.String()), slog.Any("error", err))
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "billing profile is misconfigured")
				return
			case err != nil:
				d.logger.Error("resolve actor", slog.String("user_id", userID.String()), slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "actor directory unavailable")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
		})
	}
}
