package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// OrganizationHeader carries the organization identity resolved by the
// upstream auth layer. This service trusts it; authentication itself is an
// external collaborator.
const OrganizationHeader = "X-Organization-ID"

type ctxKey struct{}

// OrganizationID returns the organization bound to the request context.
func OrganizationID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	return id, ok
}

// WithOrganizationID binds an organization to the context. Exposed for
// tests and internal callers.
func WithOrganizationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequireOrganization rejects requests without a valid organization
// identity with 401.
func RequireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(OrganizationHeader))
		if err != nil || id == uuid.Nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "organization identity is required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOrganizationID(r.Context(), id)))
	})
}
