package httpcache

import (
	"context"
	"net/http"

	"github.com/Sternrassler/voxcache/pkg/keys"
)

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id keys.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity. The zero
// Identity is returned when none was set.
func IdentityFrom(ctx context.Context) keys.Identity {
	id, _ := ctx.Value(identityKey{}).(keys.Identity)
	return id
}

// HeaderIdentity is a middleware taking the tenant and user identity from
// request headers set by an authenticating proxy.
func HeaderIdentity(tenantHeader, userHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := keys.Identity{
				TenantID: r.Header.Get(tenantHeader),
				UserID:   r.Header.Get(userHeader),
			}
			if id == (keys.Identity{}) {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
