package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"yuhak.app/internal/auth"
	"yuhak.app/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/",
}

// withAuth is the single authorization gate shared by every route: extract
// the bearer token, resolve it against the identity service (one remote
// round-trip, no memoization) and attach the principal to the context.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.provider == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="yuhak"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		client, err := a.provider.Anon()
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		user, err := client.UserFromToken(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, identity.ErrInvalidToken):
				w.Header().Set("WWW-Authenticate", `Bearer realm="yuhak"`)
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		principal := auth.Principal{
			ID:         user.ID,
			Email:      user.Email,
			Role:       auth.NormalizeRole(user.Role()),
			AgencyCode: user.AgencyCode(),
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole gates a route on an exact role claim match. It runs after
// withAuth, so a wrong role always fails before any input validation.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="yuhak"`)
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !principal.HasRole(role) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="yuhak"`)
				writeError(w, r, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
