package middleware

import (
	"errors"
	"net/http"

	"github.com/locolive/relay/internal/auth"
	"github.com/locolive/relay/internal/domain"
	"github.com/locolive/relay/pkg/response"
)

// Verifier validates bearer tokens
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// AuthMiddleware verifies the bearer token once and attaches the resulting
// auth.Identity to the request context. Handlers read it with auth.IdentityFrom.
func AuthMiddleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "missing authorization header")
				return
			}

			token, ok := auth.BearerToken(authHeader)
			if !ok {
				response.Unauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				if errors.Is(err, domain.ErrExpiredToken) {
					response.Unauthorized(w, "token has expired")
					return
				}
				response.Unauthorized(w, "invalid token")
				return
			}

			id := claims.Identity()
			recordIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}
