package auth

import (
	"context"
	"strings"
	"time"
)

// Identity is the authenticated caller, produced once by TokenCodec.Verify at
// the boundary and passed down explicitly. The zero value is anonymous.
type Identity struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// IsAnonymous reports whether no verified user is attached
func (i Identity) IsAnonymous() bool {
	return i.UserID == ""
}

type identityKey struct{}

// WithIdentity returns a context carrying id
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached to ctx, if any
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.IsAnonymous() {
		return Identity{}, false
	}
	return id, true
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
