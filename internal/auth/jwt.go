package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/locolive/relay/internal/domain"
)

const (
	claimUserID = "userId"
	claimEmail  = "email"

	// DefaultLeeway is the clock skew tolerated when checking exp, nbf and iat
	DefaultLeeway = 30 * time.Second
)

var reservedClaims = map[string]bool{
	claimUserID: true,
	"iat":       true,
	"exp":       true,
	"nbf":       true,
	"iss":       true,
	"sub":       true,
}

// ErrReservedClaim is returned by Issue when a custom claim would shadow a registered one
var ErrReservedClaim = errors.New("custom claim uses a reserved name")

// Claims is the verified content of a token
type Claims struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Custom    map[string]any
}

// Email returns the email custom claim if present
func (c *Claims) Email() string {
	email, _ := c.Custom[claimEmail].(string)
	return email
}

// Identity converts verified claims into the identity attached to requests and connections
func (c *Claims) Identity() Identity {
	return Identity{
		UserID:    c.UserID,
		Email:     c.Email(),
		ExpiresAt: c.ExpiresAt,
	}
}

// TokenCodec signs and verifies identity tokens. Verification is local:
// no storage or network access, so every service can run it independently.
type TokenCodec struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

type Option func(*TokenCodec)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *TokenCodec) {
		c.now = now
	}
}

// WithLeeway sets the tolerated clock skew
func WithLeeway(d time.Duration) Option {
	return func(c *TokenCodec) {
		c.leeway = d
	}
}

// NewTokenCodec creates a codec using HMAC-SHA256 with the shared secret
func NewTokenCodec(secret, issuer string, opts ...Option) *TokenCodec {
	c := &TokenCodec{
		secret: []byte(secret),
		issuer: issuer,
		leeway: DefaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue creates a signed token for subject valid for ttl
func (c *TokenCodec) Issue(subject string, custom map[string]any, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("issue token: empty subject")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("issue token: ttl must be positive, got %s", ttl)
	}

	now := c.now()
	claims := jwt.MapClaims{}
	for k, v := range custom {
		if reservedClaims[k] {
			return "", fmt.Errorf("%w: %s", ErrReservedClaim, k)
		}
		claims[k] = v
	}
	claims[claimUserID] = subject
	claims["sub"] = subject
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	if c.issuer != "" {
		claims["iss"] = c.issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify checks the signature and validity window of token and returns its claims.
// Failures are *domain.AuthError with kind Malformed, InvalidSignature or Expired.
func (c *TokenCodec) Verify(tokenString string) (*Claims, error) {
	// read the clock once so the token cannot flip state mid-check
	now := c.now()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(c.leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	mapClaims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, mapClaims, func(token *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, domain.NewAuthError(domain.AuthInvalidSignature, nil)
	}

	return claimsFromMap(mapClaims)
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return domain.NewAuthError(domain.AuthMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return domain.NewAuthError(domain.AuthInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.NewAuthError(domain.AuthExpired, err)
	default:
		return domain.NewAuthError(domain.AuthMalformed, err)
	}
}

func claimsFromMap(m jwt.MapClaims) (*Claims, error) {
	userID, _ := m[claimUserID].(string)
	if userID == "" {
		return nil, domain.NewAuthError(domain.AuthMalformed, errors.New("missing userId claim"))
	}

	claims := &Claims{
		UserID: userID,
		Custom: make(map[string]any),
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	for k, v := range m {
		if !reservedClaims[k] {
			claims.Custom[k] = v
		}
	}
	return claims, nil
}
