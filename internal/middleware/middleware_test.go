package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/locolive/relay/internal/auth"
)

func newCodec(now time.Time) *auth.TokenCodec {
	return auth.NewTokenCodec("middleware-test-secret", "relay-test", auth.WithClock(func() time.Time { return now }))
}

func identityEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte(id.UserID + "|" + id.Email))
	})
}

func TestAuthMiddleware(t *testing.T) {
	now := time.Now()
	codec := newCodec(now)
	valid, err := codec.Issue("U1", map[string]any{"email": "u1@example.com"}, time.Hour)
	require.NoError(t, err)
	expired, err := newCodec(now.Add(-2*time.Hour)).Issue("U1", nil, time.Minute)
	require.NoError(t, err)
	forged, err := auth.NewTokenCodec("other-secret", "relay-test").Issue("U1", nil, time.Hour)
	require.NoError(t, err)

	h := AuthMiddleware(codec)(identityEcho(t))

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid token", "Bearer " + valid, http.StatusOK, "U1|u1@example.com"},
		{"lowercase scheme", "bearer " + valid, http.StatusOK, "U1|u1@example.com"},
		{"missing header", "", http.StatusUnauthorized, "missing authorization header"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "invalid authorization header format"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "token has expired"},
		{"forged", "Bearer " + forged, http.StatusUnauthorized, "invalid token"},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized, "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

func TestLoggingMiddleware_RecordsUser(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	codec := newCodec(time.Now())
	token, err := codec.Issue("U3", nil, time.Hour)
	require.NoError(t, err)

	h := LoggingMiddleware(zap.New(core))(AuthMiddleware(codec)(identityEcho(t)))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/presence?access_token=secret&page=2", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "U3", fields["user_id"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "access_token=REDACTED&page=2", fields["query"])
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
}

type hijackRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	server, client := net.Pipe()
	client.Close()
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func TestResponseWriter_Hijack(t *testing.T) {
	rec := &hijackRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw := wrapResponseWriter(rec)

	conn, _, err := rw.Hijack()
	require.NoError(t, err)
	conn.Close()
	assert.True(t, rec.hijacked)
	assert.Equal(t, http.StatusSwitchingProtocols, rw.status)

	_, _, err = wrapResponseWriter(httptest.NewRecorder()).Hijack()
	assert.Error(t, err)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, Burst: 2}, zap.NewNop())
	defer rl.Stop()

	h := rl.Middleware(identityEcho(t))
	call := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if userID != "" {
			req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: userID}))
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("alice").Code)
	assert.Equal(t, http.StatusOK, call("alice").Code)
	w := call("alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// budgets are per user
	assert.Equal(t, http.StatusOK, call("bob").Code)
	// anonymous requests are not limited here
	assert.Equal(t, http.StatusNoContent, call("").Code)
	assert.Equal(t, 2, rl.LimiterCount())
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, CleanupInterval: time.Hour}, zap.NewNop())
	defer rl.Stop()

	rl.limiterFor("alice")
	rl.cleanup(time.Now())
	assert.Equal(t, 1, rl.LimiterCount())

	rl.cleanup(time.Now().Add(3 * time.Hour))
	assert.Zero(t, rl.LimiterCount())
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/notifications", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/notifications", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
