package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/locolive/relay/internal/auth"
	"github.com/locolive/relay/internal/domain"
	"github.com/locolive/relay/pkg/response"
)

// ServeHTTP upgrades the request to a WebSocket. Credentials come from the
// Authorization header of the upgrade request or, when it is absent, from a
// CONNECT frame sent first on the socket.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		id     auth.Identity
		header = r.Header.Get("Authorization")
	)

	if header != "" {
		identity, err := g.Authenticate(header)
		if err != nil {
			g.logger.Info("WebSocket handshake rejected",
				zap.String("ip", r.RemoteAddr),
				zap.Error(err),
			)
			response.Unauthorized(w, authMessage(err))
			return
		}
		id = identity
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	if header == "" {
		identity, err := g.awaitConnect(conn)
		if err != nil {
			g.reject(conn, err)
			return
		}
		id = identity
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if _, err := g.Register(ctx, conn, id); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(g.cfg.WriteWait))
		conn.Close()
	}
}

// awaitConnect reads the CONNECT frame. Under PolicyAnonymous the wait is
// skipped: the connection is admitted at once and may still send CONNECT later.
func (g *Gateway) awaitConnect(conn *websocket.Conn) (auth.Identity, error) {
	if g.cfg.AuthPolicy == PolicyAnonymous {
		return auth.Identity{}, nil
	}

	conn.SetReadDeadline(time.Now().Add(g.cfg.ConnectTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return auth.Identity{}, domain.NewAuthError(domain.AuthMalformed, errors.New("no CONNECT frame received"))
	}
	conn.SetReadDeadline(time.Time{})

	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != frameTypeConnect {
		return auth.Identity{}, domain.NewAuthError(domain.AuthMalformed, errors.New("first frame must be CONNECT"))
	}
	return g.Authenticate(frame.authorization())
}

func (g *Gateway) reject(conn *websocket.Conn, err error) {
	g.logger.Info("WebSocket connection rejected", zap.Error(err))

	deadline := time.Now().Add(g.cfg.WriteWait)
	conn.SetWriteDeadline(deadline)
	if b, mErr := json.Marshal(controlFrame{
		Type:  frameTypeError,
		Error: &frameError{Code: "UNAUTHORIZED", Message: authMessage(err)},
	}); mErr == nil {
		_ = conn.WriteMessage(websocket.TextMessage, b)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
		deadline)
	conn.Close()
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrExpiredToken):
		return "token has expired"
	case errors.Is(err, domain.ErrInvalidSignature):
		return "invalid token"
	default:
		return "missing or malformed credentials"
	}
}
