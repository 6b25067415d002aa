package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/locolive/relay/internal/auth"
)

const (
	maxMessageSize   = 8192
	presenceTimeout  = 5 * time.Second
	frameTypeConnect = "CONNECT"
	frameTypeAck     = "CONNECTED"
	frameTypeError   = "ERROR"
	frameTypeClose   = "DISCONNECT"
)

// Client is one live WebSocket connection
type Client struct {
	ID       string
	Identity auth.Identity

	conn    *websocket.Conn
	send    chan []byte
	gateway *Gateway

	// presenceMu orders the presence calls of this connection
	presenceMu sync.Mutex
	counted    bool
	gone       bool
}

// controlFrame is the client-to-server handshake frame and the server's
// acknowledgement or error reply.
type controlFrame struct {
	Type         string            `json:"type"`
	Headers      map[string]string `json:"headers,omitempty"`
	ConnectionID string            `json:"connectionId,omitempty"`
	UserID       string            `json:"userId,omitempty"`
	Error        *frameError       `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// authorization returns the Authorization header of a CONNECT frame
func (f controlFrame) authorization() string {
	for k, v := range f.Headers {
		if strings.EqualFold(k, "Authorization") {
			return v
		}
	}
	return ""
}

func (c *Client) connectedFrame() []byte {
	b, _ := json.Marshal(controlFrame{
		Type:         frameTypeAck,
		ConnectionID: c.ID,
		UserID:       c.Identity.UserID,
	})
	return b
}

// readPump consumes client frames until the connection fails. It owns
// unregistering the client.
func (c *Client) readPump() {
	g := c.gateway
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		g.Unregister(ctx, c)
		cancel()
		c.conn.Close()
		g.pumps.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Debug("WebSocket read failed", zap.String("connection_id", c.ID), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case frameTypeConnect:
			c.handleConnect(frame)
		case frameTypeClose:
			return
		}
	}
}

// handleConnect upgrades an anonymous connection that sends credentials late
func (c *Client) handleConnect(frame controlFrame) {
	g := c.gateway
	if !c.Identity.IsAnonymous() {
		return
	}
	id, err := g.verify(frame.authorization())
	if err != nil {
		g.logger.Debug("Late CONNECT credentials rejected", zap.String("connection_id", c.ID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	g.promote(ctx, c, id)
}

// writePump writes queued frames one per WebSocket message and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	g := c.gateway
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		g.pumps.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
