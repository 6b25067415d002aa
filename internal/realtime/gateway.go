// Package realtime keeps the live WebSocket connections of this instance and
// pushes notifications, chat messages and presence changes to them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/locolive/relay/internal/auth"
	"github.com/locolive/relay/internal/domain"
	"github.com/locolive/relay/internal/eventbus"
	"github.com/locolive/relay/internal/metrics"
)

// AuthPolicy decides what happens to a handshake whose credentials do not verify
type AuthPolicy string

const (
	// PolicyReject refuses the connection with the verification error
	PolicyReject AuthPolicy = "reject"
	// PolicyAnonymous admits the connection without an identity
	PolicyAnonymous AuthPolicy = "anonymous"
)

// ErrShuttingDown is returned by Register once Shutdown has started
var ErrShuttingDown = errors.New("gateway is shutting down")

// Verifier validates bearer tokens
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// PresenceTracker receives connect and disconnect signals of authenticated connections
type PresenceTracker interface {
	Connect(ctx context.Context, userID string) (int64, error)
	Disconnect(ctx context.Context, userID string) (int64, error)
}

// Config tunes the gateway
type Config struct {
	AuthPolicy     AuthPolicy
	AllowedOrigins []string
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	ConnectTimeout time.Duration
	InstanceID     string
}

// DefaultConfig rejects unauthenticated handshakes and pings every 54s
func DefaultConfig() Config {
	return Config{
		AuthPolicy:     PolicyReject,
		AllowedOrigins: []string{"*"},
		SendBuffer:     256,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AuthPolicy == "" {
		c.AuthPolicy = d.AuthPolicy
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 10 / 9
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c
}

// Gateway is the hub of live connections on this instance
type Gateway struct {
	cfg      Config
	verifier Verifier
	presence PresenceTracker
	metrics  metrics.Recorder
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	clients     map[*Client]bool
	userClients map[string]map[*Client]bool
	closed      bool

	pumps sync.WaitGroup
}

// Option configures optional collaborators
type Option func(*Gateway)

// WithMetrics reports connection and push counts to r
func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) { g.metrics = r }
}

// New creates a gateway. presence may be nil when nothing tracks presence.
func New(cfg Config, verifier Verifier, presence PresenceTracker, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		cfg:         cfg.withDefaults(),
		verifier:    verifier,
		presence:    presence,
		metrics:     metrics.Nop{},
		logger:      logger,
		clients:     make(map[*Client]bool),
		userClients: make(map[string]map[*Client]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// InstanceID identifies this gateway among its peers
func (g *Gateway) InstanceID() string {
	return g.cfg.InstanceID
}

// Authenticate turns raw handshake credentials into an identity. Under
// PolicyAnonymous a failed verification yields the anonymous identity instead
// of an error.
func (g *Gateway) Authenticate(rawCredentials string) (auth.Identity, error) {
	id, err := g.verify(rawCredentials)
	if err == nil {
		return id, nil
	}
	if g.cfg.AuthPolicy == PolicyAnonymous {
		g.logger.Warn("Admitting unauthenticated connection", zap.Error(err))
		return auth.Identity{}, nil
	}
	return auth.Identity{}, err
}

func (g *Gateway) verify(raw string) (auth.Identity, error) {
	token, ok := auth.BearerToken(raw)
	if !ok {
		return auth.Identity{}, domain.NewAuthError(domain.AuthMalformed, errors.New("missing bearer credentials"))
	}
	claims, err := g.verifier.Verify(token)
	if err != nil {
		return auth.Identity{}, err
	}
	return claims.Identity(), nil
}

// Register adds conn to the hub and starts its read and write pumps.
// Authenticated connections count towards the user's presence.
func (g *Gateway) Register(ctx context.Context, conn *websocket.Conn, id auth.Identity) (*Client, error) {
	c := &Client{
		ID:       uuid.NewString(),
		Identity: id,
		conn:     conn,
		send:     make(chan []byte, g.cfg.SendBuffer),
		gateway:  g,
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrShuttingDown
	}
	g.clients[c] = true
	g.addUserClient(c)
	c.send <- c.connectedFrame()
	g.pumps.Add(2)
	g.mu.Unlock()

	g.metrics.ConnectionOpened()
	g.connectPresence(ctx, c, id)

	g.logger.Debug("Client registered",
		zap.String("connection_id", c.ID),
		zap.String("user_id", id.UserID),
	)

	go c.writePump()
	go c.readPump()
	return c, nil
}

// promote attaches a verified identity to an anonymous connection
func (g *Gateway) promote(ctx context.Context, c *Client, id auth.Identity) {
	g.mu.Lock()
	if _, ok := g.clients[c]; !ok || !c.Identity.IsAnonymous() {
		g.mu.Unlock()
		return
	}
	c.Identity = id
	g.addUserClient(c)
	select {
	case c.send <- c.connectedFrame():
	default:
	}
	g.mu.Unlock()

	g.connectPresence(ctx, c, id)
}

// addUserClient must be called with g.mu held
func (g *Gateway) addUserClient(c *Client) {
	if c.Identity.IsAnonymous() {
		return
	}
	if _, ok := g.userClients[c.Identity.UserID]; !ok {
		g.userClients[c.Identity.UserID] = make(map[*Client]bool)
	}
	g.userClients[c.Identity.UserID][c] = true
}

// connectPresence counts c for id unless c was unregistered first
func (g *Gateway) connectPresence(ctx context.Context, c *Client, id auth.Identity) {
	if id.IsAnonymous() || g.presence == nil {
		return
	}
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	if c.gone || c.counted {
		return
	}
	if _, err := g.presence.Connect(ctx, id.UserID); err != nil {
		g.logger.Error("Failed to record presence", zap.String("user_id", id.UserID), zap.Error(err))
		return
	}
	c.counted = true
}

// disconnectPresence undoes connectPresence. Only a counted connection
// decrements the user's count.
func (g *Gateway) disconnectPresence(ctx context.Context, c *Client, id auth.Identity) {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	c.gone = true
	if !c.counted || g.presence == nil {
		return
	}
	c.counted = false
	if _, err := g.presence.Disconnect(ctx, id.UserID); err != nil {
		g.logger.Error("Failed to clear presence", zap.String("user_id", id.UserID), zap.Error(err))
	}
}

// Unregister removes c from the hub. Safe to call more than once.
func (g *Gateway) Unregister(ctx context.Context, c *Client) {
	g.mu.Lock()
	if _, ok := g.clients[c]; !ok {
		g.mu.Unlock()
		return
	}
	id := c.Identity
	delete(g.clients, c)
	if userMap, ok := g.userClients[id.UserID]; ok {
		delete(userMap, c)
		if len(userMap) == 0 {
			delete(g.userClients, id.UserID)
		}
	}
	close(c.send)
	g.mu.Unlock()

	g.metrics.ConnectionClosed()
	g.disconnectPresence(ctx, c, id)

	g.logger.Debug("Client unregistered",
		zap.String("connection_id", c.ID),
		zap.String("user_id", id.UserID),
	)
}

// Deliver pushes payload to every live connection of dest and returns how many
// were reached. It returns domain.ErrRecipientOffline when none were; that is
// an outcome for the caller to act on, not a failure.
func (g *Gateway) Deliver(ctx context.Context, dest Destination, payload any) (int, error) {
	frame, err := json.Marshal(Frame{Destination: dest, Payload: payload})
	if err != nil {
		return 0, fmt.Errorf("failed to encode frame for %s: %w", dest, err)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var targets map[*Client]bool
	if userID, ok := dest.UserID(); ok {
		targets = g.userClients[userID]
	} else if dest == PresenceDestination {
		targets = g.clients
	}

	delivered := 0
	for c := range targets {
		select {
		case c.send <- frame:
			delivered++
		default:
			g.logger.Warn("Send buffer full, frame dropped",
				zap.String("connection_id", c.ID),
				zap.String("destination", string(dest)),
			)
		}
	}

	if delivered == 0 {
		g.metrics.Push(dest.Channel(), "offline")
		return 0, domain.ErrRecipientOffline
	}
	g.metrics.Push(dest.Channel(), "delivered")
	return delivered, nil
}

// ConnectionCount is the number of live connections on this instance
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// ListenPresence relays presence changes from the bus to local connections.
// Each instance subscribes ephemerally under its own group name, so every
// instance sees every live change and none replays old ones.
func (g *Gateway) ListenPresence(ctx context.Context, bus eventbus.Bus) error {
	group := "gateway-presence-" + g.cfg.InstanceID
	return bus.Subscribe(ctx, domain.TopicPresenceChanges, group, g.relayPresence, eventbus.Ephemeral())
}

func (g *Gateway) relayPresence(ctx context.Context, msg eventbus.Message) error {
	var update domain.PresenceUpdate
	if err := json.Unmarshal(msg.Value, &update); err != nil || update.UserID == "" {
		g.logger.Warn("Ignoring malformed presence update", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if _, err := g.Deliver(ctx, PresenceDestination, update); err != nil && !errors.Is(err, domain.ErrRecipientOffline) {
		return err
	}
	return nil
}

// Shutdown closes every connection and waits for their pumps to finish
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(g.cfg.WriteWait))
		g.Unregister(ctx, c)
	}

	done := make(chan struct{})
	go func() {
		g.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
