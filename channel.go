package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// TransportReconnectDelay is the fixed redial delay the transport applies
// after a drop that occurs past a successful handshake. Pre-handshake
// failures never auto-retry; the caller drives those via Connect.
const TransportReconnectDelay = 5 * time.Second

// channelWriteTimeout keeps a dead socket from blocking a caller; a write
// that cannot complete in time is reported as "not dispatched".
const channelWriteTimeout = 5 * time.Second

// ChannelHandlers receives connection lifecycle events and raw frames.
// All fields are optional.
type ChannelHandlers struct {
	OnConnected    func(channel string)
	OnDisconnected func(channel, reason string)
	OnError        func(channel string, err error)
	OnFrame        func(channel string, env *Envelope)
}

// ============================================================================
// ChannelConn
// ============================================================================

// ChannelConn owns one authenticated, subscription-based persistent
// connection to a logical topic group.
//
// Connect is idempotent for the same normalized token, tears down and
// re-establishes for a different token, and ignores calls while an attempt
// is in flight. It does not retry failed attempts; reconnection is driven
// by the caller's next Connect (token refresh, explicit rebind).
type ChannelConn struct {
	name     string
	wsURL    string
	subs     []string
	sendDest string

	reconnectDelay time.Duration

	mu          sync.Mutex
	conn        *websocket.Conn
	token       string
	connecting  bool
	connected   bool
	intentional bool
	subscribed  map[string]bool
	handlers    ChannelHandlers
	cancel      context.CancelFunc
}

// NewChannelConn creates an unconnected channel for one topic group.
// subs are the destinations re-issued exactly once per connection lifetime;
// sendDest is the fixed outbound destination ("" for inbound-only groups).
func NewChannelConn(name, wsURL string, subs []string, sendDest string) *ChannelConn {
	return &ChannelConn{
		name:           name,
		wsURL:          wsURL,
		subs:           subs,
		sendDest:       sendDest,
		reconnectDelay: TransportReconnectDelay,
		subscribed:     make(map[string]bool),
	}
}

// Connected reports whether the channel currently holds a live connection.
func (c *ChannelConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect establishes (or re-establishes) the connection with the given
// bearer token. See the type docs for the idempotence contract.
func (c *ChannelConn) Connect(ctx context.Context, rawToken string, handlers ChannelHandlers) error {
	token := NormalizeToken(rawToken)
	if token == "" {
		return fmt.Errorf("channel %s: empty token", c.name)
	}

	c.mu.Lock()
	if c.connecting {
		// A concurrent attempt is in flight; let it resolve.
		c.mu.Unlock()
		return nil
	}
	if c.connected {
		if c.token == token {
			c.mu.Unlock()
			return nil
		}
		// Token changed: full teardown before the new connection.
		c.teardownLocked()
	}
	c.connecting = true
	c.intentional = false
	c.token = token
	c.handlers = handlers
	c.mu.Unlock()

	return c.dial(ctx, token)
}

// dial performs one connection attempt; the connecting flag is held for its
// duration.
func (c *ChannelConn) dial(ctx context.Context, token string) error {
	endpoint := c.wsURL + "?token=" + url.QueryEscape(token)
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return fmt.Errorf("channel %s: dial: %w", c.name, err)
	}

	// The server confirms the handshake with a "connected" frame before any
	// traffic flows.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return fmt.Errorf("channel %s: handshake read: %w", c.name, err)
	}
	env, err := ParseEnvelope(data)
	if err != nil || env.Type != FrameConnected {
		conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return fmt.Errorf("channel %s: expected %q handshake", c.name, FrameConnected)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.cancel = cancel

	// Re-issue every topic subscription exactly once per connection.
	for _, dest := range c.subs {
		if c.subscribed[dest] {
			continue
		}
		if err := c.writeLocked(connCtx, &Envelope{Type: "subscribe", Payload: mustJSON(subscribeFrame{Destination: dest})}); err != nil {
			zap.L().Warn("channel subscribe failed",
				zap.String("channel", c.name),
				zap.String("destination", dest),
				zap.Error(err))
			continue
		}
		c.subscribed[dest] = true
	}
	handlers := c.handlers
	c.mu.Unlock()

	if handlers.OnConnected != nil {
		handlers.OnConnected(c.name)
	}

	go c.readLoop(connCtx, conn)
	return nil
}

// Send dispatches a payload to the channel's fixed destination. It returns
// false (never an error, never a panic) when there is no live connection
// or the payload cannot be serialized; callers treat false as "message not
// dispatched".
func (c *ChannelConn) Send(payload interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil || c.sendDest == "" {
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		zap.L().Warn("channel send marshal failed",
			zap.String("channel", c.name),
			zap.Error(err))
		return false
	}
	env := &Envelope{Type: "send", Payload: mustJSON(sendFrame{Destination: c.sendDest, Body: body})}

	ctx, cancel := context.WithTimeout(context.Background(), channelWriteTimeout)
	defer cancel()
	if err := c.writeLocked(ctx, env); err != nil {
		zap.L().Warn("channel write failed",
			zap.String("channel", c.name),
			zap.Error(err))
		return false
	}
	return true
}

// Disconnect closes the connection and clears all subscription bookkeeping.
func (c *ChannelConn) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.teardownLocked()
	c.mu.Unlock()
}

// teardownLocked unsubscribes everything and drops the socket. Caller holds
// the mutex.
func (c *ChannelConn) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "rebind")
		c.conn = nil
	}
	c.connected = false
	c.subscribed = make(map[string]bool)
}

func (c *ChannelConn) writeLocked(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *ChannelConn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(conn, err)
			return
		}

		env, perr := ParseEnvelope(data)
		if perr != nil {
			// Malformed payloads are logged and dropped, never propagated.
			zap.L().Warn("dropping malformed channel frame",
				zap.String("channel", c.name),
				zap.Error(perr))
			continue
		}
		if env.Type == FrameConnected {
			continue
		}

		c.mu.Lock()
		handlers := c.handlers
		c.mu.Unlock()
		if handlers.OnFrame != nil {
			handlers.OnFrame(c.name, env)
		}
	}
}

// handleDrop reacts to a transport-level close or error: clear bookkeeping,
// notify, and let the transport redial after its fixed delay. Redial
// applies only here, past a successful handshake. conn identifies the read
// loop's socket; a drop from a socket that is no longer current, such as
// one closed by a token-change rebind, is ignored.
func (c *ChannelConn) handleDrop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.intentional || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.subscribed = make(map[string]bool)
	token := c.token
	handlers := c.handlers
	c.mu.Unlock()

	zap.L().Info("channel dropped",
		zap.String("channel", c.name),
		zap.Error(cause))
	if handlers.OnDisconnected != nil {
		handlers.OnDisconnected(c.name, cause.Error())
	}

	go func() {
		time.Sleep(c.reconnectDelay)
		c.mu.Lock()
		stale := c.intentional || c.connected || c.connecting || c.token != token
		c.mu.Unlock()
		if stale {
			return
		}
		if err := c.Connect(context.Background(), token, handlers); err != nil {
			zap.L().Warn("transport redial failed",
				zap.String("channel", c.name),
				zap.Error(err))
			if handlers.OnError != nil {
				handlers.OnError(c.name, err)
			}
		}
	}()
}

// mustJSON marshals values whose shape is fully under our control.
func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// ============================================================================
// ChannelSet
// ============================================================================

// Topic group names.
const (
	ChannelPrivate = "private"
	ChannelGroup   = "group"
	ChannelSocial  = "social"
)

// ChannelSet owns the three topic-group connections (private messages,
// group messages, social events) and routes outbound sends by conversation
// kind to the fixed logical destination of each group.
type ChannelSet struct {
	private *ChannelConn
	group   *ChannelConn
	social  *ChannelConn
}

// NewChannelSet builds the three channels rooted at serverURL.
func NewChannelSet(serverURL string) *ChannelSet {
	ws := toWSBase(serverURL)
	return &ChannelSet{
		private: NewChannelConn(ChannelPrivate, ws+"/ws/im/private",
			[]string{"/user/queue/messages", "/user/queue/acks", "/user/queue/errors"},
			"/app/im/private.send"),
		group: NewChannelConn(ChannelGroup, ws+"/ws/im/group",
			[]string{"/user/queue/group.messages", "/user/queue/group.acks", "/user/queue/group.errors"},
			"/app/im/group.send"),
		social: NewChannelConn(ChannelSocial, ws+"/ws/im/social",
			[]string{"/user/queue/social"},
			""),
	}
}

// Connect binds all three channels with the given token. The first failure
// is returned; channels that did connect stay connected.
func (s *ChannelSet) Connect(ctx context.Context, token string, handlers ChannelHandlers) error {
	var firstErr error
	for _, c := range s.all() {
		if err := c.Connect(ctx, token, handlers); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Connected reports whether every channel in the set is up.
func (s *ChannelSet) Connected() bool {
	for _, c := range s.all() {
		if !c.Connected() {
			return false
		}
	}
	return true
}

// Disconnect tears down all three channels.
func (s *ChannelSet) Disconnect() {
	for _, c := range s.all() {
		c.Disconnect()
	}
}

// Send routes an outbound message to the topic group matching kind.
func (s *ChannelSet) Send(kind ConversationKind, out *OutboundMessage) bool {
	switch kind {
	case KindGroup:
		return s.group.Send(out)
	default:
		return s.private.Send(out)
	}
}

func (s *ChannelSet) all() []*ChannelConn {
	return []*ChannelConn{s.private, s.group, s.social}
}

func toWSBase(serverURL string) string {
	ws := strings.Replace(serverURL, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return strings.TrimRight(ws, "/")
}
