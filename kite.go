package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// ============================================================================
// Client
// ============================================================================

// Config configures one client window.
type Config struct {
	// ServerURL is the IM server base URL, e.g. "https://im.example.com".
	ServerURL string
	// Account is the signed-in account this window serves.
	Account Account
	// WindowRole marks this window as the preferred hydration source.
	// Defaults to RoleSecondary.
	WindowRole WindowRole
	// StorePath, when set, opens a Pebble store at that path. Empty keeps
	// state in memory only.
	StorePath string
}

// ClientOption customizes client construction.
type ClientOption func(*Client)

// WithStore overrides the durable store.
func WithStore(s Store) ClientOption {
	return func(c *Client) { c.store = s }
}

// WithBus overrides the cross-window bus. The default is in-process; pass
// a NATSBus to replicate across OS processes.
func WithBus(b Messenger) ClientOption {
	return func(c *Client) { c.bus = b }
}

// Client wires the synchronization engine to its transports: the REST API,
// the live channel set, the durable store and the cross-window bus.
//
// Lifecycle: NewClient, Bind, SetToken (or Bind with a token already set),
// use, Close. Everything after Bind is driven by token events and inbound
// frames.
type Client struct {
	cfg      Config
	tokens   *TokenManager
	rest     *RESTClient
	channels *ChannelSet
	store    Store
	bus      Messenger
	repl     *Replicator
	engine   *Engine
	backlog  *BacklogFetcher
	history  *HistoryPaginator

	// scope mirrors the engine's active scope for lock-free reads from
	// bus callbacks.
	scope atomic.Value

	bindCtx context.Context
	bound   bool
}

// NewClient assembles a client from cfg. It does not touch the network;
// call Bind to start.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("kite: server url is required")
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.WindowRole == "" {
		cfg.WindowRole = RoleSecondary
	}

	c := &Client{cfg: cfg}
	c.scope.Store("")
	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil {
		if cfg.StorePath != "" {
			st, err := OpenPebbleStore(cfg.StorePath)
			if err != nil {
				return nil, fmt.Errorf("kite: open store: %w", err)
			}
			c.store = st
		} else {
			c.store = NewMemoryStore()
		}
	}
	if c.bus == nil {
		c.bus = NewInProcBus()
	}

	c.tokens = NewTokenManager()
	c.rest = NewRESTClient(cfg.ServerURL, c.tokens)
	c.channels = NewChannelSet(cfg.ServerURL)
	c.repl = NewReplicator(c.bus, cfg.WindowRole, func() string {
		return c.scope.Load().(string)
	})
	c.engine = NewEngine(c.channels, c.store, c.repl)
	c.backlog = NewBacklogFetcher(c.rest, c.engine)
	c.history = NewHistoryPaginator(c.rest)
	return c, nil
}

// Bind activates the client: binds the account, starts replication,
// restores durable state (hydrating from a sibling window when possible)
// and registers the token-driven connect/disconnect lifecycle. Idempotent.
func (c *Client) Bind(ctx context.Context) error {
	if c.bound {
		return nil
	}
	c.bound = true
	c.bindCtx = ctx

	c.scope.Store(c.cfg.Account.UID)
	c.engine.SetAccount(c.cfg.Account)

	if err := c.repl.Start(ctx); err != nil {
		return err
	}
	c.repl.OnRemoteAction(c.engine.ApplyRemote)
	c.repl.ProvideFullState(c.engine.Snapshot)

	if err := c.engine.LoadFromStore(ctx); err != nil {
		zap.L().Warn("restoring durable state", zap.Error(err))
	}
	if c.cfg.WindowRole != RolePrimary {
		if snap, err := c.repl.RequestFullState(ctx); err == nil {
			if err := c.engine.ApplySnapshot(snap); err != nil {
				zap.L().Warn("applying hydration snapshot", zap.Error(err))
			}
		}
	}

	c.tokens.OnTokenUpdated(func(token string) { c.onToken(ctx, token) })
	c.tokens.OnTokenCleared(func() { c.onSignOut() })
	if token := c.tokens.AccessToken(); token != "" {
		c.onToken(ctx, token)
	}
	return nil
}

// Close tears everything down. The client cannot be reused afterwards.
func (c *Client) Close() error {
	c.channels.Disconnect()
	c.repl.Stop()
	c.engine.Close()
	var errs []error
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.bus.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Accessors for the wired components.

func (c *Client) Engine() *Engine            { return c.engine }
func (c *Client) Tokens() *TokenManager      { return c.tokens }
func (c *Client) History() *HistoryPaginator { return c.history }
func (c *Client) Channels() *ChannelSet      { return c.channels }
func (c *Client) Replicator() *Replicator    { return c.repl }
func (c *Client) REST() *RESTClient          { return c.rest }
func (c *Client) Backlog() *BacklogFetcher   { return c.backlog }

// ============================================================================
// Token-driven lifecycle
// ============================================================================

func (c *Client) onToken(ctx context.Context, token string) {
	if err := c.channels.Connect(ctx, token, c.frameHandlers()); err != nil {
		zap.L().Warn("channel connect", zap.Error(err))
	}
}

func (c *Client) onSignOut() {
	c.channels.Disconnect()
	c.engine.Reset()
	c.backlog.Reset(c.cfg.Account.UID)
	zap.L().Info("signed out", zap.String("scope", c.cfg.Account.UID))
}

func (c *Client) frameHandlers() ChannelHandlers {
	return ChannelHandlers{
		OnConnected: func(channel string) {
			zap.L().Info("channel connected", zap.String("channel", channel))
			// The backlog is pulled once the first channel is up; the
			// once-guard makes the per-channel trigger harmless.
			go func() {
				if _, err := c.backlog.PullOnce(c.bindCtx, c.cfg.Account); err != nil {
					zap.L().Warn("offline backlog pull", zap.Error(err))
				}
			}()
		},
		OnDisconnected: func(channel, reason string) {
			zap.L().Info("channel disconnected",
				zap.String("channel", channel),
				zap.String("reason", reason))
		},
		OnError: func(channel string, err error) {
			zap.L().Warn("channel error", zap.String("channel", channel), zap.Error(err))
		},
		OnFrame: c.dispatchFrame,
	}
}

// ============================================================================
// Frame dispatch
// ============================================================================

// presenceFrame is the social channel's contact update payload.
type presenceFrame struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Online bool   `json:"online"`
}

// dispatchFrame routes one decoded envelope to the engine. Unknown frame
// types are logged and dropped; a bad frame never kills the connection.
func (c *Client) dispatchFrame(channel string, env *Envelope) {
	switch env.Type {
	case FrameMessage:
		f, err := ParseMessageFrame(env.Payload)
		if err != nil {
			zap.L().Warn("dropping bad message frame", zap.String("channel", channel), zap.Error(err))
			return
		}
		c.engine.HandleIncoming(f)
	case FrameAck:
		f, err := ParseAckFrame(env.Payload)
		if err != nil {
			zap.L().Warn("dropping bad ack frame", zap.String("channel", channel), zap.Error(err))
			return
		}
		c.engine.HandleAck(f)
	case FrameError:
		f, err := ParseErrorFrame(env.Payload)
		if err != nil {
			zap.L().Warn("dropping bad error frame", zap.String("channel", channel), zap.Error(err))
			return
		}
		c.engine.HandleError(f)
	case FrameSocial:
		var p presenceFrame
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID == 0 {
			zap.L().Warn("dropping bad social frame", zap.String("channel", channel))
			return
		}
		c.engine.UpsertSession(&Session{
			ID:     p.UserID,
			Kind:   KindPrivate,
			Name:   p.Name,
			Avatar: p.Avatar,
			Online: p.Online,
		})
	default:
		zap.L().Debug("ignoring frame", zap.String("channel", channel), zap.String("type", env.Type))
	}
}
