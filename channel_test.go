package kite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// channelServer is a scriptable websocket endpoint speaking the channel
// protocol: it answers every dial with a "connected" handshake, records
// client frames, and can push frames back.
type channelServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	dials    int
	tokens   []string
	received [][]byte

	// script, when set, runs after the handshake instead of the default
	// record loop. dial is 1-based.
	script func(ctx context.Context, conn *websocket.Conn, dial int)
}

func newChannelServer(t *testing.T) *channelServer {
	t.Helper()
	s := &channelServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		s.mu.Lock()
		s.dials++
		dial := s.dials
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		script := s.script
		s.mu.Unlock()

		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"connected","payload":{}}`)); err != nil {
			return
		}
		if script != nil {
			script(ctx, conn, dial)
			return
		}
		s.recordLoop(ctx, conn)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *channelServer) recordLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, data)
		s.mu.Unlock()
	}
}

func (s *channelServer) wsURL() string {
	return strings.Replace(s.srv.URL, "http://", "ws://", 1)
}

func (s *channelServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *channelServer) lastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return ""
	}
	return s.tokens[len(s.tokens)-1]
}

// envelopes decodes everything the server has received so far.
func (s *channelServer) envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, 0, len(s.received))
	for _, data := range s.received {
		var env Envelope
		if json.Unmarshal(data, &env) == nil {
			out = append(out, env)
		}
	}
	return out
}

func (s *channelServer) waitFrames(t *testing.T, n int) []Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.envelopes()) >= n
	}, 2*time.Second, 10*time.Millisecond, "server should receive %d frames", n)
	return s.envelopes()
}

func newTestChannel(s *channelServer) *ChannelConn {
	return NewChannelConn("private", s.wsURL(),
		[]string{"/user/queue/messages", "/user/queue/acks"},
		"/app/im/private.send")
}

// ===========================================================================
// Connect
// ===========================================================================

func TestConnectHandshakeAndSubscriptions(t *testing.T) {
	s := newChannelServer(t)
	c := newTestChannel(s)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "Bearer secret-token", ChannelHandlers{}))
	assert.True(t, c.Connected())
	assert.Equal(t, "secret-token", s.lastToken(), "bearer prefix must be stripped")

	envs := s.waitFrames(t, 2)
	var dests []string
	for _, env := range envs {
		require.Equal(t, "subscribe", env.Type)
		var sub subscribeFrame
		require.NoError(t, json.Unmarshal(env.Payload, &sub))
		dests = append(dests, sub.Destination)
	}
	assert.Equal(t, []string{"/user/queue/messages", "/user/queue/acks"}, dests,
		"each destination is subscribed exactly once")
}

func TestConnectSameTokenIsIdempotent(t *testing.T) {
	s := newChannelServer(t)
	c := newTestChannel(s)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "tok", ChannelHandlers{}))
	require.NoError(t, c.Connect(context.Background(), "tok", ChannelHandlers{}))
	require.NoError(t, c.Connect(context.Background(), "Bearer tok", ChannelHandlers{}))

	assert.Equal(t, 1, s.dialCount(), "same normalized token must not redial")
}

func TestConnectNewTokenTearsDownAndRedials(t *testing.T) {
	s := newChannelServer(t)
	c := newTestChannel(s)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "tok-1", ChannelHandlers{}))
	require.NoError(t, c.Connect(context.Background(), "tok-2", ChannelHandlers{}))

	assert.Equal(t, 2, s.dialCount())
	assert.Equal(t, "tok-2", s.lastToken())
	assert.True(t, c.Connected())
}

func TestConnectEmptyTokenIsRejected(t *testing.T) {
	s := newChannelServer(t)
	c := newTestChannel(s)

	require.Error(t, c.Connect(context.Background(), "", ChannelHandlers{}))
	require.Error(t, c.Connect(context.Background(), "   ", ChannelHandlers{}))
	assert.Zero(t, s.dialCount())
}

func TestConnectRejectsBadHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// First frame is not the expected handshake.
		conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"message","payload":{}}`))
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	c := NewChannelConn("private", strings.Replace(srv.URL, "http://", "ws://", 1), nil, "")
	err := c.Connect(context.Background(), "tok", ChannelHandlers{})
	require.Error(t, err)
	assert.False(t, c.Connected())
}

// ===========================================================================
// Send
// ===========================================================================

func TestSendReturnsFalseWhenDisconnected(t *testing.T) {
	s := newChannelServer(t)
	c := newTestChannel(s)

	assert.False(t, c.Send(&OutboundMessage{To: 7, Content: "hi"}))

	require.NoError(t, c.Connect(context.Background(), "tok", ChannelHandlers{}))
	c.Disconnect()
	assert.False(t, c.Send(&OutboundMessage{To: 7, Content: "hi"}))
}

func TestSendWrapsPayloadWithDestination(t *testing.T) {
	s := newChannelServer(t)
	c := newTestChannel(s)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "tok", ChannelHandlers{}))
	require.True(t, c.Send(&OutboundMessage{To: 7, Content: "hi", ClientMsgID: "c-1"}))

	envs := s.waitFrames(t, 3) // two subscribes plus the send
	last := envs[len(envs)-1]
	require.Equal(t, "send", last.Type)

	var sf sendFrame
	require.NoError(t, json.Unmarshal(last.Payload, &sf))
	assert.Equal(t, "/app/im/private.send", sf.Destination)

	var out OutboundMessage
	require.NoError(t, json.Unmarshal(sf.Body, &out))
	assert.Equal(t, int64(7), out.To)
	assert.Equal(t, "c-1", out.ClientMsgID)
}

func TestSendRefusedOnInboundOnlyChannel(t *testing.T) {
	s := newChannelServer(t)
	c := NewChannelConn("social", s.wsURL(), []string{"/user/queue/social"}, "")
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background(), "tok", ChannelHandlers{}))
	assert.False(t, c.Send(&OutboundMessage{To: 7, Content: "hi"}))
}

// ===========================================================================
// Inbound frames
// ===========================================================================

func TestMalformedFramesAreDroppedWithoutKillingConnection(t *testing.T) {
	s := newChannelServer(t)
	s.script = func(ctx context.Context, conn *websocket.Conn, dial int) {
		conn.Write(ctx, websocket.MessageText, []byte(`{not json`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"payload":{}}`)) // no type
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","payload":{"messageId":"s1","from":7,"to":1,"content":"ok"}}`))
		<-ctx.Done()
	}

	var mu sync.Mutex
	var got []string
	c := newTestChannel(s)
	defer c.Disconnect()

	handlers := ChannelHandlers{
		OnFrame: func(channel string, env *Envelope) {
			mu.Lock()
			got = append(got, env.Type)
			mu.Unlock()
		},
	}
	require.NoError(t, c.Connect(context.Background(), "tok", handlers))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"message"}, got)
	mu.Unlock()
	assert.True(t, c.Connected(), "bad frames must not drop the connection")
}

// ===========================================================================
// Transport redial
// ===========================================================================

func TestTransportDropRedialsAfterDelay(t *testing.T) {
	s := newChannelServer(t)
	s.script = func(ctx context.Context, conn *websocket.Conn, dial int) {
		if dial == 1 {
			// Kill the first connection right after the handshake.
			conn.Close(websocket.StatusInternalError, "gone")
			return
		}
		s.recordLoop(ctx, conn)
	}

	var mu sync.Mutex
	var reconnected bool
	c := newTestChannel(s)
	c.reconnectDelay = 50 * time.Millisecond
	defer c.Disconnect()

	handlers := ChannelHandlers{
		OnConnected: func(channel string) {
			mu.Lock()
			if s.dialCount() > 1 {
				reconnected = true
			}
			mu.Unlock()
		},
	}
	require.NoError(t, c.Connect(context.Background(), "tok", handlers))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnected
	}, 2*time.Second, 10*time.Millisecond, "dropped transport should redial")
	assert.True(t, c.Connected())
	// Subscriptions are re-issued on the fresh connection.
	s.waitFrames(t, 2)
}

func TestTokenRebindDoesNotDisturbNewConnection(t *testing.T) {
	s := newChannelServer(t)
	c := newTestChannel(s)
	c.reconnectDelay = 50 * time.Millisecond
	defer c.Disconnect()

	var mu sync.Mutex
	var drops []string
	handlers := ChannelHandlers{
		OnDisconnected: func(channel, reason string) {
			mu.Lock()
			drops = append(drops, reason)
			mu.Unlock()
		},
	}

	require.NoError(t, c.Connect(context.Background(), "tok-1", handlers))
	require.NoError(t, c.Connect(context.Background(), "tok-2", handlers))

	// The first connection's read loop ends when the rebind closes its
	// socket; that must not be reported as a drop, clear the live state or
	// schedule a redial for the replaced socket.
	time.Sleep(200 * time.Millisecond)
	assert.True(t, c.Connected())
	assert.Equal(t, 2, s.dialCount(), "rebind must not open a third socket")
	mu.Lock()
	assert.Empty(t, drops, "a deliberate rebind is not a transport drop")
	mu.Unlock()
}

func TestIntentionalDisconnectDoesNotRedial(t *testing.T) {
	s := newChannelServer(t)
	c := newTestChannel(s)
	c.reconnectDelay = 50 * time.Millisecond

	require.NoError(t, c.Connect(context.Background(), "tok", ChannelHandlers{}))
	c.Disconnect()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, s.dialCount())
	assert.False(t, c.Connected())
}
