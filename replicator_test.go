package kite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// window bundles an engine with its replicator, sharing one bus with its
// siblings.
type window struct {
	engine *Engine
	repl   *Replicator
}

func newWindow(t *testing.T, bus Messenger, role WindowRole, scope string) *window {
	t.Helper()
	repl := NewReplicator(bus, role, func() string { return scope })
	engine := NewEngine(&stubSender{ok: true}, NewMemoryStore(), repl)
	engine.SetAccount(Account{ID: 1, UID: scope})

	require.NoError(t, repl.Start(context.Background()))
	repl.OnRemoteAction(engine.ApplyRemote)
	repl.ProvideFullState(engine.Snapshot)

	t.Cleanup(func() {
		repl.Stop()
		engine.Close()
	})
	return &window{engine: engine, repl: repl}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}

func TestIncomingMessageReplicatesToSibling(t *testing.T) {
	bus := NewInProcBus()
	defer bus.Close()

	a := newWindow(t, bus, RolePrimary, "u-1")
	b := newWindow(t, bus, RoleSecondary, "u-1")

	a.engine.HandleIncoming(frame("srv-1", 7, 1, "hello"))

	eventually(t, func() bool {
		return len(b.engine.Messages(PrivateConv(7))) == 1
	}, "sibling window should receive the message")
	assert.Equal(t, "hello", b.engine.Messages(PrivateConv(7))[0].Body)
}

func TestReplicatedStatusResolvesPendingInSibling(t *testing.T) {
	bus := NewInProcBus()
	defer bus.Close()

	a := newWindow(t, bus, RolePrimary, "u-1")
	b := newWindow(t, bus, RoleSecondary, "u-1")

	m := a.engine.SendMessage(PrivateConv(7), "hi", TypeText)
	eventually(t, func() bool {
		return len(b.engine.Messages(PrivateConv(7))) == 1
	}, "sibling should see the optimistic send")

	a.engine.HandleAck(&AckFrame{ClientMsgID: m.ClientMsgID, MessageID: "srv-1"})
	eventually(t, func() bool {
		msgs := b.engine.Messages(PrivateConv(7))
		return len(msgs) == 1 && msgs[0].Status == StatusSent
	}, "status transition should replicate")
	assert.Equal(t, "srv-1", b.engine.Messages(PrivateConv(7))[0].ServerMsgID)
}

func TestForeignScopeBroadcastsAreDiscarded(t *testing.T) {
	bus := NewInProcBus()
	defer bus.Close()

	a := newWindow(t, bus, RolePrimary, "u-1")
	b := newWindow(t, bus, RoleSecondary, "u-2")

	a.engine.HandleIncoming(frame("srv-1", 7, 1, "private"))

	// Give the broadcast time to land, then verify isolation.
	eventually(t, func() bool {
		return len(a.engine.Messages(PrivateConv(7))) == 1
	}, "origin window keeps its message")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, b.engine.Messages(PrivateConv(7)),
		"a window signed into another account must not receive the broadcast")
}

func TestReplayedBroadcastIsIdempotent(t *testing.T) {
	bus := NewInProcBus()
	defer bus.Close()

	b := newWindow(t, bus, RoleSecondary, "u-1")

	m := Message{
		ConversationID: 7,
		Kind:           KindPrivate,
		Sender:         RolePeer,
		Body:           "once",
		ServerMsgID:    "srv-1",
		Status:         StatusSent,
	}
	b.engine.ApplyRemote(actionMessageAppend, mustJSON(&m))
	b.engine.ApplyRemote(actionMessageAppend, mustJSON(&m))

	assert.Len(t, b.engine.Messages(PrivateConv(7)), 1)
}

func TestDeleteReplicatesToSibling(t *testing.T) {
	bus := NewInProcBus()
	defer bus.Close()

	a := newWindow(t, bus, RolePrimary, "u-1")
	b := newWindow(t, bus, RoleSecondary, "u-1")

	a.engine.HandleIncoming(frame("srv-1", 7, 1, "hello"))
	eventually(t, func() bool {
		return len(b.engine.Sessions()) == 1
	}, "sibling should see the session")

	a.engine.DeleteConversation(PrivateConv(7))
	eventually(t, func() bool {
		return len(b.engine.Sessions()) == 0
	}, "delete should replicate")
}

func TestHydrationPrefersPrimaryWindow(t *testing.T) {
	bus := NewInProcBus()
	defer bus.Close()

	a := newWindow(t, bus, RolePrimary, "u-1")
	a.engine.HandleIncoming(frame("srv-1", 7, 1, "existing state"))

	// A fresh secondary hydrates from the primary before it has any state
	// of its own.
	repl := NewReplicator(bus, RoleSecondary, func() string { return "u-1" })
	t.Cleanup(repl.Stop)
	require.NoError(t, repl.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := repl.RequestFullState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u-1", snap.Scope)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "existing state", snap.Sessions[0].Preview)
}

func TestHydrationFallsBackToAnyWindow(t *testing.T) {
	bus := NewInProcBus()
	defer bus.Close()

	// Only a secondary window is open; the primary hydration subject has
	// no responder.
	a := newWindow(t, bus, RoleSecondary, "u-1")
	a.engine.HandleIncoming(frame("srv-1", 7, 1, "hello"))

	repl := NewReplicator(bus, RoleSecondary, func() string { return "u-1" })
	t.Cleanup(repl.Stop)
	require.NoError(t, repl.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := repl.RequestFullState(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sessions, 1)
}

func TestHydrationNeverAnswersItself(t *testing.T) {
	bus := NewInProcBus()
	defer bus.Close()

	// A lone window with state of its own must not hydrate from its own
	// responder; with no sibling open the request fails.
	a := newWindow(t, bus, RoleSecondary, "u-1")
	a.engine.HandleIncoming(frame("srv-1", 7, 1, "mine already"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := a.repl.RequestFullState(ctx)
	require.Error(t, err)
}

func TestHydrationFailsWithNoWindows(t *testing.T) {
	bus := NewInProcBus()
	defer bus.Close()

	repl := NewReplicator(bus, RoleSecondary, func() string { return "u-1" })
	t.Cleanup(repl.Stop)
	require.NoError(t, repl.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := repl.RequestFullState(ctx)
	require.Error(t, err)
}
