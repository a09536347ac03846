package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Replication subjects on the window bus.
const (
	subjectBroadcast      = "kite.win.broadcast"
	subjectHydratePrimary = "kite.win.hydrate.primary"
	subjectHydrateAny     = "kite.win.hydrate.any"
)

// WindowRole distinguishes the designated primary window (the preferred
// hydration source) from secondaries.
type WindowRole string

const (
	RolePrimary   WindowRole = "primary"
	RoleSecondary WindowRole = "secondary"
)

// BroadcastEnvelope carries one replicated mutation between windows. Every
// envelope is tagged with the sender's active scope; receivers discard
// envelopes whose scope does not match their own.
type BroadcastEnvelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
	Scope  string          `json:"scope"`
	// Origin lets a window skip its own broadcasts on a shared bus.
	Origin string `json:"origin,omitempty"`
}

// RemoteActionHandler consumes a replicated mutation from a sibling window.
type RemoteActionHandler func(action string, data json.RawMessage)

// hydrationRequest identifies the window asking for a snapshot so its own
// responder never answers it.
type hydrationRequest struct {
	Origin string `json:"origin"`
}

// Replicator broadcasts local mutations to sibling windows of the same
// process group and answers full-state hydration requests.
type Replicator struct {
	bus      Messenger
	role     WindowRole
	windowID string
	scope    func() string

	mu       sync.RWMutex
	handlers []RemoteActionHandler
	snapshot func() *StateSnapshot
	cancel   context.CancelFunc
	started  bool
}

// NewReplicator creates a replicator for one window. scope returns the
// window's current account scope and is consulted on every send/receive so
// an account switch takes effect immediately.
func NewReplicator(bus Messenger, role WindowRole, scope func() string) *Replicator {
	return &Replicator{
		bus:      bus,
		role:     role,
		windowID: uuid.NewString(),
		scope:    scope,
	}
}

// WindowID returns this window's bus identity.
func (r *Replicator) WindowID() string { return r.windowID }

// Start subscribes to the broadcast stream and registers the hydration
// responders.
func (r *Replicator) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true
	r.mu.Unlock()

	ch := make(chan []byte, 64)
	if _, err := r.bus.Stream(runCtx, subjectBroadcast, ch); err != nil {
		cancel()
		return fmt.Errorf("replicator: subscribe broadcast: %w", err)
	}
	go r.receiveLoop(runCtx, ch)

	// Every window can answer a hydration request; the primary additionally
	// serves the preferred subject.
	if _, err := r.bus.Serve(runCtx, subjectHydrateAny, r.answerHydration); err != nil {
		cancel()
		return fmt.Errorf("replicator: serve hydration: %w", err)
	}
	if r.role == RolePrimary {
		if _, err := r.bus.Serve(runCtx, subjectHydratePrimary, r.answerHydration); err != nil {
			cancel()
			return fmt.Errorf("replicator: serve primary hydration: %w", err)
		}
	}
	return nil
}

// Stop unsubscribes everything.
func (r *Replicator) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.started = false
	r.mu.Unlock()
}

// OnRemoteAction registers a handler for replicated mutations from sibling
// windows.
func (r *Replicator) OnRemoteAction(h RemoteActionHandler) {
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
}

// ProvideFullState registers the snapshot responder used to answer
// hydration requests from newly opened windows.
func (r *Replicator) ProvideFullState(fn func() *StateSnapshot) {
	r.mu.Lock()
	r.snapshot = fn
	r.mu.Unlock()
}

// Broadcast fans a local mutation out to sibling windows, tagged with the
// active scope. With no active scope there is nothing to replicate.
func (r *Replicator) Broadcast(action string, data interface{}) error {
	scope := r.scope()
	if scope == "" {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("replicator: marshal %s: %w", action, err)
	}
	env, err := json.Marshal(&BroadcastEnvelope{
		Action: action,
		Data:   raw,
		Scope:  scope,
		Origin: r.windowID,
	})
	if err != nil {
		return err
	}
	return r.bus.Publish(context.Background(), subjectBroadcast, env)
}

// RequestFullState hydrates a newly opened window: it asks the designated
// primary window first and falls back to any other open window. Requests
// carry the asking window's identity, so a lone window never hydrates from
// itself. The responder answers with a point-in-time snapshot, not a diff.
// A snapshot from a different scope is discarded.
func (r *Replicator) RequestFullState(ctx context.Context) (*StateSnapshot, error) {
	req := mustJSON(hydrationRequest{Origin: r.windowID})
	data, err := r.bus.Request(ctx, subjectHydratePrimary, req)
	if err != nil {
		zap.L().Debug("primary hydration unavailable, trying any window", zap.Error(err))
		data, err = r.bus.Request(ctx, subjectHydrateAny, req)
	}
	if err != nil {
		return nil, fmt.Errorf("replicator: no window answered hydration: %w", err)
	}

	var snap StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("replicator: malformed snapshot: %w", err)
	}
	if snap.Scope != r.scope() {
		zap.L().Warn("discarding hydration snapshot from foreign scope",
			zap.String("got", snap.Scope),
			zap.String("want", r.scope()))
		return nil, fmt.Errorf("replicator: snapshot scope mismatch")
	}
	return &snap, nil
}

func (r *Replicator) answerHydration(ctx context.Context, data []byte) ([]byte, error) {
	var req hydrationRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("malformed hydration request: %w", err)
		}
	}
	if req.Origin == r.windowID {
		return nil, fmt.Errorf("own hydration request")
	}
	r.mu.RLock()
	fn := r.snapshot
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("no snapshot responder")
	}
	snap := fn()
	if snap == nil {
		return nil, fmt.Errorf("no state to hydrate from")
	}
	return json.Marshal(snap)
}

func (r *Replicator) receiveLoop(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ch:
			r.deliver(data)
		}
	}
}

func (r *Replicator) deliver(data []byte) {
	var env BroadcastEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		zap.L().Warn("dropping malformed window broadcast", zap.Error(err))
		return
	}
	if env.Origin == r.windowID {
		return
	}
	if env.Scope != r.scope() {
		// Stale broadcast from a previous account, or a sibling that has
		// not switched yet. Silently discarded.
		return
	}

	r.mu.RLock()
	handlers := append([]RemoteActionHandler{}, r.handlers...)
	r.mu.RUnlock()
	for _, h := range handlers {
		h(env.Action, env.Data)
	}
}
