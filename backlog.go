package kite

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Offline Backlog
// ============================================================================

// offlinePath is the REST endpoint returning everything queued for this
// account while it was offline.
const offlinePath = "/api/v1/messages/offline"

// BacklogFetcher pulls the offline backlog exactly once per account per
// process lifetime. The pull happens after sign-in, once the channel is up;
// reconnects within the same session do not pull again because the live
// channel replays nothing and history pagination covers the rest.
type BacklogFetcher struct {
	rest   *RESTClient
	engine *Engine

	mu     sync.Mutex
	pulled map[string]bool
}

// NewBacklogFetcher creates a fetcher feeding pulled frames into engine.
func NewBacklogFetcher(rest *RESTClient, engine *Engine) *BacklogFetcher {
	return &BacklogFetcher{
		rest:   rest,
		engine: engine,
		pulled: map[string]bool{},
	}
}

// PullOnce fetches the account's offline backlog and feeds every frame
// through the engine's reconciliation path. The per-account once-guard is
// set only on success, so a failed pull is retried on the next trigger.
// Returns the number of frames handed to the engine; 0 with a nil error
// means the backlog was already pulled or empty.
func (b *BacklogFetcher) PullOnce(ctx context.Context, account Account) (int, error) {
	if account.UID == "" {
		return 0, fmt.Errorf("backlog: no account scope")
	}
	b.mu.Lock()
	if b.pulled[account.UID] {
		b.mu.Unlock()
		return 0, nil
	}
	b.mu.Unlock()

	res, err := b.rest.Get(ctx, offlinePath, nil)
	if err != nil {
		return 0, fmt.Errorf("backlog: fetch: %w", err)
	}
	if res.Error != nil {
		return 0, fmt.Errorf("backlog: fetch: %w", res.Error)
	}

	var frames []MessageFrame
	if err := res.Decode(&frames); err != nil {
		return 0, fmt.Errorf("backlog: decode: %w", err)
	}
	handed := 0
	for i := range frames {
		f := frames[i]
		if f.From == 0 || (f.To == 0 && f.GroupID == 0) {
			zap.L().Warn("skipping malformed backlog frame", zap.String("messageId", f.MessageID))
			continue
		}
		b.engine.HandleIncoming(&f)
		handed++
	}

	b.mu.Lock()
	b.pulled[account.UID] = true
	b.mu.Unlock()
	zap.L().Info("offline backlog pulled",
		zap.String("scope", account.UID),
		zap.Int("frames", handed))
	return handed, nil
}

// Reset forgets the once-guard for one account, so the next PullOnce pulls
// again. Called on sign-out.
func (b *BacklogFetcher) Reset(scope string) {
	b.mu.Lock()
	delete(b.pulled, scope)
	b.mu.Unlock()
}

// ResetAll forgets every once-guard.
func (b *BacklogFetcher) ResetAll() {
	b.mu.Lock()
	b.pulled = map[string]bool{}
	b.mu.Unlock()
}
