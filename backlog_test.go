package kite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backlogServer(t *testing.T, frames []MessageFrame, fail *atomic.Bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != offlinePath {
			http.NotFound(w, r)
			return
		}
		if fail != nil && fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]interface{}{"ok": false})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "data": frames})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestPullOnceFeedsFramesThroughEngine(t *testing.T) {
	frames := []MessageFrame{
		{MessageID: "b-1", From: 7, To: 1, Content: "while you were away"},
		{MessageID: "b-2", From: 7, To: 1, Content: "and this"},
		{From: 0, To: 1, Content: "malformed, skipped"},
	}
	srv, _ := backlogServer(t, frames, nil)

	e, _ := newTestEngine(t)
	b := NewBacklogFetcher(NewRESTClient(srv.URL, staticTokens("tok")), e)

	n, err := b.PullOnce(context.Background(), Account{ID: 1, UID: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := e.Messages(PrivateConv(7))
	require.Len(t, msgs, 2, "the malformed frame is dropped")
	assert.Equal(t, "while you were away", msgs[0].Body)
}

func TestPullOncePullsOnlyOncePerAccount(t *testing.T) {
	srv, hits := backlogServer(t, nil, nil)
	e, _ := newTestEngine(t)
	b := NewBacklogFetcher(NewRESTClient(srv.URL, staticTokens("tok")), e)
	acct := Account{ID: 1, UID: "u-1"}

	_, err := b.PullOnce(context.Background(), acct)
	require.NoError(t, err)
	_, err = b.PullOnce(context.Background(), acct)
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load(), "reconnects within a session must not re-pull")

	// A different account pulls independently.
	_, err = b.PullOnce(context.Background(), Account{ID: 2, UID: "u-2"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPullOnceFailureIsRetriable(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv, hits := backlogServer(t, []MessageFrame{{MessageID: "b-1", From: 7, To: 1, Content: "hi"}}, &fail)

	e, _ := newTestEngine(t)
	b := NewBacklogFetcher(NewRESTClient(srv.URL, staticTokens("tok")), e)
	acct := Account{ID: 1, UID: "u-1"}

	_, err := b.PullOnce(context.Background(), acct)
	require.Error(t, err, "a failed pull must not set the once-guard")

	fail.Store(false)
	n, err := b.PullOnce(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPullOnceDuplicatesAgainstLiveTraffic(t *testing.T) {
	frames := []MessageFrame{{MessageID: "b-1", From: 7, To: 1, Content: "queued"}}
	srv, _ := backlogServer(t, frames, nil)

	e, _ := newTestEngine(t)
	// The same message already arrived over the live channel.
	e.HandleIncoming(&frames[0])

	b := NewBacklogFetcher(NewRESTClient(srv.URL, staticTokens("tok")), e)
	_, err := b.PullOnce(context.Background(), Account{ID: 1, UID: "u-1"})
	require.NoError(t, err)

	assert.Len(t, e.Messages(PrivateConv(7)), 1)
}

func TestResetAllowsRepull(t *testing.T) {
	srv, hits := backlogServer(t, nil, nil)
	e, _ := newTestEngine(t)
	b := NewBacklogFetcher(NewRESTClient(srv.URL, staticTokens("tok")), e)
	acct := Account{ID: 1, UID: "u-1"}

	_, _ = b.PullOnce(context.Background(), acct)
	b.Reset("u-1")
	_, _ = b.PullOnce(context.Background(), acct)

	assert.Equal(t, int32(2), hits.Load())
}

func TestPullOnceRequiresScope(t *testing.T) {
	e, _ := newTestEngine(t)
	b := NewBacklogFetcher(NewRESTClient("http://unused", staticTokens("tok")), e)

	_, err := b.PullOnce(context.Background(), Account{ID: 1})
	require.Error(t, err)
}
