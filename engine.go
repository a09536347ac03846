package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Engine
// ============================================================================

// Sender dispatches one outbound message onto the live channel. It reports
// delivery to the transport only; end-to-end delivery is confirmed by a
// later ack frame. Send never blocks for long and never panics.
type Sender interface {
	Send(kind ConversationKind, out *OutboundMessage) bool
}

// Replicated mutation actions.
const (
	actionMessageAppend = "message.append"
	actionMessageStatus = "message.status"
	actionSessionUpdate = "session.update"
	actionSessionDelete = "session.delete"
)

// statusUpdate is the replicated payload for a delivery-status transition.
type statusUpdate struct {
	Conv        ConvKey        `json:"conv"`
	ClientMsgID string         `json:"clientMessageId,omitempty"`
	ServerMsgID string         `json:"serverMessageId,omitempty"`
	Status      DeliveryStatus `json:"status"`
	Result      string         `json:"result,omitempty"`
}

// Local ids grow upward from the base for appends and downward for
// prepended history, so both directions stay positive and sortable.
const localIDBase = int64(1) << 32

// convState is the engine-private state of one conversation.
type convState struct {
	session    *Session
	msgs       []*Message
	byClientID map[string]*Message
	byServerID map[string]*Message
	cursor     PaginationCursor
	firstLocal int64
	nextLocal  int64
}

func newConvState(s *Session) *convState {
	return &convState{
		session:    s,
		byClientID: map[string]*Message{},
		byServerID: map[string]*Message{},
		cursor:     PaginationCursor{NextPage: 1, HasMore: true},
		firstLocal: localIDBase,
		nextLocal:  localIDBase,
	}
}

// Engine reconciles the durable store, the live channel and the paginated
// history API into one duplicate-free conversation view.
//
// All state is owned by a single consumer goroutine; public methods enqueue
// tasks onto it, so no locking is needed and no caller ever observes a
// half-applied mutation. Frame handlers are fire-and-forget; query methods
// wait for their result.
type Engine struct {
	tasks  chan func()
	closed chan struct{}
	once   sync.Once

	sender Sender
	store  Store
	repl   *Replicator

	account Account
	scope   string
	convs   map[ConvKey]*convState
	// pending maps an in-flight client message id to its conversation.
	pending  map[string]ConvKey
	focused  ConvKey
	hasFocus bool
}

// NewEngine creates an engine and starts its consumer goroutine. store and
// repl may be nil; persistence and replication are then skipped.
func NewEngine(sender Sender, store Store, repl *Replicator) *Engine {
	e := &Engine{
		tasks:   make(chan func(), 256),
		closed:  make(chan struct{}),
		sender:  sender,
		store:   store,
		repl:    repl,
		convs:   map[ConvKey]*convState{},
		pending: map[string]ConvKey{},
	}
	go e.loop()
	return e
}

// Close stops the consumer goroutine. Tasks enqueued after Close are
// silently dropped.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.closed) })
}

func (e *Engine) loop() {
	for {
		select {
		case <-e.closed:
			return
		case fn := <-e.tasks:
			fn()
		}
	}
}

// post enqueues fn without waiting for it.
func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.closed:
	}
}

// do enqueues fn and waits until the consumer has run it.
func (e *Engine) do(fn func()) {
	done := make(chan struct{})
	e.post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-e.closed:
	}
}

// ============================================================================
// Account lifecycle
// ============================================================================

// SetAccount switches the signed-in account. All conversation state belongs
// to one account, so switching resets the engine.
func (e *Engine) SetAccount(acct Account) {
	e.do(func() {
		e.account = acct
		e.scope = acct.UID
		e.resetLocked()
	})
}

// Account returns the signed-in account.
func (e *Engine) Account() Account {
	var acct Account
	e.do(func() { acct = e.account })
	return acct
}

// Scope returns the active account scope, or "" when signed out.
func (e *Engine) Scope() string {
	var scope string
	e.do(func() { scope = e.scope })
	return scope
}

// Reset drops all conversation state. The account binding survives; use
// SetAccount to change it.
func (e *Engine) Reset() {
	e.do(e.resetLocked)
}

func (e *Engine) resetLocked() {
	e.convs = map[ConvKey]*convState{}
	e.pending = map[string]ConvKey{}
	e.hasFocus = false
}

// ============================================================================
// Queries
// ============================================================================

// Sessions returns the conversation list, pinned conversations first, then
// by most recent activity. The returned slice holds copies.
func (e *Engine) Sessions() []Session {
	var out []Session
	e.do(func() {
		out = make([]Session, 0, len(e.convs))
		for _, cs := range e.convs {
			out = append(out, *cs.session)
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Pinned != out[j].Pinned {
				return out[i].Pinned
			}
			if out[i].LastActive != out[j].LastActive {
				return out[i].LastActive > out[j].LastActive
			}
			return out[i].ID < out[j].ID
		})
	})
	return out
}

// Messages returns the conversation's messages in display order. Display
// order is insertion order; it is not re-sorted by SentAt.
func (e *Engine) Messages(key ConvKey) []Message {
	var out []Message
	e.do(func() {
		cs, ok := e.convs[key]
		if !ok {
			return
		}
		out = make([]Message, len(cs.msgs))
		for i, m := range cs.msgs {
			out[i] = *m
		}
	})
	return out
}

// Cursor returns the conversation's history pagination cursor.
func (e *Engine) Cursor(key ConvKey) PaginationCursor {
	cur := PaginationCursor{NextPage: 1, HasMore: true}
	e.do(func() {
		if cs, ok := e.convs[key]; ok {
			cur = cs.cursor
		}
	})
	return cur
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage appends an optimistic message in `sending` state, persists
// and replicates it, then dispatches it onto the channel. If the channel
// refuses the dispatch the message fails immediately. Returns a copy of the
// appended message.
func (e *Engine) SendMessage(key ConvKey, body string, typ MessageType) Message {
	var out Message
	e.do(func() {
		now := nowInstant()
		m := &Message{
			ConversationID: key.ID,
			Kind:           key.Kind,
			Sender:         RoleSelf,
			Body:           body,
			DisplayTime:    displayTime(now),
			Type:           typ,
			ClientMsgID:    uuid.NewString(),
			Status:         StatusSending,
			SentAt:         now,
		}
		cs := e.conv(key)
		e.appendMessage(cs, m)
		e.pending[m.ClientMsgID] = key
		e.touchSession(cs, m, true)
		e.persistMessage(m)
		e.persistSession(cs.session)
		e.broadcast(actionMessageAppend, m)
		e.broadcast(actionSessionUpdate, cs.session)

		sent := e.sender != nil && e.sender.Send(key.Kind, &OutboundMessage{
			To:          privateTo(key),
			GroupID:     groupTo(key),
			Content:     body,
			ClientMsgID: m.ClientMsgID,
		})
		if !sent {
			e.failPending(m.ClientMsgID, "channel unavailable")
		}
		out = *m
	})
	return out
}

func privateTo(key ConvKey) int64 {
	if key.Kind == KindPrivate {
		return key.ID
	}
	return 0
}

func groupTo(key ConvKey) int64 {
	if key.Kind == KindGroup {
		return key.ID
	}
	return 0
}

// ============================================================================
// Inbound frames
// ============================================================================

// HandleAck resolves a pending send to `sent`. Acks that match no pending
// message are dropped. Fire-and-forget; safe to call from the channel read
// goroutine.
func (e *Engine) HandleAck(f *AckFrame) {
	e.post(func() {
		key, ok := e.pending[f.ClientMsgID]
		if !ok {
			zap.L().Debug("dropping unmatched ack", zap.String("clientMsgId", f.ClientMsgID))
			return
		}
		cs := e.convs[key]
		m := cs.byClientID[f.ClientMsgID]
		delete(e.pending, f.ClientMsgID)
		if m == nil || m.Terminal() {
			return
		}
		e.confirmDelivery(cs, m, f.MessageID)
	})
}

// HandleError resolves a pending send to `failed` with the server's reason.
// Error frames without a matchable client message id are dropped.
func (e *Engine) HandleError(f *ErrorFrame) {
	e.post(func() {
		if f.ClientMsgID == "" {
			zap.L().Debug("dropping unaddressed error frame", zap.String("code", f.Code))
			return
		}
		e.failPending(f.ClientMsgID, f.Reason())
	})
}

// HandleIncoming reconciles one pushed message. An echo of our own pending
// send is absorbed as a delivery confirmation instead of being appended; a
// message whose server id is already known is dropped; everything else is
// appended and the session updated. Fire-and-forget.
func (e *Engine) HandleIncoming(f *MessageFrame) {
	e.post(func() { e.reconcileFrame(f, MergeAppend) })
}

// reconcileFrame runs on the consumer goroutine.
func (e *Engine) reconcileFrame(f *MessageFrame, pos MergePosition) bool {
	// Echo absorption: the channel pushes our own sends back on some
	// destinations. Matching a pending client id means this is the echo of
	// an optimistic message we already display.
	if f.ClientMsgID != "" {
		if key, ok := e.pending[f.ClientMsgID]; ok {
			cs := e.convs[key]
			m := cs.byClientID[f.ClientMsgID]
			delete(e.pending, f.ClientMsgID)
			if m != nil && !m.Terminal() {
				e.confirmDelivery(cs, m, f.MessageID)
			}
			return false
		}
	}

	key, m := e.frameToMessage(f)
	cs := e.conv(key)
	if e.isDuplicate(cs, m) {
		return false
	}
	if pos == MergePrepend {
		e.prependMessage(cs, m)
	} else {
		e.appendMessage(cs, m)
	}
	e.touchSession(cs, m, pos == MergeAppend)
	e.persistMessage(m)
	e.persistSession(cs.session)
	e.broadcast(actionMessageAppend, m)
	e.broadcast(actionSessionUpdate, cs.session)
	return true
}

// frameToMessage maps a wire frame onto the conversation it belongs to.
// Private traffic from a peer lands in the peer's conversation; our own
// traffic (sent from another device) lands in the recipient's.
func (e *Engine) frameToMessage(f *MessageFrame) (ConvKey, *Message) {
	var key ConvKey
	role := RolePeer
	if f.From == e.account.ID {
		role = RoleSelf
	}
	if f.GroupID != 0 {
		key = GroupConv(f.GroupID)
	} else if role == RoleSelf {
		key = PrivateConv(f.To)
	} else {
		key = PrivateConv(f.From)
	}

	typ := MessageType(f.Type)
	if typ == "" {
		typ = TypeText
	}
	sentAt := f.SentAt
	if sentAt == "" {
		sentAt = nowInstant()
	}
	return key, &Message{
		ConversationID: key.ID,
		Kind:           key.Kind,
		Sender:         role,
		Body:           f.Content,
		DisplayTime:    displayTime(sentAt),
		Type:           typ,
		ClientMsgID:    f.ClientMsgID,
		ServerMsgID:    f.MessageID,
		Status:         StatusSent,
		SentAt:         sentAt,
	}
}

// ============================================================================
// History merge
// ============================================================================

// MergeHistoryPage splices one history page into the conversation. Rows
// whose client or server id is already present are skipped, so replaying
// the same page is a no-op. Returns the number of rows actually inserted.
func (e *Engine) MergeHistoryPage(key ConvKey, page *PageResult, pos MergePosition) int {
	added := 0
	e.do(func() {
		cs := e.conv(key)
		// Rows arrive newest-first. Appended pages are walked in reverse so
		// the block reads oldest to newest; prepends walk forward, one row
		// at a time, so the oldest row of the page ends up at the head.
		if pos == MergeAppend {
			for i := len(page.Rows) - 1; i >= 0; i-- {
				if e.mergeRow(cs, &page.Rows[i], pos) {
					added++
				}
			}
		} else {
			for i := range page.Rows {
				if e.mergeRow(cs, &page.Rows[i], pos) {
					added++
				}
			}
		}
		cs.cursor.NextPage++
		cs.cursor.HasMore = page.HasMore
	})
	return added
}

func (e *Engine) mergeRow(cs *convState, f *MessageFrame, pos MergePosition) bool {
	_, m := e.frameToMessage(f)
	if e.isDuplicate(cs, m) {
		return false
	}
	if pos == MergePrepend {
		e.prependMessage(cs, m)
	} else {
		e.appendMessage(cs, m)
	}
	e.persistMessage(m)
	return true
}

// ============================================================================
// Conversation management
// ============================================================================

// SetFocused marks the conversation the user is viewing. A focused
// conversation accrues no unread count; focusing clears the existing one.
func (e *Engine) SetFocused(key ConvKey) {
	e.do(func() {
		e.focused = key
		e.hasFocus = true
		e.markReadLocked(key)
	})
}

// ClearFocus marks that no conversation is being viewed.
func (e *Engine) ClearFocus() {
	e.do(func() { e.hasFocus = false })
}

// MarkRead clears the conversation's unread count.
func (e *Engine) MarkRead(key ConvKey) {
	e.do(func() { e.markReadLocked(key) })
}

func (e *Engine) markReadLocked(key ConvKey) {
	cs, ok := e.convs[key]
	if !ok || cs.session.Unread == 0 {
		return
	}
	cs.session.Unread = 0
	e.persistSession(cs.session)
	e.broadcast(actionSessionUpdate, cs.session)
}

// SetPinned pins or unpins the conversation in the list.
func (e *Engine) SetPinned(key ConvKey, pinned bool) {
	e.do(func() {
		cs, ok := e.convs[key]
		if !ok || cs.session.Pinned == pinned {
			return
		}
		cs.session.Pinned = pinned
		e.persistPinned(key, pinned)
		e.broadcast(actionSessionUpdate, cs.session)
	})
}

// DeleteConversation removes the conversation and its messages everywhere:
// memory, durable store and sibling windows.
func (e *Engine) DeleteConversation(key ConvKey) {
	e.do(func() {
		cs, ok := e.convs[key]
		if !ok {
			return
		}
		for cid := range cs.byClientID {
			delete(e.pending, cid)
		}
		delete(e.convs, key)
		if e.store != nil && e.scope != "" {
			if err := e.store.DeleteConversation(context.Background(), e.scope, key); err != nil {
				zap.L().Warn("delete conversation from store", zap.Error(err))
			}
		}
		e.broadcast(actionSessionDelete, key)
	})
}

// UpsertSession merges externally sourced session metadata (contact name,
// avatar, presence) into the list without touching message state.
func (e *Engine) UpsertSession(s *Session) {
	e.do(func() {
		cs := e.conv(s.Key())
		sess := cs.session
		if s.Name != "" {
			sess.Name = s.Name
		}
		if s.Avatar != "" {
			sess.Avatar = s.Avatar
		}
		sess.Online = s.Online
		e.persistSession(sess)
		e.broadcast(actionSessionUpdate, sess)
	})
}

// ============================================================================
// Persistence and snapshots
// ============================================================================

// LoadFromStore rebuilds all conversation state from the durable store.
// Pending sends do not survive a restart; stored `sending` messages are
// marked failed on load.
func (e *Engine) LoadFromStore(ctx context.Context) error {
	var err error
	e.do(func() {
		if e.store == nil || e.scope == "" {
			return
		}
		var sessions []*Session
		if sessions, err = e.store.Sessions(ctx, e.scope); err != nil {
			return
		}
		e.resetLocked()
		for _, s := range sessions {
			cs := newConvState(s)
			e.convs[s.Key()] = cs
			var msgs []*Message
			if msgs, err = e.store.Messages(ctx, e.scope, s.Key()); err != nil {
				return
			}
			for _, m := range msgs {
				if m.Status == StatusSending {
					m.Status = StatusFailed
					m.Result = "interrupted by restart"
					e.persistMessage(m)
				}
				e.adoptMessage(cs, m)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	return nil
}

// Snapshot captures the full current state for window hydration.
func (e *Engine) Snapshot() *StateSnapshot {
	var snap *StateSnapshot
	e.do(func() {
		snap = &StateSnapshot{
			Scope:    e.scope,
			TakenAt:  nowInstant(),
			Sessions: make([]*Session, 0, len(e.convs)),
			Messages: make(map[ConvKey][]*Message, len(e.convs)),
		}
		for key, cs := range e.convs {
			s := *cs.session
			snap.Sessions = append(snap.Sessions, &s)
			msgs := make([]*Message, len(cs.msgs))
			for i, m := range cs.msgs {
				mc := *m
				msgs[i] = &mc
			}
			snap.Messages[key] = msgs
			if s.Pinned {
				snap.Pinned = append(snap.Pinned, key)
			}
		}
	})
	return snap
}

// ApplySnapshot replaces all state with a hydration snapshot from a sibling
// window. A snapshot from a different scope is rejected.
func (e *Engine) ApplySnapshot(snap *StateSnapshot) error {
	var err error
	e.do(func() {
		if snap.Scope != e.scope {
			err = fmt.Errorf("snapshot scope %q does not match active scope %q", snap.Scope, e.scope)
			return
		}
		e.resetLocked()
		for _, s := range snap.Sessions {
			sc := *s
			cs := newConvState(&sc)
			e.convs[sc.Key()] = cs
			for _, m := range snap.Messages[sc.Key()] {
				mc := *m
				e.adoptMessage(cs, &mc)
				e.persistMessage(&mc)
			}
			e.persistSession(&sc)
		}
	})
	return err
}

// ============================================================================
// Remote actions
// ============================================================================

// ApplyRemote replays a replicated mutation from a sibling window. It runs
// through the same duplicate-aware paths as local mutations, so replaying
// an action twice is harmless. Fire-and-forget; registered as the
// replicator's remote action handler.
func (e *Engine) ApplyRemote(action string, data json.RawMessage) {
	e.post(func() {
		switch action {
		case actionMessageAppend:
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				zap.L().Warn("malformed replicated message", zap.Error(err))
				return
			}
			cs := e.conv(m.Key())
			if e.isDuplicate(cs, &m) {
				return
			}
			e.appendMessage(cs, &m)
			e.touchSession(cs, &m, true)
			e.persistMessage(&m)
		case actionMessageStatus:
			var u statusUpdate
			if err := json.Unmarshal(data, &u); err != nil {
				zap.L().Warn("malformed replicated status", zap.Error(err))
				return
			}
			e.applyRemoteStatus(&u)
		case actionSessionUpdate:
			var s Session
			if err := json.Unmarshal(data, &s); err != nil {
				zap.L().Warn("malformed replicated session", zap.Error(err))
				return
			}
			cs := e.conv(s.Key())
			*cs.session = s
			e.persistSession(cs.session)
		case actionSessionDelete:
			var key ConvKey
			if err := json.Unmarshal(data, &key); err != nil {
				return
			}
			cs, ok := e.convs[key]
			if !ok {
				return
			}
			for cid := range cs.byClientID {
				delete(e.pending, cid)
			}
			delete(e.convs, key)
		default:
			zap.L().Debug("ignoring unknown replicated action", zap.String("action", action))
		}
	})
}

func (e *Engine) applyRemoteStatus(u *statusUpdate) {
	cs, ok := e.convs[u.Conv]
	if !ok {
		return
	}
	var m *Message
	if u.ClientMsgID != "" {
		m = cs.byClientID[u.ClientMsgID]
	}
	if m == nil && u.ServerMsgID != "" {
		m = cs.byServerID[u.ServerMsgID]
	}
	if m == nil || m.Terminal() {
		return
	}
	delete(e.pending, m.ClientMsgID)
	if u.ServerMsgID != "" && cs.byServerID[u.ServerMsgID] == nil {
		m.ServerMsgID = u.ServerMsgID
		cs.byServerID[u.ServerMsgID] = m
	}
	m.Status = u.Status
	m.Result = u.Result
	e.persistMessage(m)
}

// ============================================================================
// Internals (consumer goroutine only)
// ============================================================================

func (e *Engine) conv(key ConvKey) *convState {
	cs, ok := e.convs[key]
	if !ok {
		cs = newConvState(&Session{ID: key.ID, Kind: key.Kind})
		e.convs[key] = cs
	}
	return cs
}

// isDuplicate reports whether the conversation already holds a message with
// the same non-empty client or server id.
func (e *Engine) isDuplicate(cs *convState, m *Message) bool {
	if m.ClientMsgID != "" && cs.byClientID[m.ClientMsgID] != nil {
		return true
	}
	if m.ServerMsgID != "" && cs.byServerID[m.ServerMsgID] != nil {
		return true
	}
	return false
}

func (e *Engine) appendMessage(cs *convState, m *Message) {
	m.LocalID = cs.nextLocal
	cs.nextLocal++
	cs.msgs = append(cs.msgs, m)
	e.index(cs, m)
}

func (e *Engine) prependMessage(cs *convState, m *Message) {
	cs.firstLocal--
	m.LocalID = cs.firstLocal
	cs.msgs = append([]*Message{m}, cs.msgs...)
	e.index(cs, m)
}

// adoptMessage inserts a message that already carries a local id, keeping
// the counters consistent. Used when rebuilding from store or snapshot.
func (e *Engine) adoptMessage(cs *convState, m *Message) {
	if e.isDuplicate(cs, m) {
		return
	}
	cs.msgs = append(cs.msgs, m)
	e.index(cs, m)
	if m.LocalID >= cs.nextLocal {
		cs.nextLocal = m.LocalID + 1
	}
	if m.LocalID < cs.firstLocal {
		cs.firstLocal = m.LocalID
	}
}

func (e *Engine) index(cs *convState, m *Message) {
	if m.ClientMsgID != "" {
		cs.byClientID[m.ClientMsgID] = m
	}
	if m.ServerMsgID != "" {
		cs.byServerID[m.ServerMsgID] = m
	}
}

// touchSession refreshes the session summary from a newly inserted message.
// History prepends never bump activity or unread.
func (e *Engine) touchSession(cs *convState, m *Message, live bool) {
	if !live {
		return
	}
	cs.session.Preview = stripMarkup(m.Body)
	cs.session.LastActive = m.DisplayTime
	if m.Sender == RolePeer && !(e.hasFocus && e.focused == m.Key()) {
		cs.session.Unread++
	}
}

// confirmDelivery moves a pending message to `sent` and records the server
// id the ack carried.
func (e *Engine) confirmDelivery(cs *convState, m *Message, serverID string) {
	if serverID != "" {
		if other := cs.byServerID[serverID]; other != nil && other != m {
			zap.L().Warn("ack server id already bound to another message",
				zap.String("serverMsgId", serverID))
		} else {
			m.ServerMsgID = serverID
			cs.byServerID[serverID] = m
		}
	}
	m.Status = StatusSent
	e.persistMessage(m)
	e.broadcast(actionMessageStatus, &statusUpdate{
		Conv:        m.Key(),
		ClientMsgID: m.ClientMsgID,
		ServerMsgID: m.ServerMsgID,
		Status:      StatusSent,
	})
}

// failPending moves a pending message to `failed`. Terminal messages are
// left alone.
func (e *Engine) failPending(clientMsgID, reason string) {
	key, ok := e.pending[clientMsgID]
	if !ok {
		zap.L().Debug("dropping failure for unmatched send", zap.String("clientMsgId", clientMsgID))
		return
	}
	delete(e.pending, clientMsgID)
	cs := e.convs[key]
	m := cs.byClientID[clientMsgID]
	if m == nil || m.Terminal() {
		return
	}
	m.Status = StatusFailed
	m.Result = reason
	e.persistMessage(m)
	e.broadcast(actionMessageStatus, &statusUpdate{
		Conv:        key,
		ClientMsgID: clientMsgID,
		Status:      StatusFailed,
		Result:      reason,
	})
}

func (e *Engine) persistMessage(m *Message) {
	if e.store == nil || e.scope == "" {
		return
	}
	if err := e.store.SaveMessage(context.Background(), e.scope, m); err != nil {
		zap.L().Warn("persist message", zap.Int64("localId", m.LocalID), zap.Error(err))
	}
}

func (e *Engine) persistSession(s *Session) {
	if e.store == nil || e.scope == "" {
		return
	}
	if err := e.store.SaveSession(context.Background(), e.scope, s); err != nil {
		zap.L().Warn("persist session", zap.Int64("id", s.ID), zap.Error(err))
	}
}

// persistPinned flips the pin flag in place on the stored session record.
func (e *Engine) persistPinned(key ConvKey, pinned bool) {
	if e.store == nil || e.scope == "" {
		return
	}
	if err := e.store.SetPinned(context.Background(), e.scope, key, pinned); err != nil {
		zap.L().Warn("persist pin flag", zap.Int64("id", key.ID), zap.Error(err))
	}
}

func (e *Engine) broadcast(action string, data interface{}) {
	if e.repl == nil {
		return
	}
	if err := e.repl.Broadcast(action, data); err != nil {
		zap.L().Debug("window broadcast", zap.String("action", action), zap.Error(err))
	}
}
