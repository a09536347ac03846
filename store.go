package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Store is the durable write-through cache behind the engine. It is written
// only by the engine, read at startup and on conversation open, and every
// record is namespaced by account scope.
type Store interface {
	Sessions(ctx context.Context, scope string) ([]*Session, error)
	Messages(ctx context.Context, scope string, conv ConvKey) ([]*Message, error)
	SaveSession(ctx context.Context, scope string, s *Session) error
	SaveMessage(ctx context.Context, scope string, m *Message) error
	SetPinned(ctx context.Context, scope string, conv ConvKey, pinned bool) error
	DeleteConversation(ctx context.Context, scope string, conv ConvKey) error
	Close() error
}

// ============================================================================
// Key layout
// ============================================================================

// Keys sort lexicographically, so numeric components are zero-padded:
//
//	acct:<scope>:sess:<kind>:<conv id>
//	acct:<scope>:msg:<kind>:<conv id>:<local id>
//
// Message keys are suffixed with the client-assigned local id so a re-save
// of the same message (status transition) overwrites in place and iteration
// returns insertion order.

func sessKey(scope string, conv ConvKey) []byte {
	return []byte(fmt.Sprintf("acct:%s:sess:%s:%020d", scope, conv.Kind, conv.ID))
}

func sessPrefix(scope string) []byte {
	return []byte(fmt.Sprintf("acct:%s:sess:", scope))
}

func msgKey(scope string, m *Message) []byte {
	return []byte(fmt.Sprintf("acct:%s:msg:%s:%020d:%020d", scope, m.Kind, m.ConversationID, m.LocalID))
}

func msgPrefix(scope string, conv ConvKey) []byte {
	return []byte(fmt.Sprintf("acct:%s:msg:%s:%020d:", scope, conv.Kind, conv.ID))
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// ============================================================================
// PebbleStore
// ============================================================================

// PebbleStore persists sessions and messages in an embedded Pebble database.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) the database at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	zap.L().Info("store opened", zap.String("path", path))
	return &PebbleStore{db: db}, nil
}

// Close closes the database.
func (p *PebbleStore) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Sessions returns every stored session for the scope.
func (p *PebbleStore) Sessions(ctx context.Context, scope string) ([]*Session, error) {
	if err := storeCtx(ctx, scope); err != nil {
		return nil, err
	}
	prefix := sessPrefix(scope)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Session
	for iter.First(); iter.Valid(); iter.Next() {
		var s Session
		if err := json.Unmarshal(iter.Value(), &s); err != nil {
			zap.L().Warn("skipping corrupt session record",
				zap.ByteString("key", iter.Key()),
				zap.Error(err))
			continue
		}
		out = append(out, &s)
	}
	return out, iter.Error()
}

// Messages returns the conversation's messages in insertion order.
func (p *PebbleStore) Messages(ctx context.Context, scope string, conv ConvKey) ([]*Message, error) {
	if err := storeCtx(ctx, scope); err != nil {
		return nil, err
	}
	prefix := msgPrefix(scope, conv)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			zap.L().Warn("skipping corrupt message record",
				zap.ByteString("key", iter.Key()),
				zap.Error(err))
			continue
		}
		out = append(out, &m)
	}
	return out, iter.Error()
}

// SaveSession writes through one session record.
func (p *PebbleStore) SaveSession(ctx context.Context, scope string, s *Session) error {
	if err := storeCtx(ctx, scope); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return p.db.Set(sessKey(scope, s.Key()), data, pebble.Sync)
}

// SaveMessage writes through one message record, overwriting any previous
// version with the same local id.
func (p *PebbleStore) SaveMessage(ctx context.Context, scope string, m *Message) error {
	if err := storeCtx(ctx, scope); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.db.Set(msgKey(scope, m), data, pebble.Sync)
}

// SetPinned updates the pinned flag on a stored session.
func (p *PebbleStore) SetPinned(ctx context.Context, scope string, conv ConvKey, pinned bool) error {
	if err := storeCtx(ctx, scope); err != nil {
		return err
	}
	key := sessKey(scope, conv)
	value, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return fmt.Errorf("session %d/%s not found", conv.ID, conv.Kind)
	}
	if err != nil {
		return err
	}
	var s Session
	uerr := json.Unmarshal(value, &s)
	closer.Close()
	if uerr != nil {
		return fmt.Errorf("corrupt session record: %w", uerr)
	}
	s.Pinned = pinned
	data, err := json.Marshal(&s)
	if err != nil {
		return err
	}
	return p.db.Set(key, data, pebble.Sync)
}

// DeleteConversation removes the session and every message of a conversation.
func (p *PebbleStore) DeleteConversation(ctx context.Context, scope string, conv ConvKey) error {
	if err := storeCtx(ctx, scope); err != nil {
		return err
	}
	if err := p.db.Delete(sessKey(scope, conv), pebble.Sync); err != nil {
		return err
	}
	prefix := msgPrefix(scope, conv)
	return p.db.DeleteRange(prefix, prefixUpperBound(prefix), pebble.Sync)
}

// storeCtx fails fast on a cancelled context or a missing account scope.
func storeCtx(ctx context.Context, scope string) error {
	if scope == "" {
		return fmt.Errorf("store: no account scope")
	}
	return ctx.Err()
}

var _ Store = (*PebbleStore)(nil)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store, used in tests and as a
// fallback when no durable path is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[ConvKey]*Session
	messages map[string]map[ConvKey][]*Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[ConvKey]*Session),
		messages: make(map[string]map[ConvKey][]*Message),
	}
}

func (s *MemoryStore) Sessions(ctx context.Context, scope string) ([]*Session, error) {
	if err := storeCtx(ctx, scope); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, sess := range s.sessions[scope] {
		copied := *sess
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Messages(ctx context.Context, scope string, conv ConvKey) ([]*Message, error) {
	if err := storeCtx(ctx, scope); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[scope][conv]
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		copied := *m
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, scope string, sess *Session) error {
	if err := storeCtx(ctx, scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[scope] == nil {
		s.sessions[scope] = make(map[ConvKey]*Session)
	}
	copied := *sess
	s.sessions[scope][sess.Key()] = &copied
	return nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, scope string, m *Message) error {
	if err := storeCtx(ctx, scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages[scope] == nil {
		s.messages[scope] = make(map[ConvKey][]*Message)
	}
	copied := *m
	key := m.Key()
	for i, existing := range s.messages[scope][key] {
		if existing.LocalID == m.LocalID {
			s.messages[scope][key][i] = &copied
			return nil
		}
	}
	s.messages[scope][key] = append(s.messages[scope][key], &copied)
	return nil
}

func (s *MemoryStore) SetPinned(ctx context.Context, scope string, conv ConvKey, pinned bool) error {
	if err := storeCtx(ctx, scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[scope][conv]
	if !ok {
		return fmt.Errorf("session %d/%s not found", conv.ID, conv.Kind)
	}
	sess.Pinned = pinned
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, scope string, conv ConvKey) error {
	if err := storeCtx(ctx, scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions[scope], conv)
	delete(s.messages[scope], conv)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
