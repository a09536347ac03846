// Package kite is the Go synchronization engine for the Kite desktop IM
// client.
//
// It reconciles the durable local store, the live push channel and the
// paginated history API into one consistent, duplicate-free conversation
// view, and replicates local mutations to sibling windows of the same
// process group.
//
// Example:
//
//	client, _ := kite.NewClient(kite.Config{
//		ServerURL: "https://im.example.com",
//		Account:   kite.Account{ID: 42, UID: "u-42"},
//	})
//	client.Tokens().SetToken(jwt)
//	client.Bind(ctx)
//	client.Engine().SendMessage(kite.PrivateConv(7), "hi", kite.TypeText)
package kite

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic REST response wrapper.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into target.
func (r *APIResult) Decode(target interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, target)
}

// Account identifies the signed-in user. UID is the scope under which all
// durable keys and cross-window broadcasts are namespaced.
type Account struct {
	ID  int64  `json:"id"`
	UID string `json:"uid"`
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind distinguishes the topic group a conversation rides on.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

// ConvKey identifies one conversation. Private conversations are keyed by
// the peer's user id, group conversations by the group id; the kind keeps
// the two id spaces from colliding.
type ConvKey struct {
	ID   int64            `json:"id"`
	Kind ConversationKind `json:"kind"`
}

// PrivateConv returns the key of the private conversation with peer id.
func PrivateConv(peerID int64) ConvKey {
	return ConvKey{ID: peerID, Kind: KindPrivate}
}

// GroupConv returns the key of the group conversation with group id.
func GroupConv(groupID int64) ConvKey {
	return ConvKey{ID: groupID, Kind: KindGroup}
}

// Session is the per-conversation summary shown in the conversation list.
// Owned exclusively by the Engine and persisted on every mutation.
type Session struct {
	ID         int64            `json:"id"`
	Kind       ConversationKind `json:"kind"`
	Name       string           `json:"name"`
	Avatar     string           `json:"avatar,omitempty"`
	Preview    string           `json:"preview,omitempty"`
	LastActive string           `json:"lastActive,omitempty"`
	Online     bool             `json:"online"`
	Unread     int              `json:"unread"`
	Pinned     bool             `json:"pinned"`
}

// Key returns the session's conversation key.
func (s *Session) Key() ConvKey {
	return ConvKey{ID: s.ID, Kind: s.Kind}
}

// ============================================================================
// Messages
// ============================================================================

// SenderRole marks which side of the conversation authored a message.
type SenderRole string

const (
	RoleSelf SenderRole = "self"
	RolePeer SenderRole = "peer"
)

// MessageType is the semantic message type.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
)

// DeliveryStatus tracks an outbound message through its lifecycle.
// `sending` is the only non-terminal state; once a message reaches `sent`
// or `failed` it never transitions back.
type DeliveryStatus string

const (
	StatusSending DeliveryStatus = "sending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// Message is one entry in a conversation.
//
// Within a conversation no two stored messages may share a non-empty
// ClientMsgID and no two may share a non-empty ServerMsgID; the Engine
// enforces this on every insert.
type Message struct {
	// LocalID is client-assigned and used only for UI keying and durable
	// ordering. It never leaves the process.
	LocalID        int64            `json:"localId"`
	ConversationID int64            `json:"conversationId"`
	Kind           ConversationKind `json:"kind"`
	Sender         SenderRole       `json:"sender"`
	Body           string           `json:"body"`
	DisplayTime    string           `json:"displayTime,omitempty"`
	Type           MessageType      `json:"type"`
	// Result carries the failure reason for failed sends.
	Result      string         `json:"result,omitempty"`
	ClientMsgID string         `json:"clientMessageId,omitempty"`
	ServerMsgID string         `json:"serverMessageId,omitempty"`
	Status      DeliveryStatus `json:"status"`
	// SentAt is the ISO instant used for filtering. Display order is
	// insertion order, not SentAt order.
	SentAt string `json:"sentAt,omitempty"`
}

// Key returns the message's conversation key.
func (m *Message) Key() ConvKey {
	return ConvKey{ID: m.ConversationID, Kind: m.Kind}
}

// Terminal reports whether the message has reached a terminal delivery state.
func (m *Message) Terminal() bool {
	return m.Status == StatusSent || m.Status == StatusFailed
}

// ============================================================================
// Pagination
// ============================================================================

// PaginationCursor tracks windowed history progress for one conversation.
// Pages advance monotonically forward; the cursor is reset only on
// conversation reset (account switch, explicit delete).
type PaginationCursor struct {
	NextPage int  `json:"nextPage"`
	HasMore  bool `json:"hasMore"`
}

// MergePosition says where a history page is spliced into the existing list.
type MergePosition string

const (
	// MergeAppend inserts at the tail (initial or newer page).
	MergeAppend MergePosition = "append"
	// MergePrepend inserts at the head (older page).
	MergePrepend MergePosition = "prepend"
)

// ============================================================================
// Snapshots
// ============================================================================

// StateSnapshot is the point-in-time full state a window hands to a newly
// opened sibling window during hydration.
type StateSnapshot struct {
	Scope    string               `json:"scope"`
	TakenAt  string               `json:"takenAt"`
	Sessions []*Session           `json:"sessions"`
	Messages map[ConvKey][]*Message `json:"-"`
	// MessagesWire is the JSON form of Messages; ConvKey is not a valid
	// JSON object key, so the map is flattened for the wire.
	MessagesWire []ConvMessages `json:"messages"`
	Pinned       []ConvKey      `json:"pinned"`
}

// ConvMessages pairs a conversation key with its messages for the wire.
type ConvMessages struct {
	Conv     ConvKey    `json:"conv"`
	Messages []*Message `json:"messages"`
}

// MarshalJSON flattens Messages into MessagesWire.
func (s *StateSnapshot) MarshalJSON() ([]byte, error) {
	type alias StateSnapshot
	out := alias(*s)
	out.MessagesWire = make([]ConvMessages, 0, len(s.Messages))
	for key, msgs := range s.Messages {
		out.MessagesWire = append(out.MessagesWire, ConvMessages{Conv: key, Messages: msgs})
	}
	return json.Marshal(out)
}

// UnmarshalJSON rebuilds Messages from MessagesWire.
func (s *StateSnapshot) UnmarshalJSON(data []byte) error {
	type alias StateSnapshot
	var in alias
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*s = StateSnapshot(in)
	s.Messages = make(map[ConvKey][]*Message, len(s.MessagesWire))
	for _, cm := range s.MessagesWire {
		s.Messages[cm.Conv] = cm.Messages
	}
	s.MessagesWire = nil
	return nil
}

// ============================================================================
// Time helpers
// ============================================================================

// nowInstant returns the current UTC instant in the wire format.
func nowInstant() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// displayTime formats an instant for conversation display; malformed
// instants fall back to the raw string.
func displayTime(instant string) string {
	t, err := time.Parse(time.RFC3339Nano, instant)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, instant); err != nil {
			return instant
		}
	}
	return t.Local().Format("2006-01-02 15:04")
}
