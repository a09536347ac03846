package kite

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ============================================================================
// Wire Envelope
// ============================================================================

// Envelope is the wire format for all channel traffic, both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope types delivered by the server.
const (
	FrameConnected = "connected"
	FrameMessage   = "message"
	FrameAck       = "ack"
	FrameError     = "error"
	FrameSocial    = "social"
)

// ParseEnvelope decodes one raw channel frame. It returns an error for
// anything malformed; it never panics on hostile input.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("malformed envelope: missing type")
	}
	return &env, nil
}

// ============================================================================
// Inbound Frames
// ============================================================================

// MessageFrame is a pushed or history-delivered message.
// Exactly one of To / GroupID is set: To for private traffic, GroupID for
// group traffic.
type MessageFrame struct {
	MessageID   string `json:"messageId,omitempty"`
	From        int64  `json:"from"`
	To          int64  `json:"to,omitempty"`
	GroupID     int64  `json:"groupId,omitempty"`
	Content     string `json:"content"`
	ClientMsgID string `json:"clientMessageId,omitempty"`
	SentAt      string `json:"sentAt,omitempty"`
	Type        string `json:"type,omitempty"`
}

// ParseMessageFrame decodes and validates a message payload.
func ParseMessageFrame(payload json.RawMessage) (*MessageFrame, error) {
	var f MessageFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("malformed message frame: %w", err)
	}
	if f.From == 0 {
		return nil, fmt.Errorf("malformed message frame: missing sender")
	}
	if f.To == 0 && f.GroupID == 0 {
		return nil, fmt.Errorf("malformed message frame: missing destination")
	}
	return &f, nil
}

// AckFrame confirms a previously dispatched send.
type AckFrame struct {
	ClientMsgID string `json:"clientMessageId,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Status      string `json:"status,omitempty"`
	AckAt       string `json:"ackAt,omitempty"`
}

// ParseAckFrame decodes and validates an ack payload.
func ParseAckFrame(payload json.RawMessage) (*AckFrame, error) {
	var f AckFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("malformed ack frame: %w", err)
	}
	if f.ClientMsgID == "" {
		return nil, fmt.Errorf("malformed ack frame: missing client message id")
	}
	return &f, nil
}

// ErrorFrame rejects a previously dispatched send.
type ErrorFrame struct {
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	ClientMsgID string `json:"clientMessageId,omitempty"`
	At          string `json:"at,omitempty"`
}

// ParseErrorFrame decodes an error payload. An error frame without a client
// message id is still valid; it just cannot be matched to a pending send.
func ParseErrorFrame(payload json.RawMessage) (*ErrorFrame, error) {
	var f ErrorFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("malformed error frame: %w", err)
	}
	return &f, nil
}

// Reason renders the server-provided failure reason.
func (f *ErrorFrame) Reason() string {
	switch {
	case f.Code != "" && f.Message != "":
		return f.Code + ": " + f.Message
	case f.Message != "":
		return f.Message
	case f.Code != "":
		return f.Code
	}
	return "send rejected"
}

// ============================================================================
// Outbound
// ============================================================================

// OutboundMessage is the send payload. ClientMsgID is always present; it is
// the idempotency key the server echoes back in ack/error frames.
type OutboundMessage struct {
	To          int64  `json:"to,omitempty"`
	GroupID     int64  `json:"groupId,omitempty"`
	Content     string `json:"content"`
	ClientMsgID string `json:"clientMessageId"`
	Quote       string `json:"quote,omitempty"`
}

// sendFrame wraps an outbound payload with its logical destination.
type sendFrame struct {
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body"`
}

// subscribeFrame registers interest in a destination on the channel.
type subscribeFrame struct {
	Destination string `json:"destination"`
}

// ============================================================================
// Markup stripping
// ============================================================================

// stripMarkup removes inline markup tags so keyword filters match the text
// the user actually sees.
func stripMarkup(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
