package kite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"message","payload":{"from":7}}`))
	require.NoError(t, err)
	assert.Equal(t, FrameMessage, env.Type)

	_, err = ParseEnvelope([]byte(`{broken`))
	require.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"payload":{}}`))
	require.Error(t, err, "an envelope without a type is malformed")

	_, err = ParseEnvelope([]byte(`null`))
	require.Error(t, err)
}

func TestParseMessageFrameValidation(t *testing.T) {
	f, err := ParseMessageFrame([]byte(`{"messageId":"s1","from":7,"to":1,"content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), f.From)

	f, err = ParseMessageFrame([]byte(`{"from":7,"groupId":42,"content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), f.GroupID)

	_, err = ParseMessageFrame([]byte(`{"to":1,"content":"no sender"}`))
	require.Error(t, err)

	_, err = ParseMessageFrame([]byte(`{"from":7,"content":"no destination"}`))
	require.Error(t, err)
}

func TestParseAckFrameRequiresClientID(t *testing.T) {
	f, err := ParseAckFrame([]byte(`{"clientMessageId":"c-1","messageId":"s-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "c-1", f.ClientMsgID)

	_, err = ParseAckFrame([]byte(`{"messageId":"s-1"}`))
	require.Error(t, err, "an ack that matches nothing is useless")
}

func TestErrorFrameReason(t *testing.T) {
	assert.Equal(t, "RATE_LIMIT: slow down", (&ErrorFrame{Code: "RATE_LIMIT", Message: "slow down"}).Reason())
	assert.Equal(t, "slow down", (&ErrorFrame{Message: "slow down"}).Reason())
	assert.Equal(t, "RATE_LIMIT", (&ErrorFrame{Code: "RATE_LIMIT"}).Reason())
	assert.Equal(t, "send rejected", (&ErrorFrame{}).Reason())
}

func TestStripMarkup(t *testing.T) {
	assert.Equal(t, "plain text", stripMarkup("plain text"))
	assert.Equal(t, "bold move", stripMarkup("<b>bold</b> move"))
	assert.Equal(t, "", stripMarkup("<img src='x'/>"))
	assert.Equal(t, "ab", stripMarkup("a<span\nclass='x'>b</span>"))
	// Unterminated tags swallow the rest rather than leaking raw markup.
	assert.Equal(t, "a", stripMarkup("a<b"))
}
