package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	t.Run("valid envelope", func(t *testing.T) {
		req, err := ParseRequest([]byte(`{"request":"/login","data":{"tag":"alice","password":"x"}}`))
		require.NoError(t, err)
		assert.Equal(t, "/login", req.Request)

		var payload LoginRequest
		require.NoError(t, json.Unmarshal(req.Data, &payload))
		assert.Equal(t, "alice", payload.Tag)
	})

	t.Run("invalid JSON is not a missing envelope", func(t *testing.T) {
		_, err := ParseRequest([]byte(`{not json`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrMissingEnvelope)
	})

	t.Run("missing request field", func(t *testing.T) {
		_, err := ParseRequest([]byte(`{"data":{}}`))
		assert.ErrorIs(t, err, ErrMissingEnvelope)
	})

	t.Run("missing data field", func(t *testing.T) {
		_, err := ParseRequest([]byte(`{"request":"/login"}`))
		assert.ErrorIs(t, err, ErrMissingEnvelope)
	})

	t.Run("null data field", func(t *testing.T) {
		_, err := ParseRequest([]byte(`{"request":"/login","data":null}`))
		assert.ErrorIs(t, err, ErrMissingEnvelope)
	})

	t.Run("scalar data is acceptable at the envelope level", func(t *testing.T) {
		req, err := ParseRequest([]byte(`{"request":"/list_conversations","data":{}}`))
		require.NoError(t, err)
		assert.Equal(t, CmdListConversations, req.Request)
	})
}

func TestConcern(t *testing.T) {
	assert.Equal(t, "login", Concern(CmdLogin, ""))
	assert.Equal(t, "send_message:abc-123", Concern(CmdSendMessage, "abc-123"))
	assert.Equal(t, "delete_message:msg-9", Concern(CmdDeleteMessage, "msg-9"))
	// Already slash-free names pass through unchanged
	assert.Equal(t, "custom", Concern("custom", ""))
}

func TestResponseWireShape(t *testing.T) {
	t.Run("error field omitted on success", func(t *testing.T) {
		data, err := json.Marshal(Response{Concern: "login", Success: true})
		require.NoError(t, err)
		assert.JSONEq(t, `{"concern":"login","success":true}`, string(data))
	})

	t.Run("error field present on failure", func(t *testing.T) {
		data, err := json.Marshal(Response{Concern: "login", Success: false, Error: ErrWrongPassword})
		require.NoError(t, err)
		assert.JSONEq(t, `{"concern":"login","success":false,"error":"wrong_password"}`, string(data))
	})
}

func TestConversationSummaryOmitsEmptyLastMessage(t *testing.T) {
	data, err := json.Marshal(ConversationSummary{
		Participant: Profile{Name: "Alice", Tag: "alice"},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "lastMessage")
}

func TestNotificationWireShape(t *testing.T) {
	t.Run("new_message", func(t *testing.T) {
		data, err := json.Marshal(NewMessageNotification{
			Notify:       NotifyNewMessage,
			Conversation: "alice",
			Message: Message{
				ID:     "m1",
				Sender: "alice",
				Text:   "hi",
				SentAt: 1700000000000,
			},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"notify":"new_message","conversation":"alice","message":{"id":"m1","sender":"alice","text":"hi","sentAt":1700000000000}}`, string(data))
	})

	t.Run("delete_message carries the id, not the body", func(t *testing.T) {
		data, err := json.Marshal(DeleteMessageNotification{
			Notify:       NotifyDeleteMessage,
			Conversation: "bob",
			Message:      "m1",
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"notify":"delete_message","conversation":"bob","message":"m1"}`, string(data))
	})
}
