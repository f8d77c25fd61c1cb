// Package protocol defines the JSON wire format spoken over the
// websocket channel: the inbound request envelope, per-command request
// and response payloads, and the unsolicited notification frames pushed
// by the server.
package protocol

import (
	"encoding/json"
	"errors"
)

// Command names as they appear in the request envelope.
const (
	CmdLogin             = "/login"
	CmdChangeDisplayName = "/change_display_name"
	CmdChangeTag         = "/change_tag"
	CmdUserExistByTag    = "/user_exist_by_tag"
	CmdSendMessage       = "/send_message"
	CmdDeleteMessage     = "/delete_message"
	CmdListConversations = "/list_conversations"
	CmdGetConversation   = "/get_conversation"
)

// Transport-level failures are answered with a literal text frame, not
// a JSON document. Anything past this point is structured.
const (
	RawInvalidJSON      = "invalid_json"
	RawMalformedRequest = "malformed_request"
	RawUnauthorized     = "unauthorized"
)

// Error codes. The set is closed: handlers never invent new strings.
const (
	ErrMissingFields         = "missing_fields"
	ErrNoSpecialCharacters   = "no_special_characters"
	ErrInvalidNameLength     = "invalid_name_length"
	ErrInvalidTagLength      = "invalid_tag_length"
	ErrUserNotFound          = "user_not_found"
	ErrSelfNotAllowed        = "self_not_allowed"
	ErrMalformedHash         = "malformed_hash"
	ErrWrongPassword         = "wrong_password"
	ErrTagUsed               = "tag_used"
	ErrMessageLengthExceeded = "message_length_exceeded"
	ErrConversationNotFound  = "conversation_not_found"
	ErrMessageNotFound       = "message_not_found"
)

var (
	// ErrMissingEnvelope indicates a frame parsed as JSON but lacked the
	// request or data field.
	ErrMissingEnvelope = errors.New("request envelope missing request or data")
)

// Request is the inbound frame envelope. Data is decoded a second time
// by the handler for the matched command.
type Request struct {
	Request string          `json:"request"`
	Data    json.RawMessage `json:"data"`
}

// ParseRequest decodes an inbound frame into an envelope. A JSON-level
// failure and a missing-field failure are reported distinctly because
// they produce different wire replies.
func ParseRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if req.Request == "" || len(req.Data) == 0 || string(req.Data) == "null" {
		return nil, ErrMissingEnvelope
	}
	return &req, nil
}

// Response is the common trailer of every direct command response.
type Response struct {
	Concern string `json:"concern"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Concern returns the response concern for a command, suffixed with the
// client correlation id when one was supplied (send/delete only).
func Concern(command, correlationID string) string {
	name := command
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	if correlationID == "" {
		return name
	}
	return name + ":" + correlationID
}

// Profile is the public view of an account.
type Profile struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// Message is a message as carried in responses and notifications, with
// the sender given as a tag.
type Message struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
	SentAt int64  `json:"sentAt"`
}

// AnnotatedMessage is a message annotated with its sender's full public
// profile, used by /get_conversation.
type AnnotatedMessage struct {
	ID     string  `json:"id"`
	Sender Profile `json:"sender"`
	Text   string  `json:"text"`
	SentAt int64   `json:"sentAt"`
}

// LoginRequest is the payload of /login.
type LoginRequest struct {
	Tag      string `json:"tag"`
	Password string `json:"password"`
}

// ChangeDisplayNameRequest is the payload of /change_display_name.
type ChangeDisplayNameRequest struct {
	Name string `json:"name"`
}

// ChangeTagRequest is the payload of /change_tag.
type ChangeTagRequest struct {
	Tag string `json:"tag"`
}

// UserExistByTagRequest is the payload of /user_exist_by_tag.
type UserExistByTagRequest struct {
	Tag string `json:"tag"`
}

// UserExistByTagResponse reports whether a tag resolves to an account.
type UserExistByTagResponse struct {
	Response
	Exists bool `json:"exists"`
}

// SendMessageRequest is the payload of /send_message. UUID is the
// client-minted correlation id echoed in the response concern so the
// client can reconcile optimistic UI state with the confirmed send.
type SendMessageRequest struct {
	Text      string `json:"text"`
	UUID      string `json:"uuid"`
	Recipient string `json:"recipient"`
}

// SendMessageResponse confirms an accepted send.
type SendMessageResponse struct {
	Response
	Message *Message `json:"message,omitempty"`
}

// DeleteMessageRequest is the payload of /delete_message. Message is
// the server-minted message id being removed.
type DeleteMessageRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// ConversationSummary is one /list_conversations entry. LastMessage is
// omitted when the conversation holds no messages.
type ConversationSummary struct {
	Participant Profile  `json:"participant"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// ListConversationsResponse is the reply to /list_conversations.
type ListConversationsResponse struct {
	Response
	Conversations []ConversationSummary `json:"conversations"`
}

// GetConversationRequest is the payload of /get_conversation.
type GetConversationRequest struct {
	Recipient string `json:"recipient"`
}

// GetConversationResponse is the reply to /get_conversation.
type GetConversationResponse struct {
	Response
	Participants []Profile          `json:"participants"`
	Messages     []AnnotatedMessage `json:"messages"`
}

// NewMessageNotification is pushed to every live session of a
// message's participants. Conversation names the counterpart from the
// receiving participant's perspective.
type NewMessageNotification struct {
	Notify       string  `json:"notify"`
	Conversation string  `json:"conversation"`
	Message      Message `json:"message"`
}

// DeleteMessageNotification is pushed when a message is removed.
// Message carries the deleted message's id.
type DeleteMessageNotification struct {
	Notify       string `json:"notify"`
	Conversation string `json:"conversation"`
	Message      string `json:"message"`
}

// Notification kinds.
const (
	NotifyNewMessage    = "new_message"
	NotifyDeleteMessage = "delete_message"
)

// RegisterRequest is the body of POST /register. Password carries the
// client-side credential hash, stored verbatim.
type RegisterRequest struct {
	Name     string `json:"name"`
	Tag      string `json:"tag"`
	Password string `json:"password"`
}

// RegisterResponse is the body of the /register reply.
type RegisterResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
