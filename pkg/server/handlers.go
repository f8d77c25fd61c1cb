package server

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/pigeonhole-chat/pigeonhole/pkg/protocol"
	"github.com/pigeonhole-chat/pigeonhole/pkg/store"
)

// sendResponse marshals and enqueues a direct command response. A
// session that cannot accept the frame is removed.
func (s *Server) sendResponse(sess *Session, v interface{}) {
	if s.metrics != nil {
		s.metrics.RecordFrameSent("response")
	}
	if !sess.SendJSON(v) {
		debugLog.Printf("Session %d: outbound queue full, dropping session", sess.ID)
		s.sessions.RemoveSession(sess.ID)
	}
}

// fail sends a failed command response with the given error code
func (s *Server) fail(sess *Session, command, correlationID, errCode string) {
	if s.metrics != nil {
		s.metrics.RecordCommandError(command, errCode)
	}
	s.sendResponse(sess, protocol.Response{
		Concern: protocol.Concern(command, correlationID),
		Success: false,
		Error:   errCode,
	})
}

// caller resolves the account bound to an authenticated session. The
// binding can go stale when dev routes wipe the account collection.
func (s *Server) caller(sess *Session) (store.Account, bool) {
	acc, ok := s.store.AccountByID(sess.AccountID())
	return acc, ok
}

// wireMessage converts a stored message to its wire form, replacing
// the sender account ID with the sender's tag
func (s *Server) wireMessage(m store.Message) protocol.Message {
	senderTag := ""
	if acc, ok := s.store.AccountByID(m.Sender); ok {
		senderTag = acc.Tag
	}
	return protocol.Message{
		ID:     m.ID,
		Sender: senderTag,
		Text:   m.Text,
		SentAt: m.SentAt,
	}
}

// notify pushes a notification frame to the live session of an account,
// skipping the originating session
func (s *Server) notify(accountID string, origin *Session, kind string, frame interface{}) {
	target, ok := s.sessions.SessionFor(accountID)
	if !ok || target.ID == origin.ID {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordFrameSent("notification")
		s.metrics.RecordNotification(kind)
	}
	if !target.SendJSON(frame) {
		debugLog.Printf("Session %d: outbound queue full during fanout, dropping session", target.ID)
		s.sessions.RemoveSession(target.ID)
	}
}

// handleLogin authenticates a session against a stored account. A
// session that is already authenticated starts over: the previous
// binding does not survive a failed re-login.
func (s *Server) handleLogin(sess *Session, data json.RawMessage) {
	// Re-login starts from a clean slate: the previous binding is
	// dropped before any validation, so every failure path leaves the
	// session unauthenticated
	if sess.Authenticated() {
		s.sessions.Unbind(sess)
	}

	var req protocol.LoginRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Tag == "" || req.Password == "" {
		s.fail(sess, protocol.CmdLogin, "", protocol.ErrMissingFields)
		return
	}

	acc, ok := s.store.AccountByTag(req.Tag)
	if !ok {
		s.fail(sess, protocol.CmdLogin, "", protocol.ErrUserNotFound)
		return
	}

	if !validCredentialHash(req.Password) {
		s.fail(sess, protocol.CmdLogin, "", protocol.ErrMalformedHash)
		return
	}

	if !strings.EqualFold(req.Password, acc.PasswordHash) {
		s.fail(sess, protocol.CmdLogin, "", protocol.ErrWrongPassword)
		return
	}

	// One live session per account: evict any previous holder
	if evicted := s.sessions.Bind(sess, acc.ID); evicted != nil {
		debugLog.Printf("Session %d: evicted session %d for account %s", sess.ID, evicted.ID, acc.Tag)
	}

	s.sendResponse(sess, protocol.Response{
		Concern: protocol.Concern(protocol.CmdLogin, ""),
		Success: true,
	})
}

func (s *Server) handleChangeDisplayName(sess *Session, data json.RawMessage) {
	var req protocol.ChangeDisplayNameRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Name == "" {
		s.fail(sess, protocol.CmdChangeDisplayName, "", protocol.ErrMissingFields)
		return
	}

	if !validIdentCharset(req.Name) {
		s.fail(sess, protocol.CmdChangeDisplayName, "", protocol.ErrNoSpecialCharacters)
		return
	}

	if !s.config.validNameLength(req.Name) {
		s.fail(sess, protocol.CmdChangeDisplayName, "", protocol.ErrInvalidNameLength)
		return
	}

	if err := s.store.RenameAccount(sess.AccountID(), req.Name); err != nil {
		s.fail(sess, protocol.CmdChangeDisplayName, "", protocol.ErrUserNotFound)
		return
	}

	s.sendResponse(sess, protocol.Response{
		Concern: protocol.Concern(protocol.CmdChangeDisplayName, ""),
		Success: true,
	})
}

func (s *Server) handleChangeTag(sess *Session, data json.RawMessage) {
	var req protocol.ChangeTagRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Tag == "" {
		s.fail(sess, protocol.CmdChangeTag, "", protocol.ErrMissingFields)
		return
	}

	if other, ok := s.store.AccountByTag(req.Tag); ok && other.ID != sess.AccountID() {
		s.fail(sess, protocol.CmdChangeTag, "", protocol.ErrTagUsed)
		return
	}

	if !validIdentCharset(req.Tag) {
		s.fail(sess, protocol.CmdChangeTag, "", protocol.ErrNoSpecialCharacters)
		return
	}

	if !s.config.validTagLength(req.Tag) {
		s.fail(sess, protocol.CmdChangeTag, "", protocol.ErrInvalidTagLength)
		return
	}

	// The check above is advisory: this mutation re-checks uniqueness
	// under the store lock, so concurrent retags cannot both win
	if err := s.store.RetagAccount(sess.AccountID(), req.Tag); err != nil {
		if errors.Is(err, store.ErrTagTaken) {
			s.fail(sess, protocol.CmdChangeTag, "", protocol.ErrTagUsed)
		} else {
			s.fail(sess, protocol.CmdChangeTag, "", protocol.ErrUserNotFound)
		}
		return
	}

	s.sendResponse(sess, protocol.Response{
		Concern: protocol.Concern(protocol.CmdChangeTag, ""),
		Success: true,
	})
}

func (s *Server) handleUserExistByTag(sess *Session, data json.RawMessage) {
	var req protocol.UserExistByTagRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Tag == "" {
		s.fail(sess, protocol.CmdUserExistByTag, "", protocol.ErrMissingFields)
		return
	}

	if me, ok := s.caller(sess); ok && me.Tag == req.Tag {
		s.fail(sess, protocol.CmdUserExistByTag, "", protocol.ErrSelfNotAllowed)
		return
	}

	_, exists := s.store.AccountByTag(req.Tag)
	s.sendResponse(sess, protocol.UserExistByTagResponse{
		Response: protocol.Response{
			Concern: protocol.Concern(protocol.CmdUserExistByTag, ""),
			Success: true,
		},
		Exists: exists,
	})
}

func (s *Server) handleSendMessage(sess *Session, data json.RawMessage) {
	var req protocol.SendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Text == "" || req.UUID == "" || req.Recipient == "" {
		s.fail(sess, protocol.CmdSendMessage, req.UUID, protocol.ErrMissingFields)
		return
	}

	recipient, ok := s.store.AccountByTag(req.Recipient)
	if !ok {
		s.fail(sess, protocol.CmdSendMessage, req.UUID, protocol.ErrUserNotFound)
		return
	}

	if recipient.ID == sess.AccountID() {
		s.fail(sess, protocol.CmdSendMessage, req.UUID, protocol.ErrSelfNotAllowed)
		return
	}

	if !s.config.validMessageLength(req.Text) {
		s.fail(sess, protocol.CmdSendMessage, req.UUID, protocol.ErrMessageLengthExceeded)
		return
	}

	sender, ok := s.caller(sess)
	if !ok {
		s.fail(sess, protocol.CmdSendMessage, req.UUID, protocol.ErrUserNotFound)
		return
	}

	msg, err := s.store.AppendMessage(sender.ID, recipient.ID, req.Text)
	if err != nil {
		errorLog.Printf("Session %d: append message failed: %v", sess.ID, err)
		s.fail(sess, protocol.CmdSendMessage, req.UUID, protocol.ErrUserNotFound)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordMessageStored()
	}

	wireMsg := s.wireMessage(msg)

	// Fan out to both participants' live sessions, excluding the
	// originating one. Each frame names the counterpart from the
	// receiving participant's perspective.
	s.notify(recipient.ID, sess, protocol.NotifyNewMessage, protocol.NewMessageNotification{
		Notify:       protocol.NotifyNewMessage,
		Conversation: sender.Tag,
		Message:      wireMsg,
	})
	s.notify(sender.ID, sess, protocol.NotifyNewMessage, protocol.NewMessageNotification{
		Notify:       protocol.NotifyNewMessage,
		Conversation: recipient.Tag,
		Message:      wireMsg,
	})

	s.sendResponse(sess, protocol.SendMessageResponse{
		Response: protocol.Response{
			Concern: protocol.Concern(protocol.CmdSendMessage, req.UUID),
			Success: true,
		},
		Message: &wireMsg,
	})
}

func (s *Server) handleDeleteMessage(sess *Session, data json.RawMessage) {
	var req protocol.DeleteMessageRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Recipient == "" || req.Message == "" {
		s.fail(sess, protocol.CmdDeleteMessage, req.Message, protocol.ErrMissingFields)
		return
	}

	counterpart, ok := s.store.AccountByTag(req.Recipient)
	if !ok {
		s.fail(sess, protocol.CmdDeleteMessage, req.Message, protocol.ErrUserNotFound)
		return
	}

	me, ok := s.caller(sess)
	if !ok {
		s.fail(sess, protocol.CmdDeleteMessage, req.Message, protocol.ErrUserNotFound)
		return
	}

	if err := s.store.DeleteMessage(me.ID, counterpart.ID, req.Message); err != nil {
		switch {
		case errors.Is(err, store.ErrConversationNotFound):
			s.fail(sess, protocol.CmdDeleteMessage, req.Message, protocol.ErrConversationNotFound)
		case errors.Is(err, store.ErrMessageNotFound):
			s.fail(sess, protocol.CmdDeleteMessage, req.Message, protocol.ErrMessageNotFound)
		default:
			errorLog.Printf("Session %d: delete message failed: %v", sess.ID, err)
			s.fail(sess, protocol.CmdDeleteMessage, req.Message, protocol.ErrMessageNotFound)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.RecordMessageDeleted()
	}

	s.notify(counterpart.ID, sess, protocol.NotifyDeleteMessage, protocol.DeleteMessageNotification{
		Notify:       protocol.NotifyDeleteMessage,
		Conversation: me.Tag,
		Message:      req.Message,
	})
	s.notify(me.ID, sess, protocol.NotifyDeleteMessage, protocol.DeleteMessageNotification{
		Notify:       protocol.NotifyDeleteMessage,
		Conversation: counterpart.Tag,
		Message:      req.Message,
	})

	s.sendResponse(sess, protocol.Response{
		Concern: protocol.Concern(protocol.CmdDeleteMessage, req.Message),
		Success: true,
	})
}

func (s *Server) handleListConversations(sess *Session, data json.RawMessage) {
	entries := s.store.ConversationsFor(sess.AccountID())

	conversations := make([]protocol.ConversationSummary, 0, len(entries))
	for _, entry := range entries {
		counterpart, ok := s.store.AccountByID(entry.Counterpart)
		if !ok {
			continue
		}
		summary := protocol.ConversationSummary{
			Participant: protocol.Profile{Name: counterpart.Name, Tag: counterpart.Tag},
		}
		if entry.LastMessage != nil {
			last := s.wireMessage(*entry.LastMessage)
			summary.LastMessage = &last
		}
		conversations = append(conversations, summary)
	}

	s.sendResponse(sess, protocol.ListConversationsResponse{
		Response: protocol.Response{
			Concern: protocol.Concern(protocol.CmdListConversations, ""),
			Success: true,
		},
		Conversations: conversations,
	})
}

func (s *Server) handleGetConversation(sess *Session, data json.RawMessage) {
	var req protocol.GetConversationRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Recipient == "" {
		s.fail(sess, protocol.CmdGetConversation, "", protocol.ErrMissingFields)
		return
	}

	counterpart, ok := s.store.AccountByTag(req.Recipient)
	if !ok {
		s.fail(sess, protocol.CmdGetConversation, "", protocol.ErrUserNotFound)
		return
	}

	detail, ok := s.store.ConversationBetween(sess.AccountID(), counterpart.ID)
	if !ok {
		s.fail(sess, protocol.CmdGetConversation, "", protocol.ErrConversationNotFound)
		return
	}

	participants := make([]protocol.Profile, 0, len(detail.Participants))
	for _, id := range detail.Participants {
		if acc, ok := s.store.AccountByID(id); ok {
			participants = append(participants, protocol.Profile{Name: acc.Name, Tag: acc.Tag})
		}
	}

	messages := make([]protocol.AnnotatedMessage, 0, len(detail.Messages))
	for _, msg := range detail.Messages {
		annotated := protocol.AnnotatedMessage{
			ID:     msg.ID,
			Text:   msg.Text,
			SentAt: msg.SentAt,
		}
		if acc, ok := s.store.AccountByID(msg.Sender); ok {
			annotated.Sender = protocol.Profile{Name: acc.Name, Tag: acc.Tag}
		}
		messages = append(messages, annotated)
	}

	s.sendResponse(sess, protocol.GetConversationResponse{
		Response: protocol.Response{
			Concern: protocol.Concern(protocol.CmdGetConversation, ""),
			Success: true,
		},
		Participants: participants,
		Messages:     messages,
	})
}
