package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pigeonhole-chat/pigeonhole/pkg/protocol"
)

// HandleWebSocket upgrades an HTTP request to a websocket connection
// and runs the frame loop for the resulting session
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("Websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	sess := s.sessions.CreateSession(conn)
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New connection from %s (session %d)", conn.RemoteAddr(), sess.ID)

	go s.readLoop(sess, conn)
}

// originAllowed checks a websocket Origin header against the configured
// origin list. Requests without an Origin header (non-browser clients)
// are always allowed.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// readLoop reads frames from the connection until it closes
func (s *Server) readLoop(sess *Session, conn *websocket.Conn) {
	defer func() {
		s.disconnectionsSinceReport.Add(1)
		s.sessions.RemoveSession(sess.ID)
		debugLog.Printf("Session %d: connection closed", sess.ID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		s.handleFrame(sess, raw)
	}
}

// handleFrame parses and dispatches a single inbound frame. Transport
// level failures get a literal text reply; everything else flows
// through the command handlers as JSON.
func (s *Server) handleFrame(sess *Session, raw []byte) {
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrMissingEnvelope) {
			s.sendRaw(sess, protocol.RawMalformedRequest)
		} else {
			s.sendRaw(sess, protocol.RawInvalidJSON)
		}
		return
	}

	debugLog.Printf("Session %d ← RECV: %s (%d bytes)", sess.ID, req.Request, len(raw))
	if s.metrics != nil {
		s.metrics.RecordFrameReceived(req.Request)
	}

	// Every command except login requires an authenticated session
	if req.Request != protocol.CmdLogin && !sess.Authenticated() {
		s.sendRaw(sess, protocol.RawUnauthorized)
		return
	}

	switch req.Request {
	case protocol.CmdLogin:
		s.handleLogin(sess, req.Data)
	case protocol.CmdChangeDisplayName:
		s.handleChangeDisplayName(sess, req.Data)
	case protocol.CmdChangeTag:
		s.handleChangeTag(sess, req.Data)
	case protocol.CmdUserExistByTag:
		s.handleUserExistByTag(sess, req.Data)
	case protocol.CmdSendMessage:
		s.handleSendMessage(sess, req.Data)
	case protocol.CmdDeleteMessage:
		s.handleDeleteMessage(sess, req.Data)
	case protocol.CmdListConversations:
		s.handleListConversations(sess, req.Data)
	case protocol.CmdGetConversation:
		s.handleGetConversation(sess, req.Data)
	default:
		s.sendRaw(sess, protocol.RawMalformedRequest)
	}
}

// sendRaw sends a literal text frame (transport-level error reply)
func (s *Server) sendRaw(sess *Session, text string) {
	if s.metrics != nil {
		s.metrics.RecordFrameSent("transport_error")
	}
	if !sess.SendText([]byte(text)) {
		s.sessions.RemoveSession(sess.ID)
	}
}
