package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const sessionWriteTimeout = 10 * time.Second

// Session represents an active websocket connection
type Session struct {
	ID         uint64
	RemoteAddr string

	conn     *websocket.Conn
	outbound chan preparedFrame
	closed   chan struct{}
	closeOne sync.Once

	mu        sync.RWMutex
	accountID string // empty until the session authenticates
}

// preparedFrame is a single queued outbound websocket message
type preparedFrame struct {
	messageType int
	data        []byte
}

// AccountID returns the account bound to this session, or "" if unauthenticated
func (s *Session) AccountID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountID
}

// Authenticated reports whether the session has completed a login
func (s *Session) Authenticated() bool {
	return s.AccountID() != ""
}

func (s *Session) setAccountID(id string) {
	s.mu.Lock()
	s.accountID = id
	s.mu.Unlock()
}

// SendText enqueues a raw text frame. Returns false if the session's
// outbound queue is full or the session is closed; callers treat a false
// return as a dead session.
func (s *Session) SendText(data []byte) bool {
	return s.enqueue(preparedFrame{messageType: websocket.TextMessage, data: data})
}

// SendJSON marshals v and enqueues it as a text frame
func (s *Session) SendJSON(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		errorLog.Printf("Session %d: failed to marshal outbound frame: %v", s.ID, err)
		return false
	}
	return s.SendText(data)
}

func (s *Session) enqueue(frame preparedFrame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.outbound <- frame:
		return true
	default:
		// Queue full: the client is not draining its socket
		return false
	}
}

// writePump serializes all writes to the websocket connection.
// It exits when the session is closed, then sends a close frame.
func (s *Session) writePump() {
	defer s.conn.Close()

	for {
		select {
		case frame := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
			if err := s.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				debugLog.Printf("Session %d: write error: %v", s.ID, err)
				return
			}
		case <-s.closed:
			// Drain anything already queued before closing
			for {
				select {
				case frame := <-s.outbound:
					s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
					if err := s.conn.WriteMessage(frame.messageType, frame.data); err != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
					s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// Close marks the session closed and wakes the write pump
func (s *Session) Close() {
	s.closeOne.Do(func() {
		close(s.closed)
	})
}

// SessionManager manages all active sessions
type SessionManager struct {
	mu        sync.RWMutex
	sessions  map[uint64]*Session
	byAccount map[string]*Session
	nextID    uint64
	queueSize int
	metrics   *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager(outboundQueueSize int) *SessionManager {
	if outboundQueueSize <= 0 {
		outboundQueueSize = 64
	}
	return &SessionManager{
		sessions:  make(map[uint64]*Session),
		byAccount: make(map[string]*Session),
		nextID:    1,
		queueSize: outboundQueueSize,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unauthenticated session for conn and
// starts its write pump
func (sm *SessionManager) CreateSession(conn *websocket.Conn) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		RemoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		outbound:   make(chan preparedFrame, sm.queueSize),
		closed:     make(chan struct{}),
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	go sess.writePump()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated()
	}

	return sess
}

// Bind associates a session with an account. An account holds at most one
// live session: if another session is already bound to the account it is
// returned so the caller can disconnect it.
func (sm *SessionManager) Bind(sess *Session, accountID string) (evicted *Session) {
	sm.mu.Lock()
	if prev, ok := sm.byAccount[accountID]; ok && prev.ID != sess.ID {
		evicted = prev
	}
	// Drop any previous binding this session held
	if old := sess.AccountID(); old != "" && sm.byAccount[old] == sess {
		delete(sm.byAccount, old)
	}
	sm.byAccount[accountID] = sess
	sm.mu.Unlock()

	sess.setAccountID(accountID)

	if evicted != nil {
		evicted.Close()
	}
	return evicted
}

// Unbind detaches a session from its account without closing it
func (sm *SessionManager) Unbind(sess *Session) {
	sm.mu.Lock()
	if acc := sess.AccountID(); acc != "" && sm.byAccount[acc] == sess {
		delete(sm.byAccount, acc)
	}
	sm.mu.Unlock()

	sess.setAccountID("")
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// SessionFor returns the live session bound to an account, if any
func (sm *SessionManager) SessionFor(accountID string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.byAccount[accountID]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession removes a session and closes its connection
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	if acc := sess.AccountID(); acc != "" && sm.byAccount[acc] == sess {
		delete(sm.byAccount, acc)
	}
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionDisconnected()
	}

	sess.Close()
}

// CountOnline returns the number of currently connected sessions
func (sm *SessionManager) CountOnline() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// CloseAll closes all sessions
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	closed := len(sm.sessions)
	for _, sess := range sm.sessions {
		sess.Close()
	}
	sm.sessions = make(map[uint64]*Session)
	sm.byAccount = make(map[string]*Session)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(0)
		for i := 0; i < closed; i++ {
			sm.metrics.RecordSessionDisconnected()
		}
	}
}
