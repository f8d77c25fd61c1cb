package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/pigeonhole-chat/pigeonhole/pkg/protocol"
	"github.com/pigeonhole-chat/pigeonhole/pkg/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		errorLog.Printf("Failed to write JSON response: %v", err)
	}
}

func registerFailure(w http.ResponseWriter, status int, errCode string) {
	writeJSON(w, status, protocol.RegisterResponse{Success: false, Error: errCode})
}

// RegisterHandler creates a new account from a JSON body of
// {name, tag, password}. Password carries the client-side credential
// hash; the server never sees a plaintext password.
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		// Preflight; headers are set by the CORS middleware
		w.WriteHeader(http.StatusOK)
		return
	}

	var req protocol.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Tag == "" || req.Password == "" {
		registerFailure(w, http.StatusBadRequest, protocol.ErrMissingFields)
		return
	}

	if _, taken := s.store.AccountByTag(req.Tag); taken {
		registerFailure(w, http.StatusConflict, protocol.ErrTagUsed)
		return
	}

	if !validIdentCharset(req.Tag) || !validIdentCharset(req.Name) {
		registerFailure(w, http.StatusBadRequest, protocol.ErrNoSpecialCharacters)
		return
	}

	if !s.config.validTagLength(req.Tag) {
		registerFailure(w, http.StatusBadRequest, protocol.ErrInvalidTagLength)
		return
	}

	if !s.config.validNameLength(req.Name) {
		registerFailure(w, http.StatusBadRequest, protocol.ErrInvalidNameLength)
		return
	}

	if !validCredentialHash(req.Password) {
		registerFailure(w, http.StatusBadRequest, protocol.ErrMalformedHash)
		return
	}

	if _, err := s.store.CreateAccount(req.Name, req.Tag, req.Password); err != nil {
		if errors.Is(err, store.ErrTagTaken) {
			// Lost a race with a concurrent registration
			registerFailure(w, http.StatusConflict, protocol.ErrTagUsed)
			return
		}
		errorLog.Printf("Failed to create account %q: %v", req.Tag, err)
		registerFailure(w, http.StatusInternalServerError, protocol.ErrMissingFields)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordAccountRegistered()
	}
	debugLog.Printf("Registered account %q", req.Tag)

	writeJSON(w, http.StatusOK, protocol.RegisterResponse{Success: true})
}

// AvatarHandler serves the configured avatar image. Every account gets
// the same image; the tag in the path only exists so clients can use
// stable per-user URLs.
func (s *Server) AvatarHandler(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, s.config.AvatarPath)
}

// ClearUsersHandler wipes the account collection and closes every
// authenticated session, since their account bindings no longer point
// at anything. Dev route, only mounted when enable_dev_routes is set.
func (s *Server) ClearUsersHandler(w http.ResponseWriter, r *http.Request) {
	s.store.ClearAccounts()
	for _, sess := range s.sessions.GetAllSessions() {
		if sess.Authenticated() {
			s.sessions.RemoveSession(sess.ID)
		}
	}
	log.Printf("Dev route: cleared all accounts")
	writeJSON(w, http.StatusOK, protocol.RegisterResponse{Success: true})
}

// ClearConversationsHandler wipes the conversation collection. Dev
// route, only mounted when enable_dev_routes is set.
func (s *Server) ClearConversationsHandler(w http.ResponseWriter, r *http.Request) {
	s.store.ClearConversations()
	log.Printf("Dev route: cleared all conversations")
	writeJSON(w, http.StatusOK, protocol.RegisterResponse{Success: true})
}
