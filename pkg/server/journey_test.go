package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pigeonhole-chat/pigeonhole/pkg/protocol"
	"github.com/pigeonhole-chat/pigeonhole/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHashAlice = "a665a45920422f9d417e4867efdc4fb8a04a1f3fff1fa07e998e86f7f7a27ae3"
	testHashBob   = "b3a8e0e1f9ab1bfe3a36f231f676f78bb30a519d2b21e6c530c0eee8ebb4a5d0"
)

// newTestServer builds a server around an in-memory store and mounts
// its public router on an httptest server. No real ports, no log files.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	st, err := store.New(db, 0)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.EnableDevRoutes = true

	srv := &Server{
		store:     st,
		sessions:  NewSessionManager(cfg.OutboundQueueSize),
		config:    cfg,
		shutdown:  make(chan struct{}),
		metrics:   NewMetrics(),
		startTime: time.Now(),
	}
	srv.sessions.SetMetrics(srv.metrics)

	ts := httptest.NewServer(srv.router())
	t.Cleanup(func() {
		ts.Close()
		srv.sessions.CloseAll()
		require.NoError(t, st.Close())
		require.NoError(t, db.Close())
	})

	return srv, ts
}

// registerAccount creates an account through the real /register endpoint
func registerAccount(t *testing.T, ts *httptest.Server, name, tag, hash string) {
	t.Helper()
	resp := postRegister(t, ts, protocol.RegisterRequest{Name: name, Tag: tag, Password: hash})
	require.Equal(t, http.StatusOK, resp.StatusCode, "register %q", tag)
	resp.Body.Close()
}

func postRegister(t *testing.T, ts *httptest.Server, req protocol.RegisterRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

// wsClient is a minimal websocket test client speaking the JSON frame
// protocol
type wsClient struct {
	conn *websocket.Conn
}

func dialWS(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, request string, data interface{}) {
	t.Helper()
	frame := map[string]interface{}{"request": request, "data": data}
	require.NoError(t, c.conn.WriteJSON(frame))
}

func (c *wsClient) sendRaw(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// readFrame returns the next text frame within the timeout
func (c *wsClient) readFrame(t *testing.T, timeout time.Duration) []byte {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.conn.ReadMessage()
	c.conn.SetReadDeadline(time.Time{})
	require.NoError(t, err, "reading websocket frame")
	return raw
}

// expectJSON reads the next frame and decodes it as a JSON object
func (c *wsClient) expectJSON(t *testing.T, timeout time.Duration) map[string]interface{} {
	t.Helper()
	raw := c.readFrame(t, timeout)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded), "frame was not JSON: %s", raw)
	return decoded
}

// expectResponse reads the next JSON frame and asserts its concern
func (c *wsClient) expectResponse(t *testing.T, concern string) map[string]interface{} {
	t.Helper()
	frame := c.expectJSON(t, 2*time.Second)
	require.Equal(t, concern, frame["concern"], "frame: %v", frame)
	return frame
}

func (c *wsClient) login(t *testing.T, tag, hash string) {
	t.Helper()
	c.send(t, protocol.CmdLogin, protocol.LoginRequest{Tag: tag, Password: hash})
	frame := c.expectResponse(t, "login")
	require.Equal(t, true, frame["success"], "login as %q: %v", tag, frame)
}

func TestJourneyRegisterLoginConverse(t *testing.T) {
	_, ts := newTestServer(t)

	registerAccount(t, ts, "Alice", "alice", testHashAlice)
	registerAccount(t, ts, "Bob", "bob", testHashBob)

	alice := dialWS(t, ts)
	bob := dialWS(t, ts)
	alice.login(t, "alice", testHashAlice)
	bob.login(t, "bob", testHashBob)

	// Alice sends Bob a message
	alice.send(t, protocol.CmdSendMessage, protocol.SendMessageRequest{
		Text:      "hello bob",
		UUID:      "corr-1",
		Recipient: "bob",
	})

	// Alice gets a correlated confirmation with the stored message
	resp := alice.expectResponse(t, "send_message:corr-1")
	require.Equal(t, true, resp["success"])
	sentMsg := resp["message"].(map[string]interface{})
	assert.Equal(t, "hello bob", sentMsg["text"])
	assert.Equal(t, "alice", sentMsg["sender"])
	messageID := sentMsg["id"].(string)
	require.NotEmpty(t, messageID)

	// Bob gets a live notification addressed from his perspective
	notif := bob.expectJSON(t, 2*time.Second)
	assert.Equal(t, "new_message", notif["notify"])
	assert.Equal(t, "alice", notif["conversation"])
	notifMsg := notif["message"].(map[string]interface{})
	assert.Equal(t, messageID, notifMsg["id"])
	assert.Equal(t, "hello bob", notifMsg["text"])

	// Bob's conversation listing shows Alice with the last message
	bob.send(t, protocol.CmdListConversations, map[string]interface{}{})
	listing := bob.expectResponse(t, "list_conversations")
	require.Equal(t, true, listing["success"])
	conversations := listing["conversations"].([]interface{})
	require.Len(t, conversations, 1)
	entry := conversations[0].(map[string]interface{})
	participant := entry["participant"].(map[string]interface{})
	assert.Equal(t, "alice", participant["tag"])
	assert.Equal(t, "Alice", participant["name"])
	lastMsg := entry["lastMessage"].(map[string]interface{})
	assert.Equal(t, messageID, lastMsg["id"])

	// Full conversation fetch annotates messages with sender profiles
	bob.send(t, protocol.CmdGetConversation, protocol.GetConversationRequest{Recipient: "alice"})
	conv := bob.expectResponse(t, "get_conversation")
	require.Equal(t, true, conv["success"])
	messages := conv["messages"].([]interface{})
	require.Len(t, messages, 1)
	annotated := messages[0].(map[string]interface{})
	sender := annotated["sender"].(map[string]interface{})
	assert.Equal(t, "alice", sender["tag"])
	assert.Equal(t, "Alice", sender["name"])

	// Alice deletes the message; Bob is told live
	alice.send(t, protocol.CmdDeleteMessage, protocol.DeleteMessageRequest{
		Recipient: "bob",
		Message:   messageID,
	})
	delResp := alice.expectResponse(t, "delete_message:"+messageID)
	require.Equal(t, true, delResp["success"])

	delNotif := bob.expectJSON(t, 2*time.Second)
	assert.Equal(t, "delete_message", delNotif["notify"])
	assert.Equal(t, "alice", delNotif["conversation"])
	assert.Equal(t, messageID, delNotif["message"])

	// The conversation survives empty
	bob.send(t, protocol.CmdGetConversation, protocol.GetConversationRequest{Recipient: "alice"})
	conv = bob.expectResponse(t, "get_conversation")
	require.Equal(t, true, conv["success"])
	assert.Empty(t, conv["messages"])
}

func TestJourneyTransportErrors(t *testing.T) {
	_, ts := newTestServer(t)
	registerAccount(t, ts, "Alice", "alice", testHashAlice)

	client := dialWS(t, ts)

	// Broken JSON gets the literal invalid_json reply
	client.sendRaw(t, `{definitely not json`)
	assert.Equal(t, "invalid_json", string(client.readFrame(t, 2*time.Second)))

	// Valid JSON without the envelope fields is malformed_request
	client.sendRaw(t, `{"foo": 1}`)
	assert.Equal(t, "malformed_request", string(client.readFrame(t, 2*time.Second)))

	// Unknown commands are malformed too, but only once authenticated
	client.send(t, protocol.CmdListConversations, map[string]interface{}{})
	assert.Equal(t, "unauthorized", string(client.readFrame(t, 2*time.Second)))

	client.login(t, "alice", testHashAlice)
	client.send(t, "/definitely_not_a_command", map[string]interface{}{})
	assert.Equal(t, "malformed_request", string(client.readFrame(t, 2*time.Second)))
}

func TestJourneyLoginValidationOrder(t *testing.T) {
	_, ts := newTestServer(t)
	registerAccount(t, ts, "Alice", "alice", testHashAlice)

	client := dialWS(t, ts)

	client.send(t, protocol.CmdLogin, protocol.LoginRequest{Tag: "alice"})
	frame := client.expectResponse(t, "login")
	assert.Equal(t, "missing_fields", frame["error"])

	// Unknown user wins over a malformed hash
	client.send(t, protocol.CmdLogin, protocol.LoginRequest{Tag: "nobody", Password: "zzz"})
	frame = client.expectResponse(t, "login")
	assert.Equal(t, "user_not_found", frame["error"])

	client.send(t, protocol.CmdLogin, protocol.LoginRequest{Tag: "alice", Password: "not-a-hash"})
	frame = client.expectResponse(t, "login")
	assert.Equal(t, "malformed_hash", frame["error"])

	client.send(t, protocol.CmdLogin, protocol.LoginRequest{Tag: "alice", Password: testHashBob})
	frame = client.expectResponse(t, "login")
	assert.Equal(t, "wrong_password", frame["error"])

	// Hash comparison is case-insensitive
	client.send(t, protocol.CmdLogin, protocol.LoginRequest{Tag: "alice", Password: strings.ToUpper(testHashAlice)})
	frame = client.expectResponse(t, "login")
	assert.Equal(t, true, frame["success"])
}

func TestJourneyFailedReloginDeauthorizes(t *testing.T) {
	_, ts := newTestServer(t)
	registerAccount(t, ts, "Alice", "alice", testHashAlice)

	client := dialWS(t, ts)
	client.login(t, "alice", testHashAlice)

	// A re-login attempt drops the old binding before any validation,
	// even when the request fails the field check
	client.send(t, protocol.CmdLogin, protocol.LoginRequest{Tag: "alice"})
	frame := client.expectResponse(t, "login")
	assert.Equal(t, "missing_fields", frame["error"])

	client.send(t, protocol.CmdListConversations, map[string]interface{}{})
	assert.Equal(t, "unauthorized", string(client.readFrame(t, 2*time.Second)))

	// The session can authenticate again from scratch
	client.login(t, "alice", testHashAlice)
	client.send(t, protocol.CmdListConversations, map[string]interface{}{})
	frame = client.expectResponse(t, "list_conversations")
	assert.Equal(t, true, frame["success"])
}

func TestJourneySingleSessionEviction(t *testing.T) {
	_, ts := newTestServer(t)
	registerAccount(t, ts, "Alice", "alice", testHashAlice)
	registerAccount(t, ts, "Bob", "bob", testHashBob)

	first := dialWS(t, ts)
	first.login(t, "alice", testHashAlice)

	second := dialWS(t, ts)
	second.login(t, "alice", testHashAlice)

	// The first connection is force-closed by the new login
	first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.conn.ReadMessage()
	require.Error(t, err, "evicted session should be disconnected")

	// The second connection works normally
	second.send(t, protocol.CmdUserExistByTag, protocol.UserExistByTagRequest{Tag: "bob"})
	frame := second.expectResponse(t, "user_exist_by_tag")
	assert.Equal(t, true, frame["success"])
	assert.Equal(t, true, frame["exists"])
}

func TestJourneyProfileCommands(t *testing.T) {
	_, ts := newTestServer(t)
	registerAccount(t, ts, "Alice", "alice", testHashAlice)
	registerAccount(t, ts, "Bob", "bob", testHashBob)

	client := dialWS(t, ts)
	client.login(t, "alice", testHashAlice)

	t.Run("change display name", func(t *testing.T) {
		client.send(t, protocol.CmdChangeDisplayName, protocol.ChangeDisplayNameRequest{Name: "Alice In Chains"})
		frame := client.expectResponse(t, "change_display_name")
		assert.Equal(t, "no_special_characters", frame["error"])

		client.send(t, protocol.CmdChangeDisplayName, protocol.ChangeDisplayNameRequest{Name: "Al"})
		frame = client.expectResponse(t, "change_display_name")
		assert.Equal(t, "invalid_name_length", frame["error"])

		client.send(t, protocol.CmdChangeDisplayName, protocol.ChangeDisplayNameRequest{Name: "Alicia"})
		frame = client.expectResponse(t, "change_display_name")
		assert.Equal(t, true, frame["success"])
	})

	t.Run("change tag collision wins over charset", func(t *testing.T) {
		client.send(t, protocol.CmdChangeTag, protocol.ChangeTagRequest{Tag: "bob"})
		frame := client.expectResponse(t, "change_tag")
		assert.Equal(t, "tag_used", frame["error"])

		client.send(t, protocol.CmdChangeTag, protocol.ChangeTagRequest{Tag: "new tag"})
		frame = client.expectResponse(t, "change_tag")
		assert.Equal(t, "no_special_characters", frame["error"])

		client.send(t, protocol.CmdChangeTag, protocol.ChangeTagRequest{Tag: "ab"})
		frame = client.expectResponse(t, "change_tag")
		assert.Equal(t, "invalid_tag_length", frame["error"])

		client.send(t, protocol.CmdChangeTag, protocol.ChangeTagRequest{Tag: "alice2"})
		frame = client.expectResponse(t, "change_tag")
		assert.Equal(t, true, frame["success"])
	})

	t.Run("own tag lookup is rejected", func(t *testing.T) {
		client.send(t, protocol.CmdUserExistByTag, protocol.UserExistByTagRequest{Tag: "alice2"})
		frame := client.expectResponse(t, "user_exist_by_tag")
		assert.Equal(t, "self_not_allowed", frame["error"])

		client.send(t, protocol.CmdUserExistByTag, protocol.UserExistByTagRequest{Tag: "ghost"})
		frame = client.expectResponse(t, "user_exist_by_tag")
		assert.Equal(t, true, frame["success"])
		assert.Equal(t, false, frame["exists"])
	})
}

func TestJourneySendMessageValidation(t *testing.T) {
	_, ts := newTestServer(t)
	registerAccount(t, ts, "Alice", "alice", testHashAlice)
	registerAccount(t, ts, "Bob", "bob", testHashBob)

	client := dialWS(t, ts)
	client.login(t, "alice", testHashAlice)

	client.send(t, protocol.CmdSendMessage, protocol.SendMessageRequest{UUID: "c1", Recipient: "bob"})
	frame := client.expectResponse(t, "send_message:c1")
	assert.Equal(t, "missing_fields", frame["error"])

	client.send(t, protocol.CmdSendMessage, protocol.SendMessageRequest{Text: "hi", UUID: "c2", Recipient: "ghost"})
	frame = client.expectResponse(t, "send_message:c2")
	assert.Equal(t, "user_not_found", frame["error"])

	client.send(t, protocol.CmdSendMessage, protocol.SendMessageRequest{Text: "hi", UUID: "c3", Recipient: "alice"})
	frame = client.expectResponse(t, "send_message:c3")
	assert.Equal(t, "self_not_allowed", frame["error"])

	client.send(t, protocol.CmdSendMessage, protocol.SendMessageRequest{
		Text:      strings.Repeat("x", 2501),
		UUID:      "c4",
		Recipient: "bob",
	})
	frame = client.expectResponse(t, "send_message:c4")
	assert.Equal(t, "message_length_exceeded", frame["error"])
}

func TestJourneyDeleteMessageValidation(t *testing.T) {
	_, ts := newTestServer(t)
	registerAccount(t, ts, "Alice", "alice", testHashAlice)
	registerAccount(t, ts, "Bob", "bob", testHashBob)
	registerAccount(t, ts, "Carol", "carol", testHashAlice)

	client := dialWS(t, ts)
	client.login(t, "alice", testHashAlice)

	client.send(t, protocol.CmdDeleteMessage, protocol.DeleteMessageRequest{Recipient: "ghost", Message: "m1"})
	frame := client.expectResponse(t, "delete_message:m1")
	assert.Equal(t, "user_not_found", frame["error"])

	// No conversation with carol exists yet
	client.send(t, protocol.CmdDeleteMessage, protocol.DeleteMessageRequest{Recipient: "carol", Message: "m1"})
	frame = client.expectResponse(t, "delete_message:m1")
	assert.Equal(t, "conversation_not_found", frame["error"])

	// Start a conversation, then try to delete a nonexistent message
	client.send(t, protocol.CmdSendMessage, protocol.SendMessageRequest{Text: "hi", UUID: "c1", Recipient: "carol"})
	client.expectResponse(t, "send_message:c1")

	client.send(t, protocol.CmdDeleteMessage, protocol.DeleteMessageRequest{Recipient: "carol", Message: "no-such-id"})
	frame = client.expectResponse(t, "delete_message:no-such-id")
	assert.Equal(t, "message_not_found", frame["error"])
}

func TestJourneyGetConversationErrors(t *testing.T) {
	_, ts := newTestServer(t)
	registerAccount(t, ts, "Alice", "alice", testHashAlice)
	registerAccount(t, ts, "Bob", "bob", testHashBob)

	client := dialWS(t, ts)
	client.login(t, "alice", testHashAlice)

	client.send(t, protocol.CmdGetConversation, protocol.GetConversationRequest{Recipient: "ghost"})
	frame := client.expectResponse(t, "get_conversation")
	assert.Equal(t, "user_not_found", frame["error"])

	client.send(t, protocol.CmdGetConversation, protocol.GetConversationRequest{Recipient: "bob"})
	frame = client.expectResponse(t, "get_conversation")
	assert.Equal(t, "conversation_not_found", frame["error"])
}

func TestRegisterEndpointValidation(t *testing.T) {
	_, ts := newTestServer(t)
	registerAccount(t, ts, "Alice", "alice", testHashAlice)

	cases := []struct {
		name       string
		req        protocol.RegisterRequest
		wantStatus int
		wantError  string
	}{
		{"missing fields", protocol.RegisterRequest{Name: "Bob"}, http.StatusBadRequest, "missing_fields"},
		{"duplicate tag", protocol.RegisterRequest{Name: "Bob", Tag: "alice", Password: testHashBob}, http.StatusConflict, "tag_used"},
		{"tag charset", protocol.RegisterRequest{Name: "Bob", Tag: "bad tag", Password: testHashBob}, http.StatusBadRequest, "no_special_characters"},
		{"name charset", protocol.RegisterRequest{Name: "Bad Name!", Tag: "bob", Password: testHashBob}, http.StatusBadRequest, "no_special_characters"},
		{"tag too short", protocol.RegisterRequest{Name: "Bob", Tag: "bo", Password: testHashBob}, http.StatusBadRequest, "invalid_tag_length"},
		{"name too long", protocol.RegisterRequest{Name: strings.Repeat("b", 25), Tag: "bob", Password: testHashBob}, http.StatusBadRequest, "invalid_name_length"},
		{"malformed hash", protocol.RegisterRequest{Name: "Bob", Tag: "bob", Password: "hunter2"}, http.StatusBadRequest, "malformed_hash"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postRegister(t, ts, tc.req)
			defer resp.Body.Close()
			require.Equal(t, tc.wantStatus, resp.StatusCode)

			var body protocol.RegisterResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.False(t, body.Success)
			assert.Equal(t, tc.wantError, body.Error)
		})
	}

	t.Run("successful registration can log in", func(t *testing.T) {
		registerAccount(t, ts, "Bob", "bob", testHashBob)
		client := dialWS(t, ts)
		client.login(t, "bob", testHashBob)
	})

	t.Run("non-POST is rejected", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/register")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestDevRoutes(t *testing.T) {
	srv, ts := newTestServer(t)
	registerAccount(t, ts, "Alice", "alice", testHashAlice)
	registerAccount(t, ts, "Bob", "bob", testHashBob)

	client := dialWS(t, ts)
	client.login(t, "alice", testHashAlice)
	client.send(t, protocol.CmdSendMessage, protocol.SendMessageRequest{Text: "hi", UUID: "c1", Recipient: "bob"})
	client.expectResponse(t, "send_message:c1")

	require.Equal(t, 1, srv.store.ConversationCount())

	resp, err := http.Post(ts.URL+"/clear_conversations", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, srv.store.ConversationCount())

	resp, err = http.Post(ts.URL+"/clear_users", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, srv.store.AccountCount())

	// Wiping accounts closes sessions whose bindings now point at
	// nothing, so the logged-in client gets disconnected
	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.conn.ReadMessage()
	require.Error(t, err, "session bound to a wiped account should be closed")
	assert.Equal(t, 0, srv.sessions.CountOnline())
}

func TestAvatarRoute(t *testing.T) {
	srv, ts := newTestServer(t)

	// Point the avatar path at a real file
	dir := t.TempDir()
	avatar := dir + "/square.png"
	require.NoError(t, os.WriteFile(avatar, []byte("\x89PNG fake"), 0644))
	srv.config.AvatarPath = avatar

	resp, err := http.Get(fmt.Sprintf("%s/avatar/%s", ts.URL, "alice"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
