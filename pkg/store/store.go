// Package store holds the live account and conversation collections
// behind a single coordinating lock, with periodic SQLite snapshots.
// Handlers never iterate the raw collections; every operation they need
// is a method here, and each method is atomic with respect to the rest.
package store

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTagTaken indicates another account already holds the tag.
	ErrTagTaken = errors.New("tag already in use")
	// ErrAccountNotFound indicates no account matches the lookup.
	ErrAccountNotFound = errors.New("account not found")
	// ErrConversationNotFound indicates no conversation exists for the pair.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound indicates the message id is not in the conversation.
	ErrMessageNotFound = errors.New("message not found")
)

// Account is a registered user. ID is the opaque identity token used as
// the participant reference in conversations; it never changes, while
// Tag and Name may be mutated in place.
type Account struct {
	ID           string
	Tag          string
	Name         string
	PasswordHash string
}

// Message is one entry of a conversation. Sender is an account ID.
type Message struct {
	ID     string
	Sender string
	Text   string
	SentAt int64 // Unix timestamp in milliseconds
}

// conversation is the internal thread representation. Messages are kept
// in insertion order; deletion is the only non-append mutation.
type conversation struct {
	pairKey      string
	participants [2]string
	messages     []*Message
}

// ConversationEntry is one element of a participant's conversation
// listing. LastMessage is nil when the conversation holds no messages.
type ConversationEntry struct {
	Counterpart string // counterpart account ID
	LastMessage *Message
}

// ConversationDetail is the full snapshot of a single conversation.
type ConversationDetail struct {
	Participants [2]string
	Messages     []Message
}

// Store is the in-memory mirror of all accounts and conversations.
type Store struct {
	mu sync.RWMutex

	accounts      map[string]*Account // identity id -> account
	accountsByTag map[string]*Account // tag -> account

	conversations map[string]*conversation // pair key -> conversation
	convOrder     []string                 // pair keys in creation order

	// Dirty flag for snapshot skipping; set by every mutation
	dirty bool

	db               *DB
	snapshotInterval time.Duration
	shutdown         chan struct{}
	wg               sync.WaitGroup
}

// New creates a store backed by the given snapshot database, loads the
// persisted state, and starts the background snapshot loop. A zero
// interval disables periodic snapshots (a final one still runs on
// Close).
func New(db *DB, snapshotInterval time.Duration) (*Store, error) {
	s := &Store{
		accounts:         make(map[string]*Account),
		accountsByTag:    make(map[string]*Account),
		conversations:    make(map[string]*conversation),
		db:               db,
		snapshotInterval: snapshotInterval,
		shutdown:         make(chan struct{}),
	}

	if err := s.loadFromSQLite(); err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if snapshotInterval > 0 {
		s.wg.Add(1)
		go s.snapshotLoop()
	}

	log.Printf("store: initialized with %d accounts, %d conversations",
		len(s.accounts), len(s.conversations))

	return s, nil
}

// Close stops the snapshot loop and writes a final snapshot.
func (s *Store) Close() error {
	close(s.shutdown)
	s.wg.Wait()
	return s.snapshot()
}

// PairKey returns the canonical key for an unordered participant pair,
// so A→B and B→A resolve to the same conversation.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// CreateAccount registers a new account with a fresh identity id. The
// uniqueness check and the insertion are one critical section.
func (s *Store) CreateAccount(name, tag, passwordHash string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.accountsByTag[tag]; taken {
		return Account{}, ErrTagTaken
	}

	acc := &Account{
		ID:           uuid.NewString(),
		Tag:          tag,
		Name:         name,
		PasswordHash: passwordHash,
	}
	s.accounts[acc.ID] = acc
	s.accountsByTag[tag] = acc
	s.dirty = true

	return *acc, nil
}

// AccountByTag resolves a tag to an account snapshot.
func (s *Store) AccountByTag(tag string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accountsByTag[tag]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

// AccountByID resolves an identity id to an account snapshot.
func (s *Store) AccountByID(id string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

// RenameAccount changes the display name in place. Format checks are
// the caller's responsibility and happen before mutation.
func (s *Store) RenameAccount(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Name = name
	s.dirty = true
	return nil
}

// RetagAccount changes the tag in place. The collision check and the
// mutation share the lock, so concurrent retags to the same target tag
// cannot both succeed.
func (s *Store) RetagAccount(id, newTag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if other, taken := s.accountsByTag[newTag]; taken && other.ID != id {
		return ErrTagTaken
	}

	delete(s.accountsByTag, acc.Tag)
	acc.Tag = newTag
	s.accountsByTag[newTag] = acc
	s.dirty = true
	return nil
}

// AppendMessage appends a message to the conversation between sender
// and recipient, creating the conversation on first send. The returned
// message carries a freshly minted id and the current timestamp.
func (s *Store) AppendMessage(senderID, recipientID, text string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[senderID]; !ok {
		return Message{}, ErrAccountNotFound
	}
	if _, ok := s.accounts[recipientID]; !ok {
		return Message{}, ErrAccountNotFound
	}

	key := PairKey(senderID, recipientID)
	conv, ok := s.conversations[key]
	if !ok {
		conv = &conversation{
			pairKey:      key,
			participants: [2]string{senderID, recipientID},
		}
		s.conversations[key] = conv
		s.convOrder = append(s.convOrder, key)
	}

	msg := &Message{
		ID:     uuid.NewString(),
		Sender: senderID,
		Text:   text,
		SentAt: time.Now().UnixMilli(),
	}
	conv.messages = append(conv.messages, msg)
	s.dirty = true

	return *msg, nil
}

// DeleteMessage removes a message from the conversation between the
// caller and the counterpart. The conversation itself survives even
// when its last message goes.
func (s *Store) DeleteMessage(callerID, counterpartID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[PairKey(callerID, counterpartID)]
	if !ok {
		return ErrConversationNotFound
	}

	for i, msg := range conv.messages {
		if msg.ID == messageID {
			conv.messages = append(conv.messages[:i], conv.messages[i+1:]...)
			s.dirty = true
			return nil
		}
	}
	return ErrMessageNotFound
}

// ConversationsFor lists every conversation the account participates
// in, in conversation creation order.
func (s *Store) ConversationsFor(id string) []ConversationEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []ConversationEntry
	for _, key := range s.convOrder {
		conv := s.conversations[key]
		var counterpart string
		switch id {
		case conv.participants[0]:
			counterpart = conv.participants[1]
		case conv.participants[1]:
			counterpart = conv.participants[0]
		default:
			continue
		}

		entry := ConversationEntry{Counterpart: counterpart}
		if n := len(conv.messages); n > 0 {
			last := *conv.messages[n-1]
			entry.LastMessage = &last
		}
		entries = append(entries, entry)
	}
	return entries
}

// ConversationBetween returns the full conversation for the unordered
// pair, or false when none exists.
func (s *Store) ConversationBetween(aID, bID string) (ConversationDetail, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[PairKey(aID, bID)]
	if !ok {
		return ConversationDetail{}, false
	}

	detail := ConversationDetail{
		Participants: conv.participants,
		Messages:     make([]Message, len(conv.messages)),
	}
	for i, msg := range conv.messages {
		detail.Messages[i] = *msg
	}
	return detail, true
}

// HasConversation reports whether a conversation exists for the pair.
func (s *Store) HasConversation(aID, bID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.conversations[PairKey(aID, bID)]
	return ok
}

// AccountCount returns the number of registered accounts.
func (s *Store) AccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// ConversationCount returns the number of conversations.
func (s *Store) ConversationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// ClearAccounts wipes all accounts. Dev-route use only.
func (s *Store) ClearAccounts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*Account)
	s.accountsByTag = make(map[string]*Account)
	s.dirty = true
}

// ClearConversations wipes all conversations. Dev-route use only.
func (s *Store) ClearConversations() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make(map[string]*conversation)
	s.convOrder = nil
	s.dirty = true
}

// loadFromSQLite loads the persisted state into memory.
func (s *Store) loadFromSQLite() error {
	start := time.Now()

	rows, err := s.db.conn.Query(`SELECT id, tag, name, password_hash FROM Account`)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}
	for rows.Next() {
		var acc Account
		if err := rows.Scan(&acc.ID, &acc.Tag, &acc.Name, &acc.PasswordHash); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan account: %w", err)
		}
		a := acc
		s.accounts[a.ID] = &a
		s.accountsByTag[a.Tag] = &a
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating accounts: %w", err)
	}
	rows.Close()

	convRows, err := s.db.conn.Query(`
		SELECT pair_key, participant_a, participant_b
		FROM Conversation
		ORDER BY created_seq ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}
	for convRows.Next() {
		var conv conversation
		if err := convRows.Scan(&conv.pairKey, &conv.participants[0], &conv.participants[1]); err != nil {
			convRows.Close()
			return fmt.Errorf("failed to scan conversation: %w", err)
		}
		c := conv
		s.conversations[c.pairKey] = &c
		s.convOrder = append(s.convOrder, c.pairKey)
	}
	if err := convRows.Err(); err != nil {
		convRows.Close()
		return fmt.Errorf("error iterating conversations: %w", err)
	}
	convRows.Close()

	msgRows, err := s.db.conn.Query(`
		SELECT id, pair_key, sender_id, content, sent_at
		FROM Message
		ORDER BY pair_key, seq ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	defer msgRows.Close()

	total := 0
	for msgRows.Next() {
		var msg Message
		var pairKey string
		if err := msgRows.Scan(&msg.ID, &pairKey, &msg.Sender, &msg.Text, &msg.SentAt); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}
		conv, ok := s.conversations[pairKey]
		if !ok {
			log.Printf("store: dropping message %s for unknown conversation %s", msg.ID, pairKey)
			continue
		}
		m := msg
		conv.messages = append(conv.messages, &m)
		total++
	}
	if err := msgRows.Err(); err != nil {
		return fmt.Errorf("error iterating messages: %w", err)
	}

	log.Printf("store: loaded %d accounts, %d conversations, %d messages in %v",
		len(s.accounts), len(s.conversations), total, time.Since(start))
	return nil
}

// snapshotLoop periodically flushes to SQLite. It never blocks command
// processing: mutations only flip the dirty flag.
func (s *Store) snapshotLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.snapshot(); err != nil {
				log.Printf("store: snapshot failed: %v", err)
			}
		case <-s.shutdown:
			return
		}
	}
}

// snapshotRows is the flat copy of the store taken under the read side
// of the lock and written to SQLite outside it.
type snapshotRows struct {
	accounts      []Account
	conversations []conversation
}

// snapshot writes the current state to SQLite. Clean state writes
// nothing. Mutations racing the write are picked up by the next tick.
func (s *Store) snapshot() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false

	rows := snapshotRows{
		accounts:      make([]Account, 0, len(s.accounts)),
		conversations: make([]conversation, 0, len(s.conversations)),
	}
	for _, acc := range s.accounts {
		rows.accounts = append(rows.accounts, *acc)
	}
	for _, key := range s.convOrder {
		conv := s.conversations[key]
		copied := conversation{
			pairKey:      conv.pairKey,
			participants: conv.participants,
			messages:     make([]*Message, len(conv.messages)),
		}
		for i, msg := range conv.messages {
			m := *msg
			copied.messages[i] = &m
		}
		rows.conversations = append(rows.conversations, copied)
	}
	s.mu.Unlock()

	// Stable ordering keeps snapshots byte-comparable between runs
	sort.Slice(rows.accounts, func(i, j int) bool {
		return rows.accounts[i].ID < rows.accounts[j].ID
	})

	if err := s.writeSnapshot(rows); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}

	log.Printf("store: snapshot completed (%d accounts, %d conversations)",
		len(rows.accounts), len(rows.conversations))
	return nil
}

func (s *Store) writeSnapshot(rows snapshotRows) error {
	tx, err := s.db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM Message`,
		`DELETE FROM Conversation`,
		`DELETE FROM Account`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to clear table: %w", err)
		}
	}

	for _, acc := range rows.accounts {
		if _, err := tx.Exec(
			`INSERT INTO Account (id, tag, name, password_hash) VALUES (?, ?, ?, ?)`,
			acc.ID, acc.Tag, acc.Name, acc.PasswordHash,
		); err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}
	}

	for seq, conv := range rows.conversations {
		if _, err := tx.Exec(
			`INSERT INTO Conversation (pair_key, participant_a, participant_b, created_seq) VALUES (?, ?, ?, ?)`,
			conv.pairKey, conv.participants[0], conv.participants[1], seq,
		); err != nil {
			return fmt.Errorf("failed to insert conversation: %w", err)
		}
		for msgSeq, msg := range conv.messages {
			if _, err := tx.Exec(
				`INSERT INTO Message (id, pair_key, sender_id, content, sent_at, seq) VALUES (?, ?, ?, ?, ?, ?)`,
				msg.ID, conv.pairKey, msg.Sender, msg.Text, msg.SentAt, msgSeq,
			); err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}
