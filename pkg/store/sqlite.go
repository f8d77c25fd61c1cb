package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database used for snapshots.
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens the snapshot database at the given path and initializes
// the schema if needed. Pass ":memory:" for a throwaway database.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection, so everything must
	// share a single one
	memory := path == ":memory:"
	if memory {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(4)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	// WAL allows the reader pool and the writer to coexist
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	writeConn := conn
	if !memory {
		writeConn, err = sql.Open("sqlite", path)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to open write connection: %w", err)
		}
		writeConn.SetMaxOpenConns(1)
		writeConn.SetMaxIdleConns(1)
		writeConn.SetConnMaxLifetime(0)

		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = ON",
			"PRAGMA synchronous = NORMAL",
		} {
			if _, err := writeConn.Exec(pragma); err != nil {
				conn.Close()
				writeConn.Close()
				return nil, fmt.Errorf("failed to configure write connection: %w", err)
			}
		}
	}

	db := &DB{conn: conn, writeConn: writeConn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes both connections.
func (db *DB) Close() error {
	if db.writeConn != db.conn {
		db.writeConn.Close()
	}
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
-- Account table (identity id is stable across tag changes)
CREATE TABLE IF NOT EXISTS Account (
	id TEXT PRIMARY KEY,
	tag TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	password_hash TEXT NOT NULL
);

-- Conversation table, one row per unordered participant pair
CREATE TABLE IF NOT EXISTS Conversation (
	pair_key TEXT PRIMARY KEY,
	participant_a TEXT NOT NULL,
	participant_b TEXT NOT NULL,
	created_seq INTEGER NOT NULL
);

-- Message table, seq preserves insertion order within a conversation
CREATE TABLE IF NOT EXISTS Message (
	id TEXT PRIMARY KEY,
	pair_key TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	sent_at INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	FOREIGN KEY (pair_key) REFERENCES Conversation(pair_key) ON DELETE CASCADE
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_message_pair ON Message(pair_key, seq);
`

	_, err := db.conn.Exec(schema)
	return err
}

// Note: sessions are never persisted. Every connection starts logged
// out after a restart.
