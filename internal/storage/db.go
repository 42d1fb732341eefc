// Package storage is the local sqlite cache: recent conversation history,
// known users and groups. The server stays the source of truth; the cache
// serves history when the REST call fails and names for presence ids.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the cache database of one client directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the cache database in dir.
func Open(dir string) (*DB, error) {
	dbPath := filepath.Join(dir, "chatterbox.db")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _messages (
			id           TEXT PRIMARY KEY,
			conversation TEXT NOT NULL,
			sender_id    TEXT NOT NULL,
			recipient_id TEXT DEFAULT '',
			group_id     TEXT DEFAULT '',
			content      TEXT NOT NULL,
			timestamp    TEXT DEFAULT '',
			status       TEXT DEFAULT 'sent',
			cached_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS _messages_conversation
			ON _messages (conversation, timestamp);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _users (
			id        TEXT PRIMARY KEY,
			username  TEXT NOT NULL,
			email     TEXT DEFAULT '',
			last_seen DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _groups (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			members    TEXT DEFAULT '[]',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create groups table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// GetMeta returns a metadata value, or "" when unset.
func (d *DB) GetMeta(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetMeta stores a metadata value.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// BindOwner ties the cache to one account. When a different user signs in
// on the same client directory the cached history is wiped first.
func (d *DB) BindOwner(userID string) error {
	owner, err := d.GetMeta("owner")
	if err != nil {
		return err
	}
	if owner == userID {
		return nil
	}
	if owner != "" {
		if err := d.Wipe(); err != nil {
			return err
		}
	}
	return d.SetMeta("owner", userID)
}

// Wipe deletes every cached row.
func (d *DB) Wipe() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		DELETE FROM _messages;
		DELETE FROM _users;
		DELETE FROM _groups;
		DELETE FROM _meta;
	`)
	return err
}
