// Package client is the synac client library: persistent per-server
// state, TLS pin verification, and the session driver cmd/client wires
// up. Grounded on the teacher's pkg/client (state.go's sqlite schema,
// connection.go's trust-on-first-use host verification) adapted from
// SSH host keys to TLS certificate pins.
package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// State is the client's local sqlite database: one row per server
// address ever connected to, carrying its pinned TLS fingerprint and
// the bearer token issued at login.
type State struct {
	db *sql.DB
}

// OpenState opens or creates the client state database at path,
// following the teacher's OpenState (WAL + single connection, since a
// client has no concurrent writers).
func OpenState(path string) (*State, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("client: create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("client: open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("client: enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("client: set busy timeout: %w", err)
	}

	s := &State{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("client: init schema: %w", err)
	}
	return s, nil
}

func (s *State) Close() error { return s.db.Close() }

func (s *State) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS Servers (
	address TEXT PRIMARY KEY,
	pinned_key TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT ''
);
`
	_, err := s.db.Exec(schema)
	return err
}

// ServerRecord is one row of per-address client state.
type ServerRecord struct {
	Address   string
	PinnedKey string
	Token     string
}

// GetServer returns the stored record for address, or a zero-value
// record (no error) if none exists yet — the first connection to a
// fresh address has nothing to pin against or authenticate with.
func (s *State) GetServer(address string) (ServerRecord, error) {
	var rec ServerRecord
	rec.Address = address
	err := s.db.QueryRow(`SELECT pinned_key, token FROM Servers WHERE address = ?`, address).
		Scan(&rec.PinnedKey, &rec.Token)
	if err == sql.ErrNoRows {
		return rec, nil
	}
	return rec, err
}

// SetPinnedKey persists the TLS fingerprint accepted for address,
// called on first contact (trust-on-first-use) per spec 4.H/9.
func (s *State) SetPinnedKey(address, fingerprint string) error {
	_, err := s.db.Exec(`
		INSERT INTO Servers (address, pinned_key) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET pinned_key = excluded.pinned_key
	`, address, fingerprint)
	return err
}

// SetToken persists the bearer token issued at login, so a later
// connection can skip the password and present it instead.
func (s *State) SetToken(address, token string) error {
	_, err := s.db.Exec(`
		INSERT INTO Servers (address, token) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET token = excluded.token
	`, address, token)
	return err
}
