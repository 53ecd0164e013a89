// Package sqlitestore is the production store.Store implementation,
// grounded on the teacher's pkg/database/database.go: modernc.org/sqlite
// (pure Go, no cgo) with WAL journaling, a busy timeout, and foreign
// keys enabled on open.
package sqlitestore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/synacgo/synac/pkg/store"
)

const (
	roleHumans uint64 = 1
	roleBots   uint64 = 2
)

const schema = `
CREATE TABLE IF NOT EXISTS roles (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	pos INTEGER NOT NULL,
	allow INTEGER NOT NULL DEFAULT 0,
	deny INTEGER NOT NULL DEFAULT 0,
	unassignable INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	name_lower TEXT NOT NULL UNIQUE,
	bot INTEGER NOT NULL DEFAULT 0,
	banned INTEGER NOT NULL DEFAULT 0,
	password_hash TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	last_ip TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
	PRIMARY KEY (user_id, role_id)
);

CREATE TABLE IF NOT EXISTS channels (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS overrides (
	channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
	allow INTEGER NOT NULL DEFAULT 0,
	deny INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (channel_id, role_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY,
	channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	author_id INTEGER NOT NULL,
	text BLOB NOT NULL,
	timestamp INTEGER NOT NULL,
	timestamp_edit INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, id);
`

// Store wraps a *sql.DB open against a synac data file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path, applies
// the reliability pragmas the teacher's database layer uses, runs the
// schema, and seeds the two reserved system roles if absent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedSystemRoles(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) seedSystemRoles() error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO roles (id, name, pos, allow, deny, unassignable) VALUES
		 (?, '@humans', 0, 0, 0, 1), (?, '@bots', 0, 0, 0, 1)`,
		roleHumans, roleBots)
	return err
}

func normalizeName(name string) string { return strings.ToLower(name) }

func (s *Store) scanUser(row interface {
	Scan(...any) error
}) (*store.User, error) {
	var u store.User
	var bot, banned int
	if err := row.Scan(&u.ID, &u.Name, &bot, &banned, &u.PasswordHash, &u.Token, &u.LastIP); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	u.Bot = bot != 0
	u.Banned = banned != 0
	roles, err := s.userRoles(u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

func (s *Store) userRoles(id uint64) ([]uint64, error) {
	rows, err := s.db.Query(`SELECT role_id FROM user_roles WHERE user_id = ? ORDER BY role_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []uint64
	for rows.Next() {
		var r uint64
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) GetUserByID(id uint64) (*store.User, error) {
	row := s.db.QueryRow(`SELECT id, name, bot, banned, password_hash, token, last_ip FROM users WHERE id = ?`, id)
	return s.scanUser(row)
}

func (s *Store) GetUserByName(name string) (*store.User, error) {
	row := s.db.QueryRow(`SELECT id, name, bot, banned, password_hash, token, last_ip FROM users WHERE name_lower = ?`, normalizeName(name))
	return s.scanUser(row)
}

func (s *Store) GetUserByToken(token string) (*store.User, error) {
	if token == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRow(`SELECT id, name, bot, banned, password_hash, token, last_ip FROM users WHERE token = ?`, token)
	return s.scanUser(row)
}

func (s *Store) ListUsers() ([]store.User, error) {
	// Ids first: with one open connection, loading roles while these
	// rows are open would wait forever.
	rows, err := s.db.Query(`SELECT id FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []store.User
	for _, id := range ids {
		u, err := s.GetUserByID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, nil
}

func (s *Store) CreateUser(name string, bot bool, passwordHash string) (*store.User, error) {
	res, err := s.db.Exec(`INSERT INTO users (name, name_lower, bot, password_hash) VALUES (?, ?, ?, ?)`,
		name, normalizeName(name), bot, passwordHash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, store.ErrNameTaken
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(uint64(id))
}

func (s *Store) UpdateUserRoles(id uint64, roles []uint64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM user_roles WHERE user_id = ?`, id); err != nil {
		return err
	}
	for _, r := range roles {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO user_roles (user_id, role_id) VALUES (?, ?)`, id, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateUserBan(id uint64, banned bool) error {
	_, err := s.db.Exec(`UPDATE users SET banned = ? WHERE id = ?`, banned, id)
	return err
}

func (s *Store) UpdateUserPassword(id uint64, passwordHash string) error {
	_, err := s.db.Exec(`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	return err
}

func (s *Store) UpdateUserToken(id uint64, token string) error {
	_, err := s.db.Exec(`UPDATE users SET token = ? WHERE id = ?`, token, id)
	return err
}

func (s *Store) UpdateUserName(id uint64, name string) error {
	_, err := s.db.Exec(`UPDATE users SET name = ?, name_lower = ? WHERE id = ?`, name, normalizeName(name), id)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return store.ErrNameTaken
	}
	return err
}

func (s *Store) UpdateUserLastIP(id uint64, ip string) error {
	_, err := s.db.Exec(`UPDATE users SET last_ip = ? WHERE id = ?`, ip, id)
	return err
}

func (s *Store) AnyBannedUserWithIP(ip string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE banned = 1 AND last_ip = ?`, ip).Scan(&count)
	return count > 0, err
}

func (s *Store) ListRoles() ([]store.Role, error) {
	rows, err := s.db.Query(`SELECT id, name, pos, allow, deny, unassignable FROM roles ORDER BY pos ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Role
	for rows.Next() {
		var r store.Role
		var unassignable int
		if err := rows.Scan(&r.ID, &r.Name, &r.Pos, &r.Allow, &r.Deny, &unassignable); err != nil {
			return nil, err
		}
		r.Unassignable = unassignable != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRole(id uint64) (*store.Role, error) {
	var r store.Role
	var unassignable int
	err := s.db.QueryRow(`SELECT id, name, pos, allow, deny, unassignable FROM roles WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Pos, &r.Allow, &r.Deny, &unassignable)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Unassignable = unassignable != 0
	return &r, nil
}

func (s *Store) maxNonSystemPos(tx *sql.Tx) (uint8, error) {
	var maxPos sql.NullInt64
	err := tx.QueryRow(`SELECT MAX(pos) FROM roles WHERE id != ? AND id != ?`, roleHumans, roleBots).Scan(&maxPos)
	if err != nil {
		return 0, err
	}
	return uint8(maxPos.Int64), nil
}

func (s *Store) CreateRole(r store.Role) (*store.Role, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	maxPos, err := s.maxNonSystemPos(tx)
	if err != nil {
		return nil, err
	}
	if r.Pos == 0 || r.Pos > maxPos+1 {
		return nil, store.ErrInvalidPosition
	}

	if _, err := tx.Exec(`UPDATE roles SET pos = pos + 1 WHERE pos >= ? AND id != ? AND id != ?`, r.Pos, roleHumans, roleBots); err != nil {
		return nil, err
	}
	res, err := tx.Exec(`INSERT INTO roles (name, pos, allow, deny, unassignable) VALUES (?, ?, ?, ?, ?)`,
		r.Name, r.Pos, r.Allow, r.Deny, r.Unassignable)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRole(uint64(id))
}

func (s *Store) UpdateRole(r store.Role) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing store.Role
	var unassignable int
	err = tx.QueryRow(`SELECT id, name, pos, allow, deny, unassignable FROM roles WHERE id = ?`, r.ID).
		Scan(&existing.ID, &existing.Name, &existing.Pos, &existing.Allow, &existing.Deny, &unassignable)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	existing.Unassignable = unassignable != 0

	isSystem := existing.ID == roleHumans || existing.ID == roleBots
	if isSystem && r.Name != existing.Name {
		return store.ErrLockedName
	}

	if !isSystem && r.Pos != existing.Pos {
		oldPos, newPos := existing.Pos, r.Pos
		if newPos > oldPos {
			if _, err := tx.Exec(`UPDATE roles SET pos = pos - 1 WHERE pos > ? AND pos <= ? AND id != ? AND id != ?`,
				oldPos, newPos, roleHumans, roleBots); err != nil {
				return err
			}
		} else if newPos < oldPos {
			if _, err := tx.Exec(`UPDATE roles SET pos = pos + 1 WHERE pos >= ? AND pos < ? AND id != ? AND id != ?`,
				newPos, oldPos, roleHumans, roleBots); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(`UPDATE roles SET name = ?, pos = ?, allow = ?, deny = ?, unassignable = ? WHERE id = ?`,
		r.Name, r.Pos, r.Allow, r.Deny, r.Unassignable, r.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteRole(id uint64) error {
	if id == roleHumans || id == roleBots {
		return store.ErrLockedName
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var pos uint8
	if err := tx.QueryRow(`SELECT pos FROM roles WHERE id = ?`, id).Scan(&pos); err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return err
	}
	if _, err := tx.Exec(`DELETE FROM roles WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE roles SET pos = pos - 1 WHERE pos > ? AND id != ? AND id != ?`, pos, roleHumans, roleBots); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) loadOverrides(channelID uint64) (map[uint64]store.Override, error) {
	rows, err := s.db.Query(`SELECT role_id, allow, deny FROM overrides WHERE channel_id = ?`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uint64]store.Override)
	for rows.Next() {
		var roleID uint64
		var o store.Override
		if err := rows.Scan(&roleID, &o.Allow, &o.Deny); err != nil {
			return nil, err
		}
		out[roleID] = o
	}
	return out, rows.Err()
}

func (s *Store) ListChannels() ([]store.Channel, error) {
	rows, err := s.db.Query(`SELECT id, name FROM channels ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Channel
	var ids []uint64
	names := map[uint64]string{}
	for rows.Next() {
		var id uint64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		overrides, err := s.loadOverrides(id)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Channel{ID: id, Name: names[id], Overrides: overrides})
	}
	return out, nil
}

func (s *Store) GetChannel(id uint64) (*store.Channel, error) {
	var name string
	err := s.db.QueryRow(`SELECT name FROM channels WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	overrides, err := s.loadOverrides(id)
	if err != nil {
		return nil, err
	}
	return &store.Channel{ID: id, Name: name, Overrides: overrides}, nil
}

func (s *Store) writeOverrides(tx *sql.Tx, channelID uint64, overrides map[uint64]store.Override) error {
	if _, err := tx.Exec(`DELETE FROM overrides WHERE channel_id = ?`, channelID); err != nil {
		return err
	}
	for roleID, o := range overrides {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM roles WHERE id = ?`, roleID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			continue // spec invariant 4: silently drop overrides for unknown roles
		}
		if _, err := tx.Exec(`INSERT INTO overrides (channel_id, role_id, allow, deny) VALUES (?, ?, ?, ?)`,
			channelID, roleID, o.Allow, o.Deny); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateChannel(name string, overrides map[uint64]store.Override) (*store.Channel, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO channels (name) VALUES (?)`, name)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := s.writeOverrides(tx, uint64(id), overrides); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetChannel(uint64(id))
}

func (s *Store) UpdateChannel(id uint64, name *string, overrides map[uint64]store.Override) (*store.Channel, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM channels WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, store.ErrNotFound
	}

	if name != nil {
		if _, err := tx.Exec(`UPDATE channels SET name = ? WHERE id = ?`, *name, id); err != nil {
			return nil, err
		}
	}
	if overrides != nil {
		if err := s.writeOverrides(tx, id, overrides); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetChannel(id)
}

func (s *Store) DeleteChannel(id uint64) error {
	res, err := s.db.Exec(`DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	_, err = s.db.Exec(`DELETE FROM messages WHERE channel_id = ?`, id)
	return err
}

func (s *Store) scanMessage(row interface{ Scan(...any) error }) (*store.Message, error) {
	var m store.Message
	var edit sql.NullInt64
	if err := row.Scan(&m.ID, &m.Channel, &m.Author, &m.Text, &m.Timestamp, &edit); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if edit.Valid {
		v := edit.Int64
		m.TimestampEdit = &v
	}
	return &m, nil
}

func (s *Store) GetMessage(id uint64) (*store.Message, error) {
	row := s.db.QueryRow(`SELECT id, channel_id, author_id, text, timestamp, timestamp_edit FROM messages WHERE id = ?`, id)
	return s.scanMessage(row)
}

func (s *Store) CreateMessage(channel, author uint64, text []byte, now int64) (*store.Message, error) {
	res, err := s.db.Exec(`INSERT INTO messages (channel_id, author_id, text, timestamp) VALUES (?, ?, ?, ?)`,
		channel, author, text, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetMessage(uint64(id))
}

func (s *Store) UpdateMessageText(id uint64, text []byte, now int64) error {
	res, err := s.db.Exec(`UPDATE messages SET text = ?, timestamp_edit = ? WHERE id = ?`, text, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMessage(id uint64) error {
	res, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListMessages(channel uint64, before, after *uint64, limit int) ([]store.Message, error) {
	var rows *sql.Rows
	var err error
	switch {
	case before != nil:
		rows, err = s.db.Query(`SELECT id, channel_id, author_id, text, timestamp, timestamp_edit FROM
			(SELECT * FROM messages WHERE channel_id = ? AND id < ? ORDER BY id DESC LIMIT ?) ORDER BY id ASC`,
			channel, *before, limit)
	case after != nil:
		rows, err = s.db.Query(`SELECT id, channel_id, author_id, text, timestamp, timestamp_edit FROM messages
			WHERE channel_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, channel, *after, limit)
	default:
		rows, err = s.db.Query(`SELECT id, channel_id, author_id, text, timestamp, timestamp_edit FROM
			(SELECT * FROM messages WHERE channel_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id ASC`,
			channel, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
