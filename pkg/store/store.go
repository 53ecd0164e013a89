// Package store defines the abstract persistence operations the engine
// requires (spec section 4.B): users, roles, channels with overrides,
// and messages. Concrete implementations live in sub-packages
// (memstore, sqlitestore).
package store

import "errors"

// Sentinel errors returned by every implementation for the conditions
// the engine needs to distinguish.
var (
	ErrNotFound        = errors.New("store: not found")
	ErrNameTaken       = errors.New("store: name already in use")
	ErrInvalidPosition = errors.New("store: invalid role position")
	ErrLockedName      = errors.New("store: system role name is immutable")
)

// User is the full persisted user record, including credentials.
type User struct {
	ID           uint64
	Name         string
	Bot          bool
	Banned       bool
	Roles        []uint64
	PasswordHash string
	Token        string
	LastIP       string
}

// Role is the full persisted role record. Pos 0 is reserved for the two
// system roles (Humans=1, Bots=2); all others occupy a dense 1..N range.
type Role struct {
	ID           uint64
	Name         string
	Pos          uint8
	Allow        uint8
	Deny         uint8
	Unassignable bool
}

// Override is a channel's per-role (allow, deny) pair.
type Override struct {
	Allow uint8
	Deny  uint8
}

// Channel is the full persisted channel record.
type Channel struct {
	ID        uint64
	Name      string
	Overrides map[uint64]Override
}

// Message is the full persisted message record.
type Message struct {
	ID            uint64
	Channel       uint64
	Author        uint64
	Text          []byte
	Timestamp     int64
	TimestampEdit *int64
}

// Store is the full set of operations the engine needs. Every method is
// synchronous; implementations must make each call appear atomic with
// respect to concurrent callers.
type Store interface {
	GetUserByID(id uint64) (*User, error)
	GetUserByName(name string) (*User, error)
	GetUserByToken(token string) (*User, error)
	ListUsers() ([]User, error)
	CreateUser(name string, bot bool, passwordHash string) (*User, error)
	UpdateUserRoles(id uint64, roles []uint64) error
	UpdateUserBan(id uint64, banned bool) error
	UpdateUserPassword(id uint64, passwordHash string) error
	UpdateUserToken(id uint64, token string) error
	UpdateUserName(id uint64, name string) error
	UpdateUserLastIP(id uint64, ip string) error
	AnyBannedUserWithIP(ip string) (bool, error)

	ListRoles() ([]Role, error)
	GetRole(id uint64) (*Role, error)
	CreateRole(r Role) (*Role, error)
	UpdateRole(r Role) error
	DeleteRole(id uint64) error

	ListChannels() ([]Channel, error)
	GetChannel(id uint64) (*Channel, error)
	CreateChannel(name string, overrides map[uint64]Override) (*Channel, error)
	UpdateChannel(id uint64, name *string, overrides map[uint64]Override) (*Channel, error)
	DeleteChannel(id uint64) error

	GetMessage(id uint64) (*Message, error)
	CreateMessage(channel, author uint64, text []byte, now int64) (*Message, error)
	UpdateMessageText(id uint64, text []byte, now int64) error
	DeleteMessage(id uint64) error
	ListMessages(channel uint64, before, after *uint64, limit int) ([]Message, error)
}
