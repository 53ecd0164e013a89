package protocol

// Packet is implemented by every wire variant. Type returns the
// snake_case discriminator carried in the envelope, matching the
// reference implementation's serde(tag = "type", rename_all =
// "snake_case") arrangement.
type Packet interface {
	Type() string
}

// Override is a per-channel (allow, deny) pair keyed by role id.
type Override struct {
	Allow uint8 `msgpack:"allow"`
	Deny  uint8 `msgpack:"deny"`
}

// User is the wire projection of a user record: credentials (password
// hash, token, last ip) never cross the wire.
type User struct {
	ID     uint64   `msgpack:"id"`
	Name   string   `msgpack:"name"`
	Bot    bool     `msgpack:"bot"`
	Banned bool     `msgpack:"banned"`
	Roles  []uint64 `msgpack:"roles"`
}

// Role mirrors the store's role record.
type Role struct {
	ID           uint64 `msgpack:"id"`
	Name         string `msgpack:"name"`
	Pos          uint8  `msgpack:"pos"`
	Allow        uint8  `msgpack:"allow"`
	Deny         uint8  `msgpack:"deny"`
	Unassignable bool   `msgpack:"unassignable"`
}

// Channel carries its current override set.
type Channel struct {
	ID        uint64             `msgpack:"id"`
	Name      string             `msgpack:"name"`
	Overrides map[uint64]Override `msgpack:"overrides"`
}

// Message text is opaque bytes; the server never interprets content.
type Message struct {
	ID            uint64 `msgpack:"id"`
	Channel       uint64 `msgpack:"channel"`
	Author        uint64 `msgpack:"author"`
	Text          []byte `msgpack:"text"`
	Timestamp     int64  `msgpack:"timestamp"`
	TimestampEdit *int64 `msgpack:"timestamp_edit,omitempty"`
}

// --- control variants ---

type Close struct{}

func (Close) Type() string { return "close" }

type Err struct {
	Code uint8 `msgpack:"code"`
}

func (Err) Type() string { return "err" }

type RateLimited struct {
	SecondsLeft uint64 `msgpack:"seconds_left"`
}

func (RateLimited) Type() string { return "rate_limited" }

// --- authentication ---

type Login struct {
	Name     string  `msgpack:"name"`
	Bot      bool    `msgpack:"bot"`
	Password *string `msgpack:"password,omitempty"`
	Token    *string `msgpack:"token,omitempty"`
}

func (Login) Type() string { return "login" }

type LoginSuccess struct {
	ID      uint64 `msgpack:"id"`
	Token   string `msgpack:"token"`
	Created bool   `msgpack:"created"`
}

func (LoginSuccess) Type() string { return "login_success" }

type LoginUpdate struct {
	Name            *string `msgpack:"name,omitempty"`
	PasswordCurrent *string `msgpack:"password_current,omitempty"`
	PasswordNew     *string `msgpack:"password_new,omitempty"`
	ResetToken      bool    `msgpack:"reset_token"`
}

func (LoginUpdate) Type() string { return "login_update" }

// --- channels ---

type ChannelCreate struct {
	Name      string              `msgpack:"name"`
	Overrides map[uint64]Override `msgpack:"overrides"`
}

func (ChannelCreate) Type() string { return "channel_create" }

type ChannelUpdate struct {
	ID        uint64              `msgpack:"id"`
	Name      *string             `msgpack:"name,omitempty"`
	Overrides map[uint64]Override `msgpack:"overrides"`
}

func (ChannelUpdate) Type() string { return "channel_update" }

type ChannelDelete struct {
	ID uint64 `msgpack:"id"`
}

func (ChannelDelete) Type() string { return "channel_delete" }

type ChannelReceive struct {
	Channel Channel `msgpack:"channel"`
}

func (ChannelReceive) Type() string { return "channel_receive" }

type ChannelDeleteReceive struct {
	ID uint64 `msgpack:"id"`
}

func (ChannelDeleteReceive) Type() string { return "channel_delete_receive" }

// --- roles ---

type RoleCreate struct {
	Name         string `msgpack:"name"`
	Pos          uint8  `msgpack:"pos"`
	Allow        uint8  `msgpack:"allow"`
	Deny         uint8  `msgpack:"deny"`
	Unassignable bool   `msgpack:"unassignable"`
}

func (RoleCreate) Type() string { return "role_create" }

type RoleUpdate struct {
	ID           uint64  `msgpack:"id"`
	Name         *string `msgpack:"name,omitempty"`
	Pos          *uint8  `msgpack:"pos,omitempty"`
	Allow        *uint8  `msgpack:"allow,omitempty"`
	Deny         *uint8  `msgpack:"deny,omitempty"`
	Unassignable *bool   `msgpack:"unassignable,omitempty"`
}

func (RoleUpdate) Type() string { return "role_update" }

type RoleDelete struct {
	ID uint64 `msgpack:"id"`
}

func (RoleDelete) Type() string { return "role_delete" }

type RoleReceive struct {
	Role Role `msgpack:"role"`
	New  bool `msgpack:"new"`
}

func (RoleReceive) Type() string { return "role_receive" }

type RoleDeleteReceive struct {
	ID uint64 `msgpack:"id"`
}

func (RoleDeleteReceive) Type() string { return "role_delete_receive" }

// --- messages ---

type MessageCreate struct {
	Channel uint64 `msgpack:"channel"`
	Text    []byte `msgpack:"text"`
}

func (MessageCreate) Type() string { return "message_create" }

type MessageUpdate struct {
	ID      uint64 `msgpack:"id"`
	Channel uint64 `msgpack:"channel"`
	Text    []byte `msgpack:"text"`
}

func (MessageUpdate) Type() string { return "message_update" }

type MessageDelete struct {
	ID      uint64 `msgpack:"id"`
	Channel uint64 `msgpack:"channel"`
}

func (MessageDelete) Type() string { return "message_delete" }

type MessageList struct {
	Channel uint64  `msgpack:"channel"`
	Before  *uint64 `msgpack:"before,omitempty"`
	After   *uint64 `msgpack:"after,omitempty"`
	Limit   uint8   `msgpack:"limit"`
}

func (MessageList) Type() string { return "message_list" }

type MessageReceive struct {
	Message Message `msgpack:"message"`
	New     bool    `msgpack:"new"`
}

func (MessageReceive) Type() string { return "message_receive" }

type MessageDeleteReceive struct {
	ID uint64 `msgpack:"id"`
}

func (MessageDeleteReceive) Type() string { return "message_delete_receive" }

// --- typing & users ---

type Typing struct {
	Channel uint64 `msgpack:"channel"`
}

func (Typing) Type() string { return "typing" }

type TypingReceive struct {
	Author  uint64 `msgpack:"author"`
	Channel uint64 `msgpack:"channel"`
}

func (TypingReceive) Type() string { return "typing_receive" }

type UserReceive struct {
	User User `msgpack:"user"`
}

func (UserReceive) Type() string { return "user_receive" }

type UserUpdate struct {
	ID    uint64   `msgpack:"id"`
	Ban   *bool    `msgpack:"ban,omitempty"`
	Roles []uint64 `msgpack:"roles,omitempty"`
}

func (UserUpdate) Type() string { return "user_update" }

// Classes used by the rate limiter (spec section 6's per-variant class column).
const (
	ClassNone = iota
	ClassCheap
	ClassExpensive
)

// RequestClass reports the rate-limit class for a client-originated
// packet. LoginUpdate is expensive only when it touches credentials.
func RequestClass(p Packet) int {
	switch v := p.(type) {
	case Login:
		return ClassExpensive
	case LoginUpdate:
		if v.PasswordCurrent != nil || v.PasswordNew != nil || v.ResetToken {
			return ClassExpensive
		}
		return ClassCheap
	case ChannelCreate, ChannelUpdate, ChannelDelete,
		RoleCreate, RoleUpdate, RoleDelete,
		MessageCreate, MessageUpdate, MessageDelete, MessageList,
		UserUpdate:
		return ClassCheap
	case Typing:
		return ClassNone
	default:
		return ClassNone
	}
}
