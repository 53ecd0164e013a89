package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxPacketSize is the largest body a u16 length prefix can carry.
const MaxPacketSize = 65535

// envelope is the tagged-union wrapper every packet is wrapped in before
// going over the wire: a snake_case type discriminator plus the
// variant's own fields, re-encoded as a nested msgpack map.
type envelope struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Encode serializes a packet into its tagged-union msgpack body, without
// the length prefix.
func Encode(p Packet) ([]byte, error) {
	payload, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", p.Type(), err)
	}
	body, err := msgpack.Marshal(envelope{Type: p.Type(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	if len(body) > MaxPacketSize {
		return nil, ErrPacketTooBig
	}
	return body, nil
}

// decodeInto unmarshals payload into a fresh T and returns it by value,
// so Decode's callers (dispatch's type switch, RequestClass) can match
// on the plain variant types rather than pointers to them.
func decodeInto[T any](payload msgpack.RawMessage, typeName string) (T, error) {
	var v T
	if err := msgpack.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("protocol: decode %s: %w", typeName, err)
	}
	return v, nil
}

// Decode parses a tagged-union msgpack body (without length prefix) into
// its concrete packet type.
func Decode(body []byte) (Packet, error) {
	var env envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	switch env.Type {
	case "close":
		return Close{}, nil
	case "err":
		return decodeInto[Err](env.Payload, env.Type)
	case "rate_limited":
		return decodeInto[RateLimited](env.Payload, env.Type)
	case "login":
		return decodeInto[Login](env.Payload, env.Type)
	case "login_success":
		return decodeInto[LoginSuccess](env.Payload, env.Type)
	case "login_update":
		return decodeInto[LoginUpdate](env.Payload, env.Type)
	case "channel_create":
		return decodeInto[ChannelCreate](env.Payload, env.Type)
	case "channel_update":
		return decodeInto[ChannelUpdate](env.Payload, env.Type)
	case "channel_delete":
		return decodeInto[ChannelDelete](env.Payload, env.Type)
	case "channel_receive":
		return decodeInto[ChannelReceive](env.Payload, env.Type)
	case "channel_delete_receive":
		return decodeInto[ChannelDeleteReceive](env.Payload, env.Type)
	case "role_create":
		return decodeInto[RoleCreate](env.Payload, env.Type)
	case "role_update":
		return decodeInto[RoleUpdate](env.Payload, env.Type)
	case "role_delete":
		return decodeInto[RoleDelete](env.Payload, env.Type)
	case "role_receive":
		return decodeInto[RoleReceive](env.Payload, env.Type)
	case "role_delete_receive":
		return decodeInto[RoleDeleteReceive](env.Payload, env.Type)
	case "message_create":
		return decodeInto[MessageCreate](env.Payload, env.Type)
	case "message_update":
		return decodeInto[MessageUpdate](env.Payload, env.Type)
	case "message_delete":
		return decodeInto[MessageDelete](env.Payload, env.Type)
	case "message_list":
		return decodeInto[MessageList](env.Payload, env.Type)
	case "message_receive":
		return decodeInto[MessageReceive](env.Payload, env.Type)
	case "message_delete_receive":
		return decodeInto[MessageDeleteReceive](env.Payload, env.Type)
	case "typing":
		return decodeInto[Typing](env.Payload, env.Type)
	case "typing_receive":
		return decodeInto[TypingReceive](env.Payload, env.Type)
	case "user_receive":
		return decodeInto[UserReceive](env.Payload, env.Type)
	case "user_update":
		return decodeInto[UserUpdate](env.Payload, env.Type)
	default:
		return nil, ErrUnknownPacketType
	}
}

// WriteFrame writes the 2-byte big-endian length prefix followed by the
// encoded packet body.
func WriteFrame(w io.Writer, p Packet) error {
	body, err := Encode(p)
	if err != nil {
		return err
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads a single length-prefixed frame and decodes it.
func ReadFrame(r io.Reader) (Packet, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(body)
}
