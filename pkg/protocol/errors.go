package protocol

import "errors"

// Error codes carried in Err packets (spec section 6).
const (
	ErrAttrInvalidPos    uint8 = 1
	ErrAttrLockedName    uint8 = 2
	ErrLimitReached      uint8 = 3
	ErrLoginBanned       uint8 = 4
	ErrLoginBot          uint8 = 5
	ErrLoginInvalid      uint8 = 6
	ErrMaxConnPerIP      uint8 = 7
	ErrMissingField      uint8 = 8
	ErrMissingPermission uint8 = 9
	ErrUnknownAttribute  uint8 = 10
	ErrUnknownChannel    uint8 = 11
	ErrUnknownMessage    uint8 = 12
	ErrUnknownUser       uint8 = 13
)

// ErrPacketTooBig is returned by Encode/WriteFrame when the serialized
// body would not fit in the 2-byte length prefix.
var ErrPacketTooBig = errors.New("protocol: encoded packet exceeds 65535 bytes")

// ErrUnknownPacketType is returned by Decode when the envelope's type tag
// does not match any known variant.
var ErrUnknownPacketType = errors.New("protocol: unknown packet type")
