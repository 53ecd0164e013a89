package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	password := "hunter2"
	token := "abc123"
	before := uint64(42)

	cases := []Packet{
		Close{},
		Err{Code: ErrMissingPermission},
		RateLimited{SecondsLeft: 7},
		Login{Name: "alice", Bot: false, Password: &password},
		Login{Name: "alice", Bot: false, Token: &token},
		LoginSuccess{ID: 1, Token: token, Created: true},
		LoginUpdate{ResetToken: true},
		ChannelCreate{Name: "general", Overrides: map[uint64]Override{2: {Allow: 1, Deny: 0}}},
		ChannelDelete{ID: 1},
		RoleCreate{Name: "mod", Pos: 1, Allow: 3, Deny: 0, Unassignable: false},
		MessageCreate{Channel: 1, Text: []byte("hi")},
		MessageList{Channel: 1, Before: &before, Limit: 10},
		MessageReceive{Message: Message{ID: 1, Channel: 1, Author: 1, Text: []byte("hi"), Timestamp: 100}, New: true},
		Typing{Channel: 1},
		TypingReceive{Author: 1, Channel: 1},
		UserReceive{User: User{ID: 1, Name: "alice", Roles: []uint64{3}}},
		UserUpdate{ID: 2, Roles: []uint64{3, 4}},
	}

	for _, p := range cases {
		body, err := Encode(p)
		require.NoError(t, err)
		got, err := Decode(body)
		require.NoError(t, err)
		assert.Equal(t, p.Type(), got.Type())
	}
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MessageCreate{Channel: 1, Text: []byte("hello")}))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	mc, ok := got.(MessageCreate)
	require.True(t, ok)
	assert.Equal(t, uint64(1), mc.Channel)
	assert.Equal(t, []byte("hello"), mc.Text)
}

func TestEncodeTooBig(t *testing.T) {
	_, err := Encode(MessageCreate{Channel: 1, Text: bytes.Repeat([]byte("x"), MaxPacketSize*2)})
	require.ErrorIs(t, err, ErrPacketTooBig)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte{0x81, 0xa4, 't', 'y', 'p', 'e', 0xa7, 'b', 'o', 'g', 'u', 's'})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown") || err == ErrUnknownPacketType)
}

func TestRequestClass(t *testing.T) {
	assert.Equal(t, ClassExpensive, RequestClass(Login{Name: "a"}))
	assert.Equal(t, ClassCheap, RequestClass(LoginUpdate{}))
	pw := "x"
	assert.Equal(t, ClassExpensive, RequestClass(LoginUpdate{PasswordNew: &pw}))
	assert.Equal(t, ClassNone, RequestClass(Typing{Channel: 1}))
	assert.Equal(t, ClassCheap, RequestClass(MessageCreate{}))
}
