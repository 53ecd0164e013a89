package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAddr struct{ s string }

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return m.s }

// mockConn is a no-op net.Conn for exercising session/dispatch logic
// without a real socket.
type mockConn struct {
	addr   string
	closed bool
}

func newMockConn(addr string) *mockConn { return &mockConn{addr: addr} }

func (c *mockConn) Read(b []byte) (int, error)  { return 0, nil }
func (c *mockConn) Write(b []byte) (int, error) { return len(b), nil }
func (c *mockConn) Close() error {
	c.closed = true
	return nil
}
func (c *mockConn) LocalAddr() net.Addr                { return &mockAddr{"127.0.0.1:0"} }
func (c *mockConn) RemoteAddr() net.Addr                { return &mockAddr{c.addr} }
func (c *mockConn) SetDeadline(t time.Time) error       { return nil }
func (c *mockConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *mockConn) SetWriteDeadline(t time.Time) error  { return nil }

func TestSessionManagerAdmitRejectsWithoutIncrementing(t *testing.T) {
	sm := NewSessionManager(1, 20, 5, nil)

	sess1, err := sm.Admit(newMockConn("1.2.3.4:1"), "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, sess1)

	_, err = sm.Admit(newMockConn("1.2.3.4:2"), "1.2.3.4")
	require.ErrorIs(t, err, errMaxConnPerIP)

	// The rejected attempt must not have bumped the per-IP counter: a
	// second rejection in a row proves it stayed at 1, not 2.
	_, err = sm.Admit(newMockConn("1.2.3.4:3"), "1.2.3.4")
	require.ErrorIs(t, err, errMaxConnPerIP)

	sm.Remove(sess1.ID)
	sess2, err := sm.Admit(newMockConn("1.2.3.4:4"), "1.2.3.4")
	require.NoError(t, err)
	assert.NotEqual(t, sess1.ID, sess2.ID)
}

func TestSessionManagerAdmitDistinctIPsIndependent(t *testing.T) {
	sm := NewSessionManager(1, 20, 5, nil)

	_, err := sm.Admit(newMockConn("1.1.1.1:1"), "1.1.1.1")
	require.NoError(t, err)
	_, err = sm.Admit(newMockConn("2.2.2.2:1"), "2.2.2.2")
	require.NoError(t, err)
}

func TestSessionUserIDUnsetUntilAuthenticated(t *testing.T) {
	sess := &Session{}
	_, ok := sess.UserID()
	assert.False(t, ok)

	sess.setUserID(42)
	id, ok := sess.UserID()
	require.True(t, ok)
	assert.Equal(t, uint64(42), id)
	assert.Equal(t, Authenticated, sess.State())
}

func TestSessionManagerBroadcastFilteredSkipsUnauthenticated(t *testing.T) {
	sm := NewSessionManager(8, 20, 5, nil)
	sess, err := sm.Admit(newMockConn("9.9.9.9:1"), "9.9.9.9")
	require.NoError(t, err)

	delivered := sm.BroadcastFiltered(closePacket{}, func(uint64) bool { return true }, sm.Remove)
	assert.Equal(t, 0, delivered)

	sess.setUserID(1)
	delivered = sm.BroadcastFiltered(closePacket{}, func(uint64) bool { return true }, sm.Remove)
	assert.Equal(t, 1, delivered)
}

// closePacket is a minimal protocol.Packet stand-in so broadcast tests
// don't need to build a full wire message.
type closePacket struct{}

func (closePacket) Type() string { return "close" }
