package server

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synacgo/synac/pkg/permission"
	"github.com/synacgo/synac/pkg/protocol"
	"github.com/synacgo/synac/pkg/store"
	"github.com/synacgo/synac/pkg/store/memstore"
)

func init() {
	errorLog = log.New(io.Discard, "", 0)
	debugLog = log.New(io.Discard, "", 0)
}

// testServer builds a Server around a fresh memstore directly, skipping
// NewServer's logger setup and never calling Serve, so handler tests run
// without a TLS listener, matching the teacher's testServer helper shape.
func testServer(t *testing.T) *Server {
	t.Helper()
	st := memstore.New()
	return &Server{
		cfg:      DefaultConfig(),
		store:    st,
		sessions: NewSessionManager(8, 20, 5, nil),
		metrics:  NewMetrics(),
		shutdown: make(chan struct{}),
	}
}

func testSession(t *testing.T, s *Server, ip string) *Session {
	t.Helper()
	sess, err := s.sessions.Admit(newMockConn(ip+":1"), ip)
	require.NoError(t, err)
	return sess
}

func login(t *testing.T, s *Server, sess *Session, name string, bot bool) uint64 {
	t.Helper()
	err := s.handleLogin(sess, protocol.Login{Name: name, Bot: bot, Password: strPtr("hunter2")})
	require.NoError(t, err)
	id, ok := sess.UserID()
	require.True(t, ok)
	return id
}

func strPtr(s string) *string { return &s }

func TestHandleLoginCreatesUserOnFirstPassword(t *testing.T) {
	s := testServer(t)
	sess := testSession(t, s, "10.0.0.1")

	err := s.handleLogin(sess, protocol.Login{Name: "alice", Password: strPtr("hunter2")})
	require.NoError(t, err)

	id, ok := sess.UserID()
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)

	u, err := s.store.GetUserByID(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
	assert.NotEmpty(t, u.Token)
}

func TestHandleLoginWrongPasswordRejected(t *testing.T) {
	s := testServer(t)
	sess1 := testSession(t, s, "10.0.0.1")
	login(t, s, sess1, "alice", false)

	sess2 := testSession(t, s, "10.0.0.2")
	err := s.handleLogin(sess2, protocol.Login{Name: "alice", Password: strPtr("wrong")})
	require.NoError(t, err)
	_, ok := sess2.UserID()
	assert.False(t, ok)
}

func TestHandleLoginBotFlagMismatch(t *testing.T) {
	s := testServer(t)
	sess1 := testSession(t, s, "10.0.0.1")
	login(t, s, sess1, "alice", false)

	sess2 := testSession(t, s, "10.0.0.2")
	err := s.handleLogin(sess2, protocol.Login{Name: "alice", Bot: true, Password: strPtr("hunter2")})
	require.NoError(t, err)
	_, ok := sess2.UserID()
	assert.False(t, ok)
}

func TestHandleLoginTokenStaleRejected(t *testing.T) {
	s := testServer(t)
	sess := testSession(t, s, "10.0.0.1")
	bogus := "not-a-real-token"
	err := s.handleLogin(sess, protocol.Login{Name: "alice", Token: &bogus})
	require.NoError(t, err)
	_, ok := sess.UserID()
	assert.False(t, ok)
}

func TestHandleLoginBannedUserRejected(t *testing.T) {
	s := testServer(t)
	sess1 := testSession(t, s, "10.0.0.1")
	uid := login(t, s, sess1, "alice", false)
	require.NoError(t, s.store.UpdateUserBan(uid, true))

	sess2 := testSession(t, s, "10.0.0.2")
	err := s.handleLogin(sess2, protocol.Login{Name: "alice", Password: strPtr("hunter2")})
	require.NoError(t, err)
	_, ok := sess2.UserID()
	assert.False(t, ok)
}

func TestChannelCreateRequiresManageChannels(t *testing.T) {
	s := testServer(t)
	// The first account gets id 1, the default OwnerID; log it in first
	// so alice is an ordinary user without the owner bypass.
	owner := testSession(t, s, "10.0.0.1")
	login(t, s, owner, "owner", false)
	sess := testSession(t, s, "10.0.0.2")
	login(t, s, sess, "alice", false)

	err := s.handleChannelCreate(sess, protocol.ChannelCreate{Name: "general"})
	require.NoError(t, err)

	channels, err := s.store.ListChannels()
	require.NoError(t, err)
	assert.Len(t, channels, 0)
}

func TestChannelCreateAllowedForOwner(t *testing.T) {
	s := testServer(t)
	sess := testSession(t, s, "10.0.0.1")
	uid := login(t, s, sess, "owner", false)
	s.cfg.OwnerID = uid

	err := s.handleChannelCreate(sess, protocol.ChannelCreate{Name: "general"})
	require.NoError(t, err)

	channels, err := s.store.ListChannels()
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "general", channels[0].Name)
}

func TestChannelUpdateUnknownChannelReturnsDefensiveError(t *testing.T) {
	s := testServer(t)
	sess := testSession(t, s, "10.0.0.1")
	uid := login(t, s, sess, "owner", false)
	s.cfg.OwnerID = uid

	// No panic on a missing channel id, per the defensive-lookup fix.
	err := s.handleChannelUpdate(sess, protocol.ChannelUpdate{ID: 999})
	require.NoError(t, err)
}

func TestMessageCreateRequiresWritePermission(t *testing.T) {
	s := testServer(t)
	owner := testSession(t, s, "10.0.0.1")
	ownerID := login(t, s, owner, "owner", false)
	s.cfg.OwnerID = ownerID
	ch, err := s.store.CreateChannel("general", nil)
	require.NoError(t, err)

	reader := testSession(t, s, "10.0.0.2")
	login(t, s, reader, "bob", false)

	// @humans has no Write bit by default, so bob's post is rejected
	// and nothing lands in the store.
	err = s.handleMessageCreate(reader, protocol.MessageCreate{Channel: ch.ID, Text: []byte("hi")})
	require.NoError(t, err)

	msgs, err := s.store.ListMessages(ch.ID, nil, nil, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 0)
}

func TestMessageCreateSucceedsWithWriteBit(t *testing.T) {
	s := testServer(t)
	owner := testSession(t, s, "10.0.0.1")
	ownerID := login(t, s, owner, "owner", false)
	s.cfg.OwnerID = ownerID
	ch, err := s.store.CreateChannel("general", nil)
	require.NoError(t, err)

	// Grant @humans Write by updating the system role directly.
	humans, err := s.store.GetRole(permission.RoleHumans)
	require.NoError(t, err)
	humans.Allow |= permission.Write
	require.NoError(t, s.store.UpdateRole(*humans))

	bob := testSession(t, s, "10.0.0.2")
	login(t, s, bob, "bob", false)

	err = s.handleMessageCreate(bob, protocol.MessageCreate{Channel: ch.ID, Text: []byte("hi")})
	require.NoError(t, err)

	msgs, err := s.store.ListMessages(ch.ID, nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hi"), msgs[0].Text)
}

// TestMessageUpdateChecksActualChannelNotClaimed is the spec's explicit
// fix for the source's self-comparison bug: a claimed channel that
// doesn't match the message's real channel must be rejected.
func TestMessageUpdateChecksActualChannelNotClaimed(t *testing.T) {
	s := testServer(t)
	owner := testSession(t, s, "10.0.0.1")
	ownerID := login(t, s, owner, "owner", false)
	s.cfg.OwnerID = ownerID

	chA, err := s.store.CreateChannel("a", nil)
	require.NoError(t, err)
	chB, err := s.store.CreateChannel("b", nil)
	require.NoError(t, err)

	m, err := s.store.CreateMessage(chA.ID, ownerID, []byte("hi"), 1000)
	require.NoError(t, err)

	err = s.handleMessageUpdate(owner, protocol.MessageUpdate{ID: m.ID, Channel: chB.ID, Text: []byte("edited")})
	require.NoError(t, err)

	unchanged, err := s.store.GetMessage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), unchanged.Text)
}

func TestMessageUpdateOnlyAuthorMayEdit(t *testing.T) {
	s := testServer(t)
	owner := testSession(t, s, "10.0.0.1")
	ownerID := login(t, s, owner, "owner", false)
	s.cfg.OwnerID = ownerID
	ch, err := s.store.CreateChannel("general", nil)
	require.NoError(t, err)
	m, err := s.store.CreateMessage(ch.ID, ownerID, []byte("hi"), 1000)
	require.NoError(t, err)

	other := testSession(t, s, "10.0.0.2")
	login(t, s, other, "bob", false)

	err = s.handleMessageUpdate(other, protocol.MessageUpdate{ID: m.ID, Channel: ch.ID, Text: []byte("edited")})
	require.NoError(t, err)

	unchanged, err := s.store.GetMessage(m.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), unchanged.Text)
}

func TestRoleCreateRequiresValidPosition(t *testing.T) {
	s := testServer(t)
	sess := testSession(t, s, "10.0.0.1")
	uid := login(t, s, sess, "owner", false)
	s.cfg.OwnerID = uid

	err := s.handleRoleCreate(sess, protocol.RoleCreate{Name: "mod", Pos: 0})
	require.NoError(t, err)

	roles, err := s.store.ListRoles()
	require.NoError(t, err)
	assert.Len(t, roles, 2) // only the two system roles
}

func TestUserUpdateRejectsSystemRoleInExplicitList(t *testing.T) {
	s := testServer(t)
	owner := testSession(t, s, "10.0.0.1")
	ownerID := login(t, s, owner, "owner", false)
	s.cfg.OwnerID = ownerID

	target := testSession(t, s, "10.0.0.2")
	targetID := login(t, s, target, "bob", false)

	err := s.handleUserUpdate(owner, protocol.UserUpdate{ID: targetID, Roles: []uint64{permission.RoleHumans}})
	require.NoError(t, err)

	u, err := s.store.GetUserByID(targetID)
	require.NoError(t, err)
	assert.Empty(t, u.Roles)
}

func TestUserUpdateBanClosesVictimSessions(t *testing.T) {
	s := testServer(t)
	owner := testSession(t, s, "10.0.0.1")
	ownerID := login(t, s, owner, "owner", false)
	s.cfg.OwnerID = ownerID

	victim := testSession(t, s, "10.0.0.2")
	victimID := login(t, s, victim, "bob", false)

	banTrue := true
	err := s.handleUserUpdate(owner, protocol.UserUpdate{ID: victimID, Ban: &banTrue})
	require.NoError(t, err)

	conn := victim.Conn.(*mockConn)
	assert.True(t, conn.closed)
}

func TestUserUpdateCannotBanOwner(t *testing.T) {
	s := testServer(t)
	owner := testSession(t, s, "10.0.0.1")
	ownerID := login(t, s, owner, "owner", false)
	s.cfg.OwnerID = ownerID

	mod := testSession(t, s, "10.0.0.2")
	modID := login(t, s, mod, "mod", false)
	humans, err := s.store.GetRole(permission.RoleHumans)
	require.NoError(t, err)
	humans.Allow |= permission.Ban
	require.NoError(t, s.store.UpdateRole(*humans))

	banTrue := true
	err = s.handleUserUpdate(mod, protocol.UserUpdate{ID: ownerID, Ban: &banTrue})
	require.NoError(t, err)

	u, err := s.store.GetUserByID(ownerID)
	require.NoError(t, err)
	assert.False(t, u.Banned)
}

func TestDispatchRejectsSecondLogin(t *testing.T) {
	s := testServer(t)
	sess := testSession(t, s, "10.0.0.1")
	login(t, s, sess, "alice", false)

	err := s.dispatch(sess, protocol.Login{Name: "alice", Password: strPtr("hunter2")})
	require.NoError(t, err)
	id, _ := sess.UserID()
	assert.Equal(t, uint64(1), id) // unchanged
}

func TestDispatchClosesOnUnauthenticatedNonLogin(t *testing.T) {
	s := testServer(t)
	sess := testSession(t, s, "10.0.0.1")

	err := s.dispatch(sess, protocol.Typing{Channel: 1})
	assert.ErrorIs(t, err, errClientClosing)
}

func TestDispatchCloseAlwaysReturnsClosing(t *testing.T) {
	s := testServer(t)
	sess := testSession(t, s, "10.0.0.1")
	login(t, s, sess, "alice", false)

	err := s.dispatch(sess, protocol.Close{})
	assert.ErrorIs(t, err, errClientClosing)
}

var _ store.Store = (*memstore.Store)(nil)
