package sqlitestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synacgo/synac/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSeedsSystemRoles(t *testing.T) {
	s := openTestStore(t)
	roles, err := s.ListRoles()
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "@humans", roles[0].Name)
	assert.Equal(t, "@bots", roles[1].Name)
}

func TestCreateUserDuplicateNameCaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateUser("Alice", false, "hash")
	require.NoError(t, err)
	_, err = s.CreateUser("alice", false, "hash2")
	assert.ErrorIs(t, err, store.ErrNameTaken)
}

func TestUserRolesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	u, err := s.CreateUser("alice", false, "hash")
	require.NoError(t, err)

	r, err := s.CreateRole(store.Role{Name: "mod", Pos: 1, Allow: 1})
	require.NoError(t, err)

	require.NoError(t, s.UpdateUserRoles(u.ID, []uint64{r.ID}))
	got, err := s.GetUserByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{r.ID}, got.Roles)

	require.NoError(t, s.UpdateUserRoles(u.ID, nil))
	got, err = s.GetUserByID(u.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Roles)
}

func TestGetUserByTokenAndListUsers(t *testing.T) {
	s := openTestStore(t)
	u, err := s.CreateUser("alice", false, "hash")
	require.NoError(t, err)
	require.NoError(t, s.UpdateUserToken(u.ID, "tok-abc"))

	found, err := s.GetUserByToken("tok-abc")
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)

	_, err = s.GetUserByToken("")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateUser("bob", true, "hash2")
	require.NoError(t, err)
	users, err := s.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Name)
	assert.Equal(t, "bob", users[1].Name)
}

func TestChannelOverridesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	r, err := s.CreateRole(store.Role{Name: "mod", Pos: 1, Allow: 1})
	require.NoError(t, err)

	ch, err := s.CreateChannel("general", map[uint64]store.Override{r.ID: {Allow: 2, Deny: 1}})
	require.NoError(t, err)
	require.Len(t, ch.Overrides, 1)
	assert.Equal(t, store.Override{Allow: 2, Deny: 1}, ch.Overrides[r.ID])

	got, err := s.GetChannel(ch.ID)
	require.NoError(t, err)
	assert.Equal(t, ch.Overrides, got.Overrides)
}

func TestChannelOverridesDropDeletedRole(t *testing.T) {
	s := openTestStore(t)
	r, err := s.CreateRole(store.Role{Name: "mod", Pos: 1})
	require.NoError(t, err)
	ch, err := s.CreateChannel("general", map[uint64]store.Override{r.ID: {Allow: 1}})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRole(r.ID))

	got, err := s.GetChannel(ch.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Overrides)
}

func TestMessagePaginationBeforeAfter(t *testing.T) {
	s := openTestStore(t)
	ch, err := s.CreateChannel("general", nil)
	require.NoError(t, err)
	u, err := s.CreateUser("alice", false, "hash")
	require.NoError(t, err)

	var ids []uint64
	for i := 0; i < 5; i++ {
		m, err := s.CreateMessage(ch.ID, u.ID, []byte("m"), int64(i))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	latest, err := s.ListMessages(ch.ID, nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, ids[3], latest[0].ID)
	assert.Equal(t, ids[4], latest[1].ID)

	before := ids[3]
	older, err := s.ListMessages(ch.ID, &before, nil, 2)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, ids[1], older[0].ID)
	assert.Equal(t, ids[2], older[1].ID)
}

func TestDeleteMessage(t *testing.T) {
	s := openTestStore(t)
	ch, err := s.CreateChannel("general", nil)
	require.NoError(t, err)
	u, err := s.CreateUser("alice", false, "hash")
	require.NoError(t, err)
	m, err := s.CreateMessage(ch.ID, u.ID, []byte("hi"), 1000)
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(m.ID))
	_, err = s.GetMessage(m.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateRoleLockedSystemName(t *testing.T) {
	s := openTestStore(t)
	humans, err := s.GetRole(roleHumans)
	require.NoError(t, err)
	humans.Name = "@renamed"
	err = s.UpdateRole(*humans)
	assert.ErrorIs(t, err, store.ErrLockedName)
}

func TestDeleteRoleLockedSystemRole(t *testing.T) {
	s := openTestStore(t)
	err := s.DeleteRole(roleHumans)
	assert.ErrorIs(t, err, store.ErrLockedName)
}

func TestAnyBannedUserWithIP(t *testing.T) {
	s := openTestStore(t)
	u, err := s.CreateUser("alice", false, "hash")
	require.NoError(t, err)
	require.NoError(t, s.UpdateUserLastIP(u.ID, "1.2.3.4"))

	banned, err := s.AnyBannedUserWithIP("1.2.3.4")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, s.UpdateUserBan(u.ID, true))
	banned, err = s.AnyBannedUserWithIP("1.2.3.4")
	require.NoError(t, err)
	assert.True(t, banned)
}
