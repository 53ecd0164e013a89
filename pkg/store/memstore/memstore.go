// Package memstore is an in-memory store.Store implementation used by
// engine tests, grounded on the teacher's in-memory MemDB shape (maps
// guarded by a single mutex, monotonic id counters, sorted index
// slices for range queries).
package memstore

import (
	"sort"
	"sync"

	"github.com/synacgo/synac/pkg/store"
)

const (
	roleHumans uint64 = 1
	roleBots   uint64 = 2
)

// Store is a mutex-guarded in-memory implementation of store.Store. It
// seeds the two reserved system roles on construction, exactly as the
// reference SQLite schema does.
type Store struct {
	mu sync.Mutex

	nextUserID    uint64
	nextRoleID    uint64
	nextChannelID uint64
	nextMessageID uint64

	users       map[uint64]*store.User
	usersByName map[string]uint64
	roles       map[uint64]*store.Role
	channels    map[uint64]*store.Channel
	messages    map[uint64]*store.Message
	msgsByChan  map[uint64][]uint64 // sorted by id ascending
}

// New returns a store seeded with the @humans/@bots system roles.
func New() *Store {
	s := &Store{
		nextUserID:    1,
		nextRoleID:    3, // 1 and 2 are reserved
		nextChannelID: 1,
		nextMessageID: 1,
		users:         make(map[uint64]*store.User),
		usersByName:   make(map[string]uint64),
		roles:         make(map[uint64]*store.Role),
		channels:      make(map[uint64]*store.Channel),
		messages:      make(map[uint64]*store.Message),
		msgsByChan:    make(map[uint64][]uint64),
	}
	s.roles[roleHumans] = &store.Role{ID: roleHumans, Name: "@humans", Pos: 0, Unassignable: true}
	s.roles[roleBots] = &store.Role{ID: roleBots, Name: "@bots", Pos: 0, Unassignable: true}
	return s
}

func normalizeName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func (s *Store) GetUserByID(id uint64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	cp.Roles = append([]uint64(nil), u.Roles...)
	return &cp, nil
}

func (s *Store) GetUserByName(name string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByName[normalizeName(name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := s.users[id]
	cp := *u
	cp.Roles = append([]uint64(nil), u.Roles...)
	return &cp, nil
}

func (s *Store) GetUserByToken(token string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		return nil, store.ErrNotFound
	}
	for _, u := range s.users {
		if u.Token == token {
			cp := *u
			cp.Roles = append([]uint64(nil), u.Roles...)
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListUsers() ([]store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		cp.Roles = append([]uint64(nil), u.Roles...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateUser(name string, bot bool, passwordHash string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeName(name)
	if _, exists := s.usersByName[key]; exists {
		return nil, store.ErrNameTaken
	}
	id := s.nextUserID
	s.nextUserID++
	u := &store.User{ID: id, Name: name, Bot: bot, PasswordHash: passwordHash}
	s.users[id] = u
	s.usersByName[key] = id
	cp := *u
	return &cp, nil
}

func (s *Store) UpdateUserRoles(id uint64, roles []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Roles = append([]uint64(nil), roles...)
	return nil
}

func (s *Store) UpdateUserBan(id uint64, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Banned = banned
	return nil
}

func (s *Store) UpdateUserPassword(id uint64, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (s *Store) UpdateUserToken(id uint64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Token = token
	return nil
}

func (s *Store) UpdateUserName(id uint64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	key := normalizeName(name)
	if existing, exists := s.usersByName[key]; exists && existing != id {
		return store.ErrNameTaken
	}
	delete(s.usersByName, normalizeName(u.Name))
	u.Name = name
	s.usersByName[key] = id
	return nil
}

func (s *Store) UpdateUserLastIP(id uint64, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.LastIP = ip
	return nil
}

func (s *Store) AnyBannedUserWithIP(ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Banned && u.LastIP == ip {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListRoles() ([]store.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pos != out[j].Pos {
			return out[i].Pos < out[j].Pos
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetRole(id uint64) (*store.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// CreateRole inserts a role at r.Pos, shifting every existing
// non-system role at or after that position up by one so positions
// stay dense (spec invariant 1).
func (s *Store) CreateRole(r store.Role) (*store.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxPos := uint8(0)
	for _, existing := range s.roles {
		if existing.Pos > maxPos {
			maxPos = existing.Pos
		}
	}
	if r.Pos == 0 || r.Pos > maxPos+1 {
		return nil, store.ErrInvalidPosition
	}

	for _, existing := range s.roles {
		if existing.Pos >= r.Pos && existing.ID != roleHumans && existing.ID != roleBots {
			existing.Pos++
		}
	}

	id := s.nextRoleID
	s.nextRoleID++
	created := r
	created.ID = id
	s.roles[id] = &created
	cp := created
	return &cp, nil
}

// UpdateRole replaces the stored role with r (every field, so callers
// pass a fully merged record), re-shifting positions if Pos changed.
func (s *Store) UpdateRole(r store.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.roles[r.ID]
	if !ok {
		return store.ErrNotFound
	}
	if existing.ID == roleHumans || existing.ID == roleBots {
		if r.Name != existing.Name {
			return store.ErrLockedName
		}
	}

	if r.Pos != existing.Pos && existing.ID != roleHumans && existing.ID != roleBots {
		oldPos, newPos := existing.Pos, r.Pos
		for _, other := range s.roles {
			if other.ID == existing.ID || other.ID == roleHumans || other.ID == roleBots {
				continue
			}
			switch {
			case newPos > oldPos && other.Pos > oldPos && other.Pos <= newPos:
				other.Pos--
			case newPos < oldPos && other.Pos >= newPos && other.Pos < oldPos:
				other.Pos++
			}
		}
	}

	*existing = r
	return nil
}

// DeleteRole removes a role and compacts positions of everything after
// it, preserving density.
func (s *Store) DeleteRole(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[id]
	if !ok {
		return store.ErrNotFound
	}
	if id == roleHumans || id == roleBots {
		return store.ErrLockedName
	}
	removedPos := r.Pos
	delete(s.roles, id)
	for _, other := range s.roles {
		if other.ID != roleHumans && other.ID != roleBots && other.Pos > removedPos {
			other.Pos--
		}
	}
	for _, u := range s.users {
		u.Roles = removeUint64(u.Roles, id)
	}
	for _, c := range s.channels {
		delete(c.Overrides, id)
	}
	return nil
}

func removeUint64(s []uint64, v uint64) []uint64 {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (s *Store) ListChannels() ([]store.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, cloneChannel(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneChannel(c *store.Channel) store.Channel {
	cp := store.Channel{ID: c.ID, Name: c.Name, Overrides: make(map[uint64]store.Override, len(c.Overrides))}
	for k, v := range c.Overrides {
		cp.Overrides[k] = v
	}
	return cp
}

func (s *Store) GetChannel(id uint64) (*store.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := cloneChannel(c)
	return &cp, nil
}

// filterOverrides drops entries whose role id doesn't exist, per spec
// invariant 4.
func (s *Store) filterOverrides(overrides map[uint64]store.Override) map[uint64]store.Override {
	out := make(map[uint64]store.Override, len(overrides))
	for roleID, o := range overrides {
		if _, ok := s.roles[roleID]; ok {
			out[roleID] = o
		}
	}
	return out
}

func (s *Store) CreateChannel(name string, overrides map[uint64]store.Override) (*store.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextChannelID
	s.nextChannelID++
	c := &store.Channel{ID: id, Name: name, Overrides: s.filterOverrides(overrides)}
	s.channels[id] = c
	cp := cloneChannel(c)
	return &cp, nil
}

func (s *Store) UpdateChannel(id uint64, name *string, overrides map[uint64]store.Override) (*store.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if name != nil {
		c.Name = *name
	}
	if overrides != nil {
		c.Overrides = s.filterOverrides(overrides)
	}
	cp := cloneChannel(c)
	return &cp, nil
}

func (s *Store) DeleteChannel(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.channels, id)
	delete(s.msgsByChan, id)
	for msgID, m := range s.messages {
		if m.Channel == id {
			delete(s.messages, msgID)
		}
	}
	return nil
}

func (s *Store) GetMessage(id uint64) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) CreateMessage(channel, author uint64, text []byte, now int64) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextMessageID
	s.nextMessageID++
	m := &store.Message{ID: id, Channel: channel, Author: author, Text: append([]byte(nil), text...), Timestamp: now}
	s.messages[id] = m
	s.msgsByChan[channel] = append(s.msgsByChan[channel], id)
	cp := *m
	return &cp, nil
}

func (s *Store) UpdateMessageText(id uint64, text []byte, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Text = append([]byte(nil), text...)
	edit := now
	m.TimestampEdit = &edit
	return nil
}

func (s *Store) DeleteMessage(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.messages, id)
	ids := s.msgsByChan[m.Channel]
	for i, mid := range ids {
		if mid == id {
			s.msgsByChan[m.Channel] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// ListMessages returns up to limit messages from channel, honoring
// before/after cursors (mutually exclusive in practice; before wins if
// both given), or the latest page when neither is set.
func (s *Store) ListMessages(channel uint64, before, after *uint64, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.msgsByChan[channel]
	var filtered []uint64
	switch {
	case before != nil:
		for _, id := range ids {
			if id < *before {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) > limit {
			filtered = filtered[len(filtered)-limit:]
		}
	case after != nil:
		for _, id := range ids {
			if id > *after {
				filtered = append(filtered, id)
				if len(filtered) == limit {
					break
				}
			}
		}
	default:
		filtered = ids
		if len(filtered) > limit {
			filtered = filtered[len(filtered)-limit:]
		}
	}

	out := make([]store.Message, 0, len(filtered))
	for _, id := range filtered {
		out = append(out, *s.messages[id])
	}
	return out, nil
}
