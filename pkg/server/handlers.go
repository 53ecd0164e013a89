package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/synacgo/synac/pkg/permission"
	"github.com/synacgo/synac/pkg/protocol"
	"github.com/synacgo/synac/pkg/store"
)

// generateToken returns a 64-character opaque bearer token, per spec
// section 3's User.token field.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// --- wire projections ---

func toWireUser(u *store.User) protocol.User {
	return protocol.User{ID: u.ID, Name: u.Name, Bot: u.Bot, Banned: u.Banned, Roles: u.Roles}
}

func toWireRole(r *store.Role) protocol.Role {
	return protocol.Role{ID: r.ID, Name: r.Name, Pos: r.Pos, Allow: r.Allow, Deny: r.Deny, Unassignable: r.Unassignable}
}

func toWireChannel(c *store.Channel) protocol.Channel {
	overrides := make(map[uint64]protocol.Override, len(c.Overrides))
	for rid, o := range c.Overrides {
		overrides[rid] = protocol.Override{Allow: o.Allow, Deny: o.Deny}
	}
	return protocol.Channel{ID: c.ID, Name: c.Name, Overrides: overrides}
}

func toWireMessage(m *store.Message) protocol.Message {
	return protocol.Message{ID: m.ID, Channel: m.Channel, Author: m.Author, Text: m.Text, Timestamp: m.Timestamp, TimestampEdit: m.TimestampEdit}
}

func overridesToStore(overrides map[uint64]protocol.Override) map[uint64]store.Override {
	if overrides == nil {
		return nil
	}
	out := make(map[uint64]store.Override, len(overrides))
	for rid, o := range overrides {
		out[rid] = store.Override{Allow: o.Allow, Deny: o.Deny}
	}
	return out
}

// --- broadcast helpers ---

// broadcastAll delivers a non-channel-scoped event (spec 4.G) to every
// authenticated session.
func (s *Server) broadcastAll(p protocol.Packet) {
	n := s.sessions.BroadcastAll(p, s.sessions.Remove)
	if s.metrics != nil {
		s.metrics.broadcastFanout.WithLabelValues("all").Observe(float64(n))
	}
}

// broadcastChannel delivers a channel-scoped event only to sessions
// whose user currently has READ against channelID's live overrides.
func (s *Server) broadcastChannel(p protocol.Packet, channelID uint64) {
	allow := func(userID uint64) bool {
		ok, err := s.hasPermission(userID, &channelID, permission.Read)
		return err == nil && ok
	}
	n := s.sessions.BroadcastFiltered(p, allow, s.sessions.Remove)
	if s.metrics != nil {
		s.metrics.broadcastFanout.WithLabelValues("channel").Observe(float64(n))
	}
}

// sendInitialSnapshot sends every role, channel, and user (sans
// credentials) to a newly authenticated session, per spec 4.F.
func (s *Server) sendInitialSnapshot(sess *Session) error {
	roles, err := s.store.ListRoles()
	if err != nil {
		return err
	}
	for i := range roles {
		if err := sess.send(protocol.RoleReceive{Role: toWireRole(&roles[i]), New: false}); err != nil {
			return err
		}
	}

	channels, err := s.store.ListChannels()
	if err != nil {
		return err
	}
	for i := range channels {
		if err := sess.send(protocol.ChannelReceive{Channel: toWireChannel(&channels[i])}); err != nil {
			return err
		}
	}

	users, err := s.store.ListUsers()
	if err != nil {
		return err
	}
	for i := range users {
		if err := sess.send(protocol.UserReceive{User: toWireUser(&users[i])}); err != nil {
			return err
		}
	}
	return nil
}

// --- authentication ---

func (s *Server) handleLogin(sess *Session, msg protocol.Login) error {
	if msg.Name == "" {
		return s.sendError(sess, protocol.ErrMissingField)
	}

	var u *store.User
	var token string
	var created bool

	switch {
	case msg.Token != nil:
		found, err := s.store.GetUserByToken(*msg.Token)
		if errors.Is(err, store.ErrNotFound) {
			s.recordLoginOutcome("invalid")
			return s.sendError(sess, protocol.ErrLoginInvalid)
		}
		if err != nil {
			s.dbError(sess, "GetUserByToken", err)
			return errClientClosing
		}
		if found.Bot != msg.Bot {
			s.recordLoginOutcome("bot")
			return s.sendError(sess, protocol.ErrLoginBot)
		}
		if found.Banned {
			s.recordLoginOutcome("banned")
			return s.sendError(sess, protocol.ErrLoginBanned)
		}
		u, token = found, *msg.Token

	case msg.Password != nil:
		found, err := s.store.GetUserByName(msg.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if len(msg.Name) > s.cfg.LimitUserName {
				return s.sendError(sess, protocol.ErrLimitReached)
			}
			hash, herr := bcrypt.GenerateFromPassword([]byte(*msg.Password), bcrypt.DefaultCost)
			if herr != nil {
				s.dbError(sess, "GenerateFromPassword", herr)
				return errClientClosing
			}
			newUser, cerr := s.store.CreateUser(msg.Name, msg.Bot, string(hash))
			if cerr != nil {
				s.dbError(sess, "CreateUser", cerr)
				return errClientClosing
			}
			tok, terr := generateToken()
			if terr != nil {
				s.dbError(sess, "generateToken", terr)
				return errClientClosing
			}
			if err := s.store.UpdateUserToken(newUser.ID, tok); err != nil {
				s.dbError(sess, "UpdateUserToken", err)
				return errClientClosing
			}
			u, token, created = newUser, tok, true
		case err != nil:
			s.dbError(sess, "GetUserByName", err)
			return errClientClosing
		default:
			if found.Bot != msg.Bot {
				s.recordLoginOutcome("bot")
				return s.sendError(sess, protocol.ErrLoginBot)
			}
			if found.Banned {
				s.recordLoginOutcome("banned")
				return s.sendError(sess, protocol.ErrLoginBanned)
			}
			if bcrypt.CompareHashAndPassword([]byte(found.PasswordHash), []byte(*msg.Password)) != nil {
				s.recordLoginOutcome("invalid")
				return s.sendError(sess, protocol.ErrLoginInvalid)
			}
			tok, terr := generateToken()
			if terr != nil {
				s.dbError(sess, "generateToken", terr)
				return errClientClosing
			}
			if err := s.store.UpdateUserToken(found.ID, tok); err != nil {
				s.dbError(sess, "UpdateUserToken", err)
				return errClientClosing
			}
			u, token = found, tok
		}

	default:
		return s.sendError(sess, protocol.ErrMissingField)
	}

	if err := s.store.UpdateUserLastIP(u.ID, sess.IP); err != nil {
		s.dbError(sess, "UpdateUserLastIP", err)
		return errClientClosing
	}
	sess.setUserID(u.ID)
	s.recordLoginOutcome("success")

	if err := sess.send(protocol.LoginSuccess{ID: u.ID, Token: token, Created: created}); err != nil {
		return err
	}
	return s.sendInitialSnapshot(sess)
}

func (s *Server) recordLoginOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.loginAttempts.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) handleLoginUpdate(sess *Session, msg protocol.LoginUpdate) error {
	uid, _ := sess.UserID()
	u, err := s.store.GetUserByID(uid)
	if err != nil {
		s.dbError(sess, "GetUserByID", err)
		return errClientClosing
	}

	if msg.Name != nil {
		if err := s.store.UpdateUserName(uid, *msg.Name); err != nil {
			if errors.Is(err, store.ErrNameTaken) {
				return s.sendError(sess, protocol.ErrAttrLockedName)
			}
			s.dbError(sess, "UpdateUserName", err)
			return errClientClosing
		}
	}

	if msg.PasswordCurrent != nil || msg.PasswordNew != nil {
		if msg.PasswordCurrent == nil || msg.PasswordNew == nil {
			return s.sendError(sess, protocol.ErrMissingField)
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(*msg.PasswordCurrent)) != nil {
			return s.sendError(sess, protocol.ErrLoginInvalid)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*msg.PasswordNew), bcrypt.DefaultCost)
		if err != nil {
			s.dbError(sess, "GenerateFromPassword", err)
			return errClientClosing
		}
		if err := s.store.UpdateUserPassword(uid, string(hash)); err != nil {
			s.dbError(sess, "UpdateUserPassword", err)
			return errClientClosing
		}
	}

	token := u.Token
	if msg.ResetToken {
		tok, err := generateToken()
		if err != nil {
			s.dbError(sess, "generateToken", err)
			return errClientClosing
		}
		if err := s.store.UpdateUserToken(uid, tok); err != nil {
			s.dbError(sess, "UpdateUserToken", err)
			return errClientClosing
		}
		token = tok
	}

	updated, err := s.store.GetUserByID(uid)
	if err != nil {
		s.dbError(sess, "GetUserByID", err)
		return errClientClosing
	}
	if err := sess.send(protocol.LoginSuccess{ID: uid, Token: token, Created: false}); err != nil {
		return err
	}
	s.broadcastAll(protocol.UserReceive{User: toWireUser(updated)})
	return nil
}

// --- channels ---

func (s *Server) handleChannelCreate(sess *Session, msg protocol.ChannelCreate) error {
	uid, _ := sess.UserID()
	if len(msg.Name) == 0 || len(msg.Name) > s.cfg.LimitChannelName || len(msg.Overrides) > s.cfg.LimitAttrAmount {
		return s.sendError(sess, protocol.ErrLimitReached)
	}
	ok, err := s.hasPermission(uid, nil, permission.ManageChannels)
	if err != nil {
		s.dbError(sess, "hasPermission", err)
		return errClientClosing
	}
	if !ok {
		return s.sendError(sess, protocol.ErrMissingPermission)
	}
	ch, err := s.store.CreateChannel(msg.Name, overridesToStore(msg.Overrides))
	if err != nil {
		s.dbError(sess, "CreateChannel", err)
		return errClientClosing
	}
	s.broadcastAll(protocol.ChannelReceive{Channel: toWireChannel(ch)})
	return nil
}

func (s *Server) handleChannelUpdate(sess *Session, msg protocol.ChannelUpdate) error {
	uid, _ := sess.UserID()
	if msg.Name != nil && (len(*msg.Name) == 0 || len(*msg.Name) > s.cfg.LimitChannelName) {
		return s.sendError(sess, protocol.ErrLimitReached)
	}
	if len(msg.Overrides) > s.cfg.LimitAttrAmount {
		return s.sendError(sess, protocol.ErrLimitReached)
	}
	if _, err := s.store.GetChannel(msg.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownChannel)
		}
		s.dbError(sess, "GetChannel", err)
		return errClientClosing
	}
	ok, err := s.hasPermission(uid, &msg.ID, permission.ManageChannels)
	if err != nil {
		s.dbError(sess, "hasPermission", err)
		return errClientClosing
	}
	if !ok {
		return s.sendError(sess, protocol.ErrMissingPermission)
	}
	ch, err := s.store.UpdateChannel(msg.ID, msg.Name, overridesToStore(msg.Overrides))
	if err != nil {
		s.dbError(sess, "UpdateChannel", err)
		return errClientClosing
	}
	s.broadcastAll(protocol.ChannelReceive{Channel: toWireChannel(ch)})
	return nil
}

func (s *Server) handleChannelDelete(sess *Session, msg protocol.ChannelDelete) error {
	uid, _ := sess.UserID()
	if _, err := s.store.GetChannel(msg.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownChannel)
		}
		s.dbError(sess, "GetChannel", err)
		return errClientClosing
	}
	ok, err := s.hasPermission(uid, &msg.ID, permission.ManageChannels)
	if err != nil {
		s.dbError(sess, "hasPermission", err)
		return errClientClosing
	}
	if !ok {
		return s.sendError(sess, protocol.ErrMissingPermission)
	}
	if err := s.store.DeleteChannel(msg.ID); err != nil {
		s.dbError(sess, "DeleteChannel", err)
		return errClientClosing
	}
	s.broadcastAll(protocol.ChannelDeleteReceive{ID: msg.ID})
	return nil
}

// --- roles ---

func (s *Server) handleRoleCreate(sess *Session, msg protocol.RoleCreate) error {
	uid, _ := sess.UserID()
	if len(msg.Name) == 0 || len(msg.Name) > s.cfg.LimitAttrName {
		return s.sendError(sess, protocol.ErrLimitReached)
	}
	existingRoles, err := s.store.ListRoles()
	if err != nil {
		s.dbError(sess, "ListRoles", err)
		return errClientClosing
	}
	if len(existingRoles)+1 > s.cfg.LimitAttrAmount {
		return s.sendError(sess, protocol.ErrLimitReached)
	}
	ok, err := s.hasPermission(uid, nil, permission.ManageRoles)
	if err != nil {
		s.dbError(sess, "hasPermission", err)
		return errClientClosing
	}
	if !ok {
		return s.sendError(sess, protocol.ErrMissingPermission)
	}
	if msg.Pos == 0 {
		return s.sendError(sess, protocol.ErrAttrInvalidPos)
	}
	r, err := s.store.CreateRole(store.Role{Name: msg.Name, Pos: msg.Pos, Allow: msg.Allow, Deny: msg.Deny, Unassignable: msg.Unassignable})
	if err != nil {
		if errors.Is(err, store.ErrInvalidPosition) {
			return s.sendError(sess, protocol.ErrAttrInvalidPos)
		}
		s.dbError(sess, "CreateRole", err)
		return errClientClosing
	}
	s.broadcastAll(protocol.RoleReceive{Role: toWireRole(r), New: true})
	return nil
}

func (s *Server) handleRoleUpdate(sess *Session, msg protocol.RoleUpdate) error {
	uid, _ := sess.UserID()
	if msg.Name != nil && (len(*msg.Name) == 0 || len(*msg.Name) > s.cfg.LimitAttrName) {
		return s.sendError(sess, protocol.ErrLimitReached)
	}
	ok, err := s.hasPermission(uid, nil, permission.ManageRoles)
	if err != nil {
		s.dbError(sess, "hasPermission", err)
		return errClientClosing
	}
	if !ok {
		return s.sendError(sess, protocol.ErrMissingPermission)
	}
	existing, err := s.store.GetRole(msg.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownAttribute)
		}
		s.dbError(sess, "GetRole", err)
		return errClientClosing
	}

	merged := *existing
	if msg.Name != nil {
		merged.Name = *msg.Name
	}
	if msg.Pos != nil {
		merged.Pos = *msg.Pos
	}
	if msg.Allow != nil {
		merged.Allow = *msg.Allow
	}
	if msg.Deny != nil {
		merged.Deny = *msg.Deny
	}
	if msg.Unassignable != nil {
		merged.Unassignable = *msg.Unassignable
	}

	if err := s.store.UpdateRole(merged); err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidPosition):
			return s.sendError(sess, protocol.ErrAttrInvalidPos)
		case errors.Is(err, store.ErrLockedName):
			return s.sendError(sess, protocol.ErrAttrLockedName)
		case errors.Is(err, store.ErrNotFound):
			return s.sendError(sess, protocol.ErrUnknownAttribute)
		}
		s.dbError(sess, "UpdateRole", err)
		return errClientClosing
	}

	updated, err := s.store.GetRole(msg.ID)
	if err != nil {
		s.dbError(sess, "GetRole", err)
		return errClientClosing
	}
	s.broadcastAll(protocol.RoleReceive{Role: toWireRole(updated), New: false})
	return nil
}

func (s *Server) handleRoleDelete(sess *Session, msg protocol.RoleDelete) error {
	uid, _ := sess.UserID()
	ok, err := s.hasPermission(uid, nil, permission.ManageRoles)
	if err != nil {
		s.dbError(sess, "hasPermission", err)
		return errClientClosing
	}
	if !ok {
		return s.sendError(sess, protocol.ErrMissingPermission)
	}
	if err := s.store.DeleteRole(msg.ID); err != nil {
		switch {
		case errors.Is(err, store.ErrLockedName):
			return s.sendError(sess, protocol.ErrAttrLockedName)
		case errors.Is(err, store.ErrNotFound):
			return s.sendError(sess, protocol.ErrUnknownAttribute)
		}
		s.dbError(sess, "DeleteRole", err)
		return errClientClosing
	}
	s.broadcastAll(protocol.RoleDeleteReceive{ID: msg.ID})
	return nil
}

// --- messages ---

func (s *Server) handleMessageCreate(sess *Session, msg protocol.MessageCreate) error {
	uid, _ := sess.UserID()
	if len(msg.Text) == 0 || len(msg.Text) > s.cfg.LimitMessage {
		return s.sendError(sess, protocol.ErrLimitReached)
	}
	if _, err := s.store.GetChannel(msg.Channel); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownChannel)
		}
		s.dbError(sess, "GetChannel", err)
		return errClientClosing
	}
	ok, err := s.hasPermission(uid, &msg.Channel, permission.Write)
	if err != nil {
		s.dbError(sess, "hasPermission", err)
		return errClientClosing
	}
	if !ok {
		return s.sendError(sess, protocol.ErrMissingPermission)
	}
	m, err := s.store.CreateMessage(msg.Channel, uid, msg.Text, time.Now().UnixMilli())
	if err != nil {
		s.dbError(sess, "CreateMessage", err)
		return errClientClosing
	}
	s.broadcastChannel(protocol.MessageReceive{Message: toWireMessage(m), New: true}, msg.Channel)
	return nil
}

// handleMessageUpdate implements the spec's fixed semantics for the
// source's self-comparison bug: the message's stored channel is
// checked against the event's claimed channel, and the channel lookup
// is defensive rather than assumed to succeed.
func (s *Server) handleMessageUpdate(sess *Session, msg protocol.MessageUpdate) error {
	uid, _ := sess.UserID()
	if len(msg.Text) == 0 || len(msg.Text) > s.cfg.LimitMessage {
		return s.sendError(sess, protocol.ErrLimitReached)
	}
	m, err := s.store.GetMessage(msg.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownMessage)
		}
		s.dbError(sess, "GetMessage", err)
		return errClientClosing
	}
	if m.Channel != msg.Channel {
		return s.sendError(sess, protocol.ErrUnknownMessage)
	}
	if _, err := s.store.GetChannel(msg.Channel); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownChannel)
		}
		s.dbError(sess, "GetChannel", err)
		return errClientClosing
	}
	if m.Author != uid {
		return s.sendError(sess, protocol.ErrMissingPermission)
	}
	now := time.Now().UnixMilli()
	if err := s.store.UpdateMessageText(msg.ID, msg.Text, now); err != nil {
		s.dbError(sess, "UpdateMessageText", err)
		return errClientClosing
	}
	updated, err := s.store.GetMessage(msg.ID)
	if err != nil {
		s.dbError(sess, "GetMessage", err)
		return errClientClosing
	}
	s.broadcastChannel(protocol.MessageReceive{Message: toWireMessage(updated), New: false}, msg.Channel)
	return nil
}

func (s *Server) handleMessageDelete(sess *Session, msg protocol.MessageDelete) error {
	uid, _ := sess.UserID()
	m, err := s.store.GetMessage(msg.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownMessage)
		}
		s.dbError(sess, "GetMessage", err)
		return errClientClosing
	}
	if m.Channel != msg.Channel {
		return s.sendError(sess, protocol.ErrUnknownMessage)
	}
	if _, err := s.store.GetChannel(msg.Channel); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownChannel)
		}
		s.dbError(sess, "GetChannel", err)
		return errClientClosing
	}
	if m.Author != uid {
		ok, err := s.hasPermission(uid, &msg.Channel, permission.ManageMessages)
		if err != nil {
			s.dbError(sess, "hasPermission", err)
			return errClientClosing
		}
		if !ok {
			return s.sendError(sess, protocol.ErrMissingPermission)
		}
	}
	if err := s.store.DeleteMessage(msg.ID); err != nil {
		s.dbError(sess, "DeleteMessage", err)
		return errClientClosing
	}
	s.broadcastChannel(protocol.MessageDeleteReceive{ID: msg.ID}, msg.Channel)
	return nil
}

func (s *Server) handleMessageList(sess *Session, msg protocol.MessageList) error {
	uid, _ := sess.UserID()
	if _, err := s.store.GetChannel(msg.Channel); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownChannel)
		}
		s.dbError(sess, "GetChannel", err)
		return errClientClosing
	}
	ok, err := s.hasPermission(uid, &msg.Channel, permission.Read)
	if err != nil {
		s.dbError(sess, "hasPermission", err)
		return errClientClosing
	}
	if !ok {
		return s.sendError(sess, protocol.ErrMissingPermission)
	}

	// A page never exceeds 64 messages, whatever the configured value.
	maxLimit := s.cfg.LimitMessageList
	if maxLimit <= 0 || maxLimit > 64 {
		maxLimit = 64
	}
	limit := int(msg.Limit)
	if limit <= 0 || limit > maxLimit {
		if limit > maxLimit {
			return s.sendError(sess, protocol.ErrLimitReached)
		}
		limit = maxLimit
	}

	msgs, err := s.store.ListMessages(msg.Channel, msg.Before, msg.After, limit)
	if err != nil {
		s.dbError(sess, "ListMessages", err)
		return errClientClosing
	}
	for i := range msgs {
		if err := sess.send(protocol.MessageReceive{Message: toWireMessage(&msgs[i]), New: false}); err != nil {
			return err
		}
	}
	return nil
}

// --- typing ---

func (s *Server) handleTyping(sess *Session, msg protocol.Typing) error {
	uid, _ := sess.UserID()
	if _, err := s.store.GetChannel(msg.Channel); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownChannel)
		}
		s.dbError(sess, "GetChannel", err)
		return errClientClosing
	}
	ok, err := s.hasPermission(uid, &msg.Channel, permission.Write)
	if err != nil {
		s.dbError(sess, "hasPermission", err)
		return errClientClosing
	}
	if !ok {
		return s.sendError(sess, protocol.ErrMissingPermission)
	}
	s.broadcastChannel(protocol.TypingReceive{Author: uid, Channel: msg.Channel}, msg.Channel)
	return nil
}

// --- users ---

func (s *Server) handleUserUpdate(sess *Session, msg protocol.UserUpdate) error {
	uid, _ := sess.UserID()
	if _, err := s.store.GetUserByID(msg.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.sendError(sess, protocol.ErrUnknownUser)
		}
		s.dbError(sess, "GetUserByID", err)
		return errClientClosing
	}

	if msg.Ban != nil {
		if msg.ID == uid || msg.ID == s.cfg.OwnerID {
			return s.sendError(sess, protocol.ErrMissingPermission)
		}
		ok, err := s.hasPermission(uid, nil, permission.Ban)
		if err != nil {
			s.dbError(sess, "hasPermission", err)
			return errClientClosing
		}
		if !ok {
			return s.sendError(sess, protocol.ErrMissingPermission)
		}
		if err := s.store.UpdateUserBan(msg.ID, *msg.Ban); err != nil {
			s.dbError(sess, "UpdateUserBan", err)
			return errClientClosing
		}
		if *msg.Ban {
			for _, victim := range s.sessions.SessionsForUser(msg.ID) {
				victim.Conn.Close()
			}
		}
	}

	if msg.Roles != nil {
		ok, err := s.hasPermission(uid, nil, permission.AssignRoles)
		if err != nil {
			s.dbError(sess, "hasPermission", err)
			return errClientClosing
		}
		if !ok {
			return s.sendError(sess, protocol.ErrMissingPermission)
		}
		hasManageRoles, err := s.hasPermission(uid, nil, permission.ManageRoles)
		if err != nil {
			s.dbError(sess, "hasPermission", err)
			return errClientClosing
		}

		allRoles, err := s.store.ListRoles()
		if err != nil {
			s.dbError(sess, "ListRoles", err)
			return errClientClosing
		}
		byID := make(map[uint64]store.Role, len(allRoles))
		for _, r := range allRoles {
			byID[r.ID] = r
		}

		for _, rid := range msg.Roles {
			if rid == permission.RoleHumans || rid == permission.RoleBots {
				// a user's explicit roles list never contains a system
				// role id (spec invariant 3); they're granted implicitly.
				return s.sendError(sess, protocol.ErrUnknownAttribute)
			}
		}

		if !hasManageRoles {
			requester, err := s.store.GetUserByID(uid)
			if err != nil {
				s.dbError(sess, "GetUserByID", err)
				return errClientClosing
			}
			var maxHeldPos uint8
			for _, rid := range requester.Roles {
				if r, ok := byID[rid]; ok && r.Pos > maxHeldPos {
					maxHeldPos = r.Pos
				}
			}
			for _, rid := range msg.Roles {
				r, ok := byID[rid]
				if !ok {
					return s.sendError(sess, protocol.ErrUnknownAttribute)
				}
				if r.Unassignable || r.Pos == 0 || r.Pos >= maxHeldPos {
					return s.sendError(sess, protocol.ErrMissingPermission)
				}
			}
		} else {
			for _, rid := range msg.Roles {
				if _, ok := byID[rid]; !ok {
					return s.sendError(sess, protocol.ErrUnknownAttribute)
				}
			}
		}

		if err := s.store.UpdateUserRoles(msg.ID, msg.Roles); err != nil {
			s.dbError(sess, "UpdateUserRoles", err)
			return errClientClosing
		}
	}

	updated, err := s.store.GetUserByID(msg.ID)
	if err != nil {
		s.dbError(sess, "GetUserByID", err)
		return errClientClosing
	}
	s.broadcastAll(protocol.UserReceive{User: toWireUser(updated)})
	return nil
}
