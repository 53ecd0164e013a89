package server

import (
	"github.com/synacgo/synac/pkg/permission"
	"github.com/synacgo/synac/pkg/store"
)

// effectiveMask computes a user's permission mask, optionally within a
// channel's current overrides, per spec section 4.C.
func (s *Server) effectiveMask(userID uint64, channelID *uint64) (uint8, error) {
	u, err := s.store.GetUserByID(userID)
	if err != nil {
		return 0, err
	}

	allRoles, err := s.store.ListRoles()
	if err != nil {
		return 0, err
	}
	byID := make(map[uint64]store.Role, len(allRoles))
	for _, r := range allRoles {
		byID[r.ID] = r
	}

	masks := make([]permission.RoleMask, 0, len(u.Roles)+1)
	if r, ok := byID[permission.SystemRoleID(u.Bot)]; ok {
		masks = append(masks, permission.RoleMask{ID: r.ID, Pos: r.Pos, Allow: r.Allow, Deny: r.Deny})
	}
	for _, rid := range u.Roles {
		if r, ok := byID[rid]; ok {
			masks = append(masks, permission.RoleMask{ID: r.ID, Pos: r.Pos, Allow: r.Allow, Deny: r.Deny})
		}
	}

	var overrides []permission.Override
	if channelID != nil {
		ch, err := s.store.GetChannel(*channelID)
		if err != nil {
			return 0, err
		}
		for rid, o := range ch.Overrides {
			if r, ok := byID[rid]; ok {
				overrides = append(overrides, permission.Override{RoleID: rid, Pos: r.Pos, Allow: o.Allow, Deny: o.Deny})
			}
		}
	}

	return permission.Effective(masks, overrides), nil
}

// hasPermission checks bit for userID, applying the configured owner's
// unconditional bypass.
func (s *Server) hasPermission(userID uint64, channelID *uint64, bit uint8) (bool, error) {
	if userID == s.cfg.OwnerID {
		return true, nil
	}
	mask, err := s.effectiveMask(userID, channelID)
	if err != nil {
		return false, err
	}
	return permission.HasPermission(s.cfg.OwnerID, userID, mask, bit), nil
}
