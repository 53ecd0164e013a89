// Package permission computes effective permission masks from ordered
// role lists and per-channel overrides.
package permission

import "sort"

// Permission bits, 8-bit mask.
const (
	Read uint8 = 1 << iota
	Write
	AssignRoles
	Ban
	ManageRoles
	ManageChannels
	ManageMessages
)

// Reserved system role ids. Neither is ever present in a user's explicit
// roles list; they're virtually prepended at evaluation time.
const (
	RoleHumans uint64 = 1
	RoleBots   uint64 = 2
)

// RoleMask is the minimal projection of a role a caller needs to supply
// for evaluation: identity, fold order, and its bits. The caller is
// responsible for resolving ids to rows (including the implicit system
// role) before calling Effective.
type RoleMask struct {
	ID    uint64
	Pos   uint8
	Allow uint8
	Deny  uint8
}

// Override is a channel's per-role (allow, deny) pair. Pos must be the
// referenced role's position, so overrides fold in the same pos-ascending
// order as base roles.
type Override struct {
	RoleID uint64
	Pos    uint8
	Allow  uint8
	Deny   uint8
}

// Effective folds roles in ascending pos order, then applicable channel
// overrides in ascending pos order, per spec: mask = (mask|allow) &^ deny
// at each step. roles must already include the user's implicit system
// role (@humans or @bots); overrides may be nil.
func Effective(roles []RoleMask, overrides []Override) uint8 {
	sorted := make([]RoleMask, len(roles))
	copy(sorted, roles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pos < sorted[j].Pos })

	var mask uint8
	held := make(map[uint64]bool, len(sorted))
	for _, r := range sorted {
		mask = (mask | r.Allow) &^ r.Deny
		held[r.ID] = true
	}

	if len(overrides) == 0 {
		return mask
	}

	applicable := make([]Override, 0, len(overrides))
	for _, o := range overrides {
		if held[o.RoleID] || o.RoleID == RoleHumans || o.RoleID == RoleBots {
			applicable = append(applicable, o)
		}
	}
	sort.Slice(applicable, func(i, j int) bool { return applicable[i].Pos < applicable[j].Pos })
	for _, o := range applicable {
		mask = (mask | o.Allow) &^ o.Deny
	}
	return mask
}

// HasPermission reports whether userID may exercise bit given its
// effective mask. The configured owner id bypasses every check.
func HasPermission(ownerID, userID uint64, effectiveMask, bit uint8) bool {
	if userID == ownerID {
		return true
	}
	return effectiveMask&bit == bit
}

// SystemRoleID returns the implicit system role id for a user's bot flag.
func SystemRoleID(bot bool) uint64 {
	if bot {
		return RoleBots
	}
	return RoleHumans
}
