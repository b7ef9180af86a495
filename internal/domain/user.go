package domain

// Role is a club role held by a user.
type Role string

// Roles.
const (
	RoleMember Role = "member"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

var roleRank = map[Role]int{
	RoleMember: 1,
	RoleStaff:  2,
	RoleAdmin:  3,
}

// IsValid checks if the role is known.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasPermission reports whether r is at least as privileged as required.
func (r Role) HasPermission(required Role) bool {
	return roleRank[r] >= roleRank[required] && roleRank[r] > 0
}

// StaffRoles returns the roles that count as club staff.
func StaffRoles() []Role {
	return []Role{RoleStaff, RoleAdmin}
}

// RoleStatus is the approval state of a role assignment.
type RoleStatus string

// Role statuses.
const (
	RoleStatusPending  RoleStatus = "pending"
	RoleStatusApproved RoleStatus = "approved"
	RoleStatusRejected RoleStatus = "rejected"
)

// MemberType is the membership tier of a profile.
type MemberType string

// Member types.
const (
	MemberTypeStandard MemberType = "standard"
	MemberTypeCard     MemberType = "card"
)

// IsPriority reports whether the tier receives priority-only broadcasts.
func (t MemberType) IsPriority() bool {
	return t == MemberTypeCard
}

// PriorityTiers returns the member types that receive priority-only broadcasts.
func PriorityTiers() []MemberType {
	var tiers []MemberType
	for _, t := range []MemberType{MemberTypeStandard, MemberTypeCard} {
		if t.IsPriority() {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// Language is a supported notification language.
type Language string

// Supported languages. LanguageEnglish is the default.
const (
	LanguageEnglish   Language = "en"
	LanguageBulgarian Language = "bg"
)
