package auth

import "strings"

// Role claims understood by the service. The claim is authoritative as
// provided by the identity service; gating is plain string equality after
// normalization.
const (
	RoleMaster  = "master"
	RoleAgency  = "agency"
	RoleStudent = "student"
)

// NormalizeRole lower-cases and trims a role claim. Unknown values pass
// through unchanged so they fail equality checks rather than panic.
func NormalizeRole(role string) string {
	return strings.TrimSpace(strings.ToLower(role))
}

// KnownRole reports whether the claim belongs to the closed role set.
func KnownRole(role string) bool {
	switch NormalizeRole(role) {
	case RoleMaster, RoleAgency, RoleStudent:
		return true
	}
	return false
}
