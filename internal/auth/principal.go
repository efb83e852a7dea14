package auth

// Principal is the caller identity resolved from a bearer token by the
// identity service. It is sourced fresh on every request; nothing here is
// cached between requests.
type Principal struct {
	ID         string
	Email      string
	Role       string
	AgencyCode string
}

// HasRole compares the principal's role claim with the expected role.
func (p Principal) HasRole(role string) bool {
	return p.Role != "" && NormalizeRole(p.Role) == NormalizeRole(role)
}
