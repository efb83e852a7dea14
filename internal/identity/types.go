package identity

import "time"

// User is a caller identity as stored by the hosted identity service.
//
// The service keeps two metadata buckets: AppMetadata is writable only by
// privileged callers, UserMetadata by the user themselves. The role claim is
// read exclusively from AppMetadata; a role planted in UserMetadata carries
// no authority.
type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Role returns the canonical role claim.
func (u *User) Role() string {
	if u == nil {
		return ""
	}
	return stringClaim(u.AppMetadata, "role")
}

// AgencyCode returns the agency code assigned at account creation, if any.
func (u *User) AgencyCode() string {
	if u == nil {
		return ""
	}
	return stringClaim(u.AppMetadata, "agency_code")
}

func stringClaim(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// CreateUserParams describes a privileged account creation.
type CreateUserParams struct {
	Email       string
	Password    string
	Role        string
	AgencyCode  string
	DisplayName string
}
