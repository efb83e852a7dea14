package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken indicates the bearer token did not resolve to a user.
	ErrInvalidToken = errors.New("identity: invalid token")
	// ErrNotFound indicates the requested user does not exist.
	ErrNotFound = errors.New("identity: user not found")
)

// RejectedError carries a validation message reported by the identity
// service, e.g. a duplicate email on account creation. Handlers surface the
// message verbatim with a 400 status.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("identity: rejected (%d): %s", e.Status, e.Message)
}
