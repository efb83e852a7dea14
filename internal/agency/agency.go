package agency

import (
	"context"
	"errors"
	"time"
)

// Agency is the business record owned by a partner agency. The owner link
// points at the identity-service user operating the agency's account and is
// written at most once.
type Agency struct {
	ID          string
	Code        string
	NameKR      string
	OwnerUserID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ErrNotFound indicates the agency record does not exist.
var ErrNotFound = errors.New("agency: not found")

// Store manages agency records.
type Store interface {
	Create(ctx context.Context, a *Agency) error
	Find(ctx context.Context, id string) (*Agency, error)
	// LinkOwner sets the owner link if and only if it is currently empty.
	// It reports whether this call established the link; an already-linked
	// or missing row returns false with no error.
	LinkOwner(ctx context.Context, agencyID, userID string) (bool, error)
}
