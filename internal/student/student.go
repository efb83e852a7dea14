package student

import (
	"context"
	"errors"
	"time"
)

// Record tracks a student's enrolment state. The active flag transitions
// true to false exactly once; there is no reactivation path.
type Record struct {
	UserID      string
	Active      bool
	WithdrawnAt *time.Time
	CreatedAt   time.Time
}

// ErrNotFound indicates no student record exists for the user.
var ErrNotFound = errors.New("student: not found")

// Store manages student records.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Find(ctx context.Context, userID string) (*Record, error)
	// Withdraw flips the active flag to false and reports whether this
	// call changed anything. Already-withdrawn and missing records return
	// false with no error.
	Withdraw(ctx context.Context, userID string) (bool, error)
}

// Service implements student self-service operations.
type Service struct {
	store Store
}

// NewService wires the service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Withdraw deactivates the caller's own student record. The operation is
// idempotent: repeated calls succeed without error.
func (s *Service) Withdraw(ctx context.Context, userID string) (bool, error) {
	return s.store.Withdraw(ctx, userID)
}
