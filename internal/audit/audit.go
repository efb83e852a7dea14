package audit

import (
	"context"
	"time"
)

// Entry is one append-only audit row: who did what to which resource.
// Entries are never updated and never read back by this service.
type Entry struct {
	ID          string
	OccurredAt  time.Time
	ActorID     string
	ActorRole   string
	Action      string
	TargetTable string
	TargetID    string
	Detail      map[string]any
}

// Store appends immutable entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

// Action kinds recorded by the route handlers.
const (
	ActionAgencyAccountCreate = "AGENCY_ACCOUNT_CREATE"
	ActionAgencyUserCreate    = "AGENCY_USER_CREATE"
	ActionAgencyPasswordReset = "AGENCY_PASSWORD_RESET"
	ActionWithdraw            = "WITHDRAW"
)
