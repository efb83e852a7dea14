// Package memory provides in-memory store implementations used by tests and
// local development. Semantics mirror the PostgreSQL stores.
package memory

import (
	"context"
	"sync"
	"time"

	"yuhak.app/internal/agency"
	"yuhak.app/internal/audit"
	"yuhak.app/internal/ids"
	"yuhak.app/internal/student"
)

// AgencyStore is an in-memory agency.Store.
type AgencyStore struct {
	mu       sync.Mutex
	agencies map[string]*agency.Agency
}

// NewAgencyStore returns an empty store.
func NewAgencyStore() *AgencyStore {
	return &AgencyStore{agencies: make(map[string]*agency.Agency)}
}

func (s *AgencyStore) Create(_ context.Context, a *agency.Agency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = ids.New()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	clone := *a
	s.agencies[a.ID] = &clone
	return nil
}

func (s *AgencyStore) Find(_ context.Context, id string) (*agency.Agency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agencies[id]
	if !ok {
		return nil, agency.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (s *AgencyStore) LinkOwner(_ context.Context, agencyID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agencies[agencyID]
	if !ok || a.OwnerUserID != "" {
		return false, nil
	}
	a.OwnerUserID = userID
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

// StudentStore is an in-memory student.Store.
type StudentStore struct {
	mu       sync.Mutex
	students map[string]*student.Record
}

// NewStudentStore returns an empty store.
func NewStudentStore() *StudentStore {
	return &StudentStore{students: make(map[string]*student.Record)}
}

func (s *StudentStore) Create(_ context.Context, rec *student.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.CreatedAt = time.Now().UTC()
	clone := *rec
	s.students[rec.UserID] = &clone
	return nil
}

func (s *StudentStore) Find(_ context.Context, userID string) (*student.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.students[userID]
	if !ok {
		return nil, student.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (s *StudentStore) Withdraw(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.students[userID]
	if !ok || !rec.Active {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Active = false
	rec.WithdrawnAt = &now
	return true, nil
}

// AuditStore is an in-memory audit.Store.
type AuditStore struct {
	mu      sync.Mutex
	entries []audit.Entry
}

// NewAuditStore returns an empty store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Append(_ context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

// Entries returns a copy of everything appended so far.
func (s *AuditStore) Entries() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
