package agency

import (
	"context"
	"strings"
	"sync"

	"yuhak.app/internal/auth"
	"yuhak.app/internal/identity"
)

// Service implements the administrative agency-account operations on top of
// the identity provider and the agencies table.
type Service struct {
	provider *identity.Provider
	store    Store
}

// NewService wires the service.
func NewService(provider *identity.Provider, store Store) *Service {
	return &Service{provider: provider, store: store}
}

// CreateAccountParams describes a new agency login.
type CreateAccountParams struct {
	Email      string
	Password   string
	AgencyCode string
	NameKR     string
	// AgencyID, when set, names the agency business record whose owner
	// link should be claimed by the new account.
	AgencyID string
}

// CreateAccount provisions an identity with role=agency and, when an agency
// record id is supplied, claims that record's owner link first-write-wins.
// The two steps are not atomic; a failure after creation leaves the account
// without a link, which is the accepted failure model.
func (s *Service) CreateAccount(ctx context.Context, p CreateAccountParams) (userID string, linked bool, err error) {
	client, err := s.provider.Privileged()
	if err != nil {
		return "", false, err
	}
	user, err := client.CreateUser(ctx, identity.CreateUserParams{
		Email:       p.Email,
		Password:    p.Password,
		Role:        auth.RoleAgency,
		AgencyCode:  p.AgencyCode,
		DisplayName: p.NameKR,
	})
	if err != nil {
		return "", false, err
	}

	if p.AgencyID != "" {
		linked, err = s.store.LinkOwner(ctx, p.AgencyID, user.ID)
		if err != nil {
			return user.ID, false, err
		}
	}
	return user.ID, linked, nil
}

// LookupEmails resolves identity ids to login emails, one concurrent remote
// call per id. Ids that fail to resolve are silently omitted from the
// result; an empty input yields an empty map.
func (s *Service) LookupEmails(ctx context.Context, userIDs []string) (map[string]string, error) {
	client, err := s.provider.Privileged()
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(userIDs))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			user, err := client.GetUser(ctx, id)
			if err != nil || user.Email == "" {
				return
			}
			mu.Lock()
			result[id] = user.Email
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return result, nil
}

// ResetPassword replaces an agency account's password. Input validation is
// the caller's responsibility; this only performs the remote update.
func (s *Service) ResetPassword(ctx context.Context, userID, newPassword string) error {
	client, err := s.provider.Privileged()
	if err != nil {
		return err
	}
	return client.UpdatePassword(ctx, userID, newPassword)
}
