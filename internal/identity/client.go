package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// KeyKind distinguishes the two API keys issued by the identity service.
type KeyKind int

const (
	// KindAnon keys may only resolve bearer tokens to their own identity.
	KindAnon KeyKind = iota
	// KindPrivileged keys bypass row-level policies and unlock the admin
	// user endpoints.
	KindPrivileged
)

const defaultTimeout = 10 * time.Second

// Client talks to the hosted identity service over HTTP. It is safe for
// concurrent use and intended to be constructed once per process per key.
type Client struct {
	baseURL string
	apiKey  string
	kind    KeyKind
	http    *http.Client
}

// NewClient validates the API key against the expected kind and returns a
// ready client. Identity-service keys are JWTs whose role claim names the
// key class; a key of the wrong class is rejected here rather than at first
// use.
func NewClient(baseURL, apiKey string, kind KeyKind, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("identity: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("identity: parse base URL: %w", err)
	}
	role, err := keyRole(apiKey)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindPrivileged:
		if role != "service_role" {
			return nil, fmt.Errorf("identity: key role %q is not privileged", role)
		}
	case KindAnon:
		if role != "anon" {
			return nil, fmt.Errorf("identity: key role %q is not anon", role)
		}
	default:
		return nil, fmt.Errorf("identity: unknown key kind %d", kind)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		kind:    kind,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// keyRole extracts the role claim from an API key without verifying the
// signature: the key is our own credential, not an inbound assertion.
func keyRole(apiKey string) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", errors.New("identity: API key is required")
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(apiKey, claims); err != nil {
		return "", fmt.Errorf("identity: API key is not a valid JWT: %w", err)
	}
	role, _ := claims["role"].(string)
	if role == "" {
		return "", errors.New("identity: API key carries no role claim")
	}
	return role, nil
}

// Privileged reports whether this client was built with a service key.
func (c *Client) Privileged() bool { return c.kind == KindPrivileged }

// UserFromToken resolves a bearer token to the identity it belongs to.
// Tokens that do not even parse as JWTs are rejected locally; everything
// else costs one remote round-trip, which is the authoritative check.
func (c *Client) UserFromToken(ctx context.Context, token string) (*User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, jwt.MapClaims{}); err != nil {
		return nil, ErrInvalidToken
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var user User
	if err := c.do(req, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, ErrInvalidToken
	}
	return &user, nil
}

type createUserBody struct {
	Email        string         `json:"email"`
	Password     string         `json:"password"`
	EmailConfirm bool           `json:"email_confirm"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// CreateUser provisions an identity with the given role claim and agency
// code in the server-controlled metadata bucket. Requires a privileged key.
func (c *Client) CreateUser(ctx context.Context, p CreateUserParams) (*User, error) {
	if err := c.requirePrivileged(); err != nil {
		return nil, err
	}
	body := createUserBody{
		Email:        strings.TrimSpace(p.Email),
		Password:     p.Password,
		EmailConfirm: true,
		AppMetadata:  map[string]any{"role": p.Role},
	}
	if p.AgencyCode != "" {
		body.AppMetadata["agency_code"] = p.AgencyCode
	}
	if p.DisplayName != "" {
		body.UserMetadata = map[string]any{"agency_name_kr": p.DisplayName}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/auth/v1/admin/users", body)
	if err != nil {
		return nil, err
	}
	var user User
	if err := c.do(req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser fetches an identity by id. Requires a privileged key.
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	if err := c.requirePrivileged(); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/v1/admin/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var user User
	if err := c.do(req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdatePassword replaces the identity's password. Requires a privileged key.
func (c *Client) UpdatePassword(ctx context.Context, id, password string) error {
	if err := c.requirePrivileged(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNotFound
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/auth/v1/admin/users/"+url.PathEscape(id), map[string]string{
		"password": password,
	})
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) requirePrivileged() error {
	if c.kind != KindPrivileged {
		return errors.New("identity: operation requires the privileged client")
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	// Admin endpoints authenticate with the key itself; the user endpoint
	// overrides this header with the caller's bearer token.
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

type remoteError struct {
	Msg     string `json:"msg"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (e remoteError) text() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Message != "":
		return e.Message
	case e.Error != "":
		return e.Error
	}
	return "request rejected"
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity: remote call: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, 1<<20)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, limited)
			return nil
		}
		if err := json.NewDecoder(limited).Decode(out); err != nil {
			return fmt.Errorf("identity: decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, limited)
		return ErrInvalidToken
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, limited)
		return ErrNotFound
	case resp.StatusCode < 500:
		var re remoteError
		_ = json.NewDecoder(limited).Decode(&re)
		return &RejectedError{Status: resp.StatusCode, Message: re.text()}
	default:
		_, _ = io.Copy(io.Discard, limited)
		return fmt.Errorf("identity: remote failure: status %d", resp.StatusCode)
	}
}
