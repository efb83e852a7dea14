// Package identitytest runs an in-process fake of the hosted identity
// service for handler and client tests.
package identitytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"yuhak.app/internal/identity"
)

const signingSecret = "identitytest-signing-secret"

// ServiceKey and AnonKey are JWT-shaped API keys of the two classes the
// real service issues.
var (
	ServiceKey = mustSignKey("service_role")
	AnonKey    = mustSignKey("anon")
)

func mustSignKey(role string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": role,
		"iss":  "identitytest",
	})
	signed, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		panic(err)
	}
	return signed
}

// Server is the fake identity service.
type Server struct {
	mu              sync.Mutex
	srv             *httptest.Server
	users           map[string]*identity.User
	emails          map[string]string
	tokens          map[string]string
	passwords       map[string]string
	failLookups     map[string]bool
	createCalls     int
	passwordUpdates int
}

// New starts the fake service on a local listener.
func New() *Server {
	s := &Server{
		users:       make(map[string]*identity.User),
		emails:      make(map[string]string),
		tokens:      make(map[string]string),
		passwords:   make(map[string]string),
		failLookups: make(map[string]bool),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/user", s.handleUser)
	mux.HandleFunc("/auth/v1/admin/users", s.handleAdminUsers)
	mux.HandleFunc("/auth/v1/admin/users/", s.handleAdminUser)
	s.srv = httptest.NewServer(mux)
	return s
}

// URL returns the fake service base URL.
func (s *Server) URL() string { return s.srv.URL }

// Close shuts the listener down.
func (s *Server) Close() { s.srv.Close() }

// Seed registers a user and returns it.
func (s *Server) Seed(user identity.User) identity.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now().UTC()
	clone := user
	s.users[user.ID] = &clone
	if user.Email != "" {
		s.emails[strings.ToLower(user.Email)] = user.ID
	}
	return user
}

// IssueToken mints a bearer token resolving to the given user id.
func (s *Server) IssueToken(userID string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"jti": uuid.NewString(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.tokens[signed] = userID
	s.mu.Unlock()
	return signed
}

// FailLookup makes admin lookups for the given id return a server error.
func (s *Server) FailLookup(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLookups[userID] = true
}

// CreateCalls reports how many admin create requests were received.
func (s *Server) CreateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

// PasswordUpdates reports how many password updates were received.
func (s *Server) PasswordUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passwordUpdates
}

// PasswordFor returns the last password set for the user.
func (s *Server) PasswordFor(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passwords[userID]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requireServiceKey(w http.ResponseWriter, r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if header != "Bearer "+ServiceKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "invalid API key"})
		return false
	}
	return true
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "missing API key"})
		return
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	userID, ok := s.tokens[token]
	var user *identity.User
	if ok {
		user = s.users[userID]
	}
	s.mu.Unlock()
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "invalid JWT"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"msg": "method not allowed"})
		return
	}
	if !s.requireServiceKey(w, r) {
		return
	}
	var body struct {
		Email        string         `json:"email"`
		Password     string         `json:"password"`
		AppMetadata  map[string]any `json:"app_metadata"`
		UserMetadata map[string]any `json:"user_metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "invalid body"})
		return
	}

	s.mu.Lock()
	s.createCalls++
	if _, exists := s.emails[strings.ToLower(body.Email)]; exists {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"msg": "A user with this email address has already been registered",
		})
		return
	}
	user := &identity.User{
		ID:           uuid.NewString(),
		Email:        body.Email,
		AppMetadata:  body.AppMetadata,
		UserMetadata: body.UserMetadata,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[user.ID] = user
	s.emails[strings.ToLower(body.Email)] = user.ID
	s.passwords[user.ID] = body.Password
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleAdminUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireServiceKey(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/auth/v1/admin/users/")

	s.mu.Lock()
	fail := s.failLookups[id]
	user := s.users[id]
	s.mu.Unlock()

	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": "database error"})
		return
	}
	if user == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"msg": "user not found"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPut:
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "invalid body"})
			return
		}
		if len(body.Password) < 6 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"msg": "Password should be at least 6 characters",
			})
			return
		}
		s.mu.Lock()
		s.passwords[id] = body.Password
		s.passwordUpdates++
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, user)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"msg": "method not allowed"})
	}
}
