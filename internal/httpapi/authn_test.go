package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"yuhak.app/internal/auth"
)

func TestRequireRoleAllowsMatchingRole(t *testing.T) {
	handler := RequireRole(auth.RoleMaster)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/agency-accounts", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{ID: "u-1", Role: auth.RoleMaster}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRoleRejectsWrongRole(t *testing.T) {
	handler := RequireRole(auth.RoleMaster)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/agency-accounts", nil)
	req = req.WithContext(auth.ContextWithPrincipal(req.Context(), auth.Principal{ID: "u-1", Role: auth.RoleAgency}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequireRoleRejectsMissingPrincipal(t *testing.T) {
	handler := RequireRole(auth.RoleMaster)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/agency-accounts", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestExtractBearerToken(t *testing.T) {
	if _, err := extractBearerToken(""); err == nil {
		t.Fatal("empty header must fail")
	}
	if _, err := extractBearerToken("Basic abc"); err == nil {
		t.Fatal("non-bearer scheme must fail")
	}
	if _, err := extractBearerToken("Bearer  "); err == nil {
		t.Fatal("empty token must fail")
	}
	token, err := extractBearerToken("bearer tok-1")
	if err != nil || token != "tok-1" {
		t.Fatalf("case-insensitive scheme: token=%q err=%v", token, err)
	}
}
