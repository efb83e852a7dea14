package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"yuhak.app/internal/agency"
	"yuhak.app/internal/audit"
	"yuhak.app/internal/auth"
	"yuhak.app/internal/identity"
	"yuhak.app/internal/identity/identitytest"
	"yuhak.app/internal/store/memory"
	"yuhak.app/internal/stream"
	"yuhak.app/internal/student"
)

type testEnv struct {
	t        *testing.T
	baseURL  string
	client   *http.Client
	idsrv    *identitytest.Server
	agencies *memory.AgencyStore
	students *memory.StudentStore
	auditLog *memory.AuditStore
	activity *stream.Stream
}

func newTestAPI(t *testing.T) *testEnv {
	t.Helper()

	idsrv := identitytest.New()
	t.Cleanup(idsrv.Close)

	provider := identity.NewProvider(idsrv.URL(), identitytest.ServiceKey, identitytest.AnonKey, 5*time.Second)

	agencyStore := memory.NewAgencyStore()
	studentStore := memory.NewStudentStore()
	auditStore := memory.NewAuditStore()

	activity := stream.New()
	recorder := audit.NewRecorder(auditStore, audit.WithBackoff(0), audit.WithActivityStream(activity))
	recorder.Start()
	t.Cleanup(recorder.Close)

	api := New(
		ReadyProbe{},
		"test",
		provider,
		agency.NewService(provider, agencyStore),
		student.NewService(studentStore),
		recorder,
		activity,
	)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		t:        t,
		baseURL:  srv.URL,
		client:   srv.Client(),
		idsrv:    idsrv,
		agencies: agencyStore,
		students: studentStore,
		auditLog: auditStore,
		activity: activity,
	}
}

func (e *testEnv) masterToken() string {
	e.t.Helper()
	master := e.idsrv.Seed(identity.User{
		Email:       "admin@yuhak.app",
		AppMetadata: map[string]any{"role": auth.RoleMaster},
	})
	return e.idsrv.IssueToken(master.ID)
}

func (e *testEnv) post(path string, body any, headers map[string]string) *http.Response {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) get(path string, params url.Values, headers map[string]string) *http.Response {
	e.t.Helper()
	u, err := url.Parse(e.baseURL + path)
	if err != nil {
		e.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("get request: %v", err)
	}
	return resp
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// waitForAudit polls the store until n entries with the action exist; the
// recorder persists asynchronously.
func (e *testEnv) waitForAudit(action string, n int) []audit.Entry {
	e.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var matched []audit.Entry
		for _, entry := range e.auditLog.Entries() {
			if entry.Action == action {
				matched = append(matched, entry)
			}
		}
		if len(matched) >= n {
			return matched
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("expected %d %s audit entries, got %d", n, action, len(matched))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoutesRejectMissingToken(t *testing.T) {
	env := newTestAPI(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/add-agency-account"},
		{http.MethodPost, "/create-agency-user"},
		{http.MethodGet, "/agency-accounts"},
		{http.MethodPost, "/reset-agency-password"},
		{http.MethodPost, "/student-withdraw"},
	}
	for _, p := range paths {
		var resp *http.Response
		if p.method == http.MethodGet {
			resp = env.get(p.path, nil, nil)
		} else {
			resp = env.post(p.path, map[string]any{}, nil)
		}
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", p.method, p.path, resp.StatusCode)
		}
		body := decode[map[string]any](t, resp)
		if body["error"] == "" {
			t.Fatalf("%s: expected error message", p.path)
		}
	}
	if env.idsrv.CreateCalls() != 0 {
		t.Fatal("unauthenticated requests must not reach the identity service admin API")
	}
}

func TestMalformedAuthorizationHeader(t *testing.T) {
	env := newTestAPI(t)

	for _, header := range []string{"Basic abc", "Bearer", "Bearer   "} {
		resp := env.post("/student-withdraw", nil, map[string]string{"Authorization": header})
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, resp.StatusCode)
		}
	}
}

func TestWrongRoleForbiddenBeforeValidation(t *testing.T) {
	env := newTestAPI(t)

	stu := env.idsrv.Seed(identity.User{
		Email:       "stu@x.com",
		AppMetadata: map[string]any{"role": auth.RoleStudent},
	})
	token := env.idsrv.IssueToken(stu.ID)

	// Password also invalid: the role failure must win.
	resp := env.post("/reset-agency-password", map[string]any{
		"user_id":      "whoever",
		"new_password": "short",
	}, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp = env.post("/add-agency-account", map[string]any{}, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	if env.idsrv.CreateCalls() != 0 || env.idsrv.PasswordUpdates() != 0 {
		t.Fatal("forbidden requests must not mutate the identity service")
	}
}

func TestRoleFromUserMetadataIsIgnored(t *testing.T) {
	env := newTestAPI(t)

	sneaky := env.idsrv.Seed(identity.User{
		Email:        "sneaky@x.com",
		UserMetadata: map[string]any{"role": auth.RoleMaster},
	})
	token := env.idsrv.IssueToken(sneaky.ID)

	resp := env.get("/agency-accounts", nil, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for user-metadata role, got %d", resp.StatusCode)
	}
}

func TestAddAgencyAccountWithOwnerLink(t *testing.T) {
	env := newTestAPI(t)
	token := env.masterToken()

	rec := &agency.Agency{Code: "AC01", NameKR: "서울유학원"}
	if err := env.agencies.Create(t.Context(), rec); err != nil {
		t.Fatalf("seed agency: %v", err)
	}

	resp := env.post("/add-agency-account", map[string]any{
		"email":          "agency1@x.com",
		"password":       "password-1",
		"agency_code":    "AC01",
		"agency_id":      rec.ID,
		"agency_name_kr": "서울유학원",
	}, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	firstID := body["user_id"]
	if firstID == "" {
		t.Fatal("expected user_id in response")
	}

	linked, err := env.agencies.Find(t.Context(), rec.ID)
	if err != nil {
		t.Fatalf("find agency: %v", err)
	}
	if linked.OwnerUserID != firstID {
		t.Fatalf("owner link not set: %q", linked.OwnerUserID)
	}

	// Second creation against the same agency record must not steal the link.
	resp = env.post("/add-agency-account", map[string]any{
		"email":       "agency2@x.com",
		"password":    "password-2",
		"agency_code": "AC01",
		"agency_id":   rec.ID,
	}, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	second := decode[map[string]string](t, resp)
	if second["user_id"] == "" || second["user_id"] == firstID {
		t.Fatalf("unexpected second user id: %q", second["user_id"])
	}

	after, err := env.agencies.Find(t.Context(), rec.ID)
	if err != nil {
		t.Fatalf("find agency: %v", err)
	}
	if after.OwnerUserID != firstID {
		t.Fatalf("owner link overwritten: %q", after.OwnerUserID)
	}

	env.waitForAudit(audit.ActionAgencyAccountCreate, 2)
}

func TestAddAgencyAccountValidation(t *testing.T) {
	env := newTestAPI(t)
	token := env.masterToken()

	cases := []map[string]any{
		{"password": "password-1", "agency_code": "AC01"},
		{"email": "a@x.com", "agency_code": "AC01"},
		{"email": "a@x.com", "password": "password-1"},
	}
	for _, body := range cases {
		resp := env.post("/add-agency-account", body, bearerHeader(token))
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %v: expected 400, got %d", body, resp.StatusCode)
		}
	}
	if env.idsrv.CreateCalls() != 0 {
		t.Fatal("invalid input must not reach the identity service")
	}
}

// Request bodies are strict: an unknown key is rejected rather than
// silently ignored, so a misspelled field fails loudly instead of creating
// an account with missing attributes.
func TestUnknownBodyFieldsRejected(t *testing.T) {
	env := newTestAPI(t)
	token := env.masterToken()

	resp := env.post("/add-agency-account", map[string]any{
		"email":        "strict@x.com",
		"password":     "password-1",
		"agency_code":  "AC01",
		"agency_nm_kr": "misspelled key",
	}, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown body field, got %d", resp.StatusCode)
	}
	if env.idsrv.CreateCalls() != 0 {
		t.Fatal("request with unknown fields must not reach the identity service")
	}
}

func TestCreateAgencyUserDuplicateEmail(t *testing.T) {
	env := newTestAPI(t)
	token := env.masterToken()

	body := map[string]any{
		"email":       "dup@x.com",
		"password":    "password-1",
		"agency_code": "AC02",
	}
	resp := env.post("/create-agency-user", body, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/create-agency-user", body, bearerHeader(token))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate email, got %d", resp.StatusCode)
	}
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] == "" {
		t.Fatal("expected remote message passthrough")
	}
}

func TestAgencyAccountsLookup(t *testing.T) {
	env := newTestAPI(t)
	token := env.masterToken()

	u1 := env.idsrv.Seed(identity.User{
		Email:       "a@x.com",
		AppMetadata: map[string]any{"role": auth.RoleAgency},
	})

	resp := env.get("/agency-accounts", url.Values{"user_ids": []string{u1.ID + ",u2"}}, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	emails := decode[map[string]string](t, resp)
	if len(emails) != 1 || emails[u1.ID] != "a@x.com" {
		t.Fatalf("unexpected mapping: %v", emails)
	}

	// Without the parameter the route answers with an empty object.
	resp = env.get("/agency-accounts", nil, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	empty := decode[map[string]string](t, resp)
	if len(empty) != 0 {
		t.Fatalf("expected empty mapping, got %v", empty)
	}
}

func TestAgencyAccountsLookupDropsFailures(t *testing.T) {
	env := newTestAPI(t)
	token := env.masterToken()

	ok := env.idsrv.Seed(identity.User{
		Email:       "ok@x.com",
		AppMetadata: map[string]any{"role": auth.RoleAgency},
	})
	broken := env.idsrv.Seed(identity.User{
		Email:       "broken@x.com",
		AppMetadata: map[string]any{"role": auth.RoleAgency},
	})
	env.idsrv.FailLookup(broken.ID)

	resp := env.get("/agency-accounts", url.Values{"user_ids": []string{ok.ID + "," + broken.ID}}, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	emails := decode[map[string]string](t, resp)
	if len(emails) != 1 || emails[ok.ID] != "ok@x.com" {
		t.Fatalf("expected failing lookup silently dropped, got %v", emails)
	}
}

func TestResetAgencyPassword(t *testing.T) {
	env := newTestAPI(t)
	token := env.masterToken()

	ag := env.idsrv.Seed(identity.User{
		Email:       "ag@x.com",
		AppMetadata: map[string]any{"role": auth.RoleAgency},
	})

	resp := env.post("/reset-agency-password", map[string]any{
		"user_id":      ag.ID,
		"new_password": "short",
	}, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", resp.StatusCode)
	}
	if env.idsrv.PasswordUpdates() != 0 {
		t.Fatal("short password must not reach the identity service")
	}

	resp = env.post("/reset-agency-password", map[string]any{
		"user_id":      ag.ID,
		"new_password": "long-enough-password",
	}, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	result := decode[map[string]bool](t, resp)
	if !result["success"] {
		t.Fatal("expected success:true")
	}
	if env.idsrv.PasswordFor(ag.ID) != "long-enough-password" {
		t.Fatal("password not updated remotely")
	}

	env.waitForAudit(audit.ActionAgencyPasswordReset, 1)
}

func TestStudentWithdrawIdempotent(t *testing.T) {
	env := newTestAPI(t)

	stu := env.idsrv.Seed(identity.User{
		Email:       "stu@x.com",
		AppMetadata: map[string]any{"role": auth.RoleStudent},
	})
	if err := env.students.Create(t.Context(), &student.Record{UserID: stu.ID, Active: true}); err != nil {
		t.Fatalf("seed student: %v", err)
	}
	token := env.idsrv.IssueToken(stu.ID)

	resp := env.post("/student-withdraw", nil, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	result := decode[map[string]bool](t, resp)
	if !result["success"] {
		t.Fatal("expected success:true")
	}

	rec, err := env.students.Find(t.Context(), stu.ID)
	if err != nil {
		t.Fatalf("find student: %v", err)
	}
	if rec.Active {
		t.Fatal("expected record deactivated")
	}
	entries := env.waitForAudit(audit.ActionWithdraw, 1)
	if entries[0].ActorID != stu.ID || entries[0].TargetID != stu.ID {
		t.Fatalf("unexpected audit attribution: %+v", entries[0])
	}
	if entries[0].ActorRole != auth.RoleStudent {
		t.Fatalf("unexpected actor role: %q", entries[0].ActorRole)
	}

	// Second call: still success, and every attempt lands in the trail.
	resp = env.post("/student-withdraw", nil, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", resp.StatusCode)
	}
	result = decode[map[string]bool](t, resp)
	if !result["success"] {
		t.Fatal("expected success:true on repeat")
	}
	entries = env.waitForAudit(audit.ActionWithdraw, 2)
	if changed, _ := entries[1].Detail["changed"].(bool); changed {
		t.Fatal("repeat withdrawal must record changed=false")
	}
}

func TestStudentWithdrawWithoutRecordStillSucceeds(t *testing.T) {
	env := newTestAPI(t)

	ghost := env.idsrv.Seed(identity.User{
		Email:       "norecord@x.com",
		AppMetadata: map[string]any{"role": auth.RoleStudent},
	})
	token := env.idsrv.IssueToken(ghost.ID)

	resp := env.post("/student-withdraw", nil, bearerHeader(token))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	result := decode[map[string]bool](t, resp)
	if !result["success"] {
		t.Fatal("expected success:true")
	}
}

func TestHealthAndInfoArePublic(t *testing.T) {
	env := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := env.get(path, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
