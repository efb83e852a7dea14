package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"yuhak.app/internal/agency"
	"yuhak.app/internal/audit"
	"yuhak.app/internal/auth"
	"yuhak.app/internal/identity"
	"yuhak.app/internal/obs"
	"yuhak.app/internal/stream"
	"yuhak.app/internal/student"
)

// ReadyProbe checks backing-service health for /readyz (e.g. DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	provider *identity.Provider
	agencies *agency.Service
	students *student.Service
	recorder *audit.Recorder
	activity *stream.Stream

	rateBurst  int
	ratePerSec int
}

// New wires routes onto a fresh mux.
func New(rp ReadyProbe, version string, provider *identity.Provider, agencies *agency.Service, students *student.Service, recorder *audit.Recorder, activity *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		provider:   provider,
		agencies:   agencies,
		students:   students,
		recorder:   recorder,
		activity:   activity,
		rateBurst:  50,
		ratePerSec: 25,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// agency administration (role=master)
	a.mux.Handle("/add-agency-account", RequireRole(auth.RoleMaster)(http.HandlerFunc(a.handleAddAgencyAccount)))
	a.mux.Handle("/create-agency-user", RequireRole(auth.RoleMaster)(http.HandlerFunc(a.handleCreateAgencyUser)))
	a.mux.Handle("/agency-accounts", RequireRole(auth.RoleMaster)(http.HandlerFunc(a.handleAgencyAccounts)))
	a.mux.Handle("/reset-agency-password", RequireRole(auth.RoleMaster)(http.HandlerFunc(a.handleResetAgencyPassword)))

	// student self-service (any authenticated caller)
	a.mux.HandleFunc("/student-withdraw", a.handleStudentWithdraw)

	// live activity feed for master dashboards
	a.mux.Handle("/v1/activity/stream", RequireRole(auth.RoleMaster)(http.HandlerFunc(a.handleActivityStream)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetRateLimit overrides the default per-client rate limit. Call before
// Handler.
func (a *API) SetRateLimit(burst, perSec int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSec > 0 {
		a.ratePerSec = perSec
	}
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "yuhak-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "yuhak-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// audit hands the entry to the background recorder; it never blocks the
// request and write failures are never surfaced here.
func (a *API) audit(ctx context.Context, action, targetTable, targetID string, detail map[string]any) {
	if a.recorder == nil {
		return
	}
	entry := audit.Entry{
		Action:      action,
		TargetTable: targetTable,
		TargetID:    targetID,
		Detail:      detail,
	}
	if principal, ok := auth.PrincipalFromContext(ctx); ok {
		entry.ActorID = principal.ID
		entry.ActorRole = principal.Role
	}
	a.recorder.Record(entry)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleIdentityError maps identity-service failures onto the route error
// contract: remote validation rejections pass through as 400, everything
// unexpected collapses to a generic 500.
func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *identity.RejectedError
	switch {
	case errors.As(err, &rejected):
		writeError(w, r, http.StatusBadRequest, rejected.Message)
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusBadRequest, "user not found")
	case errors.Is(err, identity.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
