package httpapi

import (
	"net/http"

	"yuhak.app/internal/audit"
	"yuhak.app/internal/auth"
)

// handleStudentWithdraw deactivates the caller's own student record. Any
// authenticated identity may call it; repeated calls are idempotent and each
// attempt is recorded in the audit trail.
func (a *API) handleStudentWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="yuhak"`)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	changed, err := a.students.Withdraw(r.Context(), principal.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	a.audit(r.Context(), audit.ActionWithdraw, "students", principal.ID, map[string]any{
		"changed": changed,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
