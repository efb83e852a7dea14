package httpapi

import (
	"net/http"
	"strings"

	"yuhak.app/internal/agency"
	"yuhak.app/internal/audit"
)

type addAgencyAccountRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	AgencyCode   string `json:"agency_code"`
	AgencyID     string `json:"agency_id"`
	AgencyNameKR string `json:"agency_name_kr"`
}

type resetAgencyPasswordRequest struct {
	UserID      string `json:"user_id"`
	NewPassword string `json:"new_password"`
}

const minPasswordLength = 8

func (a *API) handleAddAgencyAccount(w http.ResponseWriter, r *http.Request) {
	a.createAgencyAccount(w, r, true, audit.ActionAgencyAccountCreate)
}

func (a *API) handleCreateAgencyUser(w http.ResponseWriter, r *http.Request) {
	a.createAgencyAccount(w, r, false, audit.ActionAgencyUserCreate)
}

// createAgencyAccount backs both creation routes; only the legacy
// /add-agency-account path honors the optional agency_id owner link.
func (a *API) createAgencyAccount(w http.ResponseWriter, r *http.Request, allowLink bool, action string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req addAgencyAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	req.AgencyCode = strings.TrimSpace(req.AgencyCode)
	if req.Email == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}
	if req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "password is required")
		return
	}
	if req.AgencyCode == "" {
		writeError(w, r, http.StatusBadRequest, "agency_code is required")
		return
	}

	params := agency.CreateAccountParams{
		Email:      req.Email,
		Password:   req.Password,
		AgencyCode: req.AgencyCode,
		NameKR:     strings.TrimSpace(req.AgencyNameKR),
	}
	if allowLink {
		params.AgencyID = strings.TrimSpace(req.AgencyID)
	}

	userID, linked, err := a.agencies.CreateAccount(r.Context(), params)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}

	detail := map[string]any{
		"email":       req.Email,
		"agency_code": req.AgencyCode,
	}
	if params.AgencyID != "" {
		detail["agency_id"] = params.AgencyID
		detail["linked"] = linked
	}
	a.audit(r.Context(), action, "users", userID, detail)

	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

func (a *API) handleAgencyAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("user_ids"))
	if raw == "" {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	ids := strings.Split(raw, ",")

	emails, err := a.agencies.LookupEmails(r.Context(), ids)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, emails)
}

func (a *API) handleResetAgencyPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resetAgencyPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		writeError(w, r, http.StatusBadRequest, "new_password must be at least 8 characters")
		return
	}

	if err := a.agencies.ResetPassword(r.Context(), req.UserID, req.NewPassword); err != nil {
		handleIdentityError(w, r, err)
		return
	}

	a.audit(r.Context(), audit.ActionAgencyPasswordReset, "users", req.UserID, map[string]any{})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
