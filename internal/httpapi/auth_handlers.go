package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tenantauth.org/internal/auth"
)

// StatusAccountDisambiguation is the login status returned when the email
// exists in several organizations and none was named.
const StatusAccountDisambiguation = "account_disambiguation"

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	Organization string `json:"organization,omitempty"`
	Store        string `json:"store,omitempty"`
}

type disambiguationResponse struct {
	Status        string                       `json:"status"`
	Organizations []auth.OrganizationCandidate `json:"organizations"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
	AllSessions  bool   `json:"all_sessions,omitempty"`
}

type environmentRequest struct {
	Environment string `json:"environment"`
	Store       string `json:"store,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Login(r.Context(), auth.LoginRequest{
		Email:        req.Email,
		Password:     req.Password,
		Organization: req.Organization,
		Store:        req.Store,
		Device:       deviceFrom(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if res.NeedsChoice() {
		writeJSON(w, http.StatusMultipleChoices, disambiguationResponse{
			Status:        StatusAccountDisambiguation,
			Organizations: res.Disambiguation,
		})
		return
	}
	writeJSON(w, http.StatusOK, res.Session)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	res, err := a.svc.RefreshToken(r.Context(), req.RefreshToken, deviceFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountIDFromContext(r.Context())
	var req logoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	n, err := a.svc.Logout(r.Context(), accountID, req.RefreshToken, req.AllSessions)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": n})
}

func (a *API) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountIDFromContext(r.Context())
	var req environmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	env, ok := auth.ParseEnvironment(req.Environment)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "environment must be org_admin or store_admin")
		return
	}
	res, err := a.svc.SwitchEnvironment(r.Context(), auth.SwitchRequest{
		AccountID: accountID,
		Target:    env,
		Store:     req.Store,
		Device:    deviceFrom(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountIDFromContext(r.Context())
	sessions, err := a.svc.ListSessions(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountIDFromContext(r.Context())
	if err := a.svc.RevokeSession(r.Context(), accountID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
