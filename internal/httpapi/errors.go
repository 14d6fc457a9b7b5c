package httpapi

import (
	"errors"
	"net/http"

	"tenantauth.org/internal/auth"
	"tenantauth.org/internal/obs"
)

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeServiceError renders err with the only text clients ever see for it.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := auth.PublicMessage(err)
	switch code {
	case http.StatusNotFound:
		msg = "not found"
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		log := obs.Logger()
		log.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	switch code {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	case http.StatusUnauthorized:
		// Credential failures render one fixed body; the request id stays in
		// the X-Request-ID header only.
		writeJSON(w, code, map[string]any{"error": msg})
		return
	}
	writeError(w, r, code, msg)
}
