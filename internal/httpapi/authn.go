package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenantauth.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withDevice records the client address and user agent for every request.
func (a *API) withDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := auth.DeviceInfo{
			IPAddress: clientIP(r, a.trustProxy),
			UserAgent: r.UserAgent(),
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithDevice(r.Context(), d)))
	})
}

func deviceFrom(r *http.Request) auth.DeviceInfo {
	return auth.DeviceFromContext(r.Context())
}

// requireAuth verifies the bearer access token. The tenant scope is read
// from the token; nothing is looked up.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, auth.MessageInvalidToken)
			return
		}
		claims, err := a.svc.AuthenticateAccess(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, auth.MessageInvalidToken)
			return
		}
		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
