package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"tenantauth.org/internal/auth"
	"tenantauth.org/internal/store/memory"
)

type testEnv struct {
	t     *testing.T
	store *memory.Store
	api   *API
	h     http.Handler
	org   *auth.Organization
	shop  *auth.Store
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	hasher := auth.NewBcryptHasher(bcrypt.MinCost, 2)
	svc, err := auth.NewService(st, auth.TokenConfig{
		AccessSecret:  "http-access-secret",
		RefreshSecret: "http-refresh-secret",
		Issuer:        "tenantauth-test",
	}, auth.WithHasher(hasher))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	env := &testEnv{t: t, store: st}
	env.org = &auth.Organization{Slug: "acme", Name: "Acme Corp", State: auth.OrganizationActive}
	if err := st.Organizations(ctx).Create(ctx, env.org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	env.shop = &auth.Store{OrganizationID: env.org.ID, Slug: "downtown", Name: "Downtown"}
	if err := st.Stores(ctx).Create(ctx, env.shop); err != nil {
		t.Fatalf("create store: %v", err)
	}
	env.account(env.org, "alice@acme.com", "correct-horse", auth.RoleOwner)

	opts = append([]Option{WithRateLimit(0, 0)}, opts...)
	env.api = New(svc, &stubReadiness{}, opts...)
	env.h = env.api.Handler()
	return env
}

func (e *testEnv) account(org *auth.Organization, email, password string, roles ...auth.Role) *auth.Account {
	e.t.Helper()
	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		e.t.Fatalf("hash: %v", err)
	}
	acc := &auth.Account{Email: email, PasswordHash: string(hash), OrganizationID: org.ID, State: auth.AccountActive}
	if err := e.store.Accounts(ctx).Create(ctx, acc); err != nil {
		e.t.Fatalf("create account: %v", err)
	}
	for _, r := range roles {
		if err := e.store.Roles(ctx).Assign(ctx, acc.ID, r); err != nil {
			e.t.Fatalf("assign role: %v", err)
		}
	}
	return acc
}

func (e *testEnv) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(body map[string]string) auth.SessionResult {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v1/auth/login", "", body)
	if rec.Code != http.StatusOK {
		e.t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res auth.SessionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		e.t.Fatalf("decode session: %v", err)
	}
	if res.Tokens.AccessToken == "" || res.Tokens.RefreshToken == "" {
		e.t.Fatalf("expected tokens, got %+v", res.Tokens)
	}
	return res
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthzAndReady(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "ok" {
		t.Fatalf("healthz status = %v", got)
	}

	rec = env.do(http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", rec.Code)
	}

	down := New(nil, &stubReadiness{err: errors.New("db down")})
	rec = httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz down: expected 503, got %d", rec.Code)
	}
}

func TestLoginReturnsSession(t *testing.T) {
	env := newTestEnv(t)
	res := env.login(map[string]string{"email": "Alice@Acme.com", "password": "correct-horse"})

	if res.OrganizationID != env.org.ID {
		t.Fatalf("organization = %q, want %q", res.OrganizationID, env.org.ID)
	}
	if res.Profile.Email != "alice@acme.com" {
		t.Fatalf("unexpected profile %+v", res.Profile)
	}
	if res.SessionID == "" {
		t.Fatalf("expected a session id")
	}
}

func TestLoginDisambiguation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	other := &auth.Organization{Slug: "globex", Name: "Globex", State: auth.OrganizationActive}
	if err := env.store.Organizations(ctx).Create(ctx, other); err != nil {
		t.Fatalf("create org: %v", err)
	}
	env.account(other, "alice@acme.com", "another-pass", auth.RoleOwner)

	rec := env.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "alice@acme.com", "password": "whatever"})
	if rec.Code != http.StatusMultipleChoices {
		t.Fatalf("expected 300, got %d: %s", rec.Code, rec.Body.String())
	}
	var body disambiguationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusAccountDisambiguation || len(body.Organizations) != 2 {
		t.Fatalf("unexpected disambiguation %+v", body)
	}
	if env.store.SessionCount() != 0 {
		t.Fatalf("disambiguation must not open a session")
	}

	res := env.login(map[string]string{"email": "alice@acme.com", "password": "another-pass", "organization": "globex"})
	if res.OrganizationID != other.ID {
		t.Fatalf("expected globex session, got %q", res.OrganizationID)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	cases := []map[string]string{
		{"email": "nobody@acme.com", "password": "correct-horse"},
		{"email": "alice@acme.com", "password": "wrong"},
		{"email": "alice@acme.com", "password": "correct-horse", "organization": "no-such-org"},
	}
	var first string
	for i, body := range cases {
		rec := env.do(http.MethodPost, "/v1/auth/login", "", body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("case %d: expected 401, got %d", i, rec.Code)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Fatalf("case %d: expected a request id header", i)
		}
		if i == 0 {
			first = rec.Body.String()
			continue
		}
		if rec.Body.String() != first {
			t.Fatalf("case %d body %q differs from %q", i, rec.Body.String(), first)
		}
	}
	if !strings.Contains(first, auth.MessageInvalidCredentials) {
		t.Fatalf("unexpected body %q", first)
	}
}

func TestLoginLocked(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		rec := env.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "alice@acme.com", "password": "nope"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}
	rec := env.do(http.MethodPost, "/v1/auth/login", "", map[string]string{"email": "alice@acme.com", "password": "correct-horse"})
	if rec.Code != http.StatusLocked {
		t.Fatalf("expected 423, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["error"]; got != auth.MessageAccountLocked {
		t.Fatalf("error = %v", got)
	}
}

func TestLoginValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"malformed", "{"},
		{"unknown field", `{"email":"a@b.c","password":"x","tenant":"y"}`},
		{"both tenants", `{"email":"a@b.c","password":"x","organization":"acme","store":"downtown"}`},
		{"missing password", `{"email":"a@b.c"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			env.h.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRefreshRotates(t *testing.T) {
	env := newTestEnv(t)
	res := env.login(map[string]string{"email": "alice@acme.com", "password": "correct-horse"})

	rec := env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": res.Tokens.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var rotated auth.SessionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rotated.SessionID != res.SessionID || rotated.Tokens.RefreshToken == res.Tokens.RefreshToken {
		t.Fatalf("expected rotation within the same session")
	}

	rec = env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": res.Tokens.RefreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed token: expected 401, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != auth.MessageInvalidToken {
		t.Fatalf("error = %v", got)
	}

	rec = env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing token: expected 400, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	env := newTestEnv(t)
	res := env.login(map[string]string{"email": "alice@acme.com", "password": "correct-horse"})

	for _, token := range []string{"", "garbage", res.Tokens.RefreshToken} {
		rec := env.do(http.MethodGet, "/v1/auth/sessions", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, rec.Code)
		}
	}
	rec := env.do(http.MethodGet, "/v1/auth/sessions", res.Tokens.AccessToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSessionsListRevokeAndLogout(t *testing.T) {
	env := newTestEnv(t)
	first := env.login(map[string]string{"email": "alice@acme.com", "password": "correct-horse"})
	second := env.login(map[string]string{"email": "alice@acme.com", "password": "correct-horse"})

	rec := env.do(http.MethodGet, "/v1/auth/sessions", second.Tokens.AccessToken, nil)
	var listed struct {
		Sessions []auth.SessionSummary `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(listed.Sessions))
	}

	rec = env.do(http.MethodDelete, "/v1/auth/sessions/"+first.SessionID, second.Tokens.AccessToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(http.MethodDelete, "/v1/auth/sessions/"+first.SessionID, second.Tokens.AccessToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second revoke: expected 404, got %d", rec.Code)
	}
	rec = env.do(http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": first.Tokens.RefreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session refresh: expected 401, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/v1/auth/logout", second.Tokens.AccessToken, map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty logout: expected 400, got %d", rec.Code)
	}
	rec = env.do(http.MethodPost, "/v1/auth/logout", second.Tokens.AccessToken, map[string]any{"all_sessions": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["revoked"]; got != float64(1) {
		t.Fatalf("revoked = %v", got)
	}
}

func TestEnvironmentSwitch(t *testing.T) {
	env := newTestEnv(t)
	res := env.login(map[string]string{"email": "alice@acme.com", "password": "correct-horse"})

	rec := env.do(http.MethodPost, "/v1/auth/environment", res.Tokens.AccessToken, map[string]string{"environment": "store_admin", "store": "downtown"})
	if rec.Code != http.StatusOK {
		t.Fatalf("switch: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var switched auth.SessionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &switched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if switched.Environment != auth.EnvironmentStoreAdmin || switched.Store == nil || switched.Store.ID != env.shop.ID {
		t.Fatalf("unexpected switch result %+v", switched)
	}
	if switched.SessionID == res.SessionID {
		t.Fatalf("switch must open a new session")
	}

	rec = env.do(http.MethodPost, "/v1/auth/environment", res.Tokens.AccessToken, map[string]string{"environment": "cashier"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad environment: expected 400, got %d", rec.Code)
	}

	env.account(env.org, "bob@acme.com", "bob-pass", auth.RoleEmployee)
	bob := env.login(map[string]string{"email": "bob@acme.com", "password": "bob-pass"})
	rec = env.do(http.MethodPost, "/v1/auth/environment", bob.Tokens.AccessToken, map[string]string{"environment": "org_admin"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("employee switch: expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(2, 0.001))
	body := map[string]string{"email": "nobody@acme.com", "password": "x"}
	for i := 0; i < 2; i++ {
		if rec := env.do(http.MethodPost, "/v1/auth/login", "", body); rec.Code != http.StatusUnauthorized {
			t.Fatalf("request %d: expected 401, got %d", i, rec.Code)
		}
	}
	rec := env.do(http.MethodPost, "/v1/auth/login", "", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if rec := env.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must not be rate limited, got %d", rec.Code)
	}
}

func TestRequestIDAndSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/healthz", "", nil, "X-Request-ID", "abc-123")
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store")
	}

	rec = env.do(http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["request_id"] == "" || body["request_id"] == nil {
		t.Fatalf("expected generated request id in %v", body)
	}

	rec = env.do(http.MethodGet, "/v1/auth/login", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, WithCORSOrigins([]string{"https://app.example.com"}))
	rec := env.do(http.MethodOptions, "/v1/auth/login", "", nil, "Origin", "https://app.example.com")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("expected origin to be allowed")
	}
	rec = env.do(http.MethodOptions, "/v1/auth/login", "", nil, "Origin", "https://evil.example.com")
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected allowed origin")
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{auth.ErrValidation, http.StatusBadRequest},
		{auth.ErrAccountLocked, http.StatusLocked},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{&auth.RefreshError{Reason: auth.ReasonRevoked}, http.StatusUnauthorized},
		{auth.ErrTransient, http.StatusServiceUnavailable},
		{&auth.RoleError{Environment: auth.EnvironmentOrgAdmin}, http.StatusForbidden},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{auth.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	if got := clientIP(req, false); got != "10.1.2.3" {
		t.Fatalf("untrusted = %q", got)
	}
	if got := clientIP(req, true); got != "203.0.113.9" {
		t.Fatalf("trusted = %q", got)
	}
}
