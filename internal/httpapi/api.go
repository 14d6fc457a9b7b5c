// Package httpapi is a thin HTTP adapter over auth.Service.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tenantauth.org/internal/auth"
	"tenantauth.org/internal/obs"
)

// AuthService is the part of auth.Service the adapter needs.
type AuthService interface {
	Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResult, error)
	RefreshToken(ctx context.Context, raw string, device auth.DeviceInfo) (*auth.SessionResult, error)
	Logout(ctx context.Context, accountID, rawToken string, all bool) (int, error)
	SwitchEnvironment(ctx context.Context, req auth.SwitchRequest) (*auth.SessionResult, error)
	ListSessions(ctx context.Context, accountID string) ([]auth.SessionSummary, error)
	RevokeSession(ctx context.Context, accountID, sessionID string) error
	AuthenticateAccess(raw string) (*auth.Claims, error)
}

var _ AuthService = (*auth.Service)(nil)

// DBReadiness checks readiness, e.g. by pinging the database.
type DBReadiness struct {
	DB *sql.DB
}

func (rp DBReadiness) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	svc        AuthService
	readiness  readinessChecker
	version    string

	rateBurst    int
	ratePerSec   float64
	maxBodyBytes int64
	corsOrigins  []string
	trustProxy   bool

	router chi.Router
}

// Option configures API.
type Option func(*API)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option { return func(a *API) { a.version = v } }

// WithRateLimit sets the per-client token bucket. Non-positive values disable it.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithCORSOrigins lists allowed origins. Empty allows local development origins only.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// WithTrustProxy takes the client address from X-Forwarded-For.
func WithTrustProxy(trust bool) Option { return func(a *API) { a.trustProxy = trust } }

// New builds the router.
func New(svc AuthService, rp readinessChecker, opts ...Option) *API {
	a := &API{
		svc:          svc,
		readiness:    rp,
		version:      "dev",
		rateBurst:    40,
		ratePerSec:   20,
		maxBodyBytes: 1 << 20,
	}
	if a.readiness == nil {
		a.readiness = DBReadiness{}
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, a.withDevice, LoggingJSON, SecurityHeaders, CORS(a.corsOrigins))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Route("/v1/auth", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBodyBytes) })
		if a.rateBurst > 0 && a.ratePerSec > 0 {
			r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
		}
		r.Post("/login", a.handleLogin)
		r.Post("/refresh", a.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)
			r.Post("/logout", a.handleLogout)
			r.Post("/environment", a.handleEnvironment)
			r.Get("/sessions", a.handleListSessions)
			r.Delete("/sessions/{id}", a.handleRevokeSession)
		})
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tenantauth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
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

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("malformed JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
