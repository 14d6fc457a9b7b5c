package auth

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"tenantauth.org/internal/audit"
	"tenantauth.org/internal/obs"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 30 * time.Minute
	defaultStoreTimeout     = 5 * time.Second

	dummyPassword = "tenantauth-timing-equalizer"
)

// Config holds the tunables of the login and session flows.
type Config struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	// StoreTimeout bounds every Service call, including all storage calls.
	StoreTimeout time.Duration
	// RequireTenantIdentifier rejects logins naming neither an organization
	// nor a store before any lookup.
	RequireTenantIdentifier bool
	Policy                  SecurityPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LockoutThreshold: defaultLockoutThreshold,
		LockoutDuration:  defaultLockoutDuration,
		StoreTimeout:     defaultStoreTimeout,
		Policy:           DefaultSecurityPolicy(),
	}
}

// Service is the entry point used by transports: login, refresh, logout,
// environment switch and session management.
type Service struct {
	repo     Repository
	hasher   Hasher
	tokens   *TokenIssuer
	sessions *SessionManager
	resolver *Resolver
	scopes   *ScopeResolver
	audit    audit.Emitter
	notifier Notifier
	cfg      Config
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithConfig replaces the default Config. Zero durations and thresholds keep
// their defaults; Policy and RequireTenantIdentifier are taken as given.
func WithConfig(cfg Config) ServiceOption {
	return func(s *Service) error {
		if cfg.LockoutThreshold > 0 {
			s.cfg.LockoutThreshold = cfg.LockoutThreshold
		}
		if cfg.LockoutDuration > 0 {
			s.cfg.LockoutDuration = cfg.LockoutDuration
		}
		if cfg.StoreTimeout > 0 {
			s.cfg.StoreTimeout = cfg.StoreTimeout
		}
		s.cfg.RequireTenantIdentifier = cfg.RequireTenantIdentifier
		s.cfg.Policy = cfg.Policy
		return nil
	}
}

// WithHasher overrides the password hasher.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		if h != nil {
			s.hasher = h
		}
		return nil
	}
}

// WithAudit sets the audit emitter. It must not block.
func WithAudit(e audit.Emitter) ServiceOption {
	return func(s *Service) error {
		if e != nil {
			s.audit = e
		}
		return nil
	}
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.notifier = n
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(repo Repository, tokenCfg TokenConfig, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, ErrNotReady
	}
	svc := &Service{
		repo:     repo,
		audit:    audit.Discard{},
		notifier: discardNotifier{},
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.hasher == nil {
		svc.hasher = NewBcryptHasher(0, 0)
	}
	tokens, err := NewTokenIssuer(tokenCfg, svc.now)
	if err != nil {
		return nil, err
	}
	svc.tokens = tokens
	svc.sessions = NewSessionManager(repo, svc.hasher, tokens, svc.cfg.Policy, svc.now)
	svc.resolver = NewResolver(repo)
	svc.scopes = NewScopeResolver(repo, svc.resolver)
	return svc, nil
}

// Sessions exposes the session manager.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// Scopes exposes the tenant scope resolver.
func (s *Service) Scopes() *ScopeResolver { return s.scopes }

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// burnHash runs one bcrypt comparison against a throwaway hash so failures
// that never reach a real hash take as long as a wrong password.
func (s *Service) burnHash(ctx context.Context, password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash(context.Background(), dummyPassword)
	})
	if s.dummyHash == "" {
		return
	}
	_, _ = s.hasher.Verify(ctx, s.dummyHash, password)
}

func (s *Service) emit(ctx context.Context, e audit.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	s.audit.Emit(ctx, e)
}

func (s *Service) notify(ctx context.Context, n Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		log := obs.Logger()
		log.Warn().Err(err).Str("kind", n.Kind).Str("account_id", n.AccountID).Msg("notification failed")
	}
}

// loadRoles fills account.Roles from role assignments.
func (s *Service) loadRoles(ctx context.Context, account *Account) error {
	roles, err := s.repo.Roles(ctx).Roles(ctx, account.ID)
	if err != nil {
		return transient("load roles", err)
	}
	account.Roles = roles
	return nil
}

// SessionResult is what a successful login, refresh or switch returns.
type SessionResult struct {
	Tokens         TokenPair      `json:"tokens"`
	SessionID      string         `json:"session_id"`
	Profile        AccountProfile `json:"account"`
	OrganizationID string         `json:"organization_id"`
	Store          *StoreSummary  `json:"store,omitempty"`
	Environment    Environment    `json:"environment"`
	AppType        string         `json:"app_type"`
}

// RefreshToken rotates a refresh token and returns the new pair in the same scope.
func (s *Service) RefreshToken(ctx context.Context, raw string, device DeviceInfo) (*SessionResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.sessions.RefreshTokens(ctx, raw, device)
	if err != nil {
		var refreshErr *RefreshError
		if errors.As(err, &refreshErr) {
			obs.ObserveRefresh(refreshErr.Reason)
			evt := audit.Event{
				Type:      audit.EventRefreshRejected,
				AccountID: refreshErr.AccountID,
				SessionID: refreshErr.SessionID,
				IP:        device.IPAddress,
				Reason:    refreshErr.Reason,
			}
			if refreshErr.Reason == ReasonFingerprintMismatch {
				evt.Type = audit.EventFingerprintMismatch
			}
			s.emit(ctx, evt)
			return nil, ErrInvalidToken
		}
		obs.ObserveRefresh("error")
		return nil, err
	}
	obs.ObserveRefresh("success")

	account := res.Account
	if err := s.loadRoles(ctx, account); err != nil {
		return nil, err
	}
	pref, err := s.repo.Preferences(ctx).Get(ctx, account.ID)
	if err != nil {
		return nil, transient("get preference", err)
	}
	out := &SessionResult{
		Tokens:         res.Tokens,
		SessionID:      res.SessionID,
		Profile:        account.Profile(),
		OrganizationID: res.Scope.OrganizationID,
		Environment:    pref.Environment,
		AppType:        appTypeOrDefault(pref.AppType),
	}
	if res.Scope.StoreID != "" {
		store, err := s.repo.Stores(ctx).Find(ctx, res.Scope.StoreID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, transient("find store", err)
		}
		out.Store = store.Summary()
	}
	s.emit(ctx, audit.Event{
		Type:           audit.EventTokenRefreshed,
		AccountID:      account.ID,
		OrganizationID: res.Scope.OrganizationID,
		StoreID:        res.Scope.StoreID,
		SessionID:      res.SessionID,
		IP:             device.IPAddress,
		Success:        true,
	})
	return out, nil
}

// Logout revokes every session when all is set, otherwise the session the
// raw refresh token belongs to. It returns how many sessions were revoked.
func (s *Service) Logout(ctx context.Context, accountID, rawToken string, all bool) (int, error) {
	if accountID == "" {
		return 0, ErrInvalidToken
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	switch {
	case all:
		count, err := s.sessions.RevokeAllSessions(ctx, accountID)
		if err != nil {
			return 0, err
		}
		n = count
	case rawToken != "":
		ok, err := s.sessions.RevokeByToken(ctx, accountID, rawToken)
		if err != nil {
			return 0, err
		}
		if ok {
			n = 1
		}
	default:
		return 0, validationError("a refresh token or all_sessions is required")
	}
	s.emit(ctx, audit.Event{
		Type:      audit.EventSessionRevoked,
		AccountID: accountID,
		Success:   true,
		Metadata:  map[string]string{"all": strconv.FormatBool(all)},
	})
	return n, nil
}

// ListSessions returns the account's active sessions.
func (s *Service) ListSessions(ctx context.Context, accountID string) ([]SessionSummary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.sessions.ListSessions(ctx, accountID)
}

// RevokeSession revokes one session owned by the account.
func (s *Service) RevokeSession(ctx context.Context, accountID, sessionID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.sessions.RevokeSession(ctx, accountID, sessionID); err != nil {
		return err
	}
	s.emit(ctx, audit.Event{
		Type:      audit.EventSessionRevoked,
		AccountID: accountID,
		SessionID: sessionID,
		Success:   true,
	})
	return nil
}

// AuthenticateAccess verifies an access token. The scope comes from the
// token itself, so no storage call is made.
func (s *Service) AuthenticateAccess(raw string) (*Claims, error) {
	claims, err := s.tokens.ParseAccess(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func appTypeOrDefault(v string) string {
	if v == "" {
		return DefaultAppType
	}
	return v
}
