package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"tenantauth.org/internal/audit"
	"tenantauth.org/internal/ids"
	"tenantauth.org/internal/obs"
)

// Login failure reasons recorded on login attempts and audit events.
const (
	FailureUnknownAccount = "unknown_account"
	FailureWrongTenant    = "wrong_tenant"
	FailureBadPassword    = "bad_password"
	FailureLocked         = "locked"
	FailureSuspendedOrg   = "organization_suspended"
)

// LoginRequest is one credential submission. At most one of Organization and
// Store may be set.
type LoginRequest struct {
	Email        string
	Password     string
	Organization string
	Store        string
	Device       DeviceInfo
}

// LoginResult is either a session or a list of organizations to choose from.
type LoginResult struct {
	Session        *SessionResult
	Disambiguation []OrganizationCandidate
}

// NeedsChoice reports whether the caller must pick an organization and retry.
func (r *LoginResult) NeedsChoice() bool { return r != nil && r.Session == nil }

func (req LoginRequest) tenant() *TenantIdentifier {
	if v := strings.TrimSpace(req.Store); v != "" {
		return &TenantIdentifier{Kind: TenantStore, Value: v}
	}
	if v := strings.TrimSpace(req.Organization); v != "" {
		return &TenantIdentifier{Kind: TenantOrganization, Value: v}
	}
	return nil
}

// Login runs the contextual login state machine. Unknown email, wrong
// password, wrong tenant and unusable accounts all return
// ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	email := NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		obs.ObserveLogin("validation")
		return nil, validationError("email and password are required")
	}
	scopeReq := ScopeRequest{
		Organization: strings.TrimSpace(req.Organization),
		Store:        strings.TrimSpace(req.Store),
	}
	scopeReq.Implicit = scopeReq.Organization == "" && scopeReq.Store == "" && !s.cfg.RequireTenantIdentifier
	if err := scopeReq.Validate(); err != nil {
		obs.ObserveLogin("validation")
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.resolver.ResolveAccounts(ctx, email, req.tenant())
	if err != nil {
		obs.ObserveLogin("error")
		return nil, err
	}
	var account *Account
	switch res.Kind {
	case ResolutionDisambiguation:
		obs.ObserveLogin("disambiguation")
		return &LoginResult{Disambiguation: res.Candidates}, nil
	case ResolutionNotFound:
		return nil, s.rejectUnknown(ctx, email, req, FailureUnknownAccount)
	case ResolutionNoAccountInOrg:
		return nil, s.rejectUnknown(ctx, email, req, FailureWrongTenant)
	default:
		account = res.Account
	}

	org, err := s.repo.Organizations(ctx).Find(ctx, account.OrganizationID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, s.rejectUnknown(ctx, email, req, FailureUnknownAccount)
	case err != nil:
		obs.ObserveLogin("error")
		return nil, transient("find organization", err)
	case org.State == OrganizationSuspended:
		return nil, s.rejectUnknown(ctx, email, req, FailureSuspendedOrg)
	}

	if err := s.loadRoles(ctx, account); err != nil {
		obs.ObserveLogin("error")
		return nil, err
	}
	decision, err := s.scopes.ResolveScope(ctx, account, scopeReq)
	if errors.Is(err, ErrAccessDenied) {
		return nil, s.rejectUnknown(ctx, email, req, FailureWrongTenant)
	}
	if err != nil {
		obs.ObserveLogin("error")
		return nil, err
	}

	now := s.now().UTC()
	if account.LockedAt(now) {
		s.recordAttempt(ctx, email, decision, false, FailureLocked)
		s.emit(ctx, s.loginEvent(audit.EventLoginFailed, account, decision, req.Device, FailureLocked))
		obs.ObserveLogin("locked")
		return nil, ErrAccountLocked
	}

	ok, err := s.hasher.Verify(ctx, account.PasswordHash, req.Password)
	if err != nil && isTimeout(err) {
		obs.ObserveLogin("error")
		return nil, transient("verify password", err)
	}
	if !ok {
		if err := s.registerFailure(ctx, email, account, decision, req.Device); err != nil {
			obs.ObserveLogin("error")
			return nil, err
		}
		obs.ObserveLogin("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	session, err := s.completeLogin(ctx, account, decision, req.Device)
	if err != nil {
		obs.ObserveLogin("error")
		return nil, err
	}
	s.recordAttempt(ctx, email, decision, true, "")
	s.emit(ctx, s.loginEvent(audit.EventLoginSucceeded, account, decision, req.Device, ""))
	obs.ObserveLogin("success")
	return &LoginResult{Session: session}, nil
}

// rejectUnknown is every InvalidCredentials exit that never reaches the
// account's real hash: it burns equivalent time and leaves no trace on any
// account.
func (s *Service) rejectUnknown(ctx context.Context, email string, req LoginRequest, reason string) error {
	s.burnHash(ctx, req.Password)
	if err := ctx.Err(); err != nil {
		obs.ObserveLogin("error")
		return transient("login", err)
	}
	storeID := s.targetStore(ctx, req.Store)
	if storeID != "" {
		s.appendAttempt(ctx, email, storeID, false, reason)
	}
	s.emit(ctx, audit.Event{
		Type:     audit.EventLoginFailed,
		StoreID:  storeID,
		IP:       req.Device.IPAddress,
		Reason:   reason,
		Metadata: map[string]string{"email_domain": emailDomain(email)},
	})
	obs.ObserveLogin("invalid_credentials")
	return ErrInvalidCredentials
}

// registerFailure bumps the failure counter and locks the account once the
// threshold is reached.
func (s *Service) registerFailure(ctx context.Context, email string, account *Account, decision *ScopeDecision, device DeviceInfo) error {
	count, err := s.repo.Accounts(ctx).IncrementFailedLogins(ctx, account.ID)
	if err != nil {
		return transient("increment failed logins", err)
	}
	s.recordAttempt(ctx, email, decision, false, FailureBadPassword)
	s.emit(ctx, s.loginEvent(audit.EventLoginFailed, account, decision, device, FailureBadPassword))
	if count < s.cfg.LockoutThreshold {
		return nil
	}

	until := s.now().UTC().Add(s.cfg.LockoutDuration)
	if err := s.repo.Accounts(ctx).Lock(ctx, account.ID, until); err != nil {
		return transient("lock account", err)
	}
	evt := s.loginEvent(audit.EventAccountLocked, account, decision, device, FailureBadPassword)
	evt.Metadata = map[string]string{
		"failed_attempts": strconv.Itoa(count),
		"locked_until":    until.Format(time.RFC3339),
	}
	s.emit(ctx, evt)
	s.notify(ctx, Notification{
		Kind:           NotificationAccountLocked,
		AccountID:      account.ID,
		Email:          account.Email,
		OrganizationID: account.OrganizationID,
		Data:           map[string]string{"locked_until": evt.Metadata["locked_until"]},
	})
	return nil
}

// completeLogin applies the scope side effects, resets lockout state and
// persists the session before anything is returned to the caller.
func (s *Service) completeLogin(ctx context.Context, account *Account, decision *ScopeDecision, device DeviceInfo) (*SessionResult, error) {
	created, err := decision.Commit(ctx)
	if err != nil {
		return nil, err
	}
	if created {
		s.membershipCreated(ctx, account, decision.Scope)
	}

	now := s.now().UTC()
	if err := s.repo.Accounts(ctx).RecordLoginSuccess(ctx, account.ID, now); err != nil {
		return nil, transient("record login", err)
	}
	account.FailedLoginCount = 0
	account.LockedUntil = nil
	account.LastLoginAt = &now

	return s.openSession(ctx, account, decision.Scope, decision.Store, decision.preference, device)
}

// openSession issues a token pair and durably records its refresh half.
func (s *Service) openSession(ctx context.Context, account *Account, scope Scope, store *Store, pref Preference, device DeviceInfo) (*SessionResult, error) {
	pair, err := s.sessions.IssueTokens(account, scope)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.CreateSession(ctx, account.ID, pair.RefreshToken, device)
	if err != nil {
		return nil, err
	}
	return &SessionResult{
		Tokens:         pair,
		SessionID:      sess.ID,
		Profile:        account.Profile(),
		OrganizationID: scope.OrganizationID,
		Store:          store.Summary(),
		Environment:    pref.Environment,
		AppType:        appTypeOrDefault(pref.AppType),
	}, nil
}

func (s *Service) membershipCreated(ctx context.Context, account *Account, scope Scope) {
	obs.IncMembershipAutoCreated()
	s.emit(ctx, audit.Event{
		Type:           audit.EventMembershipCreated,
		AccountID:      account.ID,
		OrganizationID: scope.OrganizationID,
		StoreID:        scope.StoreID,
		Success:        true,
	})
}

// recordAttempt appends a login attempt row when a store is known. Rows
// without a store are not recorded. Errors are logged only.
func (s *Service) recordAttempt(ctx context.Context, email string, decision *ScopeDecision, success bool, reason string) {
	if decision == nil || decision.Scope.StoreID == "" {
		return
	}
	s.appendAttempt(ctx, email, decision.Scope.StoreID, success, reason)
}

// targetStore resolves the store identifier of a rejected login without an
// account context. Only an id or a slug naming exactly one store counts.
func (s *Service) targetStore(ctx context.Context, identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ""
	}
	stores := s.repo.Stores(ctx)
	if ids.Kind(identifier) == ids.Store {
		store, err := stores.Find(ctx, identifier)
		if err != nil {
			return ""
		}
		return store.ID
	}
	matches, err := stores.ListBySlug(ctx, strings.ToLower(identifier))
	if err != nil || len(matches) != 1 {
		return ""
	}
	return matches[0].ID
}

func (s *Service) appendAttempt(ctx context.Context, email, storeID string, success bool, reason string) {
	attempt := &LoginAttempt{
		ID:            ids.New(ids.LoginAttempt),
		Email:         email,
		StoreID:       storeID,
		Success:       success,
		FailureReason: reason,
		OccurredAt:    s.now().UTC(),
	}
	if err := s.repo.LoginAttempts(ctx).Append(ctx, attempt); err != nil {
		log := obs.Logger()
		log.Warn().Err(err).Str("store_id", attempt.StoreID).Msg("record login attempt")
	}
}

func (s *Service) loginEvent(kind string, account *Account, decision *ScopeDecision, device DeviceInfo, reason string) audit.Event {
	e := audit.Event{
		Type:           kind,
		AccountID:      account.ID,
		OrganizationID: account.OrganizationID,
		IP:             device.IPAddress,
		Success:        reason == "",
		Reason:         reason,
	}
	if decision != nil {
		e.StoreID = decision.Scope.StoreID
	}
	return e
}
