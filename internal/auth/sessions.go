package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenantauth.org/internal/ids"
	"tenantauth.org/internal/obs"
)

// SecurityPolicy toggles the checks run when a refresh token is presented.
type SecurityPolicy struct {
	// CheckIP compares the request address with the one stored on the session.
	CheckIP bool
	// StrictIP turns an IP mismatch from a logged warning into a rejection.
	StrictIP bool
	// CheckFingerprint rejects and revokes on a device fingerprint change.
	CheckFingerprint bool
	// MinRefreshInterval rejects refreshes closer together than this. Zero disables.
	MinRefreshInterval time.Duration
	// RecheckRevoked re-reads the revoked flag on the matched session.
	RecheckRevoked bool
}

// DefaultSecurityPolicy is lenient on IP changes and strict on fingerprints.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		CheckIP:            true,
		CheckFingerprint:   true,
		MinRefreshInterval: 5 * time.Second,
		RecheckRevoked:     true,
	}
}

// Refresh rejection reasons, carried in RefreshError for audit.
const (
	ReasonMalformed           = "malformed"
	ReasonAccountGone         = "account_unavailable"
	ReasonScopeMismatch       = "scope_mismatch"
	ReasonNoSession           = "no_matching_session"
	ReasonRevoked             = "revoked"
	ReasonFingerprintMismatch = "fingerprint_mismatch"
	ReasonIPMismatch          = "ip_mismatch"
	ReasonThrottled           = "throttled"
	ReasonRaced               = "rotation_lost"
)

// RefreshError is an InvalidToken failure with the internal cause attached.
// The cause is never shown to clients.
type RefreshError struct {
	Reason    string
	AccountID string
	SessionID string
}

func (e *RefreshError) Error() string { return "invalid token: " + e.Reason }

// Is makes errors.Is(err, ErrInvalidToken) hold.
func (e *RefreshError) Is(target error) bool { return target == ErrInvalidToken }

// RefreshResult is a successful rotation.
type RefreshResult struct {
	Account   *Account
	Tokens    TokenPair
	Scope     Scope
	SessionID string
}

// SessionManager persists, rotates and revokes refresh-token sessions.
type SessionManager struct {
	repo   Repository
	hasher Hasher
	tokens *TokenIssuer
	policy SecurityPolicy
	now    func() time.Time
}

// NewSessionManager wires a manager. now defaults to time.Now.
func NewSessionManager(repo Repository, hasher Hasher, tokens *TokenIssuer, policy SecurityPolicy, now func() time.Time) *SessionManager {
	if now == nil {
		now = time.Now
	}
	return &SessionManager{repo: repo, hasher: hasher, tokens: tokens, policy: policy, now: now}
}

// IssueTokens signs a new pair for account in scope.
func (m *SessionManager) IssueTokens(account *Account, scope Scope) (TokenPair, error) {
	return m.tokens.IssueTokens(account.ID, scope)
}

// CreateSession stores a new session for the raw refresh token. The raw value
// is only ever persisted as a bcrypt hash.
func (m *SessionManager) CreateSession(ctx context.Context, accountID, rawRefresh string, device DeviceInfo) (*Session, error) {
	hash, err := m.hasher.Hash(ctx, prehashToken(rawRefresh))
	if err != nil {
		return nil, transient("hash refresh token", err)
	}
	now := m.now().UTC()
	sess := &Session{
		ID:                ids.New(ids.Session),
		AccountID:         accountID,
		TokenHash:         hash,
		DeviceFingerprint: Fingerprint(device),
		IPAddress:         device.IPAddress,
		UserAgent:         device.UserAgent,
		ExpiresAt:         now.Add(m.tokens.RefreshTTL()),
		CreatedAt:         now,
	}
	if err := m.repo.Sessions(ctx).Create(ctx, sess); err != nil {
		return nil, transient("create session", err)
	}
	return sess, nil
}

// matchSession finds the active session whose hash matches raw. bcrypt hashes
// are salted so the lookup has to compare against each candidate.
func (m *SessionManager) matchSession(ctx context.Context, accountID, raw string) (*Session, error) {
	sessions, err := m.repo.Sessions(ctx).ListActive(ctx, accountID, m.now().UTC())
	if err != nil {
		return nil, transient("list sessions", err)
	}
	secret := prehashToken(raw)
	for i := range sessions {
		ok, err := m.hasher.Verify(ctx, sessions[i].TokenHash, secret)
		if err != nil {
			if isTimeout(err) {
				return nil, transient("verify refresh token", err)
			}
			continue
		}
		if ok {
			return &sessions[i], nil
		}
	}
	return nil, nil
}

// RefreshTokens verifies raw, runs the policy checks and rotates the matched
// session. The old raw token stops working as soon as this returns.
func (m *SessionManager) RefreshTokens(ctx context.Context, raw string, device DeviceInfo) (*RefreshResult, error) {
	claims, err := m.tokens.ParseRefresh(raw)
	if err != nil {
		return nil, &RefreshError{Reason: ReasonMalformed}
	}
	reject := func(reason, sessionID string) error {
		return &RefreshError{Reason: reason, AccountID: claims.Subject, SessionID: sessionID}
	}

	account, err := m.repo.Accounts(ctx).Find(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return nil, reject(ReasonAccountGone, "")
	}
	if err != nil {
		return nil, transient("find account", err)
	}
	if !account.State.Live() {
		return nil, reject(ReasonAccountGone, "")
	}
	if account.OrganizationID != claims.OrganizationID {
		return nil, reject(ReasonScopeMismatch, "")
	}

	sess, err := m.matchSession(ctx, account.ID, raw)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, reject(ReasonNoSession, "")
	}

	now := m.now().UTC()
	if m.policy.RecheckRevoked && !sess.ActiveAt(now) {
		return nil, reject(ReasonRevoked, sess.ID)
	}
	if m.policy.CheckFingerprint && sess.DeviceFingerprint != "" && sess.DeviceFingerprint != Fingerprint(device) {
		if _, err := m.repo.Sessions(ctx).Revoke(ctx, account.ID, sess.ID, now); err != nil {
			log := obs.Logger()
			log.Error().Err(err).Str("session_id", sess.ID).Msg("revoke session after fingerprint mismatch")
		} else {
			obs.AddSessionsRevoked(1)
		}
		return nil, reject(ReasonFingerprintMismatch, sess.ID)
	}
	if m.policy.CheckIP && sess.IPAddress != "" && device.IPAddress != sess.IPAddress {
		if m.policy.StrictIP {
			return nil, reject(ReasonIPMismatch, sess.ID)
		}
		log := obs.Logger()
		log.Warn().
			Str("session_id", sess.ID).
			Str("stored_ip", sess.IPAddress).
			Str("request_ip", device.IPAddress).
			Msg("refresh from a different ip address")
	}
	if m.policy.MinRefreshInterval > 0 && sess.LastUsedAt != nil && now.Sub(*sess.LastUsedAt) < m.policy.MinRefreshInterval {
		return nil, reject(ReasonThrottled, sess.ID)
	}

	scope := claims.Scope()
	pair, err := m.tokens.IssueTokens(account.ID, scope)
	if err != nil {
		return nil, err
	}
	newHash, err := m.hasher.Hash(ctx, prehashToken(pair.RefreshToken))
	if err != nil {
		return nil, transient("hash refresh token", err)
	}
	err = m.repo.Sessions(ctx).Rotate(ctx, RotateParams{
		SessionID:    sess.ID,
		AccountID:    account.ID,
		ExpectedHash: sess.TokenHash,
		NewHash:      newHash,
		ExpiresAt:    pair.RefreshExpiresAt,
		UsedAt:       now,
		IPAddress:    device.IPAddress,
	})
	if errors.Is(err, ErrStaleSession) {
		return nil, reject(ReasonRaced, sess.ID)
	}
	if err != nil {
		return nil, transient("rotate session", err)
	}
	return &RefreshResult{Account: account, Tokens: pair, Scope: scope, SessionID: sess.ID}, nil
}

// RevokeSession marks one of the account's sessions revoked.
func (m *SessionManager) RevokeSession(ctx context.Context, accountID, sessionID string) error {
	ok, err := m.repo.Sessions(ctx).Revoke(ctx, accountID, sessionID, m.now().UTC())
	if err != nil {
		return transient("revoke session", err)
	}
	if !ok {
		return ErrNotFound
	}
	obs.AddSessionsRevoked(1)
	return nil
}

// RevokeByToken revokes the session the raw refresh token belongs to.
func (m *SessionManager) RevokeByToken(ctx context.Context, accountID, raw string) (bool, error) {
	sess, err := m.matchSession(ctx, accountID, raw)
	if err != nil || sess == nil {
		return false, err
	}
	if err := m.RevokeSession(ctx, accountID, sess.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RevokeAllSessions revokes every active session and purges expired rows.
func (m *SessionManager) RevokeAllSessions(ctx context.Context, accountID string) (int, error) {
	now := m.now().UTC()
	sessions := m.repo.Sessions(ctx)
	n, err := sessions.RevokeAll(ctx, accountID, now)
	if err != nil {
		return 0, transient("revoke sessions", err)
	}
	obs.AddSessionsRevoked(n)
	if purged, err := sessions.DeleteExpired(ctx, accountID, now); err != nil {
		log := obs.Logger()
		log.Warn().Err(err).Str("account_id", accountID).Msg("purge expired sessions")
	} else if purged > 0 {
		log := obs.Logger()
		log.Debug().Int("purged", purged).Str("account_id", accountID).Msg("purged expired sessions")
	}
	return n, nil
}

// ListSessions returns the account's active sessions, newest first.
func (m *SessionManager) ListSessions(ctx context.Context, accountID string) ([]SessionSummary, error) {
	sessions, err := m.repo.Sessions(ctx).ListActive(ctx, accountID, m.now().UTC())
	if err != nil {
		return nil, transient("list sessions", err)
	}
	out := make([]SessionSummary, len(sessions))
	for i, s := range sessions {
		out[i] = SessionSummary{
			ID:         s.ID,
			IPAddress:  s.IPAddress,
			UserAgent:  s.UserAgent,
			CreatedAt:  s.CreatedAt,
			LastUsedAt: s.LastUsedAt,
			ExpiresAt:  s.ExpiresAt,
		}
	}
	return out, nil
}

func (p SecurityPolicy) String() string {
	return fmt.Sprintf("ip=%t strict_ip=%t fingerprint=%t min_interval=%s recheck_revoked=%t",
		p.CheckIP, p.StrictIP, p.CheckFingerprint, p.MinRefreshInterval, p.RecheckRevoked)
}
