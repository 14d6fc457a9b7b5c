package auth

import (
	"strings"
	"time"
)

// AccountState is the lifecycle state of an account row.
type AccountState string

const (
	AccountActive    AccountState = "active"
	AccountSuspended AccountState = "suspended"
	AccountArchived  AccountState = "archived"
)

// Live reports whether the account may take part in a login.
func (s AccountState) Live() bool {
	return s != AccountSuspended && s != AccountArchived
}

// OrganizationState is the lifecycle state of a tenant root.
type OrganizationState string

const (
	OrganizationDraft     OrganizationState = "draft"
	OrganizationActive    OrganizationState = "active"
	OrganizationSuspended OrganizationState = "suspended"
)

// Account is an identity row. Email is unique per organization only.
type Account struct {
	ID               string       `json:"id"`
	Email            string       `json:"email"`
	PasswordHash     string       `json:"-"`
	State            AccountState `json:"state"`
	FailedLoginCount int          `json:"-"`
	LockedUntil      *time.Time   `json:"-"`
	OrganizationID   string       `json:"organization_id"`
	MainStoreID      string       `json:"main_store_id,omitempty"`
	EmailVerified    bool         `json:"email_verified"`
	LastLoginAt      *time.Time   `json:"last_login_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`

	// Roles is populated from role assignments, not from the account row.
	Roles []Role `json:"roles,omitempty"`
}

// LockedAt reports whether the account is locked at the given instant.
func (a *Account) LockedAt(now time.Time) bool {
	return a.LockedUntil != nil && a.LockedUntil.After(now)
}

// Organization is a tenant root. Slug is globally unique and immutable.
type Organization struct {
	ID        string            `json:"id"`
	Slug      string            `json:"slug"`
	Name      string            `json:"name"`
	State     OrganizationState `json:"state"`
	Email     string            `json:"email,omitempty"`
	Logo      string            `json:"logo,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store is a sub-tenant. (OrganizationID, Slug) is unique.
type Store struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Slug           string    `json:"slug"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// StoreSummary is the public view of a store returned with a session.
type StoreSummary struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Slug           string `json:"slug"`
	Name           string `json:"name"`
}

// Summary strips the store down to its public fields.
func (s *Store) Summary() *StoreSummary {
	if s == nil {
		return nil
	}
	return &StoreSummary{ID: s.ID, OrganizationID: s.OrganizationID, Slug: s.Slug, Name: s.Name}
}

// Membership grants a non-privileged account access to a store.
type Membership struct {
	StoreID   string    `json:"store_id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a persisted refresh-token record. TokenHash is never the raw token.
type Session struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	TokenHash         string     `json:"-"`
	DeviceFingerprint string     `json:"-"`
	IPAddress         string     `json:"ip_address,omitempty"`
	UserAgent         string     `json:"user_agent,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	Revoked           bool       `json:"revoked"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ActiveAt reports whether the session can still be refreshed.
func (s *Session) ActiveAt(now time.Time) bool {
	return !s.Revoked && s.ExpiresAt.After(now)
}

// SessionSummary is what ListSessions exposes to the account owner.
type SessionSummary struct {
	ID         string     `json:"id"`
	IPAddress  string     `json:"ip_address,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Environment is the admin context a session is scoped to.
type Environment string

const (
	EnvironmentNone       Environment = ""
	EnvironmentOrgAdmin   Environment = "org_admin"
	EnvironmentStoreAdmin Environment = "store_admin"
)

// ParseEnvironment accepts the wire names of the two environments.
func ParseEnvironment(s string) (Environment, bool) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case EnvironmentOrgAdmin:
		return EnvironmentOrgAdmin, true
	case EnvironmentStoreAdmin:
		return EnvironmentStoreAdmin, true
	}
	return EnvironmentNone, false
}

// DefaultAppType is reported when an account never stored one.
const DefaultAppType = "web"

// Preference is the per-account environment setting.
type Preference struct {
	Environment Environment `json:"environment"`
	AppType     string      `json:"app_type"`
}

// LoginAttempt is an append-only audit row.
type LoginAttempt struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	StoreID       string    `json:"store_id"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// DeviceInfo describes the client presenting a credential.
type DeviceInfo struct {
	IPAddress string
	UserAgent string
}

// AccountProfile is the public account view returned after login.
type AccountProfile struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	OrganizationID string     `json:"organization_id"`
	MainStoreID    string     `json:"main_store_id,omitempty"`
	EmailVerified  bool       `json:"email_verified"`
	Roles          []Role     `json:"roles"`
	LastLoginAt    *time.Time `json:"last_login_at,omitempty"`
}

// Profile strips secrets and bookkeeping from an account.
func (a *Account) Profile() AccountProfile {
	roles := make([]Role, len(a.Roles))
	copy(roles, a.Roles)
	return AccountProfile{
		ID:             a.ID,
		Email:          a.Email,
		OrganizationID: a.OrganizationID,
		MainStoreID:    a.MainStoreID,
		EmailVerified:  a.EmailVerified,
		Roles:          roles,
		LastLoginAt:    a.LastLoginAt,
	}
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// emailDomain returns the part after the last '@', or "" when absent.
func emailDomain(email string) string {
	i := strings.LastIndexByte(email, '@')
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return email[i+1:]
}
