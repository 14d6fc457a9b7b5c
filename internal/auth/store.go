package auth

import (
	"context"
	"time"
)

// Repository describes the persistence operations required by the auth core.
// Implementations must honour ctx deadlines on every call.
type Repository interface {
	Accounts(ctx context.Context) AccountStore
	Organizations(ctx context.Context) OrganizationStore
	Stores(ctx context.Context) StoreStore
	Memberships(ctx context.Context) MembershipStore
	Roles(ctx context.Context) RoleStore
	Sessions(ctx context.Context) SessionStore
	LoginAttempts(ctx context.Context) LoginAttemptStore
	Preferences(ctx context.Context) PreferenceStore
}

// AccountStore manages accounts.
type AccountStore interface {
	Create(ctx context.Context, a *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	// FindByEmail returns every account with the email, in any state,
	// ordered by creation time.
	FindByEmail(ctx context.Context, email string) ([]Account, error)
	// IncrementFailedLogins atomically adds one and returns the new count.
	IncrementFailedLogins(ctx context.Context, id string) (int, error)
	Lock(ctx context.Context, id string, until time.Time) error
	// RecordLoginSuccess clears the failure counter and lock and stamps last login.
	RecordLoginSuccess(ctx context.Context, id string, at time.Time) error
	SetMainStore(ctx context.Context, id, storeID string) error
}

// OrganizationStore manages organizations.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	// FindBySlug matches case-insensitively.
	FindBySlug(ctx context.Context, slug string) (*Organization, error)
	// SearchByName returns organizations whose name contains fragment
	// case-insensitively and whose state is one of states.
	SearchByName(ctx context.Context, fragment string, states []OrganizationState) ([]Organization, error)
}

// StoreStore manages stores.
type StoreStore interface {
	Create(ctx context.Context, s *Store) error
	Find(ctx context.Context, id string) (*Store, error)
	// FindBySlug matches case-insensitively within one organization.
	FindBySlug(ctx context.Context, organizationID, slug string) (*Store, error)
	// ListBySlug returns stores with the slug across all organizations.
	ListBySlug(ctx context.Context, slug string) ([]Store, error)
	// ListByOrganization is ordered by creation time.
	ListByOrganization(ctx context.Context, organizationID string) ([]Store, error)
}

// MembershipStore manages store memberships.
type MembershipStore interface {
	Exists(ctx context.Context, storeID, accountID string) (bool, error)
	// Ensure inserts the pair if absent. created is false when the row
	// already existed, including when a concurrent insert won the race.
	Ensure(ctx context.Context, storeID, accountID string) (created bool, err error)
	// ListStoreIDs returns the account's stores within an organization,
	// ordered by membership creation time.
	ListStoreIDs(ctx context.Context, accountID, organizationID string) ([]string, error)
}

// RoleStore manages role assignments.
type RoleStore interface {
	Assign(ctx context.Context, accountID string, role Role) error
	Roles(ctx context.Context, accountID string) ([]Role, error)
}

// RotateParams describes a guarded refresh-token rotation.
type RotateParams struct {
	SessionID    string
	AccountID    string
	ExpectedHash string
	NewHash      string
	ExpiresAt    time.Time
	UsedAt       time.Time
	IPAddress    string
}

// SessionStore manages refresh-token sessions.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	// ListActive returns sessions that are not revoked and expire after now,
	// newest first.
	ListActive(ctx context.Context, accountID string, now time.Time) ([]Session, error)
	// Rotate replaces the hash only if the row is still unrevoked and still
	// carries ExpectedHash; otherwise it returns ErrStaleSession.
	Rotate(ctx context.Context, p RotateParams) error
	Revoke(ctx context.Context, accountID, sessionID string, at time.Time) (bool, error)
	RevokeAll(ctx context.Context, accountID string, at time.Time) (int, error)
	DeleteExpired(ctx context.Context, accountID string, now time.Time) (int, error)
}

// LoginAttemptStore appends immutable login attempt rows.
type LoginAttemptStore interface {
	Append(ctx context.Context, a *LoginAttempt) error
}

// PreferenceStore manages environment preferences. Get returns the zero
// Preference when the account never stored one.
type PreferenceStore interface {
	Get(ctx context.Context, accountID string) (Preference, error)
	Set(ctx context.Context, accountID string, p Preference) error
}
