// Package memory is an in-process auth.Repository. It provides the same
// atomicity guarantees as the PostgreSQL store by serialising every call on
// one mutex, and is used by tests and by the API when no DSN is configured.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"tenantauth.org/internal/auth"
	"tenantauth.org/internal/ids"
)

var _ auth.Repository = (*Store)(nil)

type membershipKey struct{ storeID, accountID string }

// Store holds every table in memory.
type Store struct {
	mu sync.Mutex

	accounts    []*auth.Account
	orgs        []*auth.Organization
	stores      []*auth.Store
	memberships []auth.Membership
	roles       map[string][]auth.Role
	sessions    []*auth.Session
	attempts    []auth.LoginAttempt
	prefs       map[string]auth.Preference

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		roles: make(map[string][]auth.Role),
		prefs: make(map[string]auth.Preference),
		now:   time.Now,
	}
}

func (s *Store) Accounts(context.Context) auth.AccountStore           { return accountStore{s} }
func (s *Store) Organizations(context.Context) auth.OrganizationStore { return orgStore{s} }
func (s *Store) Stores(context.Context) auth.StoreStore               { return storeStore{s} }
func (s *Store) Memberships(context.Context) auth.MembershipStore     { return membershipStore{s} }
func (s *Store) Roles(context.Context) auth.RoleStore                 { return roleStore{s} }
func (s *Store) Sessions(context.Context) auth.SessionStore           { return sessionStore{s} }
func (s *Store) LoginAttempts(context.Context) auth.LoginAttemptStore { return attemptStore{s} }
func (s *Store) Preferences(context.Context) auth.PreferenceStore     { return prefStore{s} }

// LoginAttemptsSnapshot returns every recorded attempt.
func (s *Store) LoginAttemptsSnapshot() []auth.LoginAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.attempts)
}

// MembershipCount returns how many membership rows exist.
func (s *Store) MembershipCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.memberships)
}

// SessionCount returns how many session rows exist, revoked or not.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) stamp() time.Time { return s.now().UTC() }

// Accounts -----------------------------------------------------------------
type accountStore struct{ s *Store }

func (a accountStore) Create(ctx context.Context, acc *auth.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acc.Email = auth.NormalizeEmail(acc.Email)
	for _, existing := range a.s.accounts {
		if existing.OrganizationID == acc.OrganizationID && existing.Email == acc.Email {
			return auth.ErrConflict
		}
	}
	if acc.ID == "" {
		acc.ID = ids.New(ids.Account)
	}
	if acc.State == "" {
		acc.State = auth.AccountActive
	}
	now := a.s.stamp()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now
	cp := *acc
	cp.Roles = nil
	a.s.accounts = append(a.s.accounts, &cp)
	return nil
}

func (a accountStore) find(id string) *auth.Account {
	for _, acc := range a.s.accounts {
		if acc.ID == id {
			return acc
		}
	}
	return nil
}

func cloneAccount(acc *auth.Account) *auth.Account {
	cp := *acc
	if acc.LockedUntil != nil {
		t := *acc.LockedUntil
		cp.LockedUntil = &t
	}
	if acc.LastLoginAt != nil {
		t := *acc.LastLoginAt
		cp.LastLoginAt = &t
	}
	return &cp
}

func (a accountStore) Find(ctx context.Context, id string) (*auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acc := a.find(id)
	if acc == nil {
		return nil, auth.ErrNotFound
	}
	return cloneAccount(acc), nil
}

func (a accountStore) FindByEmail(ctx context.Context, email string) ([]auth.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	email = auth.NormalizeEmail(email)
	var out []auth.Account
	for _, acc := range a.s.accounts {
		if acc.Email == email {
			out = append(out, *cloneAccount(acc))
		}
	}
	return out, nil
}

func (a accountStore) IncrementFailedLogins(ctx context.Context, id string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acc := a.find(id)
	if acc == nil {
		return 0, auth.ErrNotFound
	}
	acc.FailedLoginCount++
	acc.UpdatedAt = a.s.stamp()
	return acc.FailedLoginCount, nil
}

func (a accountStore) Lock(ctx context.Context, id string, until time.Time) error {
	return a.update(ctx, id, func(acc *auth.Account) {
		u := until.UTC()
		acc.LockedUntil = &u
	})
}

func (a accountStore) RecordLoginSuccess(ctx context.Context, id string, at time.Time) error {
	return a.update(ctx, id, func(acc *auth.Account) {
		t := at.UTC()
		acc.FailedLoginCount = 0
		acc.LockedUntil = nil
		acc.LastLoginAt = &t
	})
}

func (a accountStore) SetMainStore(ctx context.Context, id, storeID string) error {
	return a.update(ctx, id, func(acc *auth.Account) { acc.MainStoreID = storeID })
}

func (a accountStore) update(ctx context.Context, id string, fn func(*auth.Account)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acc := a.find(id)
	if acc == nil {
		return auth.ErrNotFound
	}
	fn(acc)
	acc.UpdatedAt = a.s.stamp()
	return nil
}

// Organizations ------------------------------------------------------------
type orgStore struct{ s *Store }

func (o orgStore) Create(ctx context.Context, org *auth.Organization) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	org.Slug = strings.ToLower(strings.TrimSpace(org.Slug))
	for _, existing := range o.s.orgs {
		if existing.Slug == org.Slug {
			return auth.ErrConflict
		}
	}
	if org.ID == "" {
		org.ID = ids.New(ids.Organization)
	}
	if org.State == "" {
		org.State = auth.OrganizationActive
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = o.s.stamp()
	}
	cp := *org
	o.s.orgs = append(o.s.orgs, &cp)
	return nil
}

func (o orgStore) Find(ctx context.Context, id string) (*auth.Organization, error) {
	return o.first(ctx, func(org *auth.Organization) bool { return org.ID == id })
}

func (o orgStore) FindBySlug(ctx context.Context, slug string) (*auth.Organization, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	return o.first(ctx, func(org *auth.Organization) bool { return org.Slug == slug })
}

func (o orgStore) first(ctx context.Context, match func(*auth.Organization) bool) (*auth.Organization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	for _, org := range o.s.orgs {
		if match(org) {
			cp := *org
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (o orgStore) SearchByName(ctx context.Context, fragment string, states []auth.OrganizationState) ([]auth.Organization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	fragment = strings.ToLower(fragment)
	var out []auth.Organization
	for _, org := range o.s.orgs {
		if !slices.Contains(states, org.State) {
			continue
		}
		if strings.Contains(strings.ToLower(org.Name), fragment) {
			out = append(out, *org)
		}
	}
	return out, nil
}

// Stores -------------------------------------------------------------------
type storeStore struct{ s *Store }

func (st storeStore) Create(ctx context.Context, store *auth.Store) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	store.Slug = strings.ToLower(strings.TrimSpace(store.Slug))
	for _, existing := range st.s.stores {
		if existing.OrganizationID == store.OrganizationID && existing.Slug == store.Slug {
			return auth.ErrConflict
		}
	}
	if store.ID == "" {
		store.ID = ids.New(ids.Store)
	}
	if store.CreatedAt.IsZero() {
		store.CreatedAt = st.s.stamp()
	}
	cp := *store
	st.s.stores = append(st.s.stores, &cp)
	return nil
}

func (st storeStore) Find(ctx context.Context, id string) (*auth.Store, error) {
	list, err := st.filter(ctx, func(s *auth.Store) bool { return s.ID == id })
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, auth.ErrNotFound
	}
	return &list[0], nil
}

func (st storeStore) FindBySlug(ctx context.Context, organizationID, slug string) (*auth.Store, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	list, err := st.filter(ctx, func(s *auth.Store) bool {
		return s.OrganizationID == organizationID && s.Slug == slug
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, auth.ErrNotFound
	}
	return &list[0], nil
}

func (st storeStore) ListBySlug(ctx context.Context, slug string) ([]auth.Store, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	return st.filter(ctx, func(s *auth.Store) bool { return s.Slug == slug })
}

func (st storeStore) ListByOrganization(ctx context.Context, organizationID string) ([]auth.Store, error) {
	return st.filter(ctx, func(s *auth.Store) bool { return s.OrganizationID == organizationID })
}

func (st storeStore) filter(ctx context.Context, match func(*auth.Store) bool) ([]auth.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var out []auth.Store
	for _, s := range st.s.stores {
		if match(s) {
			out = append(out, *s)
		}
	}
	return out, nil
}

// Memberships --------------------------------------------------------------
type membershipStore struct{ s *Store }

func (m membershipStore) indexOf(key membershipKey) int {
	return slices.IndexFunc(m.s.memberships, func(ms auth.Membership) bool {
		return ms.StoreID == key.storeID && ms.AccountID == key.accountID
	})
}

func (m membershipStore) Exists(ctx context.Context, storeID, accountID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.indexOf(membershipKey{storeID, accountID}) >= 0, nil
}

func (m membershipStore) Ensure(ctx context.Context, storeID, accountID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.indexOf(membershipKey{storeID, accountID}) >= 0 {
		return false, nil
	}
	m.s.memberships = append(m.s.memberships, auth.Membership{
		StoreID:   storeID,
		AccountID: accountID,
		CreatedAt: m.s.stamp(),
	})
	return true, nil
}

func (m membershipStore) ListStoreIDs(ctx context.Context, accountID, organizationID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	orgOf := make(map[string]string, len(m.s.stores))
	for _, st := range m.s.stores {
		orgOf[st.ID] = st.OrganizationID
	}
	var out []string
	for _, ms := range m.s.memberships {
		if ms.AccountID == accountID && orgOf[ms.StoreID] == organizationID {
			out = append(out, ms.StoreID)
		}
	}
	return out, nil
}

// Roles --------------------------------------------------------------------
type roleStore struct{ s *Store }

func (r roleStore) Assign(ctx context.Context, accountID string, role auth.Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if !slices.Contains(r.s.roles[accountID], role) {
		r.s.roles[accountID] = append(r.s.roles[accountID], role)
	}
	return nil
}

func (r roleStore) Roles(ctx context.Context, accountID string) ([]auth.Role, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return slices.Clone(r.s.roles[accountID]), nil
}

// Sessions -----------------------------------------------------------------
type sessionStore struct{ s *Store }

func cloneSession(sess *auth.Session) auth.Session {
	cp := *sess
	if sess.LastUsedAt != nil {
		t := *sess.LastUsedAt
		cp.LastUsedAt = &t
	}
	if sess.RevokedAt != nil {
		t := *sess.RevokedAt
		cp.RevokedAt = &t
	}
	return cp
}

func (ss sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	if sess.ID == "" {
		sess.ID = ids.New(ids.Session)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = ss.s.stamp()
	}
	cp := cloneSession(sess)
	ss.s.sessions = append(ss.s.sessions, &cp)
	return nil
}

func (ss sessionStore) ListActive(ctx context.Context, accountID string, now time.Time) ([]auth.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	var out []auth.Session
	for i := len(ss.s.sessions) - 1; i >= 0; i-- {
		sess := ss.s.sessions[i]
		if sess.AccountID == accountID && sess.ActiveAt(now) {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

func (ss sessionStore) Rotate(ctx context.Context, p auth.RotateParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	for _, sess := range ss.s.sessions {
		if sess.ID != p.SessionID || sess.AccountID != p.AccountID {
			continue
		}
		if sess.Revoked || sess.TokenHash != p.ExpectedHash {
			return auth.ErrStaleSession
		}
		used := p.UsedAt.UTC()
		sess.TokenHash = p.NewHash
		sess.ExpiresAt = p.ExpiresAt.UTC()
		sess.LastUsedAt = &used
		if p.IPAddress != "" {
			sess.IPAddress = p.IPAddress
		}
		return nil
	}
	return auth.ErrStaleSession
}

func (ss sessionStore) Revoke(ctx context.Context, accountID, sessionID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	for _, sess := range ss.s.sessions {
		if sess.ID == sessionID && sess.AccountID == accountID && !sess.Revoked {
			t := at.UTC()
			sess.Revoked = true
			sess.RevokedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (ss sessionStore) RevokeAll(ctx context.Context, accountID string, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	n := 0
	for _, sess := range ss.s.sessions {
		if sess.AccountID == accountID && sess.ActiveAt(at) {
			t := at.UTC()
			sess.Revoked = true
			sess.RevokedAt = &t
			n++
		}
	}
	return n, nil
}

func (ss sessionStore) DeleteExpired(ctx context.Context, accountID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	before := len(ss.s.sessions)
	ss.s.sessions = slices.DeleteFunc(ss.s.sessions, func(sess *auth.Session) bool {
		return sess.AccountID == accountID && !sess.ExpiresAt.After(now)
	})
	return before - len(ss.s.sessions), nil
}

// Login attempts -----------------------------------------------------------
type attemptStore struct{ s *Store }

func (a attemptStore) Append(ctx context.Context, attempt *auth.LoginAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if attempt.ID == "" {
		attempt.ID = ids.New(ids.LoginAttempt)
	}
	a.s.attempts = append(a.s.attempts, *attempt)
	return nil
}

// Preferences --------------------------------------------------------------
type prefStore struct{ s *Store }

func (p prefStore) Get(ctx context.Context, accountID string) (auth.Preference, error) {
	if err := ctx.Err(); err != nil {
		return auth.Preference{}, err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.prefs[accountID], nil
}

func (p prefStore) Set(ctx context.Context, accountID string, pref auth.Preference) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.prefs[accountID] = pref
	return nil
}
