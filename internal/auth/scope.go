package auth

import (
	"context"
	"errors"
	"strings"

	"tenantauth.org/internal/ids"
)

// ScopeKind is the granularity of a session scope.
type ScopeKind string

const (
	ScopeOrganization ScopeKind = "organization"
	ScopeStore        ScopeKind = "store"
)

// BridgeEnvironment decides the effective scope granularity and the
// preference to persist. A store-admin preference turns an organization
// request into a store request; an explicit store request moves an
// organization-admin preference to store-admin.
func BridgeEnvironment(current Environment, requested ScopeKind) (effective ScopeKind, next Environment) {
	switch requested {
	case ScopeStore:
		if current == EnvironmentOrgAdmin {
			return ScopeStore, EnvironmentStoreAdmin
		}
		return ScopeStore, current
	default:
		if current == EnvironmentStoreAdmin {
			return ScopeStore, current
		}
		return ScopeOrganization, current
	}
}

// ScopeRequest names the tenant a caller asked for. Exactly one of
// Organization and Store must be set unless Implicit is true, in which case
// both must be empty and the account's own organization is used.
type ScopeRequest struct {
	Organization string
	Store        string
	Implicit     bool
}

// Validate checks the request shape without touching storage.
func (r ScopeRequest) Validate() error {
	org := strings.TrimSpace(r.Organization)
	store := strings.TrimSpace(r.Store)
	switch {
	case org != "" && store != "":
		return validationError("provide either an organization or a store identifier, not both")
	case org == "" && store == "" && !r.Implicit:
		return validationError("an organization or store identifier is required")
	case r.Implicit && (org != "" || store != ""):
		return validationError("implicit scope cannot name a tenant")
	}
	return nil
}

// ScopeDecision is a resolved scope plus the writes it implies. Nothing is
// written until Commit.
type ScopeDecision struct {
	Scope       Scope
	Store       *Store
	Environment Environment

	accountID         string
	pendingMembership string
	preference        Preference
	preferenceChanged bool
	resolver          *ScopeResolver
}

// MembershipPending reports whether Commit will try to auto-relate a store.
func (d *ScopeDecision) MembershipPending() bool { return d.pendingMembership != "" }

// Commit applies the auto-relation and preference update. created reports
// whether a membership row was inserted by this call.
func (d *ScopeDecision) Commit(ctx context.Context) (created bool, err error) {
	if d.resolver == nil {
		return false, nil
	}
	if d.pendingMembership != "" {
		created, err = d.resolver.EnsureMembership(ctx, d.pendingMembership, d.accountID)
		if err != nil {
			return false, err
		}
	}
	if d.preferenceChanged {
		if err := d.resolver.repo.Preferences(ctx).Set(ctx, d.accountID, d.preference); err != nil {
			return created, transient("set preference", err)
		}
	}
	return created, nil
}

// ScopeResolver enforces tenant and store membership rules for an account.
type ScopeResolver struct {
	repo     Repository
	resolver *Resolver
}

// NewScopeResolver returns a ScopeResolver backed by repo.
func NewScopeResolver(repo Repository, resolver *Resolver) *ScopeResolver {
	if resolver == nil {
		resolver = NewResolver(repo)
	}
	return &ScopeResolver{repo: repo, resolver: resolver}
}

// EnsureMembership inserts the (store, account) pair if absent. A duplicate
// from a concurrent insert is not an error.
func (r *ScopeResolver) EnsureMembership(ctx context.Context, storeID, accountID string) (bool, error) {
	created, err := r.repo.Memberships(ctx).Ensure(ctx, storeID, accountID)
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, transient("ensure membership", err)
	}
	return created, nil
}

// ResolveScope determines the organization/store a login for account is
// scoped to. account.Roles must be loaded. Violations return ErrAccessDenied.
func (r *ScopeResolver) ResolveScope(ctx context.Context, account *Account, req ScopeRequest) (*ScopeDecision, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	pref, err := r.repo.Preferences(ctx).Get(ctx, account.ID)
	if err != nil {
		return nil, transient("get preference", err)
	}
	if pref.AppType == "" {
		pref.AppType = DefaultAppType
	}

	d := &ScopeDecision{
		Scope:      Scope{OrganizationID: account.OrganizationID},
		accountID:  account.ID,
		preference: pref,
		resolver:   r,
	}

	requested := ScopeOrganization
	if strings.TrimSpace(req.Store) != "" {
		requested = ScopeStore
	} else if org := strings.TrimSpace(req.Organization); org != "" {
		if err := r.checkOrganization(ctx, account, org); err != nil {
			return nil, err
		}
	}

	effective, next := BridgeEnvironment(pref.Environment, requested)
	if next != pref.Environment {
		d.preference.Environment = next
		d.preferenceChanged = true
	}
	d.Environment = next

	switch {
	case requested == ScopeStore:
		store, err := r.findStore(ctx, account, req.Store)
		if err != nil {
			return nil, err
		}
		pending, err := r.storeAccess(ctx, account, store)
		if err != nil {
			return nil, err
		}
		d.setStore(store, pending)
	case effective == ScopeStore:
		store, pending, err := r.autoSelectStore(ctx, account)
		if err != nil {
			return nil, err
		}
		if store != nil {
			d.setStore(store, pending)
		}
	}
	return d, nil
}

func (d *ScopeDecision) setStore(store *Store, pendingMembership bool) {
	d.Store = store
	d.Scope.StoreID = store.ID
	if pendingMembership {
		d.pendingMembership = store.ID
	}
}

func (r *ScopeResolver) checkOrganization(ctx context.Context, account *Account, identifier string) error {
	match, err := r.resolver.ResolveOrganization(ctx, identifier, account.Email)
	if err != nil {
		return err
	}
	switch match.Kind {
	case OrgMatchNotFound:
		return ErrAccessDenied
	case OrgMatchAmbiguous:
		for _, o := range match.Candidates {
			if o.ID == account.OrganizationID {
				return nil
			}
		}
		return ErrAccessDenied
	}
	if match.Organization.ID != account.OrganizationID {
		return ErrAccessDenied
	}
	return nil
}

// findStore accepts a store id or a slug; both must land in the account's
// own organization.
func (r *ScopeResolver) findStore(ctx context.Context, account *Account, identifier string) (*Store, error) {
	identifier = strings.TrimSpace(identifier)
	stores := r.repo.Stores(ctx)
	var (
		store *Store
		err   error
	)
	if ids.Kind(identifier) == ids.Store {
		store, err = stores.Find(ctx, identifier)
	} else {
		store, err = stores.FindBySlug(ctx, account.OrganizationID, strings.ToLower(identifier))
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrAccessDenied
	}
	if err != nil {
		return nil, transient("find store", err)
	}
	if store.OrganizationID != account.OrganizationID {
		return nil, ErrAccessDenied
	}
	return store, nil
}

// storeAccess reports whether access needs an auto-created membership.
func (r *ScopeResolver) storeAccess(ctx context.Context, account *Account, store *Store) (pending bool, err error) {
	exists, err := r.repo.Memberships(ctx).Exists(ctx, store.ID, account.ID)
	if err != nil {
		return false, transient("check membership", err)
	}
	if exists {
		return false, nil
	}
	if AnyHighPrivilege(account.Roles) {
		return true, nil
	}
	return false, ErrAccessDenied
}

// autoSelectStore picks a store for an organization-level login whose
// preference is store-admin: main store, then first explicit membership,
// then for privileged accounts the first store of the organization.
func (r *ScopeResolver) autoSelectStore(ctx context.Context, account *Account) (*Store, bool, error) {
	stores := r.repo.Stores(ctx)

	if account.MainStoreID != "" {
		store, err := stores.Find(ctx, account.MainStoreID)
		switch {
		case err == nil && store.OrganizationID == account.OrganizationID:
			pending, err := r.storeAccess(ctx, account, store)
			if err == nil {
				return store, pending, nil
			}
			if !errors.Is(err, ErrAccessDenied) {
				return nil, false, err
			}
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, false, transient("find main store", err)
		}
	}

	memberOf, err := r.repo.Memberships(ctx).ListStoreIDs(ctx, account.ID, account.OrganizationID)
	if err != nil {
		return nil, false, transient("list memberships", err)
	}
	for _, id := range memberOf {
		store, err := stores.Find(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, transient("find store", err)
		}
		if store.OrganizationID == account.OrganizationID {
			return store, false, nil
		}
	}

	if !AnyHighPrivilege(account.Roles) {
		return nil, false, nil
	}
	all, err := stores.ListByOrganization(ctx, account.OrganizationID)
	if err != nil {
		return nil, false, transient("list stores", err)
	}
	if len(all) == 0 {
		return nil, false, nil
	}
	return &all[0], true, nil
}
