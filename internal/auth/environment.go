package auth

import (
	"context"
	"errors"
	"strings"

	"tenantauth.org/internal/audit"
	"tenantauth.org/internal/obs"
)

// SwitchRequest re-scopes an authenticated account.
type SwitchRequest struct {
	AccountID string
	Target    Environment
	// Store is an id or slug; optional for store_admin when one can be
	// auto-selected, rejected for org_admin.
	Store  string
	Device DeviceInfo
}

// SwitchScope resolves the scope for an environment switch. The caller is
// already authenticated, so failures carry role and shape detail.
func (r *ScopeResolver) SwitchScope(ctx context.Context, account *Account, target Environment, storeIdentifier string) (*ScopeDecision, error) {
	storeIdentifier = strings.TrimSpace(storeIdentifier)
	if target != EnvironmentOrgAdmin && target != EnvironmentStoreAdmin {
		return nil, validationError("environment must be %q or %q", EnvironmentOrgAdmin, EnvironmentStoreAdmin)
	}
	if target == EnvironmentOrgAdmin && storeIdentifier != "" {
		return nil, validationError("a store identifier is only valid for %s", EnvironmentStoreAdmin)
	}
	if !CanEnter(target, account.Roles) {
		return nil, &RoleError{Environment: target, Required: RolesFor(target)}
	}

	pref, err := r.repo.Preferences(ctx).Get(ctx, account.ID)
	if err != nil {
		return nil, transient("get preference", err)
	}
	d := &ScopeDecision{
		Scope:       Scope{OrganizationID: account.OrganizationID},
		Environment: target,
		accountID:   account.ID,
		preference:  Preference{Environment: target, AppType: appTypeOrDefault(pref.AppType)},
		resolver:    r,
	}
	d.preferenceChanged = d.preference != pref
	if target == EnvironmentOrgAdmin {
		return d, nil
	}

	var (
		store   *Store
		pending bool
	)
	if storeIdentifier != "" {
		store, err = r.findStore(ctx, account, storeIdentifier)
		if err == nil {
			pending, err = r.storeAccess(ctx, account, store)
		}
	} else {
		store, pending, err = r.autoSelectStore(ctx, account)
		if err == nil && store == nil {
			err = validationError("a store identifier is required for %s", EnvironmentStoreAdmin)
		}
	}
	if err != nil {
		return nil, err
	}
	d.setStore(store, pending)
	return d, nil
}

// SwitchEnvironment issues a fresh session in the target environment. The
// session the caller used stays valid until it expires or is revoked.
func (s *Service) SwitchEnvironment(ctx context.Context, req SwitchRequest) (*SessionResult, error) {
	if req.AccountID == "" {
		return nil, ErrInvalidToken
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	account, err := s.repo.Accounts(ctx).Find(ctx, req.AccountID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, transient("find account", err)
	}
	if !account.State.Live() {
		return nil, ErrInvalidToken
	}
	if err := s.loadRoles(ctx, account); err != nil {
		return nil, err
	}

	decision, err := s.scopes.SwitchScope(ctx, account, req.Target, req.Store)
	if err != nil {
		return nil, err
	}
	created, err := decision.Commit(ctx)
	if err != nil {
		return nil, err
	}
	if created {
		s.membershipCreated(ctx, account, decision.Scope)
	}
	if decision.Store != nil && account.MainStoreID != decision.Store.ID {
		if err := s.repo.Accounts(ctx).SetMainStore(ctx, account.ID, decision.Store.ID); err != nil {
			return nil, transient("set main store", err)
		}
		account.MainStoreID = decision.Store.ID
	}

	out, err := s.openSession(ctx, account, decision.Scope, decision.Store, decision.preference, req.Device)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, audit.Event{
		Type:           audit.EventEnvironmentSwitched,
		AccountID:      account.ID,
		OrganizationID: decision.Scope.OrganizationID,
		StoreID:        decision.Scope.StoreID,
		SessionID:      out.SessionID,
		IP:             req.Device.IPAddress,
		Success:        true,
		Metadata:       map[string]string{"environment": string(req.Target)},
	})
	obs.Logger().Debug().Str("account_id", account.ID).Str("environment", string(req.Target)).Msg("environment switched")
	return out, nil
}
