package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tenantauth.org/internal/audit"
	"tenantauth.org/internal/auth"
	"tenantauth.org/internal/store/memory"
)

func TestLoginSingleAccountIgnoresDeadAccounts(t *testing.T) {
	f := newFixture(t)
	live := f.org("acme", "Acme", "")
	archivedOrg := f.org("beta", "Beta", "")
	suspendedOrg := f.org("gamma", "Gamma", "")
	want := f.account(live, "alice@x.com", "right")
	for org, state := range map[*auth.Organization]auth.AccountState{
		archivedOrg:  auth.AccountArchived,
		suspendedOrg: auth.AccountSuspended,
	} {
		acc := &auth.Account{Email: "alice@x.com", PasswordHash: "x", OrganizationID: org.ID, State: state}
		if err := f.store.Accounts(f.ctx).Create(f.ctx, acc); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	sess := f.mustLogin(auth.LoginRequest{Email: " Alice@X.com ", Password: "right"})
	if sess.Profile.ID != want.ID {
		t.Fatalf("expected %s, got %s", want.ID, sess.Profile.ID)
	}
	if c := f.claims(sess); c.OrganizationID != live.ID || c.StoreID != nil {
		t.Fatalf("unexpected scope %+v", c)
	}
	if sess.AppType != auth.DefaultAppType {
		t.Fatalf("expected default app type, got %q", sess.AppType)
	}
}

func TestLoginDisambiguationHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	a := f.org("acme", "Acme", "")
	b := f.org("beta", "Beta", "")
	c := f.org("gamma", "Gamma", "")
	accs := []*auth.Account{
		f.account(a, "bob@x.com", "pw"),
		f.account(b, "bob@x.com", "pw"),
		f.account(c, "bob@x.com", "pw"),
	}

	res, err := f.login(auth.LoginRequest{Email: "bob@x.com", Password: "wrong"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !res.NeedsChoice() || len(res.Disambiguation) != 3 {
		t.Fatalf("expected 3 candidates, got %+v", res)
	}
	seen := map[string]bool{}
	for _, cand := range res.Disambiguation {
		seen[cand.Slug] = true
		if cand.Name == "" || cand.OrganizationID == "" {
			t.Fatalf("incomplete candidate %+v", cand)
		}
	}
	if !seen["acme"] || !seen["beta"] || !seen["gamma"] {
		t.Fatalf("missing candidates: %v", seen)
	}
	if f.store.SessionCount() != 0 {
		t.Fatal("disambiguation must not create a session")
	}
	for _, acc := range accs {
		if got := f.reload(acc.ID); got.FailedLoginCount != 0 {
			t.Fatalf("failed counter touched on %s", acc.ID)
		}
	}
}

func TestLoginHighPrivilegeAutoRelationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	org := f.org("acme", "Acme", "")
	shop := f.shop(org, "downtown", "Acme Downtown")
	f.account(org, "owner@acme.com", "pw", auth.RoleOwner)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.login(auth.LoginRequest{Email: "owner@acme.com", Password: "pw", Store: "downtown"})
			if err == nil && res.Session.Store.ID != shop.ID {
				err = errors.New("wrong store in session")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent login: %v", err)
		}
	}
	if n := f.store.MembershipCount(); n != 1 {
		t.Fatalf("expected exactly one membership row, got %d", n)
	}
	if n := f.audit.count(audit.EventMembershipCreated); n != 1 {
		t.Fatalf("expected one auto-relation audit event, got %d", n)
	}
}

func TestLoginStoreRequiresMembershipForRegularRoles(t *testing.T) {
	f := newFixture(t)
	org := f.org("acme", "Acme", "")
	shop := f.shop(org, "downtown", "Acme Downtown")
	emp := f.account(org, "emp@acme.com", "pw", auth.RoleEmployee)

	_, err := f.login(auth.LoginRequest{Email: "emp@acme.com", Password: "pw", Store: "downtown"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials without membership, got %v", err)
	}
	if f.store.MembershipCount() != 0 {
		t.Fatal("regular roles must never be auto-related")
	}
	if f.reload(emp.ID).FailedLoginCount != 0 {
		t.Fatal("scope denial must not count as a password failure")
	}

	f.member(shop, emp)
	sess := f.mustLogin(auth.LoginRequest{Email: "emp@acme.com", Password: "pw", Store: "downtown"})
	if storeIDOf(f.claims(sess)) != shop.ID {
		t.Fatal("expected store scope after membership granted")
	}
}

func TestLoginCrossTenantStoreDenied(t *testing.T) {
	f := newFixture(t)
	acme := f.org("acme", "Acme", "")
	beta := f.org("beta", "Beta", "")
	foreign := f.shop(beta, "uptown", "Beta Uptown")
	f.account(acme, "owner@acme.com", "pw", auth.RoleOwner, auth.RoleSuperAdmin)

	for _, ident := range []string{"uptown", foreign.ID} {
		_, err := f.login(auth.LoginRequest{Email: "owner@acme.com", Password: "pw", Store: ident})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("%s: expected denial, got %v", ident, err)
		}
	}
	if f.store.MembershipCount() != 0 {
		t.Fatal("cross-tenant denial must not create memberships")
	}
}

func TestLoginLockout(t *testing.T) {
	f := newFixture(t)
	org := f.org("acme", "Acme", "")
	acc := f.account(org, "alice@acme.com", "right")

	for i := 1; i <= 5; i++ {
		_, err := f.login(auth.LoginRequest{Email: "alice@acme.com", Password: "wrong", Organization: "acme"})
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected invalid credentials, got %v", i, err)
		}
	}
	locked := f.reload(acc.ID)
	if !locked.LockedAt(f.clock.Now()) {
		t.Fatalf("expected account locked, locked_until=%v", locked.LockedUntil)
	}

	_, err := f.login(auth.LoginRequest{Email: "alice@acme.com", Password: "right", Organization: "acme"})
	if !errors.Is(err, auth.ErrAccountLocked) {
		t.Fatalf("6th attempt with correct password: expected locked, got %v", err)
	}
	if f.audit.count(audit.EventAccountLocked) != 1 {
		t.Fatal("expected one lockout audit event")
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].Kind != auth.NotificationAccountLocked {
		t.Fatalf("expected lockout notification, got %+v", f.notifier.notes)
	}

	f.clock.Advance(31 * time.Minute)
	f.mustLogin(auth.LoginRequest{Email: "alice@acme.com", Password: "right", Organization: "acme"})
	after := f.reload(acc.ID)
	if after.FailedLoginCount != 0 || after.LockedUntil != nil || after.LastLoginAt == nil {
		t.Fatalf("success should reset lockout state: %+v", after)
	}
}

func TestLoginAntiEnumeration(t *testing.T) {
	f := newFixture(t)
	real := f.org("realorg", "Real Org", "")
	f.org("wrongorg", "Wrong Org", "")
	f.account(real, "real@x.com", "rightpass")

	cases := []auth.LoginRequest{
		{Email: "unknown@x.com", Password: "any", Organization: "realorg"},
		{Email: "real@x.com", Password: "wrongpass", Organization: "realorg"},
		{Email: "real@x.com", Password: "rightpass", Organization: "wrongorg"},
	}
	var messages []string
	for _, req := range cases {
		_, err := f.login(req)
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			t.Fatalf("%+v: expected invalid credentials, got %v", req, err)
		}
		messages = append(messages, auth.PublicMessage(err))
	}
	for _, m := range messages[1:] {
		if m != messages[0] {
			t.Fatalf("messages differ: %q", messages)
		}
	}
}

func TestLoginEnvironmentBridgesToMainStore(t *testing.T) {
	f := newFixture(t)
	org := f.org("acme", "Acme", "")
	f.shop(org, "first", "Acme First")
	main := f.shop(org, "main", "Acme Main")
	acc := f.account(org, "mgr@acme.com", "pw", auth.RoleStoreAdmin)
	f.member(main, acc)
	if err := f.store.Accounts(f.ctx).SetMainStore(f.ctx, acc.ID, main.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Preferences(f.ctx).Set(f.ctx, acc.ID, auth.Preference{Environment: auth.EnvironmentStoreAdmin}); err != nil {
		t.Fatal(err)
	}

	sess := f.mustLogin(auth.LoginRequest{Email: "mgr@acme.com", Password: "pw", Organization: "acme"})
	if got := storeIDOf(f.claims(sess)); got != main.ID {
		t.Fatalf("expected bridged store %s, got %q", main.ID, got)
	}
	if sess.Environment != auth.EnvironmentStoreAdmin || sess.Store == nil || sess.Store.Slug != "main" {
		t.Fatalf("unexpected session context %+v", sess)
	}
	attempts := f.store.LoginAttemptsSnapshot()
	if len(attempts) != 1 || attempts[0].StoreID != main.ID || !attempts[0].Success {
		t.Fatalf("expected one store-scoped success attempt, got %+v", attempts)
	}
}

func TestLoginBridgeFallsBackToFirstStoreForOwners(t *testing.T) {
	f := newFixture(t)
	org := f.org("acme", "Acme", "")
	first := f.shop(org, "first", "Acme First")
	f.shop(org, "second", "Acme Second")
	acc := f.account(org, "owner@acme.com", "pw", auth.RoleOwner)
	_ = f.store.Preferences(f.ctx).Set(f.ctx, acc.ID, auth.Preference{Environment: auth.EnvironmentStoreAdmin})

	sess := f.mustLogin(auth.LoginRequest{Email: "owner@acme.com", Password: "pw", Organization: "acme"})
	if got := storeIDOf(f.claims(sess)); got != first.ID {
		t.Fatalf("expected first store, got %q", got)
	}
	if f.store.MembershipCount() != 1 {
		t.Fatal("expected auto-relation to the bridged store")
	}
}

func TestLoginBridgeWithoutStoresStaysOrganizationLevel(t *testing.T) {
	f := newFixture(t)
	org := f.org("acme", "Acme", "")
	acc := f.account(org, "emp@acme.com", "pw", auth.RoleEmployee)
	f.shop(org, "first", "Acme First")
	_ = f.store.Preferences(f.ctx).Set(f.ctx, acc.ID, auth.Preference{Environment: auth.EnvironmentStoreAdmin})

	sess := f.mustLogin(auth.LoginRequest{Email: "emp@acme.com", Password: "pw", Organization: "acme"})
	if c := f.claims(sess); c.StoreID != nil {
		t.Fatalf("expected organization scope, got store %q", *c.StoreID)
	}
	if len(f.store.LoginAttemptsSnapshot()) != 0 {
		t.Fatal("organization-level logins are not recorded as attempts")
	}
}

func TestLoginStoreFlipsOrgAdminPreference(t *testing.T) {
	f := newFixture(t)
	org := f.org("acme", "Acme", "")
	f.shop(org, "downtown", "Acme Downtown")
	acc := f.account(org, "owner@acme.com", "pw", auth.RoleOwner)
	_ = f.store.Preferences(f.ctx).Set(f.ctx, acc.ID, auth.Preference{Environment: auth.EnvironmentOrgAdmin, AppType: "pos"})

	sess := f.mustLogin(auth.LoginRequest{Email: "owner@acme.com", Password: "pw", Store: "downtown"})
	if sess.Environment != auth.EnvironmentStoreAdmin || sess.AppType != "pos" {
		t.Fatalf("unexpected environment %q app %q", sess.Environment, sess.AppType)
	}
	pref, _ := f.store.Preferences(f.ctx).Get(f.ctx, acc.ID)
	if pref.Environment != auth.EnvironmentStoreAdmin {
		t.Fatalf("preference not updated: %+v", pref)
	}
}

func TestLoginFailedScopeWritesNothing(t *testing.T) {
	f := newFixture(t)
	org := f.org("acme", "Acme", "")
	f.shop(org, "downtown", "Acme Downtown")
	acc := f.account(org, "owner@acme.com", "pw", auth.RoleOwner)
	_ = f.store.Preferences(f.ctx).Set(f.ctx, acc.ID, auth.Preference{Environment: auth.EnvironmentOrgAdmin})

	_, err := f.login(auth.LoginRequest{Email: "owner@acme.com", Password: "nope", Store: "downtown"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if f.store.MembershipCount() != 0 {
		t.Fatal("an unauthenticated caller must not create memberships")
	}
	pref, _ := f.store.Preferences(f.ctx).Get(f.ctx, acc.ID)
	if pref.Environment != auth.EnvironmentOrgAdmin {
		t.Fatal("an unauthenticated caller must not change preferences")
	}
}

func TestLoginAcmeEndToEnd(t *testing.T) {
	f := newFixture(t)
	acme := f.org("acme", "Acme", "hello@acme.com")
	alice := f.account(acme, "alice@acme.com", "wonderland", auth.RoleOwner)
	downtown := f.shop(acme, "downtown", "Acme Downtown")

	sess := f.mustLogin(auth.LoginRequest{Email: "alice@acme.com", Password: "wonderland", Store: "downtown"})
	c := f.claims(sess)
	if c.Subject != alice.ID || c.OrganizationID != acme.ID || storeIDOf(c) != downtown.ID {
		t.Fatalf("unexpected claims %+v", c)
	}
	if f.store.MembershipCount() != 1 {
		t.Fatalf("expected one membership, got %d", f.store.MembershipCount())
	}
	ok, _ := f.store.Memberships(f.ctx).Exists(f.ctx, downtown.ID, alice.ID)
	if !ok {
		t.Fatal("membership row missing")
	}
	if f.store.SessionCount() != 1 {
		t.Fatal("session must be persisted before returning")
	}
}

func TestLoginValidation(t *testing.T) {
	f := newFixture(t)
	cases := []auth.LoginRequest{
		{Email: "", Password: "x"},
		{Email: "a@x.com", Password: ""},
		{Email: "a@x.com", Password: "x", Organization: "acme", Store: "downtown"},
	}
	for _, req := range cases {
		if _, err := f.login(req); !errors.Is(err, auth.ErrValidation) {
			t.Fatalf("%+v: expected validation error, got %v", req, err)
		}
	}
}

type countingRepo struct {
	*memory.Store
	mu    sync.Mutex
	calls int
}

func (c *countingRepo) Accounts(ctx context.Context) auth.AccountStore {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Store.Accounts(ctx)
}

func TestLoginRequireTenantIdentifierRejectsBeforeLookup(t *testing.T) {
	repo := &countingRepo{Store: memory.New()}
	cfg := auth.DefaultConfig()
	cfg.RequireTenantIdentifier = true
	svc, err := auth.NewService(repo, auth.TokenConfig{AccessSecret: "a", RefreshSecret: "b"}, auth.WithConfig(cfg))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	_, err = svc.Login(context.Background(), auth.LoginRequest{Email: "a@x.com", Password: "x"})
	if !errors.Is(err, auth.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if repo.calls != 0 {
		t.Fatalf("expected no account lookups, got %d", repo.calls)
	}
}

type failingAccounts struct{ auth.AccountStore }

func (failingAccounts) FindByEmail(context.Context, string) ([]auth.Account, error) {
	return nil, context.DeadlineExceeded
}

type failingRepo struct{ *memory.Store }

func (r failingRepo) Accounts(ctx context.Context) auth.AccountStore {
	return failingAccounts{r.Store.Accounts(ctx)}
}

func TestLoginStoreFailureIsTransient(t *testing.T) {
	svc, err := auth.NewService(failingRepo{memory.New()}, auth.TokenConfig{AccessSecret: "a", RefreshSecret: "b"})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	_, err = svc.Login(context.Background(), auth.LoginRequest{Email: "a@x.com", Password: "x"})
	if !errors.Is(err, auth.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatal("transient failures must not look like invalid credentials")
	}
}

func TestLoginSuspendedOrganization(t *testing.T) {
	f := newFixture(t)
	org := &auth.Organization{Slug: "frozen", Name: "Frozen", State: auth.OrganizationSuspended}
	if err := f.store.Organizations(f.ctx).Create(f.ctx, org); err != nil {
		t.Fatal(err)
	}
	f.account(org, "ice@x.com", "pw")
	if _, err := f.login(auth.LoginRequest{Email: "ice@x.com", Password: "pw"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestLoginRejectionRecordsTargetedStore(t *testing.T) {
	f := newFixture(t)
	acme := f.org("acme", "Acme", "")
	beta := f.org("beta", "Beta", "")
	downtown := f.shop(acme, "downtown", "Acme Downtown")
	f.shop(acme, "central", "Acme Central")
	f.shop(beta, "central", "Beta Central")
	foreign := f.shop(beta, "uptown", "Beta Uptown")
	f.account(acme, "owner@acme.com", "pw", auth.RoleOwner)

	if _, err := f.login(auth.LoginRequest{Email: "ghost@acme.com", Password: "pw", Store: "Downtown"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("unknown account: expected invalid credentials, got %v", err)
	}
	if _, err := f.login(auth.LoginRequest{Email: "owner@acme.com", Password: "pw", Store: foreign.ID}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong tenant: expected invalid credentials, got %v", err)
	}
	if _, err := f.login(auth.LoginRequest{Email: "ghost@acme.com", Password: "pw", Store: "central"}); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("shared slug: expected invalid credentials, got %v", err)
	}

	attempts := f.store.LoginAttemptsSnapshot()
	if len(attempts) != 2 {
		t.Fatalf("expected two recorded attempts, got %+v", attempts)
	}
	if a := attempts[0]; a.StoreID != downtown.ID || a.Success || a.FailureReason != auth.FailureUnknownAccount || a.Email != "ghost@acme.com" {
		t.Fatalf("unexpected unknown-account attempt %+v", a)
	}
	if a := attempts[1]; a.StoreID != foreign.ID || a.FailureReason != auth.FailureWrongTenant {
		t.Fatalf("unexpected wrong-tenant attempt %+v", a)
	}
}
