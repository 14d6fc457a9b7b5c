package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tenantauth.org/internal/audit"
	"tenantauth.org/internal/auth"
	"tenantauth.org/internal/store/memory"
)

var (
	chromeMac = auth.DeviceInfo{
		IPAddress: "10.0.0.7",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
	firefoxWin = auth.DeviceInfo{
		IPAddress: "10.0.0.7",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Emit(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []auth.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n auth.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	svc      *auth.Service
	hasher   *auth.BcryptHasher
	clock    *clock
	audit    *recordingAudit
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...auth.ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    memory.New(),
		hasher:   auth.NewBcryptHasher(bcrypt.MinCost, 4),
		clock:    &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		audit:    &recordingAudit{},
		notifier: &recordingNotifier{},
	}
	base := []auth.ServiceOption{
		auth.WithClock(f.clock.Now),
		auth.WithHasher(f.hasher),
		auth.WithAudit(f.audit),
		auth.WithNotifier(f.notifier),
	}
	svc, err := auth.NewService(f.store, auth.TokenConfig{
		AccessSecret:  "test-access-secret",
		RefreshSecret: "test-refresh-secret",
		Issuer:        "tenantauth-test",
	}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) org(slug, name, email string) *auth.Organization {
	f.t.Helper()
	org := &auth.Organization{Slug: slug, Name: name, Email: email, State: auth.OrganizationActive}
	if err := f.store.Organizations(f.ctx).Create(f.ctx, org); err != nil {
		f.t.Fatalf("create org %s: %v", slug, err)
	}
	return org
}

func (f *fixture) shop(org *auth.Organization, slug, name string) *auth.Store {
	f.t.Helper()
	s := &auth.Store{OrganizationID: org.ID, Slug: slug, Name: name}
	if err := f.store.Stores(f.ctx).Create(f.ctx, s); err != nil {
		f.t.Fatalf("create store %s: %v", slug, err)
	}
	f.clock.Advance(time.Second)
	return s
}

func (f *fixture) account(org *auth.Organization, email, password string, roles ...auth.Role) *auth.Account {
	f.t.Helper()
	hash, err := f.hasher.Hash(f.ctx, password)
	if err != nil {
		f.t.Fatalf("hash: %v", err)
	}
	acc := &auth.Account{Email: email, PasswordHash: hash, OrganizationID: org.ID, State: auth.AccountActive}
	if err := f.store.Accounts(f.ctx).Create(f.ctx, acc); err != nil {
		f.t.Fatalf("create account %s: %v", email, err)
	}
	for _, r := range roles {
		if err := f.store.Roles(f.ctx).Assign(f.ctx, acc.ID, r); err != nil {
			f.t.Fatalf("assign role: %v", err)
		}
	}
	return acc
}

func (f *fixture) member(s *auth.Store, acc *auth.Account) {
	f.t.Helper()
	if _, err := f.store.Memberships(f.ctx).Ensure(f.ctx, s.ID, acc.ID); err != nil {
		f.t.Fatalf("ensure membership: %v", err)
	}
}

func (f *fixture) reload(id string) *auth.Account {
	f.t.Helper()
	acc, err := f.store.Accounts(f.ctx).Find(f.ctx, id)
	if err != nil {
		f.t.Fatalf("find account: %v", err)
	}
	return acc
}

func (f *fixture) login(req auth.LoginRequest) (*auth.LoginResult, error) {
	if req.Device == (auth.DeviceInfo{}) {
		req.Device = chromeMac
	}
	return f.svc.Login(f.ctx, req)
}

func (f *fixture) mustLogin(req auth.LoginRequest) *auth.SessionResult {
	f.t.Helper()
	res, err := f.login(req)
	if err != nil {
		f.t.Fatalf("login: %v", err)
	}
	if res.Session == nil {
		f.t.Fatalf("expected a session, got disambiguation %+v", res.Disambiguation)
	}
	return res.Session
}

func (f *fixture) claims(s *auth.SessionResult) *auth.Claims {
	f.t.Helper()
	c, err := f.svc.AuthenticateAccess(s.Tokens.AccessToken)
	if err != nil {
		f.t.Fatalf("AuthenticateAccess: %v", err)
	}
	return c
}

func storeIDOf(c *auth.Claims) string {
	if c.StoreID == nil {
		return ""
	}
	return *c.StoreID
}
