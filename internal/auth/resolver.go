package auth

import (
	"context"
	"errors"
	"strings"
)

// TenantKind says which tenant a login identifier names.
type TenantKind string

const (
	TenantOrganization TenantKind = "organization"
	TenantStore        TenantKind = "store"
)

// TenantIdentifier is an organization slug/name or a store slug as typed by a client.
type TenantIdentifier struct {
	Kind  TenantKind
	Value string
}

// ResolutionKind is the outcome of ResolveAccounts.
type ResolutionKind string

const (
	ResolutionNotFound       ResolutionKind = "not_found"
	ResolutionSingleAccount  ResolutionKind = "single_account"
	ResolutionDisambiguation ResolutionKind = "account_disambiguation"
	ResolutionNoAccountInOrg ResolutionKind = "no_account_in_org"
	ResolutionResolved       ResolutionKind = "account_resolved"
)

// OrganizationCandidate is what a client sees when it must choose a tenant.
// It never carries account identifiers.
type OrganizationCandidate struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	Logo           string `json:"logo,omitempty"`
}

// Resolution is the result of account resolution.
type Resolution struct {
	Kind       ResolutionKind
	Account    *Account
	Candidates []OrganizationCandidate
}

// OrgMatchKind is the outcome of organization identifier resolution.
type OrgMatchKind string

const (
	OrgMatchSlugExact       OrgMatchKind = "slug_exact"
	OrgMatchNameSingle      OrgMatchKind = "name_single"
	OrgMatchFilteredByEmail OrgMatchKind = "name_filtered_by_email"
	OrgMatchAmbiguous       OrgMatchKind = "ambiguous"
	OrgMatchNotFound        OrgMatchKind = "not_found"
)

// OrgMatch is the result of ResolveOrganization. Organization is set for the
// single-match kinds, Candidates for OrgMatchAmbiguous.
type OrgMatch struct {
	Kind         OrgMatchKind
	Organization *Organization
	Candidates   []Organization
}

var nameSearchStates = []OrganizationState{OrganizationActive, OrganizationDraft}

// Resolver implements account and organization resolution.
type Resolver struct {
	repo Repository
}

// NewResolver returns a Resolver that reads from repo.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// ResolveOrganization resolves an identifier to an organization: exact slug
// first, then case-insensitive name substring among active and draft
// organizations, then narrowing by the requester's email domain. It never
// picks one organization while more than one remains plausible.
func (r *Resolver) ResolveOrganization(ctx context.Context, identifier, email string) (OrgMatch, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return OrgMatch{Kind: OrgMatchNotFound}, nil
	}
	orgs := r.repo.Organizations(ctx)

	org, err := orgs.FindBySlug(ctx, strings.ToLower(identifier))
	switch {
	case err == nil:
		return OrgMatch{Kind: OrgMatchSlugExact, Organization: org}, nil
	case !errors.Is(err, ErrNotFound):
		return OrgMatch{}, transient("find organization by slug", err)
	}

	matches, err := orgs.SearchByName(ctx, identifier, nameSearchStates)
	if err != nil {
		return OrgMatch{}, transient("search organizations", err)
	}
	switch len(matches) {
	case 0:
		return OrgMatch{Kind: OrgMatchNotFound}, nil
	case 1:
		return OrgMatch{Kind: OrgMatchNameSingle, Organization: &matches[0]}, nil
	}

	filtered := filterByEmailDomain(matches, emailDomain(NormalizeEmail(email)))
	switch {
	case len(filtered) == 1:
		return OrgMatch{Kind: OrgMatchFilteredByEmail, Organization: &filtered[0]}, nil
	case len(filtered) > 1:
		return OrgMatch{Kind: OrgMatchAmbiguous, Candidates: filtered}, nil
	}
	return OrgMatch{Kind: OrgMatchAmbiguous, Candidates: matches}, nil
}

func filterByEmailDomain(orgs []Organization, domain string) []Organization {
	if domain == "" {
		return nil
	}
	suffix := "@" + domain
	var out []Organization
	for _, o := range orgs {
		if strings.HasSuffix(strings.ToLower(o.Email), suffix) {
			out = append(out, o)
		}
	}
	return out
}

// ResolveAccounts finds the account a login refers to. email must already be
// normalized. tenant may be nil.
func (r *Resolver) ResolveAccounts(ctx context.Context, email string, tenant *TenantIdentifier) (Resolution, error) {
	all, err := r.repo.Accounts(ctx).FindByEmail(ctx, email)
	if err != nil {
		return Resolution{}, transient("find accounts by email", err)
	}
	live := make([]Account, 0, len(all))
	for _, a := range all {
		if a.State.Live() {
			live = append(live, a)
		}
	}

	switch len(live) {
	case 0:
		return Resolution{Kind: ResolutionNotFound}, nil
	case 1:
		return Resolution{Kind: ResolutionSingleAccount, Account: &live[0]}, nil
	}

	if tenant == nil || strings.TrimSpace(tenant.Value) == "" {
		candidates, err := r.candidatesFor(ctx, live)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Kind: ResolutionDisambiguation, Candidates: candidates}, nil
	}

	orgIDs, err := r.tenantOrganizations(ctx, email, *tenant)
	if err != nil {
		return Resolution{}, err
	}
	if len(orgIDs) == 0 {
		return Resolution{Kind: ResolutionNoAccountInOrg}, nil
	}

	survivors := accountsInOrganizations(live, orgIDs)
	switch len(survivors) {
	case 0:
		return Resolution{Kind: ResolutionNoAccountInOrg}, nil
	case 1:
		return Resolution{Kind: ResolutionResolved, Account: &survivors[0]}, nil
	}
	candidates, err := r.candidatesFor(ctx, survivors)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Kind: ResolutionDisambiguation, Candidates: candidates}, nil
}

// tenantOrganizations returns the ordered organization ids an identifier can
// refer to; more than one means the identifier itself was ambiguous.
func (r *Resolver) tenantOrganizations(ctx context.Context, email string, tenant TenantIdentifier) ([]string, error) {
	if tenant.Kind == TenantStore {
		stores, err := r.repo.Stores(ctx).ListBySlug(ctx, strings.ToLower(strings.TrimSpace(tenant.Value)))
		if err != nil {
			return nil, transient("list stores by slug", err)
		}
		ids := make([]string, 0, len(stores))
		seen := make(map[string]struct{}, len(stores))
		for _, s := range stores {
			if _, ok := seen[s.OrganizationID]; ok {
				continue
			}
			seen[s.OrganizationID] = struct{}{}
			ids = append(ids, s.OrganizationID)
		}
		return ids, nil
	}

	match, err := r.ResolveOrganization(ctx, tenant.Value, email)
	if err != nil {
		return nil, err
	}
	switch match.Kind {
	case OrgMatchNotFound:
		return nil, nil
	case OrgMatchAmbiguous:
		ids := make([]string, len(match.Candidates))
		for i, o := range match.Candidates {
			ids[i] = o.ID
		}
		return ids, nil
	}
	return []string{match.Organization.ID}, nil
}

func accountsInOrganizations(accounts []Account, orgIDs []string) []Account {
	var out []Account
	for _, id := range orgIDs {
		for _, a := range accounts {
			if a.OrganizationID == id {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func (r *Resolver) candidatesFor(ctx context.Context, accounts []Account) ([]OrganizationCandidate, error) {
	orgs := r.repo.Organizations(ctx)
	out := make([]OrganizationCandidate, 0, len(accounts))
	for _, a := range accounts {
		org, err := orgs.Find(ctx, a.OrganizationID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, transient("find organization", err)
		}
		out = append(out, OrganizationCandidate{
			OrganizationID: org.ID,
			Name:           org.Name,
			Slug:           org.Slug,
			Logo:           org.Logo,
		})
	}
	return out, nil
}
