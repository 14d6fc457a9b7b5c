package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"tenantauth.org/internal/auth"
	"tenantauth.org/internal/ids"
)

type orgStore struct{ db *sql.DB }

const orgColumns = `id, slug, name, state, coalesce(email, ''), coalesce(logo, ''), created_at`

func scanOrganization(row scanner) (*auth.Organization, error) {
	var (
		org   auth.Organization
		state string
	)
	if err := row.Scan(&org.ID, &org.Slug, &org.Name, &state, &org.Email, &org.Logo, &org.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	org.State = auth.OrganizationState(state)
	return &org, nil
}

func (o orgStore) Create(ctx context.Context, org *auth.Organization) error {
	if org.ID == "" {
		org.ID = ids.New(ids.Organization)
	}
	if org.State == "" {
		org.State = auth.OrganizationActive
	}
	org.Slug = strings.ToLower(strings.TrimSpace(org.Slug))
	err := o.db.QueryRowContext(ctx, `
		insert into organizations (id, slug, name, state, email, logo)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, org.ID, org.Slug, org.Name, string(org.State), nullIfEmpty(org.Email), nullIfEmpty(org.Logo)).Scan(&org.CreatedAt)
	return mapError(err)
}

func (o orgStore) Find(ctx context.Context, id string) (*auth.Organization, error) {
	return scanOrganization(o.db.QueryRowContext(ctx, `select `+orgColumns+` from organizations where id = $1`, id))
}

func (o orgStore) FindBySlug(ctx context.Context, slug string) (*auth.Organization, error) {
	return scanOrganization(o.db.QueryRowContext(ctx,
		`select `+orgColumns+` from organizations where slug = lower($1)`, strings.TrimSpace(slug)))
}

func (o orgStore) SearchByName(ctx context.Context, fragment string, states []auth.OrganizationState) ([]auth.Organization, error) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" || len(states) == 0 {
		return nil, nil
	}
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := o.db.QueryContext(ctx, `
		select `+orgColumns+`
		from organizations
		where name ilike '%' || $1 || '%' escape '\'
		  and state = any(string_to_array($2, ','))
		order by created_at, id
	`, escapeLike(fragment), strings.Join(names, ","))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *org)
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

type storeStore struct{ db *sql.DB }

const storeColumns = `id, organization_id, slug, name, created_at`

func scanStore(row scanner) (*auth.Store, error) {
	var st auth.Store
	if err := row.Scan(&st.ID, &st.OrganizationID, &st.Slug, &st.Name, &st.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &st, nil
}

func (s storeStore) Create(ctx context.Context, st *auth.Store) error {
	if st.ID == "" {
		st.ID = ids.New(ids.Store)
	}
	st.Slug = strings.ToLower(strings.TrimSpace(st.Slug))
	err := s.db.QueryRowContext(ctx, `
		insert into stores (id, organization_id, slug, name)
		values ($1, $2, $3, $4)
		returning created_at
	`, st.ID, st.OrganizationID, st.Slug, st.Name).Scan(&st.CreatedAt)
	return mapError(err)
}

func (s storeStore) Find(ctx context.Context, id string) (*auth.Store, error) {
	return scanStore(s.db.QueryRowContext(ctx, `select `+storeColumns+` from stores where id = $1`, id))
}

func (s storeStore) FindBySlug(ctx context.Context, organizationID, slug string) (*auth.Store, error) {
	return scanStore(s.db.QueryRowContext(ctx, `
		select `+storeColumns+` from stores
		where organization_id = $1 and slug = lower($2)
	`, organizationID, strings.TrimSpace(slug)))
}

func (s storeStore) ListBySlug(ctx context.Context, slug string) ([]auth.Store, error) {
	return s.list(ctx, `
		select `+storeColumns+` from stores
		where slug = lower($1)
		order by created_at, id
	`, strings.TrimSpace(slug))
}

func (s storeStore) ListByOrganization(ctx context.Context, organizationID string) ([]auth.Store, error) {
	return s.list(ctx, `
		select `+storeColumns+` from stores
		where organization_id = $1
		order by created_at, id
	`, organizationID)
}

func (s storeStore) list(ctx context.Context, query string, args ...any) ([]auth.Store, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Store
	for rows.Next() {
		st, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

type membershipStore struct{ db *sql.DB }

func (m membershipStore) Exists(ctx context.Context, storeID, accountID string) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx, `
		select 1 from store_memberships where store_id = $1 and account_id = $2
	`, storeID, accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Ensure relies on the primary key: a concurrent insert of the same pair
// affects zero rows instead of failing.
func (m membershipStore) Ensure(ctx context.Context, storeID, accountID string) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
		insert into store_memberships (store_id, account_id)
		values ($1, $2)
		on conflict (store_id, account_id) do nothing
	`, storeID, accountID)
	if err != nil {
		return false, mapError(err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (m membershipStore) ListStoreIDs(ctx context.Context, accountID, organizationID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		select m.store_id
		from store_memberships m
		join stores s on s.id = m.store_id
		where m.account_id = $1 and s.organization_id = $2
		order by m.created_at, m.store_id
	`, accountID, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type roleStore struct{ db *sql.DB }

func (r roleStore) Assign(ctx context.Context, accountID string, role auth.Role) error {
	_, err := r.db.ExecContext(ctx, `
		insert into account_roles (account_id, role)
		values ($1, $2)
		on conflict (account_id, role) do nothing
	`, accountID, string(role))
	return mapError(err)
}

// Roles drops names outside the known vocabulary.
func (r roleStore) Roles(ctx context.Context, accountID string) ([]auth.Role, error) {
	rows, err := r.db.QueryContext(ctx, `
		select role from account_roles where account_id = $1 order by role
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auth.Role
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if role, ok := auth.ParseRole(name); ok {
			out = append(out, role)
		}
	}
	return out, rows.Err()
}
