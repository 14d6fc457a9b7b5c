package pg

import (
	"context"
	"database/sql"
	"time"

	"tenantauth.org/internal/auth"
	"tenantauth.org/internal/ids"
)

const accountColumns = `id, organization_id, email, password_hash, state, failed_login_count,
	locked_until, coalesce(main_store_id, ''), email_verified, last_login_at, created_at, updated_at`

type accountStore struct{ db *sql.DB }

func scanAccount(row scanner) (*auth.Account, error) {
	var (
		acc         auth.Account
		state       string
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
	)
	err := row.Scan(&acc.ID, &acc.OrganizationID, &acc.Email, &acc.PasswordHash, &state, &acc.FailedLoginCount,
		&lockedUntil, &acc.MainStoreID, &acc.EmailVerified, &lastLogin, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	acc.State = auth.AccountState(state)
	acc.LockedUntil = timePtr(lockedUntil)
	acc.LastLoginAt = timePtr(lastLogin)
	return &acc, nil
}

func (a accountStore) Create(ctx context.Context, acc *auth.Account) error {
	if acc.ID == "" {
		acc.ID = ids.New(ids.Account)
	}
	if acc.State == "" {
		acc.State = auth.AccountActive
	}
	acc.Email = auth.NormalizeEmail(acc.Email)
	err := a.db.QueryRowContext(ctx, `
		insert into accounts (id, organization_id, email, password_hash, state, main_store_id, email_verified)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at, updated_at
	`, acc.ID, acc.OrganizationID, acc.Email, acc.PasswordHash, string(acc.State),
		nullIfEmpty(acc.MainStoreID), acc.EmailVerified).Scan(&acc.CreatedAt, &acc.UpdatedAt)
	return mapError(err)
}

func (a accountStore) Find(ctx context.Context, id string) (*auth.Account, error) {
	row := a.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id)
	return scanAccount(row)
}

func (a accountStore) FindByEmail(ctx context.Context, email string) ([]auth.Account, error) {
	rows, err := a.db.QueryContext(ctx, `
		select `+accountColumns+`
		from accounts
		where email = $1
		order by created_at, id
	`, auth.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, rows.Err()
}

func (a accountStore) IncrementFailedLogins(ctx context.Context, id string) (int, error) {
	var count int
	err := a.db.QueryRowContext(ctx, `
		update accounts
		set failed_login_count = failed_login_count + 1, updated_at = now()
		where id = $1
		returning failed_login_count
	`, id).Scan(&count)
	if err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

func (a accountStore) Lock(ctx context.Context, id string, until time.Time) error {
	return a.exec(ctx, `update accounts set locked_until = $2, updated_at = now() where id = $1`, id, until.UTC())
}

func (a accountStore) RecordLoginSuccess(ctx context.Context, id string, at time.Time) error {
	return a.exec(ctx, `
		update accounts
		set failed_login_count = 0, locked_until = null, last_login_at = $2, updated_at = now()
		where id = $1
	`, id, at.UTC())
}

func (a accountStore) SetMainStore(ctx context.Context, id, storeID string) error {
	return a.exec(ctx, `update accounts set main_store_id = $2, updated_at = now() where id = $1`, id, nullIfEmpty(storeID))
}

func (a accountStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
