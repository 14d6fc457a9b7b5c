package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantauth.org/internal/auth"
	"tenantauth.org/internal/ids"
)

type sessionStore struct{ db *sql.DB }

func (ss sessionStore) Create(ctx context.Context, sess *auth.Session) error {
	if sess.ID == "" {
		sess.ID = ids.New(ids.Session)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := ss.db.ExecContext(ctx, `
		insert into sessions (id, account_id, token_hash, device_fingerprint, ip_address, user_agent, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.AccountID, sess.TokenHash, nullIfEmpty(sess.DeviceFingerprint),
		nullIfEmpty(sess.IPAddress), nullIfEmpty(sess.UserAgent), sess.ExpiresAt.UTC(), sess.CreatedAt.UTC())
	return mapError(err)
}

func (ss sessionStore) ListActive(ctx context.Context, accountID string, now time.Time) ([]auth.Session, error) {
	rows, err := ss.db.QueryContext(ctx, `
		select id, account_id, token_hash, coalesce(device_fingerprint, ''), coalesce(ip_address, ''),
		       coalesce(user_agent, ''), expires_at, last_used_at, revoked, revoked_at, created_at
		from sessions
		where account_id = $1 and revoked = false and expires_at > $2
		order by created_at desc, id desc
	`, accountID, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Session
	for rows.Next() {
		var (
			s         auth.Session
			lastUsed  sql.NullTime
			revokedAt sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.AccountID, &s.TokenHash, &s.DeviceFingerprint, &s.IPAddress,
			&s.UserAgent, &s.ExpiresAt, &lastUsed, &s.Revoked, &revokedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.LastUsedAt = timePtr(lastUsed)
		s.RevokedAt = timePtr(revokedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Rotate is a compare-and-swap on the stored hash.
func (ss sessionStore) Rotate(ctx context.Context, p auth.RotateParams) error {
	res, err := ss.db.ExecContext(ctx, `
		update sessions
		set token_hash = $4, expires_at = $5, last_used_at = $6, ip_address = coalesce($7, ip_address)
		where id = $1 and account_id = $2 and token_hash = $3 and revoked = false
	`, p.SessionID, p.AccountID, p.ExpectedHash, p.NewHash, p.ExpiresAt.UTC(), p.UsedAt.UTC(), nullIfEmpty(p.IPAddress))
	if err != nil {
		return mapError(err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrStaleSession
	}
	return nil
}

func (ss sessionStore) Revoke(ctx context.Context, accountID, sessionID string, at time.Time) (bool, error) {
	res, err := ss.db.ExecContext(ctx, `
		update sessions set revoked = true, revoked_at = $3
		where id = $1 and account_id = $2 and revoked = false
	`, sessionID, accountID, at.UTC())
	if err != nil {
		return false, mapError(err)
	}
	n, err := affected(res)
	return n == 1, err
}

func (ss sessionStore) RevokeAll(ctx context.Context, accountID string, at time.Time) (int, error) {
	res, err := ss.db.ExecContext(ctx, `
		update sessions set revoked = true, revoked_at = $2
		where account_id = $1 and revoked = false and expires_at > $2
	`, accountID, at.UTC())
	if err != nil {
		return 0, mapError(err)
	}
	return affected(res)
}

func (ss sessionStore) DeleteExpired(ctx context.Context, accountID string, now time.Time) (int, error) {
	res, err := ss.db.ExecContext(ctx, `
		delete from sessions where account_id = $1 and expires_at <= $2
	`, accountID, now.UTC())
	if err != nil {
		return 0, mapError(err)
	}
	return affected(res)
}

type attemptStore struct{ db *sql.DB }

func (a attemptStore) Append(ctx context.Context, attempt *auth.LoginAttempt) error {
	if attempt.ID == "" {
		attempt.ID = ids.New(ids.LoginAttempt)
	}
	if attempt.OccurredAt.IsZero() {
		attempt.OccurredAt = time.Now().UTC()
	}
	_, err := a.db.ExecContext(ctx, `
		insert into login_attempts (id, email, store_id, success, failure_reason, occurred_at)
		values ($1, $2, $3, $4, $5, $6)
	`, attempt.ID, attempt.Email, attempt.StoreID, attempt.Success, nullIfEmpty(attempt.FailureReason), attempt.OccurredAt.UTC())
	return mapError(err)
}

type prefStore struct{ db *sql.DB }

func (p prefStore) Get(ctx context.Context, accountID string) (auth.Preference, error) {
	var env, app string
	err := p.db.QueryRowContext(ctx, `
		select environment, app_type from account_preferences where account_id = $1
	`, accountID).Scan(&env, &app)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Preference{}, nil
	}
	if err != nil {
		return auth.Preference{}, err
	}
	return auth.Preference{Environment: auth.Environment(env), AppType: app}, nil
}

func (p prefStore) Set(ctx context.Context, accountID string, pref auth.Preference) error {
	_, err := p.db.ExecContext(ctx, `
		insert into account_preferences (account_id, environment, app_type)
		values ($1, $2, $3)
		on conflict (account_id) do update
		set environment = excluded.environment, app_type = excluded.app_type, updated_at = now()
	`, accountID, string(pref.Environment), pref.AppType)
	return mapError(err)
}
