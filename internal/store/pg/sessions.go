package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"authgate.org/internal/auth"
)

const sessionColumns = `id, principal_id, refresh_token_id, issued_at, expires_at, last_activity_at, active,
	client_ip, user_agent, device_id, flags`

func scanSession(row rowScanner) (auth.Session, error) {
	var (
		sess  auth.Session
		flags []byte
	)
	if err := row.Scan(&sess.ID, &sess.PrincipalID, &sess.RefreshTokenID, &sess.IssuedAt, &sess.ExpiresAt,
		&sess.LastActivityAt, &sess.Active, &sess.Client.IP, &sess.Client.UserAgent, &sess.Client.DeviceID, &flags); err != nil {
		return auth.Session{}, err
	}
	sess.IssuedAt = sess.IssuedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	sess.LastActivityAt = sess.LastActivityAt.UTC()
	sess.Flags = []string{}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &sess.Flags); err != nil {
			return auth.Session{}, fmt.Errorf("decode session flags: %w", err)
		}
	}
	return sess, nil
}

func encodeFlags(flags []string) ([]byte, error) {
	if flags == nil {
		flags = []string{}
	}
	return json.Marshal(flags)
}

// CreateSession serializes logins of one principal with a transaction scoped advisory
// lock, closes its active sessions and inserts the new one.
func (s *Store) CreateSession(ctx context.Context, sess auth.Session) (int, error) {
	flags, err := encodeFlags(sess.Flags)
	if err != nil {
		return 0, err
	}
	var closed int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, sess.PrincipalID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`update sessions set active = false where principal_id = $1 and active`, sess.PrincipalID)
		if err != nil {
			return err
		}
		if closed, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			insert into sessions (id, principal_id, refresh_token_id, issued_at, expires_at, last_activity_at, active,
			                      client_ip, user_agent, device_id, flags)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, sess.ID, sess.PrincipalID, sess.RefreshTokenID, sess.IssuedAt.UTC(), sess.ExpiresAt.UTC(),
			sess.LastActivityAt.UTC(), sess.Active, sess.Client.IP, sess.Client.UserAgent, sess.Client.DeviceID, flags)
		return err
	})
	if err != nil {
		return 0, mapError(err)
	}
	return int(closed), nil
}

func (s *Store) SessionByRefreshID(ctx context.Context, refreshTokenID string) (auth.Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where refresh_token_id = $1`, refreshTokenID)
	sess, err := scanSession(row)
	if err != nil {
		return auth.Session{}, mapError(err)
	}
	return sess, nil
}

func (s *Store) ActiveSession(ctx context.Context, principalID string) (auth.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where principal_id = $1 and active`, principalID)
	sess, err := scanSession(row)
	if err != nil {
		return auth.Session{}, mapError(err)
	}
	return sess, nil
}

func (s *Store) LatestSession(ctx context.Context, principalID string) (auth.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where principal_id = $1 order by issued_at desc limit 1`, principalID)
	sess, err := scanSession(row)
	if err != nil {
		return auth.Session{}, mapError(err)
	}
	return sess, nil
}

// UpdateSession locks the row, applies fn and writes back the mutable columns.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*auth.Session) error) (auth.Session, error) {
	var out auth.Session
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1 for update`, id)
		sess, err := scanSession(row)
		if err != nil {
			return err
		}
		if err := fn(&sess); err != nil {
			return err
		}
		flags, err := encodeFlags(sess.Flags)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`update sessions set active = $2, last_activity_at = $3, flags = $4 where id = $1`,
			id, sess.Active, sess.LastActivityAt.UTC(), flags,
		); err != nil {
			return err
		}
		sess.ID = id
		out = sess
		return nil
	})
	if err != nil {
		return auth.Session{}, mapError(err)
	}
	return out, nil
}

func (s *Store) DeactivateSessions(ctx context.Context, principalID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`update sessions set active = false where principal_id = $1 and active`, principalID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
