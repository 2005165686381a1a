package pg

import (
	"context"
	"database/sql"

	"authgate.org/internal/auth"
)

func scanLockout(row rowScanner, key auth.LockoutKey) (auth.LockoutRecord, error) {
	rec := auth.LockoutRecord{Key: key}
	var until sql.NullTime
	if err := row.Scan(&rec.AttemptCount, &rec.Stage, &until, &rec.PermanentlyBlocked, &rec.LastAttemptAt, &rec.PrincipalID); err != nil {
		return auth.LockoutRecord{}, err
	}
	rec.LockedUntil = timePtr(until)
	rec.LastAttemptAt = rec.LastAttemptAt.UTC()
	return rec, nil
}

const lockoutColumns = `attempt_count, stage, locked_until, permanently_blocked, last_attempt_at, coalesce(principal_id, '')`

func (s *Store) GetLockout(ctx context.Context, key auth.LockoutKey) (auth.LockoutRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+lockoutColumns+` from lockout_records where kind = $1 and value = $2`,
		string(key.Kind), key.Value)
	rec, err := scanLockout(row, key)
	if err != nil {
		return auth.LockoutRecord{}, mapError(err)
	}
	return rec, nil
}

// UpdateLockout creates the row if needed, then locks it for the read-modify-write.
func (s *Store) UpdateLockout(ctx context.Context, key auth.LockoutKey, fn func(*auth.LockoutRecord) error) (auth.LockoutRecord, error) {
	var out auth.LockoutRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`insert into lockout_records (kind, value) values ($1, $2) on conflict (kind, value) do nothing`,
			string(key.Kind), key.Value,
		); err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx,
			`select `+lockoutColumns+` from lockout_records where kind = $1 and value = $2 for update`,
			string(key.Kind), key.Value)
		rec, err := scanLockout(row, key)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update lockout_records
			set attempt_count = $3, stage = $4, locked_until = $5, permanently_blocked = $6,
			    last_attempt_at = $7, principal_id = $8
			where kind = $1 and value = $2
		`, string(key.Kind), key.Value, rec.AttemptCount, rec.Stage, nullTime(rec.LockedUntil),
			rec.PermanentlyBlocked, rec.LastAttemptAt.UTC(), nullIfEmpty(rec.PrincipalID),
		); err != nil {
			return err
		}
		rec.Key = key
		out = rec
		return nil
	})
	if err != nil {
		return auth.LockoutRecord{}, mapError(err)
	}
	return out, nil
}
