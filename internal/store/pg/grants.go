package pg

import (
	"context"
	"database/sql"
	"errors"

	"authgate.org/internal/auth"
)

func (s *Store) RoleGrants(ctx context.Context, principalID string) ([]auth.RoleGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select g.id, g.principal_id, g.valid_from, g.valid_until, g.active, g.is_primary, g.created_at,
		       r.id, r.name, r.level
		from role_grants g
		join roles r on r.id = g.role_id
		where g.principal_id = $1
		order by g.created_at, g.id
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.RoleGrant
	for rows.Next() {
		var (
			g     auth.RoleGrant
			until sql.NullTime
		)
		if err := rows.Scan(&g.ID, &g.PrincipalID, &g.ValidFrom, &until, &g.Active, &g.Primary, &g.CreatedAt,
			&g.Role.ID, &g.Role.Name, &g.Role.Level); err != nil {
			return nil, err
		}
		g.ValidUntil = timePtr(until)
		result = append(result, g)
	}
	return result, rows.Err()
}

func (s *Store) CapabilityGrants(ctx context.Context, roleIDs []string) ([]auth.CapabilityGrant, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select role_id, area_id, can_view, can_create, can_update, can_delete, active
		from capability_grants
		where role_id = any($1::text[])
	`, textArray(roleIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.CapabilityGrant
	for rows.Next() {
		var g auth.CapabilityGrant
		if err := rows.Scan(&g.RoleID, &g.AreaID, &g.Access.View, &g.Access.Create, &g.Access.Update, &g.Access.Delete, &g.Active); err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func (s *Store) SubCapabilityGrants(ctx context.Context, roleIDs []string) ([]auth.SubCapabilityGrant, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select role_id, area_id, sub_capability_id, can_view, can_create, can_update, can_delete, active
		from sub_capability_grants
		where role_id = any($1::text[])
	`, textArray(roleIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.SubCapabilityGrant
	for rows.Next() {
		var g auth.SubCapabilityGrant
		if err := rows.Scan(&g.RoleID, &g.AreaID, &g.SubCapabilityID,
			&g.Access.View, &g.Access.Create, &g.Access.Update, &g.Access.Delete, &g.Active); err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

func (s *Store) CapabilityAreas(ctx context.Context) ([]auth.CapabilityArea, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, active from capability_areas order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.CapabilityArea
	for rows.Next() {
		var a auth.CapabilityArea
		if err := rows.Scan(&a.ID, &a.Name, &a.Active); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) SubCapabilities(ctx context.Context) ([]auth.SubCapability, error) {
	rows, err := s.db.QueryContext(ctx, `select id, area_id, name, active from sub_capabilities order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.SubCapability
	for rows.Next() {
		var sc auth.SubCapability
		if err := rows.Scan(&sc.ID, &sc.AreaID, &sc.Name, &sc.Active); err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

// SetPrimaryGrant demotes the principal's other grants before promoting grantID so the
// partial unique index on primary grants never sees two rows.
func (s *Store) SetPrimaryGrant(ctx context.Context, principalID, grantID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`select 1 from role_grants where id = $1 and principal_id = $2 for update`,
			grantID, principalID,
		).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`update role_grants set is_primary = false where principal_id = $1 and is_primary and id <> $2`,
			principalID, grantID,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `update role_grants set is_primary = true where id = $1`, grantID); err != nil {
			return err
		}
		return nil
	})
}

// GrantRole inserts a role grant for a principal. A primary grant demotes existing ones
// in the same transaction.
func (s *Store) GrantRole(ctx context.Context, g auth.RoleGrant) error {
	if g.ID == "" || g.PrincipalID == "" || g.Role.ID == "" {
		return auth.ErrInvalidInput
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if g.Primary {
			if _, err := tx.ExecContext(ctx,
				`update role_grants set is_primary = false where principal_id = $1 and is_primary`,
				g.PrincipalID,
			); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			insert into role_grants (id, principal_id, role_id, valid_from, valid_until, active, is_primary)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, g.ID, g.PrincipalID, g.Role.ID, g.ValidFrom.UTC(), nullTime(g.ValidUntil), g.Active, g.Primary)
		return err
	})
	return mapError(err)
}
