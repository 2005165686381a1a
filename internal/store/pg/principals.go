package pg

import (
	"context"
	"fmt"
	"strings"

	"authgate.org/internal/auth"
	"authgate.org/internal/ids"
)

const principalColumns = `id, coalesce(email, ''), coalesce(phone, ''), coalesce(handle, ''), coalesce(short_code, ''),
	display_name, password_hash, active, deleted, created_at, updated_at`

var identifierColumns = map[auth.IdentifierKind]string{
	auth.KindEmail:     "email",
	auth.KindPhone:     "phone",
	auth.KindHandle:    "handle",
	auth.KindShortCode: "short_code",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (auth.Principal, error) {
	var p auth.Principal
	err := row.Scan(&p.ID, &p.Email, &p.Phone, &p.Handle, &p.ShortCode,
		&p.DisplayName, &p.PasswordHash, &p.Active, &p.Deleted, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) FindPrincipal(ctx context.Context, kind auth.IdentifierKind, value string) (auth.Principal, error) {
	col, ok := identifierColumns[kind]
	if !ok {
		return auth.Principal{}, fmt.Errorf("unknown identifier kind %q", kind)
	}
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where `+col+` = $1 and not deleted`, value)
	p, err := scanPrincipal(row)
	if err != nil {
		return auth.Principal{}, mapError(err)
	}
	return p, nil
}

func (s *Store) GetPrincipal(ctx context.Context, id string) (auth.Principal, error) {
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where id = $1`, id)
	p, err := scanPrincipal(row)
	if err != nil {
		return auth.Principal{}, mapError(err)
	}
	return p, nil
}

// CreatePrincipal inserts p with normalized identifiers. A missing ID is generated.
// Identifier collisions with live principals return auth.ErrConflict.
func (s *Store) CreatePrincipal(ctx context.Context, p auth.Principal) (auth.Principal, error) {
	if strings.TrimSpace(p.PasswordHash) == "" {
		return auth.Principal{}, auth.ErrInvalidInput
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	p.Email = auth.NormalizeIdentifier(auth.KindEmail, p.Email)
	p.Phone = auth.NormalizeIdentifier(auth.KindPhone, p.Phone)
	p.Handle = auth.NormalizeIdentifier(auth.KindHandle, p.Handle)
	p.ShortCode = auth.NormalizeIdentifier(auth.KindShortCode, p.ShortCode)

	row := s.db.QueryRowContext(ctx, `
		insert into principals (id, email, phone, handle, short_code, display_name, password_hash, active)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at, updated_at
	`, p.ID, nullIfEmpty(p.Email), nullIfEmpty(p.Phone), nullIfEmpty(p.Handle), nullIfEmpty(p.ShortCode),
		p.DisplayName, p.PasswordHash, p.Active)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return auth.Principal{}, mapError(err)
	}
	return p, nil
}
