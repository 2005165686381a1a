package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"authgate.org/internal/auth"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var principalCols = []string{"id", "email", "phone", "handle", "short_code", "display_name", "password_hash", "active", "deleted", "created_at", "updated_at"}

func TestFindPrincipalByKind(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from principals where phone = (.+) and not deleted").
		WithArgs("15550100000").
		WillReturnRows(sqlmock.NewRows(principalCols).
			AddRow("p-1", "ana@example.com", "15550100000", "ana", "", "Ana", "$2a$hash", true, false, testNow, testNow))

	p, err := store.FindPrincipal(context.Background(), auth.KindPhone, "15550100000")
	if err != nil {
		t.Fatalf("FindPrincipal: %v", err)
	}
	if p.ID != "p-1" || p.Email != "ana@example.com" || !p.Active {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestFindPrincipalMissIsNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from principals where email = ").WithArgs("ghost@x.io").WillReturnError(sql.ErrNoRows)

	_, err := store.FindPrincipal(context.Background(), auth.KindEmail, "ghost@x.io")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.FindPrincipal(context.Background(), auth.IdentifierKind("nickname"), "x"); err == nil {
		t.Fatal("unknown identifier kinds must be rejected before querying")
	}
}

func TestCreatePrincipalConflict(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("insert into principals").
		WithArgs(sqlmock.AnyArg(), "dup@x.io", nil, nil, nil, "", "$2a$hash", true).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CreatePrincipal(context.Background(), auth.Principal{Email: "DUP@x.io", PasswordHash: "$2a$hash", Active: true})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRoleGrantsScansNullableUntil(t *testing.T) {
	store, mock := newMock(t)
	until := testNow.Add(24 * time.Hour)
	mock.ExpectQuery("from role_grants g\\s+join roles r").
		WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "principal_id", "valid_from", "valid_until", "active", "is_primary", "created_at", "rid", "name", "level"}).
			AddRow("g-1", "p-1", testNow, nil, true, true, testNow, "r-admin", "admin", 1).
			AddRow("g-2", "p-1", testNow, until, true, false, testNow, "r-op", "operator", 5))

	grants, err := store.RoleGrants(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("RoleGrants: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	if grants[0].ValidUntil != nil || grants[0].Role.Level != 1 || !grants[0].Primary {
		t.Fatalf("unexpected first grant: %+v", grants[0])
	}
	if grants[1].ValidUntil == nil || !grants[1].ValidUntil.Equal(until) {
		t.Fatalf("unexpected valid_until: %v", grants[1].ValidUntil)
	}
}

func TestCapabilityGrantsUsesArrayLiteral(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from capability_grants").
		WithArgs(`{"r-1","r-2"}`).
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "area_id", "v", "c", "u", "d", "active"}).
			AddRow("r-1", "bills", true, false, true, false, true))

	grants, err := store.CapabilityGrants(context.Background(), []string{"r-1", "r-2"})
	if err != nil {
		t.Fatalf("CapabilityGrants: %v", err)
	}
	if len(grants) != 1 || !grants[0].Access.View || !grants[0].Access.Update || grants[0].Access.Delete {
		t.Fatalf("unexpected grants: %+v", grants)
	}

	none, err := store.SubCapabilityGrants(context.Background(), nil)
	if err != nil || none != nil {
		t.Fatalf("empty role list must not query: %v %v", none, err)
	}
}

func TestSetPrimaryGrantDemotesThenPromotes(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from role_grants where id = (.+) for update").
		WithArgs("g-2", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectExec("update role_grants set is_primary = false").
		WithArgs("p-1", "g-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update role_grants set is_primary = true").
		WithArgs("g-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SetPrimaryGrant(context.Background(), "p-1", "g-2"); err != nil {
		t.Fatalf("SetPrimaryGrant: %v", err)
	}
}

func TestSetPrimaryGrantUnknownGrant(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from role_grants").WithArgs("g-x", "p-1").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	if err := store.SetPrimaryGrant(context.Background(), "p-1", "g-x"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

var lockoutCols = []string{"attempt_count", "stage", "locked_until", "permanently_blocked", "last_attempt_at", "principal_id"}

func TestUpdateLockoutLocksRow(t *testing.T) {
	store, mock := newMock(t)
	key := auth.LockoutKey{Kind: auth.KindEmail, Value: "ana@example.com"}
	until := testNow.Add(2 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("insert into lockout_records").WithArgs("email", "ana@example.com").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from lockout_records where kind = (.+) for update").
		WithArgs("email", "ana@example.com").
		WillReturnRows(sqlmock.NewRows(lockoutCols).AddRow(4, 0, nil, false, testNow, ""))
	mock.ExpectExec("update lockout_records").
		WithArgs("email", "ana@example.com", 0, 1, sqlmock.AnyArg(), false, testNow, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.UpdateLockout(context.Background(), key, func(r *auth.LockoutRecord) error {
		if !r.RegisterFailure(testNow) {
			t.Error("fifth failure should enter stage 1")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateLockout: %v", err)
	}
	if rec.Stage != 1 || rec.LockedUntil == nil || !rec.LockedUntil.Equal(until) {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestUpdateLockoutCallbackErrorRollsBack(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into lockout_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from lockout_records").WillReturnRows(sqlmock.NewRows(lockoutCols).AddRow(0, 0, nil, false, testNow, ""))
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, err := store.UpdateLockout(context.Background(), auth.LockoutKey{Kind: auth.KindHandle, Value: "x"}, func(*auth.LockoutRecord) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestGetLockoutMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from lockout_records where kind").WillReturnError(sql.ErrNoRows)
	_, err := store.GetLockout(context.Background(), auth.LockoutKey{Kind: auth.KindHandle, Value: "x"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

var sessionCols = []string{"id", "principal_id", "refresh_token_id", "issued_at", "expires_at", "last_activity_at", "active", "client_ip", "user_agent", "device_id", "flags"}

func TestCreateSessionSupersedesUnderAdvisoryLock(t *testing.T) {
	store, mock := newMock(t)
	sess := auth.Session{
		ID:             "s-2",
		PrincipalID:    "p-1",
		RefreshTokenID: "rt-2",
		IssuedAt:       testNow,
		ExpiresAt:      testNow.Add(time.Hour),
		LastActivityAt: testNow,
		Active:         true,
		Flags:          []string{"new_ip"},
	}
	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").WithArgs("p-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update sessions set active = false").WithArgs("p-1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("insert into sessions").
		WithArgs("s-2", "p-1", "rt-2", testNow, testNow.Add(time.Hour), testNow, true, "", "", "", []byte(`["new_ip"]`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n, err := store.CreateSession(context.Background(), sess)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 superseded sessions, got %d", n)
	}
}

func TestUpdateSessionWritesMutableColumns(t *testing.T) {
	store, mock := newMock(t)
	later := testNow.Add(5 * time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery("from sessions where id = (.+) for update").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows(sessionCols).
			AddRow("s-1", "p-1", "rt-1", testNow, testNow.Add(time.Hour), testNow, true, "10.0.0.1", "curl", "", []byte(`[]`)))
	mock.ExpectExec("update sessions set active = (.+), last_activity_at").
		WithArgs("s-1", true, later, []byte(`[]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sess, err := store.UpdateSession(context.Background(), "s-1", func(s *auth.Session) error {
		s.LastActivityAt = later
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if !sess.LastActivityAt.Equal(later) || sess.Client.IP != "10.0.0.1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestUpdateSessionMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("from sessions where id").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.UpdateSession(context.Background(), "nope", func(*auth.Session) error { return nil })
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeactivateSessionsCountsRows(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update sessions set active = false where principal_id").
		WithArgs("p-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.DeactivateSessions(context.Background(), "p-1")
	if err != nil || n != 3 {
		t.Fatalf("DeactivateSessions = %d, %v", n, err)
	}
}

func TestTextArrayEscapes(t *testing.T) {
	got := textArray([]string{`a"b`, `c\d`, "plain"})
	want := `{"a\"b","c\\d","plain"}`
	if got != want {
		t.Fatalf("textArray = %s, want %s", got, want)
	}
	if textArray(nil) != "{}" {
		t.Fatal("empty array literal")
	}
}
