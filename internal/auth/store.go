package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	CredentialStore
	GrantStore
	LockoutStore
	SessionStore
}

// CredentialStore resolves principals. Deleted principals are never returned by
// FindPrincipal; a miss is ErrNotFound.
type CredentialStore interface {
	FindPrincipal(ctx context.Context, kind IdentifierKind, value string) (Principal, error)
	GetPrincipal(ctx context.Context, id string) (Principal, error)
}

// GrantStore exposes role grants and the capability catalog.
type GrantStore interface {
	RoleGrants(ctx context.Context, principalID string) ([]RoleGrant, error)
	CapabilityGrants(ctx context.Context, roleIDs []string) ([]CapabilityGrant, error)
	SubCapabilityGrants(ctx context.Context, roleIDs []string) ([]SubCapabilityGrant, error)
	CapabilityAreas(ctx context.Context) ([]CapabilityArea, error)
	SubCapabilities(ctx context.Context) ([]SubCapability, error)
	// SetPrimaryGrant marks grantID primary and demotes every other grant of the
	// principal in one atomic step.
	SetPrimaryGrant(ctx context.Context, principalID, grantID string) error
}

// LockoutStore persists lockout records.
type LockoutStore interface {
	// GetLockout returns ErrNotFound when no attempt was recorded yet.
	GetLockout(ctx context.Context, key LockoutKey) (LockoutRecord, error)
	// UpdateLockout runs fn on the record for key (created lazily) as one atomic
	// read-modify-write. When fn returns an error nothing is written.
	UpdateLockout(ctx context.Context, key LockoutKey, fn func(*LockoutRecord) error) (LockoutRecord, error)
}

// SessionStore persists sessions.
type SessionStore interface {
	// CreateSession deactivates every active session of s.PrincipalID and inserts s
	// atomically. It returns how many sessions were deactivated.
	CreateSession(ctx context.Context, s Session) (int, error)
	SessionByRefreshID(ctx context.Context, refreshTokenID string) (Session, error)
	ActiveSession(ctx context.Context, principalID string) (Session, error)
	LatestSession(ctx context.Context, principalID string) (Session, error)
	// UpdateSession runs fn on the session as one atomic compare-and-update. When fn
	// returns an error nothing is written.
	UpdateSession(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	DeactivateSessions(ctx context.Context, principalID string) (int, error)
}
