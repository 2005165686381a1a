package auth

import "time"

// IdentifierKind classifies a login identifier.
type IdentifierKind string

const (
	KindEmail     IdentifierKind = "email"
	KindPhone     IdentifierKind = "phone"
	KindShortCode IdentifierKind = "short_code"
	KindHandle    IdentifierKind = "handle"
)

// Principal is an authenticatable identity. Each non-empty login identifier is unique
// among non-deleted principals. PasswordHash is an encoded hash that embeds its salt.
type Principal struct {
	ID           string
	Email        string
	Phone        string
	Handle       string
	ShortCode    string
	DisplayName  string
	PasswordHash string
	Active       bool
	Deleted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanLogin reports whether the principal may hold sessions.
func (p Principal) CanLogin() bool {
	return p.Active && !p.Deleted
}

// Role is a privilege tier. A lower Level means strictly higher privilege.
type Role struct {
	ID    string
	Name  string
	Level int
}

// RoleGrant assigns a role to a principal for a validity window.
type RoleGrant struct {
	ID          string
	PrincipalID string
	Role        Role
	ValidFrom   time.Time
	ValidUntil  *time.Time
	Active      bool
	Primary     bool
	CreatedAt   time.Time
}

// EffectiveAt reports whether the grant is active and now is within [ValidFrom, ValidUntil).
func (g RoleGrant) EffectiveAt(now time.Time) bool {
	if !g.Active || now.Before(g.ValidFrom) {
		return false
	}
	return g.ValidUntil == nil || now.Before(*g.ValidUntil)
}

// Action is a CRUD verb checked against grants.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Access holds the CRUD flags of a grant row.
type Access struct {
	View   bool
	Create bool
	Update bool
	Delete bool
}

// Allows reports whether the flag for action is set.
func (a Access) Allows(action Action) bool {
	switch action {
	case ActionView:
		return a.View
	case ActionCreate:
		return a.Create
	case ActionUpdate:
		return a.Update
	case ActionDelete:
		return a.Delete
	default:
		return false
	}
}

// CapabilityArea is a named permission area.
type CapabilityArea struct {
	ID     string
	Name   string
	Active bool
}

// SubCapability is a feature inside a capability area.
type SubCapability struct {
	ID     string
	AreaID string
	Name   string
	Active bool
}

// CapabilityGrant gives a role access to a capability area.
type CapabilityGrant struct {
	RoleID string
	AreaID string
	Access Access
	Active bool
}

// SubCapabilityGrant gives a role access to a sub-capability.
type SubCapabilityGrant struct {
	RoleID          string
	AreaID          string
	SubCapabilityID string
	Access          Access
	Active          bool
}

// LockoutKey identifies a lockout record by the attempted identifier.
type LockoutKey struct {
	Kind  IdentifierKind
	Value string
}

// LockoutRecord is the progressive lockout state for one attempted identifier.
type LockoutRecord struct {
	Key                LockoutKey
	AttemptCount       int
	Stage              int
	LockedUntil        *time.Time
	PermanentlyBlocked bool
	LastAttemptAt      time.Time
	PrincipalID        string
}

// ClientMeta describes the client that opened a session.
type ClientMeta struct {
	IP        string
	UserAgent string
	DeviceID  string
}

// Session is the server-side record bound to a refresh token.
type Session struct {
	ID             string
	PrincipalID    string
	RefreshTokenID string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	Active         bool
	Client         ClientMeta
	Flags          []string
}
