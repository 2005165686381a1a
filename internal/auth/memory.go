package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is a mutex guarded Store for development and tests.
type MemoryStore struct {
	mu         sync.Mutex
	principals map[string]Principal
	grants     map[string][]RoleGrant
	areas      map[string]CapabilityArea
	subs       map[string]SubCapability
	capGrants  []CapabilityGrant
	subGrants  []SubCapabilityGrant
	lockouts   map[LockoutKey]LockoutRecord
	sessions   map[string]Session
	byRefresh  map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals: make(map[string]Principal),
		grants:     make(map[string][]RoleGrant),
		areas:      make(map[string]CapabilityArea),
		subs:       make(map[string]SubCapability),
		lockouts:   make(map[LockoutKey]LockoutRecord),
		sessions:   make(map[string]Session),
		byRefresh:  make(map[string]string),
	}
}

// AddPrincipal stores p with normalized identifiers. Identifiers must be unique among
// non-deleted principals.
func (m *MemoryStore) AddPrincipal(p Principal) error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidInput
	}
	p.Email = NormalizeIdentifier(KindEmail, p.Email)
	p.Phone = NormalizeIdentifier(KindPhone, p.Phone)
	p.ShortCode = NormalizeIdentifier(KindShortCode, p.ShortCode)
	p.Handle = NormalizeIdentifier(KindHandle, p.Handle)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !p.Deleted {
		for id, other := range m.principals {
			if id == p.ID || other.Deleted {
				continue
			}
			for _, kind := range resolutionOrder {
				if v := identifierOf(p, kind); v != "" && v == identifierOf(other, kind) {
					return ErrConflict
				}
			}
		}
	}
	m.principals[p.ID] = p
	return nil
}

// AddRoleGrant stores a role grant. A primary grant demotes the principal's other grants.
func (m *MemoryStore) AddRoleGrant(g RoleGrant) error {
	if g.ID == "" || g.PrincipalID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.grants[g.PrincipalID]
	for i := range list {
		if list[i].ID == g.ID {
			return ErrConflict
		}
		if g.Primary {
			list[i].Primary = false
		}
	}
	m.grants[g.PrincipalID] = append(list, g)
	return nil
}

// AddCapabilityArea stores or replaces a capability area.
func (m *MemoryStore) AddCapabilityArea(a CapabilityArea) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.areas[a.ID] = a
}

// AddSubCapability stores or replaces a sub-capability.
func (m *MemoryStore) AddSubCapability(s SubCapability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.ID] = s
}

// AddCapabilityGrant stores a capability grant.
func (m *MemoryStore) AddCapabilityGrant(g CapabilityGrant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capGrants = append(m.capGrants, g)
}

// AddSubCapabilityGrant stores a sub-capability grant.
func (m *MemoryStore) AddSubCapabilityGrant(g SubCapabilityGrant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subGrants = append(m.subGrants, g)
}

func identifierOf(p Principal, kind IdentifierKind) string {
	switch kind {
	case KindEmail:
		return p.Email
	case KindPhone:
		return p.Phone
	case KindShortCode:
		return p.ShortCode
	default:
		return p.Handle
	}
}

func (m *MemoryStore) FindPrincipal(_ context.Context, kind IdentifierKind, value string) (Principal, error) {
	if value == "" {
		return Principal{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.principals {
		if !p.Deleted && identifierOf(p, kind) == value {
			return p, nil
		}
	}
	return Principal{}, ErrNotFound
}

func (m *MemoryStore) GetPrincipal(_ context.Context, id string) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[id]
	if !ok {
		return Principal{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) RoleGrants(_ context.Context, principalID string) ([]RoleGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.grants[principalID]), nil
}

func (m *MemoryStore) CapabilityGrants(_ context.Context, roleIDs []string) ([]CapabilityGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CapabilityGrant
	for _, g := range m.capGrants {
		if slices.Contains(roleIDs, g.RoleID) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *MemoryStore) SubCapabilityGrants(_ context.Context, roleIDs []string) ([]SubCapabilityGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SubCapabilityGrant
	for _, g := range m.subGrants {
		if slices.Contains(roleIDs, g.RoleID) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *MemoryStore) CapabilityAreas(context.Context) ([]CapabilityArea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CapabilityArea, 0, len(m.areas))
	for _, a := range m.areas {
		out = append(out, a)
	}
	return out, nil
}

func (m *MemoryStore) SubCapabilities(context.Context) ([]SubCapability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubCapability, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryStore) SetPrimaryGrant(_ context.Context, principalID, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.grants[principalID]
	idx := slices.IndexFunc(list, func(g RoleGrant) bool { return g.ID == grantID })
	if idx < 0 {
		return ErrNotFound
	}
	for i := range list {
		list[i].Primary = i == idx
	}
	return nil
}

func (m *MemoryStore) GetLockout(_ context.Context, key LockoutKey) (LockoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lockouts[key]
	if !ok {
		return LockoutRecord{}, ErrNotFound
	}
	return cloneLockout(rec), nil
}

func (m *MemoryStore) UpdateLockout(_ context.Context, key LockoutKey, fn func(*LockoutRecord) error) (LockoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.lockouts[key]
	if !ok {
		rec = LockoutRecord{Key: key}
	}
	rec = cloneLockout(rec)
	if err := fn(&rec); err != nil {
		return LockoutRecord{}, err
	}
	rec.Key = key
	m.lockouts[key] = rec
	return cloneLockout(rec), nil
}

func cloneLockout(rec LockoutRecord) LockoutRecord {
	if rec.LockedUntil != nil {
		until := *rec.LockedUntil
		rec.LockedUntil = &until
	}
	return rec
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.sessions[s.ID]; dup {
		return 0, ErrConflict
	}
	if _, dup := m.byRefresh[s.RefreshTokenID]; dup {
		return 0, ErrConflict
	}
	n := m.deactivateLocked(s.PrincipalID)
	s.Flags = slices.Clone(s.Flags)
	m.sessions[s.ID] = s
	m.byRefresh[s.RefreshTokenID] = s.ID
	return n, nil
}

func (m *MemoryStore) SessionByRefreshID(_ context.Context, refreshTokenID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRefresh[refreshTokenID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *MemoryStore) ActiveSession(_ context.Context, principalID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.PrincipalID == principalID && s.Active {
			return cloneSession(s), nil
		}
	}
	return Session{}, ErrNotFound
}

func (m *MemoryStore) LatestSession(_ context.Context, principalID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		latest Session
		found  bool
	)
	for _, s := range m.sessions {
		if s.PrincipalID != principalID {
			continue
		}
		if !found || s.IssuedAt.After(latest.IssuedAt) {
			latest, found = s, true
		}
	}
	if !found {
		return Session{}, ErrNotFound
	}
	return cloneSession(latest), nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, id string, fn func(*Session) error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	s = cloneSession(s)
	if err := fn(&s); err != nil {
		return Session{}, err
	}
	s.ID = id
	m.sessions[id] = s
	return cloneSession(s), nil
}

func (m *MemoryStore) DeactivateSessions(_ context.Context, principalID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deactivateLocked(principalID), nil
}

func (m *MemoryStore) deactivateLocked(principalID string) int {
	n := 0
	for id, s := range m.sessions {
		if s.PrincipalID == principalID && s.Active {
			s.Active = false
			m.sessions[id] = s
			n++
		}
	}
	return n
}

func cloneSession(s Session) Session {
	s.Flags = slices.Clone(s.Flags)
	return s
}
