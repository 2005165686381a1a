package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"authgate.org/internal/audit"
	"authgate.org/internal/ids"
	"authgate.org/internal/obs"
)

// DefaultInactivityTimeout evicts sessions idle for longer than this.
const DefaultInactivityTimeout = 30 * time.Minute

// Advisory session flags. They never gate a login.
const (
	FlagNewIP     = "new_ip"
	FlagNewDevice = "new_device"
	FlagOffHours  = "off_hours"
)

// Eviction reasons reported to metrics and the audit log.
const (
	EvictInactivity = "inactivity"
	EvictExpired    = "expired"
	EvictSuperseded = "superseded"
	EvictLogout     = "logout"
)

// OffHours is the UTC hour window [Start, End) that earns the off_hours flag.
type OffHours struct {
	Start int
	End   int
}

func (w OffHours) contains(t time.Time) bool {
	if w.Start == w.End {
		return false
	}
	h := t.UTC().Hour()
	if w.Start < w.End {
		return h >= w.Start && h < w.End
	}
	return h >= w.Start || h < w.End
}

// SessionRegistry enforces the single-session policy and inactivity eviction.
type SessionRegistry struct {
	store    SessionStore
	idle     time.Duration
	offHours OffHours
	now      func() time.Time
	newID    func() string
	metrics  *obs.Metrics
	audit    *audit.Logger
}

// NewSessionRegistry returns a registry that evicts sessions idle for longer than idle.
// Evictions are counted on metrics and written to auditLog; both may be nil.
func NewSessionRegistry(store SessionStore, idle time.Duration, now func() time.Time, metrics *obs.Metrics, auditLog *audit.Logger) *SessionRegistry {
	if idle <= 0 {
		idle = DefaultInactivityTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{
		store:    store,
		idle:     idle,
		offHours: OffHours{Start: 22, End: 6},
		now:      now,
		newID:    ids.New,
		metrics:  metrics,
		audit:    auditLog,
	}
}

// InactivityTimeout returns the configured idle limit.
func (r *SessionRegistry) InactivityTimeout() time.Duration { return r.idle }

// Create opens the principal's only active session, deactivating any previous ones.
func (r *SessionRegistry) Create(ctx context.Context, principalID, refreshTokenID string, expiresAt time.Time, client ClientMeta) (Session, error) {
	now := r.now().UTC()
	sess := Session{
		ID:             r.newID(),
		PrincipalID:    principalID,
		RefreshTokenID: refreshTokenID,
		IssuedAt:       now,
		ExpiresAt:      expiresAt.UTC(),
		LastActivityAt: now,
		Active:         true,
		Client:         client,
	}

	var prevActive string
	prev, err := r.store.LatestSession(ctx, principalID)
	switch {
	case err == nil:
		sess.Flags = r.annotate(&prev, client, now)
		if prev.Active {
			prevActive = prev.ID
		}
	case errors.Is(err, ErrNotFound):
		sess.Flags = r.annotate(nil, client, now)
	default:
		return Session{}, fmt.Errorf("load previous session: %w", err)
	}

	superseded, err := r.store.CreateSession(ctx, sess)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	r.metrics.SessionEvicted(EvictSuperseded, superseded)
	if superseded > 0 {
		r.audit.Event(audit.WithPrincipal(ctx, principalID), audit.SessionEvicted,
			"session_id", prevActive,
			"reason", EvictSuperseded,
			"superseded_by", sess.ID,
			"count", superseded,
		)
	}
	return sess, nil
}

func (r *SessionRegistry) annotate(prev *Session, client ClientMeta, now time.Time) []string {
	flags := []string{}
	if prev != nil {
		if client.IP != "" && prev.Client.IP != "" && client.IP != prev.Client.IP {
			flags = append(flags, FlagNewIP)
		}
		if deviceOf(client) != "" && deviceOf(prev.Client) != "" && deviceOf(client) != deviceOf(prev.Client) {
			flags = append(flags, FlagNewDevice)
		}
	}
	if r.offHours.contains(now) {
		flags = append(flags, FlagOffHours)
	}
	return flags
}

func deviceOf(c ClientMeta) string {
	if c.DeviceID != "" {
		return c.DeviceID
	}
	return c.UserAgent
}

// Touch records activity on the session or evicts it. Evicted, missing and inactive
// sessions all report ErrSessionInvalidOrExpired.
func (r *SessionRegistry) Touch(ctx context.Context, sessionID string) (Session, error) {
	now := r.now().UTC()
	var evicted string
	sess, err := r.store.UpdateSession(ctx, sessionID, func(s *Session) error {
		if !s.Active {
			return ErrSessionInvalidOrExpired
		}
		switch {
		case !now.Before(s.ExpiresAt):
			s.Active = false
			evicted = EvictExpired
		case now.After(s.LastActivityAt.Add(r.idle)):
			s.Active = false
			evicted = EvictInactivity
		case now.After(s.LastActivityAt):
			s.LastActivityAt = now
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrSessionInvalidOrExpired) {
			return Session{}, ErrSessionInvalidOrExpired
		}
		return Session{}, fmt.Errorf("touch session: %w", err)
	}
	if evicted != "" {
		r.metrics.SessionEvicted(evicted, 1)
		r.audit.Event(audit.WithPrincipal(ctx, sess.PrincipalID), audit.SessionEvicted,
			"session_id", sess.ID,
			"reason", evicted,
		)
		return sess, ErrSessionInvalidOrExpired
	}
	return sess, nil
}

// Current touches the principal's active session.
func (r *SessionRegistry) Current(ctx context.Context, principalID string) (Session, error) {
	sess, err := r.store.ActiveSession(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrSessionInvalidOrExpired
		}
		return Session{}, fmt.Errorf("load active session: %w", err)
	}
	return r.Touch(ctx, sess.ID)
}

// ByRefreshToken touches the session bound to refreshTokenID.
func (r *SessionRegistry) ByRefreshToken(ctx context.Context, refreshTokenID string) (Session, error) {
	sess, err := r.store.SessionByRefreshID(ctx, refreshTokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrSessionInvalidOrExpired
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if !sess.Active {
		return Session{}, ErrSessionInvalidOrExpired
	}
	return r.Touch(ctx, sess.ID)
}

// Logout deactivates the session bound to refreshTokenID. Unknown or inactive sessions
// are not an error.
func (r *SessionRegistry) Logout(ctx context.Context, refreshTokenID string) (Session, error) {
	sess, err := r.store.SessionByRefreshID(ctx, refreshTokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, nil
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var closed bool
	sess, err = r.store.UpdateSession(ctx, sess.ID, func(s *Session) error {
		closed = s.Active
		s.Active = false
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, nil
		}
		return Session{}, fmt.Errorf("close session: %w", err)
	}
	if closed {
		r.metrics.SessionEvicted(EvictLogout, 1)
	}
	return sess, nil
}

// LogoutAll deactivates every session of principalID.
func (r *SessionRegistry) LogoutAll(ctx context.Context, principalID string) (int, error) {
	n, err := r.store.DeactivateSessions(ctx, principalID)
	if err != nil {
		return 0, fmt.Errorf("close sessions: %w", err)
	}
	r.metrics.SessionEvicted(EvictLogout, n)
	return n, nil
}

// HasFlag reports whether the session carries flag.
func (s Session) HasFlag(flag string) bool {
	return slices.Contains(s.Flags, flag)
}
