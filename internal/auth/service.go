package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authgate.org/internal/audit"
	"authgate.org/internal/obs"
)

// Service runs the login, authorization, refresh and logout flows.
type Service struct {
	store    Store
	tokens   *TokenService
	lockout  *LockoutEngine
	perms    *Aggregator
	sessions *SessionRegistry

	now         func() time.Time
	idle        time.Duration
	bypassLevel int
	log         *slog.Logger
	audit       *audit.Logger
	metrics     *obs.Metrics
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithInactivityTimeout overrides the session idle limit.
func WithInactivityTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d <= 0 {
			return errors.New("auth: inactivity timeout must be positive")
		}
		s.idle = d
		return nil
	}
}

// WithBypassLevel sets the role level that receives every capability.
func WithBypassLevel(level int) ServiceOption {
	return func(s *Service) error {
		s.bypassLevel = level
		return nil
	}
}

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithAudit sets the audit event logger.
func WithAudit(a *audit.Logger) ServiceOption {
	return func(s *Service) error {
		s.audit = a
		return nil
	}
}

// WithMetrics enables Prometheus counters.
func WithMetrics(m *obs.Metrics) ServiceOption {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, tokens *TokenService, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token service is required")
	}
	svc := &Service{
		store:       store,
		tokens:      tokens,
		now:         time.Now,
		idle:        DefaultInactivityTimeout,
		bypassLevel: DefaultBypassLevel,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.lockout = NewLockoutEngine(store, svc.now)
	svc.perms = NewAggregator(store, svc.bypassLevel)
	svc.sessions = NewSessionRegistry(store, svc.idle, svc.now, svc.metrics, svc.audit)
	return svc, nil
}

// Permissions exposes the aggregator for write checks.
func (s *Service) Permissions() *Aggregator { return s.perms }

// Sessions exposes the session registry.
func (s *Service) Sessions() *SessionRegistry { return s.sessions }

// AuthenticateRequest carries login input.
type AuthenticateRequest struct {
	Identifier string
	Password   string
	Client     ClientMeta
}

// AuthenticateResult is returned on a successful login.
type AuthenticateResult struct {
	PrincipalID      string
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	Session          Session
	Permissions      Snapshot
}

// Authenticate verifies credentials and opens the principal's single session.
func (s *Service) Authenticate(ctx context.Context, req AuthenticateRequest) (AuthenticateResult, error) {
	if strings.TrimSpace(req.Identifier) == "" {
		s.metrics.LoginAttempt("invalid_input")
		return AuthenticateResult{}, ErrInvalidCredentials
	}
	ident := DetectIdentifier(req.Identifier)
	key := ident.Key()

	rec, entered, err := s.lockout.Admit(ctx, key)
	if err != nil {
		if errors.Is(err, ErrAccountBlockedPermanent) || errors.Is(err, ErrAccountLockedTemporary) {
			s.metrics.LoginAttempt(outcomeOf(err))
			s.audit.Event(ctx, audit.LoginRejected, "identifier_kind", string(ident.Kind), "reason", outcomeOf(err))
		}
		return AuthenticateResult{}, err
	}
	attempt := failedAttempt{key: key, rec: rec, entered: entered}

	principal, _, err := ResolvePrincipal(ctx, s.store, req.Identifier)
	if err != nil {
		if !errors.Is(err, ErrIdentifierNotFound) {
			return AuthenticateResult{}, err
		}
		burnPasswordWork(req.Password)
		return AuthenticateResult{}, s.failLogin(ctx, attempt, ErrIdentifierNotFound)
	}
	attempt.principalID = principal.ID
	if err := VerifyPassword(principal.PasswordHash, req.Password); err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			s.log.Error("password verification failed", "principal_id", principal.ID, "error", err)
		}
		return AuthenticateResult{}, s.failLogin(ctx, attempt, ErrInvalidCredentials)
	}
	if !principal.CanLogin() {
		return AuthenticateResult{}, s.failLogin(ctx, attempt, ErrAccountInactive)
	}

	if err := s.lockout.Succeed(ctx, key, principal.ID); err != nil {
		return AuthenticateResult{}, err
	}
	now := s.now().UTC()
	snap, err := s.perms.Snapshot(ctx, principal.ID, now)
	if err != nil {
		return AuthenticateResult{}, err
	}
	refresh, refreshClaims, err := s.tokens.IssueRefresh(principal.ID)
	if err != nil {
		return AuthenticateResult{}, err
	}
	sess, err := s.sessions.Create(ctx, principal.ID, refreshClaims.ID, refreshClaims.ExpiresAt.Time, req.Client)
	if err != nil {
		return AuthenticateResult{}, err
	}
	access, accessClaims, err := s.tokens.IssueAccess(principal, snap, s.idle)
	if err != nil {
		return AuthenticateResult{}, err
	}

	s.metrics.LoginAttempt("success")
	s.audit.Event(audit.WithPrincipal(ctx, principal.ID), audit.LoginSucceeded,
		"identifier_kind", string(ident.Kind),
		"session_id", sess.ID,
		"flags", sess.Flags,
	)
	return AuthenticateResult{
		PrincipalID:      principal.ID,
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessClaims.ExpiresAt.Time,
		RefreshExpiresAt: refreshClaims.ExpiresAt.Time,
		Session:          sess,
		Permissions:      snap,
	}, nil
}

// failedAttempt is an attempt already counted by Admit that did not verify.
type failedAttempt struct {
	key         LockoutKey
	rec         LockoutRecord
	entered     bool
	principalID string
}

// failLogin reports a failed attempt and returns the caller-facing error.
func (s *Service) failLogin(ctx context.Context, a failedAttempt, cause error) error {
	if a.principalID != "" {
		ctx = audit.WithPrincipal(ctx, a.principalID)
	}
	s.metrics.LoginAttempt(outcomeOf(cause))
	s.audit.Event(ctx, audit.LoginFailed,
		"identifier_kind", string(a.key.Kind),
		"reason", outcomeOf(cause),
		"attempt_count", a.rec.AttemptCount,
		"stage", a.rec.Stage,
	)
	if a.entered {
		s.metrics.LockoutEntered(a.rec.Stage)
		s.audit.Event(ctx, audit.LockoutEntered,
			"identifier_kind", string(a.key.Kind),
			"stage", a.rec.Stage,
			"blocked", a.rec.PermanentlyBlocked,
		)
		return LockError(a.rec, s.now().UTC())
	}
	if errors.Is(cause, ErrIdentifierNotFound) {
		return ErrInvalidCredentials
	}
	return cause
}

// RefreshResult carries a newly issued access token.
type RefreshResult struct {
	PrincipalID     string
	AccessToken     string
	AccessExpiresAt time.Time
	Permissions     Snapshot
}

// Refresh issues a new access token for the session bound to refreshToken.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	s.metrics.TokenVerified(string(TokenRefresh), verificationResult(err))
	if err != nil {
		return RefreshResult{}, err
	}
	sess, err := s.sessions.ByRefreshToken(ctx, claims.ID)
	if err != nil {
		return RefreshResult{}, err
	}
	if sess.PrincipalID != claims.Subject {
		return RefreshResult{}, ErrSessionInvalidOrExpired
	}
	principal, err := s.store.GetPrincipal(ctx, claims.Subject)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return RefreshResult{}, fmt.Errorf("load principal: %w", err)
	}
	if err != nil || !principal.CanLogin() {
		if _, err := s.sessions.LogoutAll(ctx, claims.Subject); err != nil {
			return RefreshResult{}, err
		}
		return RefreshResult{}, ErrSessionInvalidOrExpired
	}
	snap, err := s.perms.Snapshot(ctx, principal.ID, s.now().UTC())
	if err != nil {
		return RefreshResult{}, err
	}
	access, accessClaims, err := s.tokens.IssueAccess(principal, snap, s.idle)
	if err != nil {
		return RefreshResult{}, err
	}
	s.audit.Event(audit.WithPrincipal(ctx, principal.ID), audit.TokenRefreshed, "session_id", sess.ID)
	return RefreshResult{
		PrincipalID:     principal.ID,
		AccessToken:     access,
		AccessExpiresAt: accessClaims.ExpiresAt.Time,
		Permissions:     snap,
	}, nil
}

// LogoutRequest selects the sessions to close. RefreshToken closes its own session;
// AllDevices closes every session of the token's principal, or of PrincipalID when no
// token is given.
type LogoutRequest struct {
	RefreshToken string
	PrincipalID  string
	AllDevices   bool
}

// Logout closes sessions. Closing an already closed session succeeds.
func (s *Service) Logout(ctx context.Context, req LogoutRequest) error {
	principalID := strings.TrimSpace(req.PrincipalID)
	var refreshID string
	if strings.TrimSpace(req.RefreshToken) != "" {
		claims, err := s.tokens.verifyRefreshSignature(req.RefreshToken)
		if err != nil {
			return err
		}
		principalID, refreshID = claims.Subject, claims.ID
	}
	if principalID == "" {
		return ErrInvalidInput
	}
	ctx = audit.WithPrincipal(ctx, principalID)

	if req.AllDevices {
		n, err := s.sessions.LogoutAll(ctx, principalID)
		if err != nil {
			return err
		}
		s.audit.Event(ctx, audit.LoggedOut, "all_devices", true, "sessions", n)
		return nil
	}
	if refreshID == "" {
		return ErrInvalidInput
	}
	sess, err := s.sessions.Logout(ctx, refreshID)
	if err != nil {
		return err
	}
	s.audit.Event(ctx, audit.LoggedOut, "all_devices", false, "session_id", sess.ID)
	return nil
}

// ResetLockout clears the lockout record of identifier.
func (s *Service) ResetLockout(ctx context.Context, identifier string) error {
	ident := DetectIdentifier(identifier)
	if ident.Value == "" {
		return ErrInvalidInput
	}
	if err := s.lockout.Reset(ctx, ident.Key()); err != nil {
		return err
	}
	s.audit.Event(ctx, audit.LockoutReset, "identifier_kind", string(ident.Kind))
	return nil
}

// SetPrimaryGrant makes grantID the principal's only primary grant.
func (s *Service) SetPrimaryGrant(ctx context.Context, principalID, grantID string) error {
	if strings.TrimSpace(principalID) == "" || strings.TrimSpace(grantID) == "" {
		return ErrInvalidInput
	}
	if err := s.store.SetPrimaryGrant(ctx, principalID, grantID); err != nil {
		return fmt.Errorf("set primary grant: %w", err)
	}
	s.audit.Event(audit.WithPrincipal(ctx, principalID), audit.GrantPromoted, "grant_id", grantID)
	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAccountBlockedPermanent):
		return "blocked"
	case errors.Is(err, ErrAccountLockedTemporary):
		return "locked"
	case errors.Is(err, ErrIdentifierNotFound):
		return "unknown_identifier"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountInactive):
		return "inactive"
	default:
		return "error"
	}
}

func verificationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenKindMismatch):
		return "kind_mismatch"
	default:
		return "malformed"
	}
}
