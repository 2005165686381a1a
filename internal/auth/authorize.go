package auth

import (
	"context"
	"time"
)

// AuthorizeResult describes an authorized request.
type AuthorizeResult struct {
	PrincipalID string
	SessionID   string
	Email       string
	Handle      string
	Name        string
	ExpiresAt   time.Time
	Permissions Snapshot
}

// Can reports whether the authorized principal may view area.
func (r AuthorizeResult) Can(area string) bool {
	return r.Permissions.HasCapability(area)
}

// Authorize verifies an access token and records activity on the principal's session.
// The returned permissions are the ones the token carries.
func (s *Service) Authorize(ctx context.Context, accessToken string) (AuthorizeResult, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	s.metrics.TokenVerified(string(TokenAccess), verificationResult(err))
	if err != nil {
		return AuthorizeResult{}, err
	}
	sess, err := s.sessions.Current(ctx, claims.Subject)
	if err != nil {
		return AuthorizeResult{}, err
	}
	return AuthorizeResult{
		PrincipalID: claims.Subject,
		SessionID:   sess.ID,
		Email:       claims.Email,
		Handle:      claims.Handle,
		Name:        claims.Name,
		ExpiresAt:   claims.ExpiresAt.Time,
		Permissions: claims.Snapshot(),
	}, nil
}
