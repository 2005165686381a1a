package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour * 14
	defaultIssuer     = "authgate"
)

// TokenKind separates access tokens from refresh tokens.
type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

// AccessClaims are carried by access tokens.
type AccessClaims struct {
	Kind                     TokenKind `json:"kind"`
	Email                    string    `json:"email,omitempty"`
	Handle                   string    `json:"handle,omitempty"`
	Name                     string    `json:"name,omitempty"`
	CapabilityAreas          []string  `json:"caps"`
	SubCapabilities          []string  `json:"subcaps"`
	InactivityTimeoutMinutes int       `json:"idle_min"`
	jwt.RegisteredClaims
}

// Snapshot returns the permission snapshot embedded in the token.
func (c *AccessClaims) Snapshot() Snapshot {
	return Snapshot{CapabilityAreas: orEmpty(c.CapabilityAreas), SubCapabilities: orEmpty(c.SubCapabilities)}
}

// RefreshClaims are carried by refresh tokens. ID matches Session.RefreshTokenID.
type RefreshClaims struct {
	Kind TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies access and refresh tokens.
type TokenService struct {
	method     jwt.SigningMethod
	signKey    any
	verifyKey  any
	keyID      string
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	newID      func() string
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService) error

// WithHMACSecret signs tokens with HS256.
func WithHMACSecret(secret []byte) TokenOption {
	return func(s *TokenService) error {
		if len(secret) == 0 {
			return errors.New("auth: token secret is empty")
		}
		s.method = jwt.SigningMethodHS256
		s.signKey = secret
		s.verifyKey = secret
		return nil
	}
}

// WithRSAKey signs tokens with RS256 using key; verification uses its public half.
func WithRSAKey(key *rsa.PrivateKey) TokenOption {
	return func(s *TokenService) error {
		if key == nil {
			return errors.New("auth: rsa key is nil")
		}
		s.method = jwt.SigningMethodRS256
		s.signKey = key
		s.verifyKey = &key.PublicKey
		return nil
	}
}

// WithRS256Keys configures RS256 from PEM encoded keys.
func WithRS256Keys(privatePEM, publicPEM string) TokenOption {
	return func(s *TokenService) error {
		privatePEM = strings.TrimSpace(privatePEM)
		publicPEM = strings.TrimSpace(publicPEM)
		if privatePEM == "" || publicPEM == "" {
			return errors.New("auth: both private and public keys are required")
		}
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return fmt.Errorf("auth: parse public key: %w", err)
		}
		s.method = jwt.SigningMethodRS256
		s.signKey = priv
		s.verifyKey = pub
		return nil
	}
}

// WithKeyID sets the kid header of issued tokens.
func WithKeyID(kid string) TokenOption {
	return func(s *TokenService) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithTokenTTLs overrides the token lifetimes. Non-positive values keep the defaults.
func WithTokenTTLs(access, refresh time.Duration) TokenOption {
	return func(s *TokenService) error {
		if access > 0 {
			s.accessTTL = access
		}
		if refresh > 0 {
			s.refreshTTL = refresh
		}
		return nil
	}
}

// WithTokenClock overrides the clock used for iat/exp and validation.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// NewTokenService builds a token service. A signing key option is required.
func NewTokenService(opts ...TokenOption) (*TokenService, error) {
	s := &TokenService{
		issuer:     defaultIssuer,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.method == nil {
		return nil, errors.New("auth: no token signing key configured")
	}
	return s, nil
}

// AccessTTL returns the access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssueAccess signs an access token for p carrying snap.
func (s *TokenService) IssueAccess(p Principal, snap Snapshot, idle time.Duration) (string, *AccessClaims, error) {
	now := s.now().UTC().Truncate(time.Second)
	claims := &AccessClaims{
		Kind:                     TokenAccess,
		Email:                    p.Email,
		Handle:                   p.Handle,
		Name:                     p.DisplayName,
		CapabilityAreas:          orEmpty(snap.CapabilityAreas),
		SubCapabilities:          orEmpty(snap.SubCapabilities),
		InactivityTimeoutMinutes: int(idle / time.Minute),
		RegisteredClaims:         s.registered(p.ID, now, s.accessTTL),
	}
	signed, err := s.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// IssueRefresh signs a refresh token for principalID.
func (s *TokenService) IssueRefresh(principalID string) (string, *RefreshClaims, error) {
	now := s.now().UTC().Truncate(time.Second)
	claims := &RefreshClaims{
		Kind:             TokenRefresh,
		RegisteredClaims: s.registered(principalID, now, s.refreshTTL),
	}
	signed, err := s.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// VerifyAccess validates an access token.
func (s *TokenService) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(raw, claims, true); err != nil {
		return nil, err
	}
	if claims.Kind != TokenAccess {
		return nil, ErrTokenKindMismatch
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token.
func (s *TokenService) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(raw, claims, true); err != nil {
		return nil, err
	}
	if claims.Kind != TokenRefresh {
		return nil, ErrTokenKindMismatch
	}
	return claims, nil
}

// verifyRefreshSignature validates the signature, issuer and kind of a refresh token but
// accepts expired tokens.
func (s *TokenService) verifyRefreshSignature(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := s.parse(raw, claims, false); err != nil {
		return nil, err
	}
	if claims.Kind != TokenRefresh {
		return nil, ErrTokenKindMismatch
	}
	if claims.Issuer != s.issuer {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

func (s *TokenService) registered(subject string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        s.newID(),
	}
}

func (s *TokenService) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

type subjectClaims interface {
	jwt.Claims
	subjectAndID() (string, string)
}

func (c *AccessClaims) subjectAndID() (string, string)  { return c.Subject, c.ID }
func (c *RefreshClaims) subjectAndID() (string, string) { return c.Subject, c.ID }

func (s *TokenService) parse(raw string, claims subjectClaims, validate bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrTokenMalformed
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{s.method.Alg()})}
	if validate {
		opts = append(opts,
			jwt.WithIssuer(s.issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(s.now),
		)
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.verifyKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenMalformed
	}
	if !parsed.Valid {
		return ErrTokenMalformed
	}
	if sub, id := claims.subjectAndID(); strings.TrimSpace(sub) == "" || id == "" {
		return ErrTokenMalformed
	}
	return nil
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
