package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrForbidden    = errors.New("auth: forbidden")
)

// Outcomes of authentication, token and session checks.
var (
	ErrIdentifierNotFound      = errors.New("auth: identifier not found")
	ErrInvalidCredentials      = errors.New("auth: invalid credentials")
	ErrAccountInactive         = errors.New("auth: account inactive")
	ErrAccountLockedTemporary  = errors.New("auth: account temporarily locked")
	ErrAccountBlockedPermanent = errors.New("auth: account blocked")
	ErrTokenExpired            = errors.New("auth: token expired")
	ErrTokenMalformed          = errors.New("auth: token malformed")
	ErrTokenKindMismatch       = errors.New("auth: token kind mismatch")
	ErrSessionInvalidOrExpired = errors.New("auth: session invalid or expired")
)

// LockedError is returned while an identifier sits in a timed lockout stage.
type LockedError struct {
	Stage     int
	Until     time.Time
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: too many attempts, retry after %ds", e.RemainingSeconds())
}

func (e *LockedError) Unwrap() error { return ErrAccountLockedTemporary }

// RemainingSeconds rounds the remaining lock time up to whole seconds, never below 1.
func (e *LockedError) RemainingSeconds() int {
	secs := int((e.Remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// PublicMessage returns the caller-visible message for err. Unknown identifiers and
// wrong passwords share one message.
func PublicMessage(err error) string {
	var locked *LockedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &locked):
		return fmt.Sprintf("too many attempts, retry after %d seconds", locked.RemainingSeconds())
	case errors.Is(err, ErrAccountLockedTemporary):
		return "too many attempts, retry later"
	case errors.Is(err, ErrAccountBlockedPermanent):
		return "account blocked, contact support"
	case errors.Is(err, ErrIdentifierNotFound), errors.Is(err, ErrInvalidCredentials):
		return "invalid identifier or password"
	case errors.Is(err, ErrAccountInactive):
		return "account is inactive"
	case errors.Is(err, ErrTokenExpired):
		return "token expired"
	case errors.Is(err, ErrTokenMalformed), errors.Is(err, ErrTokenKindMismatch):
		return "invalid token"
	case errors.Is(err, ErrSessionInvalidOrExpired):
		return "session expired, sign in again"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidInput):
		return "invalid request"
	default:
		return "internal error"
	}
}
