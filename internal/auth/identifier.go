package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	phoneCharsRe = regexp.MustCompile(`^[0-9 ()-]+$`)
	shortCodeRe  = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)
)

const minPhoneDigits = 10

// resolutionOrder is the order both detection and the fallback pass use.
var resolutionOrder = []IdentifierKind{KindEmail, KindPhone, KindShortCode, KindHandle}

// Identifier is a classified and normalized login identifier.
type Identifier struct {
	Kind  IdentifierKind
	Value string
}

// Key returns the lockout key for the identifier.
func (i Identifier) Key() LockoutKey {
	return LockoutKey{Kind: i.Kind, Value: i.Value}
}

// DetectIdentifier classifies raw. The first matching rule wins.
func DetectIdentifier(raw string) Identifier {
	s := strings.TrimSpace(raw)
	switch {
	case strings.Contains(s, "@"):
		return Identifier{Kind: KindEmail, Value: NormalizeIdentifier(KindEmail, s)}
	case looksLikePhone(s):
		return Identifier{Kind: KindPhone, Value: NormalizeIdentifier(KindPhone, s)}
	case shortCodeRe.MatchString(s):
		return Identifier{Kind: KindShortCode, Value: NormalizeIdentifier(KindShortCode, s)}
	default:
		return Identifier{Kind: KindHandle, Value: s}
	}
}

// NormalizeIdentifier returns raw in the stored form for kind.
func NormalizeIdentifier(kind IdentifierKind, raw string) string {
	s := strings.TrimSpace(raw)
	switch kind {
	case KindEmail:
		return strings.ToLower(s)
	case KindPhone:
		return digitsOnly(s)
	case KindShortCode:
		return strings.ToUpper(s)
	default:
		return s
	}
}

func looksLikePhone(s string) bool {
	if strings.HasPrefix(s, "+") {
		return true
	}
	return phoneCharsRe.MatchString(s) && len(digitsOnly(s)) >= minPhoneDigits
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ResolvePrincipal finds the principal for raw. The detected kind is tried first, then
// every kind in resolution order. The returned Identifier is always the detected one.
func ResolvePrincipal(ctx context.Context, store CredentialStore, raw string) (Principal, Identifier, error) {
	id := DetectIdentifier(raw)
	p, err := findPrincipal(ctx, store, id.Kind, id.Value)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return p, id, err
	}
	for _, kind := range resolutionOrder {
		if kind == id.Kind {
			continue
		}
		value := NormalizeIdentifier(kind, raw)
		if value == "" {
			continue
		}
		p, err = findPrincipal(ctx, store, kind, value)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return p, id, err
		}
	}
	return Principal{}, id, ErrIdentifierNotFound
}

func findPrincipal(ctx context.Context, store CredentialStore, kind IdentifierKind, value string) (Principal, error) {
	if value == "" {
		return Principal{}, ErrNotFound
	}
	p, err := store.FindPrincipal(ctx, kind, value)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrNotFound
		}
		return Principal{}, fmt.Errorf("find principal by %s: %w", kind, err)
	}
	if p.Deleted {
		return Principal{}, ErrNotFound
	}
	return p, nil
}
