package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"authgate.org/internal/obs"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func newTestTokens(t *testing.T, clock *testClock, opts ...TokenOption) *TokenService {
	t.Helper()
	base := []TokenOption{WithHMACSecret(testSecret), WithTokenClock(clock.Now)}
	ts, err := NewTokenService(append(base, opts...)...)
	require.NoError(t, err)
	return ts
}

type fixture struct {
	clock *testClock
	store *MemoryStore
	svc   *Service
}

// newFixture seeds one principal (p-1, ana@example.com / s3cret) holding an operator role
// that can view bills:view.
func newFixture(t *testing.T, opts ...ServiceOption) *fixture {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore()
	require.NoError(t, store.AddPrincipal(Principal{
		ID:           "p-1",
		Email:        "Ana@Example.com",
		Handle:       "ana",
		Phone:        "+1 (555) 010-0000",
		ShortCode:    "ab12c3",
		DisplayName:  "Ana",
		PasswordHash: mustHash(t, "s3cret"),
		Active:       true,
	}))
	store.AddCapabilityArea(CapabilityArea{ID: "bills:view", Name: "Bills", Active: true})
	store.AddCapabilityArea(CapabilityArea{ID: "reports", Name: "Reports", Active: true})
	store.AddSubCapability(SubCapability{ID: "bills:export", AreaID: "bills:view", Active: true})
	require.NoError(t, store.AddRoleGrant(RoleGrant{
		ID:          "g-1",
		PrincipalID: "p-1",
		Role:        Role{ID: "r-operator", Name: "operator", Level: 5},
		ValidFrom:   clock.Now().Add(-time.Hour),
		Active:      true,
		Primary:     true,
	}))
	store.AddCapabilityGrant(CapabilityGrant{RoleID: "r-operator", AreaID: "bills:view", Access: Access{View: true}, Active: true})

	base := []ServiceOption{WithClock(clock.Now), WithLogger(obs.DiscardLogger())}
	svc, err := NewService(store, newTestTokens(t, clock), append(base, opts...)...)
	require.NoError(t, err)
	return &fixture{clock: clock, store: store, svc: svc}
}
