package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockoutStageProgression(t *testing.T) {
	now := newTestClock().Now()
	var rec LockoutRecord
	want := []time.Duration{2 * time.Minute, 5 * time.Minute, 10 * time.Minute, 30 * time.Minute, 60 * time.Minute}

	for stage := 1; stage <= 5; stage++ {
		for i := 1; i < AttemptsPerStage; i++ {
			require.False(t, rec.RegisterFailure(now))
			require.Equal(t, i, rec.AttemptCount)
		}
		require.True(t, rec.RegisterFailure(now), "stage %d", stage)
		require.Equal(t, stage, rec.Stage)
		require.Zero(t, rec.AttemptCount)
		require.NotNil(t, rec.LockedUntil)
		require.Equal(t, want[stage-1], rec.LockedUntil.Sub(now))

		var locked *LockedError
		require.True(t, errors.As(rec.Gate(now), &locked))
		require.Equal(t, int(want[stage-1]/time.Second), locked.RemainingSeconds())

		now = rec.LockedUntil.Add(time.Second)
		require.NoError(t, rec.Gate(now))
	}

	for i := 1; i < AttemptsPerStage; i++ {
		rec.RegisterFailure(now)
	}
	require.True(t, rec.RegisterFailure(now))
	require.True(t, rec.PermanentlyBlocked)
	require.Equal(t, BlockedStage, rec.Stage)
	require.ErrorIs(t, rec.Gate(now.Add(365*24*time.Hour)), ErrAccountBlockedPermanent)

	require.False(t, rec.RegisterFailure(now))
	require.True(t, rec.PermanentlyBlocked)
}

func TestLockoutGateBoundary(t *testing.T) {
	now := newTestClock().Now()
	until := now.Add(90 * time.Second)
	rec := LockoutRecord{Stage: 1, LockedUntil: &until}

	require.ErrorIs(t, rec.Gate(now), ErrAccountLockedTemporary)
	require.ErrorIs(t, rec.Gate(until.Add(-time.Millisecond)), ErrAccountLockedTemporary)
	require.NoError(t, rec.Gate(until))

	var locked *LockedError
	require.True(t, errors.As(rec.Gate(until.Add(-100*time.Millisecond)), &locked))
	require.Equal(t, 1, locked.RemainingSeconds())
}

func TestRegisterSuccessIsIdempotent(t *testing.T) {
	now := newTestClock().Now()
	until := now.Add(time.Minute)
	rec := LockoutRecord{AttemptCount: 3, Stage: 2, LockedUntil: &until}

	rec.RegisterSuccess(now, "p-1")
	first := rec
	rec.RegisterSuccess(now, "p-1")
	require.Equal(t, first, rec)
	require.Zero(t, rec.AttemptCount)
	require.Zero(t, rec.Stage)
	require.Nil(t, rec.LockedUntil)
	require.Equal(t, "p-1", rec.PrincipalID)
}

func TestLockoutEngineAdmitsOneStageUnderContention(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	engine := NewLockoutEngine(store, clock.Now)
	key := LockoutKey{Kind: KindEmail, Value: "race@x.io"}

	var (
		wg                        sync.WaitGroup
		mu                        sync.Mutex
		admitted, entered, locked int
	)
	for i := 0; i < AttemptsPerStage*2+2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := engine.Admit(context.Background(), key)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAccountLockedTemporary):
				locked++
			case err != nil:
				t.Error(err)
			default:
				admitted++
				if ok {
					entered++
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, AttemptsPerStage, admitted)
	require.Equal(t, 1, entered)
	require.Equal(t, AttemptsPerStage+2, locked)
	rec, err := store.GetLockout(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Stage)
	require.Zero(t, rec.AttemptCount)
}

func TestLockoutEngineSucceedClearsAdmittedAttempt(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	engine := NewLockoutEngine(store, clock.Now)
	key := LockoutKey{Kind: KindHandle, Value: "ana"}

	rec, entered, err := engine.Admit(context.Background(), key)
	require.NoError(t, err)
	require.False(t, entered)
	require.Equal(t, 1, rec.AttemptCount)

	require.NoError(t, engine.Succeed(context.Background(), key, "p-1"))
	rec, err = store.GetLockout(context.Background(), key)
	require.NoError(t, err)
	require.Zero(t, rec.AttemptCount)
	require.Equal(t, "p-1", rec.PrincipalID)
}

func TestLockoutEngineReset(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	engine := NewLockoutEngine(store, clock.Now)
	key := LockoutKey{Kind: KindHandle, Value: "ana"}

	require.NoError(t, engine.Reset(context.Background(), key))
	_, err := store.GetLockout(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)

	for i := 0; i < AttemptsPerStage; i++ {
		_, _, err := engine.Admit(context.Background(), key)
		require.NoError(t, err)
	}
	_, _, err = engine.Admit(context.Background(), key)
	require.ErrorIs(t, err, ErrAccountLockedTemporary)
	require.NoError(t, engine.Reset(context.Background(), key))
	_, _, err = engine.Admit(context.Background(), key)
	require.NoError(t, err)
}
