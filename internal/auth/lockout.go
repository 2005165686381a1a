package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// AttemptsPerStage is the number of failures that advance the lockout stage.
	AttemptsPerStage = 5
	// BlockedStage is the stage that sets a permanent block.
	BlockedStage = 6
)

var stageDurations = [...]time.Duration{
	1: 2 * time.Minute,
	2: 5 * time.Minute,
	3: 10 * time.Minute,
	4: 30 * time.Minute,
	5: 60 * time.Minute,
}

// StageDuration returns the lock duration for stage, or zero when the stage has no timed lock.
func StageDuration(stage int) time.Duration {
	if stage < 1 || stage >= len(stageDurations) {
		return 0
	}
	return stageDurations[stage]
}

// Gate reports whether a login attempt for the record may proceed at now.
func (r LockoutRecord) Gate(now time.Time) error {
	if r.PermanentlyBlocked {
		return ErrAccountBlockedPermanent
	}
	if r.LockedUntil != nil && r.LockedUntil.After(now) {
		return &LockedError{Stage: r.Stage, Until: *r.LockedUntil, Remaining: r.LockedUntil.Sub(now)}
	}
	return nil
}

// RegisterFailure counts a failed verification and reports whether it entered a new stage.
// A blocked record only records the attempt time.
func (r *LockoutRecord) RegisterFailure(now time.Time) bool {
	r.LastAttemptAt = now
	if r.PermanentlyBlocked {
		return false
	}
	r.AttemptCount++
	if r.AttemptCount < AttemptsPerStage {
		return false
	}
	r.AttemptCount = 0
	r.Stage++
	if r.Stage >= BlockedStage {
		r.Stage = BlockedStage
		r.PermanentlyBlocked = true
		r.LockedUntil = nil
		return true
	}
	until := now.Add(StageDuration(r.Stage))
	r.LockedUntil = &until
	return true
}

// RegisterSuccess clears the counters after a successful verification.
func (r *LockoutRecord) RegisterSuccess(now time.Time, principalID string) {
	r.AttemptCount = 0
	r.Stage = 0
	r.LockedUntil = nil
	r.PermanentlyBlocked = false
	r.LastAttemptAt = now
	if principalID != "" {
		r.PrincipalID = principalID
	}
}

// Reset clears every lockout field except the key and principal.
func (r *LockoutRecord) Reset() {
	r.AttemptCount = 0
	r.Stage = 0
	r.LockedUntil = nil
	r.PermanentlyBlocked = false
}

// LockoutEngine applies the lockout state machine through a LockoutStore.
type LockoutEngine struct {
	store LockoutStore
	now   func() time.Time
}

// NewLockoutEngine returns an engine reading time from now.
func NewLockoutEngine(store LockoutStore, now func() time.Time) *LockoutEngine {
	if now == nil {
		now = time.Now
	}
	return &LockoutEngine{store: store, now: now}
}

// Admit gates an attempt for key and counts it as a failure in the same store update.
// Succeed clears the count once the credentials verify. entered reports whether this
// attempt started a stage.
func (e *LockoutEngine) Admit(ctx context.Context, key LockoutKey) (LockoutRecord, bool, error) {
	var (
		entered bool
		gateErr error
	)
	rec, err := e.store.UpdateLockout(ctx, key, func(r *LockoutRecord) error {
		now := e.now().UTC()
		if gateErr = r.Gate(now); gateErr != nil {
			r.LastAttemptAt = now
			return nil
		}
		entered = r.RegisterFailure(now)
		return nil
	})
	if err != nil {
		return LockoutRecord{}, false, fmt.Errorf("record attempt: %w", err)
	}
	if gateErr != nil {
		return rec, false, gateErr
	}
	return rec, entered, nil
}

// Succeed resets the record after a successful verification.
func (e *LockoutEngine) Succeed(ctx context.Context, key LockoutKey, principalID string) error {
	_, err := e.store.UpdateLockout(ctx, key, func(r *LockoutRecord) error {
		r.RegisterSuccess(e.now().UTC(), principalID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// Reset clears the record for key. Resetting an unknown key is a no-op.
func (e *LockoutEngine) Reset(ctx context.Context, key LockoutKey) error {
	if _, err := e.store.GetLockout(ctx, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load lockout: %w", err)
	}
	_, err := e.store.UpdateLockout(ctx, key, func(r *LockoutRecord) error {
		r.Reset()
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset lockout: %w", err)
	}
	return nil
}

// LockError converts a record that just entered a stage into the caller-facing error.
func LockError(rec LockoutRecord, now time.Time) error {
	if rec.PermanentlyBlocked {
		return ErrAccountBlockedPermanent
	}
	if err := rec.Gate(now); err != nil {
		return err
	}
	return &LockedError{Stage: rec.Stage, Until: now, Remaining: time.Second}
}
