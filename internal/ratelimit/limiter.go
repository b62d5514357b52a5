package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPolicy applies to any action without an explicit policy. An
// unconfigured action falls back to this conservative default rather than
// failing open.
var DefaultPolicy = Policy{
	MaxAttempts: 10,
	Window:      time.Hour,
}

// LimiterOption configures the limiter.
type LimiterOption func(*Limiter)

// WithClock sets the time source. Used by tests to simulate window elapse.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithDefaultPolicy overrides the fallback policy for unconfigured actions.
func WithDefaultPolicy(p Policy) LimiterOption {
	return func(l *Limiter) {
		l.fallback = p
	}
}

// Limiter decides allow/deny per (identifier, action) against a static policy
// map and records attempts in the store.
type Limiter struct {
	store    Store
	policies map[string]Policy
	fallback Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewLimiter creates a limiter with the given per-action policy map.
func NewLimiter(store Store, policies map[string]Policy, logger *slog.Logger, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		store:    store,
		policies: policies,
		fallback: DefaultPolicy,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) policy(action string) Policy {
	if p, ok := l.policies[action]; ok {
		return p
	}
	return l.fallback
}

// Check decides whether the identifier may perform the action. A store error
// fails open: the primary action must not be blocked by rate-limit
// infrastructure failure, but the error is logged.
func (l *Limiter) Check(ctx context.Context, identifier, action string) Decision {
	p := l.policy(action)
	now := l.now()

	rec, err := l.store.Get(ctx, identifier, action)
	if err != nil {
		l.logger.Error("rate limit check failed, failing open",
			slog.String("identifier", identifier),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return Decision{Allowed: true, Remaining: p.MaxAttempts}
	}

	if rec == nil {
		return Decision{Allowed: true, Remaining: p.MaxAttempts}
	}

	// An active lockout denies regardless of window state.
	if rec.LockedUntil != nil && rec.LockedUntil.After(now) {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: *rec.LockedUntil,
			LockedOut:  true,
			Reason:     rec.LockoutReason,
		}
	}

	windowEnd := rec.WindowStart.Add(p.Window)
	if now.After(windowEnd) {
		// Window elapsed: treat as a fresh window without a maintenance pass.
		return Decision{Allowed: true, Remaining: p.MaxAttempts}
	}

	if rec.AttemptCount >= p.MaxAttempts {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: windowEnd,
		}
	}

	return Decision{Allowed: true, Remaining: p.MaxAttempts - rec.AttemptCount}
}

// Record registers an attempt outcome. On success with a success-clears
// policy the record (including any lockout) is removed; otherwise the window
// counter increments. A failure extends the failure streak and, once the
// streak reaches the lockout threshold, escalates to a lockout; any success
// resets the streak. Errors are non-fatal for the caller's primary action.
func (l *Limiter) Record(ctx context.Context, identifier, action string, success bool) error {
	p := l.policy(action)
	now := l.now()

	if success && p.SuccessClears {
		if err := l.store.Delete(ctx, identifier, action); err != nil {
			return fmt.Errorf("failed to clear rate limit record: %w", err)
		}
		return nil
	}

	rec, err := l.store.Get(ctx, identifier, action)
	if err != nil {
		return fmt.Errorf("failed to load rate limit record: %w", err)
	}

	if rec == nil || now.After(rec.WindowStart.Add(p.Window)) {
		rec = &Record{
			Identifier:  identifier,
			Action:      action,
			WindowStart: now,
		}
	}

	rec.AttemptCount++
	rec.UpdatedAt = now

	if success {
		rec.ConsecutiveFailures = 0
	} else {
		rec.ConsecutiveFailures++
		if p.LockoutThreshold > 0 && rec.ConsecutiveFailures >= p.LockoutThreshold {
			until := now.Add(p.LockoutDuration)
			rec.LockedUntil = &until
			rec.LockoutReason = fmt.Sprintf("locked out after %d consecutive failed %s attempts", rec.ConsecutiveFailures, action)
			l.logger.Warn("rate limit lockout engaged",
				slog.String("identifier", identifier),
				slog.String("action", action),
				slog.Int("consecutive_failures", rec.ConsecutiveFailures),
				slog.Time("locked_until", until),
			)
		}
	}

	if err := l.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist rate limit record: %w", err)
	}
	return nil
}
