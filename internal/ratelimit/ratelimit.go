// Package ratelimit provides a per-identifier, per-action sliding-window rate
// limiter with lockout escalation, backed by a durable store.
//
// The limiter is an abuse deterrent, not a billing meter: concurrent
// check/record pairs for the same identifier are two storage round trips each
// and may race, and the design tolerates last-write-wins over-counting rather
// than requiring a transactional increment.
package ratelimit

import (
	"context"
	"time"
)

// Record is the durable counter for one (identifier, action) pair.
// AttemptCount is only meaningful within [WindowStart, WindowStart+window);
// once now exceeds that bound the record is treated as reset before use.
type Record struct {
	Identifier   string    `db:"identifier"`
	Action       string    `db:"action"`
	AttemptCount int       `db:"attempt_count"`
	WindowStart  time.Time `db:"window_start"`

	// ConsecutiveFailures is the current failure streak, reset by any
	// successful attempt. Lockout escalation keys off this, not
	// AttemptCount, so successes never count toward a lockout.
	ConsecutiveFailures int `db:"consecutive_failures"`

	LockedUntil   *time.Time `db:"locked_until"`
	LockoutReason string     `db:"lockout_reason"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// Store persists rate-limit records keyed by (identifier, action). Records
// are created lazily on first attempt and mutated in place; Delete exists for
// the success-clears policy only.
type Store interface {
	// Get returns the record, or nil without error when none exists.
	Get(ctx context.Context, identifier, action string) (*Record, error)

	// Put inserts or overwrites the record.
	Put(ctx context.Context, rec *Record) error

	// Delete removes the record if present.
	Delete(ctx context.Context, identifier, action string) error
}

// Policy configures limits for one action.
type Policy struct {
	// MaxAttempts is the number of attempts allowed per window.
	MaxAttempts int

	// Window is the sliding window duration.
	Window time.Duration

	// LockoutThreshold, when positive, is the number of consecutive failed
	// attempts after which the identifier is locked out entirely.
	LockoutThreshold int

	// LockoutDuration is how long a lockout lasts.
	LockoutDuration time.Duration

	// SuccessClears resets the counter (and any lockout) when an attempt is
	// recorded as successful.
	SuccessClears bool
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed   bool
	Remaining int

	// RetryAfter is when the caller may try again. Zero when Allowed.
	RetryAfter time.Time

	// LockedOut distinguishes a lockout denial from an ordinary rate-limit
	// denial; when set, the window-based explanation does not apply.
	LockedOut bool

	// Reason is the human-readable lockout reason, if any.
	Reason string
}
