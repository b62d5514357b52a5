package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// memStore is a minimal in-process store for limiter tests. The shared memory
// package is not used here to avoid an import cycle.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	getErr  error
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Record)}
}

func (s *memStore) Get(ctx context.Context, identifier, action string) (*Record, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identifier+"/"+action]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *memStore) Put(ctx context.Context, rec *Record) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Identifier+"/"+rec.Action] = *rec
	return nil
}

func (s *memStore) Delete(ctx context.Context, identifier, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, identifier+"/"+action)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(store Store, policies map[string]Policy, clock *time.Time) *Limiter {
	return NewLimiter(store, policies, testLogger(), WithClock(func() time.Time { return *clock }))
}

func TestLimiter_DeniesAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policies := map[string]Policy{
		"ai_analysis": {MaxAttempts: 5, Window: time.Hour},
	}
	l := newTestLimiter(newMemStore(), policies, &now)

	for i := 0; i < 5; i++ {
		d := l.Check(ctx, "user-1", "ai_analysis")
		if !d.Allowed {
			t.Fatalf("attempt %d: expected allowed", i+1)
		}
		if d.Remaining != 5-i {
			t.Errorf("attempt %d: Remaining = %d, want %d", i+1, d.Remaining, 5-i)
		}
		if err := l.Record(ctx, "user-1", "ai_analysis", false); err != nil {
			t.Fatalf("Record returned error: %v", err)
		}
	}

	d := l.Check(ctx, "user-1", "ai_analysis")
	if d.Allowed {
		t.Fatal("6th check within window should be denied")
	}
	if d.LockedOut {
		t.Error("ordinary rate-limit denial should not report lockout")
	}
	wantRetry := now.Add(time.Hour)
	if !d.RetryAfter.Equal(wantRetry) {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, wantRetry)
	}
}

func TestLimiter_WindowElapseResets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policies := map[string]Policy{
		"ai_analysis": {MaxAttempts: 5, Window: time.Hour},
	}
	l := newTestLimiter(newMemStore(), policies, &now)

	for i := 0; i < 5; i++ {
		if err := l.Record(ctx, "user-1", "ai_analysis", false); err != nil {
			t.Fatal(err)
		}
	}
	if d := l.Check(ctx, "user-1", "ai_analysis"); d.Allowed {
		t.Fatal("should be denied inside the window")
	}

	// Advance the clock past the window; the counter resets without any
	// maintenance pass.
	now = now.Add(time.Hour + time.Minute)

	d := l.Check(ctx, "user-1", "ai_analysis")
	if !d.Allowed {
		t.Fatal("check after window elapse should be allowed")
	}
	if d.Remaining != 5 {
		t.Errorf("Remaining = %d, want 5 after reset", d.Remaining)
	}
}

func TestLimiter_LockoutEscalation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policies := map[string]Policy{
		"login": {
			MaxAttempts:      20,
			Window:           time.Hour,
			LockoutThreshold: 10,
			LockoutDuration:  30 * time.Minute,
			SuccessClears:    true,
		},
	}
	store := newMemStore()
	l := newTestLimiter(store, policies, &now)

	for i := 0; i < 10; i++ {
		if err := l.Record(ctx, "user-1", "login", false); err != nil {
			t.Fatal(err)
		}
	}

	rec, err := store.Get(ctx, "user-1", "login")
	if err != nil || rec == nil {
		t.Fatalf("expected record: rec=%v err=%v", rec, err)
	}
	if rec.LockedUntil == nil {
		t.Fatal("10th consecutive failure should set LockedUntil")
	}
	if !rec.LockedUntil.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("LockedUntil = %v, want %v", rec.LockedUntil, now.Add(30*time.Minute))
	}
	if rec.LockoutReason == "" {
		t.Error("expected a human-readable lockout reason")
	}

	// The lockout denial takes precedence over any window explanation, even
	// after the window itself has elapsed.
	now = now.Add(61 * time.Minute)
	rec.LockedUntil = ptrTime(now.Add(10 * time.Minute))
	if err := store.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}

	d := l.Check(ctx, "user-1", "login")
	if d.Allowed {
		t.Fatal("check during lockout should be denied")
	}
	if !d.LockedOut {
		t.Error("denial during lockout should report LockedOut")
	}
	if !d.RetryAfter.Equal(*rec.LockedUntil) {
		t.Errorf("RetryAfter = %v, want %v", d.RetryAfter, *rec.LockedUntil)
	}
	if d.Reason == "" {
		t.Error("expected lockout reason to surface in the decision")
	}
}

func TestLimiter_LockoutCountsOnlyConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policies := map[string]Policy{
		"analyze": {
			MaxAttempts:      60,
			Window:           time.Hour,
			LockoutThreshold: 10,
			LockoutDuration:  30 * time.Minute,
		},
	}
	store := newMemStore()
	l := newTestLimiter(store, policies, &now)

	// Nine successes followed by one failure is a streak of one, not ten.
	for i := 0; i < 9; i++ {
		if err := l.Record(ctx, "clinic-1", "analyze", true); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Record(ctx, "clinic-1", "analyze", false); err != nil {
		t.Fatal(err)
	}

	rec, err := store.Get(ctx, "clinic-1", "analyze")
	if err != nil || rec == nil {
		t.Fatalf("expected record: rec=%v err=%v", rec, err)
	}
	if rec.LockedUntil != nil {
		t.Fatalf("one failure after nine successes must not lock out, got LockedUntil=%v reason=%q",
			rec.LockedUntil, rec.LockoutReason)
	}
	if rec.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", rec.ConsecutiveFailures)
	}
	if rec.AttemptCount != 10 {
		t.Errorf("AttemptCount = %d, want 10", rec.AttemptCount)
	}

	// A success mid-streak resets the count even without SuccessClears.
	for i := 0; i < 8; i++ {
		if err := l.Record(ctx, "clinic-1", "analyze", false); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Record(ctx, "clinic-1", "analyze", true); err != nil {
		t.Fatal(err)
	}
	rec, _ = store.Get(ctx, "clinic-1", "analyze")
	if rec.LockedUntil != nil {
		t.Fatal("interleaved success should prevent lockout")
	}
	if rec.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after success", rec.ConsecutiveFailures)
	}

	// Ten uninterrupted failures from here do lock out.
	for i := 0; i < 10; i++ {
		if err := l.Record(ctx, "clinic-1", "analyze", false); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ = store.Get(ctx, "clinic-1", "analyze")
	if rec.LockedUntil == nil {
		t.Fatal("ten consecutive failures should lock out")
	}
}

func TestLimiter_SuccessClears(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	policies := map[string]Policy{
		"login": {MaxAttempts: 5, Window: time.Hour, SuccessClears: true},
	}
	store := newMemStore()
	l := newTestLimiter(store, policies, &now)

	for i := 0; i < 4; i++ {
		if err := l.Record(ctx, "user-1", "login", false); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Record(ctx, "user-1", "login", true); err != nil {
		t.Fatal(err)
	}

	rec, err := store.Get(ctx, "user-1", "login")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("success should clear the record, got %+v", rec)
	}
}

func TestLimiter_UnconfiguredActionUsesDefault(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(newMemStore(), nil, &now)

	d := l.Check(ctx, "user-1", "never_configured")
	if !d.Allowed {
		t.Fatal("fresh identifier should be allowed")
	}
	if d.Remaining != DefaultPolicy.MaxAttempts {
		t.Errorf("Remaining = %d, want default %d", d.Remaining, DefaultPolicy.MaxAttempts)
	}

	for i := 0; i < DefaultPolicy.MaxAttempts; i++ {
		if err := l.Record(ctx, "user-1", "never_configured", false); err != nil {
			t.Fatal(err)
		}
	}
	if d := l.Check(ctx, "user-1", "never_configured"); d.Allowed {
		t.Error("default policy should deny past its max attempts")
	}
}

func TestLimiter_FailsOpenOnStoreError(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.getErr = errors.New("connection refused")
	l := newTestLimiter(store, nil, &now)

	d := l.Check(ctx, "user-1", "ai_analysis")
	if !d.Allowed {
		t.Error("store failure during check must fail open")
	}
}

func TestLimiter_RecordErrorIsReported(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.putErr = errors.New("connection refused")
	l := newTestLimiter(store, nil, &now)

	if err := l.Record(ctx, "user-1", "ai_analysis", false); err == nil {
		t.Error("expected error from Record when the store fails")
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
