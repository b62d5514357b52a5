// Package cache provides a Redis-backed medication profile cache. Profiles are
// expensive to generate, so completed ones are reused across clinics; staleness
// is tolerated up to the configured TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "medprofile:"

// Profile is a cached medication profile keyed by drug name.
type Profile struct {
	DrugName    string    `json:"drugName"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// redisCmdable is the subset of redis.Cmdable the cache uses.
type redisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// MedicationCache stores generated medication profiles in Redis.
type MedicationCache struct {
	rdb redisCmdable
	ttl time.Duration
	now func() time.Time
}

// Option configures a MedicationCache.
type Option func(*MedicationCache)

// WithTTL overrides the default cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *MedicationCache) { c.ttl = ttl }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *MedicationCache) { c.now = now }
}

// New creates a medication cache over the given Redis client.
func New(rdb redisCmdable, opts ...Option) *MedicationCache {
	c := &MedicationCache{
		rdb: rdb,
		ttl: 24 * time.Hour,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient connects to Redis at the given address and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Key returns the cache key for a drug name. Names are case-insensitive and
// whitespace-normalized so "  Gabapentin " and "gabapentin" share one entry.
func Key(drugName string) string {
	normalized := strings.ToLower(strings.TrimSpace(drugName))
	normalized = strings.Join(strings.Fields(normalized), " ")
	return keyPrefix + normalized
}

// Get returns the cached profile for the drug, or nil on a miss. Entries past
// the TTL are treated as misses even if Redis has not evicted them yet.
func (c *MedicationCache) Get(ctx context.Context, drugName string) (*Profile, error) {
	raw, err := c.rdb.Get(ctx, Key(drugName)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read medication cache: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		// Corrupt entry, treat as a miss so the caller regenerates it.
		return nil, nil
	}
	if c.now().Sub(profile.GeneratedAt) > c.ttl {
		return nil, nil
	}
	return &profile, nil
}

// Put stores a profile under the normalized drug-name key.
func (c *MedicationCache) Put(ctx context.Context, profile *Profile) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal medication profile: %w", err)
	}
	if err := c.rdb.Set(ctx, Key(profile.DrugName), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write medication cache: %w", err)
	}
	return nil
}

// Invalidate removes the cached profile for a drug.
func (c *MedicationCache) Invalidate(ctx context.Context, drugName string) error {
	if err := c.rdb.Del(ctx, Key(drugName)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate medication cache: %w", err)
	}
	return nil
}
