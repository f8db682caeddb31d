package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	fingerprintKeyPrefix = "kuremedy:fingerprint:"
	rateLimitKeyPrefix   = "kuremedy:ratelimit:"

	// DefaultFingerprintTTL is how long an alert fingerprint shadows
	// further alerts with the same identity.
	DefaultFingerprintTTL = 4 * time.Hour
)

// Deduplicator tracks live alert fingerprints in Redis.
//
// Redis failures never block incident creation: every operation fails
// open. The store's unique fingerprint constraint is the backstop when
// the dedup window is unavailable.
type Deduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeduplicator wraps a Redis client with the given fingerprint TTL.
// A non-positive TTL falls back to DefaultFingerprintTTL.
func NewDeduplicator(client *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultFingerprintTTL
	}
	return &Deduplicator{client: client, ttl: ttl}
}

// CheckDuplicate reports whether an alert with this fingerprint maps to
// a live incident, and if so which one.
func (d *Deduplicator) CheckDuplicate(ctx context.Context, fingerprint string) (bool, string) {
	existingID, err := d.client.Get(ctx, fingerprintKeyPrefix+fingerprint).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// Fail open - don't block incident creation on Redis errors
			log.Error().Err(err).Str("fingerprint", fingerprint).Msg("Redis error during deduplication")
		}
		return false, ""
	}

	log.Debug().
		Str("fingerprint", fingerprint).
		Str("existingId", existingID).
		Msg("Duplicate alert detected")
	return true, existingID
}

// Register records a fingerprint for a freshly created incident.
func (d *Deduplicator) Register(ctx context.Context, fingerprint, incidentID string) bool {
	if err := d.client.Set(ctx, fingerprintKeyPrefix+fingerprint, incidentID, d.ttl).Err(); err != nil {
		log.Error().Err(err).Str("fingerprint", fingerprint).Msg("Redis error during fingerprint registration")
		return false
	}

	log.Debug().
		Str("fingerprint", fingerprint).
		Str("incidentId", incidentID).
		Msg("Registered fingerprint")
	return true
}

// Extend refreshes the TTL of an existing fingerprint. Used when a
// duplicate alert arrives while the incident is still live.
func (d *Deduplicator) Extend(ctx context.Context, fingerprint string) bool {
	key := fingerprintKeyPrefix + fingerprint

	exists, err := d.client.Exists(ctx, key).Result()
	if err != nil {
		log.Error().Err(err).Str("fingerprint", fingerprint).Msg("Redis error during TTL extension")
		return false
	}
	if exists == 0 {
		return false
	}

	if err := d.client.Expire(ctx, key, d.ttl).Err(); err != nil {
		log.Error().Err(err).Str("fingerprint", fingerprint).Msg("Redis error during TTL extension")
		return false
	}
	return true
}

// Remove drops a fingerprint, typically when its incident resolves so a
// recurrence opens a fresh dedup window.
func (d *Deduplicator) Remove(ctx context.Context, fingerprint string) bool {
	if err := d.client.Del(ctx, fingerprintKeyPrefix+fingerprint).Err(); err != nil {
		log.Error().Err(err).Str("fingerprint", fingerprint).Msg("Redis error during fingerprint removal")
		return false
	}
	return true
}

// RateLimiter bounds how many alerts a source may submit per window.
type RateLimiter struct {
	client *redis.Client
}

// NewRateLimiter wraps a Redis client for INCR/EXPIRE rate limiting.
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow reports whether another alert fits in the window and how much
// budget remains. Redis errors fail open.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int) {
	rateKey := rateLimitKeyPrefix + key

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, rateKey)
	pipe.Expire(ctx, rateKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open
		log.Error().Err(err).Str("key", key).Msg("Redis error during rate limiting")
		return true, limit
	}

	current := int(incr.Val())
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return current <= limit, remaining
}
