package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/watchtower-labs/sentrycore/internal/infrastructure/cache"
)

// CachedSecretsResolver wraps another SecretsResolver with a Redis-backed
// cache, built on internal/infrastructure/cache.RedisCache (ping-on-
// construct, Get/Set with a TTL, a miss surfaced as cache.ErrNotFound
// rather than an error worth propagating). Caching here trades up to one
// TTL (DefaultSecretsCacheTTL, five minutes, unless overridden) of
// staleness on a rotated secret for not hammering the
// Kubernetes API (or re-reading the secrets file) on every config reload.
type CachedSecretsResolver struct {
	inner  SecretsResolver
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// DefaultSecretsCacheTTL bounds how long a resolved secret is reused
// before the inner resolver is consulted again.
const DefaultSecretsCacheTTL = 5 * time.Minute

// NewCachedSecretsResolver connects to addr, failing fast if Redis is
// unreachable, matching NewRedisCache's connect-time health check.
func NewCachedSecretsResolver(inner SecretsResolver, addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*CachedSecretsResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultSecretsCacheTTL
	}

	c, err := cache.NewRedisCache(&cache.CacheConfig{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, logger.With("component", "secrets_cache"))
	if err != nil {
		return nil, err
	}

	return &CachedSecretsResolver{
		inner:  inner,
		cache:  c,
		ttl:    ttl,
		logger: logger.With("component", "secrets_cache"),
	}, nil
}

func cacheKey(ref string) string { return "sentrycore:secret:" + ref }

// Resolve implements SecretsResolver, checking the cache before falling
// through to the wrapped resolver.
func (r *CachedSecretsResolver) Resolve(ctx context.Context, ref string) (string, error) {
	key := cacheKey(ref)

	var cached string
	err := r.cache.Get(ctx, key, &cached)
	switch {
	case err == nil:
		r.logger.Debug("secret cache hit", "ref", ref)
		return cached, nil
	case cache.IsNotFound(err):
		// cache miss, fall through
	default:
		r.logger.Warn("secret cache read failed, falling back to inner resolver", "ref", ref, "error", err)
	}

	resolved, err := r.inner.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}

	if setErr := r.cache.Set(ctx, key, resolved, r.ttl); setErr != nil {
		r.logger.Warn("failed to populate secret cache", "ref", ref, "error", setErr)
	}
	return resolved, nil
}

// Close releases the Redis connection.
func (r *CachedSecretsResolver) Close() error {
	if closer, ok := r.cache.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
