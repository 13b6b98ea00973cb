// Package cache stores recent upstream status checks so that frequent
// /api/status polls don't hit the backend on every request.
// Supports an in-memory backend and Redis for multi-instance deployments.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"testgen/config"
)

// Status is one observation of the inference backend.
type Status struct {
	Online         bool      `json:"online"`
	Model          string    `json:"model"`
	ModelInstalled bool      `json:"model_installed"`
	Upstream       string    `json:"upstream"`
	CheckedAt      time.Time `json:"checked_at"`
	Error          string    `json:"error,omitempty"`
}

// Cache holds Status snapshots keyed by StatusKey.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns nil, nil when the key is missing or expired.
	Get(ctx context.Context, key string) (*Status, error)
	Set(ctx context.Context, key string, status *Status) error
	Close() error
}

// StatusKey identifies a backend and model pair.
func StatusKey(upstreamURL, model string) string {
	h := xxhash.New()
	_, _ = h.WriteString(upstreamURL)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(model)
	return strconv.FormatUint(h.Sum64(), 16)
}

// New builds the cache selected by cfg.Type.
func New(cfg config.CacheConfig) (Cache, error) {
	ttl := time.Duration(cfg.StatusTTLSeconds) * time.Second
	switch cfg.Type {
	case "memory", "":
		return NewMemoryCache(ttl), nil
	case "redis":
		return NewRedisCache(RedisConfig{
			URL:    cfg.RedisURL,
			Prefix: cfg.RedisKeyPrefix,
			TTL:    ttl,
		})
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}
