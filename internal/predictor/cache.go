package predictor

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/pet-classifier/internal/logging"
)

// Cache abstracts the Redis operations used by the predictor to make testing
// easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// cachedResult is the serialized form stored in the cache. Identical uploads
// hash to the same key, so repeated submissions skip the forward pass.
type cachedResult struct {
	Label         string             `json:"predicted_class"`
	ClassIndex    int                `json:"class_index"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	CreatedAt     time.Time          `json:"created_at"`
}

func cacheKey(raw []byte) string {
	sum := sha1.Sum(raw)
	return "prediction:" + hex.EncodeToString(sum[:])
}

// cacheLookup returns a previously computed result for an identical payload.
// Cache errors are logged and treated as misses; the cache is an optimization
// and must never fail a request.
func (p *Predictor) cacheLookup(ctx context.Context, requestID string, raw []byte) (*Result, bool) {
	if p.cache == nil {
		return nil, false
	}

	serialized, err := p.cache.Get(ctx, cacheKey(raw))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(p.logger, "predictor.cache_get", requestID).
				Warn("cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var payload cachedResult
	if err := json.Unmarshal([]byte(serialized), &payload); err != nil {
		logging.WithOperation(p.logger, "predictor.cache_get", requestID).
			Warn("failed to decode cached result", zap.Error(err))
		return nil, false
	}

	return &Result{
		Label:         payload.Label,
		ClassIndex:    payload.ClassIndex,
		Confidence:    payload.Confidence,
		Probabilities: payload.Probabilities,
	}, true
}

// cacheStore records a fresh result for future identical uploads. Failures
// are logged and swallowed.
func (p *Predictor) cacheStore(ctx context.Context, requestID string, raw []byte, result *Result) {
	if p.cache == nil {
		return
	}

	serialized, err := json.Marshal(cachedResult{
		Label:         result.Label,
		ClassIndex:    result.ClassIndex,
		Confidence:    result.Confidence,
		Probabilities: result.Probabilities,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		logging.WithOperation(p.logger, "predictor.cache_set", requestID).
			Warn("failed to serialize result", zap.Error(err))
		return
	}

	if err := p.cache.Set(ctx, cacheKey(raw), string(serialized), p.cacheTTL); err != nil {
		logging.WithOperation(p.logger, "predictor.cache_set", requestID).
			Warn("cache write failed", zap.Error(err))
	}
}
