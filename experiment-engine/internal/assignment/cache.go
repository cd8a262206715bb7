package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fieldtofork/platform/experiment-engine/internal/models"
)

// Cache is a read-through shortcut in front of the store. Assignments never
// change once written, so entries are only ever filled, never invalidated.
type Cache interface {
	Get(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Assignment, bool, error)
	Set(ctx context.Context, a models.Assignment) error
}

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type RedisCache struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisCache wraps client. A zero ttl keeps entries for 30 days.
func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(experimentID uuid.UUID, entityID string) string {
	return fmt.Sprintf("ab:assignment:%s:%s", experimentID, entityID)
}

func (c *RedisCache) Get(ctx context.Context, experimentID uuid.UUID, entityID string) (models.Assignment, bool, error) {
	data, err := c.client.Get(ctx, cacheKey(experimentID, entityID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Assignment{}, false, nil
		}
		return models.Assignment{}, false, fmt.Errorf("redis get assignment: %w", err)
	}
	var a models.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return models.Assignment{}, false, fmt.Errorf("decode cached assignment: %w", err)
	}
	if !a.Variant.Valid() {
		return models.Assignment{}, false, nil
	}
	return a, true, nil
}

func (c *RedisCache) Set(ctx context.Context, a models.Assignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode assignment: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(a.ExperimentID, a.EntityID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set assignment: %w", err)
	}
	return nil
}
