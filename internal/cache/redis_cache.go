package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vendasfiadas/backend/internal/domain"
)

const (
	snapshotKeyPrefix = "fiado:snapshot:"
	summaryKeyPrefix  = "fiado:summary:"
)

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) GetDocument(ctx context.Context, ownerID string) (domain.CustomerDoc, bool, error) {
	val, err := c.client.Get(ctx, snapshotKeyPrefix+ownerID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var doc domain.CustomerDoc
	if err := json.Unmarshal([]byte(val), &doc); err != nil {
		return nil, false, err
	}
	if doc == nil {
		doc = domain.CustomerDoc{}
	}
	return doc, true, nil
}

func (c *RedisCache) SetDocument(ctx context.Context, ownerID string, doc domain.CustomerDoc, ttl time.Duration) error {
	if doc == nil {
		return nil
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKeyPrefix+ownerID, payload, ttl).Err()
}

func (c *RedisCache) GetSummary(ctx context.Context, key string) (*domain.StandingSummary, bool, error) {
	val, err := c.client.Get(ctx, summaryKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.StandingSummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisCache) SetSummary(ctx context.Context, key string, value *domain.StandingSummary, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, summaryKeyPrefix+key, payload, ttl).Err()
}
