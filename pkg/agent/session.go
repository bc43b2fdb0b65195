package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/skiff-cloud/skiff/pkg/common"
)

// SessionCache maps a project to its capability session ID. Sessions give the
// backend provider conversational continuity across task executions; losing
// one only costs context, so both implementations are allowed to evict.
type SessionCache interface {
	// GetOrCreate returns the cached session ID for a project, minting and
	// caching a fresh one when absent or expired.
	GetOrCreate(ctx context.Context, projectId string) (string, error)

	// Invalidate drops the session so the next call mints a new one
	Invalidate(ctx context.Context, projectId string) error
}

func newSessionId() string {
	return common.GenerateID("sess")
}

// RedisSessionCache stores sessions in Redis with a TTL, shared across
// gateway replicas.
type RedisSessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionCache(client *redis.Client, ttl time.Duration) *RedisSessionCache {
	return &RedisSessionCache{client: client, ttl: ttl}
}

func sessionKey(projectId string) string {
	return fmt.Sprintf("agent:session:%s", projectId)
}

func (c *RedisSessionCache) GetOrCreate(ctx context.Context, projectId string) (string, error) {
	key := sessionKey(projectId)

	sessionId, err := c.client.Get(ctx, key).Result()
	if err == nil {
		// Refresh the TTL so active projects keep their session
		c.client.Expire(ctx, key, c.ttl)
		return sessionId, nil
	}
	if !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("get session: %w", err)
	}

	sessionId = newSessionId()
	// SetNX so two racing callers converge on one session
	ok, err := c.client.SetNX(ctx, key, sessionId, c.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	if !ok {
		return c.client.Get(ctx, key).Result()
	}
	return sessionId, nil
}

func (c *RedisSessionCache) Invalidate(ctx context.Context, projectId string) error {
	return c.client.Del(ctx, sessionKey(projectId)).Err()
}

// LocalSessionCache keeps sessions in an in-process expirable LRU, for local
// mode and tests.
type LocalSessionCache struct {
	cache *expirable.LRU[string, string]
}

func NewLocalSessionCache(ttl time.Duration) *LocalSessionCache {
	return &LocalSessionCache{
		cache: expirable.NewLRU[string, string](256, nil, ttl),
	}
}

func (c *LocalSessionCache) GetOrCreate(ctx context.Context, projectId string) (string, error) {
	if sessionId, ok := c.cache.Get(projectId); ok {
		return sessionId, nil
	}
	sessionId := newSessionId()
	c.cache.Add(projectId, sessionId)
	return sessionId, nil
}

func (c *LocalSessionCache) Invalidate(ctx context.Context, projectId string) error {
	c.cache.Remove(projectId)
	return nil
}
