package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"homehub/internal/models"
)

// NewRedisClient creates a Redis client and checks the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// StateCache keeps the last canonical state of every device under
// device:<id>. A zero ttl keeps entries until they are overwritten.
type StateCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStateCache(client *redis.Client, ttl time.Duration) *StateCache {
	return &StateCache{client: client, ttl: ttl}
}

func stateKey(deviceID string) string {
	return "device:" + deviceID
}

func (c *StateCache) Store(ctx context.Context, u models.StateUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, stateKey(u.DeviceID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache state of %s: %w", u.DeviceID, err)
	}
	return nil
}

// Load returns false when nothing is cached for the device.
func (c *StateCache) Load(ctx context.Context, deviceID string) (models.StateUpdate, bool, error) {
	raw, err := c.client.Get(ctx, stateKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.StateUpdate{}, false, nil
	}
	if err != nil {
		return models.StateUpdate{}, false, fmt.Errorf("load cached state of %s: %w", deviceID, err)
	}
	var u models.StateUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return models.StateUpdate{}, false, fmt.Errorf("decode cached state of %s: %w", deviceID, err)
	}
	return u, true, nil
}

func (c *StateCache) Forget(ctx context.Context, deviceID string) error {
	return c.client.Del(ctx, stateKey(deviceID)).Err()
}
