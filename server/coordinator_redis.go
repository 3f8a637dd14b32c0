// Copyright 2024 The Amoria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Compare-and-delete: remove the key only while the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisCoordinator backs the Coordinator contract with a shared Redis
// instance. Leases and soft-claims are SET NX PX keys holding the owner id,
// release is a compare-and-delete script, counters are INCR with PEXPIRE on
// first increment.
type RedisCoordinator struct {
	logger *zap.Logger
	config Config
	client *redis.Client
	prefix string
}

func NewRedisCoordinator(ctx context.Context, logger *zap.Logger, config Config) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.GetCoordinator().Address,
		Password: config.GetCoordinator().Password,
		DB:       config.GetCoordinator().DB,
	})

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	return &RedisCoordinator{
		logger: logger,
		config: config,
		client: client,
		prefix: "amoria:",
	}, nil
}

func (c *RedisCoordinator) key(parts ...string) string {
	return c.prefix + strings.Join(parts, "")
}

func (c *RedisCoordinator) AcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key("lease/", key), holderID, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the current holder, refreshing the TTL.
	holder, err := c.client.Get(ctx, c.key("lease/", key)).Result()
	if err == redis.Nil {
		return c.client.SetNX(ctx, c.key("lease/", key), holderID, ttl).Result()
	}
	if err != nil {
		return false, err
	}
	if holder == holderID {
		if err := c.client.PExpire(ctx, c.key("lease/", key), ttl).Err(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (c *RedisCoordinator) ReleaseLease(ctx context.Context, key, holderID string) error {
	return releaseScript.Run(ctx, c.client, []string{c.key("lease/", key)}, holderID).Err()
}

func (c *RedisCoordinator) SoftClaim(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key("claim/", key), holderID, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	holder, err := c.client.Get(ctx, c.key("claim/", key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return holder == holderID, nil
}

func (c *RedisCoordinator) ReleaseClaim(ctx context.Context, key, holderID string) error {
	return releaseScript.Run(ctx, c.client, []string{c.key("claim/", key)}, holderID).Err()
}

func (c *RedisCoordinator) RegisterWorker(ctx context.Context, workerID string, ttl time.Duration) error {
	return c.client.Set(ctx, c.key("worker/", workerID), workerID, ttl).Err()
}

func (c *RedisCoordinator) ListWorkers(ctx context.Context) ([]string, error) {
	keys, err := c.client.Keys(ctx, c.key("worker/", "*")).Result()
	if err != nil {
		return nil, err
	}
	workers := make([]string, 0, len(keys))
	for _, k := range keys {
		workers = append(workers, strings.TrimPrefix(k, c.key("worker/")))
	}
	return workers, nil
}

func (c *RedisCoordinator) IncrCounter(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	value, err := c.client.Incr(ctx, c.key("counter/", key)).Result()
	if err != nil {
		return 0, err
	}
	if value == 1 {
		if err := c.client.PExpire(ctx, c.key("counter/", key), ttl).Err(); err != nil {
			return value, err
		}
	}
	return value, nil
}

func (c *RedisCoordinator) Stop() {
	if err := c.client.Close(); err != nil {
		c.logger.Warn("Could not close coordinator client", zap.Error(err))
	}
}
