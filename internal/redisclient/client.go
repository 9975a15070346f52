package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/apperrors"
	"order-fulfillment/internal/models"

	"github.com/go-redis/redis/v8"
)

// DefaultExecutionTTL is how long a workflow handle stays queryable
const DefaultExecutionTTL = 7 * 24 * time.Hour

// Client keeps workflow handles in Redis
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClient creates a new Redis client and checks the connection
func NewClient(addr, password string, db int, ttl time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientFromRedis(rdb, ttl), nil
}

// NewClientFromRedis wraps an existing connection
func NewClientFromRedis(rdb *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultExecutionTTL
	}
	return &Client{rdb: rdb, ttl: ttl}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks that Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return apperrors.Transient("redis unavailable", err)
	}
	return nil
}

func executionKey(id string) string {
	return fmt.Sprintf("execution:%s", id)
}

func leaseKey(id string) string {
	return fmt.Sprintf("execution:%s:lease", id)
}

// releaseLease deletes the lease only if it still carries the caller's token
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// SaveExecution stores the execution as JSON, refreshing its TTL
func (c *Client) SaveExecution(ctx context.Context, exec *models.Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	if err := c.rdb.Set(ctx, executionKey(exec.ID), data, c.ttl).Err(); err != nil {
		return apperrors.Transient("failed to save execution", err)
	}
	return nil
}

// AcquireLease claims the execution with SET NX and a TTL
func (c *Client) AcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, leaseKey(executionID), owner, ttl).Result()
	if err != nil {
		return false, apperrors.Transient("failed to acquire execution lease", err)
	}
	return ok, nil
}

// ReleaseLease drops the lease if owner still holds it
func (c *Client) ReleaseLease(ctx context.Context, executionID, owner string) error {
	if err := releaseLease.Run(ctx, c.rdb, []string{leaseKey(executionID)}, owner).Err(); err != nil {
		return apperrors.Transient("failed to release execution lease", err)
	}
	return nil
}

// GetExecution loads an execution by its handle
func (c *Client) GetExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	data, err := c.rdb.Get(ctx, executionKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound("execution %s not found", executionID)
	}
	if err != nil {
		return nil, apperrors.Transient("failed to load execution", err)
	}

	var exec models.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &exec, nil
}
