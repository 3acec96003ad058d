package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the Redis connection shared by run stores.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"      env:"URL"`
	Password string `yaml:"password" env:"PASSWORD"`
	Prefix   string `yaml:"prefix"   env:"PREFIX"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "llmbatch"
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) runsKey() string {
	return c.prefix + ":runs"
}

func (c *Client) outcomesKey(runID string) string {
	return fmt.Sprintf("%s:%s:outcomes", c.prefix, runID)
}

func (c *Client) snapshotKey(runID string) string {
	return fmt.Sprintf("%s:%s:snapshot", c.prefix, runID)
}

func (c *Client) failuresKey(runID string) string {
	return fmt.Sprintf("%s:%s:failures", c.prefix, runID)
}

func (c *Client) manifestKey(runID string) string {
	return fmt.Sprintf("%s:%s:manifest", c.prefix, runID)
}

// RegisterRun adds runID to the run index, scored by creation time.
func (c *Client) RegisterRun(ctx context.Context, runID string, createdAt time.Time) error {
	z := redis.Z{Score: float64(createdAt.Unix()), Member: runID}
	if err := c.rdb.ZAddNX(ctx, c.runsKey(), z).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// HasRun reports whether runID is in the run index.
func (c *Client) HasRun(ctx context.Context, runID string) (bool, error) {
	_, err := c.rdb.ZScore(ctx, c.runsKey(), runID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("zscore failed: %w", err)
	}
	return true, nil
}

// ListRuns returns all run ids, oldest first.
func (c *Client) ListRuns(ctx context.Context) ([]string, error) {
	return c.rdb.ZRange(ctx, c.runsKey(), 0, -1).Result()
}

// DeleteRun removes every key belonging to runID.
func (c *Client) DeleteRun(ctx context.Context, runID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, c.outcomesKey(runID), c.snapshotKey(runID), c.failuresKey(runID), c.manifestKey(runID))
	pipe.ZRem(ctx, c.runsKey(), runID)
	_, err := pipe.Exec(ctx)
	return err
}
