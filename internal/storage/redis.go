package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisContainer keeps append blobs as Redis lists and documents as plain
// string keys. LRANGE returns a point-in-time copy of a list, which gives
// ReadLines its snapshot semantics.
type RedisContainer struct {
	client *redis.Client
	prefix string
}

func NewRedisContainer(ctx context.Context, url, prefix string) (*RedisContainer, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("redis url cannot be empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisContainer(client, prefix), nil
}

func newRedisContainer(client *redis.Client, prefix string) *RedisContainer {
	if prefix == "" {
		prefix = "llmops:"
	}
	return &RedisContainer{client: client, prefix: prefix}
}

func (c *RedisContainer) linesKey(name string) string { return c.prefix + "lines:" + name }
func (c *RedisContainer) docKey(name string) string   { return c.prefix + "doc:" + name }
func (c *RedisContainer) indexKey() string            { return c.prefix + "blobs" }

func (c *RedisContainer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisContainer) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	member, err := c.client.SIsMember(ctx, c.indexKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("lookup blob %q: %w", name, err)
	}
	return member, nil
}

func (c *RedisContainer) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := c.client.SAdd(ctx, c.indexKey(), name).Err(); err != nil {
		return fmt.Errorf("create blob %q: %w", name, err)
	}
	return nil
}

func (c *RedisContainer) ReadLines(ctx context.Context, name string) ([][]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	values, err := c.client.LRange(ctx, c.linesKey(name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", name, err)
	}
	if len(values) == 0 {
		exists, err := c.Exists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
	}

	lines := make([][]byte, 0, len(values))
	for _, v := range values {
		lines = append(lines, []byte(v))
	}
	return lines, nil
}

func (c *RedisContainer) Append(ctx context.Context, name string, line []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	line, err := normalizeLine(line)
	if err != nil {
		return fmt.Errorf("append blob %q: %w", name, err)
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, c.indexKey(), name)
		pipe.RPush(ctx, c.linesKey(name), line)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append blob %q: %w", name, err)
	}
	return nil
}

func (c *RedisContainer) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	data, err := c.client.Get(ctx, c.docKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", name, err)
	}
	return data, nil
}

func (c *RedisContainer) Put(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, c.indexKey(), name)
		pipe.Set(ctx, c.docKey(name), data, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write blob %q: %w", name, err)
	}
	return nil
}
