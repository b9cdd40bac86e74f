// Package redisstore wraps the Redis operations used by the cache and the import lock.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/feature-mirror/internal/core/observability"
)

// ErrNil is returned by Get for a missing key.
var ErrNil = errors.New("redis: key not found")

// ErrGuardMissing is returned by guarded writes when the guard key is gone.
var ErrGuardMissing = errors.New("redis: guard key missing")

const maxTxRetries = 8

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		return nil, ErrNil
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis GET %q: %w", key, err)
	}
	return b, nil
}

func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, ttl).Err()
	observability.ObserveCacheOp("set", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	n, err := c.rdb.Exists(ctx, key).Result()
	observability.ObserveCacheOp("exists", err, time.Since(start).Seconds())
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %q: %w", key, err)
	}
	return n > 0, nil
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	n, err := c.rdb.LLen(ctx, key).Result()
	observability.ObserveCacheOp("llen", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis LLEN %q: %w", key, err)
	}
	return n, nil
}

// LRange returns the whole list when stop is -1.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	t0 := time.Now()
	vals, err := c.rdb.LRange(ctx, key, start, stop).Result()
	observability.ObserveCacheOp("lrange", err, time.Since(t0).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %q: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// ReplaceList atomically swaps the list at key for vals.
func (c *Client) ReplaceList(ctx context.Context, key string, vals [][]byte) error {
	start := time.Now()
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(vals) > 0 {
			p.RPush(ctx, key, toArgs(vals)...)
		}
		return nil
	})
	observability.ObserveCacheOp("replace", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis replace list %q: %w", key, err)
	}
	return nil
}

// AppendGuarded appends vals to the list at key only while guard exists. The
// guard is watched so a concurrent delete of it aborts the append.
func (c *Client) AppendGuarded(ctx context.Context, guard, key string, vals [][]byte) error {
	if len(vals) == 0 {
		return nil
	}
	start := time.Now()
	err := c.watchRetry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, guard).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrGuardMissing
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.RPush(ctx, key, toArgs(vals)...)
			return nil
		})
		return err
	}, guard)
	observability.ObserveCacheOp("append", err, time.Since(start).Seconds())
	if errors.Is(err, ErrGuardMissing) {
		return ErrGuardMissing
	}
	if err != nil {
		return fmt.Errorf("redis append %q: %w", key, err)
	}
	return nil
}

// FilterList rewrites the list at key keeping only the values keep accepts.
// The list is watched, so values appended concurrently are never lost.
func (c *Client) FilterList(ctx context.Context, key string, keep func([]byte) bool) (int, error) {
	start := time.Now()
	removed := 0
	err := c.watchRetry(ctx, func(tx *redis.Tx) error {
		vals, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		kept := make([]any, 0, len(vals))
		for _, v := range vals {
			if keep([]byte(v)) {
				kept = append(kept, v)
			}
		}
		removed = len(vals) - len(kept)
		if removed == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			if len(kept) > 0 {
				p.RPush(ctx, key, kept...)
			}
			return nil
		})
		return err
	}, key)
	observability.ObserveCacheOp("filter", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("redis filter list %q: %w", key, err)
	}
	return removed, nil
}

// Update runs a read-modify-write of key under WATCH. fn receives nil when the
// key is missing; returning ErrGuardMissing or any error aborts without writing.
func (c *Client) Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error {
	start := time.Now()
	err := c.watchRetry(ctx, func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			old = nil
		} else if err != nil {
			return err
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}, key)
	observability.ObserveCacheOp("update", err, time.Since(start).Seconds())
	return err
}

// Eval runs a Lua script (EVALSHA with EVAL fallback).
func (c *Client) Eval(ctx context.Context, s *redis.Script, keys []string, args ...any) (any, error) {
	start := time.Now()
	v, err := s.Run(ctx, c.rdb, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	observability.ObserveCacheOp("eval", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis EVAL: %w", err)
	}
	return v, nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func (c *Client) watchRetry(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := c.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis tx on %v: %w", keys, redis.TxFailedErr)
}

func toArgs(vals [][]byte) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}
