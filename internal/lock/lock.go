// Package lock implements the per-resource Import Lock on Redis.
//
// A lock record stores "<expiryUnixMs>:<token>". Acquisition succeeds when the
// record is absent or its expiry has passed, decided inside one Lua script so
// no read-then-write race exists. The token lets Release refuse to delete a lock
// that was reclaimed by another job after this one overran its TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/feature-mirror/internal/cache/keys"
	"github.com/mohammed-shakir/feature-mirror/internal/cache/redisstore"
	"github.com/mohammed-shakir/feature-mirror/internal/core/model"
	"github.com/mohammed-shakir/feature-mirror/internal/core/observability"
)

// ErrNotHeld is returned by Release when the lock now belongs to another token.
var ErrNotHeld = errors.New("lock: held by another owner")

// keys: lock; argv: now ms, expiry ms, token, px ms
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
  local exp = tonumber(string.match(cur, "^(%d+):"))
  if exp and exp > tonumber(ARGV[1]) then
    return 0
  end
end
redis.call("SET", KEYS[1], ARGV[2] .. ":" .. ARGV[3], "PX", ARGV[4])
return 1
`)

// keys: lock; argv: token
var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
  return 0
end
local tok = string.match(cur, "^%d+:(.+)$")
if tok == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return -1
`)

// Lease is a granted lock.
type Lease struct {
	Key       model.ResourceKey
	Token     string
	ExpiresAt time.Time
}

type Locker struct {
	cli *redisstore.Client
	now func() time.Time
}

type Option func(*Locker)

// WithClock overrides the time source used to stamp and compare expiries.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

func New(cli *redisstore.Client, opts ...Option) *Locker {
	l := &Locker{cli: cli, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Acquire grants the lock for k when it is free or expired. ok=false means
// another holder owns an unexpired lock.
func (l *Locker) Acquire(ctx context.Context, k model.ResourceKey, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return Lease{}, false, fmt.Errorf("lock %s: ttl must be positive", k)
	}
	now := l.now()
	exp := now.Add(ttl)
	token := uuid.NewString()

	// redis-side expiry trails the logical one so a reclaimed record is never
	// evicted early; the logical expiry is what the script compares.
	px := (ttl + time.Minute).Milliseconds()

	v, err := l.cli.Eval(ctx, acquireScript, []string{keys.Lock(k)},
		now.UnixMilli(), exp.UnixMilli(), token, px)
	if err != nil {
		observability.ObserveLock("error")
		return Lease{}, false, fmt.Errorf("lock acquire %s: %w", k, err)
	}
	if n, _ := v.(int64); n != 1 {
		observability.ObserveLock("held")
		return Lease{}, false, nil
	}
	observability.ObserveLock("granted")
	return Lease{Key: k, Token: token, ExpiresAt: exp}, true, nil
}

// Release deletes the lock if it still carries the lease's token. Releasing an
// expired or already deleted lock is not an error.
func (l *Locker) Release(ctx context.Context, lease Lease) error {
	v, err := l.cli.Eval(ctx, releaseScript, []string{keys.Lock(lease.Key)}, lease.Token)
	if err != nil {
		return fmt.Errorf("lock release %s: %w", lease.Key, err)
	}
	if n, _ := v.(int64); n == -1 {
		return ErrNotHeld
	}
	return nil
}

// ForceRelease deletes the lock regardless of owner.
func (l *Locker) ForceRelease(ctx context.Context, k model.ResourceKey) error {
	if err := l.cli.Del(ctx, keys.Lock(k)); err != nil {
		return fmt.Errorf("lock force release %s: %w", k, err)
	}
	return nil
}

// Held reports whether an unexpired lock exists for k.
func (l *Locker) Held(ctx context.Context, k model.ResourceKey) (bool, error) {
	b, err := l.cli.Get(ctx, keys.Lock(k))
	if errors.Is(err, redisstore.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock held %s: %w", k, err)
	}
	exp, _, ok := parseRecord(string(b))
	if !ok {
		return false, nil
	}
	return exp.After(l.now()), nil
}

func parseRecord(s string) (time.Time, string, bool) {
	ms, tok, ok := strings.Cut(s, ":")
	if !ok {
		return time.Time{}, "", false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.UnixMilli(n), tok, true
}
