package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld reports that another ingester owns the run lock.
	ErrLockHeld = errors.New("ingestion lock is held by another run")
	// ErrLockLost reports that the lock expired or changed owner while a run held it.
	ErrLockLost = errors.New("ingestion lock was lost")
)

const (
	defaultLockKey = "oss-participation:ingest-lock"
	defaultLockTTL = 6 * time.Hour
)

// releaseScript deletes the lock only while it still carries our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// extendScript resets the TTL only while the lock still carries our token.
const extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

type lockCommander interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// RedisLockConfig configures the single-writer lock.
type RedisLockConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// RedisLock keeps two ingesters from writing the same store at once.
type RedisLock struct {
	client lockCommander
	closer func() error
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

// NewRedisLock connects to Redis at cfg.Addr.
func NewRedisLock(cfg RedisLockConfig) (*RedisLock, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis lock address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	lock := newRedisLockWithClient(client, cfg.Key, cfg.TTL)
	lock.closer = client.Close
	return lock, nil
}

func newRedisLockWithClient(client lockCommander, key string, ttl time.Duration) *RedisLock {
	if strings.TrimSpace(key) == "" {
		key = defaultLockKey
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// Acquire takes the lock or returns ErrLockHeld.
func (l *RedisLock) Acquire(ctx context.Context) error {
	if l == nil || l.client == nil {
		return fmt.Errorf("redis lock is not initialized")
	}
	token, err := newLockToken()
	if err != nil {
		return err
	}

	acquired, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %q: %w", l.key, err)
	}
	if !acquired {
		return fmt.Errorf("acquire lock %q: %w", l.key, ErrLockHeld)
	}

	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return nil
}

// Extend pushes the lock expiry a full TTL into the future. It returns ErrLockLost when
// the lock is no longer ours.
func (l *RedisLock) Extend(ctx context.Context) error {
	if l == nil || l.client == nil {
		return fmt.Errorf("redis lock is not initialized")
	}
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()
	if token == "" {
		return fmt.Errorf("extend lock %q: %w", l.key, ErrLockLost)
	}

	extended, err := l.client.Eval(ctx, extendScript, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %q: %w", l.key, err)
	}
	if extended == 0 {
		l.mu.Lock()
		if l.token == token {
			l.token = ""
		}
		l.mu.Unlock()
		return fmt.Errorf("extend lock %q: %w", l.key, ErrLockLost)
	}
	return nil
}

// Release drops the lock if this holder still owns it. Releasing an expired or
// unacquired lock is a no-op.
func (l *RedisLock) Release(ctx context.Context) error {
	if l == nil || l.client == nil {
		return nil
	}
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()
	if token == "" {
		return nil
	}

	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("release lock %q: %w", l.key, err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (l *RedisLock) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer()
}

func newLockToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
