// Package redis implements a cluster-wide run lock as a Redis lease. The key
// is taken with SET NX PX and refreshed while the run is alive, so a crashed
// replica releases the lock when its lease expires.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config configures the Redis connection and lease.
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	TTL      time.Duration `mapstructure:"ttl"`
}

const (
	defaultKey = "events-ingest:run-lock"
	defaultTTL = 30 * time.Second
)

// compare-and-delete: only the holder may release.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// compare-and-extend: only the holder may refresh.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Lock is a lease-based state holder.
type Lock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	holder string
	stop   chan struct{}
	done   chan struct{}
}

// New builds a Lock over an existing client.
func New(client redis.UniversalClient, cfg Config, logger *zap.Logger) (*Lock, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	key := cfg.Key
	if key == "" {
		key = defaultKey
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl < 3*time.Millisecond {
		return nil, fmt.Errorf("lock ttl %s is too short", ttl)
	}
	return &Lock{client: client, key: key, ttl: ttl, logger: logger}, nil
}

// NewFromConfig dials Redis and checks the connection.
func NewFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*Lock, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, cfg, logger)
}

// TryAcquire takes the lease for runID. It reports false when another run
// (on any replica) holds it.
func (l *Lock) TryAcquire(ctx context.Context, runID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" {
		return false, nil
	}
	ok, err := l.client.SetNX(ctx, l.key, runID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	l.holder = runID
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.keepAlive(runID, l.stop, l.done)
	return true, nil
}

// Release drops the lease if runID still holds it.
func (l *Lock) Release(ctx context.Context, runID string) error {
	l.mu.Lock()
	if l.holder != runID {
		l.mu.Unlock()
		return nil
	}
	close(l.stop)
	done := l.done
	l.holder = ""
	l.mu.Unlock()
	<-done

	if err := releaseScript.Run(ctx, l.client, []string{l.key}, runID).Err(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

// Holder returns the run id recorded in Redis, or "" when the key is free.
func (l *Lock) Holder(ctx context.Context) (string, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read run lock: %w", err)
	}
	return v, nil
}

// Close closes the underlying client.
func (l *Lock) Close() error {
	return l.client.Close()
}

func (l *Lock) keepAlive(runID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.client, []string{l.key}, runID, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("run lock refresh failed", zap.String("run_id", runID), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Error("run lock lost", zap.String("run_id", runID))
				return
			}
		}
	}
}
