package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"github.com/funnyzak/reqsnipe/pkg/request"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisMaxRetries  = 3

	redisKVSegment       = "kv:"
	redisAttemptsSegment = "attempts"
)

type redisStore struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
	log         logger.Logger

	closeOnce sync.Once
	closeErr  error
}

func newRedisStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	rc := cfg.Redis
	if rc.Host == "" {
		return nil, fmt.Errorf("redis host is required")
	}
	dialTimeout := rc.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultRedisDialTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort(rc.Host, strconv.Itoa(rc.Port)),
		Password:    rc.Password,
		DB:          rc.DB,
		DialTimeout: dialTimeout,
		MaxRetries:  defaultRedisMaxRetries,
	})

	s := &redisStore{
		client:      client,
		prefix:      rc.Prefix,
		maxAttempts: cfg.MaxAttempts,
		log:         log,
	}

	if err := s.pingWithRetry(context.Background(), defaultRedisMaxRetries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *redisStore) kvKey(key string) string {
	return s.prefix + redisKVSegment + key
}

func (s *redisStore) attemptsKey() string {
	return s.prefix + redisAttemptsSegment
}

func (s *redisStore) Get(ctx context.Context, key, def string) (string, error) {
	value, err := s.client.Get(ctx, s.kvKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("read key %s: %w", key, err)
	}
	return value, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.kvKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("write key %s: %w", key, err)
	}
	return nil
}

// RecordAttempt pushes the attempt to the head of a capped list.
func (s *redisStore) RecordAttempt(ctx context.Context, attempt *request.Attempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is nil")
	}
	payload, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.attemptsKey(), payload)
	if s.maxAttempts > 0 {
		pipe.LTrim(ctx, s.attemptsKey(), 0, int64(s.maxAttempts-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (s *redisStore) ListAttempts(ctx context.Context, limit int) ([]*request.Attempt, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, s.attemptsKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	out := make([]*request.Attempt, 0, len(raw))
	for _, item := range raw {
		var attempt request.Attempt
		if err := json.Unmarshal([]byte(item), &attempt); err != nil {
			s.log.Warn("Skipping malformed attempt record", "error", err)
			continue
		}
		out = append(out, &attempt)
	}
	return out, nil
}

// Close releases the client. It is idempotent.
func (s *redisStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func (s *redisStore) pingWithRetry(ctx context.Context, maxRetries int) error {
	attempts := maxRetries + 1
	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := s.client.Ping(ctx).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
