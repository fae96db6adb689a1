// Package cache keeps recent provider answers so a rerun over the same terms
// and timeframe does not spend provider quota again.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/svi-collector/internal/collector"
	"github.com/JakeFAU/svi-collector/internal/metrics"
)

// ErrMiss indicates the requested key is not cached.
var ErrMiss = errors.New("cache miss")

const keyPrefix = "svi:frame:"

// Store is a byte store with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// RedisStore implements Store on a go-redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns ErrMiss when key does not exist.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Set stores data for ttl.
func (s *RedisStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Provider decorates a collector.Provider with a read-through frame cache.
// Cache failures degrade to a direct provider call. Errors and empty frames
// are never cached.
type Provider struct {
	next   collector.Provider
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewProvider wraps next.
func NewProvider(next collector.Provider, store Store, ttl time.Duration, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{next: next, store: store, ttl: ttl, logger: logger}
}

// Key derives the cache key for a query. Term order matters because frame
// columns follow it.
func Key(terms []string, timeframe string) string {
	sum := sha256.Sum256([]byte(timeframe + "\x00" + strings.Join(terms, "\x00")))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// InterestOverTime serves from the cache when possible.
func (p *Provider) InterestOverTime(ctx context.Context, terms []string, timeframe string) (collector.Frame, error) {
	key := Key(terms, timeframe)
	if frame, ok := p.lookup(ctx, key); ok {
		return frame, nil
	}
	frame, err := p.next.InterestOverTime(ctx, terms, timeframe)
	if err != nil || frame.Empty() {
		return frame, err
	}
	data, merr := json.Marshal(frame)
	if merr != nil {
		p.logger.Warn("encode frame for cache failed", zap.Error(merr))
		return frame, nil
	}
	if serr := p.store.Set(ctx, key, data, p.ttl); serr != nil {
		p.logger.Warn("frame cache write failed", zap.Error(serr))
	}
	return frame, nil
}

func (p *Provider) lookup(ctx context.Context, key string) (collector.Frame, bool) {
	data, err := p.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrMiss):
		metrics.ObserveCache("miss")
		return collector.Frame{}, false
	case err != nil:
		metrics.ObserveCache("error")
		p.logger.Warn("frame cache read failed", zap.Error(err))
		return collector.Frame{}, false
	}
	var frame collector.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Empty() {
		metrics.ObserveCache("error")
		p.logger.Warn("discarding unreadable cached frame", zap.String("key", key))
		return collector.Frame{}, false
	}
	metrics.ObserveCache("hit")
	return frame, true
}
