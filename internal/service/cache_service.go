package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
)

const pollKeyPrefix = "appel:poll:"

// CacheRepository abstracts persistence for cached payloads.
type CacheRepository interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// CacheService holds short-lived roll-call snapshots. A nil or disabled service behaves as a
// permanent miss so callers never branch on whether redis is configured.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: logger, enabled: enabled}
}

// PollKey is the cache key of an appel's presence snapshot.
func PollKey(appelID string) string {
	return pollKeyPrefix + appelID
}

func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// Get reports whether dest was filled from cache. Backend failures count as misses and are
// returned so callers may log them.
func (s *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if !s.Enabled() {
		return false, nil
	}
	start := time.Now()
	err := s.repo.Get(ctx, key, dest)
	s.observeRead(err == nil, time.Since(start))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, appErrors.ErrCacheMiss):
		return false, nil
	default:
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false, err
	}
}

// Set stores value under key; a non-positive ttl uses the default.
func (s *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	start := time.Now()
	err := s.repo.Set(ctx, key, value, ttl)
	if s.metrics != nil {
		s.metrics.ObserveCacheWrite(time.Since(start))
	}
	if err != nil {
		s.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

// Invalidate removes the given keys.
func (s *CacheService) Invalidate(ctx context.Context, keys ...string) error {
	if !s.Enabled() || len(keys) == 0 {
		return nil
	}
	if err := s.repo.Delete(ctx, keys...); err != nil {
		s.logger.Warn("cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
		return err
	}
	return nil
}

// InvalidatePolls drops the presence snapshots of the given appels. Errors are logged only:
// a stale snapshot expires on its own within the poll TTL.
func (s *CacheService) InvalidatePolls(ctx context.Context, appelIDs ...string) {
	keys := make([]string, 0, len(appelIDs))
	for _, id := range appelIDs {
		if id != "" {
			keys = append(keys, PollKey(id))
		}
	}
	_ = s.Invalidate(ctx, keys...)
}

func (s *CacheService) observeRead(hit bool, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(hit, d)
	}
}

// Remember returns the cached value for key, or calls load and caches its result.
// The boolean reports a cache hit. Load errors are never cached.
func Remember[T any](ctx context.Context, s *CacheService, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, bool, error) {
	var cached T
	if hit, err := s.Get(ctx, key, &cached); err == nil && hit {
		return cached, true, nil
	}
	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}
	_ = s.Set(ctx, key, value, ttl)
	return value, false, nil
}
