package service

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateCategory labels an endpoint class with its own admission budget.
type RateCategory string

const (
	RateCategoryAuth  RateCategory = "auth"
	RateCategoryAPI   RateCategory = "api"
	RateCategoryAdmin RateCategory = "admin"
)

// RateLimitConfig holds per-category requests-per-minute budgets and the idle
// TTL after which unused buckets are swept.
type RateLimitConfig struct {
	AuthPerMinute  int
	APIPerMinute   int
	AdminPerMinute int
	IdleBucketTTL  time.Duration
}

// rateBucket is the shared mutable state for one (clientKey, category) pair.
// available refills continuously over elapsed wall-clock time, capped at the
// category capacity.
type rateBucket struct {
	mu         sync.Mutex
	available  float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// refillLocked advances the bucket to now. Callers hold b.mu.
func (b *rateBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.available = math.Min(b.capacity, b.available+elapsed*b.refillRate)
	b.lastRefill = now
}

// RateLimitService is an in-memory per-client token-bucket admission control.
// State is process-local: a multi-instance deployment needs a shared counter
// store instead.
type RateLimitService struct {
	mu      sync.RWMutex
	buckets map[string]*rateBucket

	budgets map[RateCategory]int
	idleTTL time.Duration
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimitService constructs the limiter.
func NewRateLimitService(cfg RateLimitConfig, metrics *MetricsService, logger *zap.Logger) *RateLimitService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleBucketTTL <= 0 {
		cfg.IdleBucketTTL = time.Hour
	}
	return &RateLimitService{
		buckets: make(map[string]*rateBucket),
		budgets: map[RateCategory]int{
			RateCategoryAuth:  cfg.AuthPerMinute,
			RateCategoryAPI:   cfg.APIPerMinute,
			RateCategoryAdmin: cfg.AdminPerMinute,
		},
		idleTTL: cfg.IdleBucketTTL,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// TryAdmit consumes one token from the bucket for (clientKey, category),
// creating the bucket lazily on first use. Returns false when the bucket is
// empty.
func (s *RateLimitService) TryAdmit(clientKey string, category RateCategory) bool {
	bucket := s.bucket(clientKey, category)
	now := s.now()

	bucket.mu.Lock()
	bucket.refillLocked(now)
	bucket.lastUsed = now
	admitted := bucket.available >= 1
	if admitted {
		bucket.available--
	}
	bucket.mu.Unlock()

	if !admitted {
		s.logger.Warn("rate limit exceeded",
			zap.String("client", clientKey),
			zap.String("category", string(category)))
		if s.metrics != nil {
			s.metrics.RecordRateLimitDenial(string(category))
		}
	}
	return admitted
}

// Remaining exposes the current available count for response headers. Returns
// 0 when no bucket exists yet.
func (s *RateLimitService) Remaining(clientKey string, category RateCategory) int {
	s.mu.RLock()
	bucket, ok := s.buckets[bucketKey(clientKey, category)]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	bucket.mu.Lock()
	bucket.refillLocked(s.now())
	remaining := int(bucket.available)
	bucket.mu.Unlock()
	return remaining
}

// RetryAfter estimates the seconds until one token becomes available.
func (s *RateLimitService) RetryAfter(clientKey string, category RateCategory) int {
	s.mu.RLock()
	bucket, ok := s.buckets[bucketKey(clientKey, category)]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	bucket.refillLocked(s.now())
	if bucket.available >= 1 {
		return 0
	}
	deficit := 1 - bucket.available
	return int(math.Ceil(deficit / bucket.refillRate))
}

// Reset drops every category bucket for a client key. Admin function.
func (s *RateLimitService) Reset(clientKey string) {
	s.mu.Lock()
	for category := range s.budgets {
		delete(s.buckets, bucketKey(clientKey, category))
	}
	s.mu.Unlock()
	s.logger.Info("rate limit reset", zap.String("client", clientKey))
}

// Stats snapshots the available count of every live bucket.
func (s *RateLimitService) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int, len(s.buckets))
	now := s.now()
	for key, bucket := range s.buckets {
		bucket.mu.Lock()
		bucket.refillLocked(now)
		stats[key] = int(bucket.available)
		bucket.mu.Unlock()
	}
	return stats
}

// SweepIdle removes buckets untouched for longer than the idle TTL, bounding
// memory growth from ephemeral client keys.
func (s *RateLimitService) SweepIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, bucket := range s.buckets {
		bucket.mu.Lock()
		idle := now.Sub(bucket.lastUsed) > s.idleTTL
		bucket.mu.Unlock()
		if idle {
			delete(s.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("swept idle rate buckets", zap.Int("removed", removed))
	}
	return removed
}

// bucket returns the bucket for (clientKey, category), creating it lazily.
func (s *RateLimitService) bucket(clientKey string, category RateCategory) *rateBucket {
	key := bucketKey(clientKey, category)

	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok = s.buckets[key]; ok {
		return bucket
	}

	budget := s.budgets[category]
	now := s.now()
	bucket = &rateBucket{
		available:  float64(budget),
		capacity:   float64(budget),
		refillRate: float64(budget) / 60.0,
		lastRefill: now,
		lastUsed:   now,
	}
	s.buckets[key] = bucket
	return bucket
}

func bucketKey(clientKey string, category RateCategory) string {
	return clientKey + ":" + string(category)
}
