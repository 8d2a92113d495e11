// Package cache provides the two-tier cache in front of guideline documents:
// an in-process expirable LRU and a shared Redis tier guarded by a circuit
// breaker.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/immunolab/immunolab-server/internal/domain"
)

const keyPrefix = "immunolab:guidelines:"

// CachedDocument is the Redis envelope for a guideline document
type CachedDocument struct {
	Data      *domain.GuidelineDocument `json:"data"`
	CachedAt  time.Time                 `json:"cached_at"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

// Stats reports cache effectiveness since start.
type Stats struct {
	MemoryHits   int64  `json:"memory_hits"`
	RedisHits    int64  `json:"redis_hits"`
	Misses       int64  `json:"misses"`
	RedisErrors  int64  `json:"redis_errors"`
	MemoryLen    int    `json:"memory_len"`
	BreakerState string `json:"breaker_state"`
}

// GuidelineCache serves guideline documents from memory, then Redis, then
// the backing source. Redis failures and an open breaker degrade to a miss.
type GuidelineCache struct {
	source  domain.GuidelineSource
	memory  *lru.LRU[string, *domain.GuidelineDocument]
	redis   *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	log     *logrus.Logger

	// generations counts invalidations per category. A load started under an
	// older generation is returned but not stored.
	mu          sync.Mutex
	generations map[string]uint64

	memoryHits  atomic.Int64
	redisHits   atomic.Int64
	misses      atomic.Int64
	redisErrors atomic.Int64
}

// NewGuidelineCache builds the cache. An empty RedisURL disables the shared
// tier. The Redis connection is not checked here; an unreachable server trips
// the breaker on first use.
func NewGuidelineCache(source domain.GuidelineSource, config domain.CacheConfig, logger *logrus.Logger) (*GuidelineCache, error) {
	size := config.MemorySize
	if size <= 0 {
		size = 64
	}
	memTTL := config.MemoryTTL
	if memTTL <= 0 {
		memTTL = 5 * time.Minute
	}
	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	c := &GuidelineCache{
		source:      source,
		memory:      lru.NewLRU[string, *domain.GuidelineDocument](size, nil, memTTL),
		ttl:         ttl,
		log:         logger,
		generations: make(map[string]uint64),
	}

	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		if config.PoolSize > 0 {
			opts.PoolSize = config.PoolSize
		}
		c.redis = redis.NewClient(opts)
	}

	failures := config.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := config.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "guideline-redis",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return c, nil
}

// GetDocument returns the guideline document for category.
func (c *GuidelineCache) GetDocument(ctx context.Context, category string) (*domain.GuidelineDocument, error) {
	if doc, ok := c.memory.Get(category); ok {
		c.memoryHits.Add(1)
		return cloneDocument(doc), nil
	}

	gen := c.generation(category)

	if doc, ok := c.getRedis(ctx, category); ok {
		c.redisHits.Add(1)
		c.storeMemory(category, gen, doc)
		return cloneDocument(doc), nil
	}

	c.misses.Add(1)
	doc, err := c.source.GetDocument(ctx, category)
	if err != nil {
		return nil, err
	}

	if !c.storeMemory(category, gen, cloneDocument(doc)) {
		return doc, nil
	}
	c.setRedis(ctx, category, doc)
	if c.generation(category) != gen {
		// invalidated while the entry was being written
		c.deleteRedis(ctx, category)
	}
	return doc, nil
}

// Invalidate drops category from both tiers.
func (c *GuidelineCache) Invalidate(ctx context.Context, category string) {
	c.mu.Lock()
	c.generations[category]++
	c.memory.Remove(category)
	c.mu.Unlock()

	c.deleteRedis(ctx, category)
}

func (c *GuidelineCache) generation(category string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[category]
}

// storeMemory adds doc unless category was invalidated since gen was read.
func (c *GuidelineCache) storeMemory(category string, gen uint64, doc *domain.GuidelineDocument) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[category] != gen {
		return false
	}
	c.memory.Add(category, doc)
	return true
}

func (c *GuidelineCache) deleteRedis(ctx context.Context, category string) {
	if c.redis == nil {
		return
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.redis.Del(ctx, keyPrefix+category).Err()
	})
	if err != nil {
		c.redisErrors.Add(1)
		c.log.WithFields(logrus.Fields{
			"category": category,
			"error":    err,
		}).Warn("Failed to invalidate Redis guideline entry")
	}
}

// Stats returns a snapshot of the hit and miss counters.
func (c *GuidelineCache) Stats() Stats {
	return Stats{
		MemoryHits:   c.memoryHits.Load(),
		RedisHits:    c.redisHits.Load(),
		Misses:       c.misses.Load(),
		RedisErrors:  c.redisErrors.Load(),
		MemoryLen:    c.memory.Len(),
		BreakerState: c.breaker.State().String(),
	}
}

// Ping checks the Redis tier, if configured.
func (c *GuidelineCache) Ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

// Close releases the Redis client.
func (c *GuidelineCache) Close() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *GuidelineCache) getRedis(ctx context.Context, category string) (*domain.GuidelineDocument, bool) {
	if c.redis == nil {
		return nil, false
	}

	key := keyPrefix + category
	result, err := c.breaker.Execute(func() (interface{}, error) {
		val, err := c.redis.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// a miss is not a failure
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		c.redisErrors.Add(1)
		c.log.WithFields(logrus.Fields{
			"category": category,
			"error":    err,
		}).Debug("Redis guideline lookup failed")
		return nil, false
	}
	raw, _ := result.([]byte)
	if raw == nil {
		return nil, false
	}

	var cached CachedDocument
	if err := json.Unmarshal(raw, &cached); err != nil || cached.Data == nil {
		c.redis.Del(ctx, key)
		return nil, false
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false
	}
	return cached.Data, true
}

func (c *GuidelineCache) setRedis(ctx context.Context, category string, doc *domain.GuidelineDocument) {
	if c.redis == nil {
		return
	}

	now := time.Now()
	payload, err := json.Marshal(CachedDocument{
		Data:      doc,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		return
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.redis.Set(ctx, keyPrefix+category, payload, c.ttl).Err()
	})
	if err != nil {
		c.redisErrors.Add(1)
		c.log.WithFields(logrus.Fields{
			"category": category,
			"error":    err,
		}).Debug("Redis guideline store failed")
	}
}

func cloneDocument(doc *domain.GuidelineDocument) *domain.GuidelineDocument {
	out := *doc
	out.Guidelines = make([]domain.Guideline, len(doc.Guidelines))
	for i, g := range doc.Guidelines {
		g.References = append([]domain.ReferenceInterval(nil), g.References...)
		out.Guidelines[i] = g
	}
	return &out
}
