package cache

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"

	"example.com/cragfeed/internal/domain"
)

// LocalConfig sizes the in-process page cache.
type LocalConfig struct {
	MaxPages int64
	TTL      time.Duration
}

// LocalPageCache keeps feed pages in process memory. Its generation is local
// to the process, so it only suits a single API instance.
type LocalPageCache struct {
	client     *ristretto.Cache
	generation atomic.Int64
	ttl        time.Duration
}

// NewLocalPageCache builds a ristretto-backed domain.PageCache. Each page
// costs one unit, so MaxPages bounds the entry count.
func NewLocalPageCache(cfg LocalConfig) (*LocalPageCache, error) {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	client, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.MaxPages * 10,
		MaxCost:            cfg.MaxPages,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int64("max_pages", cfg.MaxPages).Dur("ttl", cfg.TTL).Msg("local feed cache initialized")
	return &LocalPageCache{client: client, ttl: cfg.TTL}, nil
}

func localKey(generation int64, key string) string {
	return strconv.FormatInt(generation, 10) + ":" + key
}

// Generation returns the current feed generation.
func (c *LocalPageCache) Generation(context.Context) (int64, error) {
	return c.generation.Load(), nil
}

// Load fetches cached rows for key at generation.
func (c *LocalPageCache) Load(_ context.Context, generation int64, key string) ([]domain.Activity, bool, error) {
	value, ok := c.client.Get(localKey(generation, key))
	if !ok {
		return nil, false, nil
	}
	rows, ok := value.([]domain.Activity)
	if !ok {
		return nil, false, nil
	}
	return append([]domain.Activity(nil), rows...), true, nil
}

// Store caches a copy of rows. Writes are flushed before returning so a
// following Load observes them.
func (c *LocalPageCache) Store(_ context.Context, generation int64, key string, rows []domain.Activity) error {
	c.client.SetWithTTL(localKey(generation, key), append([]domain.Activity(nil), rows...), 1, c.ttl)
	c.client.Wait()
	return nil
}

// Invalidate bumps the generation. Old pages age out through the TTL.
func (c *LocalPageCache) Invalidate(context.Context) error {
	c.generation.Add(1)
	return nil
}

// Close stops the cache's background goroutines.
func (c *LocalPageCache) Close() {
	c.client.Close()
}
