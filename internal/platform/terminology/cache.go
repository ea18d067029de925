package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Default terminology cache bounds.
const (
	DefaultCacheSize    = 100
	DefaultCacheTTL     = 60 * time.Minute
	DefaultFetchTimeout = 30 * time.Second
)

// CacheRecorder receives cache lookup results: hit, remote_hit or miss.
type CacheRecorder interface {
	ObserveTerminologyCache(result string)
}

// CacheConfig bounds the in-process cache and optionally enables a shared
// Redis layer behind it. FetchTimeout bounds one shared upstream expansion,
// which runs detached from the cancellation of the caller that started it.
type CacheConfig struct {
	Size         int
	TTL          time.Duration
	FetchTimeout time.Duration
	Redis        *redis.Client
	RedisPrefix  string
}

// CachedProvider memoizes expansions of another provider. Entries are
// evicted least-recently-used beyond Size and expire TTL after insertion.
// Concurrent misses for the same value set share one upstream call.
type CachedProvider struct {
	next     Provider
	entries  *lru.LRU[string, []Code]
	group    singleflight.Group
	redis    *redis.Client
	prefix   string
	ttl      time.Duration
	timeout  time.Duration
	recorder CacheRecorder
	logger   zerolog.Logger
}

// NewCachedProvider wraps next. recorder may be nil.
func NewCachedProvider(next Provider, cfg CacheConfig, recorder CacheRecorder, logger zerolog.Logger) *CachedProvider {
	if cfg.Size <= 0 {
		cfg.Size = DefaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "cds:valueset:"
	}
	return &CachedProvider{
		next:     next,
		entries:  lru.NewLRU[string, []Code](cfg.Size, nil, cfg.TTL),
		redis:    cfg.Redis,
		prefix:   cfg.RedisPrefix,
		ttl:      cfg.TTL,
		timeout:  cfg.FetchTimeout,
		recorder: recorder,
		logger:   logger.With().Str("component", "terminology_cache").Logger(),
	}
}

func (p *CachedProvider) Expand(ctx context.Context, valueSet string) ([]Code, error) {
	key := NormalizeValueSetID(valueSet)
	if codes, ok := p.entries.Get(key); ok {
		p.observe("hit")
		return append([]Code(nil), codes...), nil
	}

	ch := p.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		if codes, ok := p.fromRedis(ctx, key); ok {
			p.observe("remote_hit")
			p.entries.Add(key, codes)
			return codes, nil
		}
		p.observe("miss")
		codes, err := p.next.Expand(ctx, key)
		if err != nil {
			return nil, err
		}
		p.entries.Add(key, codes)
		p.toRedis(ctx, key, codes)
		return codes, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]Code(nil), res.Val.([]Code)...), nil
	}
}

// Len returns the number of live in-process entries.
func (p *CachedProvider) Len() int {
	return p.entries.Len()
}

// Purge drops all in-process entries.
func (p *CachedProvider) Purge() {
	p.entries.Purge()
}

func (p *CachedProvider) fromRedis(ctx context.Context, key string) ([]Code, bool) {
	if p.redis == nil {
		return nil, false
	}
	data, err := p.redis.Get(ctx, p.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Warn().Err(err).Str("value_set", key).Msg("redis lookup failed")
		}
		return nil, false
	}
	var codes []Code
	if err := json.Unmarshal(data, &codes); err != nil {
		p.logger.Warn().Err(err).Str("value_set", key).Msg("discarding malformed cached expansion")
		return nil, false
	}
	return codes, true
}

func (p *CachedProvider) toRedis(ctx context.Context, key string, codes []Code) {
	if p.redis == nil {
		return
	}
	data, err := json.Marshal(codes)
	if err != nil {
		return
	}
	if err := p.redis.Set(ctx, p.prefix+key, data, p.ttl).Err(); err != nil {
		p.logger.Warn().Err(err).Str("value_set", key).Msg("redis store failed")
	}
}

func (p *CachedProvider) observe(result string) {
	if p.recorder != nil {
		p.recorder.ObserveTerminologyCache(result)
	}
}
