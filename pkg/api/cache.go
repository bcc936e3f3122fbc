package api

import (
	"context"
	"errors"
	"time"
)

var (
	errCacheDisabled = errors.New("cache disabled")
	errCacheStopped  = errors.New("cache stopped")
	errNoLoader      = errors.New("no loader")
)

// cacheRequest is the single message type the owning goroutine handles.
type cacheRequest struct {
	ctx    context.Context
	key    string
	loader func(context.Context) ([]byte, error)
	reply  chan cacheResponse
}

type cacheResponse struct {
	data []byte
	err  error
	hit  bool
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// ResponseCache keeps encoded history ranges in memory. Ranges below the
// record count never change, so a hit is always safe to serve; the TTL only
// bounds memory. One goroutine owns the map, so no mutex is needed.
type ResponseCache struct {
	ttl        time.Duration
	maxEntries int
	requests   chan cacheRequest
	quit       chan struct{}
	now        func() time.Time
}

// NewResponseCache starts the cache goroutine. A non-positive ttl disables
// caching and returns nil; a nil cache is valid and always misses.
func NewResponseCache(ttl time.Duration, maxEntries int) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	cache := &ResponseCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		requests:   make(chan cacheRequest),
		quit:       make(chan struct{}),
		now:        time.Now,
	}
	go cache.loop()
	return cache
}

// Close stops the cache goroutine. Safe to call more than once.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
}

// Get returns the bytes stored under key, or runs loader and stores its
// result. The returned slice is a copy. hit reports whether loader was
// skipped.
func (c *ResponseCache) Get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) (data []byte, hit bool, err error) {
	if c == nil {
		if loader == nil {
			return nil, false, errCacheDisabled
		}
		data, err := loader(ctx)
		return data, false, err
	}
	req := cacheRequest{
		ctx:    ctx,
		key:    key,
		loader: loader,
		reply:  make(chan cacheResponse, 1),
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-c.quit:
		return nil, false, errCacheStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-c.quit:
		return nil, false, errCacheStopped
	case resp := <-req.reply:
		if resp.err != nil {
			return nil, false, resp.err
		}
		if resp.data == nil {
			return nil, resp.hit, nil
		}
		buf := make([]byte, len(resp.data))
		copy(buf, resp.data)
		return buf, resp.hit, nil
	}
}

func (c *ResponseCache) loop() {
	store := make(map[string]cacheEntry)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			now := c.now()
			if entry, ok := store[req.key]; ok {
				if now.Before(entry.expires) {
					req.reply <- cacheResponse{data: entry.data, hit: true}
					continue
				}
				delete(store, req.key)
			}
			if req.loader == nil {
				req.reply <- cacheResponse{err: errNoLoader}
				continue
			}
			data, err := req.loader(req.ctx)
			if err == nil && data != nil {
				if len(store) >= c.maxEntries {
					evictExpired(store, now)
				}
				if len(store) < c.maxEntries {
					buf := make([]byte, len(data))
					copy(buf, data)
					store[req.key] = cacheEntry{data: buf, expires: now.Add(c.ttl)}
				}
			}
			req.reply <- cacheResponse{data: data, err: err}
		}
	}
}

// evictExpired drops stale entries, and if none were stale, one arbitrary
// entry so the new one fits.
func evictExpired(store map[string]cacheEntry, now time.Time) {
	dropped := false
	for k, e := range store {
		if !now.Before(e.expires) {
			delete(store, k)
			dropped = true
		}
	}
	if dropped {
		return
	}
	for k := range store {
		delete(store, k)
		return
	}
}
