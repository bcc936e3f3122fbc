package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ==========================
// Per-IP rate limiting logic
// ==========================

// RequestKind separates cheap point lookups from history reads that can
// return many records.
type RequestKind int

const (
	// RequestGeneral costs one token: count, latest, single record.
	RequestGeneral RequestKind = iota
	// RequestHeavy costs heavyCost tokens: recent and range reads.
	RequestHeavy
)

const heavyCost = 5

// RateLimiter keeps one token bucket per client IP. A single goroutine owns
// the bucket table; handlers talk to it over a channel.
type RateLimiter struct {
	limit      rate.Limit
	burst      int
	idle       time.Duration
	sweepEvery time.Duration
	checks     chan limitCheck
	quit       chan struct{}
	now        func() time.Time
}

type limitCheck struct {
	ip    string
	kind  RequestKind
	reply chan time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests per IP with the given burst.
// Buckets idle for longer than a minute are dropped. A non-positive rate
// disables limiting and returns nil.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < heavyCost {
		burst = heavyCost
	}
	l := &RateLimiter{
		limit:      rate.Limit(perSecond),
		burst:      burst,
		idle:       time.Minute,
		sweepEvery: 30 * time.Second,
		checks:     make(chan limitCheck),
		quit:       make(chan struct{}),
		now:        time.Now,
	}
	go l.loop()
	return l
}

// Close stops the limiter goroutine.
func (l *RateLimiter) Close() {
	if l == nil {
		return
	}
	select {
	case <-l.quit:
	default:
		close(l.quit)
	}
}

// Allow reports whether ip may proceed now. When it may not, the returned
// duration says how long until enough tokens refill.
func (l *RateLimiter) Allow(ctx context.Context, ip string, kind RequestKind) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	reply := make(chan time.Duration, 1)
	select {
	case l.checks <- limitCheck{ip: ip, kind: kind, reply: reply}:
	case <-l.quit:
		return true, 0
	case <-ctx.Done():
		return false, 0
	}
	wait := <-reply
	return wait == 0, wait
}

// Wrap rejects over-limit requests with 429 and a Retry-After header.
func (l *RateLimiter) Wrap(kind RequestKind, next http.HandlerFunc) http.HandlerFunc {
	if l == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.Allow(r.Context(), clientIP(r), kind)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (l *RateLimiter) loop() {
	buckets := make(map[string]*bucket)
	sweep := time.NewTicker(l.sweepEvery)
	defer sweep.Stop()
	for {
		select {
		case <-l.quit:
			return
		case <-sweep.C:
			now := l.now()
			for ip, b := range buckets {
				if now.Sub(b.lastSeen) > l.idle {
					delete(buckets, ip)
				}
			}
		case c := <-l.checks:
			now := l.now()
			b, ok := buckets[c.ip]
			if !ok {
				b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
				buckets[c.ip] = b
			}
			b.lastSeen = now
			cost := 1
			if c.kind == RequestHeavy {
				cost = heavyCost
			}
			res := b.limiter.ReserveN(now, cost)
			delay := res.DelayFrom(now)
			if delay > 0 {
				res.CancelAt(now)
			}
			c.reply <- delay
		}
	}
}

// clientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, _ := strings.Cut(fwd, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
