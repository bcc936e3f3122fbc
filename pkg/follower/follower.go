// Package follower keeps a consumer's trail in step with the ledger. It
// combines a push subscription with history catch-up and rebuilds both after
// errors, explicit wake-ups and host pauses.
package follower

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"orbit-oracle/pkg/ledger"
	"orbit-oracle/pkg/metrics"
	"orbit-oracle/pkg/record"
	"orbit-oracle/pkg/subscription"
	"orbit-oracle/pkg/trail"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultHeartbeat      = time.Second
)

var (
	errWake    = errors.New("woken for catch-up")
	errPaused  = errors.New("host pause detected")
	errBacklog = errors.New("push backlog overflow")
)

// Subscriber opens the push side. It must not share a transport with the
// history reader.
type Subscriber interface {
	Subscribe(ctx context.Context, h subscription.Handler) (*subscription.Subscription, error)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, h subscription.Handler) (*subscription.Subscription, error)

func (f SubscriberFunc) Subscribe(ctx context.Context, h subscription.Handler) (*subscription.Subscription, error) {
	return f(ctx, h)
}

// Remote subscribes to a websocket Server at url.
func Remote(url string) Subscriber {
	return SubscriberFunc(func(ctx context.Context, h subscription.Handler) (*subscription.Subscription, error) {
		return subscription.Dial(ctx, url, h)
	})
}

// Local subscribes to an in-process Channel.
func Local(ch *subscription.Channel, topic string, query subscription.BundledQuery) Subscriber {
	return SubscriberFunc(func(ctx context.Context, h subscription.Handler) (*subscription.Subscription, error) {
		return ch.Subscribe(ctx, topic, query, h)
	})
}

// Config controls catch-up size and timing.
type Config struct {
	Dataset   string
	Publisher string
	// CatchUp is how many recent records a catch-up fetches. Zero means the
	// trail capacity.
	CatchUp        int
	ReconnectDelay time.Duration
	Heartbeat      time.Duration
	// PauseThreshold is the wall-clock gap between heartbeats treated as a
	// host pause. Zero means three heartbeats.
	PauseThreshold time.Duration
}

// Follower owns one trail. All trail mutations happen on the Run goroutine;
// readers use the trail's Snapshot.
type Follower struct {
	cfg     Config
	history ledger.Reader
	push    Subscriber
	trail   *trail.Cache
	sink    func(record.PositionRecord)
	metrics *metrics.Metrics
	log     *logrus.Entry
	now     func() time.Time
	wake    chan struct{}
}

// Option customises a Follower.
type Option func(*Follower)

// WithSink receives every record newly added to the trail. It runs on the
// Run goroutine.
func WithSink(fn func(record.PositionRecord)) Option { return func(f *Follower) { f.sink = fn } }

func WithMetrics(m *metrics.Metrics) Option { return func(f *Follower) { f.metrics = m } }

// WithClock replaces the wall clock used for pause detection.
func WithClock(now func() time.Time) Option { return func(f *Follower) { f.now = now } }

// New builds a follower over a history reader and a push subscriber.
func New(cfg Config, history ledger.Reader, push Subscriber, cache *trail.Cache, opts ...Option) *Follower {
	if cache == nil {
		cache = trail.New(trail.DefaultCapacity)
	}
	if cfg.CatchUp <= 0 {
		cfg.CatchUp = cache.Capacity()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = 3 * cfg.Heartbeat
	}
	f := &Follower{
		cfg:     cfg,
		history: history,
		push:    push,
		trail:   cache,
		log:     logrus.WithFields(logrus.Fields{"component": "follower", "dataset": cfg.Dataset}),
		now:     func() time.Time { return time.Now().Round(0) },
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Trail exposes the cache for rendering.
func (f *Follower) Trail() *trail.Cache { return f.trail }

// Wake asks the follower to drop its subscription and catch up, as when a
// hidden view becomes visible again.
func (f *Follower) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run keeps the trail current until ctx ends.
func (f *Follower) Run(ctx context.Context) error {
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		f.metrics.Reconnected()
		if errors.Is(err, errWake) {
			f.log.Debug("wake requested, catching up")
			continue
		}
		f.log.Warnf("subscription ended: %v; reconnecting in %s", err, f.cfg.ReconnectDelay)

		timer := time.NewTimer(f.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session subscribes first and catches up second, so nothing emitted in
// between is lost; overlap is removed by the trail's dedup.
func (f *Follower) session(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pushes := make(chan record.PositionRecord, 256)
	failed := make(chan error, 1)
	report := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}
	sub, err := f.push.Subscribe(sessCtx, subscription.Handler{
		OnData: func(r record.PositionRecord) {
			select {
			case pushes <- r:
			default:
				report(errBacklog)
			}
		},
		OnError: report,
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	recs, err := ledger.Recent(sessCtx, f.history, f.cfg.Dataset, f.cfg.Publisher, f.cfg.CatchUp)
	if err != nil {
		return fmt.Errorf("catch-up: %w", err)
	}
	f.replace(recs)

	heartbeat := time.NewTicker(f.cfg.Heartbeat)
	defer heartbeat.Stop()
	last := f.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-pushes:
			if f.trail.Accept(r) && f.sink != nil {
				f.sink(r)
			}
			f.metrics.SetTrailSize(f.trail.Len())
		case err := <-failed:
			return err
		case <-f.wake:
			return errWake
		case <-heartbeat.C:
			now := f.now()
			if gap := now.Sub(last); gap > f.cfg.PauseThreshold {
				return fmt.Errorf("%w: %s without a heartbeat", errPaused, gap.Round(time.Millisecond))
			}
			last = now
		}
	}
}

// replace swaps the trail for a fresh catch-up and forwards records newer
// than anything held before.
func (f *Follower) replace(recs []record.PositionRecord) {
	prev, had := f.trail.Latest()
	f.trail.Replace(recs)
	f.metrics.SetTrailSize(f.trail.Len())
	if f.sink == nil {
		return
	}
	for _, r := range recs {
		if !had || r.Sequence.Cmp(prev.Sequence) > 0 {
			f.sink(r)
		}
	}
}
