// Package subscription turns ledger notifications into delivered records.
//
// Every notification triggers exactly one bundled read, attached to the same
// delivery step, so a consumer learns the new record without issuing a
// second request. The push path never catches up on its own: records emitted
// while a subscription was down are recovered by the consumer through a
// history read.
package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"orbit-oracle/pkg/ledger"
	"orbit-oracle/pkg/metrics"
	"orbit-oracle/pkg/record"
)

// BundledQuery is the read attached to a notification. It returns the
// encoded record, or false when the store has nothing to return.
type BundledQuery func(ctx context.Context, n ledger.Notification) ([]byte, bool, error)

// Latest reads the newest record of the partition.
func Latest(r ledger.Reader, dataset, publisher string) BundledQuery {
	return func(ctx context.Context, _ ledger.Notification) ([]byte, bool, error) {
		return r.ReadLatest(ctx, dataset, publisher)
	}
}

// Indexed reads exactly the record the notification announced.
func Indexed(r ledger.Reader, dataset string) BundledQuery {
	return func(ctx context.Context, n ledger.Notification) ([]byte, bool, error) {
		b, err := r.ReadAt(ctx, dataset, n.Publisher, n.Index)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return b, true, nil
	}
}

// Handler receives the outcome of a subscription. OnData fires once per
// distinct notification; OnError fires at most once and ends the
// subscription. Both run on the subscription goroutine and should hand heavy
// work off elsewhere.
type Handler struct {
	OnData  func(record.PositionRecord)
	OnError func(error)
}

// TransportError reports that the push connection or its bundled read
// failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("subscription %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// errStreamClosed is reported when the notification stream ends without an
// explicit cause.
var errStreamClosed = errors.New("notification stream closed")

// Channel subscribes to a ledger notifier.
type Channel struct {
	notifier ledger.Notifier
	metrics  *metrics.Metrics
	log      *logrus.Entry
}

// NewChannel wraps notifier. m may be nil.
func NewChannel(notifier ledger.Notifier, m *metrics.Metrics) *Channel {
	return &Channel{notifier: notifier, metrics: m, log: logrus.WithField("component", "subscription")}
}

// Subscribe opens a push subscription on topic. Cancelling ctx ends it
// silently, like Unsubscribe.
func (c *Channel) Subscribe(ctx context.Context, topic string, query BundledQuery, h Handler) (*Subscription, error) {
	if query == nil {
		return nil, errors.New("subscription: bundled query is required")
	}
	subCtx, cancel := context.WithCancel(ctx)
	notes, errs, err := c.notifier.Listen(subCtx, topic)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "listen", Err: err}
	}
	s := newSubscription(cancel, h)
	c.metrics.SubscriberAdded()
	go func() {
		defer c.metrics.SubscriberRemoved()
		s.run(subCtx, notes, errs, query, c.metrics)
	}()
	return s, nil
}

// Subscription is a live push subscription.
type Subscription struct {
	cancel context.CancelFunc
	h      Handler
	done   chan struct{}

	// mu is held for the duration of every callback.
	mu      sync.Mutex
	stopped atomic.Bool
	// loop is the id of the goroutine running the callbacks.
	loop atomic.Uint64
}

func newSubscription(cancel context.CancelFunc, h Handler) *Subscription {
	return &Subscription{cancel: cancel, h: h, done: make(chan struct{})}
}

// Unsubscribe ends the subscription. It is idempotent. When a callback is in
// flight on another goroutine, Unsubscribe waits for it; afterwards no
// callback fires. Called from inside OnData or OnError it returns without
// waiting and the running callback is the last one.
func (s *Subscription) Unsubscribe() {
	if s.loop.Load() == goroutineID() {
		s.stopped.Store(true)
		s.cancel()
		return
	}
	s.mu.Lock()
	s.stopped.Store(true)
	s.mu.Unlock()
	s.cancel()
}

// bind marks the calling goroutine as the one that runs callbacks.
func (s *Subscription) bind() { s.loop.Store(goroutineID()) }

// Done is closed once the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// deliver runs OnData and reports whether the subscription is still live.
func (s *Subscription) deliver(rec record.PositionRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return false
	}
	if s.h.OnData != nil {
		s.h.OnData(rec)
	}
	return !s.stopped.Load()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return
	}
	s.stopped.Store(true)
	if s.h.OnError != nil {
		s.h.OnError(err)
	}
}

func (s *Subscription) run(ctx context.Context, notes <-chan ledger.Notification, errs <-chan error, query BundledQuery, m *metrics.Metrics) {
	defer close(s.done)
	defer s.cancel()
	s.bind()

	seen := newIDRing(256)
	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.TransportError()
			s.fail(&TransportError{Op: "listen", Err: err})
			return

		case n, ok := <-notes:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				err := errStreamClosed
				select {
				case cause, ok := <-errs:
					if ok && cause != nil {
						err = cause
					}
				default:
				}
				m.TransportError()
				s.fail(&TransportError{Op: "listen", Err: err})
				return
			}
			if n.ID != "" && !seen.add(n.ID) {
				continue
			}

			m.BundledRead()
			b, found, err := query(ctx, n)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.TransportError()
				s.fail(&TransportError{Op: "bundled read", Err: err})
				return
			}
			if !found {
				continue
			}
			rec, err := record.Decode(b)
			if err != nil {
				m.TransportError()
				s.fail(&TransportError{Op: "decode", Err: err})
				return
			}
			if !s.deliver(rec) {
				return
			}
			m.Delivered()
		}
	}
}

// goroutineID parses the current goroutine's id from its stack header,
// "goroutine 17 [running]:".
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// idRing remembers the last n notification ids.
type idRing struct {
	ids  []string
	next int
	set  map[string]struct{}
}

func newIDRing(n int) *idRing {
	return &idRing{ids: make([]string, n), set: make(map[string]struct{}, n)}
}

// add records id and reports whether it was new.
func (r *idRing) add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
	return true
}
