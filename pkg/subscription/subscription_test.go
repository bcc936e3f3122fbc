package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"orbit-oracle/pkg/ledger"
	"orbit-oracle/pkg/record"
)

const (
	testDataset   = "iss-position"
	testPublisher = "oracle-1"
)

// countingReader records every call that reaches the store.
type countingReader struct {
	ledger.Reader
	latest atomic.Int64
	other  atomic.Int64
}

func (c *countingReader) ReadLatest(ctx context.Context, dataset, publisher string) ([]byte, bool, error) {
	c.latest.Add(1)
	return c.Reader.ReadLatest(ctx, dataset, publisher)
}

func (c *countingReader) CountRecords(ctx context.Context, dataset, publisher string) (uint64, error) {
	c.other.Add(1)
	return c.Reader.CountRecords(ctx, dataset, publisher)
}

func (c *countingReader) ReadRange(ctx context.Context, dataset, publisher string, from, to uint64) ([]record.PositionRecord, error) {
	c.other.Add(1)
	return c.Reader.ReadRange(ctx, dataset, publisher, from, to)
}

func (c *countingReader) ReadAt(ctx context.Context, dataset, publisher string, index uint64) ([]byte, error) {
	c.other.Add(1)
	return c.Reader.ReadAt(ctx, dataset, publisher, index)
}

func appendRecord(t *testing.T, m *ledger.Memory, seq uint64) {
	t.Helper()
	b, err := record.Encode(record.PositionRecord{
		CapturedAt: 1_700_000_000_000 + int64(seq)*5000,
		Sequence:   record.SequenceFromUint64(seq),
		Visibility: record.Daylight,
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := m.AppendRecordAndNotify(context.Background(), testDataset, fmt.Sprintf("%032d", seq), b, fmt.Sprintf("note-%d", seq)); err != nil {
		t.Fatalf("append %d: %v", seq, err)
	}
}

type collector struct {
	mu   sync.Mutex
	recs []record.PositionRecord
	errs []error
	got  chan struct{}
}

func newCollector() *collector { return &collector{got: make(chan struct{}, 64)} }

func (c *collector) handler() Handler {
	return Handler{
		OnData: func(r record.PositionRecord) {
			c.mu.Lock()
			c.recs = append(c.recs, r)
			c.mu.Unlock()
			c.got <- struct{}{}
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
			c.got <- struct{}{}
		},
	}
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d callbacks", i, n)
		}
	}
}

func (c *collector) snapshot() ([]record.PositionRecord, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record.PositionRecord(nil), c.recs...), append([]error(nil), c.errs...)
}

// TestOneBundledReadPerNotification counts store calls: one notification must
// cause exactly one latest-record read and nothing else before OnData.
func TestOneBundledReadPerNotification(t *testing.T) {
	t.Parallel()

	m := ledger.NewMemory(testPublisher)
	defer m.Close()
	reader := &countingReader{Reader: m}
	ch := NewChannel(m.Notifier(), nil)
	c := newCollector()

	sub, err := ch.Subscribe(context.Background(), testDataset, Latest(reader, testDataset, testPublisher), c.handler())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	appendRecord(t, m, 0)
	c.wait(t, 1)

	if got := reader.latest.Load(); got != 1 {
		t.Fatalf("latest reads=%d want 1", got)
	}
	if got := reader.other.Load(); got != 0 {
		t.Fatalf("extra store calls=%d want 0", got)
	}
	recs, errs := c.snapshot()
	if len(errs) != 0 || len(recs) != 1 || recs[0].Sequence != record.SequenceFromUint64(0) {
		t.Fatalf("recs=%v errs=%v", recs, errs)
	}
}

// TestDeliveryOrderAndDedup replays a duplicated notification id and expects
// a single read for it while the rest arrive in emission order.
func TestDeliveryOrderAndDedup(t *testing.T) {
	t.Parallel()

	m := ledger.NewMemory(testPublisher)
	defer m.Close()
	bus := ledger.NewBus(0)
	defer bus.Close()
	reader := &countingReader{Reader: m}
	c := newCollector()

	sub, err := NewChannel(bus, nil).Subscribe(context.Background(), testDataset, Indexed(reader, testDataset), c.handler())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	for i := uint64(0); i < 5; i++ {
		appendRecord(t, m, i)
	}
	for _, i := range []uint64{0, 1, 1, 2, 3, 4} {
		bus.Publish(ledger.Notification{ID: fmt.Sprintf("note-%d", i), Topic: testDataset, Publisher: testPublisher, Index: i})
	}
	c.wait(t, 5)

	recs, _ := c.snapshot()
	for i, r := range recs {
		if r.Sequence != record.SequenceFromUint64(uint64(i)) {
			t.Fatalf("delivery %d has sequence %s", i, r.Sequence)
		}
	}
	if got := reader.other.Load(); got != 5 {
		t.Fatalf("indexed reads=%d want 5", got)
	}
}

func TestUnsubscribeStopsCallbacks(t *testing.T) {
	t.Parallel()

	m := ledger.NewMemory(testPublisher)
	defer m.Close()
	c := newCollector()
	sub, err := NewChannel(m.Notifier(), nil).Subscribe(context.Background(), testDataset, Latest(m, testDataset, testPublisher), c.handler())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription goroutine did not exit")
	}

	appendRecord(t, m, 0)
	select {
	case <-c.got:
		t.Fatal("callback after Unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestUnsubscribeWaitsForInFlightCallback blocks OnData and checks that
// Unsubscribe from another goroutine returns only after it completes.
func TestUnsubscribeWaitsForInFlightCallback(t *testing.T) {
	t.Parallel()

	m := ledger.NewMemory(testPublisher)
	defer m.Close()
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	sub, err := NewChannel(m.Notifier(), nil).Subscribe(context.Background(), testDataset, Latest(m, testDataset, testPublisher), Handler{
		OnData: func(record.PositionRecord) {
			close(entered)
			<-release
			finished.Store(true)
		},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	appendRecord(t, m, 0)
	<-entered
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	sub.Unsubscribe()
	if !finished.Load() {
		t.Fatal("Unsubscribe returned while OnData was still running")
	}
}

// TestUnsubscribeInsideCallback lets OnData end its own subscription.
func TestUnsubscribeInsideCallback(t *testing.T) {
	t.Parallel()

	m := ledger.NewMemory(testPublisher)
	defer m.Close()
	subs := make(chan *Subscription, 1)
	returned := make(chan struct{})
	var calls atomic.Int32
	sub, err := NewChannel(m.Notifier(), nil).Subscribe(context.Background(), testDataset, Indexed(m, testDataset), Handler{
		OnData: func(record.PositionRecord) {
			if calls.Add(1) > 1 {
				return
			}
			(<-subs).Unsubscribe()
			close(returned)
		},
		OnError: func(err error) { t.Errorf("OnError after Unsubscribe: %v", err) },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	subs <- sub

	appendRecord(t, m, 0)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Unsubscribe inside OnData did not return")
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription goroutine did not exit")
	}
	appendRecord(t, m, 1)
	sub.Unsubscribe()
	if n := calls.Load(); n != 1 {
		t.Fatalf("OnData fired %d times", n)
	}
}

// TestUnsubscribeInsideOnError tolerates a handler that unsubscribes on
// failure.
func TestUnsubscribeInsideOnError(t *testing.T) {
	t.Parallel()

	m := ledger.NewMemory(testPublisher)
	defer m.Close()
	bus := ledger.NewBus(0)
	subs := make(chan *Subscription, 1)
	sub, err := NewChannel(bus, nil).Subscribe(context.Background(), testDataset, Latest(m, testDataset, testPublisher), Handler{
		OnError: func(error) { (<-subs).Unsubscribe() },
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	subs <- sub

	bus.Close()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription goroutine did not exit")
	}
}

func TestTransportErrorFiresOnce(t *testing.T) {
	t.Parallel()

	m := ledger.NewMemory(testPublisher)
	defer m.Close()
	bus := ledger.NewBus(0)
	c := newCollector()
	sub, err := NewChannel(bus, nil).Subscribe(context.Background(), testDataset, Latest(m, testDataset, testPublisher), c.handler())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Close()
	c.wait(t, 1)
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after transport error")
	}

	_, errs := c.snapshot()
	if len(errs) != 1 {
		t.Fatalf("OnError fired %d times", len(errs))
	}
	var terr *TransportError
	if !errors.As(errs[0], &terr) || !errors.Is(errs[0], ledger.ErrBusClosed) {
		t.Fatalf("err=%v want TransportError wrapping ErrBusClosed", errs[0])
	}
}

// TestWebsocketRoundTrip subscribes through the websocket server and client.
func TestWebsocketRoundTrip(t *testing.T) {
	t.Parallel()

	m := ledger.NewMemory(testPublisher)
	defer m.Close()
	srv := NewServer(NewChannel(m.Notifier(), nil), func(topic string) (BundledQuery, bool) {
		if topic != testDataset {
			return nil, false
		}
		return Latest(m, testDataset, testPublisher), true
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?topic=" + testDataset

	c := newCollector()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := Dial(ctx, wsURL, c.handler())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// The server subscribes after the upgrade completes; keep appending until
	// records make it through, then require one more to arrive.
	deadline := time.Now().Add(3 * time.Second)
	seq := uint64(0)
	for {
		appendRecord(t, m, seq)
		seq++
		select {
		case <-c.got:
		case <-time.After(50 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("no record over websocket")
			}
			continue
		}
		break
	}
	last := record.SequenceFromUint64(seq)
	appendRecord(t, m, seq)
	for {
		recs, errs := c.snapshot()
		if len(errs) != 0 {
			t.Fatalf("OnError: %v", errs)
		}
		if n := len(recs); n > 0 && recs[n-1].Sequence == last {
			for i := 1; i < n; i++ {
				if recs[i].Sequence.Cmp(recs[i-1].Sequence) <= 0 {
					t.Fatalf("out of order: %s then %s", recs[i-1].Sequence, recs[i].Sequence)
				}
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sequence %s never arrived", last)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sub.Unsubscribe()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
	if _, errs := c.snapshot(); len(errs) != 0 {
		t.Fatalf("OnError after Unsubscribe: %v", errs)
	}

	if _, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?topic=nope", Handler{}); err == nil {
		t.Fatal("unknown topic accepted")
	}
}

func TestIDRing(t *testing.T) {
	t.Parallel()

	r := newIDRing(2)
	if !r.add("a") || !r.add("b") || r.add("a") {
		t.Fatal("ring did not dedup")
	}
	r.add("c")
	if !r.add("a") {
		t.Fatal("evicted id still remembered")
	}
}

func TestDialEndsOnCancel(t *testing.T) {
	t.Parallel()

	m := ledger.NewMemory(testPublisher)
	defer m.Close()
	srv := NewServer(NewChannel(m.Notifier(), nil), func(topic string) (BundledQuery, bool) {
		return Latest(m, testDataset, testPublisher), true
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?topic="+testDataset, c.handler())
	if err != nil {
		cancel()
		t.Fatalf("Dial: %v", err)
	}
	cancel()
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancelling ctx did not end the subscription")
	}
	if _, errs := c.snapshot(); len(errs) != 0 {
		t.Fatalf("OnError after cancel: %v", errs)
	}
}
