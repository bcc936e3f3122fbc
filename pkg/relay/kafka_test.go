package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"orbit-oracle/pkg/record"
)

type fakeProducer struct {
	mu       sync.Mutex
	produced []*kafka.Message
	events   chan kafka.Event
	block    chan struct{}
	flushed  bool
	closed   bool
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{events: make(chan kafka.Event, 16)}
}

func (f *fakeProducer) Produce(msg *kafka.Message, _ chan kafka.Event) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.produced = append(f.produced, msg)
	return nil
}

func (f *fakeProducer) Events() chan kafka.Event { return f.events }

func (f *fakeProducer) Flush(int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = true
	return 0
}

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	close(f.events)
}

func TestMessage(t *testing.T) {
	t.Parallel()

	rec := record.PositionRecord{
		CapturedAt: 1_700_000_000_000,
		Latitude:   51_500_000,
		Longitude:  -120_000,
		Sequence:   record.SequenceFromUint64(42),
		Visibility: record.Eclipsed,
	}
	msg, err := Message("positions", rec)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if *msg.TopicPartition.Topic != "positions" || msg.TopicPartition.Partition != kafka.PartitionAny {
		t.Fatalf("partition=%v", msg.TopicPartition)
	}
	if string(msg.Key) != "42" {
		t.Fatalf("key=%q", msg.Key)
	}
	got, err := record.Decode(msg.Value)
	if err != nil || got != rec {
		t.Fatalf("value decodes to %+v err=%v", got, err)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["captured-at"] != "1700000000000" || headers["visibility"] != "eclipsed" {
		t.Fatalf("headers=%v", headers)
	}

	bad := rec
	bad.Latitude = 91_000_000
	if _, err := Message("positions", bad); err == nil {
		t.Fatal("invalid record produced a message")
	}
}

// TestForwardDrainsOnClose forwards a few records and expects every one to
// reach the producer, in order, before it is flushed and closed.
func TestForwardDrainsOnClose(t *testing.T) {
	t.Parallel()

	p := newFakeProducer()
	k := newKafka(p, Config{Topic: "positions", Buffer: 8}, nil)
	for i := uint64(0); i < 5; i++ {
		k.Forward(record.PositionRecord{Sequence: record.SequenceFromUint64(i)})
	}
	p.events <- &kafka.Message{TopicPartition: kafka.TopicPartition{Error: errors.New("broker down")}}
	k.Close()
	k.Close()
	k.Forward(record.PositionRecord{Sequence: record.SequenceFromUint64(9)})

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.flushed || !p.closed {
		t.Fatalf("flushed=%v closed=%v", p.flushed, p.closed)
	}
	if len(p.produced) != 5 {
		t.Fatalf("produced %d messages", len(p.produced))
	}
	for i, msg := range p.produced {
		if want := record.SequenceFromUint64(uint64(i)).String(); string(msg.Key) != want {
			t.Fatalf("message %d key=%q want %q", i, msg.Key, want)
		}
	}
}

func TestForwardDropsWhenFull(t *testing.T) {
	t.Parallel()

	p := newFakeProducer()
	p.block = make(chan struct{})
	k := newKafka(p, Config{Buffer: 1}, nil)

	// One record may sit in Produce, one in the queue; the rest drop.
	for i := uint64(0); i < 10; i++ {
		k.Forward(record.PositionRecord{Sequence: record.SequenceFromUint64(i)})
	}
	close(p.block)
	k.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.produced); n < 1 || n > 2 {
		t.Fatalf("produced %d messages, want 1 or 2", n)
	}
}
