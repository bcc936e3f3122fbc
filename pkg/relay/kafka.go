// Package relay forwards records a follower receives to Kafka, so downstream
// consumers can read the oracle's stream without touching the ledger.
package relay

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/sirupsen/logrus"

	"orbit-oracle/pkg/metrics"
	"orbit-oracle/pkg/record"
)

const (
	DefaultBroker = "localhost:9092"
	DefaultTopic  = "orbit_positions"
	DefaultBuffer = 256

	flushTimeoutMs = 5000
)

// Config names the broker and topic.
type Config struct {
	Brokers string
	Topic   string
	// Buffer is how many records may wait for the producer before Forward
	// starts dropping.
	Buffer int
}

// Producer is the part of *kafka.Producer the relay uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// Kafka relays records asynchronously. Forward never blocks the caller.
type Kafka struct {
	producer Producer
	topic    string
	queue    chan record.PositionRecord
	metrics  *metrics.Metrics
	log      *logrus.Entry

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewKafka connects a producer to cfg.Brokers.
func NewKafka(cfg Config, m *metrics.Metrics) (*Kafka, error) {
	if cfg.Brokers == "" {
		cfg.Brokers = DefaultBroker
	}
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"client.id":         "orbit-oracle-relay",
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	k := newKafka(producer, cfg, m)
	k.log.Infof("Kafka relay producing to %s on %s", k.topic, cfg.Brokers)
	return k, nil
}

func newKafka(p Producer, cfg Config, m *metrics.Metrics) *Kafka {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	k := &Kafka{
		producer: p,
		topic:    cfg.Topic,
		queue:    make(chan record.PositionRecord, cfg.Buffer),
		metrics:  m,
		log:      logrus.WithFields(logrus.Fields{"component": "relay", "topic": cfg.Topic}),
		done:     make(chan struct{}),
	}
	go k.run()
	go k.deliveryReports()
	return k
}

// Forward queues rec. When the queue is full or the relay is closed the
// record is dropped and counted.
func (k *Kafka) Forward(rec record.PositionRecord) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		k.metrics.Relayed("dropped")
		return
	}
	select {
	case k.queue <- rec:
	default:
		k.metrics.Relayed("dropped")
		k.log.Warnf("relay queue full, dropping sequence %s", rec.Sequence)
	}
}

// Close drains the queue, flushes pending deliveries and closes the
// producer.
func (k *Kafka) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()

	<-k.done
	if left := k.producer.Flush(flushTimeoutMs); left > 0 {
		k.log.Warnf("%d messages still undelivered at shutdown", left)
	}
	k.producer.Close()
	k.log.Info("Kafka relay closed")
}

func (k *Kafka) run() {
	defer close(k.done)
	for rec := range k.queue {
		msg, err := Message(k.topic, rec)
		if err != nil {
			k.metrics.Relayed("error")
			k.log.Errorf("encode sequence %s: %v", rec.Sequence, err)
			continue
		}
		if err := k.producer.Produce(msg, nil); err != nil {
			k.metrics.Relayed("error")
			k.log.Errorf("produce sequence %s: %v", rec.Sequence, err)
		}
	}
}

// deliveryReports drains the producer's event channel until it closes.
func (k *Kafka) deliveryReports() {
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				k.metrics.Relayed("failed")
				k.log.Errorf("Message delivery failed: %v", ev.TopicPartition.Error)
				continue
			}
			k.metrics.Relayed("delivered")
		case kafka.Error:
			k.log.Warnf("Kafka error: %v", ev)
		}
	}
}

// Message builds the Kafka message for rec: the sequence as key so a
// compacted topic keeps one copy per record, the encoded record as value.
func Message(topic string, rec record.PositionRecord) (*kafka.Message, error) {
	b, err := record.Encode(rec)
	if err != nil {
		return nil, err
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(rec.Sequence.String()),
		Value:          b,
		Headers: []kafka.Header{
			{Key: "captured-at", Value: []byte(strconv.FormatInt(rec.CapturedAt, 10))},
			{Key: "visibility", Value: []byte(rec.Visibility.String())},
			{Key: "subject", Value: []byte(rec.SubjectID.String())},
		},
	}, nil
}
