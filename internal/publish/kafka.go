// Package publish fans committed ledger entries out to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/pkg/config"
	"github.com/jvs-project/trail/pkg/model"
)

// ErrCircuitOpen is returned while the breaker is shedding publishes after
// repeated broker failures.
var ErrCircuitOpen = errors.New("publish: circuit open")

// Producer is the subset of *kgo.Client the sink uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Record headers.
const (
	HeaderOperation = "trail-operation"
	HeaderEventHash = "trail-event-hash"
	HeaderPosition  = "trail-chain-position"
)

// Kafka publishes each entry as a JSON record keyed by chain scope, so one
// scope's entries land on one partition in chain order.
type Kafka struct {
	producer Producer
	topic    string
	breaker  *Breaker
	logger   *zap.Logger
	close    func()
}

var _ ledger.Sink = (*Kafka)(nil)

// Option configures the sink.
type Option func(*Kafka)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *Kafka) { k.logger = l.Named("publish") }
}

// WithBreaker replaces the default breaker (5 failures, one minute cooldown).
func WithBreaker(b *Breaker) Option {
	return func(k *Kafka) { k.breaker = b }
}

// NewKafka dials the brokers in cfg.
func NewKafka(cfg config.KafkaConfig, opts ...Option) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("publish: no kafka brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ClientID("trail"),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.NoCompression()),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	k := NewKafkaWithProducer(client, cfg.Topic, opts...)
	k.close = client.Close
	return k, nil
}

// NewKafkaWithProducer builds the sink over an existing producer.
func NewKafkaWithProducer(p Producer, topic string, opts ...Option) *Kafka {
	k := &Kafka{
		producer: p,
		topic:    topic,
		breaker:  NewBreaker(5, time.Minute),
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Publish produces one record and waits for the broker acknowledgement.
func (k *Kafka) Publish(ctx context.Context, entry *model.LedgerEntry) error {
	if !k.breaker.Allow() {
		return ErrCircuitOpen
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.ID, err)
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(entry.ChainScope),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderOperation, Value: []byte(entry.Operation)},
			{Key: HeaderEventHash, Value: []byte(entry.EventHash)},
			{Key: HeaderPosition, Value: []byte(fmt.Sprint(entry.ChainPosition))},
		},
		Timestamp: entry.Timestamp,
	}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		if k.breaker.RecordFailure() {
			k.logger.Warn("kafka circuit opened", zap.String("topic", k.topic), zap.Error(err))
		}
		return fmt.Errorf("produce entry %s: %w", entry.ID, err)
	}
	k.breaker.RecordSuccess()
	return nil
}

// Close flushes and closes the client when the sink owns it.
func (k *Kafka) Close() {
	if k.close != nil {
		k.close()
	}
}
