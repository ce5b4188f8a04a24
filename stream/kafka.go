package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// KafkaEmitter publishes every event to one topic, keyed by channel so that
// events of a channel stay ordered within a partition.
type KafkaEmitter struct {
	mu       sync.RWMutex
	producer sarama.SyncProducer
	topic    string
	closed   bool

	published atomic.Uint64
	failed    atomic.Uint64

	logger *zap.Logger
}

// NewKafkaEmitter connects a synchronous producer to the brokers.
func NewKafkaEmitter(cfg KafkaConfig, logger *zap.Logger) (*KafkaEmitter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka emitter: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka emitter: topic required")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	if saramaCfg.ClientID == "" {
		saramaCfg.ClientID = "pbftd"
	}
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Producer.Retry.Backoff = 100 * time.Millisecond
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("kafka emitter: failed to create producer: %w", err)
	}
	return NewKafkaEmitterWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaEmitterWithProducer wraps an existing producer.
func NewKafkaEmitterWithProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaEmitter{
		producer: producer,
		topic:    topic,
		logger:   logger.Named("stream").With(zap.String("sink", "kafka"), zap.String("topic", topic)),
	}
}

// Emit publishes the event. Failures are logged and counted.
func (k *KafkaEmitter) Emit(channel string, payload any) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return
	}

	data, err := encodeEvent(channel, payload)
	if err != nil {
		k.failed.Add(1)
		k.logger.Warn("failed to encode event", zap.String("channel", channel), zap.Error(err))
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(channel),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("version"), Value: []byte("1")},
			{Key: []byte("channel"), Value: []byte(channel)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		k.failed.Add(1)
		k.logger.Warn("publish failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	k.published.Add(1)
	k.logger.Debug("event published",
		zap.String("channel", channel),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
}

// Stats returns the number of published and failed events.
func (k *KafkaEmitter) Stats() (published, failed uint64) {
	return k.published.Load(), k.failed.Load()
}

// Close flushes and closes the producer.
func (k *KafkaEmitter) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.producer.Close()
}
