package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/Shopify/sarama"

	"gridledger/internal/eventing"
	"gridledger/internal/observability/metrics"
)

const kafkaSink = "kafka"

// KafkaConfig holds producer settings.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// NewSyncProducer builds a sarama producer that waits for all in-sync replicas.
func NewSyncProducer(cfg KafkaConfig) (sarama.SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka publisher: no brokers")
	}
	saramaConfig := sarama.NewConfig()
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Retry.Backoff = 250 * time.Millisecond
	return sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
}

// KafkaPublisher forwards event envelopes to a topic, keyed by meter id.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *log.Logger
}

// NewKafkaPublisher constructs a publisher.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *log.Logger) (*KafkaPublisher, error) {
	if producer == nil {
		return nil, errors.New("kafka publisher: nil producer")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: empty topic")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}, nil
}

// Handle sends the event envelope; it implements eventing.EventHandler.
func (p *KafkaPublisher) Handle(ctx context.Context, event any) error {
	env, ok := eventing.EnvelopeFromContext(ctx)
	if !ok {
		var err error
		env, err = eventing.BuildEnvelope(event, eventing.RunIDFromContext(ctx))
		if err != nil {
			metrics.IncEventPublish(kafkaSink, metrics.ResultError)
			return err
		}
	}
	value, err := json.Marshal(env)
	if err != nil {
		metrics.IncEventPublish(kafkaSink, metrics.ResultError)
		return err
	}

	headers := []sarama.RecordHeader{
		{Key: []byte("event_type"), Value: []byte(env.EventType)},
		{Key: []byte("event_id"), Value: []byte(env.EventID)},
	}
	if env.RunID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte("run_id"), Value: []byte(env.RunID)})
	}
	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(env.MeterID),
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: env.OccurredAt,
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.IncEventPublish(kafkaSink, metrics.ResultError)
		p.logger.Printf("event=kafka_publish_failed event_id=%s type=%s error=%v", env.EventID, env.EventType, err)
		return err
	}
	metrics.IncEventPublish(kafkaSink, metrics.ResultSuccess)
	p.logger.Printf("event=kafka_published event_id=%s type=%s partition=%d offset=%d", env.EventID, env.EventType, partition, offset)
	return nil
}

// Close closes the underlying producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
