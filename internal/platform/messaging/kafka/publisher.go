// Package kafka publishes flow progress events to Kafka for downstream
// consumers (dashboards, audit, billing).
package kafka

import (
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/chainflow-ai/chainflow/internal/engine"
	"github.com/chainflow-ai/chainflow/internal/platform/logger"
)

// Config holds the publisher settings. TopicPrefix yields
// <prefix>-flow-progress for node events and <prefix>-flow-lifecycle for
// run start/complete events.
type Config struct {
	Brokers     []string
	TopicPrefix string
	RunID       string // message key, keeps one run's events in order
}

// ProgressPublisher is an engine.ProgressSink over a sarama async producer.
type ProgressPublisher struct {
	producer sarama.AsyncProducer
	config   Config
	log      logger.Logger
}

// NewProgressPublisher connects an async producer with delivery guarantees
// suited to progress streams: all-replica acks, snappy, bounded retries.
func NewProgressPublisher(cfg Config, log logger.Logger) (*ProgressPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Version = sarama.V3_3_1_0

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	p := &ProgressPublisher{
		producer: producer,
		config:   cfg,
		log:      log,
	}
	go p.drainErrors()

	return p, nil
}

// Publish implements engine.ProgressSink. Serialization failures and full
// producer buffers drop the event; a progress stream must never stall the
// scheduler.
func (p *ProgressPublisher) Publish(event engine.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		if p.log != nil {
			p.log.Error("failed to serialize progress event", "error", err)
		}
		return
	}

	message := &sarama.ProducerMessage{
		Topic: p.topicFor(event.Type),
		Key:   sarama.StringEncoder(p.config.RunID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(event.Type)},
			{Key: []byte("nodeId"), Value: []byte(event.NodeID)},
		},
	}

	select {
	case p.producer.Input() <- message:
	default:
		if p.log != nil {
			p.log.Warn("kafka producer buffer full, dropping progress event",
				"event_type", string(event.Type),
				"node_id", event.NodeID)
		}
	}
}

// Close shuts the producer down, flushing buffered messages.
func (p *ProgressPublisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

func (p *ProgressPublisher) drainErrors() {
	for err := range p.producer.Errors() {
		if p.log != nil {
			p.log.Error("kafka producer error", "error", err.Err, "topic", err.Msg.Topic)
		}
	}
}

func (p *ProgressPublisher) topicFor(eventType engine.EventType) string {
	prefix := p.config.TopicPrefix
	if prefix == "" {
		prefix = "chainflow"
	}
	switch eventType {
	case engine.EventExecutionStart, engine.EventExecutionComplete:
		return prefix + "-flow-lifecycle"
	default:
		return prefix + "-flow-progress"
	}
}
