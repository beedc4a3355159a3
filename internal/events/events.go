package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/the-spy-project/spy/internal/config"
)

type Type string

const (
	RepositoryDiscovered Type = "repository.discovered"
	RepositoryPublished  Type = "repository.published"
	StageCompleted       Type = "stage.completed"
)

// Event is a pipeline notification. Identifier is empty for stage events.
type Event struct {
	Type       Type           `json:"type"`
	Identifier string         `json:"identifier,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Source     string         `json:"source,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Kafka publishes events as JSON messages keyed by identifier (or stage).
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafka(producer sarama.SyncProducer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

// NewProducerConfig returns the sarama configuration used for publishing.
func NewProducerConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.Version = sarama.V3_6_0_0
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Return.Successes = true
	c.Producer.Retry.Max = 3
	return c
}

// NewForConfig returns Nop when KAFKA_BROKERS is empty.
func NewForConfig(cfg *config.Config) (Publisher, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		slog.Info("No Kafka brokers configured, events disabled")
		return Nop{}, nil
	}
	p, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	slog.Info("Publishing events to Kafka", "brokers", brokers, "topic", cfg.GetKafkaTopic())
	return NewKafka(p, cfg.GetKafkaTopic()), nil
}

func (k *Kafka) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := e.Identifier
	if key == "" {
		key = e.Stage
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(e.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write event to kafka: %w", err)
	}
	slog.DebugContext(ctx, "event published", "type", e.Type, "key", key, "partition", partition, "offset", offset)
	return nil
}

func (k *Kafka) Close() error { return k.producer.Close() }
