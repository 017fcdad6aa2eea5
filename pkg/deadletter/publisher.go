package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// Batch is a batch of formatted rows the sink gave up on
type Batch struct {
	RunID     string     `json:"run_id"`
	Range     string     `json:"range"`
	Cursor    string     `json:"cursor,omitempty"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error"`
	Rows      [][]string `json:"rows"`
	DroppedAt time.Time  `json:"dropped_at"`
}

// Publisher records dropped batches somewhere they can be replayed from
type Publisher interface {
	Publish(ctx context.Context, batch Batch) error
	Close() error
}

// Config holds Kafka dead-letter configuration
type Config struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher publishes dropped batches as JSON to a Kafka topic
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a KafkaPublisher. Writes are synchronous so the
// caller learns when a dead letter could not be stored.
func NewKafkaPublisher(cfg Config) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, batch Batch) error {
	msg, err := Message(batch)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Message encodes batch as a Kafka message keyed by run id
func Message(batch Batch) (kafka.Message, error) {
	value, err := json.Marshal(batch)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode dead letter: %w", err)
	}
	return kafka.Message{
		Key:   []byte(batch.RunID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "cursor", Value: []byte(batch.Cursor)},
		},
	}, nil
}
