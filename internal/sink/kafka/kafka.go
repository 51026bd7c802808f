// Package kafka streams harvested items onto a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
)

// Config names the brokers and topic items are written to.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	// BatchSize caps the number of messages per write call. Zero writes the
	// whole run at once.
	BatchSize int `mapstructure:"batch_size"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink writes one message per item, keyed by item id so a product's
// history lands on a single partition.
type Sink struct {
	writer    messageWriter
	batchSize int
	now       func() time.Time
}

var _ pipeline.Sink = (*Sink)(nil)

// New creates a Kafka sink for cfg.
func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("sinks.kafka.brokers and topic are required")
	}
	return &Sink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: false,
		},
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}, nil
}

// NewWithWriter builds a sink using a custom writer (tests).
func NewWithWriter(writer messageWriter, batchSize int) *Sink {
	return &Sink{writer: writer, batchSize: batchSize, now: time.Now}
}

// Close shuts down the underlying writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}

// Save implements pipeline.Sink.
func (s *Sink) Save(ctx context.Context, res pipeline.Result) error {
	msgs := make([]kafka.Message, 0, len(res.Items))
	ts := s.now().UTC()
	for _, item := range res.Items {
		if item == nil {
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal item %s: %w", item.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(item.ID),
			Value: payload,
			Time:  ts,
			Headers: []kafka.Header{
				{Key: "run_id", Value: []byte(res.RunID)},
				{Key: "target", Value: []byte(res.Target)},
			},
		})
	}
	if len(msgs) == 0 {
		return nil
	}

	size := s.batchSize
	if size <= 0 {
		size = len(msgs)
	}
	for start := 0; start < len(msgs); start += size {
		end := min(start+size, len(msgs))
		if err := s.writer.WriteMessages(ctx, msgs[start:end]...); err != nil {
			return fmt.Errorf("write items %d-%d of run %s: %w", start, end, res.RunID, err)
		}
	}
	return nil
}
