// Package pubsub publishes harvested items to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
)

// Config names the project and topic items are published to.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Sink publishes one message per item. Attributes carry the run id, target
// and item state so subscribers can filter without decoding the payload.
type Sink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ pipeline.Sink = (*Sink)(nil)

// New creates a client for cfg.ProjectID and binds cfg.TopicID.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("sinks.pubsub.project_id and topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Sink{client: client, topic: client.Topic(cfg.TopicID)}, nil
}

// NewWithTopic wraps an existing topic (primarily for testing).
func NewWithTopic(topic *pubsub.Topic) *Sink {
	return &Sink{topic: topic}
}

// Save implements pipeline.Sink. It waits for every publish to settle.
func (s *Sink) Save(ctx context.Context, res pipeline.Result) error {
	if s == nil || s.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	results := make([]*pubsub.PublishResult, 0, len(res.Items))
	for _, item := range res.Items {
		if item == nil {
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal item %s: %w", item.ID, err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"run_id": res.RunID,
				"target": res.Target,
				"state":  string(item.State),
			},
		}))
	}

	var errs []error
	for _, r := range results {
		if _, err := r.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d of %d items failed: %w", len(errs), len(results), errors.Join(errs...))
	}
	return nil
}

// Close flushes pending messages and releases the client.
func (s *Sink) Close() error {
	if s == nil || s.topic == nil {
		return nil
	}
	s.topic.Stop()
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
