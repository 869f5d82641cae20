package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/progress"
)

// Publisher sends one payload to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Batch is the payload forwarded for each flushed batch.
type Batch struct {
	Events []progress.Event `json:"events"`
}

// PublisherSink forwards every batch as one message so downstream consumers
// outside the hash store's network can follow session progress.
type PublisherSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink returns a sink that publishes to topic.
func NewPublisherSink(pub Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if len(batch) == 0 {
		return nil
	}
	id, err := s.pub.Publish(ctx, s.topic, Batch{Events: batch})
	if err != nil {
		return fmt.Errorf("forward %d session events: %w", len(batch), err)
	}
	s.logger.Debug("Forwarded session events", zap.String("message_id", id), zap.Int("events", len(batch)))
	return nil
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
