// Package publisher forwards crawl records to a message broker.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

// Publisher sends one JSON payload to a topic and returns the broker's
// message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, attrs map[string]string) (string, error)
}

// Closer is implemented by publishers that hold broker connections.
type Closer interface {
	Close() error
}

// Sink adapts a Publisher to emit.Sink. Each record becomes one message.
type Sink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewSink returns a sink publishing to topic.
func NewSink(pub Publisher, topic string, logger *zap.Logger) (*Sink, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{pub: pub, topic: topic, logger: logger.Named("publisher")}, nil
}

// Consume publishes the batch in order, continuing past failures.
func (s *Sink) Consume(ctx context.Context, batch []crawler.Record) error {
	var errs []error
	for _, rec := range batch {
		attrs := map[string]string{
			"kind":   string(rec.Kind),
			"run_id": rec.RunID,
			"key":    rec.Key(),
		}
		id, err := s.pub.Publish(ctx, s.topic, rec, attrs)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", rec.Key(), err))
			continue
		}
		s.logger.Debug("record published", zap.String("message_id", id), zap.String("key", rec.Key()))
	}
	return errors.Join(errs...)
}

// Close releases the publisher when it holds resources.
func (s *Sink) Close(context.Context) error {
	if c, ok := s.pub.(Closer); ok {
		return c.Close()
	}
	return nil
}
