package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
	"github.com/nekoteam-llc/nekoparser/internal/notify"
)

// PublishSink forwards every event to a broker topic as JSON.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
}

// NewPublishSink builds a sink. An empty topic lets the publisher choose.
func NewPublishSink(publisher crawler.Publisher, topic string) (*PublishSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &PublishSink{publisher: publisher, topic: topic}, nil
}

// Consume publishes the batch and reports every failed event.
func (s *PublishSink) Consume(ctx context.Context, batch []notify.Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s event: %w", evt.Topic, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements notify.Sink; the publisher is owned by the caller.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
