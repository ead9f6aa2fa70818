package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/crawlq/internal/notify"
)

// PubSubSink publishes events to a Pub/Sub topic with trace context in the
// message attributes.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink wraps a topic handle.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Name implements notify.Sink.
func (s *PubSubSink) Name() string { return "pubsub" }

// Consume publishes every event, then waits for all results.
func (s *PubSubSink) Consume(ctx context.Context, batch []notify.Event) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, evt := range batch {
		msg, err := newPubSubMessage(ctx, evt)
		if err != nil {
			return err
		}
		results = append(results, s.topic.Publish(ctx, msg))
	}
	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publish message: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending messages and stops the topic's publish goroutines.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}

func newPubSubMessage(ctx context.Context, evt notify.Event) (*pubsub.Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	attrs := map[string]string{"type": string(evt.Type)}
	if evt.CrawlID != "" {
		attrs["crawl_id"] = evt.CrawlID
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}
