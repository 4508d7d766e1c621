package redpanda

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/events"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/observability/metrics"
)

type asyncProducer interface {
	ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error))
}

// EventSink publishes activity events to a topic without blocking the caller.
// Delivery failures are counted and logged from the produce callback.
type EventSink struct {
	producer asyncProducer
	topic    string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewEventSink creates a sink writing to topic; an empty topic uses TopicActivity
func NewEventSink(p *Producer, topic string, m *metrics.Metrics, logger *zap.Logger) *EventSink {
	return newEventSink(p, topic, m, logger)
}

func newEventSink(p asyncProducer, topic string, m *metrics.Metrics, logger *zap.Logger) *EventSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = TopicActivity
	}
	return &EventSink{producer: p, topic: topic, metrics: m, logger: logger}
}

// Publish encodes e as JSON keyed by the resource it concerns
func (s *EventSink) Publish(ctx context.Context, e *events.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}

	s.producer.ProduceAsync(ctx, s.topic, e.Key(), value, func(err error) {
		if err == nil {
			return
		}
		s.metrics.SinkFailure()
		s.logger.Warn("activity event not delivered",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.EventType)),
			zap.Error(err))
	})
	return nil
}
