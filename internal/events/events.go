// Package events defines portal activity events and the sinks that record them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of activity event
type EventType string

const (
	EventPatientSelected     EventType = "patient.selected"
	EventPatientSelectFailed EventType = "patient.select_failed"
	EventPatientDataLoaded   EventType = "patient.data_loaded"
	EventPatientDataFailed   EventType = "patient.data_failed"
	EventIndicesRefreshed    EventType = "indices.refreshed"
	EventIndicesFailed       EventType = "indices.failed"
)

// Outcome values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event records one store action against the record services
type Event struct {
	ID        string          `json:"id"`
	EventType EventType       `json:"event_type"`
	Locator   string          `json:"locator,omitempty"`
	Outcome   string          `json:"outcome"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates a new event. data may be nil.
func NewEvent(eventType EventType, locator string, data interface{}) (*Event, error) {
	e := &Event{
		ID:        uuid.New().String(),
		EventType: eventType,
		Locator:   locator,
		Outcome:   OutcomeSuccess,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		e.Data = raw
	}
	return e, nil
}

// Failed marks the event as a failure carrying msg
func (e *Event) Failed(msg string) *Event {
	e.Outcome = OutcomeFailure
	e.Message = msg
	return e
}

// Key partitions events by the resource they concern
func (e *Event) Key() string {
	if e.Locator != "" {
		return e.Locator
	}
	return string(e.EventType)
}

// CollectionCounts is the payload of load events
type CollectionCounts map[string]int

// Sink receives activity events
type Sink interface {
	Publish(ctx context.Context, e *Event) error
}

// Multi publishes to every sink and joins their errors
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e *Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }
