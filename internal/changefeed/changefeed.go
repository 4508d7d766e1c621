// Package changefeed turns resource change notifications into Store refreshes.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/fhir"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/infrastructure/redpanda"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/observability/metrics"
	"github.com/vincent-tsugranes/redhat-healthcare/pkg/workerpool"
)

// Task keys. Each key is queued at most once at a time.
const (
	TaskIndices    = "indices"
	TaskDependents = "dependents"
)

// Message is a resource change notification published by a record service
type Message struct {
	ResourceType fhir.Kind `json:"resourceType"`
	ID           string    `json:"id"`
	Action       string    `json:"action"`
	// References lists the locators the changed resource points at
	References []string `json:"references,omitempty"`
}

// Validate checks the fields every notification must carry
func (m Message) Validate() error {
	if m.ResourceType == "" {
		return errors.New("change notification has no resourceType")
	}
	if m.ID == "" {
		return fmt.Errorf("change notification for %s has no id", m.ResourceType)
	}
	if !slices.Contains(fhir.Kinds, m.ResourceType) {
		return fmt.Errorf("change notification for unsupported kind %s", m.ResourceType)
	}
	return nil
}

// Locator returns "<Kind>/<id>" of the changed resource
func (m Message) Locator() string {
	return fhir.Locator(m.ResourceType, m.ID)
}

// Store is the part of portal.Store driven by the change feed
type Store interface {
	PatientReference() string
	LoadPatientData(ctx context.Context)
	LoadAllReferenceIndices(ctx context.Context)
}

// Submitter queues refresh tasks
type Submitter interface {
	Submit(task workerpool.Task) (bool, error)
}

// indexedKinds back the population-wide reference indices
var indexedKinds = []fhir.Kind{fhir.KindAppointment, fhir.KindClaim, fhir.KindMedicationRequest}

// dependentKinds are loaded per selected patient
var dependentKinds = []fhir.Kind{fhir.KindCoverage, fhir.KindClaim, fhir.KindAppointment, fhir.KindMedicationRequest}

// Handler maps consumed notifications onto refresh tasks
type Handler struct {
	store   Store
	tasks   Submitter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHandler creates a change feed handler
func NewHandler(store Store, tasks Submitter, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, tasks: tasks, metrics: m, logger: logger}
}

// Handle processes one consumed message. Malformed messages are logged and
// skipped so they do not block the partition; only a failure to queue work
// is returned, leaving the offset uncommitted.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var m Message
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		h.logger.Warn("skipping undecodable change notification",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if err := m.Validate(); err != nil {
		h.logger.Warn("skipping invalid change notification",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	h.metrics.ChangeEvent(string(m.ResourceType))

	for _, key := range h.Route(m) {
		queued, err := h.tasks.Submit(workerpool.Task{Key: key, Payload: m})
		if err != nil {
			return fmt.Errorf("queue %s refresh for %s: %w", key, m.Locator(), err)
		}
		h.logger.Debug("change notification routed",
			zap.String("resource", m.Locator()),
			zap.String("action", m.Action),
			zap.String("task", key),
			zap.Bool("queued", queued))
	}
	return nil
}

// Route returns the task keys a notification should trigger
func (h *Handler) Route(m Message) []string {
	var keys []string
	if slices.Contains(indexedKinds, m.ResourceType) {
		keys = append(keys, TaskIndices)
	}
	if slices.Contains(dependentKinds, m.ResourceType) {
		if ref := h.store.PatientReference(); ref != "" && slices.Contains(m.References, ref) {
			keys = append(keys, TaskDependents)
		}
	}
	return keys
}

// Worker returns the pool function that runs refresh tasks against store
func Worker(store Store) workerpool.WorkerFunc {
	return func(ctx context.Context, task workerpool.Task) error {
		switch task.Key {
		case TaskIndices:
			store.LoadAllReferenceIndices(ctx)
		case TaskDependents:
			store.LoadPatientData(ctx)
		default:
			return fmt.Errorf("unknown refresh task %q", task.Key)
		}
		return nil
	}
}
