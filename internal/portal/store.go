// Package portal implements the patient portal's aggregation store: the
// in-memory collections fetched from the record services, the current
// patient selection and the relationship counts derived from them.
package portal

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/events"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/fhir"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/observability/metrics"
)

// ResourceClient reads one resource kind from its record service
type ResourceClient interface {
	Get(ctx context.Context, id string) (*fhir.Resource, error)
	Search(ctx context.Context, params map[string]string) (*fhir.Collection, error)
}

// Clients holds one ResourceClient per kind consumed by the Store
type Clients struct {
	Patients      ResourceClient
	Coverage      ResourceClient
	Claims        ResourceClient
	Practitioners ResourceClient
	Appointments  ResourceClient
	Medications   ResourceClient
}

func (c Clients) validate() error {
	var missing []error
	check := func(name string, rc ResourceClient) {
		if rc == nil {
			missing = append(missing, errors.New(name+" client is required"))
		}
	}
	check("patient", c.Patients)
	check("coverage", c.Coverage)
	check("claim", c.Claims)
	check("practitioner", c.Practitioners)
	check("appointment", c.Appointments)
	check("medication", c.Medications)
	return errors.Join(missing...)
}

// Phase is the state of the patient selection
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
	PhaseFailed  Phase = "failed"
)

// PageSizes bounds the population-wide index searches
type PageSizes struct {
	Appointments int
	Claims       int
	Medications  int
}

// DefaultPageSizes returns the record services' large-page limits
func DefaultPageSizes() PageSizes {
	return PageSizes{
		Appointments: 1000,
		Claims:       5000,
		Medications:  1000,
	}
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithEventSink sets where activity events are published
func WithEventSink(sink events.Sink) Option {
	return func(s *Store) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithClock overrides the time source used for refresh timestamps and default "now"
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPageSizes overrides the index page sizes; zero values keep the defaults
func WithPageSizes(p PageSizes) Option {
	return func(s *Store) {
		if p.Appointments > 0 {
			s.pages.Appointments = p.Appointments
		}
		if p.Claims > 0 {
			s.pages.Claims = p.Claims
		}
		if p.Medications > 0 {
			s.pages.Medications = p.Medications
		}
	}
}

// Store owns every collection shown by the portal. All fields are guarded
// by mu; record service calls are made without holding it.
type Store struct {
	clients Clients
	logger  *zap.Logger
	metrics *metrics.Metrics
	sink    events.Sink
	tracer  trace.Tracer
	now     func() time.Time
	pages   PageSizes

	mu            sync.RWMutex
	current       *fhir.Resource
	patients      []*fhir.Resource
	coverages     []*fhir.Resource
	claims        []*fhir.Resource
	appointments  []*fhir.Resource
	medications   []*fhir.Resource
	practitioners []*fhir.Resource

	allAppointments []*fhir.Resource
	allClaims       []*fhir.Resource
	allMedications  []*fhir.Resource
	indicesLoaded   bool
	indicesAt       time.Time

	phase    Phase
	errMsg   string
	inflight int
	// generation increments on every selection; results tagged with an
	// older generation are discarded.
	generation uint64
}

// New creates an empty Store
func New(clients Clients, opts ...Option) (*Store, error) {
	if err := clients.validate(); err != nil {
		return nil, err
	}
	s := &Store{
		clients: clients,
		logger:  zap.NewNop(),
		sink:    events.Nop{},
		tracer:  otel.Tracer("portal"),
		now:     time.Now,
		pages:   DefaultPageSizes(),
		phase:   PhaseIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Snapshot is a consistent copy of the Store's observable state
type Snapshot struct {
	Phase            Phase          `json:"phase"`
	Current          *fhir.Resource `json:"current"`
	PatientReference string         `json:"patientReference,omitempty"`
	PatientName      string         `json:"patientName"`

	Patients      []*fhir.Resource `json:"patients"`
	Coverages     []*fhir.Resource `json:"coverages"`
	Claims        []*fhir.Resource `json:"claims"`
	Appointments  []*fhir.Resource `json:"appointments"`
	Medications   []*fhir.Resource `json:"medications"`
	Practitioners []*fhir.Resource `json:"practitioners"`

	AllAppointments    []*fhir.Resource `json:"allAppointments"`
	AllClaims          []*fhir.Resource `json:"allClaims"`
	AllMedications     []*fhir.Resource `json:"allMedications"`
	IndicesLoaded      bool             `json:"indicesLoaded"`
	IndicesRefreshedAt *time.Time       `json:"indicesRefreshedAt,omitempty"`

	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// Snapshot returns the current state. Slices are copies; resources are
// shared and must not be modified.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Phase:            s.phase,
		Current:          s.current,
		PatientReference: s.current.Locator(),
		PatientName:      fhir.DisplayName(s.current),
		Patients:         clone(s.patients),
		Coverages:        clone(s.coverages),
		Claims:           clone(s.claims),
		Appointments:     clone(s.appointments),
		Medications:      clone(s.medications),
		Practitioners:    clone(s.practitioners),
		AllAppointments:  clone(s.allAppointments),
		AllClaims:        clone(s.allClaims),
		AllMedications:   clone(s.allMedications),
		IndicesLoaded:    s.indicesLoaded,
		Loading:          s.inflight > 0,
		Error:            s.errMsg,
	}
	if s.indicesLoaded {
		at := s.indicesAt
		snap.IndicesRefreshedAt = &at
	}
	return snap
}

// PatientReference returns the current patient's locator, or "" when none is selected
func (s *Store) PatientReference() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Locator()
}

// PatientName returns the current patient's display name
func (s *Store) PatientName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fhir.DisplayName(s.current)
}

// Loading reports whether any action is awaiting a record service
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight > 0
}

// Err returns the user-visible error message, "" when none
func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// ClearError resets the user-visible error
func (s *Store) ClearError() {
	s.mu.Lock()
	s.errMsg = ""
	s.mu.Unlock()
}

// Now returns the Store's clock reading
func (s *Store) Now() time.Time {
	return s.now()
}

func clone(in []*fhir.Resource) []*fhir.Resource {
	out := make([]*fhir.Resource, len(in))
	copy(out, in)
	return out
}

// begin marks an action in flight; the returned func must be called once it settles
func (s *Store) begin() func() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	s.metrics.ActionStarted()

	return func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
		s.metrics.ActionFinished()
	}
}

func (s *Store) clearDependentsLocked() {
	s.coverages = nil
	s.claims = nil
	s.appointments = nil
	s.medications = nil
}

func (s *Store) publish(ctx context.Context, e *events.Event) {
	if e == nil {
		return
	}
	if err := s.sink.Publish(ctx, e); err != nil {
		s.metrics.SinkFailure()
		s.logger.Warn("failed to publish activity event",
			zap.String("event_type", string(e.EventType)),
			zap.String("locator", e.Locator),
			zap.Error(err))
	}
}

func (s *Store) event(eventType events.EventType, locator string, data interface{}) *events.Event {
	e, err := events.NewEvent(eventType, locator, data)
	if err != nil {
		s.logger.Error("failed to build activity event",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return nil
	}
	return e
}

// errorMessage returns err's message, or fallback when it has none
func errorMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallback
}
