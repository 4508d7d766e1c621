package gateway

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/fhir"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/observability/metrics"
	"github.com/vincent-tsugranes/redhat-healthcare/pkg/circuitbreaker"
)

// SetConfig holds the base URL of every record service
type SetConfig struct {
	PatientURL      string
	CoverageURL     string
	ClaimURL        string
	PractitionerURL string
	AppointmentURL  string
	MedicationURL   string
	Timeout         time.Duration
}

// DefaultSetConfig returns the local development endpoints
func DefaultSetConfig() SetConfig {
	return SetConfig{
		PatientURL:      "http://localhost:8080/fhir",
		CoverageURL:     "http://localhost:8081/fhir",
		ClaimURL:        "http://localhost:8082/fhir",
		PractitionerURL: "http://localhost:8083/fhir",
		AppointmentURL:  "http://localhost:8084/fhir",
		MedicationURL:   "http://localhost:8085/fhir",
		Timeout:         30 * time.Second,
	}
}

// Set bundles one client per resource kind
type Set struct {
	Patients      *Client
	Coverage      *Client
	Claims        *Client
	Practitioners *Client
	Appointments  *Client
	Medications   *Client
}

// NewSet builds all clients sharing a single http.Client
func NewSet(cfg SetConfig, m *metrics.Metrics, logger *zap.Logger) (*Set, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	build := func(kind fhir.Kind, base string) (*Client, error) {
		c, err := NewClient(ClientConfig{Kind: kind, BaseURL: base, HTTPClient: httpClient}, m, logger)
		if err != nil {
			return nil, fmt.Errorf("build %s client: %w", kind, err)
		}
		return c, nil
	}

	var (
		s   Set
		err error
	)
	if s.Patients, err = build(fhir.KindPatient, cfg.PatientURL); err != nil {
		return nil, err
	}
	if s.Coverage, err = build(fhir.KindCoverage, cfg.CoverageURL); err != nil {
		return nil, err
	}
	if s.Claims, err = build(fhir.KindClaim, cfg.ClaimURL); err != nil {
		return nil, err
	}
	if s.Practitioners, err = build(fhir.KindPractitioner, cfg.PractitionerURL); err != nil {
		return nil, err
	}
	if s.Appointments, err = build(fhir.KindAppointment, cfg.AppointmentURL); err != nil {
		return nil, err
	}
	if s.Medications, err = build(fhir.KindMedicationRequest, cfg.MedicationURL); err != nil {
		return nil, err
	}
	return &s, nil
}

// Breakers returns every client's circuit breaker
func (s *Set) Breakers() []*circuitbreaker.CircuitBreaker {
	return []*circuitbreaker.CircuitBreaker{
		s.Patients.Breaker(),
		s.Coverage.Breaker(),
		s.Claims.Breaker(),
		s.Practitioners.Breaker(),
		s.Appointments.Breaker(),
		s.Medications.Breaker(),
	}
}
