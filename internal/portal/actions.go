package portal

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/events"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/fhir"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/observability/metrics"
)

// Fallback messages used when a failure carries no message of its own
const (
	msgLoadPatients        = "Failed to load patients"
	msgLoadPatient         = "Failed to load patient"
	msgLoadPatientData     = "Failed to load patient data"
	msgLoadPractitioners   = "Failed to load practitioners"
	msgSearchPractitioners = "Failed to search practitioners"
)

// PractitionerQuery filters a practitioner search. The zero value loads all practitioners.
type PractitionerQuery struct {
	Name      string `json:"name,omitempty"`
	Specialty string `json:"specialty,omitempty"`
}

// IsZero reports whether the query has no filter
func (q PractitionerQuery) IsZero() bool {
	return q.Name == "" && q.Specialty == ""
}

// LoadAllPatients replaces Patients with an unfiltered patient search
func (s *Store) LoadAllPatients(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "portal.LoadAllPatients")
	defer span.End()

	done := s.begin()
	defer done()
	s.ClearError()

	patients, err := searchAll(ctx, s.clients.Patients, nil)

	s.mu.Lock()
	if err != nil {
		s.errMsg = errorMessage(err, msgLoadPatients)
		s.mu.Unlock()
		s.fail(span, "failed to load patients", err)
		return
	}
	s.patients = patients
	s.mu.Unlock()
	s.metrics.SetCollectionSize("patients", len(patients))
}

// SelectPatient makes id the current patient and loads its dependent
// collections. The phase moves to loading, then to ready or failed.
// A newer selection supersedes this one; its late results are discarded.
func (s *Store) SelectPatient(ctx context.Context, id string) {
	ctx, span := s.tracer.Start(ctx, "portal.SelectPatient",
		trace.WithAttributes(attribute.String("patient.id", id)))
	defer span.End()

	done := s.begin()
	defer done()

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.phase = PhaseLoading
	s.errMsg = ""
	s.mu.Unlock()

	patient, err := s.clients.Patients.Get(ctx, id)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		s.stale("select", fhir.Locator(fhir.KindPatient, id))
		return
	}
	if err != nil {
		s.current = nil
		s.clearDependentsLocked()
		s.phase = PhaseFailed
		s.errMsg = errorMessage(err, msgLoadPatient)
		s.mu.Unlock()

		s.metrics.Selection(metrics.OutcomeError)
		s.fail(span, "failed to load patient", err, zap.String("patient_id", id))
		if e := s.event(events.EventPatientSelectFailed, fhir.Locator(fhir.KindPatient, id), nil); e != nil {
			s.publish(ctx, e.Failed(errorMessage(err, msgLoadPatient)))
		}
		return
	}

	ref := patient.Locator()
	if s.current.Locator() != ref {
		s.clearDependentsLocked()
	}
	s.current = patient
	s.phase = PhaseReady
	s.mu.Unlock()

	s.metrics.Selection(metrics.OutcomeSuccess)
	s.logger.Info("patient selected", zap.String("patient", ref))
	s.publish(ctx, s.event(events.EventPatientSelected, ref, nil))

	if ref == "" {
		return
	}
	s.loadDependents(ctx, gen, ref)
}

// LoadPatientData reloads the current patient's coverage, claims,
// appointments and medications. It does nothing when no patient is selected
// and, unlike the other actions, leaves an existing error in place.
func (s *Store) LoadPatientData(ctx context.Context) {
	s.mu.RLock()
	ref := s.current.Locator()
	gen := s.generation
	s.mu.RUnlock()
	if ref == "" {
		return
	}

	done := s.begin()
	defer done()
	s.loadDependents(ctx, gen, ref)
}

// loadDependents fetches the four dependent collections concurrently and
// swaps them in together. Any failure cancels the rest and leaves every
// dependent collection as it was.
func (s *Store) loadDependents(ctx context.Context, gen uint64, ref string) {
	ctx, span := s.tracer.Start(ctx, "portal.LoadPatientData",
		trace.WithAttributes(attribute.String("patient.reference", ref)))
	defer span.End()

	var coverages, claims, appointments, medications []*fhir.Resource
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		coverages, err = s.coverageByBeneficiary(gctx, ref)
		return err
	})
	g.Go(func() (err error) {
		claims, err = s.claimsByPatient(gctx, ref)
		return err
	})
	g.Go(func() (err error) {
		appointments, err = s.appointmentsByPatient(gctx, ref)
		return err
	})
	g.Go(func() (err error) {
		medications, err = s.medicationsByPatient(gctx, ref)
		return err
	})
	err := g.Wait()

	s.mu.Lock()
	if gen != s.generation || s.current.Locator() != ref {
		s.mu.Unlock()
		s.stale("dependents", ref)
		return
	}
	if err != nil {
		s.phase = PhaseFailed
		s.errMsg = errorMessage(err, msgLoadPatientData)
		s.mu.Unlock()

		s.metrics.DependentLoad(metrics.OutcomeError)
		s.fail(span, "failed to load patient data", err, zap.String("patient", ref))
		if e := s.event(events.EventPatientDataFailed, ref, nil); e != nil {
			s.publish(ctx, e.Failed(errorMessage(err, msgLoadPatientData)))
		}
		return
	}
	s.coverages = coverages
	s.claims = claims
	s.appointments = appointments
	s.medications = medications
	s.phase = PhaseReady
	s.mu.Unlock()

	counts := events.CollectionCounts{
		"coverages":    len(coverages),
		"claims":       len(claims),
		"appointments": len(appointments),
		"medications":  len(medications),
	}
	for name, n := range counts {
		s.metrics.SetCollectionSize(name, n)
	}
	s.metrics.DependentLoad(metrics.OutcomeSuccess)
	s.logger.Debug("patient data loaded",
		zap.String("patient", ref),
		zap.Int("coverages", len(coverages)),
		zap.Int("claims", len(claims)),
		zap.Int("appointments", len(appointments)),
		zap.Int("medications", len(medications)))
	s.publish(ctx, s.event(events.EventPatientDataLoaded, ref, counts))
}

// LoadAllPractitioners replaces Practitioners with an unfiltered search
func (s *Store) LoadAllPractitioners(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "portal.LoadAllPractitioners")
	defer span.End()

	done := s.begin()
	defer done()
	s.ClearError()

	found, err := s.practitionersMatching(ctx, PractitionerQuery{})
	s.setPractitioners(span, found, err, msgLoadPractitioners)
}

// SearchPractitioners replaces Practitioners with those matching q; an
// empty query loads all practitioners.
func (s *Store) SearchPractitioners(ctx context.Context, q PractitionerQuery) {
	if q.IsZero() {
		s.LoadAllPractitioners(ctx)
		return
	}

	ctx, span := s.tracer.Start(ctx, "portal.SearchPractitioners",
		trace.WithAttributes(
			attribute.String("query.name", q.Name),
			attribute.String("query.specialty", q.Specialty),
		))
	defer span.End()

	done := s.begin()
	defer done()
	s.ClearError()

	found, err := s.practitionersMatching(ctx, q)
	s.setPractitioners(span, found, err, msgSearchPractitioners)
}

func (s *Store) setPractitioners(span trace.Span, found []*fhir.Resource, err error, fallback string) {
	s.mu.Lock()
	if err != nil {
		s.errMsg = errorMessage(err, fallback)
		s.mu.Unlock()
		s.fail(span, "failed to load practitioners", err)
		return
	}
	s.practitioners = found
	s.mu.Unlock()
	s.metrics.SetCollectionSize("practitioners", len(found))
}

// LoadAllReferenceIndices refreshes the population-wide appointment, claim
// and medication indices used by the summary counts. It is best effort:
// failures are logged and counted but never reach Err or Loading, and the
// previous indices stay in place.
func (s *Store) LoadAllReferenceIndices(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "portal.LoadAllReferenceIndices")
	defer span.End()

	var appointments, claims, medications []*fhir.Resource
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		appointments, err = searchAll(gctx, s.clients.Appointments, countParam(s.pages.Appointments))
		return err
	})
	g.Go(func() (err error) {
		claims, err = searchAll(gctx, s.clients.Claims, countParam(s.pages.Claims))
		return err
	})
	g.Go(func() (err error) {
		medications, err = searchAll(gctx, s.clients.Medications, countParam(s.pages.Medications))
		return err
	})

	if err := g.Wait(); err != nil {
		s.metrics.IndexRefresh(metrics.OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("failed to load reference indices", zap.Error(err))
		if e := s.event(events.EventIndicesFailed, "", nil); e != nil {
			s.publish(ctx, e.Failed(err.Error()))
		}
		return
	}

	s.mu.Lock()
	s.allAppointments = appointments
	s.allClaims = claims
	s.allMedications = medications
	s.indicesLoaded = true
	s.indicesAt = s.now()
	s.mu.Unlock()

	counts := events.CollectionCounts{
		"allAppointments": len(appointments),
		"allClaims":       len(claims),
		"allMedications":  len(medications),
	}
	for name, n := range counts {
		s.metrics.SetCollectionSize(name, n)
	}
	s.metrics.IndexRefresh(metrics.OutcomeSuccess)
	s.logger.Debug("reference indices loaded",
		zap.Int("appointments", len(appointments)),
		zap.Int("claims", len(claims)),
		zap.Int("medications", len(medications)))
	s.publish(ctx, s.event(events.EventIndicesRefreshed, "", counts))
}

func (s *Store) stale(action, ref string) {
	s.metrics.Stale()
	s.logger.Debug("discarding superseded result",
		zap.String("action", action),
		zap.String("patient", ref))
}

func (s *Store) fail(span trace.Span, msg string, err error, fields ...zap.Field) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error(msg, append(fields, zap.Error(err))...)
}
