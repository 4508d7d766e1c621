package portal

import (
	"time"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/fhir"
)

// Owner paths name the reference element that ties an entry to its owner.
var (
	OwnerClaimPatient         = []string{"patient"}
	OwnerCoverageBeneficiary  = []string{"beneficiary"}
	OwnerMedicationSubject    = []string{"subject"}
	OwnerMedicationRequester  = []string{"requester"}
	participantActorReference = []string{"actor", "reference"}
)

// startLayouts are tried in order; timestamps without an offset are read as UTC.
var startLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseStart parses an appointment start instant
func ParseStart(v string) (time.Time, bool) {
	for _, layout := range startLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// CountUpcoming counts entries with a participant whose actor references
// participantRef and whose start is at or after now. Entries without a
// parseable start are not counted.
func CountUpcoming(entries []*fhir.Resource, participantRef string, now time.Time) int {
	if participantRef == "" {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !hasParticipant(e, participantRef) {
			continue
		}
		raw, ok := e.String("start")
		if !ok {
			continue
		}
		start, ok := ParseStart(raw)
		if !ok {
			continue
		}
		if !start.Before(now) {
			n++
		}
	}
	return n
}

func hasParticipant(e *fhir.Resource, ref string) bool {
	participants, ok := e.Slice("participant")
	if !ok {
		return false
	}
	for _, p := range participants {
		if actor, ok := fhir.Walk(p, participantActorReference...); ok && actor == ref {
			return true
		}
	}
	return false
}

// CountByStatus counts entries whose reference at ownerPath equals ownerRef
// and whose status equals status exactly.
func CountByStatus(entries []*fhir.Resource, ownerPath []string, ownerRef, status string) int {
	if ownerRef == "" {
		return 0
	}
	n := 0
	for _, e := range entries {
		if ref, ok := e.Reference(ownerPath...); !ok || ref != ownerRef {
			continue
		}
		if st, ok := e.String("status"); ok && st == status {
			n++
		}
	}
	return n
}

// UpcomingAppointmentCount counts the patient's appointments starting at or after now
func (s *Store) UpcomingAppointmentCount(patientID string, now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CountUpcoming(s.allAppointments, fhir.Locator(fhir.KindPatient, patientID), now)
}

// PendingClaimsCount counts the patient's active claims
func (s *Store) PendingClaimsCount(patientID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CountByStatus(s.allClaims, OwnerClaimPatient, fhir.Locator(fhir.KindPatient, patientID), fhir.StatusActive)
}

// ActiveMedicationCount counts the patient's active medication requests
func (s *Store) ActiveMedicationCount(patientID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CountByStatus(s.allMedications, OwnerMedicationSubject, fhir.Locator(fhir.KindPatient, patientID), fhir.StatusActive)
}

// PractitionerUpcomingAppointmentCount counts the practitioner's appointments starting at or after now
func (s *Store) PractitionerUpcomingAppointmentCount(practitionerID string, now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CountUpcoming(s.allAppointments, fhir.Locator(fhir.KindPractitioner, practitionerID), now)
}

// PractitionerActiveMedicationCount counts active medication requests the practitioner wrote
func (s *Store) PractitionerActiveMedicationCount(practitionerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CountByStatus(s.allMedications, OwnerMedicationRequester, fhir.Locator(fhir.KindPractitioner, practitionerID), fhir.StatusActive)
}

// PatientSummary bundles the patient counts shown on the dashboard
type PatientSummary struct {
	Reference            string    `json:"reference"`
	UpcomingAppointments int       `json:"upcomingAppointments"`
	PendingClaims        int       `json:"pendingClaims"`
	ActiveMedications    int       `json:"activeMedications"`
	IndicesLoaded        bool      `json:"indicesLoaded"`
	AsOf                 time.Time `json:"asOf"`
}

// PractitionerSummary bundles the practitioner counts
type PractitionerSummary struct {
	Reference            string    `json:"reference"`
	UpcomingAppointments int       `json:"upcomingAppointments"`
	ActiveMedications    int       `json:"activeMedications"`
	IndicesLoaded        bool      `json:"indicesLoaded"`
	AsOf                 time.Time `json:"asOf"`
}

// PatientSummary computes every patient count against one consistent view of the indices
func (s *Store) PatientSummary(patientID string, now time.Time) PatientSummary {
	ref := fhir.Locator(fhir.KindPatient, patientID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return PatientSummary{
		Reference:            ref,
		UpcomingAppointments: CountUpcoming(s.allAppointments, ref, now),
		PendingClaims:        CountByStatus(s.allClaims, OwnerClaimPatient, ref, fhir.StatusActive),
		ActiveMedications:    CountByStatus(s.allMedications, OwnerMedicationSubject, ref, fhir.StatusActive),
		IndicesLoaded:        s.indicesLoaded,
		AsOf:                 now,
	}
}

// PractitionerSummary computes every practitioner count against one consistent view of the indices
func (s *Store) PractitionerSummary(practitionerID string, now time.Time) PractitionerSummary {
	ref := fhir.Locator(fhir.KindPractitioner, practitionerID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return PractitionerSummary{
		Reference:            ref,
		UpcomingAppointments: CountUpcoming(s.allAppointments, ref, now),
		ActiveMedications:    CountByStatus(s.allMedications, OwnerMedicationRequester, ref, fhir.StatusActive),
		IndicesLoaded:        s.indicesLoaded,
		AsOf:                 now,
	}
}
