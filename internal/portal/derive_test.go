package portal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/fhir"
)

func mustTime(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	require.NoError(t, err)
	return ts
}

func appointment(id, start string, actors ...string) *fhir.Resource {
	participants := make([]any, 0, len(actors))
	for _, a := range actors {
		participants = append(participants, map[string]any{"actor": map[string]any{"reference": a}})
	}
	fields := map[string]any{"participant": participants}
	if start != "" {
		fields["start"] = start
	}
	return fhir.NewResource(fhir.KindAppointment, id, fields)
}

func owned(kind fhir.Kind, id, ownerField, ownerRef, status string) *fhir.Resource {
	fields := map[string]any{}
	if ownerRef != "" {
		fields[ownerField] = map[string]any{"reference": ownerRef}
	}
	if status != "" {
		fields["status"] = status
	}
	return fhir.NewResource(kind, id, fields)
}

func TestCountUpcomingScenarios(t *testing.T) {
	appts := []*fhir.Resource{appointment("a1", "2099-01-01T00:00:00Z", "Patient/42")}

	assert.Equal(t, 1, CountUpcoming(appts, "Patient/42", mustTime(t, "2024-01-01T00:00:00Z")))
	assert.Equal(t, 0, CountUpcoming(appts, "Patient/42", mustTime(t, "2100-01-01T00:00:00Z")))
}

func TestCountUpcomingBoundaryIsInclusive(t *testing.T) {
	appts := []*fhir.Resource{appointment("a1", "2030-06-01T09:00:00Z", "Patient/1")}
	assert.Equal(t, 1, CountUpcoming(appts, "Patient/1", mustTime(t, "2030-06-01T09:00:00Z")))
}

func TestCountUpcomingExclusions(t *testing.T) {
	now := mustTime(t, "2024-01-01T00:00:00Z")
	appts := []*fhir.Resource{
		appointment("no-start", "", "Patient/42"),
		appointment("bad-start", "next tuesday", "Patient/42"),
		appointment("other", "2099-01-01T00:00:00Z", "Patient/7"),
		appointment("practitioner-only", "2099-01-01T00:00:00Z", "Practitioner/42"),
		fhir.NewResource(fhir.KindAppointment, "no-participants", map[string]any{"start": "2099-01-01T00:00:00Z"}),
		fhir.NewResource(fhir.KindAppointment, "bad-participant", map[string]any{
			"start":       "2099-01-01T00:00:00Z",
			"participant": []any{"Patient/42", map[string]any{"actor": "Patient/42"}},
		}),
		appointment("match", "2099-01-01T00:00:00Z", "Practitioner/9", "Patient/42"),
	}

	assert.Equal(t, 1, CountUpcoming(appts, "Patient/42", now))
	assert.Equal(t, 0, CountUpcoming(appts, "", now))
	assert.Equal(t, 0, CountUpcoming(nil, "Patient/42", now))
}

func TestCountUpcomingStartFormats(t *testing.T) {
	now := mustTime(t, "2024-03-01T00:00:00Z")
	appts := []*fhir.Resource{
		appointment("offset", "2024-03-01T08:00:00+05:00", "Patient/1"),
		appointment("fraction", "2024-03-01T00:00:00.250Z", "Patient/1"),
		appointment("local", "2024-03-01T00:00:01", "Patient/1"),
		appointment("date", "2024-03-01", "Patient/1"),
		appointment("past-date", "2024-02-29", "Patient/1"),
	}

	// offset resolves to 03:00Z on the same day
	assert.Equal(t, 4, CountUpcoming(appts, "Patient/1", now))
}

func TestCountUpcomingIsPureAndMonotonic(t *testing.T) {
	appts := []*fhir.Resource{
		appointment("a1", "2025-01-01T00:00:00Z", "Patient/42"),
		appointment("a2", "2026-01-01T00:00:00Z", "Patient/42"),
		appointment("a3", "2027-01-01T00:00:00Z", "Patient/42"),
	}
	now := mustTime(t, "2024-01-01T00:00:00Z")

	first := CountUpcoming(appts, "Patient/42", now)
	assert.Equal(t, first, CountUpcoming(appts, "Patient/42", now))

	prev := first
	for _, step := range []string{"2025-06-01T00:00:00Z", "2026-06-01T00:00:00Z", "2028-01-01T00:00:00Z"} {
		n := CountUpcoming(appts, "Patient/42", mustTime(t, step))
		assert.LessOrEqual(t, n, prev)
		prev = n
	}
	assert.Zero(t, prev)
}

func TestCountByStatusScenario(t *testing.T) {
	claims := []*fhir.Resource{
		owned(fhir.KindClaim, "c1", "patient", "Patient/42", "active"),
		owned(fhir.KindClaim, "c2", "patient", "Patient/42", "paid"),
	}
	assert.Equal(t, 1, CountByStatus(claims, OwnerClaimPatient, "Patient/42", fhir.StatusActive))
}

func TestCountByStatusIsExact(t *testing.T) {
	claims := []*fhir.Resource{
		owned(fhir.KindClaim, "upper", "patient", "Patient/42", "Active"),
		owned(fhir.KindClaim, "no-owner", "patient", "", "active"),
		owned(fhir.KindClaim, "no-status", "patient", "Patient/42", ""),
		owned(fhir.KindClaim, "other", "patient", "Patient/420", "active"),
		fhir.NewResource(fhir.KindClaim, "string-owner", map[string]any{"patient": "Patient/42", "status": "active"}),
		owned(fhir.KindClaim, "match", "patient", "Patient/42", "active"),
	}
	assert.Equal(t, 1, CountByStatus(claims, OwnerClaimPatient, "Patient/42", "active"))
	assert.Equal(t, 0, CountByStatus(claims, OwnerClaimPatient, "", "active"))
}

func TestStoreDerivedCounts(t *testing.T) {
	s, f, _ := newTestStore(t)
	f.appointments.setSearch(func(context.Context, map[string]string) (*fhir.Collection, error) {
		return fhir.NewSearchSet(
			appointment("a1", "2099-01-01T00:00:00Z", "Patient/42", "Practitioner/7"),
			appointment("a2", "2000-01-01T00:00:00Z", "Patient/42", "Practitioner/7"),
			appointment("a3", "2099-05-01T00:00:00Z", "Patient/43", "Practitioner/7"),
		), nil
	})
	f.claims.setSearch(func(context.Context, map[string]string) (*fhir.Collection, error) {
		return fhir.NewSearchSet(
			owned(fhir.KindClaim, "c1", "patient", "Patient/42", "active"),
			owned(fhir.KindClaim, "c2", "patient", "Patient/42", "paid"),
		), nil
	})
	f.medications.setSearch(func(context.Context, map[string]string) (*fhir.Collection, error) {
		m1 := fhir.NewResource(fhir.KindMedicationRequest, "m1", map[string]any{
			"subject":   map[string]any{"reference": "Patient/42"},
			"requester": map[string]any{"reference": "Practitioner/7"},
			"status":    "active",
		})
		m2 := fhir.NewResource(fhir.KindMedicationRequest, "m2", map[string]any{
			"subject":   map[string]any{"reference": "Patient/43"},
			"requester": map[string]any{"reference": "Practitioner/7"},
			"status":    "completed",
		})
		return fhir.NewSearchSet(m1, m2), nil
	})
	now := mustTime(t, "2024-01-01T00:00:00Z")

	assert.Zero(t, s.UpcomingAppointmentCount("42", now), "counts are zero before indices load")

	s.LoadAllReferenceIndices(context.Background())

	assert.Equal(t, 1, s.UpcomingAppointmentCount("42", now))
	assert.Equal(t, 1, s.PendingClaimsCount("42"))
	assert.Equal(t, 1, s.ActiveMedicationCount("42"))
	assert.Equal(t, 2, s.PractitionerUpcomingAppointmentCount("7", now))
	assert.Equal(t, 1, s.PractitionerActiveMedicationCount("7"))

	ps := s.PatientSummary("42", now)
	assert.Equal(t, PatientSummary{
		Reference:            "Patient/42",
		UpcomingAppointments: 1,
		PendingClaims:        1,
		ActiveMedications:    1,
		IndicesLoaded:        true,
		AsOf:                 now,
	}, ps)

	prs := s.PractitionerSummary("7", now)
	assert.Equal(t, "Practitioner/7", prs.Reference)
	assert.Equal(t, 2, prs.UpcomingAppointments)
	assert.Equal(t, 1, prs.ActiveMedications)
}
