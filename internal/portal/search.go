package portal

import (
	"context"
	"strconv"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/fhir"
)

// searchAll runs params against rc and flattens the resulting collection
func searchAll(ctx context.Context, rc ResourceClient, params map[string]string) ([]*fhir.Resource, error) {
	coll, err := rc.Search(ctx, params)
	if err != nil {
		return nil, err
	}
	return coll.Resources(), nil
}

func (s *Store) coverageByBeneficiary(ctx context.Context, ref string) ([]*fhir.Resource, error) {
	return searchAll(ctx, s.clients.Coverage, map[string]string{fhir.ParamBeneficiary: ref})
}

func (s *Store) claimsByPatient(ctx context.Context, ref string) ([]*fhir.Resource, error) {
	return searchAll(ctx, s.clients.Claims, map[string]string{fhir.ParamPatient: ref})
}

func (s *Store) appointmentsByPatient(ctx context.Context, ref string) ([]*fhir.Resource, error) {
	return searchAll(ctx, s.clients.Appointments, map[string]string{fhir.ParamPatient: ref})
}

func (s *Store) medicationsByPatient(ctx context.Context, ref string) ([]*fhir.Resource, error) {
	return searchAll(ctx, s.clients.Medications, map[string]string{fhir.ParamPatient: ref})
}

func (s *Store) practitionersMatching(ctx context.Context, q PractitionerQuery) ([]*fhir.Resource, error) {
	params := map[string]string{}
	if q.Name != "" {
		params[fhir.ParamName] = q.Name
	}
	if q.Specialty != "" {
		params[fhir.ParamSpecialty] = q.Specialty
	}
	return searchAll(ctx, s.clients.Practitioners, params)
}

func countParam(n int) map[string]string {
	return map[string]string{fhir.ParamCount: strconv.Itoa(n)}
}
