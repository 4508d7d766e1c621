package portal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/events"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/fhir"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/observability/metrics"
)

type fakeClient struct {
	kind fhir.Kind

	mu       sync.Mutex
	get      func(ctx context.Context, id string) (*fhir.Resource, error)
	search   func(ctx context.Context, params map[string]string) (*fhir.Collection, error)
	searches []map[string]string
}

func (f *fakeClient) Get(ctx context.Context, id string) (*fhir.Resource, error) {
	f.mu.Lock()
	get := f.get
	f.mu.Unlock()
	if get == nil {
		return fhir.NewResource(f.kind, id, nil), nil
	}
	return get(ctx, id)
}

func (f *fakeClient) Search(ctx context.Context, params map[string]string) (*fhir.Collection, error) {
	f.mu.Lock()
	f.searches = append(f.searches, params)
	search := f.search
	f.mu.Unlock()
	if search == nil {
		return fhir.NewSearchSet(), nil
	}
	return search(ctx, params)
}

func (f *fakeClient) setSearch(fn func(ctx context.Context, params map[string]string) (*fhir.Collection, error)) {
	f.mu.Lock()
	f.search = fn
	f.mu.Unlock()
}

func (f *fakeClient) lastSearch() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.searches) == 0 {
		return nil
	}
	return f.searches[len(f.searches)-1]
}

func (f *fakeClient) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

// returning answers every search with one resource per id, tagged with the
// search parameters so tests can tell which filter produced it.
func returning(kind fhir.Kind, ids ...string) func(context.Context, map[string]string) (*fhir.Collection, error) {
	return func(_ context.Context, params map[string]string) (*fhir.Collection, error) {
		out := make([]*fhir.Resource, 0, len(ids))
		for _, id := range ids {
			fields := map[string]any{}
			for k, v := range params {
				fields["query_"+k] = v
			}
			out = append(out, fhir.NewResource(kind, id, fields))
		}
		return fhir.NewSearchSet(out...), nil
	}
}

func failing(msg string) func(context.Context, map[string]string) (*fhir.Collection, error) {
	return func(context.Context, map[string]string) (*fhir.Collection, error) {
		return nil, errors.New(msg)
	}
}

type fakes struct {
	patients, coverage, claims, practitioners, appointments, medications *fakeClient
}

func (f fakes) clients() Clients {
	return Clients{
		Patients:      f.patients,
		Coverage:      f.coverage,
		Claims:        f.claims,
		Practitioners: f.practitioners,
		Appointments:  f.appointments,
		Medications:   f.medications,
	}
}

type recordingSink struct {
	mu  sync.Mutex
	got []*events.Event
}

func (r *recordingSink) Publish(_ context.Context, e *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recordingSink) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.got))
	for _, e := range r.got {
		out = append(out, e.EventType)
	}
	return out
}

func newFakes() fakes {
	return fakes{
		patients:      &fakeClient{kind: fhir.KindPatient},
		coverage:      &fakeClient{kind: fhir.KindCoverage, search: returning(fhir.KindCoverage, "cov1")},
		claims:        &fakeClient{kind: fhir.KindClaim, search: returning(fhir.KindClaim, "cl1", "cl2")},
		practitioners: &fakeClient{kind: fhir.KindPractitioner, search: returning(fhir.KindPractitioner, "pr1")},
		appointments:  &fakeClient{kind: fhir.KindAppointment, search: returning(fhir.KindAppointment, "ap1")},
		medications:   &fakeClient{kind: fhir.KindMedicationRequest, search: returning(fhir.KindMedicationRequest, "m1")},
	}
}

func newTestStore(t *testing.T, opts ...Option) (*Store, fakes, *metrics.Metrics) {
	t.Helper()
	f := newFakes()
	m := metrics.New(prometheus.NewRegistry())
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithMetrics(m)}, opts...)
	s, err := New(f.clients(), opts...)
	require.NoError(t, err)
	return s, f, m
}

func ids(rs []*fhir.Resource) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestNewRequiresEveryClient(t *testing.T) {
	f := newFakes()
	c := f.clients()
	c.Claims = nil

	_, err := New(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim client is required")
}

func TestNewStoreIsIdle(t *testing.T) {
	s, _, _ := newTestStore(t)
	snap := s.Snapshot()

	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Nil(t, snap.Current)
	assert.Equal(t, fhir.UnknownName, snap.PatientName)
	assert.Empty(t, snap.PatientReference)
	assert.NotNil(t, snap.Claims)
	assert.False(t, snap.Loading)
	assert.False(t, snap.IndicesLoaded)
	assert.Nil(t, snap.IndicesRefreshedAt)
}

func TestSelectPatientLoadsDependents(t *testing.T) {
	sink := &recordingSink{}
	s, f, m := newTestStore(t, WithEventSink(sink))
	f.patients.get = func(_ context.Context, id string) (*fhir.Resource, error) {
		return fhir.NewResource(fhir.KindPatient, id, map[string]any{
			"name": []any{map[string]any{"given": []any{"Grace", "B."}, "family": "Hopper"}},
		}), nil
	}

	s.SelectPatient(context.Background(), "42")
	snap := s.Snapshot()

	require.NotNil(t, snap.Current)
	assert.Equal(t, "42", snap.Current.ID)
	assert.Equal(t, PhaseReady, snap.Phase)
	assert.Equal(t, "Patient/42", snap.PatientReference)
	assert.Equal(t, "Grace B. Hopper", snap.PatientName)
	assert.Empty(t, snap.Error)
	assert.False(t, snap.Loading)

	assert.Equal(t, []string{"cov1"}, ids(snap.Coverages))
	assert.Equal(t, []string{"cl1", "cl2"}, ids(snap.Claims))
	assert.Equal(t, []string{"ap1"}, ids(snap.Appointments))
	assert.Equal(t, []string{"m1"}, ids(snap.Medications))

	assert.Equal(t, map[string]string{fhir.ParamBeneficiary: "Patient/42"}, f.coverage.lastSearch())
	assert.Equal(t, map[string]string{fhir.ParamPatient: "Patient/42"}, f.claims.lastSearch())
	assert.Equal(t, map[string]string{fhir.ParamPatient: "Patient/42"}, f.appointments.lastSearch())
	assert.Equal(t, map[string]string{fhir.ParamPatient: "Patient/42"}, f.medications.lastSearch())

	assert.Equal(t, []events.EventType{events.EventPatientSelected, events.EventPatientDataLoaded}, sink.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Selections.WithLabelValues(metrics.OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CollectionSize.WithLabelValues("claims")))
}

func TestSelectPatientFailure(t *testing.T) {
	sink := &recordingSink{}
	s, f, _ := newTestStore(t, WithEventSink(sink))
	ctx := context.Background()

	s.SelectPatient(ctx, "42")
	require.Equal(t, PhaseReady, s.Snapshot().Phase)

	f.patients.get = func(context.Context, string) (*fhir.Resource, error) {
		return nil, errors.New("Patient service unavailable")
	}
	s.SelectPatient(ctx, "43")
	snap := s.Snapshot()

	assert.Equal(t, PhaseFailed, snap.Phase)
	assert.Nil(t, snap.Current)
	assert.Equal(t, "Patient service unavailable", snap.Error)
	assert.False(t, snap.Loading)
	assert.Empty(t, snap.Coverages, "dependents of the previous patient must not stay visible")
	assert.Empty(t, snap.Claims)
	assert.Contains(t, sink.types(), events.EventPatientSelectFailed)
}

func TestSelectPatientFallbackMessage(t *testing.T) {
	s, f, _ := newTestStore(t)
	f.patients.get = func(context.Context, string) (*fhir.Resource, error) {
		return nil, errors.New("")
	}

	s.SelectPatient(context.Background(), "1")
	assert.Equal(t, "Failed to load patient", s.Err())
}

func TestSelectPatientWithoutIDSkipsDependents(t *testing.T) {
	s, f, _ := newTestStore(t)
	f.patients.get = func(context.Context, string) (*fhir.Resource, error) {
		return fhir.NewResource(fhir.KindPatient, "", nil), nil
	}

	s.SelectPatient(context.Background(), "anything")

	assert.Equal(t, PhaseReady, s.Snapshot().Phase)
	assert.Empty(t, s.PatientReference())
	assert.Zero(t, f.coverage.searchCount())
}

func TestDependentFailureKeepsPreviousCollections(t *testing.T) {
	s, f, m := newTestStore(t)
	ctx := context.Background()

	s.SelectPatient(ctx, "42")
	before := s.Snapshot()
	require.Len(t, before.Claims, 2)

	f.appointments.setSearch(failing("Appointment request failed with status 500"))
	f.coverage.setSearch(returning(fhir.KindCoverage, "cov-new"))
	s.LoadPatientData(ctx)
	after := s.Snapshot()

	assert.Equal(t, PhaseFailed, after.Phase)
	assert.Equal(t, "Appointment request failed with status 500", after.Error)
	assert.Equal(t, ids(before.Coverages), ids(after.Coverages))
	assert.Equal(t, ids(before.Claims), ids(after.Claims))
	assert.Equal(t, ids(before.Appointments), ids(after.Appointments))
	assert.Equal(t, ids(before.Medications), ids(after.Medications))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DependentLoads.WithLabelValues(metrics.OutcomeError)))
}

func TestNewSelectionDiscardsPreviousDependents(t *testing.T) {
	s, f, _ := newTestStore(t)
	ctx := context.Background()

	s.SelectPatient(ctx, "42")
	require.NotEmpty(t, s.Snapshot().Claims)

	f.claims.setSearch(failing("Claim service unavailable"))
	s.SelectPatient(ctx, "43")
	snap := s.Snapshot()

	assert.Equal(t, "43", snap.Current.ID)
	assert.Equal(t, PhaseFailed, snap.Phase)
	assert.Empty(t, snap.Coverages)
	assert.Empty(t, snap.Claims)
	assert.Empty(t, snap.Appointments)
	assert.Empty(t, snap.Medications)
}

func TestLoadPatientDataWithoutSelection(t *testing.T) {
	s, f, _ := newTestStore(t)

	s.LoadPatientData(context.Background())

	assert.Zero(t, f.coverage.searchCount())
	assert.Equal(t, PhaseIdle, s.Snapshot().Phase)
}

func TestLoadPatientDataKeepsExistingError(t *testing.T) {
	s, f, _ := newTestStore(t)
	ctx := context.Background()

	s.SelectPatient(ctx, "42")
	f.practitioners.setSearch(failing("Practitioner service unavailable"))
	s.LoadAllPractitioners(ctx)
	require.Equal(t, "Practitioner service unavailable", s.Err())

	s.LoadPatientData(ctx)
	assert.Equal(t, "Practitioner service unavailable", s.Err())
	assert.Equal(t, PhaseReady, s.Snapshot().Phase)

	s.ClearError()
	assert.Empty(t, s.Err())
}

func TestSupersededSelectionIsDiscarded(t *testing.T) {
	s, f, m := newTestStore(t)
	release := make(chan struct{})
	started := make(chan struct{})
	f.patients.get = func(ctx context.Context, id string) (*fhir.Resource, error) {
		if id == "slow" {
			close(started)
			<-release
		}
		return fhir.NewResource(fhir.KindPatient, id, nil), nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.SelectPatient(context.Background(), "slow")
	}()
	<-started
	assert.True(t, s.Loading())

	s.SelectPatient(context.Background(), "fast")
	close(release)
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, "fast", snap.Current.ID)
	assert.Equal(t, "Patient/fast", f.claims.lastSearch()[fhir.ParamPatient])
	assert.Equal(t, PhaseReady, snap.Phase)
	assert.False(t, snap.Loading)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleResults))
}

func TestSupersededDependentsAreDiscarded(t *testing.T) {
	s, f, _ := newTestStore(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	f.claims.setSearch(func(ctx context.Context, params map[string]string) (*fhir.Collection, error) {
		if params[fhir.ParamPatient] == "Patient/old" {
			once.Do(func() { close(started) })
			<-release
			return fhir.NewSearchSet(fhir.NewResource(fhir.KindClaim, "old-claim", nil)), nil
		}
		return fhir.NewSearchSet(fhir.NewResource(fhir.KindClaim, "new-claim", nil)), nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.SelectPatient(context.Background(), "old")
	}()
	<-started

	s.SelectPatient(context.Background(), "new")
	close(release)
	wg.Wait()

	assert.Equal(t, []string{"new-claim"}, ids(s.Snapshot().Claims))
}

func TestLoadAllPatients(t *testing.T) {
	s, f, _ := newTestStore(t)
	f.patients.search = returning(fhir.KindPatient, "1", "2", "3")

	s.LoadAllPatients(context.Background())

	assert.Equal(t, []string{"1", "2", "3"}, ids(s.Snapshot().Patients))
	assert.Empty(t, f.patients.lastSearch())
}

func TestLoadAllPatientsFailure(t *testing.T) {
	s, f, _ := newTestStore(t)
	f.patients.search = failing("")

	s.LoadAllPatients(context.Background())
	assert.Equal(t, "Failed to load patients", s.Err())
	assert.False(t, s.Loading())
}

func TestSearchPractitioners(t *testing.T) {
	s, f, _ := newTestStore(t)
	ctx := context.Background()

	s.SearchPractitioners(ctx, PractitionerQuery{})
	assert.Empty(t, f.practitioners.lastSearch())
	assert.Equal(t, []string{"pr1"}, ids(s.Snapshot().Practitioners))

	s.SearchPractitioners(ctx, PractitionerQuery{Name: "House"})
	assert.Equal(t, map[string]string{fhir.ParamName: "House"}, f.practitioners.lastSearch())

	s.SearchPractitioners(ctx, PractitionerQuery{Specialty: "cardiology"})
	assert.Equal(t, map[string]string{fhir.ParamSpecialty: "cardiology"}, f.practitioners.lastSearch())

	f.practitioners.setSearch(failing(""))
	s.SearchPractitioners(ctx, PractitionerQuery{Name: "Wilson"})
	assert.Equal(t, "Failed to search practitioners", s.Err())
	assert.Equal(t, []string{"pr1"}, ids(s.Snapshot().Practitioners))
}

func TestLoadAllReferenceIndices(t *testing.T) {
	refreshed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	s, f, _ := newTestStore(t, WithClock(func() time.Time { return refreshed }), WithEventSink(sink))

	s.LoadAllReferenceIndices(context.Background())
	snap := s.Snapshot()

	assert.Equal(t, map[string]string{fhir.ParamCount: "1000"}, f.appointments.lastSearch())
	assert.Equal(t, map[string]string{fhir.ParamCount: "5000"}, f.claims.lastSearch())
	assert.Equal(t, map[string]string{fhir.ParamCount: "1000"}, f.medications.lastSearch())
	assert.Equal(t, []string{"ap1"}, ids(snap.AllAppointments))
	assert.Equal(t, []string{"cl1", "cl2"}, ids(snap.AllClaims))
	assert.Equal(t, []string{"m1"}, ids(snap.AllMedications))
	assert.True(t, snap.IndicesLoaded)
	require.NotNil(t, snap.IndicesRefreshedAt)
	assert.Equal(t, refreshed, *snap.IndicesRefreshedAt)
	assert.Equal(t, []events.EventType{events.EventIndicesRefreshed}, sink.types())
}

func TestLoadAllReferenceIndicesPageSizes(t *testing.T) {
	s, f, _ := newTestStore(t, WithPageSizes(PageSizes{Claims: 250}))

	s.LoadAllReferenceIndices(context.Background())

	assert.Equal(t, "250", f.claims.lastSearch()[fhir.ParamCount])
	assert.Equal(t, "1000", f.appointments.lastSearch()[fhir.ParamCount])
}

func TestLoadAllReferenceIndicesFailureIsSwallowed(t *testing.T) {
	s, f, m := newTestStore(t)
	ctx := context.Background()

	s.LoadAllReferenceIndices(ctx)
	require.True(t, s.Snapshot().IndicesLoaded)

	f.claims.setSearch(failing("Claim service unavailable"))
	f.appointments.setSearch(returning(fhir.KindAppointment, "ap-new"))
	s.LoadAllReferenceIndices(ctx)
	snap := s.Snapshot()

	assert.Empty(t, snap.Error)
	assert.False(t, snap.Loading)
	assert.Equal(t, []string{"ap1"}, ids(snap.AllAppointments), "indices are replaced together or not at all")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IndexRefreshes.WithLabelValues(metrics.OutcomeError)))
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.SelectPatient(context.Background(), "42")

	snap := s.Snapshot()
	snap.Claims[0] = nil
	snap.Claims = snap.Claims[:0]

	assert.Len(t, s.Snapshot().Claims, 2)
	assert.NotNil(t, s.Snapshot().Claims[0])
}
