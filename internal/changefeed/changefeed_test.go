package changefeed

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/infrastructure/redpanda"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/observability/metrics"
	"github.com/vincent-tsugranes/redhat-healthcare/pkg/workerpool"
)

type fakeStore struct {
	mu         sync.Mutex
	current    string
	dependents int
	indices    int
}

func (f *fakeStore) PatientReference() string { return f.current }

func (f *fakeStore) LoadPatientData(context.Context) {
	f.mu.Lock()
	f.dependents++
	f.mu.Unlock()
}

func (f *fakeStore) LoadAllReferenceIndices(context.Context) {
	f.mu.Lock()
	f.indices++
	f.mu.Unlock()
}

type recordingSubmitter struct {
	keys []string
	err  error
}

func (r *recordingSubmitter) Submit(task workerpool.Task) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	r.keys = append(r.keys, task.Key)
	return true, nil
}

func message(value string) *redpanda.ConsumedMessage {
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicResourceChanged, Value: []byte(value)}
}

func TestHandleRoutesChanges(t *testing.T) {
	tests := []struct {
		name    string
		current string
		value   string
		want    []string
	}{
		{
			name:    "claim for current patient",
			current: "Patient/42",
			value:   `{"resourceType":"Claim","id":"c1","action":"update","references":["Patient/42"]}`,
			want:    []string{TaskIndices, TaskDependents},
		},
		{
			name:    "claim for another patient",
			current: "Patient/42",
			value:   `{"resourceType":"Claim","id":"c1","action":"update","references":["Patient/7"]}`,
			want:    []string{TaskIndices},
		},
		{
			name:    "coverage for current patient",
			current: "Patient/42",
			value:   `{"resourceType":"Coverage","id":"cov","action":"create","references":["Patient/42"]}`,
			want:    []string{TaskDependents},
		},
		{
			name:  "appointment without selection",
			value: `{"resourceType":"Appointment","id":"a1","action":"delete","references":["Patient/42"]}`,
			want:  []string{TaskIndices},
		},
		{
			name:    "practitioner change",
			current: "Patient/42",
			value:   `{"resourceType":"Practitioner","id":"p1","action":"update"}`,
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &recordingSubmitter{}
			h := NewHandler(&fakeStore{current: tt.current}, sub, nil, zaptest.NewLogger(t))

			require.NoError(t, h.Handle(context.Background(), message(tt.value)))
			assert.Equal(t, tt.want, sub.keys)
		})
	}
}

func TestHandleSkipsMalformedMessages(t *testing.T) {
	sub := &recordingSubmitter{}
	m := metrics.New(prometheus.NewRegistry())
	h := NewHandler(&fakeStore{}, sub, m, zaptest.NewLogger(t))

	assert.NoError(t, h.Handle(context.Background(), message(`not json`)))
	assert.NoError(t, h.Handle(context.Background(), message(`{"resourceType":"Claim"}`)))
	assert.NoError(t, h.Handle(context.Background(), message(`{"id":"1"}`)))
	assert.NoError(t, h.Handle(context.Background(), message(`{"resourceType":"Observation","id":"o1"}`)))
	assert.Empty(t, sub.keys)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ChangeEvents.WithLabelValues("Claim")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ChangeEvents.WithLabelValues("Observation")))

	require.NoError(t, h.Handle(context.Background(), message(`{"resourceType":"Claim","id":"1"}`)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChangeEvents.WithLabelValues("Claim")))
}

func TestHandleReturnsQueueErrors(t *testing.T) {
	sub := &recordingSubmitter{err: workerpool.ErrQueueFull}
	h := NewHandler(&fakeStore{}, sub, nil, nil)

	err := h.Handle(context.Background(), message(`{"resourceType":"Claim","id":"c1"}`))
	assert.True(t, errors.Is(err, workerpool.ErrQueueFull))
}

func TestWorkerDispatchesToStore(t *testing.T) {
	store := &fakeStore{}
	run := Worker(store)

	require.NoError(t, run(context.Background(), workerpool.Task{Key: TaskIndices}))
	require.NoError(t, run(context.Background(), workerpool.Task{Key: TaskDependents}))
	assert.Error(t, run(context.Background(), workerpool.Task{Key: "unknown"}))

	assert.Equal(t, 1, store.indices)
	assert.Equal(t, 1, store.dependents)
}

func TestHandlerWithPoolCoalescesBursts(t *testing.T) {
	store := &fakeStore{current: "Patient/42"}
	pool, err := workerpool.New(workerpool.Config{Workers: 1, QueueSize: 8}, Worker(store), zaptest.NewLogger(t))
	require.NoError(t, err)
	h := NewHandler(store, pool, nil, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Handle(context.Background(),
			message(`{"resourceType":"Claim","id":"c1","references":["Patient/42"]}`)))
	}
	pool.Start()
	require.NoError(t, pool.Stop())

	assert.Equal(t, 1, store.indices)
	assert.Equal(t, 1, store.dependents)
}
