package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	got []*Event
	err error
}

func (r *recordingSink) Publish(_ context.Context, e *Event) error {
	r.got = append(r.got, e)
	return r.err
}

func TestNewEvent(t *testing.T) {
	e, err := NewEvent(EventPatientDataLoaded, "Patient/42", CollectionCounts{"claims": 2})
	require.NoError(t, err)

	_, err = uuid.Parse(e.ID)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, e.Outcome)
	assert.Equal(t, "Patient/42", e.Key())
	assert.JSONEq(t, `{"claims":2}`, string(e.Data))
	assert.False(t, e.Timestamp.IsZero())
}

func TestEventFailed(t *testing.T) {
	e, err := NewEvent(EventIndicesFailed, "", nil)
	require.NoError(t, err)
	e.Failed("Claim service unavailable")

	assert.Equal(t, OutcomeFailure, e.Outcome)
	assert.Equal(t, string(EventIndicesFailed), e.Key())

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"data"`)
}

func TestMultiJoinsErrors(t *testing.T) {
	errSink := errors.New("sink down")
	a := &recordingSink{}
	b := &recordingSink{err: errSink}
	e, _ := NewEvent(EventPatientSelected, "Patient/1", nil)

	err := Multi{a, nil, b}.Publish(context.Background(), e)
	assert.ErrorIs(t, err, errSink)
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)

	assert.NoError(t, Nop{}.Publish(context.Background(), e))
}
