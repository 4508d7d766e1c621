package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/fhir"
)

// FetchError is the single failure kind surfaced by the gateway: a transport,
// HTTP, decode or open-circuit failure while talking to a record service.
type FetchError struct {
	Kind    fhir.Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s failed", e.Kind, e.Op)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsClientError reports whether the service answered with a 4xx status.
func (e *FetchError) IsClientError() bool {
	return e.Status >= http.StatusBadRequest && e.Status < http.StatusInternalServerError
}

// IsNotFound reports whether err is a 404 from a record service.
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Status == http.StatusNotFound
}

// healthyOutcome tells the circuit breaker which errors say nothing about service health.
// Client errors and caller cancellation do not count against a service.
func healthyOutcome(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var fe *FetchError
	return errors.As(err, &fe) && fe.IsClientError()
}
