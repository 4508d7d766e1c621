package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vincent-tsugranes/redhat-healthcare/pkg/circuitbreaker"
)

// Health reports liveness
func Health(service, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "healthy",
			"service": service,
			"version": version,
		})
	}
}

// Ready reports ready while at least one record service breaker is not open
func Ready(breakers ...*circuitbreaker.CircuitBreaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := circuitbreaker.Report(breakers...)

		ready := false
		for _, s := range report {
			if s.Healthy {
				ready = true
				break
			}
		}

		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "not ready", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   status,
			"breakers": report,
		})
	}
}
