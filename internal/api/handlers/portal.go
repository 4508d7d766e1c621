// Package handlers exposes the portal store to views over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vincent-tsugranes/redhat-healthcare/internal/api/middleware"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/events"
	"github.com/vincent-tsugranes/redhat-healthcare/internal/portal"
)

// AuditLog reads back recorded portal activity
type AuditLog interface {
	Recent(ctx context.Context, limit int) ([]*events.Event, error)
}

// PortalHandler serves the store's state and actions
type PortalHandler struct {
	store  *portal.Store
	audit  AuditLog
	logger *zap.Logger
}

// NewPortalHandler creates a new handler. audit may be nil.
func NewPortalHandler(store *portal.Store, audit AuditLog, logger *zap.Logger) *PortalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PortalHandler{store: store, audit: audit, logger: logger}
}

// Routes returns the handler routes
func (h *PortalHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/state", h.State)
	r.Delete("/error", h.ClearError)

	r.Get("/patients", h.Patients)
	r.Post("/patients/load", h.LoadPatients)
	r.Post("/patients/{id}/select", h.SelectPatient)
	r.Get("/patients/{id}/summary", h.PatientSummary)
	r.Post("/patient/data/load", h.LoadPatientData)

	r.Get("/practitioners", h.Practitioners)
	r.Post("/practitioners/load", h.LoadPractitioners)
	r.Post("/practitioners/search", h.SearchPractitioners)
	r.Get("/practitioners/{id}/summary", h.PractitionerSummary)

	r.Post("/indices/load", h.LoadIndices)

	if h.audit != nil {
		r.Get("/audit", h.Audit)
	}
	return r
}

// State handles GET /state
func (h *PortalHandler) State(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.store.Snapshot())
}

// ClearError handles DELETE /error
func (h *PortalHandler) ClearError(w http.ResponseWriter, r *http.Request) {
	h.store.ClearError()
	h.writeJSON(w, http.StatusOK, h.store.Snapshot())
}

// Patients handles GET /patients
func (h *PortalHandler) Patients(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.store.Snapshot().Patients)
}

// LoadPatients handles POST /patients/load
func (h *PortalHandler) LoadPatients(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "load_patients", h.store.LoadAllPatients)
}

// SelectPatient handles POST /patients/{id}/select
func (h *PortalHandler) SelectPatient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.run(w, r, "select_patient", func(ctx context.Context) {
		h.store.SelectPatient(ctx, id)
	}, attribute.String("patient_id", id))
}

// LoadPatientData handles POST /patient/data/load
func (h *PortalHandler) LoadPatientData(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "load_patient_data", h.store.LoadPatientData)
}

// PatientSummary handles GET /patients/{id}/summary
func (h *PortalHandler) PatientSummary(w http.ResponseWriter, r *http.Request) {
	now, ok := h.asOf(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.store.PatientSummary(chi.URLParam(r, "id"), now))
}

// Practitioners handles GET /practitioners
func (h *PortalHandler) Practitioners(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.store.Snapshot().Practitioners)
}

// LoadPractitioners handles POST /practitioners/load
func (h *PortalHandler) LoadPractitioners(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "load_practitioners", h.store.LoadAllPractitioners)
}

// SearchPractitioners handles POST /practitioners/search. An empty body
// loads every practitioner.
func (h *PortalHandler) SearchPractitioners(w http.ResponseWriter, r *http.Request) {
	var q portal.PractitionerQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil && !errors.Is(err, io.EOF) {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.run(w, r, "search_practitioners", func(ctx context.Context) {
		h.store.SearchPractitioners(ctx, q)
	}, attribute.String("name", q.Name), attribute.String("specialty", q.Specialty))
}

// PractitionerSummary handles GET /practitioners/{id}/summary
func (h *PortalHandler) PractitionerSummary(w http.ResponseWriter, r *http.Request) {
	now, ok := h.asOf(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.store.PractitionerSummary(chi.URLParam(r, "id"), now))
}

// LoadIndices handles POST /indices/load
func (h *PortalHandler) LoadIndices(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, "load_indices", h.store.LoadAllReferenceIndices)
}

// Audit handles GET /audit?limit=N
func (h *PortalHandler) Audit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recent, err := h.audit.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("audit query failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		h.jsonError(w, "failed to read audit log", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, recent)
}

// run executes a store action inside a span and answers with the resulting
// state. Action failures are part of the state, not the status code. The
// store is shared, so the action outlives a client that goes away.
func (h *PortalHandler) run(w http.ResponseWriter, r *http.Request, name string, action func(context.Context), attrs ...attribute.KeyValue) {
	ctx, span := otel.Tracer("portal-handler").Start(context.WithoutCancel(r.Context()), name)
	span.SetAttributes(attrs...)
	action(ctx)
	span.End()

	snap := h.store.Snapshot()
	h.logger.Debug("action finished",
		zap.String("action", name),
		zap.String("phase", string(snap.Phase)),
		zap.String("error", snap.Error),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	h.writeJSON(w, http.StatusOK, snap)
}

// asOf reads the optional RFC 3339 "now" query parameter
func (h *PortalHandler) asOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("now")
	if v == "" {
		return h.store.Now(), true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		h.jsonError(w, "now must be an RFC 3339 timestamp", http.StatusBadRequest)
		return time.Time{}, false
	}
	return t, true
}

func (h *PortalHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (h *PortalHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
