// Package fhir provides the schema-flexible FHIR record model used by the patient portal.
package fhir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the resourceType discriminator of a FHIR resource.
type Kind string

const (
	KindPatient           Kind = "Patient"
	KindCoverage          Kind = "Coverage"
	KindClaim             Kind = "Claim"
	KindPractitioner      Kind = "Practitioner"
	KindAppointment       Kind = "Appointment"
	KindMedicationRequest Kind = "MedicationRequest"
	KindBundle            Kind = "Bundle"
	KindOperationOutcome  Kind = "OperationOutcome"
)

// Kinds lists the record kinds served by the portal's record services.
var Kinds = []Kind{
	KindPatient,
	KindCoverage,
	KindClaim,
	KindPractitioner,
	KindAppointment,
	KindMedicationRequest,
}

// ErrMissingResourceType is returned when a JSON object carries no resourceType.
var ErrMissingResourceType = errors.New("fhir: resource has no resourceType")

// Resource is a FHIR resource with a required kind, an optional id and an
// open set of named fields. Resources are never mutated after decoding.
type Resource struct {
	Kind   Kind
	ID     string
	Fields map[string]any
}

// NewResource creates a resource, copying fields so callers may reuse the map.
func NewResource(kind Kind, id string, fields map[string]any) *Resource {
	r := &Resource{Kind: kind, ID: id, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		r.Fields[k] = v
	}
	return r
}

// UnmarshalJSON decodes a FHIR JSON object, splitting out resourceType and id.
func (r *Resource) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode resource: %w", err)
	}

	kind, _ := raw["resourceType"].(string)
	if kind == "" {
		return ErrMissingResourceType
	}
	delete(raw, "resourceType")

	id, _ := raw["id"].(string)
	delete(raw, "id")

	r.Kind = Kind(kind)
	r.ID = id
	r.Fields = raw
	return nil
}

// MarshalJSON encodes the resource back into a flat FHIR JSON object.
func (r Resource) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["resourceType"] = string(r.Kind)
	if r.ID != "" {
		out["id"] = r.ID
	}
	return json.Marshal(out)
}

// Locator returns "<Kind>/<id>", or "" when the resource has no id.
func (r *Resource) Locator() string {
	if r == nil || r.ID == "" {
		return ""
	}
	return Locator(r.Kind, r.ID)
}

// Lookup walks nested objects by member name. Absent members and
// non-object intermediates report false.
func (r *Resource) Lookup(path ...string) (any, bool) {
	if r == nil || len(path) == 0 {
		return nil, false
	}
	return Walk(r.Fields, path...)
}

// String returns the string found at path.
func (r *Resource) String(path ...string) (string, bool) {
	v, ok := r.Lookup(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Slice returns the array found at path.
func (r *Resource) Slice(path ...string) ([]any, bool) {
	v, ok := r.Lookup(path...)
	if !ok {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}

// Reference returns the reference string of the Reference element at path,
// e.g. Reference("patient") reads patient.reference.
func (r *Resource) Reference(path ...string) (string, bool) {
	return r.String(append(append([]string(nil), path...), "reference")...)
}

// Walk descends into v following path through JSON objects.
func Walk(v any, path ...string) (any, bool) {
	cur := v
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}
