package fhir

import "strings"

// HumanName represents a FHIR HumanName.
type HumanName struct {
	Use    string   `json:"use,omitempty"` // usual | official | temp | nickname | anonymous | old | maiden
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// UnknownName is displayed when a resource carries no usable name.
const UnknownName = "Unknown"

// FirstName decodes the first entry of the resource's name array.
func FirstName(r *Resource) (HumanName, bool) {
	names, ok := r.Slice("name")
	if !ok || len(names) == 0 {
		return HumanName{}, false
	}
	obj, ok := names[0].(map[string]any)
	if !ok {
		return HumanName{}, false
	}

	var n HumanName
	n.Use, _ = obj["use"].(string)
	n.Text, _ = obj["text"].(string)
	n.Family, _ = obj["family"].(string)
	if given, ok := obj["given"].([]any); ok {
		for _, g := range given {
			if s, ok := g.(string); ok {
				n.Given = append(n.Given, s)
			}
		}
	}
	return n, true
}

// DisplayName renders given names followed by the family name.
func DisplayName(r *Resource) string {
	if r == nil {
		return UnknownName
	}
	n, ok := FirstName(r)
	if !ok {
		return UnknownName
	}
	return strings.TrimSpace(strings.Join(n.Given, " ") + " " + n.Family)
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string `json:"severity"` // fatal | error | warning | information
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Message returns the first non-empty diagnostics string.
func (o *OperationOutcome) Message() string {
	if o == nil {
		return ""
	}
	for _, issue := range o.Issue {
		if issue.Diagnostics != "" {
			return issue.Diagnostics
		}
	}
	return ""
}

// Statuses compared by the portal's summary counts.
const (
	StatusActive    = "active"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
	StatusDraft     = "draft"
	StatusBooked    = "booked"
	StatusPaid      = "paid"
)

// Search parameters understood by the record services.
const (
	ParamCount        = "_count"
	ParamBeneficiary  = "beneficiary"
	ParamPatient      = "patient"
	ParamPractitioner = "practitioner"
	ParamRequester    = "requester"
	ParamStatus       = "status"
	ParamName         = "name"
	ParamSpecialty    = "specialty"
)

// MIMEFHIRJSON is the FHIR JSON media type.
const MIMEFHIRJSON = "application/fhir+json"
