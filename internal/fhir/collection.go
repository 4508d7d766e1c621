package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Collection is a searchset Bundle returned by a record service search.
type Collection struct {
	ResourceType string  `json:"resourceType"`
	Type         string  `json:"type,omitempty"`
	Total        int     `json:"total"`
	Entry        []Entry `json:"entry,omitempty"`
}

// Entry is a single Bundle entry.
type Entry struct {
	FullURL  string    `json:"fullUrl,omitempty"`
	Resource *Resource `json:"resource,omitempty"`
}

// UnmarshalJSON decodes an entry. A resource that cannot be read as a FHIR
// resource is dropped so that one bad record does not fail the whole bundle.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		FullURL  string          `json:"fullUrl"`
		Resource json.RawMessage `json:"resource"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode bundle entry: %w", err)
	}
	e.FullURL = raw.FullURL
	e.Resource = nil
	if len(raw.Resource) == 0 || string(raw.Resource) == "null" {
		return nil
	}
	var r Resource
	if err := json.Unmarshal(raw.Resource, &r); err != nil {
		return nil
	}
	e.Resource = &r
	return nil
}

// Resources flattens the collection into the resources actually present.
// A nil collection or a missing entry array yields an empty, non-nil slice.
func (c *Collection) Resources() []*Resource {
	if c == nil {
		return []*Resource{}
	}
	out := make([]*Resource, 0, len(c.Entry))
	for _, e := range c.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}

// EntryCount counts the resources present in Entry, ignoring the server total.
func (c *Collection) EntryCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, e := range c.Entry {
		if e.Resource != nil {
			n++
		}
	}
	return n
}

// NewSearchSet wraps resources in a searchset Bundle with fullUrl locators.
func NewSearchSet(resources ...*Resource) *Collection {
	c := &Collection{
		ResourceType: string(KindBundle),
		Type:         "searchset",
		Total:        len(resources),
		Entry:        make([]Entry, 0, len(resources)),
	}
	for _, r := range resources {
		c.Entry = append(c.Entry, Entry{FullURL: "/fhir/" + r.Locator(), Resource: r})
	}
	return c
}

// Locator builds the "<Kind>/<id>" reference string.
func Locator(kind Kind, id string) string {
	return string(kind) + "/" + id
}

// ParseLocator splits a "<Kind>/<id>" reference.
func ParseLocator(ref string) (Kind, string, error) {
	kind, id, ok := strings.Cut(ref, "/")
	if !ok || kind == "" || id == "" || strings.Contains(id, "/") {
		return "", "", fmt.Errorf("fhir: malformed reference %q", ref)
	}
	return Kind(kind), id, nil
}
