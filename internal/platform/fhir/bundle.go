package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle represents the parts of a searchset Bundle the client reads.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// NextURL returns the "next" paging link, or "" on the last page.
func (b *Bundle) NextURL() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Matches decodes the entries of resourceType whose search mode is "match"
// or unset. Included resources and OperationOutcome entries are skipped.
func Matches[T any](b *Bundle, resourceType string) ([]*T, error) {
	var out []*T
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		if e.Search != nil && e.Search.Mode != "" && e.Search.Mode != "match" {
			continue
		}
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		if head.ResourceType != resourceType {
			continue
		}
		v := new(T)
		if err := json.Unmarshal(e.Resource, v); err != nil {
			return nil, fmt.Errorf("bundle entry %d: decode %s: %w", i, resourceType, err)
		}
		out = append(out, v)
	}
	return out, nil
}
