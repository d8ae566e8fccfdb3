package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
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
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// SearchEntry is one resource in a searchset. A nil Score omits search.score.
type SearchEntry struct {
	ResourceType string
	ID           string
	Resource     interface{}
	Score        *float64
	Mode         string
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL  string
	QueryStr string
	Count    int
	Offset   int
	Total    int
}

// NewSearchBundle builds a searchset Bundle with self/next/previous links.
// Entries default to search mode "match".
func NewSearchBundle(entries []SearchEntry, params SearchBundleParams) (*Bundle, error) {
	now := time.Now().UTC()
	out := make([]BundleEntry, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("marshal %s/%s: %w", e.ResourceType, e.ID, err)
		}
		mode := e.Mode
		if mode == "" {
			mode = "match"
		}
		entry := BundleEntry{
			Resource: raw,
			Search:   &BundleSearch{Mode: mode, Score: e.Score},
		}
		if e.ResourceType != "" && e.ID != "" {
			entry.FullURL = FormatReference(e.ResourceType, e.ID)
		}
		out = append(out, entry)
	}

	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         buildPaginationLinks(params),
		Entry:        out,
	}, nil
}

// buildPaginationLinks creates self, next, and previous links for searchset bundles.
func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	if params.Count <= 0 {
		return []BundleLink{{Relation: "self", URL: params.BaseURL}}
	}
	link := func(offset int) string {
		qs := ""
		if params.QueryStr != "" {
			qs = params.QueryStr + "&"
		}
		return fmt.Sprintf("%s?%s_count=%d&_offset=%d", params.BaseURL, qs, params.Count, offset)
	}

	links := []BundleLink{{Relation: "self", URL: link(params.Offset)}}
	if next := params.Offset + params.Count; next < params.Total {
		links = append(links, BundleLink{Relation: "next", URL: link(next)})
	}
	if params.Offset > 0 {
		prev := params.Offset - params.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, BundleLink{Relation: "previous", URL: link(prev)})
	}
	return links
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
