package fhir

import (
	"encoding/json"
	"time"
)

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

type Quantity struct {
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	System string   `json:"system,omitempty"`
	Code   string   `json:"code,omitempty"`
}

// ResourceVersion is one immutable version of a stored resource.
type ResourceVersion struct {
	ResourceType string          `json:"resource_type"`
	ID           string          `json:"id"`
	VersionID    int             `json:"version_id"`
	Resource     json.RawMessage `json:"resource,omitempty"`
	Action       string          `json:"action"` // "create", "update", "delete"
	LastUpdated  time.Time       `json:"last_updated"`
	Deleted      bool            `json:"deleted"`
}

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
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"` // "match" or "include"
}

type BundleRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfMatch     string `json:"ifMatch,omitempty"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
}

type BundleResponse struct {
	Status       string      `json:"status"`
	Location     string      `json:"location,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified *time.Time  `json:"lastModified,omitempty"`
	Outcome      interface{} `json:"outcome,omitempty"`
}

// SearchResult is the outcome of executing a search: the matched page plus
// any _include/_revinclude entries.
type SearchResult struct {
	Entries []SearchResultEntry
	Total   int
	// NextOffset is the offset of the next page, or -1 when exhausted.
	NextOffset int
}

type SearchResultEntry struct {
	ResourceType string
	ID           string
	Resource     json.RawMessage
	Mode         string // "match" or "include"
}

// NewSearchBundle converts a SearchResult into a searchset Bundle.
func NewSearchBundle(result *SearchResult) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(result.Entries))
	for i, e := range result.Entries {
		entries[i] = BundleEntry{
			FullURL:  FormatReference(e.ResourceType, e.ID),
			Resource: e.Resource,
			Search:   &BundleSearch{Mode: e.Mode},
		}
	}
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Timestamp:    &now,
		Entry:        entries,
	}
	// A skipped count (_total=none) leaves Total negative; the element is
	// omitted rather than serialized as -1.
	if result.Total >= 0 {
		total := result.Total
		b.Total = &total
	}
	return b
}

// NewHistoryBundle creates a FHIR Bundle of type "history" from resource versions.
func NewHistoryBundle(versions []*ResourceVersion) *Bundle {
	now := time.Now().UTC()
	total := len(versions)
	entries := make([]BundleEntry, len(versions))

	for i, v := range versions {
		method := "PUT"
		status := "200 OK"
		switch v.Action {
		case "create":
			method = "POST"
			status = "201 Created"
		case "delete":
			method = "DELETE"
			status = "204 No Content"
		}

		entries[i] = BundleEntry{
			FullURL:  FormatReference(v.ResourceType, v.ID),
			Resource: v.Resource,
			Request: &BundleRequest{
				Method: method,
				URL:    FormatReference(v.ResourceType, v.ID),
			},
			Response: &BundleResponse{
				Status:       status,
				ETag:         versionETag(v.VersionID),
				LastModified: &v.LastUpdated,
			},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
