package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseRequestBundle(t *testing.T) {
	if _, err := ParseRequestBundle(json.RawMessage(`{"resourceType":"Bundle","type":"transaction"}`)); err != nil {
		t.Errorf("valid transaction bundle: %v", err)
	}
	if _, err := ParseRequestBundle(json.RawMessage(`{"resourceType":"Bundle","type":"searchset"}`)); !IsValidation(err) {
		t.Errorf("searchset bundle error = %v, want validation error", err)
	}
	if _, err := ParseRequestBundle(json.RawMessage(`{"resourceType":"Patient"}`)); !IsValidation(err) {
		t.Errorf("non-bundle error = %v, want validation error", err)
	}
	if _, err := ParseRequestBundle(json.RawMessage(`not json`)); !IsValidation(err) {
		t.Errorf("bad JSON error = %v, want validation error", err)
	}
}

func TestParseRequestURL(t *testing.T) {
	tests := []struct {
		url      string
		wantType string
		wantID   string
		wantErr  bool
	}{
		{"Patient", "Patient", "", false},
		{"Patient/p1", "Patient", "p1", false},
		{"Patient?identifier=123", "Patient", "", false},
		{"/Patient/p1", "Patient", "p1", false},
		{"Patient/p1/_history/2", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		resourceType, id, _, err := parseRequestURL(tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseRequestURL(%q) error = nil, want error", tt.url)
			}
			continue
		}
		if err != nil || resourceType != tt.wantType || id != tt.wantID {
			t.Errorf("parseRequestURL(%q) = (%q, %q, %v), want (%q, %q)", tt.url, resourceType, id, err, tt.wantType, tt.wantID)
		}
	}

	_, _, query, err := parseRequestURL("Observation?code=2339-0&_count=5")
	if err != nil {
		t.Fatal(err)
	}
	if query.Get("code") != "2339-0" || query.Get("_count") != "5" {
		t.Errorf("query = %v", query)
	}
}

func TestParseEntriesValidation(t *testing.T) {
	tests := []struct {
		name  string
		entry BundleEntry
	}{
		{"no request", BundleEntry{}},
		{"POST with id", BundleEntry{
			Resource: json.RawMessage(`{}`),
			Request:  &BundleRequest{Method: "POST", URL: "Patient/p1"},
		}},
		{"POST without resource", BundleEntry{
			Request: &BundleRequest{Method: "POST", URL: "Patient"},
		}},
		{"PUT without id", BundleEntry{
			Resource: json.RawMessage(`{}`),
			Request:  &BundleRequest{Method: "PUT", URL: "Patient"},
		}},
		{"DELETE without id", BundleEntry{
			Request: &BundleRequest{Method: "DELETE", URL: "Patient"},
		}},
		{"PATCH unsupported", BundleEntry{
			Resource: json.RawMessage(`{}`),
			Request:  &BundleRequest{Method: "PATCH", URL: "Patient/p1"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bundle := &Bundle{Type: "transaction", Entry: []BundleEntry{tt.entry}}
			if _, err := parseEntries(bundle); !IsValidation(err) {
				t.Errorf("parseEntries() error = %v, want validation error", err)
			}
		})
	}
}

func TestRewritePlaceholders(t *testing.T) {
	entries := []*bundleEntry{
		{
			index:        0,
			method:       "POST",
			resourceType: "Patient",
			fullURL:      "urn:uuid:aaaa-1111",
			resource:     json.RawMessage(`{"resourceType":"Patient"}`),
		},
		{
			index:        1,
			method:       "POST",
			resourceType: "Observation",
			resource:     json.RawMessage(`{"resourceType":"Observation","subject":{"reference":"urn:uuid:aaaa-1111"}}`),
		},
	}

	if err := rewritePlaceholders(entries); err != nil {
		t.Fatalf("rewritePlaceholders() error = %v", err)
	}

	if entries[0].id == "" {
		t.Fatal("placeholder entry got no assigned id")
	}
	want := `"Patient/` + entries[0].id + `"`
	if !strings.Contains(string(entries[1].resource), want) {
		t.Errorf("reference not rewritten: %s", entries[1].resource)
	}
	if strings.Contains(string(entries[1].resource), "urn:uuid") {
		t.Errorf("placeholder survived rewrite: %s", entries[1].resource)
	}
}

func TestRewritePlaceholdersDuplicate(t *testing.T) {
	entries := []*bundleEntry{
		{method: "POST", resourceType: "Patient", fullURL: "urn:uuid:x", resource: json.RawMessage(`{}`)},
		{method: "POST", resourceType: "Patient", fullURL: "urn:uuid:x", resource: json.RawMessage(`{}`)},
	}
	if err := rewritePlaceholders(entries); !IsValidation(err) {
		t.Errorf("duplicate fullUrl error = %v, want validation error", err)
	}
}

func TestSortBundleEntries(t *testing.T) {
	entries := []*bundleEntry{
		{index: 0, method: "GET"},
		{index: 1, method: "PUT"},
		{index: 2, method: "POST"},
		{index: 3, method: "DELETE"},
		{index: 4, method: "POST"},
	}
	ordered := sortBundleEntries(entries)

	var methods []string
	var postIndexes []int
	for _, e := range ordered {
		methods = append(methods, e.method)
		if e.method == "POST" {
			postIndexes = append(postIndexes, e.index)
		}
	}
	want := []string{"DELETE", "POST", "POST", "PUT", "GET"}
	for i := range want {
		if methods[i] != want[i] {
			t.Fatalf("order = %v, want %v", methods, want)
		}
	}
	// Stable within a method group.
	if postIndexes[0] != 2 || postIndexes[1] != 4 {
		t.Errorf("POST order = %v, want [2 4]", postIndexes)
	}
	// Input order untouched.
	if entries[0].method != "GET" {
		t.Error("sortBundleEntries mutated its input")
	}
}
