package fhir

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewSearchBundleTotal(t *testing.T) {
	counted, err := json.Marshal(NewSearchBundle(&SearchResult{Total: 0}))
	if err != nil {
		t.Fatalf("marshal counted bundle: %v", err)
	}
	if !strings.Contains(string(counted), `"total":0`) {
		t.Errorf("counted bundle should carry total 0: %s", counted)
	}

	// _total=none leaves the total unknown; the element must be absent, not -1.
	skipped, err := json.Marshal(NewSearchBundle(&SearchResult{Total: -1}))
	if err != nil {
		t.Fatalf("marshal uncounted bundle: %v", err)
	}
	if strings.Contains(string(skipped), `"total"`) {
		t.Errorf("uncounted bundle should omit total: %s", skipped)
	}
}

func TestNewHistoryBundleEntries(t *testing.T) {
	versions := []*ResourceVersion{
		{ResourceType: "Patient", ID: "p1", VersionID: 2, Action: "delete", Deleted: true},
		{ResourceType: "Patient", ID: "p1", VersionID: 1, Action: "create", Resource: json.RawMessage(`{"resourceType":"Patient","id":"p1"}`)},
	}
	b := NewHistoryBundle(versions)
	if b.Type != "history" || b.Total == nil || *b.Total != 2 {
		t.Fatalf("bundle = type %q total %v, want history/2", b.Type, b.Total)
	}
	if got := b.Entry[0].Request.Method; got != "DELETE" {
		t.Errorf("entry[0] method = %q, want DELETE", got)
	}
	if got := b.Entry[1].Response.Status; got != "201 Created" {
		t.Errorf("entry[1] status = %q, want 201 Created", got)
	}
	if got := b.Entry[1].Response.ETag; got != `W/"1"` {
		t.Errorf("entry[1] etag = %q, want W/\"1\"", got)
	}
}
