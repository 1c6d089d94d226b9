package fhir

import (
	"context"
	"testing"
)

func TestStaticTerminology(t *testing.T) {
	term := NewStaticTerminology()
	term.RegisterValueSet("http://example.org/vs/statuses", []TokenIndexValue{
		{Code: "final"}, {Code: "amended"},
	})
	term.RegisterHierarchy("http://snomed.info/sct", map[string]string{
		"44054006": "73211009", // type 2 diabetes -> diabetes
		"46635009": "73211009", // type 1 diabetes -> diabetes
		"73211009": "362969004",
	})
	ctx := context.Background()

	codes, err := term.ExpandValueSet(ctx, "http://example.org/vs/statuses")
	if err != nil || len(codes) != 2 {
		t.Errorf("ExpandValueSet() = %v, %v", codes, err)
	}
	if _, err := term.ExpandValueSet(ctx, "http://example.org/vs/unknown"); err == nil {
		t.Error("unknown value set should error")
	}

	below, err := term.Subsumed(ctx, "http://snomed.info/sct", "73211009")
	if err != nil {
		t.Fatal(err)
	}
	if len(below) != 3 {
		t.Errorf("Subsumed() returned %d codes, want 3 (self + 2 children)", len(below))
	}

	above, err := term.Subsuming(ctx, "http://snomed.info/sct", "44054006")
	if err != nil {
		t.Fatal(err)
	}
	if len(above) != 3 {
		t.Errorf("Subsuming() returned %d codes, want 3 (self, parent, grandparent)", len(above))
	}
	if above[0].Code != "44054006" || above[1].Code != "73211009" || above[2].Code != "362969004" {
		t.Errorf("Subsuming() order = %v", above)
	}

	// Codes outside the hierarchy still include themselves.
	self, err := term.Subsumed(ctx, "http://snomed.info/sct", "999")
	if err != nil || len(self) != 1 {
		t.Errorf("Subsumed(unknown) = %v, %v", self, err)
	}
}
