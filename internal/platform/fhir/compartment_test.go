package fhir

import "testing"

func TestIsInCompartment(t *testing.T) {
	tests := []struct {
		resourceType string
		want         bool
	}{
		{"Observation", true}, // direct and indirect
		{"Condition", true},
		{"Encounter", true}, // direct only
		{"Organization", false},
		{"Practitioner", false},
		{"Medication", false},
	}
	for _, tt := range tests {
		if got := PatientCompartment.IsInCompartment(tt.resourceType); got != tt.want {
			t.Errorf("IsInCompartment(%q) = %v, want %v", tt.resourceType, got, tt.want)
		}
	}
}
