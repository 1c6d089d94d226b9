package fhir

import (
	"encoding/json"
	"reflect"
	"testing"
)

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestEvalPath(t *testing.T) {
	patient := decode(t, `{
		"resourceType": "Patient",
		"birthDate": "1980-03-15",
		"name": [
			{"family": "Smith", "given": ["John", "Q"]},
			{"family": "Smithe", "given": ["Jonathan"]}
		],
		"address": [{"city": "Boston", "state": "MA"}]
	}`)

	tests := []struct {
		name string
		path string
		want []string
	}{
		{"scalar", "birthDate", []string{"1980-03-15"}},
		{"repeating nested", "name[*].given[*]", []string{"John", "Q", "Jonathan"}},
		{"repeating field", "name[*].family", []string{"Smith", "Smithe"}},
		{"array without star", "name.family", []string{"Smith", "Smithe"}},
		{"nested scalar", "address[*].city", []string{"Boston"}},
		{"missing", "telecom[*].value", nil},
		{"missing intermediate", "contact[*].name.family", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvalPathString(patient, tt.path)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("EvalPathString(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestEvalPathObjects(t *testing.T) {
	obs := decode(t, `{
		"code": {"coding": [{"system": "http://loinc.org", "code": "2339-0"}]},
		"component": [
			{"code": {"text": "systolic"}},
			{"code": {"text": "diastolic"}}
		]
	}`)

	if got := EvalPath(obs, "code"); len(got) != 1 {
		t.Errorf("EvalPath(code) returned %d values, want 1", len(got))
	}
	if got := EvalPath(obs, "component[*]"); len(got) != 2 {
		t.Errorf("EvalPath(component[*]) returned %d values, want 2", len(got))
	}
	if got := EvalPath(obs, "code.coding[*].system"); len(got) != 1 || got[0] != "http://loinc.org" {
		t.Errorf("EvalPath(code.coding[*].system) = %v, want [http://loinc.org]", got)
	}
}

func TestEvalPathEmptyPath(t *testing.T) {
	m := map[string]interface{}{"a": 1}
	got := EvalPath(m, "")
	if len(got) != 1 {
		t.Fatalf("EvalPath with empty path returned %d values, want the node itself", len(got))
	}
}
