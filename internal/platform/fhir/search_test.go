package fhir

import (
	"net/url"
	"reflect"
	"testing"
)

func TestParseSearchValue(t *testing.T) {
	tests := []struct {
		raw    string
		prefix SearchPrefix
		value  string
	}{
		{"gt2023-01-01", PrefixGt, "2023-01-01"},
		{"le100", PrefixLe, "100"},
		{"sa2020", PrefixSa, "2020"},
		{"eb2020", PrefixEb, "2020"},
		{"ne5.4", PrefixNe, "5.4"},
		{"100", PrefixEq, "100"},
		{"eq100", PrefixEq, "100"},
		// Prefix matching is positional; only ordered types ever consult it,
		// so token and string values bypass this split entirely.
		{"generous", PrefixGe, "nerous"},
	}
	for _, tt := range tests {
		got := ParseSearchValue(tt.raw)
		if got.Prefix != tt.prefix || got.Value != tt.value {
			t.Errorf("ParseSearchValue(%q) = (%s, %q), want (%s, %q)", tt.raw, got.Prefix, got.Value, tt.prefix, tt.value)
		}
	}
}

func TestParseParamModifier(t *testing.T) {
	tests := []struct {
		key      string
		name     string
		modifier SearchModifier
	}{
		{"name:exact", "name", ModifierExact},
		{"code:not", "code", ModifierNot},
		{"status", "status", ""},
		{"code:missing", "code", ModifierMissing},
	}
	for _, tt := range tests {
		name, mod := ParseParamModifier(tt.key)
		if name != tt.name || mod != tt.modifier {
			t.Errorf("ParseParamModifier(%q) = (%q, %q), want (%q, %q)", tt.key, name, mod, tt.name, tt.modifier)
		}
	}
}

func TestParseQueryFilters(t *testing.T) {
	values := url.Values{}
	values.Add("status", "final,amended")
	values.Add("code", "http://loinc.org|2339-0")
	values.Add("date", "ge2023-01-01")
	values.Add("date", "lt2024-01-01")

	params, _, err := ParseQuery(values)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	if len(params) != 4 {
		t.Fatalf("ParseQuery() returned %d params, want 4", len(params))
	}

	byName := map[string][]SearchParam{}
	for _, p := range params {
		byName[p.Name] = append(byName[p.Name], p)
	}
	if got := byName["status"][0].Values; !reflect.DeepEqual(got, []string{"final", "amended"}) {
		t.Errorf("status values = %v, want [final amended]", got)
	}
	if got := len(byName["date"]); got != 2 {
		t.Errorf("repeated date produced %d params, want 2 (AND semantics)", got)
	}
}

func TestParseQueryEscapedComma(t *testing.T) {
	values := url.Values{"name": {`Smith\, Jr,Jones`}}
	params, _, err := ParseQuery(values)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	want := []string{"Smith, Jr", "Jones"}
	if !reflect.DeepEqual(params[0].Values, want) {
		t.Errorf("escaped values = %v, want %v", params[0].Values, want)
	}
}

func TestParseQueryChain(t *testing.T) {
	values := url.Values{"subject:Patient.name": {"Smith"}}
	params, _, err := ParseQuery(values)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	p := params[0]
	if p.Name != "subject" || p.Chain != "name" || p.ChainType != "Patient" {
		t.Errorf("chain parse = %+v, want subject/Patient/name", p)
	}

	values = url.Values{"subject.name": {"Smith"}}
	params, _, err = ParseQuery(values)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	if params[0].ChainType != "" || params[0].Chain != "name" {
		t.Errorf("untyped chain parse = %+v", params[0])
	}

	if _, _, err := ParseQuery(url.Values{"subject.encounter.date": {"2023"}}); !IsValidation(err) {
		t.Errorf("two-hop chain error = %v, want validation error", err)
	}
}

func TestParseQueryHas(t *testing.T) {
	values := url.Values{"_has:Observation:patient:code": {"2339-0"}}
	params, _, err := ParseQuery(values)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	has := params[0].Has
	if has == nil || has.TargetType != "Observation" || has.RefParam != "patient" || has.SearchParam != "code" {
		t.Errorf("_has parse = %+v", has)
	}

	if _, _, err := ParseQuery(url.Values{"_has:Observation:patient:_has:Encounter:x:y": {"v"}}); !IsValidation(err) {
		t.Errorf("nested _has error = %v, want validation error", err)
	}
}

func TestParseQueryControls(t *testing.T) {
	values := url.Values{
		"_count":      {"20"},
		"_offset":     {"40"},
		"_sort":       {"-date,_id"},
		"_total":      {"none"},
		"_include":    {"Observation:subject"},
		"_revinclude": {"Observation:patient:Observation"},
	}
	params, opts, err := ParseQuery(values)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}
	if len(params) != 0 {
		t.Errorf("control-only query produced %d filters", len(params))
	}
	if opts.Count != 20 || opts.Offset != 40 {
		t.Errorf("paging = count %d offset %d, want 20/40", opts.Count, opts.Offset)
	}
	if opts.Total != TotalNone {
		t.Errorf("total = %q, want none", opts.Total)
	}
	wantSort := []SortField{{Param: "date", Desc: true}, {Param: "_id"}}
	if !reflect.DeepEqual(opts.Sort, wantSort) {
		t.Errorf("sort = %+v, want %+v", opts.Sort, wantSort)
	}
	if len(opts.Includes) != 1 || opts.Includes[0].SourceType != "Observation" || opts.Includes[0].Param != "subject" {
		t.Errorf("includes = %+v", opts.Includes)
	}
	if len(opts.RevIncludes) != 1 || opts.RevIncludes[0].TargetType != "Observation" {
		t.Errorf("revincludes = %+v", opts.RevIncludes)
	}
}

func TestParseQueryBadControls(t *testing.T) {
	tests := []struct {
		name   string
		values url.Values
	}{
		{"negative count", url.Values{"_count": {"-1"}}},
		{"non-numeric count", url.Values{"_count": {"ten"}}},
		{"negative offset", url.Values{"_offset": {"-5"}}},
		{"bad total", url.Values{"_total": {"estimate"}}},
		{"bad include", url.Values{"_include": {"Observation"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseQuery(tt.values); !IsValidation(err) {
				t.Errorf("ParseQuery(%v) error = %v, want validation error", tt.values, err)
			}
		})
	}
}

func TestValidateModifier(t *testing.T) {
	stringDef := SearchParamDef{Name: "name", Type: SearchParamString}
	tokenDef := SearchParamDef{Name: "code", Type: SearchParamToken}
	refDef := SearchParamDef{Name: "subject", Type: SearchParamReference, Targets: []string{"Patient", "Group"}}

	if err := validateModifier(stringDef, ModifierExact); err != nil {
		t.Errorf(":exact on string: %v", err)
	}
	if err := validateModifier(tokenDef, ModifierText); err != nil {
		t.Errorf(":text on token: %v", err)
	}
	if err := validateModifier(stringDef, ModifierNot); !IsValidation(err) {
		t.Errorf(":not on string = %v, want validation error", err)
	}
	if err := validateModifier(tokenDef, ModifierContains); !IsValidation(err) {
		t.Errorf(":contains on token = %v, want validation error", err)
	}
	if err := validateModifier(refDef, "Patient"); err != nil {
		t.Errorf(":Patient on subject: %v", err)
	}
	if err := validateModifier(refDef, "Device"); !IsValidation(err) {
		t.Errorf(":Device on subject = %v, want validation error", err)
	}
}
