package fhir

import (
	"strings"
	"testing"
	"time"
)

func TestTokenClause(t *testing.T) {
	tests := []struct {
		value    string
		wantSQL  string
		wantArgs []interface{}
	}{
		{"active", "si.token_code = $1", []interface{}{"active"}},
		{"http://loinc.org|2339-0",
			"(si.token_system = $1 AND si.token_code = $2)",
			[]interface{}{"http://loinc.org", "2339-0"}},
		{"|male", "(si.token_system IS NULL AND si.token_code = $1)", []interface{}{"male"}},
		{"http://loinc.org|", "si.token_system = $1", []interface{}{"http://loinc.org"}},
	}
	for _, tt := range tests {
		sql, args, next := tokenClause("si", tt.value, 1)
		if sql != tt.wantSQL {
			t.Errorf("tokenClause(%q) sql = %q, want %q", tt.value, sql, tt.wantSQL)
		}
		if len(args) != len(tt.wantArgs) {
			t.Fatalf("tokenClause(%q) args = %v, want %v", tt.value, args, tt.wantArgs)
		}
		for i := range args {
			if args[i] != tt.wantArgs[i] {
				t.Errorf("tokenClause(%q) arg %d = %v, want %v", tt.value, i, args[i], tt.wantArgs[i])
			}
		}
		if next != 1+len(args) {
			t.Errorf("tokenClause(%q) next = %d, want %d", tt.value, next, 1+len(args))
		}
	}
}

func TestStringClause(t *testing.T) {
	sql, args, _ := stringClause("si", "Smith", "", 1)
	if sql != "si.value_string ILIKE $1" || args[0] != "Smith%" {
		t.Errorf("default string clause = %q %v", sql, args)
	}

	sql, args, _ = stringClause("si", "Smith", ModifierExact, 1)
	if sql != "si.value_string = $1" || args[0] != "Smith" {
		t.Errorf("exact string clause = %q %v", sql, args)
	}

	sql, args, _ = stringClause("si", "mit", ModifierContains, 1)
	if sql != "si.value_string ILIKE $1" || args[0] != "%mit%" {
		t.Errorf("contains string clause = %q %v", sql, args)
	}

	// LIKE metacharacters in input must not act as wildcards.
	_, args, _ = stringClause("si", "100%", "", 1)
	if args[0] != `100\%%` {
		t.Errorf("escaped pattern = %v, want 100\\%%%%", args[0])
	}
}

func TestDateClause(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		numArgs int
	}{
		{"2023", "(si.value_date_lo >= $1 AND si.value_date_hi <= $2)", 2},
		{"ne2023", "NOT (si.value_date_lo >= $1 AND si.value_date_hi <= $2)", 2},
		{"lt2023-06-15", "si.value_date_lo < $1", 1},
		{"gt2023-06-15", "si.value_date_hi > $1", 1},
		{"le2023-06-15", "si.value_date_lo < $1", 1},
		{"ge2023-06-15", "si.value_date_hi > $1", 1},
		{"sa2023-06-15", "si.value_date_lo >= $1", 1},
		{"eb2023-06-15", "si.value_date_hi <= $1", 1},
	}
	for _, tt := range tests {
		sql, args, next, err := dateClause("si", ParseSearchValue(tt.raw), 1)
		if err != nil {
			t.Fatalf("dateClause(%q) error = %v", tt.raw, err)
		}
		if sql != tt.want {
			t.Errorf("dateClause(%q) = %q, want %q", tt.raw, sql, tt.want)
		}
		if len(args) != tt.numArgs || next != 1+tt.numArgs {
			t.Errorf("dateClause(%q) args/next = %d/%d, want %d/%d", tt.raw, len(args), next, tt.numArgs, 1+tt.numArgs)
		}
	}

	// le compares against the query range's upper bound.
	_, args, _, err := dateClause("si", ParseSearchValue("le2023"), 1)
	if err != nil {
		t.Fatal(err)
	}
	wantHi := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !args[0].(time.Time).Equal(wantHi) {
		t.Errorf("le2023 bound = %v, want %v", args[0], wantHi)
	}

	if _, _, _, err := dateClause("si", ParseSearchValue("20-bad"), 1); !IsValidation(err) {
		t.Errorf("bad date error = %v, want validation error", err)
	}
}

func TestNumberClausePrecision(t *testing.T) {
	sql, args, _, err := numberClause("si", ParseSearchValue("100"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if sql != "(si.value_number >= $1 AND si.value_number < $2)" {
		t.Errorf("eq number sql = %q", sql)
	}
	if args[0].(float64) != 99.5 || args[1].(float64) != 100.5 {
		t.Errorf("eq100 range = %v, want [99.5, 100.5)", args)
	}

	_, args, _, err = numberClause("si", ParseSearchValue("100.0"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if args[0].(float64) != 99.95 || args[1].(float64) != 100.05 {
		t.Errorf("eq100.0 range = %v, want [99.95, 100.05)", args)
	}

	sql, args, _, err = numberClause("si", ParseSearchValue("gt5.4"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if sql != "si.value_number > $1" || args[0].(float64) != 5.4 {
		t.Errorf("gt clause = %q %v", sql, args)
	}

	if _, _, _, err := numberClause("si", ParseSearchValue("abc"), 1); !IsValidation(err) {
		t.Errorf("non-numeric error = %v, want validation error", err)
	}
}

func TestQuantityClause(t *testing.T) {
	sql, args, next, err := quantityClause("si", "gt5.4|http://unitsofmeasure.org|mg", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sql, "si.value_quantity > $1") ||
		!strings.Contains(sql, "si.quantity_system = $2") ||
		!strings.Contains(sql, "si.quantity_code = $3 OR si.quantity_unit = $3") {
		t.Errorf("quantity clause = %q", sql)
	}
	if len(args) != 3 || next != 4 {
		t.Errorf("quantity args/next = %v/%d", args, next)
	}

	// Bare number matches on value alone.
	sql, args, _, err = quantityClause("si", "5.4", 1)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(sql, "quantity_system") || len(args) != 2 {
		t.Errorf("bare quantity clause = %q %v", sql, args)
	}

	if _, _, _, err := quantityClause("si", "5.4|mg", 1); !IsValidation(err) {
		t.Errorf("two-part quantity error = %v, want validation error", err)
	}
}

func TestReferenceClause(t *testing.T) {
	sql, args, _ := referenceClause("si", "Patient/123", "", 1)
	if sql != "si.value_reference = $1" || args[0] != "Patient/123" {
		t.Errorf("typed reference clause = %q %v", sql, args)
	}

	sql, args, _ = referenceClause("si", "123", "", 1)
	if sql != "si.value_reference LIKE $1" || args[0] != "%/123" {
		t.Errorf("bare id clause = %q %v", sql, args)
	}

	// :Type modifier pins the target type.
	sql, args, _ = referenceClause("si", "123", "Patient", 1)
	if sql != "si.value_reference = $1" || args[0] != "Patient/123" {
		t.Errorf("type-modified clause = %q %v", sql, args)
	}

	// Absolute URLs canonicalize before matching.
	_, args, _ = referenceClause("si", "https://example.org/fhir/Patient/123", "", 1)
	if args[0] != "Patient/123" {
		t.Errorf("absolute reference arg = %v, want Patient/123", args[0])
	}
}
