package fhir

import (
	"context"
	"net/url"
	"strings"
	"testing"
)

func testPlanner(t *testing.T, term TerminologyService) *Planner {
	t.Helper()
	return NewPlanner(DefaultRegistry(), term, 50, 500)
}

func plan(t *testing.T, p *Planner, resourceType, rawQuery string) *SearchQuery {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatalf("parse query %q: %v", rawQuery, err)
	}
	params, opts, err := ParseQuery(values)
	if err != nil {
		t.Fatalf("ParseQuery(%q) error = %v", rawQuery, err)
	}
	q, err := p.Plan(context.Background(), resourceType, params, opts)
	if err != nil {
		t.Fatalf("Plan(%q) error = %v", rawQuery, err)
	}
	return q
}

func planErr(t *testing.T, p *Planner, resourceType, rawQuery string) error {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatalf("parse query %q: %v", rawQuery, err)
	}
	params, opts, err := ParseQuery(values)
	if err != nil {
		return err
	}
	_, err = p.Plan(context.Background(), resourceType, params, opts)
	return err
}

func TestPlanTokenFilter(t *testing.T) {
	p := testPlanner(t, nil)
	q := plan(t, p, "Observation", "code=http://loinc.org|2339-0")

	sql, args := q.SelectSQL()
	if !strings.Contains(sql, "EXISTS (SELECT 1 FROM search_index si") {
		t.Errorf("missing EXISTS subquery: %s", sql)
	}
	if !strings.Contains(sql, "si.param_name = $2") {
		t.Errorf("param_name binding missing: %s", sql)
	}
	if !strings.Contains(sql, "si.token_system = $3 AND si.token_code = $4") {
		t.Errorf("token clause missing: %s", sql)
	}
	want := []interface{}{"Observation", "code", "http://loinc.org", "2339-0"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d = %v, want %v", i, args[i], want[i])
		}
	}
	if !strings.Contains(sql, "ORDER BY r.last_updated DESC, r.id LIMIT 50 OFFSET 0") {
		t.Errorf("default ordering/paging missing: %s", sql)
	}
}

func TestPlanRejectsPrefixOnUnorderedTypes(t *testing.T) {
	p := testPlanner(t, nil)

	tests := []struct {
		name         string
		resourceType string
		query        string
	}{
		{"token", "Observation", "status=gt5"},
		{"string", "Patient", "name=le2020"},
		{"reference", "Observation", "subject=ge5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := planErr(t, p, tt.resourceType, tt.query); !IsValidation(err) {
				t.Errorf("planErr(%q) = %v, want validation error", tt.query, err)
			}
		})
	}

	// Values that merely start with prefix letters are literals, not
	// comparisons.
	for _, q := range []string{"status=negative", "code=saline"} {
		if err := planErr(t, p, "Observation", q); err != nil {
			t.Errorf("planErr(%q) = %v, want nil", q, err)
		}
	}
}

func TestPlanOrAndSemantics(t *testing.T) {
	p := testPlanner(t, nil)
	q := plan(t, p, "Observation", "status=final,amended&code=2339-0")

	sql, _ := q.SelectSQL()
	// Comma values OR inside one EXISTS; separate parameters each get their own.
	if got := strings.Count(sql, "EXISTS (SELECT 1 FROM search_index si"); got != 2 {
		t.Errorf("EXISTS count = %d, want 2: %s", got, sql)
	}
	// Keys parse in sorted order, so code binds first and status follows.
	if !strings.Contains(sql, "si.token_code = $5 OR si.token_code = $6") {
		t.Errorf("OR alternatives missing: %s", sql)
	}
}

func TestPlanMissingModifier(t *testing.T) {
	p := testPlanner(t, nil)

	sql, _ := mustSelect(t, p, "Observation", "encounter:missing=true")
	if !strings.Contains(sql, "NOT EXISTS (SELECT 1 FROM search_index si") {
		t.Errorf("missing=true should anti-join: %s", sql)
	}

	sql, _ = mustSelect(t, p, "Observation", "encounter:missing=false")
	if strings.Contains(sql, "NOT EXISTS") {
		t.Errorf("missing=false should be a plain EXISTS: %s", sql)
	}

	if err := planErr(t, p, "Observation", "encounter:missing=maybe"); !IsValidation(err) {
		t.Errorf("bad :missing value error = %v, want validation error", err)
	}
}

func TestPlanNotModifier(t *testing.T) {
	p := testPlanner(t, nil)
	sql, _ := mustSelect(t, p, "Observation", "status:not=final")
	if !strings.Contains(sql, "NOT EXISTS (SELECT 1 FROM search_index si") {
		t.Errorf(":not should anti-join matching rows: %s", sql)
	}
	if !strings.Contains(sql, "si.token_code = $3") {
		t.Errorf(":not should carry the token clause: %s", sql)
	}
}

func TestPlanTextModifier(t *testing.T) {
	p := testPlanner(t, nil)
	sql, args := mustSelect(t, p, "Observation", "code:text=headache")
	if !strings.Contains(sql, "si.token_display ILIKE $3") {
		t.Errorf(":text should match display text: %s", sql)
	}
	if args[2] != "headache%" {
		t.Errorf(":text arg = %v, want headache%%", args[2])
	}
}

func TestPlanChain(t *testing.T) {
	p := testPlanner(t, nil)

	// patient declares a single target, no :Type needed.
	sql, args := mustSelect(t, p, "Observation", "patient.name=Smith")
	if !strings.Contains(sql, "(t.resource_type || '/' || t.resource_id) = si.value_reference") {
		t.Errorf("chain join missing: %s", sql)
	}
	if !strings.Contains(sql, "t.value_string ILIKE $5") {
		t.Errorf("inner string clause missing: %s", sql)
	}
	want := []interface{}{"Observation", "patient", "Patient", "name", "Smith%"}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d = %v, want %v", i, args[i], want[i])
		}
	}

	// subject has several targets: untyped chain is ambiguous.
	if err := planErr(t, p, "Observation", "subject.name=Smith"); !IsValidation(err) {
		t.Errorf("ambiguous chain error = %v, want validation error", err)
	}

	// The typed form resolves it.
	sql, _ = mustSelect(t, p, "Observation", "subject:Patient.name=Smith")
	if !strings.Contains(sql, "t.resource_type = $3") {
		t.Errorf("typed chain missing target bind: %s", sql)
	}

	// Chaining through a non-reference parameter is an error.
	if err := planErr(t, p, "Observation", "status.name=x"); !IsValidation(err) {
		t.Errorf("chain through token error = %v, want validation error", err)
	}
}

func TestPlanHas(t *testing.T) {
	p := testPlanner(t, nil)
	sql, args := mustSelect(t, p, "Patient", "_has:Observation:patient:code=2339-0")
	if !strings.Contains(sql, "ref.value_reference = (r.resource_type || '/' || r.id)") {
		t.Errorf("_has reverse join missing: %s", sql)
	}
	if !strings.Contains(sql, "t.resource_id = ref.resource_id") {
		t.Errorf("_has inner filter not bound to the referencing resource: %s", sql)
	}
	want := []interface{}{"Patient", "Observation", "patient", "code", "2339-0"}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d = %v, want %v", i, args[i], want[i])
		}
	}

	// Observation.patient cannot reference an Organization.
	if err := planErr(t, p, "Organization", "_has:Observation:patient:code=x"); !IsValidation(err) {
		t.Errorf("_has target mismatch error = %v, want validation error", err)
	}

	// The reference link must actually be a reference parameter.
	if err := planErr(t, p, "Patient", "_has:Observation:status:code=x"); !IsValidation(err) {
		t.Errorf("_has non-reference link error = %v, want validation error", err)
	}
}

func TestPlanComposite(t *testing.T) {
	p := testPlanner(t, nil)
	sql, args := mustSelect(t, p, "Observation", "code-value-quantity=http://loinc.org|2339-0$gt100")
	if !strings.Contains(sql, "FROM search_index_composite sc") {
		t.Errorf("composite should query the composite table: %s", sql)
	}
	if !strings.Contains(sql, "sc.comp_system = $3 AND sc.comp_code = $4") {
		t.Errorf("component code clause missing: %s", sql)
	}
	if !strings.Contains(sql, "sc.value_number > $5") {
		t.Errorf("component value clause missing: %s", sql)
	}
	if args[4].(float64) != 100 {
		t.Errorf("value arg = %v, want 100", args[4])
	}

	if err := planErr(t, p, "Observation", "code-value-quantity=2339-0"); !IsValidation(err) {
		t.Errorf("composite without $ error = %v, want validation error", err)
	}
}

func TestPlanValueSetModifiers(t *testing.T) {
	term := NewStaticTerminology()
	term.RegisterValueSet("http://example.org/vs/diabetes", []TokenIndexValue{
		{System: "http://snomed.info/sct", Code: "44054006"},
		{System: "http://snomed.info/sct", Code: "46635009"},
	})
	term.RegisterHierarchy("http://snomed.info/sct", map[string]string{
		"44054006": "73211009",
		"46635009": "73211009",
	})

	p := testPlanner(t, term)

	sql, args := mustSelect(t, p, "Condition", "code:in=http://example.org/vs/diabetes")
	if got := strings.Count(sql, "si.token_system ="); got != 2 {
		t.Errorf("expansion clause count = %d, want 2: %s", got, sql)
	}
	if len(args) != 6 { // type + param + 2x(system, code)
		t.Errorf("args = %v, want 6 values", args)
	}

	sql, _ = mustSelect(t, p, "Condition", "code:not-in=http://example.org/vs/diabetes")
	if !strings.Contains(sql, "NOT EXISTS") {
		t.Errorf(":not-in should anti-join: %s", sql)
	}

	// :below picks up the code and its descendants.
	_, args = mustSelect(t, p, "Condition", "code:below=http://snomed.info/sct|73211009")
	if len(args) != 8 { // type + param + 3x(system, code)
		t.Errorf(":below args = %v, want 8 values", args)
	}

	// Without a terminology service the modifiers are rejected.
	bare := testPlanner(t, nil)
	if err := planErr(t, bare, "Condition", "code:in=http://example.org/vs/diabetes"); !IsValidation(err) {
		t.Errorf(":in without terminology error = %v, want validation error", err)
	}
}

func TestPlanControlParams(t *testing.T) {
	p := testPlanner(t, nil)

	sql, args := mustSelect(t, p, "Patient", "_id=123,456")
	if !strings.Contains(sql, "(r.id = $2 OR r.id = $3)") {
		t.Errorf("_id clause missing: %s", sql)
	}
	if args[1] != "123" || args[2] != "456" {
		t.Errorf("_id args = %v", args)
	}

	sql, _ = mustSelect(t, p, "Patient", "_lastUpdated=ge2023-01-01")
	if !strings.Contains(sql, "r.last_updated >= $2") {
		t.Errorf("_lastUpdated clause missing: %s", sql)
	}

	sql, _ = mustSelect(t, p, "Patient", "_count=10&_offset=30")
	if !strings.Contains(sql, "LIMIT 10 OFFSET 30") {
		t.Errorf("paging missing: %s", sql)
	}

	// _count above the cap clamps.
	sql, _ = mustSelect(t, p, "Patient", "_count=9999")
	if !strings.Contains(sql, "LIMIT 500") {
		t.Errorf("count cap missing: %s", sql)
	}
}

func TestPlanSort(t *testing.T) {
	p := testPlanner(t, nil)

	sql, args := mustSelect(t, p, "Observation", "_sort=-date")
	if !strings.Contains(sql, "SELECT MIN(s.value_date_lo)") || !strings.Contains(sql, "DESC NULLS LAST") {
		t.Errorf("date sort subselect missing: %s", sql)
	}
	if args[len(args)-1] != "date" {
		t.Errorf("sort param arg = %v, want date", args[len(args)-1])
	}
	if !strings.Contains(sql, "r.last_updated DESC, r.id") {
		t.Errorf("stable tie-breaker missing: %s", sql)
	}

	sql, _ = mustSelect(t, p, "Observation", "_sort=_lastUpdated")
	if !strings.Contains(sql, "ORDER BY r.last_updated ASC") {
		t.Errorf("_lastUpdated sort missing: %s", sql)
	}

	if err := planErr(t, p, "Observation", "_sort=code-value-quantity"); !IsValidation(err) {
		t.Errorf("composite sort error = %v, want validation error", err)
	}
}

func TestPlanRejectsUndeclared(t *testing.T) {
	p := testPlanner(t, nil)

	if err := planErr(t, p, "Patient", "favorite-color=blue"); !IsValidation(err) {
		t.Errorf("undeclared param error = %v, want validation error", err)
	}
	if err := planErr(t, p, "Widget", "name=x"); !IsValidation(err) {
		t.Errorf("unknown type error = %v, want validation error", err)
	}
}

func TestCountSQLSharesPredicates(t *testing.T) {
	p := testPlanner(t, nil)
	q := plan(t, p, "Observation", "status=final")

	countSQL, countArgs := q.CountSQL()
	if !strings.HasPrefix(countSQL, "SELECT COUNT(*) FROM resource r WHERE ") {
		t.Errorf("count sql = %s", countSQL)
	}
	if strings.Contains(countSQL, "ORDER BY") || strings.Contains(countSQL, "LIMIT") {
		t.Errorf("count sql should not page: %s", countSQL)
	}
	_, selectArgs := q.SelectSQL()
	if len(countArgs) != len(selectArgs) {
		t.Errorf("count args = %d, select args = %d", len(countArgs), len(selectArgs))
	}
}

func mustSelect(t *testing.T, p *Planner, resourceType, rawQuery string) (string, []interface{}) {
	t.Helper()
	q := plan(t, p, resourceType, rawQuery)
	return q.SelectSQL()
}
