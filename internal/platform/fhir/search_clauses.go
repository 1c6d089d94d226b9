package fhir

import (
	"fmt"
	"strconv"
	"strings"
)

// Clause builders translate one search value into a SQL fragment over the
// aliased search_index row. Each returns the fragment, its positional args,
// and the next free placeholder index, so the planner can compose them.

// tokenClause builds the match for one token literal: "code", "system|code",
// "|code" (codes with no system), or "system|" (any code in the system).
func tokenClause(alias, value string, argIdx int) (string, []interface{}, int) {
	system, code, hasBar := splitToken(value)
	switch {
	case !hasBar:
		return fmt.Sprintf("%s.token_code = $%d", alias, argIdx), []interface{}{code}, argIdx + 1
	case system == "":
		return fmt.Sprintf("(%s.token_system IS NULL AND %s.token_code = $%d)", alias, alias, argIdx),
			[]interface{}{code}, argIdx + 1
	case code == "":
		return fmt.Sprintf("%s.token_system = $%d", alias, argIdx), []interface{}{system}, argIdx + 1
	default:
		return fmt.Sprintf("(%s.token_system = $%d AND %s.token_code = $%d)", alias, argIdx, alias, argIdx+1),
			[]interface{}{system, code}, argIdx + 2
	}
}

// splitToken splits "system|code" at the first unescaped bar.
func splitToken(value string) (system, code string, hasBar bool) {
	idx := strings.Index(value, "|")
	if idx < 0 {
		return "", value, false
	}
	return value[:idx], value[idx+1:], true
}

// tokenTextClause matches the stored display text, case-insensitive prefix.
func tokenTextClause(alias, value string, argIdx int) (string, []interface{}, int) {
	return fmt.Sprintf("%s.token_display ILIKE $%d", alias, argIdx),
		[]interface{}{likePattern(value) + "%"}, argIdx + 1
}

// stringClause implements default (case-insensitive prefix), :exact, and
// :contains string matching.
func stringClause(alias, value string, modifier SearchModifier, argIdx int) (string, []interface{}, int) {
	switch modifier {
	case ModifierExact:
		return fmt.Sprintf("%s.value_string = $%d", alias, argIdx), []interface{}{value}, argIdx + 1
	case ModifierContains:
		return fmt.Sprintf("%s.value_string ILIKE $%d", alias, argIdx),
			[]interface{}{"%" + likePattern(value) + "%"}, argIdx + 1
	default:
		return fmt.Sprintf("%s.value_string ILIKE $%d", alias, argIdx),
			[]interface{}{likePattern(value) + "%"}, argIdx + 1
	}
}

// likePattern escapes LIKE metacharacters in user input.
func likePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// uriClause matches uri parameters exactly.
func uriClause(alias, value string, argIdx int) (string, []interface{}, int) {
	return fmt.Sprintf("%s.value_string = $%d", alias, argIdx), []interface{}{value}, argIdx + 1
}

// dateClause compares the stored [lo, hi) range against the range the query
// literal covers. eq requires containment; lt/gt compare range edges so that
// a 2023 query and a 2023-06 stored value interact the way partial dates
// should.
func dateClause(alias string, pv ParsedValue, argIdx int) (string, []interface{}, int, error) {
	qlo, qhi, err := ParseDateRange(pv.Value)
	if err != nil {
		return "", nil, argIdx, &ValidationError{Param: "date", Message: err.Error()}
	}

	lo, hi := fmt.Sprintf("$%d", argIdx), fmt.Sprintf("$%d", argIdx+1)
	args := []interface{}{qlo, qhi}
	next := argIdx + 2

	var sql string
	switch pv.Prefix {
	case PrefixEq:
		sql = fmt.Sprintf("(%s.value_date_lo >= %s AND %s.value_date_hi <= %s)", alias, lo, alias, hi)
	case PrefixNe:
		sql = fmt.Sprintf("NOT (%s.value_date_lo >= %s AND %s.value_date_hi <= %s)", alias, lo, alias, hi)
	case PrefixLt:
		sql = fmt.Sprintf("%s.value_date_lo < %s", alias, lo)
		args, next = args[:1], argIdx+1
	case PrefixGt:
		sql = fmt.Sprintf("%s.value_date_hi > %s", alias, lo)
		args, next = []interface{}{qhi}, argIdx+1
	case PrefixLe:
		sql = fmt.Sprintf("%s.value_date_lo < %s", alias, lo)
		args, next = []interface{}{qhi}, argIdx+1
	case PrefixGe:
		sql = fmt.Sprintf("%s.value_date_hi > %s", alias, lo)
		args, next = args[:1], argIdx+1
	case PrefixSa:
		sql = fmt.Sprintf("%s.value_date_lo >= %s", alias, lo)
		args, next = []interface{}{qhi}, argIdx+1
	case PrefixEb:
		sql = fmt.Sprintf("%s.value_date_hi <= %s", alias, lo)
		args, next = args[:1], argIdx+1
	default:
		return "", nil, argIdx, &ValidationError{Param: "date", Message: fmt.Sprintf("unsupported prefix %q", pv.Prefix)}
	}
	return sql, args, next, nil
}

// numberClause compares against value_number. eq uses the implicit precision
// of the literal: eq100 matches [99.5, 100.5), eq100.0 matches [99.95, 100.05).
func numberClause(alias string, pv ParsedValue, argIdx int) (string, []interface{}, int, error) {
	n, err := strconv.ParseFloat(pv.Value, 64)
	if err != nil {
		return "", nil, argIdx, &ValidationError{Param: "number", Message: fmt.Sprintf("%q is not a number", pv.Value)}
	}

	switch pv.Prefix {
	case PrefixEq, PrefixNe:
		lo, hi := precisionRange(pv.Value, n)
		sql := fmt.Sprintf("(%s.value_number >= $%d AND %s.value_number < $%d)", alias, argIdx, alias, argIdx+1)
		if pv.Prefix == PrefixNe {
			sql = "NOT " + sql
		}
		return sql, []interface{}{lo, hi}, argIdx + 2, nil
	case PrefixLt:
		return fmt.Sprintf("%s.value_number < $%d", alias, argIdx), []interface{}{n}, argIdx + 1, nil
	case PrefixGt, PrefixSa:
		return fmt.Sprintf("%s.value_number > $%d", alias, argIdx), []interface{}{n}, argIdx + 1, nil
	case PrefixLe:
		return fmt.Sprintf("%s.value_number <= $%d", alias, argIdx), []interface{}{n}, argIdx + 1, nil
	case PrefixGe:
		return fmt.Sprintf("%s.value_number >= $%d", alias, argIdx), []interface{}{n}, argIdx + 1, nil
	case PrefixEb:
		return fmt.Sprintf("%s.value_number < $%d", alias, argIdx), []interface{}{n}, argIdx + 1, nil
	}
	return "", nil, argIdx, &ValidationError{Param: "number", Message: fmt.Sprintf("unsupported prefix %q", pv.Prefix)}
}

// precisionRange derives the half-open range the literal's significant digits
// cover.
func precisionRange(literal string, n float64) (lo, hi float64) {
	decimals := 0
	if dot := strings.Index(literal, "."); dot >= 0 {
		decimals = len(literal) - dot - 1
	}
	step := 0.5
	for i := 0; i < decimals; i++ {
		step /= 10
	}
	return n - step, n + step
}

// quantityClause parses "[prefix]number|system|code" and matches value and,
// when given, the coded unit. A bare number matches on value alone.
func quantityClause(alias, raw string, argIdx int) (string, []interface{}, int, error) {
	parts := strings.SplitN(raw, "|", 3)
	pv := ParseSearchValue(parts[0])

	sql, args, next, err := quantityValueClause(alias, pv, argIdx)
	if err != nil {
		return "", nil, argIdx, err
	}

	var conds []string
	conds = append(conds, sql)
	if len(parts) == 3 {
		system, code := parts[1], parts[2]
		if system != "" {
			conds = append(conds, fmt.Sprintf("%s.quantity_system = $%d", alias, next))
			args = append(args, system)
			next++
		}
		if code != "" {
			conds = append(conds, fmt.Sprintf("(%s.quantity_code = $%d OR %s.quantity_unit = $%d)", alias, next, alias, next))
			args = append(args, code)
			next++
		}
	} else if len(parts) == 2 {
		return "", nil, argIdx, &ValidationError{Param: "quantity", Message: "expected number|system|code or a bare number"}
	}

	if len(conds) == 1 {
		return conds[0], args, next, nil
	}
	return "(" + strings.Join(conds, " AND ") + ")", args, next, nil
}

func quantityValueClause(alias string, pv ParsedValue, argIdx int) (string, []interface{}, int, error) {
	n, err := strconv.ParseFloat(pv.Value, 64)
	if err != nil {
		return "", nil, argIdx, &ValidationError{Param: "quantity", Message: fmt.Sprintf("%q is not a number", pv.Value)}
	}
	switch pv.Prefix {
	case PrefixEq, PrefixNe:
		lo, hi := precisionRange(pv.Value, n)
		sql := fmt.Sprintf("(%s.value_quantity >= $%d AND %s.value_quantity < $%d)", alias, argIdx, alias, argIdx+1)
		if pv.Prefix == PrefixNe {
			sql = "NOT " + sql
		}
		return sql, []interface{}{lo, hi}, argIdx + 2, nil
	case PrefixLt, PrefixEb:
		return fmt.Sprintf("%s.value_quantity < $%d", alias, argIdx), []interface{}{n}, argIdx + 1, nil
	case PrefixGt, PrefixSa:
		return fmt.Sprintf("%s.value_quantity > $%d", alias, argIdx), []interface{}{n}, argIdx + 1, nil
	case PrefixLe:
		return fmt.Sprintf("%s.value_quantity <= $%d", alias, argIdx), []interface{}{n}, argIdx + 1, nil
	case PrefixGe:
		return fmt.Sprintf("%s.value_quantity >= $%d", alias, argIdx), []interface{}{n}, argIdx + 1, nil
	}
	return "", nil, argIdx, &ValidationError{Param: "quantity", Message: fmt.Sprintf("unsupported prefix %q", pv.Prefix)}
}

// referenceClause matches stored canonical references. "Type/id" matches
// exactly; a bare id matches any target type; a :Type modifier pins the type.
func referenceClause(alias, value string, targetType string, argIdx int) (string, []interface{}, int) {
	if targetType != "" && !strings.Contains(value, "/") {
		value = targetType + "/" + value
	}
	if strings.Contains(value, "/") {
		// Absolute URLs canonicalize to Type/id at query time too.
		if t, id, ok := CanonicalReference(value); ok {
			value = t + "/" + id
		}
		return fmt.Sprintf("%s.value_reference = $%d", alias, argIdx), []interface{}{value}, argIdx + 1
	}
	return fmt.Sprintf("%s.value_reference LIKE $%d", alias, argIdx),
		[]interface{}{"%/" + likePattern(value)}, argIdx + 1
}
