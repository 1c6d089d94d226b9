package fhir

import (
	"context"
	"fmt"
	"strings"
)

// SearchQuery accumulates the WHERE predicates of one planned search and
// renders the data and count statements over the same argument list.
type SearchQuery struct {
	resourceType string
	conds        []string
	args         []interface{}
	argIdx       int
	orderBy      []string
	limit        int
	offset       int
}

func newSearchQuery(resourceType string) *SearchQuery {
	return &SearchQuery{
		resourceType: resourceType,
		conds:        []string{"r.resource_type = $1", "r.deleted = FALSE"},
		args:         []interface{}{resourceType},
		argIdx:       2,
	}
}

// addCond appends one AND predicate with its args.
func (q *SearchQuery) addCond(sql string, args []interface{}, nextIdx int) {
	q.conds = append(q.conds, sql)
	q.args = append(q.args, args...)
	q.argIdx = nextIdx
}

// SelectSQL renders the data query.
func (q *SearchQuery) SelectSQL() (string, []interface{}) {
	var b strings.Builder
	b.WriteString("SELECT r.id, r.version_id, r.resource, r.last_updated FROM resource r WHERE ")
	b.WriteString(strings.Join(q.conds, " AND "))
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(q.orderBy, ", "))
	fmt.Fprintf(&b, " LIMIT %d OFFSET %d", q.limit, q.offset)
	return b.String(), q.args
}

// CountSQL renders the total query over the same predicates.
func (q *SearchQuery) CountSQL() (string, []interface{}) {
	return "SELECT COUNT(*) FROM resource r WHERE " + strings.Join(q.conds, " AND "), q.args
}

// Planner compiles parsed search parameters into SQL against the typed index.
// Every parameter is checked against the declared table before any SQL is
// generated; an undeclared parameter or a type-incompatible modifier aborts
// the whole search.
type Planner struct {
	registry    *SearchParamRegistry
	terminology TerminologyService

	defaultPageSize int
	maxPageSize     int
}

// NewPlanner creates a Planner. terminology may be nil; searches using
// :in, :not-in, :above, or :below then fail with a ValidationError.
func NewPlanner(registry *SearchParamRegistry, terminology TerminologyService, defaultPageSize, maxPageSize int) *Planner {
	return &Planner{
		registry:        registry,
		terminology:     terminology,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// Plan validates and compiles one search.
func (p *Planner) Plan(ctx context.Context, resourceType string, params []SearchParam, opts SearchOptions) (*SearchQuery, error) {
	if !p.registry.HasResourceType(resourceType) {
		return nil, &ValidationError{Param: resourceType, Message: "unknown resource type"}
	}

	q := newSearchQuery(resourceType)

	for _, sp := range params {
		if err := p.addParam(ctx, q, resourceType, sp); err != nil {
			return nil, err
		}
	}

	if err := p.addSort(q, resourceType, opts.Sort); err != nil {
		return nil, err
	}

	q.limit = p.defaultPageSize
	if opts.CountSet {
		q.limit = opts.Count
	}
	if q.limit > p.maxPageSize {
		q.limit = p.maxPageSize
	}
	q.offset = opts.Offset

	return q, nil
}

// addParam routes one filter to the right predicate builder.
func (p *Planner) addParam(ctx context.Context, q *SearchQuery, resourceType string, sp SearchParam) error {
	if sp.Has != nil {
		return p.addHas(ctx, q, resourceType, sp)
	}

	switch sp.Name {
	case "_id":
		return p.addIDFilter(q, sp)
	case "_lastUpdated":
		return p.addLastUpdatedFilter(q, sp)
	}

	def, err := p.registry.Lookup(resourceType, sp.Name)
	if err != nil {
		return err
	}

	if sp.Chain != "" {
		return p.addChain(ctx, q, def, sp)
	}

	if sp.Modifier == ModifierMissing {
		return p.addMissing(q, def, sp)
	}
	if err := validateModifier(def, sp.Modifier); err != nil {
		return err
	}

	if def.Type == SearchParamComposite {
		return p.addComposite(q, def, sp)
	}

	ors, args, next, err := p.valueClauses(ctx, "si", def, sp, q.argIdx+1)
	if err != nil {
		return err
	}

	exists := "EXISTS"
	if sp.Modifier == ModifierNot || sp.Modifier == ModifierNotIn {
		exists = "NOT EXISTS"
	}
	sql := fmt.Sprintf(
		"%s (SELECT 1 FROM search_index si WHERE si.resource_type = r.resource_type AND si.resource_id = r.id AND si.param_name = $%d AND (%s))",
		exists, q.argIdx, strings.Join(ors, " OR "))
	q.addCond(sql, append([]interface{}{sp.Name}, args...), next)
	return nil
}

// valueClauses builds the OR alternatives for one filter's values.
func (p *Planner) valueClauses(ctx context.Context, alias string, def SearchParamDef, sp SearchParam, argIdx int) ([]string, []interface{}, int, error) {
	var ors []string
	var args []interface{}

	for _, raw := range sp.Values {
		if !def.Type.Ordered() {
			if pfx, ok := strayPrefix(raw); ok {
				return nil, nil, argIdx, &ValidationError{
					Param:   def.Name,
					Message: fmt.Sprintf("prefix %q does not apply to %s parameters", pfx, def.Type),
				}
			}
		}

		var (
			sql  string
			as   []interface{}
			next int
			err  error
		)
		switch {
		case def.Type == SearchParamToken && sp.Modifier == ModifierText:
			sql, as, next = tokenTextClause(alias, raw, argIdx)
		case def.Type == SearchParamToken && (sp.Modifier == ModifierIn || sp.Modifier == ModifierNotIn):
			sql, as, next, err = p.valueSetClause(ctx, alias, def, raw, argIdx)
		case def.Type == SearchParamToken && (sp.Modifier == ModifierAbove || sp.Modifier == ModifierBelow):
			sql, as, next, err = p.subsumptionClause(ctx, alias, def, sp.Modifier, raw, argIdx)
		case def.Type == SearchParamToken:
			sql, as, next = tokenClause(alias, raw, argIdx)
		case def.Type == SearchParamString:
			sql, as, next = stringClause(alias, raw, sp.Modifier, argIdx)
		case def.Type == SearchParamURI:
			sql, as, next = uriClause(alias, raw, argIdx)
		case def.Type == SearchParamDate:
			sql, as, next, err = dateClause(alias, ParseSearchValue(raw), argIdx)
		case def.Type == SearchParamNumber:
			sql, as, next, err = numberClause(alias, ParseSearchValue(raw), argIdx)
		case def.Type == SearchParamQuantity:
			sql, as, next, err = quantityClause(alias, raw, argIdx)
		case def.Type == SearchParamReference:
			targetType := ""
			if sp.Modifier != "" && sp.Modifier != ModifierMissing {
				targetType = string(sp.Modifier)
			}
			sql, as, next = referenceClause(alias, raw, targetType, argIdx)
		default:
			err = &ValidationError{Param: def.Name, Message: fmt.Sprintf("unsupported parameter type %q", def.Type)}
		}
		if err != nil {
			return nil, nil, argIdx, err
		}

		ors = append(ors, sql)
		args = append(args, as...)
		argIdx = next
	}
	return ors, args, argIdx, nil
}

// valueSetClause expands a ValueSet URL into its coded members.
func (p *Planner) valueSetClause(ctx context.Context, alias string, def SearchParamDef, vsURL string, argIdx int) (string, []interface{}, int, error) {
	if p.terminology == nil {
		return "", nil, argIdx, &ValidationError{Param: def.Name, Message: "modifier requires a terminology service"}
	}
	codes, err := p.terminology.ExpandValueSet(ctx, vsURL)
	if err != nil {
		return "", nil, argIdx, fmt.Errorf("expand value set %s: %w", vsURL, err)
	}
	return codeSetClause(alias, def.Name, codes, argIdx)
}

// subsumptionClause expands a code to its ancestors (:above) or descendants
// (:below) in the code system hierarchy.
func (p *Planner) subsumptionClause(ctx context.Context, alias string, def SearchParamDef, modifier SearchModifier, raw string, argIdx int) (string, []interface{}, int, error) {
	if p.terminology == nil {
		return "", nil, argIdx, &ValidationError{Param: def.Name, Message: "modifier requires a terminology service"}
	}
	system, code, hasBar := splitToken(raw)
	if !hasBar || system == "" || code == "" {
		return "", nil, argIdx, &ValidationError{Param: def.Name, Message: fmt.Sprintf("modifier :%s requires system|code, got %q", modifier, raw)}
	}

	var codes []TokenIndexValue
	var err error
	if modifier == ModifierBelow {
		codes, err = p.terminology.Subsumed(ctx, system, code)
	} else {
		codes, err = p.terminology.Subsuming(ctx, system, code)
	}
	if err != nil {
		return "", nil, argIdx, fmt.Errorf("expand %s|%s: %w", system, code, err)
	}
	return codeSetClause(alias, def.Name, codes, argIdx)
}

// codeSetClause ORs exact (system, code) matches over an expanded code set.
func codeSetClause(alias, param string, codes []TokenIndexValue, argIdx int) (string, []interface{}, int, error) {
	if len(codes) == 0 {
		// An empty expansion matches nothing.
		return "FALSE", nil, argIdx, nil
	}
	var ors []string
	var args []interface{}
	for _, c := range codes {
		if c.System == "" {
			ors = append(ors, fmt.Sprintf("%s.token_code = $%d", alias, argIdx))
			args = append(args, c.Code)
			argIdx++
			continue
		}
		ors = append(ors, fmt.Sprintf("(%s.token_system = $%d AND %s.token_code = $%d)", alias, argIdx, alias, argIdx+1))
		args = append(args, c.System, c.Code)
		argIdx += 2
	}
	return "(" + strings.Join(ors, " OR ") + ")", args, argIdx, nil
}

// addMissing builds the presence/absence predicate. :missing=true matches
// resources with no entry for the parameter at all.
func (p *Planner) addMissing(q *SearchQuery, def SearchParamDef, sp SearchParam) error {
	if len(sp.Values) != 1 || (sp.Values[0] != "true" && sp.Values[0] != "false") {
		return &ValidationError{Param: def.Name, Message: ":missing takes exactly one of true or false"}
	}
	exists := "EXISTS"
	if sp.Values[0] == "true" {
		exists = "NOT EXISTS"
	}
	table := "search_index"
	if def.Type == SearchParamComposite {
		table = "search_index_composite"
	}
	sql := fmt.Sprintf(
		"%s (SELECT 1 FROM %s si WHERE si.resource_type = r.resource_type AND si.resource_id = r.id AND si.param_name = $%d)",
		exists, table, q.argIdx)
	q.addCond(sql, []interface{}{def.Name}, q.argIdx+1)
	return nil
}

// addChain builds a single-hop chained search: filter by a parameter of the
// referenced resource. The target type comes from the :Type modifier or, when
// the reference declares exactly one target, from the declaration.
func (p *Planner) addChain(ctx context.Context, q *SearchQuery, def SearchParamDef, sp SearchParam) error {
	if def.Type != SearchParamReference {
		return &ValidationError{Param: sp.Name, Message: "chained search requires a reference parameter"}
	}

	targetType := sp.ChainType
	if targetType == "" {
		if len(def.Targets) != 1 {
			return &ValidationError{
				Param:   sp.Name,
				Message: fmt.Sprintf("reference has %d possible target types, specify one as %s:Type.%s", len(def.Targets), sp.Name, sp.Chain),
			}
		}
		targetType = def.Targets[0]
	} else if len(def.Targets) > 0 && !containsString(def.Targets, targetType) {
		return &ValidationError{Param: sp.Name, Message: fmt.Sprintf("%s is not a declared target of %s", targetType, sp.Name)}
	}

	innerDef, err := p.registry.Lookup(targetType, sp.Chain)
	if err != nil {
		return err
	}

	innerSp := SearchParam{Name: sp.Chain, Values: sp.Values}
	ors, args, next, err := p.valueClauses(ctx, "t", innerDef, innerSp, q.argIdx+3)
	if err != nil {
		return err
	}

	sql := fmt.Sprintf(
		`EXISTS (SELECT 1 FROM search_index si WHERE si.resource_type = r.resource_type AND si.resource_id = r.id AND si.param_name = $%d `+
			`AND EXISTS (SELECT 1 FROM search_index t WHERE (t.resource_type || '/' || t.resource_id) = si.value_reference `+
			`AND t.resource_type = $%d AND t.param_name = $%d AND (%s)))`,
		q.argIdx, q.argIdx+1, q.argIdx+2, strings.Join(ors, " OR "))
	q.addCond(sql, append([]interface{}{sp.Name, targetType, sp.Chain}, args...), next)
	return nil
}

// addHas builds a reverse chain: keep resources referenced by a target
// resource that itself matches a filter.
func (p *Planner) addHas(ctx context.Context, q *SearchQuery, resourceType string, sp SearchParam) error {
	has := sp.Has

	refDef, err := p.registry.Lookup(has.TargetType, has.RefParam)
	if err != nil {
		return err
	}
	if refDef.Type != SearchParamReference {
		return &ValidationError{Param: has.RefParam, Message: fmt.Sprintf("_has requires a reference parameter, %s is %s", has.RefParam, refDef.Type)}
	}
	if len(refDef.Targets) > 0 && !containsString(refDef.Targets, resourceType) {
		return &ValidationError{Param: has.RefParam, Message: fmt.Sprintf("%s.%s cannot reference %s", has.TargetType, has.RefParam, resourceType)}
	}

	innerDef, err := p.registry.Lookup(has.TargetType, has.SearchParam)
	if err != nil {
		return err
	}

	innerSp := SearchParam{Name: has.SearchParam, Values: sp.Values}
	ors, args, next, err := p.valueClauses(ctx, "t", innerDef, innerSp, q.argIdx+3)
	if err != nil {
		return err
	}

	sql := fmt.Sprintf(
		`EXISTS (SELECT 1 FROM search_index ref WHERE ref.resource_type = $%d AND ref.param_name = $%d `+
			`AND ref.value_reference = (r.resource_type || '/' || r.id) `+
			`AND EXISTS (SELECT 1 FROM search_index t WHERE t.resource_type = ref.resource_type AND t.resource_id = ref.resource_id `+
			`AND t.param_name = $%d AND (%s)))`,
		q.argIdx, q.argIdx+1, q.argIdx+2, strings.Join(ors, " OR "))
	q.addCond(sql, append([]interface{}{has.TargetType, has.RefParam, has.SearchParam}, args...), next)
	return nil
}

// addComposite matches a "code$value" pair against rows extracted from the
// same sub-element. The table layout guarantees the binding: both halves live
// in one row.
func (p *Planner) addComposite(q *SearchQuery, def SearchParamDef, sp SearchParam) error {
	if len(def.Components) < 2 {
		return &ValidationError{Param: def.Name, Message: "composite parameter has no component declarations"}
	}

	var ors []string
	var args []interface{}
	argIdx := q.argIdx + 1

	for _, raw := range sp.Values {
		parts := strings.SplitN(raw, "$", 2)
		if len(parts) != 2 {
			return &ValidationError{Param: def.Name, Message: fmt.Sprintf("composite value must be code$value, got %q", raw)}
		}

		codeSQL, codeArgs, next := compositeCodeClause("sc", parts[0], argIdx)
		args = append(args, codeArgs...)
		argIdx = next

		valueSQL, valueArgs, next, err := compositeValueClause("sc", def.Components[1].Type, parts[1], argIdx)
		if err != nil {
			return err
		}
		args = append(args, valueArgs...)
		argIdx = next

		ors = append(ors, "("+codeSQL+" AND "+valueSQL+")")
	}

	sql := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM search_index_composite sc WHERE sc.resource_type = r.resource_type AND sc.resource_id = r.id AND sc.param_name = $%d AND (%s))",
		q.argIdx, strings.Join(ors, " OR "))
	q.addCond(sql, append([]interface{}{def.Name}, args...), argIdx)
	return nil
}

// compositeCodeClause matches the bound component code.
func compositeCodeClause(alias, value string, argIdx int) (string, []interface{}, int) {
	system, code, hasBar := splitToken(value)
	if !hasBar {
		return fmt.Sprintf("%s.comp_code = $%d", alias, argIdx), []interface{}{code}, argIdx + 1
	}
	if system == "" {
		return fmt.Sprintf("(%s.comp_system IS NULL AND %s.comp_code = $%d)", alias, alias, argIdx),
			[]interface{}{code}, argIdx + 1
	}
	return fmt.Sprintf("(%s.comp_system = $%d AND %s.comp_code = $%d)", alias, argIdx, alias, argIdx+1),
		[]interface{}{system, code}, argIdx + 2
}

// compositeValueClause matches the value half against the composite table's
// value columns.
func compositeValueClause(alias string, t SearchParamType, raw string, argIdx int) (string, []interface{}, int, error) {
	pv := ParseSearchValue(raw)
	switch t {
	case SearchParamQuantity, SearchParamNumber:
		// Composite rows store the numeric value; unit filtering would need
		// per-component quantity columns, which the extraction does not keep.
		numRaw := raw
		if bar := strings.Index(raw, "|"); bar >= 0 {
			numRaw = raw[:bar]
		}
		return numberClause(alias, ParseSearchValue(numRaw), argIdx)
	case SearchParamDate:
		return dateClause(alias, pv, argIdx)
	case SearchParamString:
		sql, args, next := stringClause(alias, raw, "", argIdx)
		return sql, args, next, nil
	case SearchParamToken:
		system, code, hasBar := splitToken(raw)
		if !hasBar {
			return fmt.Sprintf("%s.value_token_code = $%d", alias, argIdx), []interface{}{code}, argIdx + 1, nil
		}
		if system == "" {
			return fmt.Sprintf("(%s.value_token_system IS NULL AND %s.value_token_code = $%d)", alias, alias, argIdx),
				[]interface{}{code}, argIdx + 1, nil
		}
		return fmt.Sprintf("(%s.value_token_system = $%d AND %s.value_token_code = $%d)", alias, argIdx, alias, argIdx+1),
			[]interface{}{system, code}, argIdx + 2, nil
	}
	return "", nil, argIdx, &ValidationError{Message: fmt.Sprintf("unsupported composite component type %q", t)}
}

// addIDFilter matches the resource id directly.
func (p *Planner) addIDFilter(q *SearchQuery, sp SearchParam) error {
	if sp.Modifier != "" {
		return &ValidationError{Param: "_id", Message: "modifiers do not apply to _id"}
	}
	var ors []string
	var args []interface{}
	argIdx := q.argIdx
	for _, v := range sp.Values {
		ors = append(ors, fmt.Sprintf("r.id = $%d", argIdx))
		args = append(args, v)
		argIdx++
	}
	q.addCond("("+strings.Join(ors, " OR ")+")", args, argIdx)
	return nil
}

// addLastUpdatedFilter applies date prefixes to the version timestamp.
func (p *Planner) addLastUpdatedFilter(q *SearchQuery, sp SearchParam) error {
	argIdx := q.argIdx
	var ors []string
	var args []interface{}
	for _, raw := range sp.Values {
		pv := ParseSearchValue(raw)
		qlo, qhi, err := ParseDateRange(pv.Value)
		if err != nil {
			return &ValidationError{Param: "_lastUpdated", Message: err.Error()}
		}
		var sql string
		switch pv.Prefix {
		case PrefixEq:
			sql = fmt.Sprintf("(r.last_updated >= $%d AND r.last_updated < $%d)", argIdx, argIdx+1)
			args = append(args, qlo, qhi)
			argIdx += 2
		case PrefixNe:
			sql = fmt.Sprintf("(r.last_updated < $%d OR r.last_updated >= $%d)", argIdx, argIdx+1)
			args = append(args, qlo, qhi)
			argIdx += 2
		case PrefixLt, PrefixEb:
			sql = fmt.Sprintf("r.last_updated < $%d", argIdx)
			args = append(args, qlo)
			argIdx++
		case PrefixGt, PrefixSa:
			sql = fmt.Sprintf("r.last_updated >= $%d", argIdx)
			args = append(args, qhi)
			argIdx++
		case PrefixLe:
			sql = fmt.Sprintf("r.last_updated < $%d", argIdx)
			args = append(args, qhi)
			argIdx++
		case PrefixGe:
			sql = fmt.Sprintf("r.last_updated >= $%d", argIdx)
			args = append(args, qlo)
			argIdx++
		default:
			return &ValidationError{Param: "_lastUpdated", Message: fmt.Sprintf("unsupported prefix %q", pv.Prefix)}
		}
		ors = append(ors, sql)
	}
	q.addCond("("+strings.Join(ors, " OR ")+")", args, argIdx)
	return nil
}

// sortColumns maps parameter types to the index column that orders them.
var sortColumns = map[SearchParamType]string{
	SearchParamString:   "value_string",
	SearchParamURI:      "value_string",
	SearchParamDate:     "value_date_lo",
	SearchParamNumber:   "value_number",
	SearchParamQuantity: "value_quantity",
	SearchParamToken:    "token_code",
}

// addSort builds ORDER BY. _lastUpdated and _id order on resource columns;
// declared parameters order on a correlated minimum over their index rows.
// The (last_updated DESC, id) tie-breaker keeps paging stable.
func (p *Planner) addSort(q *SearchQuery, resourceType string, fields []SortField) error {
	for _, f := range fields {
		dir := "ASC"
		if f.Desc {
			dir = "DESC"
		}
		switch f.Param {
		case "_lastUpdated":
			q.orderBy = append(q.orderBy, "r.last_updated "+dir)
		case "_id":
			q.orderBy = append(q.orderBy, "r.id "+dir)
		default:
			def, err := p.registry.Lookup(resourceType, f.Param)
			if err != nil {
				return err
			}
			col, ok := sortColumns[def.Type]
			if !ok {
				return &ValidationError{Param: f.Param, Message: fmt.Sprintf("cannot sort on %s parameters", def.Type)}
			}
			sub := fmt.Sprintf(
				"(SELECT MIN(s.%s) FROM search_index s WHERE s.resource_type = r.resource_type AND s.resource_id = r.id AND s.param_name = $%d)",
				col, q.argIdx)
			q.args = append(q.args, f.Param)
			q.argIdx++
			q.orderBy = append(q.orderBy, fmt.Sprintf("%s %s NULLS LAST", sub, dir))
		}
	}
	q.orderBy = append(q.orderBy, "r.last_updated DESC", "r.id")
	return nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
