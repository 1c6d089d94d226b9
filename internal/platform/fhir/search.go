package fhir

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// SearchPrefix represents a FHIR search prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
)

// SearchModifier represents a FHIR search modifier.
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierText     SearchModifier = "text"
	ModifierNot      SearchModifier = "not"
	ModifierAbove    SearchModifier = "above"
	ModifierBelow    SearchModifier = "below"
	ModifierIn       SearchModifier = "in"
	ModifierNotIn    SearchModifier = "not-in"
	ModifierMissing  SearchModifier = "missing"
)

// modifiersByType lists the modifiers each parameter type accepts.
var modifiersByType = map[SearchParamType]map[SearchModifier]bool{
	SearchParamString: {
		ModifierExact: true, ModifierContains: true, ModifierMissing: true,
	},
	SearchParamToken: {
		ModifierText: true, ModifierNot: true, ModifierAbove: true,
		ModifierBelow: true, ModifierIn: true, ModifierNotIn: true,
		ModifierMissing: true,
	},
	SearchParamDate:      {ModifierMissing: true},
	SearchParamNumber:    {ModifierMissing: true},
	SearchParamQuantity:  {ModifierMissing: true},
	SearchParamReference: {ModifierMissing: true},
	SearchParamURI:       {ModifierMissing: true},
	SearchParamComposite: {ModifierMissing: true},
}

// ParsedValue holds one search value with its comparison prefix.
type ParsedValue struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a FHIR search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb:
			return ParsedValue{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// strayPrefix reports an ordering prefix at the head of a value meant for a
// type prefixes do not apply to. Only a prefix followed by a digit or sign
// counts: codes that merely start with prefix letters ("negative", "lesion")
// are literals.
func strayPrefix(raw string) (SearchPrefix, bool) {
	pv := ParseSearchValue(raw)
	if pv.Value == raw || pv.Value == "" {
		return "", false
	}
	if c := pv.Value[0]; (c >= '0' && c <= '9') || c == '-' || c == '+' {
		return pv.Prefix, true
	}
	return "", false
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// SearchParam is one parsed search filter. Multiple values combine with OR;
// separate SearchParams combine with AND.
type SearchParam struct {
	Name     string
	Modifier SearchModifier

	// Chain and ChainType carry chained searches ("subject.name=Smith",
	// "subject:Patient.name=Smith"). Name then holds the reference parameter.
	Chain     string
	ChainType string

	// Has carries a reverse-chain (_has) filter; Name is empty.
	Has *HasClause

	// Values are the comma-separated OR alternatives, raw (prefix included).
	Values []string
}

// HasClause is a parsed _has parameter.
// "_has:Observation:patient:code=2339-0" -> Observation, patient, code.
type HasClause struct {
	TargetType  string // the resource type referencing the searched type
	RefParam    string // the reference parameter on the target
	SearchParam string // the filter parameter on the target
}

// IncludeSpec is one parsed _include or _revinclude directive,
// "SourceType:param" with an optional ":TargetType" restriction.
type IncludeSpec struct {
	SourceType string
	Param      string
	TargetType string
}

// TotalMode controls whether search runs the COUNT query.
type TotalMode string

const (
	TotalAccurate TotalMode = "accurate"
	TotalNone     TotalMode = "none"
)

// SortField is one _sort component.
type SortField struct {
	Param string
	Desc  bool
}

// SearchOptions carries the control parameters of one search.
type SearchOptions struct {
	Count       int
	CountSet    bool
	Offset      int
	Sort        []SortField
	Total       TotalMode
	Includes    []IncludeSpec
	RevIncludes []IncludeSpec
}

// ParseQuery splits a raw query into search filters and control options.
// Repeated names AND together; comma-separated values OR within one filter.
// Malformed control values are ValidationErrors, surfaced verbatim.
func ParseQuery(values url.Values) ([]SearchParam, SearchOptions, error) {
	opts := SearchOptions{Count: -1, Offset: 0, Total: TotalAccurate}
	var params []SearchParam

	// Deterministic parse order.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, raw := range values[key] {
			switch {
			case key == "_count":
				n, err := strconv.Atoi(raw)
				if err != nil || n < 0 {
					return nil, opts, &ValidationError{Param: "_count", Message: fmt.Sprintf("must be a non-negative integer, got %q", raw)}
				}
				opts.Count = n
				opts.CountSet = true

			case key == "_offset":
				n, err := strconv.Atoi(raw)
				if err != nil || n < 0 {
					return nil, opts, &ValidationError{Param: "_offset", Message: fmt.Sprintf("must be a non-negative integer, got %q", raw)}
				}
				opts.Offset = n

			case key == "_sort":
				for _, field := range strings.Split(raw, ",") {
					field = strings.TrimSpace(field)
					if field == "" {
						continue
					}
					desc := strings.HasPrefix(field, "-")
					opts.Sort = append(opts.Sort, SortField{Param: strings.TrimPrefix(field, "-"), Desc: desc})
				}

			case key == "_total":
				switch strings.ToLower(raw) {
				case "none":
					opts.Total = TotalNone
				case "accurate", "":
					opts.Total = TotalAccurate
				default:
					return nil, opts, &ValidationError{Param: "_total", Message: fmt.Sprintf("unsupported mode %q", raw)}
				}

			case key == "_include":
				spec, err := parseIncludeSpec("_include", raw)
				if err != nil {
					return nil, opts, err
				}
				opts.Includes = append(opts.Includes, spec)

			case key == "_revinclude":
				spec, err := parseIncludeSpec("_revinclude", raw)
				if err != nil {
					return nil, opts, err
				}
				opts.RevIncludes = append(opts.RevIncludes, spec)

			case strings.HasPrefix(key, "_has:"):
				has, err := parseHasKey(key)
				if err != nil {
					return nil, opts, err
				}
				params = append(params, SearchParam{Has: has, Values: splitOrValues(raw)})

			default:
				p, err := parseFilterKey(key)
				if err != nil {
					return nil, opts, err
				}
				p.Values = splitOrValues(raw)
				params = append(params, p)
			}
		}
	}

	return params, opts, nil
}

// parseFilterKey handles plain, modified, and chained parameter names.
func parseFilterKey(key string) (SearchParam, error) {
	// Chained: "subject.name" or "subject:Patient.name". At most one hop.
	if dot := strings.Index(key, "."); dot >= 0 {
		head := key[:dot]
		chain := key[dot+1:]
		if chain == "" || strings.Contains(chain, ".") {
			return SearchParam{}, &ValidationError{Param: key, Message: "chained searches support exactly one hop"}
		}
		name, chainType := head, ""
		if colon := strings.Index(head, ":"); colon >= 0 {
			name = head[:colon]
			chainType = head[colon+1:]
		}
		return SearchParam{Name: name, Chain: chain, ChainType: chainType}, nil
	}

	name, modifier := ParseParamModifier(key)
	if name == "" {
		return SearchParam{}, &ValidationError{Param: key, Message: "empty parameter name"}
	}
	return SearchParam{Name: name, Modifier: modifier}, nil
}

// parseHasKey parses "_has:Type:refParam:searchParam".
func parseHasKey(key string) (*HasClause, error) {
	rest := strings.TrimPrefix(key, "_has:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, &ValidationError{Param: key, Message: "expected _has:Type:refParam:searchParam"}
	}
	if strings.Contains(parts[2], ":") {
		return nil, &ValidationError{Param: key, Message: "nested _has is not supported"}
	}
	return &HasClause{TargetType: parts[0], RefParam: parts[1], SearchParam: parts[2]}, nil
}

func parseIncludeSpec(directive, raw string) (IncludeSpec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return IncludeSpec{}, &ValidationError{
			Param:   directive,
			Message: fmt.Sprintf("expected ResourceType:param[:TargetType], got %q", raw),
		}
	}
	spec := IncludeSpec{SourceType: parts[0], Param: parts[1]}
	if len(parts) == 3 {
		spec.TargetType = parts[2]
	}
	return spec, nil
}

// splitOrValues splits comma-separated OR alternatives, honoring backslash
// escapes per the FHIR search grammar.
func splitOrValues(raw string) []string {
	var values []string
	var current strings.Builder
	escaped := false
	for _, c := range raw {
		switch {
		case escaped:
			current.WriteRune(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == ',':
			values = append(values, current.String())
			current.Reset()
		default:
			current.WriteRune(c)
		}
	}
	values = append(values, current.String())
	return values
}

// validateModifier checks a modifier against the parameter's declared type.
// On references a capitalized modifier restricts the target type
// ("subject:Patient=123") and is validated against the declared targets.
func validateModifier(def SearchParamDef, modifier SearchModifier) error {
	if modifier == "" {
		return nil
	}
	if def.Type == SearchParamReference && modifier[0] >= 'A' && modifier[0] <= 'Z' {
		for _, t := range def.Targets {
			if t == string(modifier) {
				return nil
			}
		}
		if len(def.Targets) == 0 {
			return nil
		}
		return &ValidationError{
			Param:   def.Name,
			Message: fmt.Sprintf("%s is not a declared target type of %s", modifier, def.Name),
		}
	}
	if allowed := modifiersByType[def.Type]; allowed[modifier] {
		return nil
	}
	return &ValidationError{
		Param:   def.Name,
		Message: fmt.Sprintf("modifier :%s is not valid for %s parameters", modifier, def.Type),
	}
}
