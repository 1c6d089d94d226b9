package fhir

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// IdentifierResolver resolves a logical (type, identifier) reference to a
// resource id. It is injected by the caller; extraction drops identifier-form
// references when no resolver is available, preserving the canonical-form
// invariant instead of storing free text.
type IdentifierResolver interface {
	ResolveIdentifier(ctx context.Context, resourceType, system, value string) (string, error)
}

// Extractor produces typed search index entries from a resource payload,
// driven by the declared parameter table. Extraction is best-effort relative
// to storage: a failure for one parameter is logged and skipped, and never
// fails the resource write.
type Extractor struct {
	registry *SearchParamRegistry
	resolver IdentifierResolver
	log      zerolog.Logger
}

// NewExtractor creates an Extractor over the given declarations.
func NewExtractor(registry *SearchParamRegistry, logger zerolog.Logger) *Extractor {
	return &Extractor{registry: registry, log: logger}
}

// SetIdentifierResolver installs the optional logical-reference resolver.
func (e *Extractor) SetIdentifierResolver(r IdentifierResolver) { e.resolver = r }

// Extract walks every declared parameter for the resource type and returns
// the index entries found in the payload. One parameter may yield many
// entries (repeating elements each produce one row).
func (e *Extractor) Extract(ctx context.Context, resourceType, id string, payload map[string]interface{}) ([]IndexEntry, []CompositeIndexEntry) {
	var entries []IndexEntry
	var composites []CompositeIndexEntry

	for _, def := range e.registry.All(resourceType) {
		if def.Type == SearchParamComposite {
			rows, err := e.extractComposite(def, payload)
			if err != nil {
				e.warn(resourceType, id, def.Name, err)
				continue
			}
			composites = append(composites, rows...)
			continue
		}

		values, err := e.extractParam(ctx, def, payload)
		if err != nil {
			e.warn(resourceType, id, def.Name, err)
			continue
		}
		for _, v := range values {
			entries = append(entries, IndexEntry{ParamName: def.Name, Value: v})
		}
	}

	return entries, composites
}

// warn records an ExtractionWarning. The write itself proceeds.
func (e *Extractor) warn(resourceType, id, param string, err error) {
	e.log.Warn().
		Str("resource", resourceType+"/"+id).
		Str("param", param).
		Err(err).
		Msg("search parameter extraction failed, skipping")
}

// extractParam locates the declared path in the payload and converts each hit
// into the value variant matching the declared type.
func (e *Extractor) extractParam(ctx context.Context, def SearchParamDef, payload map[string]interface{}) ([]IndexValue, error) {
	nodes := EvalPath(payload, def.Path)
	if len(nodes) == 0 {
		return nil, nil
	}

	var out []IndexValue
	for _, node := range nodes {
		values, err := convertValue(ctx, def, node, e.resolver)
		if err != nil {
			return nil, err
		}
		out = append(out, values...)
	}
	return out, nil
}

// convertValue maps one payload element onto index values of the declared
// type. The declared type decides the variant; the element shape decides how
// the variant is populated.
func convertValue(ctx context.Context, def SearchParamDef, node interface{}, resolver IdentifierResolver) ([]IndexValue, error) {
	switch def.Type {
	case SearchParamToken:
		return tokenValues(node), nil
	case SearchParamString:
		return stringValues(node), nil
	case SearchParamURI:
		if s, ok := node.(string); ok && s != "" {
			return []IndexValue{StringIndexValue{Value: s, URI: true}}, nil
		}
		return nil, nil
	case SearchParamDate:
		return dateValues(node)
	case SearchParamNumber:
		n, ok := numericValue(node)
		if !ok {
			return nil, fmt.Errorf("value %v is not numeric", node)
		}
		return []IndexValue{NumberIndexValue{Value: n}}, nil
	case SearchParamQuantity:
		return quantityValues(node)
	case SearchParamReference:
		v, ok, err := referenceValue(ctx, node, def.Targets, resolver)
		if err != nil || !ok {
			return nil, err
		}
		return []IndexValue{v}, nil
	}
	return nil, fmt.Errorf("unsupported parameter type %q", def.Type)
}

// tokenValues extracts (system, code) pairs from the shapes a token parameter
// may point at: CodeableConcept, Coding, Identifier, code string, or boolean.
func tokenValues(node interface{}) []IndexValue {
	switch v := node.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []IndexValue{TokenIndexValue{Code: v}}
	case bool:
		return []IndexValue{TokenIndexValue{Code: strconv.FormatBool(v)}}
	case map[string]interface{}:
		// CodeableConcept: one row per coding. The concept text backs the
		// display for codings without their own.
		if codings, ok := v["coding"].([]interface{}); ok {
			text, _ := v["text"].(string)
			var out []IndexValue
			for _, c := range codings {
				cm, ok := c.(map[string]interface{})
				if !ok {
					continue
				}
				code, _ := cm["code"].(string)
				if code == "" {
					continue
				}
				system, _ := cm["system"].(string)
				display, _ := cm["display"].(string)
				if display == "" {
					display = text
				}
				out = append(out, TokenIndexValue{System: system, Code: code, Display: display})
			}
			return out
		}
		// Bare Coding.
		if code, ok := v["code"].(string); ok && code != "" {
			system, _ := v["system"].(string)
			display, _ := v["display"].(string)
			return []IndexValue{TokenIndexValue{System: system, Code: code, Display: display}}
		}
		// Identifier: system + value.
		if value, ok := v["value"].(string); ok && value != "" {
			system, _ := v["system"].(string)
			return []IndexValue{TokenIndexValue{System: system, Code: value}}
		}
	}
	return nil
}

// stringValues extracts searchable text from a string, HumanName, or Address.
func stringValues(node interface{}) []IndexValue {
	switch v := node.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []IndexValue{StringIndexValue{Value: v}}
	case map[string]interface{}:
		var parts []string
		// HumanName
		parts = append(parts, collectStrings(v, "family")...)
		parts = append(parts, collectStrings(v, "given")...)
		parts = append(parts, collectStrings(v, "prefix")...)
		// Address
		parts = append(parts, collectStrings(v, "line")...)
		parts = append(parts, collectStrings(v, "city")...)
		parts = append(parts, collectStrings(v, "state")...)
		parts = append(parts, collectStrings(v, "postalCode")...)
		if len(parts) == 0 {
			parts = collectStrings(v, "text")
		}
		out := make([]IndexValue, 0, len(parts))
		for _, p := range parts {
			out = append(out, StringIndexValue{Value: p})
		}
		return out
	}
	return nil
}

func collectStrings(m map[string]interface{}, key string) []string {
	var out []string
	switch v := m[key].(type) {
	case string:
		if v != "" {
			out = append(out, v)
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// dateValues handles date/dateTime strings and Period elements.
func dateValues(node interface{}) ([]IndexValue, error) {
	switch v := node.(type) {
	case string:
		lo, hi, err := ParseDateRange(v)
		if err != nil {
			return nil, err
		}
		return []IndexValue{DateIndexValue{Lo: lo, Hi: hi}}, nil
	case map[string]interface{}:
		start, _ := v["start"].(string)
		end, _ := v["end"].(string)
		if start == "" && end == "" {
			return nil, nil
		}
		lo := time.Time{}
		hi := maxDate
		if start != "" {
			l, _, err := ParseDateRange(start)
			if err != nil {
				return nil, err
			}
			lo = l
		}
		if end != "" {
			_, h, err := ParseDateRange(end)
			if err != nil {
				return nil, err
			}
			hi = h
		}
		return []IndexValue{DateIndexValue{Lo: lo, Hi: hi}}, nil
	}
	return nil, nil
}

// quantityValues extracts value/unit/system/code from a Quantity element.
// A quantity with no unit and no code is flagged, never silently coerced.
func quantityValues(node interface{}) ([]IndexValue, error) {
	m, ok := node.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	raw, ok := m["value"]
	if !ok {
		return nil, nil
	}
	n, ok := numericValue(raw)
	if !ok {
		return nil, fmt.Errorf("quantity value %v is not numeric", raw)
	}
	unit, _ := m["unit"].(string)
	system, _ := m["system"].(string)
	code, _ := m["code"].(string)
	if unit == "" && code == "" {
		return nil, fmt.Errorf("quantity %v has no unit or code", n)
	}
	return []IndexValue{QuantityIndexValue{Value: n, Unit: unit, System: system, Code: code}}, nil
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// referenceValue normalizes the two FHIR reference encodings into canonical
// Type/id form. Anything that cannot resolve canonically, or that points at a
// type outside the parameter's declared targets, is dropped so a reference
// never lands in a string column.
func referenceValue(ctx context.Context, node interface{}, targets []string, resolver IdentifierResolver) (ReferenceIndexValue, bool, error) {
	m, ok := node.(map[string]interface{})
	if !ok {
		// A bare "Type/id" string at the declared path.
		if s, ok := node.(string); ok {
			if t, id, ok := CanonicalReference(s); ok && allowedTarget(targets, t) {
				return ReferenceIndexValue{TargetType: t, TargetID: id}, true, nil
			}
		}
		return ReferenceIndexValue{}, false, nil
	}

	if ref, ok := m["reference"].(string); ok && ref != "" {
		if t, id, ok := CanonicalReference(ref); ok && allowedTarget(targets, t) {
			return ReferenceIndexValue{TargetType: t, TargetID: id}, true, nil
		}
		return ReferenceIndexValue{}, false, nil
	}

	// Logical reference: type + identifier pair.
	refType, _ := m["type"].(string)
	ident, _ := m["identifier"].(map[string]interface{})
	if refType != "" && ident != nil {
		if !allowedTarget(targets, refType) {
			return ReferenceIndexValue{}, false, nil
		}
		if resolver == nil {
			return ReferenceIndexValue{}, false, fmt.Errorf("logical reference to %s cannot be resolved without an identifier resolver", refType)
		}
		system, _ := ident["system"].(string)
		value, _ := ident["value"].(string)
		id, err := resolver.ResolveIdentifier(ctx, refType, system, value)
		if err != nil {
			return ReferenceIndexValue{}, false, fmt.Errorf("resolve logical reference %s|%s: %w", system, value, err)
		}
		if id == "" {
			return ReferenceIndexValue{}, false, nil
		}
		return ReferenceIndexValue{TargetType: refType, TargetID: id}, true, nil
	}

	return ReferenceIndexValue{}, false, nil
}

// allowedTarget checks a reference's type against the parameter's declared
// target list. An empty declaration accepts any type.
func allowedTarget(targets []string, resourceType string) bool {
	return len(targets) == 0 || containsString(targets, resourceType)
}

// CanonicalReference parses a reference string into (Type, id). It accepts
// relative "Type/id" and absolute ".../Type/id" forms. Fragments, urn:uuid
// placeholders, and bare ids (no resolvable type) are not canonical.
func CanonicalReference(ref string) (resourceType, id string, ok bool) {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "urn:") {
		return "", "", false
	}

	// Strip version suffix: "Patient/1/_history/2" -> "Patient/1".
	if idx := strings.Index(ref, "/_history/"); idx >= 0 {
		ref = ref[:idx]
	}

	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return "", "", false
	}
	resourceType = parts[len(parts)-2]
	id = parts[len(parts)-1]

	if resourceType == "" || id == "" {
		return "", "", false
	}
	// Resource types are Pascal-case alpha; anything else (a URL host, a
	// path segment with dots) is not canonical.
	if resourceType[0] < 'A' || resourceType[0] > 'Z' {
		return "", "", false
	}
	for _, c := range resourceType {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')) {
			return "", "", false
		}
	}
	return resourceType, id, true
}

// maxDate is the open upper bound used for Periods with no end.
var maxDate = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// ParseDateRange normalizes a FHIR date literal into the closed-open range it
// covers: "2020" covers the entire year, "2020-06" the month, "2020-06-15"
// the day, and a full dateTime covers a single instant.
func ParseDateRange(s string) (lo, hi time.Time, err error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 4: // YYYY
		t, err := time.Parse("2006", s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, t.AddDate(1, 0, 0), nil
	case 7: // YYYY-MM
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, t.AddDate(0, 1, 0), nil
	case 10: // YYYY-MM-DD
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
		}
		return t, t.AddDate(0, 0, 1), nil
	}

	for _, f := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(f, s); err == nil {
			return t, t.Add(time.Second), nil
		}
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}

// extractComposite walks each instance of the repeating root element and
// binds the code component to the value component found in that same
// instance. Codes and values from different instances are never paired.
func (e *Extractor) extractComposite(def SearchParamDef, payload map[string]interface{}) ([]CompositeIndexEntry, error) {
	if len(def.Components) < 2 {
		return nil, fmt.Errorf("composite %s has %d components", def.Name, len(def.Components))
	}
	codeComp := def.Components[0]
	valueComp := def.Components[1]

	var roots []interface{}
	if def.Root == "" {
		roots = []interface{}{payload}
	} else {
		roots = EvalPath(payload, def.Root)
	}

	var out []CompositeIndexEntry
	for _, root := range roots {
		codes := tokenValuesAt(root, codeComp.Path)
		if len(codes) == 0 {
			continue
		}

		value, ok, err := compositeValueAt(root, valueComp)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		for _, code := range codes {
			out = append(out, CompositeIndexEntry{
				ParamName:  def.Name,
				CompSystem: code.System,
				CompCode:   code.Code,
				Value:      value,
			})
		}
	}
	return out, nil
}

func tokenValuesAt(root interface{}, path string) []TokenIndexValue {
	var out []TokenIndexValue
	for _, node := range EvalPath(root, path) {
		for _, v := range tokenValues(node) {
			if t, ok := v.(TokenIndexValue); ok {
				out = append(out, t)
			}
		}
	}
	return out
}

func compositeValueAt(root interface{}, comp CompositeComponent) (IndexValue, bool, error) {
	nodes := EvalPath(root, comp.Path)
	if len(nodes) == 0 {
		return nil, false, nil
	}
	node := nodes[0]

	switch comp.Type {
	case SearchParamQuantity:
		values, err := quantityValues(node)
		if err != nil || len(values) == 0 {
			return nil, false, err
		}
		return values[0], true, nil
	case SearchParamNumber:
		n, ok := numericValue(node)
		if !ok {
			return nil, false, nil
		}
		return NumberIndexValue{Value: n}, true, nil
	case SearchParamToken:
		values := tokenValues(node)
		if len(values) == 0 {
			return nil, false, nil
		}
		return values[0], true, nil
	case SearchParamString:
		values := stringValues(node)
		if len(values) == 0 {
			return nil, false, nil
		}
		return values[0], true, nil
	case SearchParamDate:
		values, err := dateValues(node)
		if err != nil || len(values) == 0 {
			return nil, false, err
		}
		return values[0], true, nil
	}
	return nil, false, fmt.Errorf("unsupported composite component type %q", comp.Type)
}
