package fhir

import "strings"

// EvalPath evaluates a dotted extraction path against a decoded JSON payload
// and returns every value it reaches. A "[*]" suffix on a segment expands a
// repeating element; arrays encountered without it are expanded too, since
// FHIR elements repeat freely. Missing segments yield no results, never an
// error.
//
// Examples:
//
//	EvalPath(obs, "code")                 -> [the code CodeableConcept]
//	EvalPath(pat, "name[*].given[*]")     -> every given name string
//	EvalPath(enc, "participant[*].individual") -> each participant reference
func EvalPath(node interface{}, path string) []interface{} {
	if path == "" {
		if node == nil {
			return nil
		}
		return []interface{}{node}
	}

	current := []interface{}{node}
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSuffix(seg, "[*]")
		if seg == "" {
			continue
		}

		var next []interface{}
		for _, n := range current {
			m, ok := n.(map[string]interface{})
			if !ok {
				continue
			}
			child, ok := m[seg]
			if !ok || child == nil {
				continue
			}
			next = append(next, flatten(child)...)
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

// flatten expands an array value into its elements; scalars and objects pass
// through as a single value.
func flatten(v interface{}) []interface{} {
	arr, ok := v.([]interface{})
	if !ok {
		return []interface{}{v}
	}
	var out []interface{}
	for _, item := range arr {
		if item != nil {
			out = append(out, item)
		}
	}
	return out
}

// EvalPathString returns only the string values a path reaches.
func EvalPathString(node interface{}, path string) []string {
	var out []string
	for _, v := range EvalPath(node, path) {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
