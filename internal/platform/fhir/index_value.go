package fhir

import (
	"time"
)

// IndexValue is the tagged-union value of a search index entry. Exactly one
// concrete variant backs each entry, and each variant maps to exactly one
// column family in the search_index table. Routing a reference into a string
// slot is therefore a compile-time impossibility, not a data-quality bug.
type IndexValue interface {
	// ParamType returns the declared type this value satisfies.
	ParamType() SearchParamType
	indexValue()
}

// TokenIndexValue holds a (system, code) pair. Display carries the coding
// display or concept text for the :text modifier and is never matched by
// plain token searches.
type TokenIndexValue struct {
	System  string
	Code    string
	Display string
}

func (TokenIndexValue) ParamType() SearchParamType { return SearchParamToken }
func (TokenIndexValue) indexValue()                {}

// StringIndexValue holds free text for string and uri parameters.
type StringIndexValue struct {
	Value string
	// URI distinguishes uri-typed parameters, which match exactly.
	URI bool
}

func (v StringIndexValue) ParamType() SearchParamType {
	if v.URI {
		return SearchParamURI
	}
	return SearchParamString
}
func (StringIndexValue) indexValue() {}

// DateIndexValue holds a closed-open [Lo, Hi) range. Partial dates normalize
// into the full covered range: "2020" covers [2020-01-01, 2021-01-01).
type DateIndexValue struct {
	Lo time.Time
	Hi time.Time
}

func (DateIndexValue) ParamType() SearchParamType { return SearchParamDate }
func (DateIndexValue) indexValue()                {}

// NumberIndexValue holds a plain numeric value.
type NumberIndexValue struct {
	Value float64
}

func (NumberIndexValue) ParamType() SearchParamType { return SearchParamNumber }
func (NumberIndexValue) indexValue()                {}

// QuantityIndexValue holds a numeric value with its unit and coded system.
type QuantityIndexValue struct {
	Value  float64
	Unit   string
	System string
	Code   string
}

func (QuantityIndexValue) ParamType() SearchParamType { return SearchParamQuantity }
func (QuantityIndexValue) indexValue()                {}

// ReferenceIndexValue holds a canonicalized reference. Only values that
// resolved to a Type/id form are ever constructed; anything else is dropped
// at extraction time.
type ReferenceIndexValue struct {
	TargetType string
	TargetID   string
}

func (ReferenceIndexValue) ParamType() SearchParamType { return SearchParamReference }
func (ReferenceIndexValue) indexValue()                {}

// Canonical returns the stored "Type/id" form.
func (v ReferenceIndexValue) Canonical() string {
	return v.TargetType + "/" + v.TargetID
}

// IndexEntry is one extracted search index row for a resource version.
type IndexEntry struct {
	ParamName string
	Value     IndexValue
}

// CompositeIndexEntry binds a component code to a component value taken from
// the same sub-element. Value is one of TokenIndexValue, QuantityIndexValue,
// NumberIndexValue, StringIndexValue, or DateIndexValue.
type CompositeIndexEntry struct {
	ParamName  string
	CompSystem string
	CompCode   string
	Value      IndexValue
}

// Edge is one occurrence of a reference-valued field, used for compartment
// derivation, _include/_revinclude, and _has.
type Edge struct {
	FromType string
	FromID   string
	Path     string // the reference search parameter name
	ToType   string
	ToID     string
}
