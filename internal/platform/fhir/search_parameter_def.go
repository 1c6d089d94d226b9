package fhir

import (
	"fmt"
	"sync"
)

// SearchParamType is the declared FHIR type of a search parameter. It selects
// which value family an index entry populates and which clause shapes the
// planner may build.
type SearchParamType string

const (
	SearchParamToken     SearchParamType = "token"
	SearchParamString    SearchParamType = "string"
	SearchParamDate      SearchParamType = "date"
	SearchParamNumber    SearchParamType = "number"
	SearchParamQuantity  SearchParamType = "quantity"
	SearchParamReference SearchParamType = "reference"
	SearchParamURI       SearchParamType = "uri"
	SearchParamComposite SearchParamType = "composite"
)

// validSearchParamTypes enumerates the allowed SearchParamType values.
var validSearchParamTypes = map[SearchParamType]bool{
	SearchParamToken:     true,
	SearchParamString:    true,
	SearchParamDate:      true,
	SearchParamNumber:    true,
	SearchParamQuantity:  true,
	SearchParamReference: true,
	SearchParamURI:       true,
	SearchParamComposite: true,
}

// Ordered reports whether prefix operators (gt, lt, ge, le, sa, eb) apply to
// this parameter type.
func (t SearchParamType) Ordered() bool {
	switch t {
	case SearchParamDate, SearchParamNumber, SearchParamQuantity:
		return true
	}
	return false
}

// CompositeComponent describes one component of a composite search parameter.
// Path is relative to the repeating element root.
type CompositeComponent struct {
	Path string
	Type SearchParamType
}

// SearchParamDef declares a single search parameter for one resource type:
// its name, type, and the extraction path into the resource payload.
// The extractor derives zero, one, or many index entries from each Path hit
// depending on the element shape (CodeableConcept, Coding, Identifier,
// Reference, Period, Quantity, or primitive).
type SearchParamDef struct {
	Name string
	Type SearchParamType
	Path string

	// Targets lists allowed target resource types for reference parameters.
	Targets []string

	// Root and Components configure composite parameters. Root is the path
	// of the repeating element ("" means the resource root); each component's
	// Path is evaluated within one element instance, never across instances.
	Root       string
	Components []CompositeComponent
}

// SearchParamRegistry holds the declared search parameters per resource type.
// It is loaded at startup and safe for concurrent reads.
type SearchParamRegistry struct {
	mu   sync.RWMutex
	defs map[string]map[string]SearchParamDef
}

// NewSearchParamRegistry creates an empty registry.
func NewSearchParamRegistry() *SearchParamRegistry {
	return &SearchParamRegistry{
		defs: make(map[string]map[string]SearchParamDef),
	}
}

// Register adds a parameter declaration for a resource type. It returns an
// error if the definition's type is unknown or the definition is incomplete.
func (r *SearchParamRegistry) Register(resourceType string, def SearchParamDef) error {
	if def.Name == "" {
		return fmt.Errorf("search parameter name is required")
	}
	if !validSearchParamTypes[def.Type] {
		return fmt.Errorf("search parameter %s: unknown type %q", def.Name, def.Type)
	}
	if def.Type == SearchParamComposite && len(def.Components) < 2 {
		return fmt.Errorf("composite parameter %s requires at least two components", def.Name)
	}
	if def.Type != SearchParamComposite && def.Path == "" {
		return fmt.Errorf("search parameter %s: extraction path is required", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defs[resourceType] == nil {
		r.defs[resourceType] = make(map[string]SearchParamDef)
	}
	r.defs[resourceType][def.Name] = def
	return nil
}

// Lookup resolves a declared parameter. An undeclared name is a
// ValidationError: searches must fail fast rather than silently ignore a
// filter.
func (r *SearchParamRegistry) Lookup(resourceType, name string) (SearchParamDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	params, ok := r.defs[resourceType]
	if !ok {
		return SearchParamDef{}, &ValidationError{
			Param:   name,
			Message: fmt.Sprintf("resource type %q has no declared search parameters", resourceType),
		}
	}
	def, ok := params[name]
	if !ok {
		return SearchParamDef{}, &ValidationError{
			Param:   name,
			Message: fmt.Sprintf("not declared for resource type %q", resourceType),
		}
	}
	return def, nil
}

// All returns every declared parameter for a resource type.
func (r *SearchParamRegistry) All(resourceType string) []SearchParamDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	params := r.defs[resourceType]
	out := make([]SearchParamDef, 0, len(params))
	for _, def := range params {
		out = append(out, def)
	}
	return out
}

// HasResourceType reports whether any parameters are declared for the type.
func (r *SearchParamRegistry) HasResourceType(resourceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[resourceType]
	return ok
}

// DefaultRegistry returns a registry pre-loaded with the standard FHIR R4
// search parameters for the core clinical resource types.
func DefaultRegistry() *SearchParamRegistry {
	r := NewSearchParamRegistry()

	register := func(resourceType string, defs ...SearchParamDef) {
		for _, def := range defs {
			// Definitions below are static and validated by tests.
			_ = r.Register(resourceType, def)
		}
	}

	register("Patient",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "name", Type: SearchParamString, Path: "name[*]"},
		SearchParamDef{Name: "family", Type: SearchParamString, Path: "name[*].family"},
		SearchParamDef{Name: "given", Type: SearchParamString, Path: "name[*].given[*]"},
		SearchParamDef{Name: "birthdate", Type: SearchParamDate, Path: "birthDate"},
		SearchParamDef{Name: "gender", Type: SearchParamToken, Path: "gender"},
		SearchParamDef{Name: "address-city", Type: SearchParamString, Path: "address[*].city"},
		SearchParamDef{Name: "address-state", Type: SearchParamString, Path: "address[*].state"},
		SearchParamDef{Name: "general-practitioner", Type: SearchParamReference, Path: "generalPractitioner[*]", Targets: []string{"Practitioner", "Organization"}},
		SearchParamDef{Name: "organization", Type: SearchParamReference, Path: "managingOrganization", Targets: []string{"Organization"}},
	)

	register("Observation",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "code", Type: SearchParamToken, Path: "code"},
		SearchParamDef{Name: "category", Type: SearchParamToken, Path: "category[*]"},
		SearchParamDef{Name: "status", Type: SearchParamToken, Path: "status"},
		SearchParamDef{Name: "date", Type: SearchParamDate, Path: "effectiveDateTime"},
		SearchParamDef{Name: "value-quantity", Type: SearchParamQuantity, Path: "valueQuantity"},
		SearchParamDef{Name: "value-concept", Type: SearchParamToken, Path: "valueCodeableConcept"},
		SearchParamDef{Name: "value-string", Type: SearchParamString, Path: "valueString"},
		SearchParamDef{Name: "subject", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient", "Group", "Device", "Location"}},
		SearchParamDef{Name: "patient", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient"}},
		SearchParamDef{Name: "encounter", Type: SearchParamReference, Path: "encounter", Targets: []string{"Encounter"}},
		SearchParamDef{Name: "performer", Type: SearchParamReference, Path: "performer[*]", Targets: []string{"Practitioner", "Organization"}},
		SearchParamDef{
			Name: "code-value-quantity", Type: SearchParamComposite, Root: "",
			Components: []CompositeComponent{
				{Path: "code", Type: SearchParamToken},
				{Path: "valueQuantity", Type: SearchParamQuantity},
			},
		},
		SearchParamDef{
			Name: "code-value-concept", Type: SearchParamComposite, Root: "",
			Components: []CompositeComponent{
				{Path: "code", Type: SearchParamToken},
				{Path: "valueCodeableConcept", Type: SearchParamToken},
			},
		},
		SearchParamDef{
			Name: "component-code-value-quantity", Type: SearchParamComposite, Root: "component[*]",
			Components: []CompositeComponent{
				{Path: "code", Type: SearchParamToken},
				{Path: "valueQuantity", Type: SearchParamQuantity},
			},
		},
		SearchParamDef{
			Name: "component-code-value-concept", Type: SearchParamComposite, Root: "component[*]",
			Components: []CompositeComponent{
				{Path: "code", Type: SearchParamToken},
				{Path: "valueCodeableConcept", Type: SearchParamToken},
			},
		},
	)

	register("Condition",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "code", Type: SearchParamToken, Path: "code"},
		SearchParamDef{Name: "category", Type: SearchParamToken, Path: "category[*]"},
		SearchParamDef{Name: "clinical-status", Type: SearchParamToken, Path: "clinicalStatus"},
		SearchParamDef{Name: "verification-status", Type: SearchParamToken, Path: "verificationStatus"},
		SearchParamDef{Name: "onset-date", Type: SearchParamDate, Path: "onsetDateTime"},
		SearchParamDef{Name: "recorded-date", Type: SearchParamDate, Path: "recordedDate"},
		SearchParamDef{Name: "subject", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Name: "patient", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient"}},
		SearchParamDef{Name: "encounter", Type: SearchParamReference, Path: "encounter", Targets: []string{"Encounter"}},
	)

	register("Encounter",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "status", Type: SearchParamToken, Path: "status"},
		SearchParamDef{Name: "class", Type: SearchParamToken, Path: "class"},
		SearchParamDef{Name: "type", Type: SearchParamToken, Path: "type[*]"},
		SearchParamDef{Name: "date", Type: SearchParamDate, Path: "period"},
		SearchParamDef{Name: "subject", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Name: "patient", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient"}},
		SearchParamDef{Name: "participant", Type: SearchParamReference, Path: "participant[*].individual", Targets: []string{"Practitioner", "RelatedPerson"}},
		SearchParamDef{Name: "service-provider", Type: SearchParamReference, Path: "serviceProvider", Targets: []string{"Organization"}},
	)

	register("MedicationRequest",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "status", Type: SearchParamToken, Path: "status"},
		SearchParamDef{Name: "intent", Type: SearchParamToken, Path: "intent"},
		SearchParamDef{Name: "code", Type: SearchParamToken, Path: "medicationCodeableConcept"},
		SearchParamDef{Name: "medication", Type: SearchParamReference, Path: "medicationReference", Targets: []string{"Medication"}},
		SearchParamDef{Name: "authoredon", Type: SearchParamDate, Path: "authoredOn"},
		SearchParamDef{Name: "subject", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Name: "patient", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient"}},
		SearchParamDef{Name: "encounter", Type: SearchParamReference, Path: "encounter", Targets: []string{"Encounter"}},
		SearchParamDef{Name: "requester", Type: SearchParamReference, Path: "requester", Targets: []string{"Practitioner", "Organization"}},
	)

	register("Procedure",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "code", Type: SearchParamToken, Path: "code"},
		SearchParamDef{Name: "status", Type: SearchParamToken, Path: "status"},
		SearchParamDef{Name: "date", Type: SearchParamDate, Path: "performedDateTime"},
		SearchParamDef{Name: "subject", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Name: "patient", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient"}},
		SearchParamDef{Name: "encounter", Type: SearchParamReference, Path: "encounter", Targets: []string{"Encounter"}},
	)

	register("DiagnosticReport",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "code", Type: SearchParamToken, Path: "code"},
		SearchParamDef{Name: "category", Type: SearchParamToken, Path: "category[*]"},
		SearchParamDef{Name: "status", Type: SearchParamToken, Path: "status"},
		SearchParamDef{Name: "date", Type: SearchParamDate, Path: "effectiveDateTime"},
		SearchParamDef{Name: "subject", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Name: "patient", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient"}},
		SearchParamDef{Name: "encounter", Type: SearchParamReference, Path: "encounter", Targets: []string{"Encounter"}},
		SearchParamDef{Name: "result", Type: SearchParamReference, Path: "result[*]", Targets: []string{"Observation"}},
	)

	register("AllergyIntolerance",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "code", Type: SearchParamToken, Path: "code"},
		SearchParamDef{Name: "clinical-status", Type: SearchParamToken, Path: "clinicalStatus"},
		SearchParamDef{Name: "criticality", Type: SearchParamToken, Path: "criticality"},
		SearchParamDef{Name: "date", Type: SearchParamDate, Path: "recordedDate"},
		SearchParamDef{Name: "patient", Type: SearchParamReference, Path: "patient", Targets: []string{"Patient"}},
	)

	register("Immunization",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "vaccine-code", Type: SearchParamToken, Path: "vaccineCode"},
		SearchParamDef{Name: "status", Type: SearchParamToken, Path: "status"},
		SearchParamDef{Name: "date", Type: SearchParamDate, Path: "occurrenceDateTime"},
		SearchParamDef{Name: "patient", Type: SearchParamReference, Path: "patient", Targets: []string{"Patient"}},
	)

	register("CarePlan",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "status", Type: SearchParamToken, Path: "status"},
		SearchParamDef{Name: "category", Type: SearchParamToken, Path: "category[*]"},
		SearchParamDef{Name: "date", Type: SearchParamDate, Path: "period"},
		SearchParamDef{Name: "subject", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Name: "patient", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient"}},
		SearchParamDef{Name: "encounter", Type: SearchParamReference, Path: "encounter", Targets: []string{"Encounter"}},
	)

	register("Practitioner",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "name", Type: SearchParamString, Path: "name[*]"},
		SearchParamDef{Name: "family", Type: SearchParamString, Path: "name[*].family"},
		SearchParamDef{Name: "given", Type: SearchParamString, Path: "name[*].given[*]"},
	)

	register("Organization",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "name", Type: SearchParamString, Path: "name"},
		SearchParamDef{Name: "type", Type: SearchParamToken, Path: "type[*]"},
	)

	register("Medication",
		SearchParamDef{Name: "code", Type: SearchParamToken, Path: "code"},
		SearchParamDef{Name: "status", Type: SearchParamToken, Path: "status"},
	)

	register("RiskAssessment",
		SearchParamDef{Name: "identifier", Type: SearchParamToken, Path: "identifier[*]"},
		SearchParamDef{Name: "date", Type: SearchParamDate, Path: "occurrenceDateTime"},
		SearchParamDef{Name: "probability", Type: SearchParamNumber, Path: "prediction[*].probabilityDecimal"},
		SearchParamDef{Name: "subject", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient", "Group"}},
		SearchParamDef{Name: "patient", Type: SearchParamReference, Path: "subject", Targets: []string{"Patient"}},
	)

	return r
}
