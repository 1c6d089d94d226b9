package fhir

import "errors"

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

// OutcomeFromError maps an engine error to an OperationOutcome with the
// appropriate FHIR issue code.
func OutcomeFromError(err error) *OperationOutcome {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return NewOperationOutcome("error", "not-found", nf.Error())
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return NewOperationOutcome("error", "conflict", conflict.Error())
	}
	var val *ValidationError
	if errors.As(err, &val) {
		return NewOperationOutcome("error", "invalid", val.Error())
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return NewOperationOutcome("error", "timeout", timeout.Error())
	}
	var aborted *TransactionAbortedError
	if errors.As(err, &aborted) {
		return NewOperationOutcome("error", "processing", aborted.Error())
	}
	return ErrorOutcome(err.Error())
}
