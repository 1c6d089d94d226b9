package fhir

import (
	"context"
)

// PatientEverything returns the patient and every resource in the patient's
// compartment, as a searchset-style result. The patient itself is the match;
// compartment members carry include mode.
func (s *Store) PatientEverything(ctx context.Context, patientID string) (*SearchResult, error) {
	patient, err := s.Get(ctx, "Patient", patientID)
	if err != nil {
		return nil, err
	}

	members, err := s.compartments.Members(ctx, patientID)
	if err != nil {
		return nil, err
	}

	versions, err := s.GetMany(ctx, members)
	if err != nil {
		return nil, err
	}

	entries := make([]SearchResultEntry, 0, len(versions)+1)
	entries = append(entries, SearchResultEntry{
		ResourceType: "Patient",
		ID:           patientID,
		Resource:     patient.Resource,
		Mode:         "match",
	})
	for _, v := range versions {
		entries = append(entries, SearchResultEntry{
			ResourceType: v.ResourceType,
			ID:           v.ID,
			Resource:     v.Resource,
			Mode:         "include",
		})
	}

	return &SearchResult{Entries: entries, Total: len(entries), NextOffset: -1}, nil
}
