package fhir

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhircore/internal/platform/db"
)

// CompartmentDefinition maps resource types that belong to a compartment to
// the reference search parameters that link them. Indirect lists parameters
// whose target itself belongs to the compartment (membership is then derived
// by a one-hop lookup through the stored membership of the target, not by a
// graph traversal at query time).
type CompartmentDefinition struct {
	Type     string
	Direct   map[string][]string
	Indirect map[string][]string
}

// PatientCompartment defines which resources belong to the Patient
// compartment per the FHIR R4 spec, restricted to the types this engine
// declares parameters for.
var PatientCompartment = CompartmentDefinition{
	Type: "Patient",
	Direct: map[string][]string{
		"AllergyIntolerance": {"patient"},
		"CarePlan":           {"patient"},
		"Condition":          {"patient"},
		"DiagnosticReport":   {"patient"},
		"Encounter":          {"patient"},
		"Immunization":       {"patient"},
		"MedicationRequest":  {"patient"},
		"Observation":        {"patient"},
		"Procedure":          {"patient"},
		"RiskAssessment":     {"patient"},
	},
	Indirect: map[string][]string{
		"Observation":       {"encounter"},
		"Condition":         {"encounter"},
		"Procedure":         {"encounter"},
		"DiagnosticReport":  {"encounter"},
		"MedicationRequest": {"encounter"},
		"CarePlan":          {"encounter"},
	},
}

// CompartmentRepository maintains the compartment membership table.
type CompartmentRepository struct {
	pool *pgxpool.Pool
	def  CompartmentDefinition
}

func NewCompartmentRepository(pool *pgxpool.Pool) *CompartmentRepository {
	return &CompartmentRepository{pool: pool, def: PatientCompartment}
}

// Populate recomputes the compartment memberships of one resource from its
// outgoing edges, inside the caller's transaction. Direct membership follows
// the compartment's linking parameters; indirect membership follows one hop
// through the already-stored membership of the referenced resource.
func (r *CompartmentRepository) Populate(ctx context.Context, resourceType, id string, edges []Edge) error {
	q := db.QuerierFrom(ctx, r.pool)

	if _, err := q.Exec(ctx,
		`DELETE FROM compartment_membership
		 WHERE compartment_type = $1 AND member_type = $2 AND member_id = $3`,
		r.def.Type, resourceType, id); err != nil {
		return fmt.Errorf("clear compartment membership for %s/%s: %w", resourceType, id, err)
	}

	// Types outside the compartment definition never gain membership, so the
	// edge scans are skipped entirely.
	if !r.def.IsInCompartment(resourceType) {
		return nil
	}

	compartmentIDs := make(map[string]bool)

	directParams := toSet(r.def.Direct[resourceType])
	for _, e := range edges {
		if e.ToType == r.def.Type && directParams[e.Path] {
			compartmentIDs[e.ToID] = true
		}
	}

	indirectParams := toSet(r.def.Indirect[resourceType])
	for _, e := range edges {
		if !indirectParams[e.Path] {
			continue
		}
		rows, err := q.Query(ctx,
			`SELECT compartment_id FROM compartment_membership
			 WHERE compartment_type = $1 AND member_type = $2 AND member_id = $3`,
			r.def.Type, e.ToType, e.ToID)
		if err != nil {
			return fmt.Errorf("lookup compartment of %s/%s: %w", e.ToType, e.ToID, err)
		}
		for rows.Next() {
			var cid string
			if err := rows.Scan(&cid); err != nil {
				rows.Close()
				return fmt.Errorf("scan compartment id: %w", err)
			}
			compartmentIDs[cid] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate compartment ids: %w", err)
		}
		rows.Close()
	}

	for cid := range compartmentIDs {
		if _, err := q.Exec(ctx,
			`INSERT INTO compartment_membership (compartment_type, compartment_id, member_type, member_id)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT DO NOTHING`,
			r.def.Type, cid, resourceType, id); err != nil {
			return fmt.Errorf("insert compartment membership %s/%s -> %s: %w", resourceType, id, cid, err)
		}
	}

	return nil
}

// Clear removes all memberships of a resource (used on delete).
func (r *CompartmentRepository) Clear(ctx context.Context, resourceType, id string) error {
	q := db.QuerierFrom(ctx, r.pool)
	if _, err := q.Exec(ctx,
		`DELETE FROM compartment_membership
		 WHERE compartment_type = $1 AND member_type = $2 AND member_id = $3`,
		r.def.Type, resourceType, id); err != nil {
		return fmt.Errorf("clear compartment membership for %s/%s: %w", resourceType, id, err)
	}
	return nil
}

// Members returns every (member_type, member_id) pair in the given
// compartment. The query is O(compartment size) by construction.
func (r *CompartmentRepository) Members(ctx context.Context, compartmentID string) ([][2]string, error) {
	q := db.QuerierFrom(ctx, r.pool)
	rows, err := q.Query(ctx,
		`SELECT member_type, member_id FROM compartment_membership
		 WHERE compartment_type = $1 AND compartment_id = $2
		 ORDER BY member_type, member_id`,
		r.def.Type, compartmentID)
	if err != nil {
		return nil, fmt.Errorf("query compartment members: %w", err)
	}
	defer rows.Close()

	var members [][2]string
	for rows.Next() {
		var mt, mid string
		if err := rows.Scan(&mt, &mid); err != nil {
			return nil, fmt.Errorf("scan compartment member: %w", err)
		}
		members = append(members, [2]string{mt, mid})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compartment members: %w", err)
	}
	return members, nil
}

// IsInCompartment checks whether a resource type can ever belong to the
// compartment.
func (d *CompartmentDefinition) IsInCompartment(resourceType string) bool {
	if _, ok := d.Direct[resourceType]; ok {
		return true
	}
	_, ok := d.Indirect[resourceType]
	return ok
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
