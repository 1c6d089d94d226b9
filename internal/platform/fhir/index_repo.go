package fhir

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhircore/internal/platform/db"
)

// IndexRepository persists the typed search index. Entries are derived,
// disposable state: every resource write replaces the full entry set for that
// resource in the same transaction, so the index never reflects an
// uncommitted version and never omits a committed one.
type IndexRepository struct {
	pool *pgxpool.Pool
}

func NewIndexRepository(pool *pgxpool.Pool) *IndexRepository {
	return &IndexRepository{pool: pool}
}

// Rewrite deletes and reinserts all index rows for a resource.
func (r *IndexRepository) Rewrite(ctx context.Context, resourceType, id string, entries []IndexEntry, composites []CompositeIndexEntry) error {
	q := db.QuerierFrom(ctx, r.pool)

	if _, err := q.Exec(ctx,
		`DELETE FROM search_index WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id); err != nil {
		return fmt.Errorf("clear search index for %s/%s: %w", resourceType, id, err)
	}
	if _, err := q.Exec(ctx,
		`DELETE FROM search_index_composite WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, id); err != nil {
		return fmt.Errorf("clear composite index for %s/%s: %w", resourceType, id, err)
	}

	for _, entry := range entries {
		if err := r.insertEntry(ctx, q, resourceType, id, entry); err != nil {
			return err
		}
	}
	for _, comp := range composites {
		if err := r.insertComposite(ctx, q, resourceType, id, comp); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes all index rows for a resource (used on delete).
func (r *IndexRepository) Clear(ctx context.Context, resourceType, id string) error {
	return r.Rewrite(ctx, resourceType, id, nil, nil)
}

// insertEntry routes each value variant into exactly one column family. The
// switch on the concrete type is the enforcement point of the type-column
// binding invariant: there is no code path that writes a reference into
// value_string or a token into free text.
func (r *IndexRepository) insertEntry(ctx context.Context, q db.Querier, resourceType, id string, entry IndexEntry) error {
	var err error
	switch v := entry.Value.(type) {
	case TokenIndexValue:
		_, err = q.Exec(ctx,
			`INSERT INTO search_index (resource_type, resource_id, param_name, param_type, token_system, token_code, token_display)
			 VALUES ($1, $2, $3, 'token', $4, $5, $6)`,
			resourceType, id, entry.ParamName, nullable(v.System), v.Code, nullable(v.Display))
	case StringIndexValue:
		paramType := "string"
		if v.URI {
			paramType = "uri"
		}
		_, err = q.Exec(ctx,
			`INSERT INTO search_index (resource_type, resource_id, param_name, param_type, value_string)
			 VALUES ($1, $2, $3, $4, $5)`,
			resourceType, id, entry.ParamName, paramType, v.Value)
	case DateIndexValue:
		_, err = q.Exec(ctx,
			`INSERT INTO search_index (resource_type, resource_id, param_name, param_type, value_date_lo, value_date_hi)
			 VALUES ($1, $2, $3, 'date', $4, $5)`,
			resourceType, id, entry.ParamName, v.Lo, v.Hi)
	case NumberIndexValue:
		_, err = q.Exec(ctx,
			`INSERT INTO search_index (resource_type, resource_id, param_name, param_type, value_number)
			 VALUES ($1, $2, $3, 'number', $4)`,
			resourceType, id, entry.ParamName, v.Value)
	case QuantityIndexValue:
		_, err = q.Exec(ctx,
			`INSERT INTO search_index (resource_type, resource_id, param_name, param_type, value_quantity, quantity_system, quantity_code, quantity_unit)
			 VALUES ($1, $2, $3, 'quantity', $4, $5, $6, $7)`,
			resourceType, id, entry.ParamName, v.Value, nullable(v.System), nullable(v.Code), nullable(v.Unit))
	case ReferenceIndexValue:
		_, err = q.Exec(ctx,
			`INSERT INTO search_index (resource_type, resource_id, param_name, param_type, value_reference)
			 VALUES ($1, $2, $3, 'reference', $4)`,
			resourceType, id, entry.ParamName, v.Canonical())
	default:
		return fmt.Errorf("index entry %s has unknown value variant %T", entry.ParamName, entry.Value)
	}
	if err != nil {
		return fmt.Errorf("insert index entry %s for %s/%s: %w", entry.ParamName, resourceType, id, err)
	}
	return nil
}

func (r *IndexRepository) insertComposite(ctx context.Context, q db.Querier, resourceType, id string, comp CompositeIndexEntry) error {
	var (
		number            interface{}
		tokenSys, tokenCo interface{}
		str               interface{}
		dateLo, dateHi    interface{}
	)

	switch v := comp.Value.(type) {
	case QuantityIndexValue:
		number = v.Value
	case NumberIndexValue:
		number = v.Value
	case TokenIndexValue:
		tokenSys = nullable(v.System)
		tokenCo = v.Code
	case StringIndexValue:
		str = v.Value
	case DateIndexValue:
		dateLo = v.Lo
		dateHi = v.Hi
	default:
		return fmt.Errorf("composite entry %s has unsupported value variant %T", comp.ParamName, comp.Value)
	}

	if _, err := q.Exec(ctx,
		`INSERT INTO search_index_composite
		 (resource_type, resource_id, param_name, comp_system, comp_code,
		  value_number, value_token_system, value_token_code, value_string, value_date_lo, value_date_hi)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		resourceType, id, comp.ParamName, nullable(comp.CompSystem), comp.CompCode,
		number, tokenSys, tokenCo, str, dateLo, dateHi); err != nil {
		return fmt.Errorf("insert composite entry %s for %s/%s: %w", comp.ParamName, resourceType, id, err)
	}
	return nil
}

// nullable maps the empty string to NULL so system-less tokens and unit-less
// quantities stay distinguishable from empty text.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
