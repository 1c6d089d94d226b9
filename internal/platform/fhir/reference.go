package fhir

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhircore/internal/platform/db"
)

// EdgesFromEntries derives the reference graph edges for a resource version
// from its extracted index entries. Only values that passed canonicalization
// exist as ReferenceIndexValue, so every edge is well-formed by construction.
func EdgesFromEntries(resourceType, id string, entries []IndexEntry) []Edge {
	seen := make(map[Edge]bool)
	var edges []Edge
	for _, e := range entries {
		ref, ok := e.Value.(ReferenceIndexValue)
		if !ok {
			continue
		}
		edge := Edge{
			FromType: resourceType,
			FromID:   id,
			Path:     e.ParamName,
			ToType:   ref.TargetType,
			ToID:     ref.TargetID,
		}
		if seen[edge] {
			continue
		}
		seen[edge] = true
		edges = append(edges, edge)
	}
	return edges
}

// EdgeRepository persists the reference graph.
type EdgeRepository struct {
	pool *pgxpool.Pool
}

func NewEdgeRepository(pool *pgxpool.Pool) *EdgeRepository {
	return &EdgeRepository{pool: pool}
}

// Rewrite replaces all outgoing edges for a resource. It joins the
// transaction bound to ctx, so edges never reflect an uncommitted version.
func (r *EdgeRepository) Rewrite(ctx context.Context, resourceType, id string, edges []Edge) error {
	q := db.QuerierFrom(ctx, r.pool)

	if _, err := q.Exec(ctx,
		`DELETE FROM reference_edge WHERE from_type = $1 AND from_id = $2`,
		resourceType, id); err != nil {
		return fmt.Errorf("clear reference edges for %s/%s: %w", resourceType, id, err)
	}

	for _, e := range edges {
		if _, err := q.Exec(ctx,
			`INSERT INTO reference_edge (from_type, from_id, path, to_type, to_id)
			 VALUES ($1, $2, $3, $4, $5)`,
			e.FromType, e.FromID, e.Path, e.ToType, e.ToID); err != nil {
			return fmt.Errorf("insert reference edge %s/%s -[%s]-> %s/%s: %w",
				e.FromType, e.FromID, e.Path, e.ToType, e.ToID, err)
		}
	}
	return nil
}

// Clear removes all outgoing edges for a resource (used on delete).
func (r *EdgeRepository) Clear(ctx context.Context, resourceType, id string) error {
	return r.Rewrite(ctx, resourceType, id, nil)
}

// Outgoing returns edges leaving the given resources through the named
// reference parameter. Used by _include.
func (r *EdgeRepository) Outgoing(ctx context.Context, resourceType string, ids []string, path string) ([]Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := db.QuerierFrom(ctx, r.pool)

	rows, err := q.Query(ctx,
		`SELECT from_type, from_id, path, to_type, to_id
		 FROM reference_edge
		 WHERE from_type = $1 AND from_id = ANY($2) AND path = $3`,
		resourceType, ids, path)
	if err != nil {
		return nil, fmt.Errorf("query outgoing edges: %w", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

// Incoming returns edges from sourceType resources pointing at the given
// resources through the named parameter. Used by _revinclude.
func (r *EdgeRepository) Incoming(ctx context.Context, sourceType, path, targetType string, targetIDs []string) ([]Edge, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	q := db.QuerierFrom(ctx, r.pool)

	rows, err := q.Query(ctx,
		`SELECT from_type, from_id, path, to_type, to_id
		 FROM reference_edge
		 WHERE from_type = $1 AND path = $2 AND to_type = $3 AND to_id = ANY($4)`,
		sourceType, path, targetType, targetIDs)
	if err != nil {
		return nil, fmt.Errorf("query incoming edges: %w", err)
	}
	defer rows.Close()

	return scanEdges(rows)
}

type edgeRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEdges(rows edgeRows) ([]Edge, error) {
	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.FromType, &e.FromID, &e.Path, &e.ToType, &e.ToID); err != nil {
			return nil, fmt.Errorf("scan reference edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference edges: %w", err)
	}
	return edges, nil
}
