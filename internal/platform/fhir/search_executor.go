package fhir

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhircore/internal/platform/db"
)

// Executor runs planned searches under a deadline and assembles the result
// page with its include entries. A search that exceeds the deadline fails
// whole; partial pages are never returned.
type Executor struct {
	pool     *pgxpool.Pool
	planner  *Planner
	includes *includeResolver
	timeout  time.Duration
	log      zerolog.Logger
}

func NewExecutor(pool *pgxpool.Pool, planner *Planner, store *Store, timeout time.Duration, logger zerolog.Logger) *Executor {
	return &Executor{
		pool:     pool,
		planner:  planner,
		includes: &includeResolver{edges: NewEdgeRepository(pool), store: store},
		timeout:  timeout,
		log:      logger,
	}
}

// Search plans and runs one search.
func (e *Executor) Search(ctx context.Context, resourceType string, params []SearchParam, opts SearchOptions) (*SearchResult, error) {
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	q, err := e.planner.Plan(ctx, resourceType, params, opts)
	if err != nil {
		return nil, err
	}

	result, err := e.run(ctx, resourceType, q, opts)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			e.log.Warn().
				Str("resource_type", resourceType).
				Dur("elapsed", time.Since(started)).
				Msg("search exceeded deadline")
			return nil, &TimeoutError{Operation: "search " + resourceType}
		}
		return nil, err
	}

	e.log.Debug().
		Str("resource_type", resourceType).
		Int("matches", len(result.Entries)).
		Dur("elapsed", time.Since(started)).
		Msg("search complete")
	return result, nil
}

func (e *Executor) run(ctx context.Context, resourceType string, q *SearchQuery, opts SearchOptions) (*SearchResult, error) {
	querier := db.QuerierFrom(ctx, e.pool)
	result := &SearchResult{Total: -1, NextOffset: -1}

	if opts.Total != TotalNone {
		countSQL, countArgs := q.CountSQL()
		if err := querier.QueryRow(ctx, countSQL, countArgs...).Scan(&result.Total); err != nil {
			return nil, fmt.Errorf("count %s search: %w", resourceType, err)
		}
	}

	// _count=0 asks for the total alone.
	if opts.CountSet && opts.Count == 0 {
		return result, nil
	}

	selectSQL, selectArgs := q.SelectSQL()
	rows, err := querier.Query(ctx, selectSQL, selectArgs...)
	if err != nil {
		return nil, fmt.Errorf("run %s search: %w", resourceType, err)
	}
	defer rows.Close()

	var matches []SearchResultEntry
	for rows.Next() {
		var (
			entry       SearchResultEntry
			versionID   int
			lastUpdated time.Time
		)
		entry.ResourceType = resourceType
		entry.Mode = "match"
		if err := rows.Scan(&entry.ID, &versionID, &entry.Resource, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		matches = append(matches, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run %s search: %w", resourceType, err)
	}

	includes, err := e.includes.resolve(ctx, resourceType, matches, opts)
	if err != nil {
		return nil, err
	}

	result.Entries = append(matches, includes...)
	result.NextOffset = nextOffset(q.offset, len(matches), q.limit, result.Total)
	return result, nil
}

// nextOffset computes where the following page starts, or -1 when the page is
// known to be the last. Without a total, a full page implies more may exist.
func nextOffset(offset, pageLen, limit, total int) int {
	if pageLen == 0 || pageLen < limit {
		return -1
	}
	next := offset + pageLen
	if total >= 0 && next >= total {
		return -1
	}
	return next
}
