package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhircore/internal/platform/db"
)

// Store owns the versioned resource tables and keeps the derived state
// (search index, reference edges, compartment membership) transactionally
// consistent with every write. A version is never mutated; updates append.
type Store struct {
	pool         *pgxpool.Pool
	extractor    *Extractor
	indexes      *IndexRepository
	edges        *EdgeRepository
	compartments *CompartmentRepository
	log          zerolog.Logger
}

func NewStore(pool *pgxpool.Pool, extractor *Extractor, logger zerolog.Logger) *Store {
	return &Store{
		pool:         pool,
		extractor:    extractor,
		indexes:      NewIndexRepository(pool),
		edges:        NewEdgeRepository(pool),
		compartments: NewCompartmentRepository(pool),
		log:          logger,
	}
}

// Create stores a new resource. An empty id gets a server-assigned UUID; a
// client-supplied id that already exists is a conflict.
func (s *Store) Create(ctx context.Context, resourceType string, payload json.RawMessage) (*ResourceVersion, error) {
	id, body, err := normalizePayload(resourceType, "", payload)
	if err != nil {
		return nil, err
	}

	var version *ResourceVersion
	err = db.RunInTx(ctx, s.pool, func(ctx context.Context) error {
		q := db.QuerierFrom(ctx, s.pool)

		var existingDeleted bool
		err := q.QueryRow(ctx,
			`SELECT deleted FROM resource WHERE resource_type = $1 AND id = $2 FOR UPDATE`,
			resourceType, id).Scan(&existingDeleted)
		switch {
		case err == nil && !existingDeleted:
			return &ConflictError{ResourceType: resourceType, ID: id, Message: "resource already exists"}
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check existing %s/%s: %w", resourceType, id, err)
		}
		// A deleted resource may be recreated under the same id; the version
		// sequence continues past the tombstone.

		version, err = s.writeVersion(ctx, q, resourceType, id, body, "create")
		return err
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// Update stores a new version of a resource, creating it if absent.
// ifMatch, when non-empty, is the expected ETag of the current version.
func (s *Store) Update(ctx context.Context, resourceType, id string, payload json.RawMessage, ifMatch string) (*ResourceVersion, error) {
	if id == "" {
		return nil, &ValidationError{Param: "id", Message: "update requires a resource id"}
	}
	_, body, err := normalizePayload(resourceType, id, payload)
	if err != nil {
		return nil, err
	}

	var version *ResourceVersion
	err = db.RunInTx(ctx, s.pool, func(ctx context.Context) error {
		q := db.QuerierFrom(ctx, s.pool)

		var currentVersion int
		err := q.QueryRow(ctx,
			`SELECT version_id FROM resource WHERE resource_type = $1 AND id = $2 FOR UPDATE`,
			resourceType, id).Scan(&currentVersion)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock %s/%s: %w", resourceType, id, err)
		}

		if ifMatch != "" {
			expected, perr := parseETag(ifMatch)
			if perr != nil {
				return perr
			}
			if expected != currentVersion {
				return &ConflictError{
					ResourceType:    resourceType,
					ID:              id,
					ExpectedVersion: expected,
					CurrentVersion:  currentVersion,
					Message:         "version precondition failed",
				}
			}
		}

		action := "update"
		if currentVersion == 0 {
			action = "create"
		}
		version, err = s.writeVersion(ctx, q, resourceType, id, body, action)
		return err
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// Delete tombstones a resource: the current row is marked deleted, a delete
// version lands in history, and all derived state is cleared. Deleting an
// absent or already deleted resource is a no-op success.
func (s *Store) Delete(ctx context.Context, resourceType, id string) (*ResourceVersion, error) {
	var version *ResourceVersion
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context) error {
		q := db.QuerierFrom(ctx, s.pool)

		var currentVersion int
		var deleted bool
		err := q.QueryRow(ctx,
			`SELECT version_id, deleted FROM resource WHERE resource_type = $1 AND id = $2 FOR UPDATE`,
			resourceType, id).Scan(&currentVersion, &deleted)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock %s/%s: %w", resourceType, id, err)
		}

		now := time.Now().UTC()
		newVersion := currentVersion + 1
		if _, err := q.Exec(ctx,
			`UPDATE resource SET version_id = $3, resource = 'null'::jsonb, last_updated = $4, deleted = TRUE
			 WHERE resource_type = $1 AND id = $2`,
			resourceType, id, newVersion, now); err != nil {
			return fmt.Errorf("tombstone %s/%s: %w", resourceType, id, err)
		}
		if _, err := q.Exec(ctx,
			`INSERT INTO resource_history (resource_type, id, version_id, resource, action, last_updated, deleted)
			 VALUES ($1, $2, $3, NULL, 'delete', $4, TRUE)`,
			resourceType, id, newVersion, now); err != nil {
			return fmt.Errorf("record delete of %s/%s: %w", resourceType, id, err)
		}

		if err := s.indexes.Clear(ctx, resourceType, id); err != nil {
			return err
		}
		if err := s.edges.Clear(ctx, resourceType, id); err != nil {
			return err
		}
		if err := s.compartments.Clear(ctx, resourceType, id); err != nil {
			return err
		}

		version = &ResourceVersion{
			ResourceType: resourceType,
			ID:           id,
			VersionID:    newVersion,
			Action:       "delete",
			LastUpdated:  now,
			Deleted:      true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// Get returns the current version of a resource. Deleted resources read as
// not found, carrying the tombstone flag for callers that distinguish gone.
func (s *Store) Get(ctx context.Context, resourceType, id string) (*ResourceVersion, error) {
	q := db.QuerierFrom(ctx, s.pool)
	v := &ResourceVersion{ResourceType: resourceType, ID: id}
	var deleted bool
	err := q.QueryRow(ctx,
		`SELECT version_id, resource, last_updated, deleted FROM resource
		 WHERE resource_type = $1 AND id = $2`,
		resourceType, id).Scan(&v.VersionID, &v.Resource, &v.LastUpdated, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{ResourceType: resourceType, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	if deleted {
		return nil, &NotFoundError{ResourceType: resourceType, ID: id, Deleted: true}
	}
	return v, nil
}

// GetVersion returns one historical version (vread).
func (s *Store) GetVersion(ctx context.Context, resourceType, id string, versionID int) (*ResourceVersion, error) {
	q := db.QuerierFrom(ctx, s.pool)
	v := &ResourceVersion{ResourceType: resourceType, ID: id, VersionID: versionID}
	err := q.QueryRow(ctx,
		`SELECT resource, action, last_updated, deleted FROM resource_history
		 WHERE resource_type = $1 AND id = $2 AND version_id = $3`,
		resourceType, id, versionID).Scan(&v.Resource, &v.Action, &v.LastUpdated, &v.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{ResourceType: resourceType, ID: id, VersionID: versionID}
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s/_history/%d: %w", resourceType, id, versionID, err)
	}
	return v, nil
}

// History returns all versions of a resource, newest first. Tombstones are
// included; an id with no history at all is not found.
func (s *Store) History(ctx context.Context, resourceType, id string) ([]*ResourceVersion, error) {
	q := db.QuerierFrom(ctx, s.pool)
	rows, err := q.Query(ctx,
		`SELECT version_id, resource, action, last_updated, deleted FROM resource_history
		 WHERE resource_type = $1 AND id = $2 ORDER BY version_id DESC`,
		resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("read history of %s/%s: %w", resourceType, id, err)
	}
	defer rows.Close()

	var versions []*ResourceVersion
	for rows.Next() {
		v := &ResourceVersion{ResourceType: resourceType, ID: id}
		if err := rows.Scan(&v.VersionID, &v.Resource, &v.Action, &v.LastUpdated, &v.Deleted); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history of %s/%s: %w", resourceType, id, err)
	}
	if len(versions) == 0 {
		return nil, &NotFoundError{ResourceType: resourceType, ID: id}
	}
	return versions, nil
}

// GetMany fetches the current versions of a set of (type, id) pairs, skipping
// anything deleted or absent. Used by _include and $everything.
func (s *Store) GetMany(ctx context.Context, refs [][2]string) ([]*ResourceVersion, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	q := db.QuerierFrom(ctx, s.pool)

	types := make([]string, len(refs))
	ids := make([]string, len(refs))
	for i, ref := range refs {
		types[i] = ref[0]
		ids[i] = ref[1]
	}

	rows, err := q.Query(ctx,
		`SELECT r.resource_type, r.id, r.version_id, r.resource, r.last_updated
		 FROM resource r
		 JOIN unnest($1::text[], $2::text[]) AS want(resource_type, id)
		   ON r.resource_type = want.resource_type AND r.id = want.id
		 WHERE r.deleted = FALSE`,
		types, ids)
	if err != nil {
		return nil, fmt.Errorf("read resource batch: %w", err)
	}
	defer rows.Close()

	var out []*ResourceVersion
	for rows.Next() {
		v := &ResourceVersion{}
		if err := rows.Scan(&v.ResourceType, &v.ID, &v.VersionID, &v.Resource, &v.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan resource row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ResolveIdentifier finds the id of the resource carrying an identifier
// token, satisfying IdentifierResolver for logical references. Ambiguous
// identifiers resolve to nothing.
func (s *Store) ResolveIdentifier(ctx context.Context, resourceType, system, value string) (string, error) {
	q := db.QuerierFrom(ctx, s.pool)
	rows, err := q.Query(ctx,
		`SELECT resource_id FROM search_index
		 WHERE resource_type = $1 AND param_name = 'identifier'
		   AND token_system IS NOT DISTINCT FROM $2 AND token_code = $3
		 LIMIT 2`,
		resourceType, nullable(system), value)
	if err != nil {
		return "", fmt.Errorf("resolve identifier %s|%s: %w", system, value, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scan identifier row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(ids) != 1 {
		return "", nil
	}
	return ids[0], nil
}

// Reindex re-extracts the derived state of one stored resource, for use after
// search parameter declarations change.
func (s *Store) Reindex(ctx context.Context, resourceType, id string) error {
	return db.RunInTx(ctx, s.pool, func(ctx context.Context) error {
		v, err := s.Get(ctx, resourceType, id)
		if err != nil {
			return err
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(v.Resource, &payload); err != nil {
			return fmt.Errorf("decode %s/%s: %w", resourceType, id, err)
		}
		return s.reindex(ctx, resourceType, id, payload)
	})
}

// writeVersion stores one new version inside the caller's transaction and
// rebuilds the derived state.
func (s *Store) writeVersion(ctx context.Context, q db.Querier, resourceType, id string, body map[string]interface{}, action string) (*ResourceVersion, error) {
	now := time.Now().UTC()

	var newVersion int
	err := q.QueryRow(ctx,
		`INSERT INTO resource (resource_type, id, version_id, resource, last_updated, deleted)
		 VALUES ($1, $2, 1, $3, $4, FALSE)
		 ON CONFLICT (resource_type, id) DO UPDATE
		 SET version_id = resource.version_id + 1, resource = $3, last_updated = $4, deleted = FALSE
		 RETURNING version_id`,
		resourceType, id, body, now).Scan(&newVersion)
	if err != nil {
		return nil, fmt.Errorf("write %s/%s: %w", resourceType, id, err)
	}

	// Stamp meta with the assigned version before history and return.
	meta, _ := body["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(newVersion)
	meta["lastUpdated"] = now.Format(time.RFC3339Nano)
	body["meta"] = meta

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", resourceType, id, err)
	}
	if _, err := q.Exec(ctx,
		`UPDATE resource SET resource = $3 WHERE resource_type = $1 AND id = $2`,
		resourceType, id, raw); err != nil {
		return nil, fmt.Errorf("stamp meta on %s/%s: %w", resourceType, id, err)
	}
	if _, err := q.Exec(ctx,
		`INSERT INTO resource_history (resource_type, id, version_id, resource, action, last_updated, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, FALSE)`,
		resourceType, id, newVersion, raw, action, now); err != nil {
		return nil, fmt.Errorf("record %s of %s/%s: %w", action, resourceType, id, err)
	}

	if err := s.reindex(ctx, resourceType, id, body); err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("resource", resourceType+"/"+id).
		Int("version", newVersion).
		Str("action", action).
		Msg("resource written")

	return &ResourceVersion{
		ResourceType: resourceType,
		ID:           id,
		VersionID:    newVersion,
		Resource:     raw,
		Action:       action,
		LastUpdated:  now,
	}, nil
}

// reindex rewrites index rows, edges, and compartment membership from the
// current payload. It runs inside the write transaction; a reindex failure
// rolls back the resource write with it.
func (s *Store) reindex(ctx context.Context, resourceType, id string, payload map[string]interface{}) error {
	entries, composites := s.extractor.Extract(ctx, resourceType, id, payload)
	if err := s.indexes.Rewrite(ctx, resourceType, id, entries, composites); err != nil {
		return err
	}
	edges := EdgesFromEntries(resourceType, id, entries)
	if err := s.edges.Rewrite(ctx, resourceType, id, edges); err != nil {
		return err
	}
	return s.compartments.Populate(ctx, resourceType, id, edges)
}

// normalizePayload validates the payload's resourceType and id against the
// request and returns the decoded body with both fields set.
func normalizePayload(resourceType, id string, payload json.RawMessage) (string, map[string]interface{}, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", nil, &ValidationError{Message: fmt.Sprintf("resource is not valid JSON: %v", err)}
	}

	if rt, _ := body["resourceType"].(string); rt != "" && rt != resourceType {
		return "", nil, &ValidationError{
			Param:   "resourceType",
			Message: fmt.Sprintf("payload declares %q, request addresses %q", rt, resourceType),
		}
	}
	body["resourceType"] = resourceType

	bodyID, _ := body["id"].(string)
	switch {
	case id == "" && bodyID == "":
		id = uuid.NewString()
	case id == "":
		id = bodyID
	case bodyID != "" && bodyID != id:
		return "", nil, &ValidationError{
			Param:   "id",
			Message: fmt.Sprintf("payload id %q does not match request id %q", bodyID, id),
		}
	}
	body["id"] = id

	return id, body, nil
}

// versionETag renders a version as a weak ETag, the form If-Match carries it.
func versionETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}

// parseETag accepts both the weak ETag form and a bare version number.
func parseETag(etag string) (int, error) {
	s := strings.TrimSpace(etag)
	s = strings.TrimPrefix(s, "W/")
	s = strings.Trim(s, `"`)
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, &ValidationError{Param: "If-Match", Message: fmt.Sprintf("malformed ETag %q", etag)}
	}
	return n, nil
}

// ETag returns the version's ETag.
func (v *ResourceVersion) ETag() string {
	return versionETag(v.VersionID)
}
