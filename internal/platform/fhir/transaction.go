package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhircore/internal/platform/db"
)

// BundleProcessor executes transaction and batch Bundles. A transaction is
// atomic: every entry commits or none do. A batch runs each entry
// independently and reports per-entry outcomes.
type BundleProcessor struct {
	pool     *pgxpool.Pool
	store    *Store
	executor *Executor
	log      zerolog.Logger
}

func NewBundleProcessor(pool *pgxpool.Pool, store *Store, executor *Executor, logger zerolog.Logger) *BundleProcessor {
	return &BundleProcessor{pool: pool, store: store, executor: executor, log: logger}
}

// bundleEntry is one request entry with its parsed addressing.
type bundleEntry struct {
	index        int
	method       string
	resourceType string
	id           string
	query        url.Values
	fullURL      string
	resource     json.RawMessage
	ifMatch      string
	ifNoneExist  string
}

// Process validates, rewrites, orders, and executes a Bundle, returning the
// response Bundle.
func (p *BundleProcessor) Process(ctx context.Context, raw json.RawMessage) (*Bundle, error) {
	bundle, err := ParseRequestBundle(raw)
	if err != nil {
		return nil, err
	}

	entries, err := parseEntries(bundle)
	if err != nil {
		return nil, err
	}
	if err := rewritePlaceholders(entries); err != nil {
		return nil, err
	}
	ordered := sortBundleEntries(entries)

	responses := make([]BundleEntry, len(entries))
	if bundle.Type == "transaction" {
		err = db.RunInTx(ctx, p.pool, func(ctx context.Context) error {
			for _, e := range ordered {
				resp, err := p.execute(ctx, e)
				if err != nil {
					return &TransactionAbortedError{EntryIndex: e.index, Cause: err}
				}
				responses[e.index] = resp
			}
			return nil
		})
		if err != nil {
			p.log.Warn().Err(err).Int("entries", len(entries)).Msg("transaction bundle rolled back")
			return nil, err
		}
	} else {
		for _, e := range ordered {
			resp, err := p.execute(ctx, e)
			if err != nil {
				resp = errorEntry(err)
			}
			responses[e.index] = resp
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		Type:         bundle.Type + "-response",
		Entry:        responses,
	}, nil
}

// ParseRequestBundle decodes and validates a transaction or batch Bundle.
func ParseRequestBundle(raw json.RawMessage) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("bundle is not valid JSON: %v", err)}
	}
	if bundle.ResourceType != "Bundle" {
		return nil, &ValidationError{Param: "resourceType", Message: fmt.Sprintf("expected Bundle, got %q", bundle.ResourceType)}
	}
	if bundle.Type != "transaction" && bundle.Type != "batch" {
		return nil, &ValidationError{Param: "type", Message: fmt.Sprintf("expected transaction or batch, got %q", bundle.Type)}
	}
	return &bundle, nil
}

// parseEntries validates each entry's request line.
func parseEntries(bundle *Bundle) ([]*bundleEntry, error) {
	entries := make([]*bundleEntry, 0, len(bundle.Entry))
	for i, raw := range bundle.Entry {
		if raw.Request == nil {
			return nil, &ValidationError{Message: fmt.Sprintf("entry %d has no request", i)}
		}
		e := &bundleEntry{
			index:       i,
			method:      strings.ToUpper(raw.Request.Method),
			fullURL:     raw.FullURL,
			resource:    raw.Resource,
			ifMatch:     raw.Request.IfMatch,
			ifNoneExist: raw.Request.IfNoneExist,
		}

		resourceType, id, query, err := parseRequestURL(raw.Request.URL)
		if err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("entry %d: %v", i, err)}
		}
		e.resourceType, e.id, e.query = resourceType, id, query

		switch e.method {
		case "POST":
			if id != "" {
				return nil, &ValidationError{Message: fmt.Sprintf("entry %d: POST addresses a type, not %q", i, raw.Request.URL)}
			}
			if len(e.resource) == 0 {
				return nil, &ValidationError{Message: fmt.Sprintf("entry %d: POST requires a resource", i)}
			}
		case "PUT":
			if id == "" {
				return nil, &ValidationError{Message: fmt.Sprintf("entry %d: PUT requires Type/id", i)}
			}
			if len(e.resource) == 0 {
				return nil, &ValidationError{Message: fmt.Sprintf("entry %d: PUT requires a resource", i)}
			}
		case "DELETE":
			if id == "" {
				return nil, &ValidationError{Message: fmt.Sprintf("entry %d: DELETE requires Type/id", i)}
			}
		case "GET":
		default:
			return nil, &ValidationError{Message: fmt.Sprintf("entry %d: unsupported method %q", i, raw.Request.Method)}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// parseRequestURL splits "Type", "Type/id", or "Type?query".
func parseRequestURL(requestURL string) (resourceType, id string, query url.Values, err error) {
	if requestURL == "" {
		return "", "", nil, fmt.Errorf("empty request url")
	}
	path := requestURL
	if q := strings.Index(requestURL, "?"); q >= 0 {
		path = requestURL[:q]
		query, err = url.ParseQuery(requestURL[q+1:])
		if err != nil {
			return "", "", nil, fmt.Errorf("malformed query in %q: %w", requestURL, err)
		}
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch len(parts) {
	case 1:
		return parts[0], "", query, nil
	case 2:
		return parts[0], parts[1], query, nil
	}
	return "", "", nil, fmt.Errorf("unsupported request url %q", requestURL)
}

// rewritePlaceholders assigns ids to POST entries addressed by urn:uuid
// fullUrls and rewrites every occurrence of those urns, in resources and in
// request urls, to the assigned Type/id references.
func rewritePlaceholders(entries []*bundleEntry) error {
	assigned := map[string]string{}
	for _, e := range entries {
		if e.method != "POST" || !strings.HasPrefix(e.fullURL, "urn:uuid:") {
			continue
		}
		if _, dup := assigned[e.fullURL]; dup {
			return &ValidationError{Message: fmt.Sprintf("duplicate fullUrl %q", e.fullURL)}
		}
		id := uuid.NewString()
		assigned[e.fullURL] = e.resourceType + "/" + id
		e.id = id
	}
	if len(assigned) == 0 {
		return nil
	}

	for _, e := range entries {
		if len(e.resource) > 0 {
			body := e.resource
			for urn, ref := range assigned {
				body = bytes.ReplaceAll(body, []byte(`"`+urn+`"`), []byte(`"`+ref+`"`))
			}
			e.resource = body
		}
		for key, values := range e.query {
			for i, v := range values {
				if ref, ok := assigned[v]; ok {
					e.query[key][i] = ref
				}
			}
		}
	}
	return nil
}

// sortBundleEntries orders execution DELETE, POST, PUT, GET, keeping the
// original order within each method. Reads run last so they observe the
// transaction's writes.
func sortBundleEntries(entries []*bundleEntry) []*bundleEntry {
	rank := map[string]int{"DELETE": 0, "POST": 1, "PUT": 2, "GET": 3}
	ordered := make([]*bundleEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return rank[ordered[i].method] < rank[ordered[j].method]
	})
	return ordered
}

// execute runs one entry against the store.
func (p *BundleProcessor) execute(ctx context.Context, e *bundleEntry) (BundleEntry, error) {
	switch e.method {
	case "POST":
		return p.executeCreate(ctx, e)
	case "PUT":
		v, err := p.store.Update(ctx, e.resourceType, e.id, e.resource, e.ifMatch)
		if err != nil {
			return BundleEntry{}, err
		}
		return versionEntry(v, "200 OK"), nil
	case "DELETE":
		v, err := p.store.Delete(ctx, e.resourceType, e.id)
		if err != nil {
			return BundleEntry{}, err
		}
		resp := &BundleResponse{Status: "204 No Content"}
		if v != nil {
			resp.ETag = v.ETag()
		}
		return BundleEntry{Response: resp}, nil
	case "GET":
		return p.executeRead(ctx, e)
	}
	return BundleEntry{}, &ValidationError{Message: fmt.Sprintf("unsupported method %q", e.method)}
}

// executeCreate handles plain and conditional creates. With If-None-Exist,
// one existing match returns it untouched, none creates, and several is a
// conflict.
func (p *BundleProcessor) executeCreate(ctx context.Context, e *bundleEntry) (BundleEntry, error) {
	if e.ifNoneExist != "" {
		values, err := url.ParseQuery(e.ifNoneExist)
		if err != nil {
			return BundleEntry{}, &ValidationError{Param: "If-None-Exist", Message: err.Error()}
		}
		params, opts, err := ParseQuery(values)
		if err != nil {
			return BundleEntry{}, err
		}
		opts.Count, opts.CountSet = 2, true
		result, err := p.executor.Search(ctx, e.resourceType, params, opts)
		if err != nil {
			return BundleEntry{}, err
		}
		switch len(result.Entries) {
		case 0:
		case 1:
			existing := result.Entries[0]
			return BundleEntry{
				FullURL:  FormatReference(existing.ResourceType, existing.ID),
				Resource: existing.Resource,
				Response: &BundleResponse{Status: "200 OK"},
			}, nil
		default:
			return BundleEntry{}, &ConflictError{
				ResourceType: e.resourceType,
				Message:      fmt.Sprintf("If-None-Exist %q matched multiple resources", e.ifNoneExist),
			}
		}
	}

	// Placeholder rewrite may have pre-assigned the id.
	var v *ResourceVersion
	var err error
	if e.id != "" {
		v, err = p.store.Update(ctx, e.resourceType, e.id, e.resource, "")
	} else {
		v, err = p.store.Create(ctx, e.resourceType, e.resource)
	}
	if err != nil {
		return BundleEntry{}, err
	}
	return versionEntry(v, "201 Created"), nil
}

func (p *BundleProcessor) executeRead(ctx context.Context, e *bundleEntry) (BundleEntry, error) {
	if e.id != "" {
		v, err := p.store.Get(ctx, e.resourceType, e.id)
		if err != nil {
			return BundleEntry{}, err
		}
		return versionEntry(v, "200 OK"), nil
	}

	params, opts, err := ParseQuery(e.query)
	if err != nil {
		return BundleEntry{}, err
	}
	result, err := p.executor.Search(ctx, e.resourceType, params, opts)
	if err != nil {
		return BundleEntry{}, err
	}
	raw, err := json.Marshal(NewSearchBundle(result))
	if err != nil {
		return BundleEntry{}, fmt.Errorf("encode searchset: %w", err)
	}
	return BundleEntry{
		Resource: raw,
		Response: &BundleResponse{Status: "200 OK"},
	}, nil
}

func versionEntry(v *ResourceVersion, status string) BundleEntry {
	lastModified := v.LastUpdated
	return BundleEntry{
		FullURL:  FormatReference(v.ResourceType, v.ID),
		Resource: v.Resource,
		Response: &BundleResponse{
			Status:       status,
			Location:     fmt.Sprintf("%s/%s/_history/%d", v.ResourceType, v.ID, v.VersionID),
			ETag:         v.ETag(),
			LastModified: &lastModified,
		},
	}
}

// errorEntry renders a failed batch entry as an OperationOutcome response.
func errorEntry(err error) BundleEntry {
	status := "500 Internal Server Error"
	switch {
	case IsValidation(err):
		status = "400 Bad Request"
	case IsNotFound(err):
		status = "404 Not Found"
	case IsConflict(err):
		status = "409 Conflict"
	case IsTimeout(err):
		status = "504 Gateway Timeout"
	}
	return BundleEntry{
		Response: &BundleResponse{
			Status:  status,
			Outcome: OutcomeFromError(err),
		},
	}
}
