package fhir

import (
	"context"
	"fmt"
)

// includeResolver turns _include and _revinclude directives into extra bundle
// entries by walking the reference edge table around the matched page.
type includeResolver struct {
	edges *EdgeRepository
	store *Store
}

// resolve returns the include entries for one result page. Resources already
// in the page, and duplicates across directives, appear once.
func (r *includeResolver) resolve(ctx context.Context, resourceType string, matches []SearchResultEntry, opts SearchOptions) ([]SearchResultEntry, error) {
	if len(matches) == 0 || (len(opts.Includes) == 0 && len(opts.RevIncludes) == 0) {
		return nil, nil
	}

	matchIDs := make([]string, len(matches))
	seen := make(map[[2]string]bool, len(matches))
	for i, m := range matches {
		matchIDs[i] = m.ID
		seen[[2]string{m.ResourceType, m.ID}] = true
	}

	var wanted [][2]string
	add := func(resourceType, id string) {
		key := [2]string{resourceType, id}
		if !seen[key] {
			seen[key] = true
			wanted = append(wanted, key)
		}
	}

	for _, spec := range opts.Includes {
		if spec.SourceType != resourceType {
			// The directive targets a type not in this page's matches.
			continue
		}
		edges, err := r.edges.Outgoing(ctx, resourceType, matchIDs, spec.Param)
		if err != nil {
			return nil, fmt.Errorf("resolve _include %s:%s: %w", spec.SourceType, spec.Param, err)
		}
		for _, e := range edges {
			if spec.TargetType != "" && e.ToType != spec.TargetType {
				continue
			}
			add(e.ToType, e.ToID)
		}
	}

	for _, spec := range opts.RevIncludes {
		if spec.TargetType != "" && spec.TargetType != resourceType {
			continue
		}
		edges, err := r.edges.Incoming(ctx, spec.SourceType, spec.Param, resourceType, matchIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve _revinclude %s:%s: %w", spec.SourceType, spec.Param, err)
		}
		for _, e := range edges {
			add(e.FromType, e.FromID)
		}
	}

	versions, err := r.store.GetMany(ctx, wanted)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResultEntry, 0, len(versions))
	for _, v := range versions {
		out = append(out, SearchResultEntry{
			ResourceType: v.ResourceType,
			ID:           v.ID,
			Resource:     v.Resource,
			Mode:         "include",
		})
	}
	return out, nil
}
