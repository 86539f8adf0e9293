// SPDX-FileCopyrightText: (C) 2025 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package fetcher

import (
	"context"
	"fmt"
	"path"

	"github.com/open-edge-platform/edge-node-agents/vehicle-update-agent/internal/uptane"
)

// ResolveTarget walks the delegation tree depth-first starting from
// topLevel, looking for filename, fetching delegated Targets documents
// lazily as needed. It returns the first target found for filename; a
// matching delegation marked terminating ends the search even when it
// does not list filename, while a non-terminating one lets the walk go
// on to its children and then to the remaining delegations. The walk
// is bounded by f.DelegationMaxDepth with a
// visited-set to guard against cycles. snap cross-checks any delegated
// document's version the way it does for the top-level Targets, when
// the delegation's role file happens to be listed there; delegations
// absent from snap's meta_versions are fetched lazily without that
// check.
func (f *RepositoryFetcher) ResolveTarget(ctx context.Context, topLevel *uptane.Targets, snap *uptane.Snapshot, filename string) (uptane.Target, error) {
	if target, ok := topLevel.Find(filename); ok {
		return target, nil
	}
	visited := map[string]bool{}
	return f.walkDelegations(ctx, topLevel, snap, filename, 0, visited)
}

func (f *RepositoryFetcher) walkDelegations(ctx context.Context, parent *uptane.Targets, snap *uptane.Snapshot, filename string, depth int, visited map[string]bool) (uptane.Target, error) {
	if depth >= f.DelegationMaxDepth {
		return uptane.Target{}, uptane.NewError(uptane.InvalidMetadata, "delegation depth exceeded for "+filename, nil)
	}
	for _, delegation := range parent.Delegations {
		if visited[delegation.Name] {
			continue
		}
		if !matchesAny(delegation.PathPattern, filename) {
			continue
		}
		visited[delegation.Name] = true

		raw, err := f.get(ctx, delegation.Name+".json")
		if err != nil {
			return uptane.Target{}, err
		}

		child, err := f.Verifier.VerifyTargets(parent.Repo, delegation.Name, raw, delegation.Keys, delegation.Threshold, snap)
		if err != nil {
			return uptane.Target{}, err
		}

		if target, ok := child.Find(filename); ok {
			return target, nil
		}
		if delegation.Terminating {
			return uptane.Target{}, uptane.NewError(uptane.SecurityException, fmt.Sprintf("terminating delegation %s did not resolve %s", delegation.Name, filename), nil)
		}
		if target, err := f.walkDelegations(ctx, child, snap, filename, depth+1, visited); err == nil {
			return target, nil
		}
	}
	return uptane.Target{}, uptane.NewError(uptane.InvalidMetadata, "no delegation resolved target "+filename, nil)
}

// matchesAny reports whether filename matches any of the glob-style
// path patterns a delegation scopes itself to.
func matchesAny(patterns []string, filename string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, filename); err == nil && ok {
			return true
		}
	}
	return false
}
