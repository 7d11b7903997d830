package graph

import (
	"fmt"
	"sort"
)

// TopoOrderIDs topologically sorts the given IDs so that every prerequisite
// appears before the nodes depending on it. deps returns the prerequisites of
// an id; prerequisites outside the id set are ignored, which lets callers
// sort an arbitrary subset of a larger graph. Ties are broken by lexical
// order for determinism.
func TopoOrderIDs(ids []string, deps func(id string) []string) ([]string, error) {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		if _, seen := inDegree[id]; !seen {
			inDegree[id] = 0
		}
		for _, dep := range deps(id) {
			if !inSet[dep] || dep == id {
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := make([]string, 0, len(ids))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := make([]string, 0, len(dependents[id]))
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(ids) {
		return nil, fmt.Errorf("dependency order contains a cycle (%d of %d nodes ordered)", len(order), len(ids))
	}

	return order, nil
}

// WavesOf groups the given IDs into dependency waves: all prerequisites of a
// wave's members appear in earlier waves, so members of one wave may run
// concurrently. Each wave is in lexical order.
func WavesOf(ids []string, deps func(id string) []string) ([][]string, error) {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		if _, seen := inDegree[id]; !seen {
			inDegree[id] = 0
		}
		for _, dep := range deps(id) {
			if !inSet[dep] || dep == id {
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	current := make([]string, 0, len(ids))
	for id, degree := range inDegree {
		if degree == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	var waves [][]string
	processed := 0
	for len(current) > 0 {
		waves = append(waves, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(ids) {
		return nil, fmt.Errorf("dependency waves contain a cycle (%d of %d nodes grouped)", processed, len(ids))
	}

	return waves, nil
}

// Waves groups the subset of graph nodes accepted by include into dependency
// waves. Ordering constraints that pass transitively through excluded nodes
// are preserved by computing waves over the full graph first and filtering.
func (g *Graph) Waves(include func(id string) bool) ([][]string, error) {
	full, err := WavesOf(g.IDs(), func(id string) []string {
		return g.nodes[id].DependsOn
	})
	if err != nil {
		return nil, err
	}

	filtered := make([][]string, 0, len(full))
	for _, wave := range full {
		kept := make([]string, 0, len(wave))
		for _, id := range wave {
			if include(id) {
				kept = append(kept, id)
			}
		}
		if len(kept) > 0 {
			filtered = append(filtered, kept)
		}
	}
	return filtered, nil
}
