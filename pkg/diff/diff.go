// Package diff compares a desired resource graph against the stored state
// and produces the ordered change set a run will apply.
package diff

import (
	"fmt"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/reifyio/reify/pkg/graph"
	"github.com/reifyio/reify/pkg/provider"
	"github.com/reifyio/reify/pkg/state"
)

// Action is the operation required to reconcile one resource.
type Action string

const (
	// ActionCreate provisions a resource absent from state.
	ActionCreate Action = "create"

	// ActionUpdate changes a resource in place.
	ActionUpdate Action = "update"

	// ActionDelete removes a resource no longer declared.
	ActionDelete Action = "delete"

	// ActionReplace deletes and recreates a resource because an attribute
	// the provider marks ForceNew changed.
	ActionReplace Action = "replace"

	// ActionNoop leaves a resource untouched.
	ActionNoop Action = "no-op"
)

// Entry is one unit of work in a change set.
type Entry struct {
	// ID is the resource identifier, kind.name.
	ID string

	// Kind is the resource kind.
	Kind string

	// Action is the reconciling operation.
	Action Action

	// Old is the last-applied attribute set; nil for creates.
	Old map[string]cty.Value

	// New is the desired attribute set; nil for deletes. Values derived
	// from pending producers are unknown until execution.
	New map[string]cty.Value

	// ExternalID is the provider-assigned id; empty for creates.
	ExternalID string

	// ForcedBy names the ForceNew attributes that triggered a replace.
	ForcedBy []string

	// DependsOn lists the entry's prerequisite resource IDs: graph edges
	// for creates and updates, recorded state edges for deletes.
	DependsOn []string
}

// Summary counts entries by action.
type Summary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	Noop    int `json:"no_op"`
}

// HasChanges reports whether the plan contains any non-no-op entry.
func (s Summary) HasChanges() bool {
	return s.Create+s.Update+s.Delete+s.Replace > 0
}

// Plan is an ordered change set: deletes first in reverse dependency order
// (consumers before producers), then creates and updates in dependency order
// (producers before consumers). Ties are broken by identifier lexical order.
type Plan struct {
	Entries []Entry
	Summary Summary
}

// Entry returns the entry for the given resource ID, or nil.
func (p *Plan) Entry(id string) *Entry {
	for i := range p.Entries {
		if p.Entries[i].ID == id {
			return &p.Entries[i]
		}
	}
	return nil
}

// Actions returns a map of resource ID to planned action, used for graph
// rendering.
func (p *Plan) Actions() map[string]string {
	actions := make(map[string]string, len(p.Entries))
	for _, e := range p.Entries {
		actions[e.ID] = string(e.Action)
	}
	return actions
}

// Compute diffs the desired graph against the loaded state. Nodes are
// processed in topological order; consumers of a changing producer see that
// producer's computed attributes as unknown, which marks them changed, while
// consumers of no-op producers resolve references from state and compare
// exactly. That property makes a second run over unchanged configuration
// produce an all-no-op plan.
func Compute(g *graph.Graph, records map[string]*state.Record, schemas graph.SchemaLookup) (*Plan, error) {
	plan := &Plan{}

	deletes, err := deleteEntries(g, records)
	if err != nil {
		return nil, err
	}
	plan.Entries = append(plan.Entries, deletes...)
	plan.Summary.Delete = len(deletes)

	ev := graph.NewEvaluator(g)
	for _, id := range g.TopoSort() {
		node := g.Node(id)
		schema, ok := schemas.SchemaFor(node.Kind)
		if !ok {
			return nil, fmt.Errorf("no provider registered for kind %q", node.Kind)
		}

		desired, err := ev.EvalNode(id)
		if err != nil {
			return nil, err
		}

		entry := Entry{
			ID:        id,
			Kind:      node.Kind,
			New:       desired,
			DependsOn: node.DependsOn,
		}

		rec, exists := records[id]
		if !exists {
			entry.Action = ActionCreate
			plan.Summary.Create++
			ev.SetResolved(id, projectPending(desired, schema.Attributes))
			plan.Entries = append(plan.Entries, entry)
			continue
		}

		entry.Old = rec.Attrs
		entry.ExternalID = rec.ExternalID

		changed, forced := changedAttrs(desired, rec.Attrs, schema.Attributes)
		switch {
		case len(changed) == 0:
			entry.Action = ActionNoop
			plan.Summary.Noop++
			ev.SetResolved(id, rec.Attrs)
		case len(forced) > 0:
			entry.Action = ActionReplace
			entry.ForcedBy = forced
			plan.Summary.Replace++
			ev.SetResolved(id, projectPending(desired, schema.Attributes))
		default:
			entry.Action = ActionUpdate
			plan.Summary.Update++
			ev.SetResolved(id, projectPending(desired, schema.Attributes))
		}

		plan.Entries = append(plan.Entries, entry)
	}

	return plan, nil
}

// ComputeDestroy produces a change set deleting every resource in state, in
// reverse dependency order.
func ComputeDestroy(records map[string]*state.Record) (*Plan, error) {
	plan := &Plan{}

	order, err := deleteOrder(records, allRecordIDs(records))
	if err != nil {
		return nil, err
	}

	for _, id := range order {
		rec := records[id]
		plan.Entries = append(plan.Entries, Entry{
			ID:         id,
			Kind:       rec.Kind,
			Action:     ActionDelete,
			Old:        rec.Attrs,
			ExternalID: rec.ExternalID,
			DependsOn:  rec.DependsOn,
		})
	}
	plan.Summary.Delete = len(plan.Entries)

	return plan, nil
}

// deleteEntries builds delete entries for every record whose resource is no
// longer declared in the graph.
func deleteEntries(g *graph.Graph, records map[string]*state.Record) ([]Entry, error) {
	var removed []string
	for id := range records {
		if g.Node(id) == nil {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil, nil
	}

	order, err := deleteOrder(records, removed)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(order))
	for _, id := range order {
		rec := records[id]
		entries = append(entries, Entry{
			ID:         id,
			Kind:       rec.Kind,
			Action:     ActionDelete,
			Old:        rec.Attrs,
			ExternalID: rec.ExternalID,
			DependsOn:  rec.DependsOn,
		})
	}
	return entries, nil
}

// deleteOrder sorts the given record IDs so consumers are deleted before the
// producers they reference, using the dependency edges recorded in state.
func deleteOrder(records map[string]*state.Record, ids []string) ([]string, error) {
	order, err := graph.TopoOrderIDs(ids, func(id string) []string {
		return records[id].DependsOn
	})
	if err != nil {
		return nil, fmt.Errorf("stored state contains a dependency cycle: %w", err)
	}

	reversed := make([]string, len(order))
	for i, id := range order {
		reversed[len(order)-1-i] = id
	}
	return reversed, nil
}

// allRecordIDs returns all state record IDs.
func allRecordIDs(records map[string]*state.Record) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// projectPending builds the attribute values a pending create or update
// exposes to its consumers: the desired declared values plus unknown
// placeholders for every computed attribute.
func projectPending(desired map[string]cty.Value, schema map[string]provider.AttrSchema) map[string]cty.Value {
	projected := make(map[string]cty.Value, len(schema))
	for name, val := range desired {
		projected[name] = val
	}
	for name, attr := range schema {
		if attr.Computed {
			projected[name] = cty.UnknownVal(cty.DynamicPseudoType)
		}
	}
	return projected
}

// changedAttrs compares the desired declared attributes against the stored
// ones and returns the changed attribute names, plus the subset whose schema
// marks them ForceNew. Replacement is decided solely by that provider flag,
// never inferred.
func changedAttrs(desired, stored map[string]cty.Value, schema map[string]provider.AttrSchema) (changed, forced []string) {
	names := make([]string, 0, len(schema))
	for name, attr := range schema {
		if !attr.Computed {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		dv, dok := desired[name]
		sv, sok := stored[name]
		if attrValuesEqual(dv, dok, sv, sok) {
			continue
		}
		changed = append(changed, name)
		if schema[name].ForceNew {
			forced = append(forced, name)
		}
	}
	return changed, forced
}

// attrValuesEqual compares one attribute across desired and stored maps.
// Absent and null are equivalent; unknown values (pending upstream changes)
// never compare equal, forcing the consumer to update.
func attrValuesEqual(dv cty.Value, dok bool, sv cty.Value, sok bool) bool {
	dNull := !dok || dv.IsNull()
	sNull := !sok || sv.IsNull()
	if dNull || sNull {
		return dNull && sNull
	}
	if !dv.IsWhollyKnown() || !sv.IsWhollyKnown() {
		return false
	}
	return dv.RawEquals(sv)
}
