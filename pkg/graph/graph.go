// Package graph builds a validated dependency graph from parsed
// configuration. Attribute expressions that reference other resources are
// resolved into explicit edges here, once; nothing downstream re-derives
// dependencies from text.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"

	"github.com/reifyio/reify/pkg/config"
	"github.com/reifyio/reify/pkg/provider"
)

// Node is one declared resource in the graph. Immutable once the graph is
// built for a run.
type Node struct {
	// ID is the resource identifier, kind.name.
	ID string

	// Kind is the resource kind; it selects the provider.
	Kind string

	// Name is the configuration-local resource name.
	Name string

	// Attrs maps attribute names to their unevaluated expressions.
	Attrs map[string]hcl.Expression

	// DependsOn lists the IDs of nodes this node references, in lexical
	// order.
	DependsOn []string
}

// Graph is the dependency graph of one configuration. Edges point from
// producers to the consumers that reference their attributes.
type Graph struct {
	nodes     map[string]*Node
	consumers map[string][]string
	outputs   []*config.OutputBlock
	order     []string
}

// SchemaLookup resolves resource kinds to provider schemas. *provider.Registry
// satisfies it.
type SchemaLookup interface {
	SchemaFor(kind string) (provider.Schema, bool)
}

// ReferenceError reports a reference to a nonexistent node or attribute.
type ReferenceError struct {
	// Referrer identifies the resource or output containing the reference.
	Referrer string

	// Target is the reference that could not be resolved.
	Target string

	// Detail explains what was missing.
	Detail string
}

// Error implements the error interface.
func (e *ReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference in %s: %s: %s", e.Referrer, e.Target, e.Detail)
}

// SchemaError reports a declared attribute that violates the provider schema.
type SchemaError struct {
	Resource string
	Attr     string
	Detail   string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Attr != "" {
		return fmt.Sprintf("invalid resource %s: attribute %q: %s", e.Resource, e.Attr, e.Detail)
	}
	return fmt.Sprintf("invalid resource %s: %s", e.Resource, e.Detail)
}

// CycleError reports a dependency cycle, naming the participating nodes.
type CycleError struct {
	Nodes []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Nodes, " -> "))
}

// Build constructs a validated graph from a parsed configuration file.
// It resolves every attribute reference into an edge, checks declared
// attributes against the provider schemas, and rejects cycles. Build has no
// side effects; the same input always yields the same graph.
func Build(f *config.File, schemas SchemaLookup) (*Graph, error) {
	g := &Graph{
		nodes:     make(map[string]*Node, len(f.Resources)),
		consumers: make(map[string][]string),
		outputs:   f.Outputs,
	}

	for _, res := range f.Resources {
		schema, ok := schemas.SchemaFor(res.Kind)
		if !ok {
			return nil, &SchemaError{
				Resource: res.Addr(),
				Detail:   fmt.Sprintf("no provider registered for kind %q", res.Kind),
			}
		}
		if err := validateAttrs(res, schema); err != nil {
			return nil, err
		}

		g.nodes[res.Addr()] = &Node{
			ID:    res.Addr(),
			Kind:  res.Kind,
			Name:  res.Name,
			Attrs: res.Attrs,
		}
	}

	for _, res := range f.Resources {
		node := g.nodes[res.Addr()]
		deps := make(map[string]bool)

		for _, expr := range sortedAttrExprs(res.Attrs) {
			targets, err := resolveReferences(res.Addr(), expr, g.nodes, schemas)
			if err != nil {
				return nil, err
			}
			for _, target := range targets {
				if target == node.ID {
					return nil, &CycleError{Nodes: []string{node.ID, node.ID}}
				}
				deps[target] = true
			}
		}

		node.DependsOn = make([]string, 0, len(deps))
		for dep := range deps {
			node.DependsOn = append(node.DependsOn, dep)
		}
		sort.Strings(node.DependsOn)

		for _, dep := range node.DependsOn {
			g.consumers[dep] = append(g.consumers[dep], node.ID)
		}
	}

	for _, ids := range g.consumers {
		sort.Strings(ids)
	}

	for _, out := range f.Outputs {
		if _, err := resolveReferences("output "+out.Name, out.Value, g.nodes, schemas); err != nil {
			return nil, err
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	order, err := g.computeOrder()
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// validateAttrs checks a resource block against its provider schema.
func validateAttrs(res *config.ResourceBlock, schema provider.Schema) error {
	for name := range res.Attrs {
		attr, declared := schema.Attributes[name]
		if !declared {
			return &SchemaError{
				Resource: res.Addr(),
				Attr:     name,
				Detail:   "not declared in the provider schema",
			}
		}
		if attr.Computed {
			return &SchemaError{
				Resource: res.Addr(),
				Attr:     name,
				Detail:   "is computed by the provider and may not be set",
			}
		}
	}

	for name, attr := range schema.Attributes {
		if attr.Required {
			if _, set := res.Attrs[name]; !set {
				return &SchemaError{
					Resource: res.Addr(),
					Attr:     name,
					Detail:   "required attribute is not set",
				}
			}
		}
	}

	return nil
}

// resolveReferences extracts the resource references from an expression and
// validates each against the graph and the producer's schema. It returns the
// referenced node IDs.
func resolveReferences(
	referrer string,
	expr hcl.Expression,
	nodes map[string]*Node,
	schemas SchemaLookup,
) ([]string, error) {
	var targets []string

	for _, traversal := range expr.Variables() {
		target := traversalString(traversal)

		if len(traversal) < 3 {
			return nil, &ReferenceError{
				Referrer: referrer,
				Target:   target,
				Detail:   "references must have the form kind.name.attribute",
			}
		}

		kind := traversal.RootName()
		nameStep, nameOK := traversal[1].(hcl.TraverseAttr)
		attrStep, attrOK := traversal[2].(hcl.TraverseAttr)
		if !nameOK || !attrOK {
			return nil, &ReferenceError{
				Referrer: referrer,
				Target:   target,
				Detail:   "references must have the form kind.name.attribute",
			}
		}

		id := kind + "." + nameStep.Name
		if _, exists := nodes[id]; !exists {
			return nil, &ReferenceError{
				Referrer: referrer,
				Target:   target,
				Detail:   fmt.Sprintf("no resource named %q is declared", id),
			}
		}

		schema, ok := schemas.SchemaFor(kind)
		if !ok {
			return nil, &ReferenceError{
				Referrer: referrer,
				Target:   target,
				Detail:   fmt.Sprintf("no provider registered for kind %q", kind),
			}
		}
		if !schema.HasAttribute(attrStep.Name) {
			return nil, &ReferenceError{
				Referrer: referrer,
				Target:   target,
				Detail:   fmt.Sprintf("resource %q has no attribute %q", id, attrStep.Name),
			}
		}

		targets = append(targets, id)
	}

	return targets, nil
}

// traversalString renders a traversal for error messages.
func traversalString(traversal hcl.Traversal) string {
	var sb strings.Builder
	sb.WriteString(traversal.RootName())
	for _, step := range traversal[1:] {
		if attr, ok := step.(hcl.TraverseAttr); ok {
			sb.WriteString(".")
			sb.WriteString(attr.Name)
		}
	}
	return sb.String()
}

// sortedAttrExprs returns attribute expressions in lexical attribute order
// so validation reports the same error for identical input.
func sortedAttrExprs(attrs map[string]hcl.Expression) []hcl.Expression {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	exprs := make([]hcl.Expression, 0, len(names))
	for _, name := range names {
		exprs = append(exprs, attrs[name])
	}
	return exprs
}

// detectCycles runs depth-first search over the consumer edges and fails
// with the participating nodes when a cycle exists.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	ids := g.IDs()
	for _, id := range ids {
		if !visited[id] {
			if cycle := g.findCycle(id, visited, inStack, nil); cycle != nil {
				return &CycleError{Nodes: cycle}
			}
		}
	}
	return nil
}

// findCycle performs the DFS step for detectCycles.
func (g *Graph) findCycle(id string, visited, inStack map[string]bool, path []string) []string {
	visited[id] = true
	inStack[id] = true
	path = append(path, id)

	for _, consumer := range g.consumers[id] {
		if !visited[consumer] {
			if cycle := g.findCycle(consumer, visited, inStack, path); cycle != nil {
				return cycle
			}
		} else if inStack[consumer] {
			start := 0
			for i, p := range path {
				if p == consumer {
					start = i
					break
				}
			}
			return append(append([]string{}, path[start:]...), consumer)
		}
	}

	inStack[id] = false
	return nil
}

// computeOrder produces the canonical topological order of the graph using
// Kahn's algorithm with a lexically sorted ready set, so independent nodes
// always execute in identifier order.
func (g *Graph) computeOrder() ([]string, error) {
	return TopoOrderIDs(g.IDs(), func(id string) []string {
		return g.nodes[id].DependsOn
	})
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// IDs returns all node IDs in lexical order.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Outputs returns the configuration's output declarations.
func (g *Graph) Outputs() []*config.OutputBlock {
	return g.outputs
}

// Consumers returns the IDs of nodes referencing the given node.
func (g *Graph) Consumers(id string) []string {
	return g.consumers[id]
}

// TopoSort returns node IDs with every producer before its consumers.
// The order is deterministic: ties are broken by identifier lexical order.
func (g *Graph) TopoSort() []string {
	return append([]string{}, g.order...)
}

// ReverseTopoSort returns node IDs with every consumer before its
// producers, the order used for deletions.
func (g *Graph) ReverseTopoSort() []string {
	out := make([]string, len(g.order))
	for i, id := range g.order {
		out[len(g.order)-1-i] = id
	}
	return out
}
