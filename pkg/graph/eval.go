package graph

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// EvalError reports a failure to evaluate a node's attribute expressions.
type EvalError struct {
	Node  string
	Diags hcl.Diagnostics
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	msgs := make([]string, 0, len(e.Diags))
	for _, d := range e.Diags {
		msgs = append(msgs, d.Error())
	}
	return fmt.Sprintf("failed to evaluate attributes of %s: %s", e.Node, strings.Join(msgs, "; "))
}

// Evaluator evaluates node attribute expressions against the attributes of
// already-resolved producers. The differ feeds it projected values (with
// unknowns for pending computed attributes); the executor feeds it the
// concrete values committed during the run. Callers resolve nodes in
// topological order so every reference a node makes is ready when the node
// is evaluated. Not safe for concurrent use.
type Evaluator struct {
	g        *Graph
	resolved map[string]map[string]cty.Value
}

// NewEvaluator creates an evaluator with no resolved nodes.
func NewEvaluator(g *Graph) *Evaluator {
	return &Evaluator{
		g:        g,
		resolved: make(map[string]map[string]cty.Value),
	}
}

// SetResolved records the attribute values of a node, making them visible to
// expressions in consumer nodes and outputs.
func (e *Evaluator) SetResolved(id string, attrs map[string]cty.Value) {
	copied := make(map[string]cty.Value, len(attrs))
	for name, val := range attrs {
		copied[name] = val
	}
	e.resolved[id] = copied
}

// Forget removes a node's resolved values, used when the node is deleted.
func (e *Evaluator) Forget(id string) {
	delete(e.resolved, id)
}

// Resolved returns the recorded attribute values of a node.
func (e *Evaluator) Resolved(id string) (map[string]cty.Value, bool) {
	attrs, ok := e.resolved[id]
	return attrs, ok
}

// FinalValues returns all resolved attribute values, keyed by node ID.
func (e *Evaluator) FinalValues() map[string]map[string]cty.Value {
	out := make(map[string]map[string]cty.Value, len(e.resolved))
	for id, attrs := range e.resolved {
		copied := make(map[string]cty.Value, len(attrs))
		for name, val := range attrs {
			copied[name] = val
		}
		out[id] = copied
	}
	return out
}

// EvalContext builds an HCL evaluation context exposing every resolved node
// as kind.name.attribute variables.
func (e *Evaluator) EvalContext() *hcl.EvalContext {
	byKind := make(map[string]map[string]cty.Value)
	for id, attrs := range e.resolved {
		node := e.g.Node(id)
		if node == nil {
			continue
		}
		if byKind[node.Kind] == nil {
			byKind[node.Kind] = make(map[string]cty.Value)
		}
		byKind[node.Kind][node.Name] = cty.ObjectVal(attrs)
	}

	variables := make(map[string]cty.Value, len(byKind))
	for kind, names := range byKind {
		variables[kind] = cty.ObjectVal(names)
	}

	return &hcl.EvalContext{Variables: variables}
}

// EvalNode evaluates the attribute expressions of the given node against the
// currently resolved values and returns the desired attribute map.
func (e *Evaluator) EvalNode(id string) (map[string]cty.Value, error) {
	node := e.g.Node(id)
	if node == nil {
		return nil, fmt.Errorf("unknown node %q", id)
	}

	ctx := e.EvalContext()
	attrs := make(map[string]cty.Value, len(node.Attrs))
	for name, expr := range node.Attrs {
		val, diags := expr.Value(ctx)
		if diags.HasErrors() {
			return nil, &EvalError{Node: id, Diags: diags}
		}
		attrs[name] = val
	}
	return attrs, nil
}
