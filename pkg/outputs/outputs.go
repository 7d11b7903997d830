// Package outputs evaluates declared output expressions against the final
// resource attributes of a completed run.
package outputs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/reifyio/reify/pkg/config"
)

// Error reports an output expression that could not be resolved, typically
// because it references an attribute of a resource that no longer exists.
type Error struct {
	Output string
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("failed to resolve output %q: %s", e.Output, e.Detail)
}

// Resolve evaluates each declared output against the final attributes of all
// nodes, keyed by resource ID. Resolution has no side effects.
func Resolve(outs []*config.OutputBlock, final map[string]map[string]cty.Value) (map[string]cty.Value, error) {
	ctx := evalContext(final)

	resolved := make(map[string]cty.Value, len(outs))
	for _, out := range outs {
		val, diags := out.Value.Value(ctx)
		if diags.HasErrors() {
			msgs := make([]string, 0, len(diags))
			for _, d := range diags {
				msgs = append(msgs, d.Error())
			}
			return nil, &Error{Output: out.Name, Detail: strings.Join(msgs, "; ")}
		}
		if !val.IsWhollyKnown() {
			return nil, &Error{Output: out.Name, Detail: "value is not known after execution"}
		}
		resolved[out.Name] = val
	}

	return resolved, nil
}

// Names returns the resolved output names in lexical order.
func Names(resolved map[string]cty.Value) []string {
	names := make([]string, 0, len(resolved))
	for name := range resolved {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// evalContext exposes final attributes as kind.name.attribute variables.
func evalContext(final map[string]map[string]cty.Value) *hcl.EvalContext {
	byKind := make(map[string]map[string]cty.Value)
	for id, attrs := range final {
		kind, name, ok := splitID(id)
		if !ok {
			continue
		}
		if byKind[kind] == nil {
			byKind[kind] = make(map[string]cty.Value)
		}
		byKind[kind][name] = cty.ObjectVal(attrs)
	}

	variables := make(map[string]cty.Value, len(byKind))
	for kind, names := range byKind {
		variables[kind] = cty.ObjectVal(names)
	}
	return &hcl.EvalContext{Variables: variables}
}

// splitID splits a kind.name identifier.
func splitID(id string) (kind, name string, ok bool) {
	i := strings.Index(id, ".")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}
