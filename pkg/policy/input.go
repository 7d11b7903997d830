package policy

import (
	"encoding/json"
	"fmt"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/reifyio/reify/pkg/diff"
)

// unknownValue stands in for attribute values that resolve only at apply
// time, so policies can still match on their presence.
const unknownValue = "(known after apply)"

// planInput builds the JSON document policies evaluate against. Entries
// appear in plan order with their identity, action, and old and new
// attribute values.
func planInput(plan *diff.Plan) (map[string]interface{}, error) {
	entries := make([]map[string]interface{}, 0, len(plan.Entries))
	for _, e := range plan.Entries {
		old, err := attrsDocument(e.Old)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		new_, err := attrsDocument(e.New)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		entry := map[string]interface{}{
			"id":     e.ID,
			"kind":   e.Kind,
			"action": string(e.Action),
		}
		if e.ExternalID != "" {
			entry["external_id"] = e.ExternalID
		}
		if len(e.ForcedBy) > 0 {
			entry["forced_by"] = e.ForcedBy
		}
		if old != nil {
			entry["old"] = old
		}
		if new_ != nil {
			entry["new"] = new_
		}
		entries = append(entries, entry)
	}

	return map[string]interface{}{
		"entries": entries,
		"summary": map[string]interface{}{
			"create":  plan.Summary.Create,
			"update":  plan.Summary.Update,
			"delete":  plan.Summary.Delete,
			"replace": plan.Summary.Replace,
			"no_op":   plan.Summary.Noop,
		},
	}, nil
}

// attrsDocument converts an attribute set into plain JSON values. Values
// not yet known are replaced by a placeholder string.
func attrsDocument(attrs map[string]cty.Value) (map[string]interface{}, error) {
	if attrs == nil {
		return nil, nil
	}
	doc := make(map[string]interface{}, len(attrs))
	for name, v := range attrs {
		if !v.IsWhollyKnown() {
			doc[name] = unknownValue
			continue
		}
		raw, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		doc[name] = decoded
	}
	return doc, nil
}
