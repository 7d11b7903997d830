package diff

import (
	"encoding/json"
	"fmt"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// unknownPlaceholder stands in for values that only become known once the
// producing resource has been applied.
const unknownPlaceholder = "(known after apply)"

// renderedEntry is the JSON form of one change entry.
type renderedEntry struct {
	ID         string                     `json:"id"`
	Kind       string                     `json:"kind"`
	Action     Action                     `json:"action"`
	ExternalID string                     `json:"external_id,omitempty"`
	ForcedBy   []string                   `json:"forced_by,omitempty"`
	Old        map[string]json.RawMessage `json:"old,omitempty"`
	New        map[string]json.RawMessage `json:"new,omitempty"`
}

// renderedPlan is the JSON form of a plan.
type renderedPlan struct {
	Entries []renderedEntry `json:"entries"`
	Summary Summary         `json:"summary"`
}

// RenderJSON serializes the plan for display or storage. Unknown values are
// rendered as a placeholder string.
func (p *Plan) RenderJSON() ([]byte, error) {
	out := renderedPlan{
		Entries: make([]renderedEntry, 0, len(p.Entries)),
		Summary: p.Summary,
	}

	for _, e := range p.Entries {
		re := renderedEntry{
			ID:         e.ID,
			Kind:       e.Kind,
			Action:     e.Action,
			ExternalID: e.ExternalID,
			ForcedBy:   e.ForcedBy,
		}

		var err error
		if re.Old, err = renderAttrs(e.Old); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", e.ID, err)
		}
		if re.New, err = renderAttrs(e.New); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", e.ID, err)
		}

		out.Entries = append(out.Entries, re)
	}

	return json.MarshalIndent(out, "", "  ")
}

// renderAttrs converts an attribute map to JSON values.
func renderAttrs(attrs map[string]cty.Value) (map[string]json.RawMessage, error) {
	if attrs == nil {
		return nil, nil
	}

	out := make(map[string]json.RawMessage, len(attrs))
	for name, val := range attrs {
		if !val.IsWhollyKnown() {
			placeholder, _ := json.Marshal(unknownPlaceholder)
			out[name] = placeholder
			continue
		}
		data, err := ctyjson.Marshal(val, val.Type())
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}
