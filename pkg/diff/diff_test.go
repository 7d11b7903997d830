package diff

import (
	"strings"
	"testing"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/reifyio/reify/pkg/config"
	"github.com/reifyio/reify/pkg/graph"
	"github.com/reifyio/reify/pkg/provider"
	"github.com/reifyio/reify/pkg/state"
)

type stubSchemas map[string]provider.Schema

func (s stubSchemas) SchemaFor(kind string) (provider.Schema, bool) {
	schema, ok := s[kind]
	return schema, ok
}

func testSchemas() stubSchemas {
	return stubSchemas{
		"network": {
			Attributes: map[string]provider.AttrSchema{
				"cidr": {Required: true, ForceNew: true},
				"id":   {Computed: true},
			},
		},
		"instance": {
			Attributes: map[string]provider.AttrSchema{
				"network_id": {Required: true},
				"name":       {Required: true},
				"ip":         {Computed: true},
			},
		},
	}
}

func buildGraph(t *testing.T, src string) *graph.Graph {
	t.Helper()
	f, err := config.Parse("test.hcl", []byte(src))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	g, err := graph.Build(f, testSchemas())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return g
}

const twoTierConfig = `
resource "network" "main" {
  cidr = "10.0.0.0/16"
}

resource "instance" "web" {
  network_id = network.main.id
  name       = "web-1"
}
`

// appliedRecords mirrors the state after a successful apply of
// twoTierConfig.
func appliedRecords() map[string]*state.Record {
	return map[string]*state.Record{
		"network.main": {
			ID:         "network.main",
			Kind:       "network",
			Name:       "main",
			ExternalID: "net-1",
			Attrs: map[string]cty.Value{
				"cidr": cty.StringVal("10.0.0.0/16"),
				"id":   cty.StringVal("vpc-123"),
			},
			UpdatedAt: time.Now().UTC(),
		},
		"instance.web": {
			ID:         "instance.web",
			Kind:       "instance",
			Name:       "web",
			ExternalID: "i-1",
			Attrs: map[string]cty.Value{
				"network_id": cty.StringVal("vpc-123"),
				"name":       cty.StringVal("web-1"),
				"ip":         cty.StringVal("10.0.0.5"),
			},
			DependsOn: []string{"network.main"},
			UpdatedAt: time.Now().UTC(),
		},
	}
}

func actionOf(t *testing.T, plan *Plan, id string) Action {
	t.Helper()
	e := plan.Entry(id)
	if e == nil {
		t.Fatalf("Expected plan entry for %s", id)
	}
	return e.Action
}

func TestCompute_EmptyStateCreatesEverything(t *testing.T) {
	g := buildGraph(t, twoTierConfig)

	plan, err := Compute(g, map[string]*state.Record{}, testSchemas())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if plan.Summary.Create != 2 {
		t.Fatalf("Expected 2 creates, got %+v", plan.Summary)
	}
	if plan.Entries[0].ID != "network.main" || plan.Entries[1].ID != "instance.web" {
		t.Errorf("Expected producer before consumer, got %s then %s",
			plan.Entries[0].ID, plan.Entries[1].ID)
	}

	// The consumer's reference is unknown until the producer exists.
	web := plan.Entry("instance.web")
	if web.New["network_id"].IsKnown() {
		t.Error("Expected network_id to be unknown before the network exists")
	}
}

func TestCompute_Idempotence(t *testing.T) {
	g := buildGraph(t, twoTierConfig)

	plan, err := Compute(g, appliedRecords(), testSchemas())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if plan.Summary.HasChanges() {
		t.Fatalf("Expected an all-no-op plan, got %+v", plan.Summary)
	}
	if plan.Summary.Noop != 2 {
		t.Errorf("Expected 2 no-ops, got %d", plan.Summary.Noop)
	}
}

func TestCompute_AttributeChangeIsUpdate(t *testing.T) {
	g := buildGraph(t, `
resource "network" "main" {
  cidr = "10.0.0.0/16"
}

resource "instance" "web" {
  network_id = network.main.id
  name       = "web-2"
}
`)
	plan, err := Compute(g, appliedRecords(), testSchemas())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if got := actionOf(t, plan, "network.main"); got != ActionNoop {
		t.Errorf("Expected network.main no-op, got %s", got)
	}
	if got := actionOf(t, plan, "instance.web"); got != ActionUpdate {
		t.Errorf("Expected instance.web update, got %s", got)
	}

	// The producer is untouched, so the reference resolves from state.
	web := plan.Entry("instance.web")
	if web.New["network_id"] != cty.StringVal("vpc-123") {
		t.Errorf("Expected network_id resolved from state, got %#v", web.New["network_id"])
	}
}

func TestCompute_ForceNewIsReplace(t *testing.T) {
	g := buildGraph(t, `
resource "network" "main" {
  cidr = "10.9.0.0/16"
}

resource "instance" "web" {
  network_id = network.main.id
  name       = "web-1"
}
`)
	plan, err := Compute(g, appliedRecords(), testSchemas())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	network := plan.Entry("network.main")
	if network.Action != ActionReplace {
		t.Fatalf("Expected network.main replace, got %s", network.Action)
	}
	if len(network.ForcedBy) != 1 || network.ForcedBy[0] != "cidr" {
		t.Errorf("Expected replace forced by cidr, got %v", network.ForcedBy)
	}

	// The replacement's computed id is pending, so the consumer must be
	// updated even though its configuration did not change.
	web := plan.Entry("instance.web")
	if web.Action != ActionUpdate {
		t.Fatalf("Expected instance.web update, got %s", web.Action)
	}
	if web.New["network_id"].IsKnown() {
		t.Error("Expected network_id unknown while the network is being replaced")
	}
}

func TestCompute_RemovedResourceIsDeleted(t *testing.T) {
	g := buildGraph(t, `
resource "network" "main" {
  cidr = "10.0.0.0/16"
}
`)
	plan, err := Compute(g, appliedRecords(), testSchemas())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if got := actionOf(t, plan, "instance.web"); got != ActionDelete {
		t.Errorf("Expected instance.web delete, got %s", got)
	}
	if got := actionOf(t, plan, "network.main"); got != ActionNoop {
		t.Errorf("Expected network.main no-op, got %s", got)
	}
	if plan.Entries[0].Action != ActionDelete {
		t.Errorf("Expected deletes before other entries, got %s first", plan.Entries[0].Action)
	}

	web := plan.Entry("instance.web")
	if web.ExternalID != "i-1" {
		t.Errorf("Expected delete entry to carry the external id, got %q", web.ExternalID)
	}
}

func TestCompute_AbsentOptionalEqualsNull(t *testing.T) {
	schemas := stubSchemas{
		"network": {
			Attributes: map[string]provider.AttrSchema{
				"cidr": {Required: true, ForceNew: true},
				"mtu":  {},
				"id":   {Computed: true},
			},
		},
	}
	f, err := config.Parse("test.hcl", []byte(`
resource "network" "main" {
  cidr = "10.0.0.0/16"
}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	g, err := graph.Build(f, schemas)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	records := map[string]*state.Record{
		"network.main": {
			ID:         "network.main",
			Kind:       "network",
			Name:       "main",
			ExternalID: "net-1",
			Attrs: map[string]cty.Value{
				"cidr": cty.StringVal("10.0.0.0/16"),
				"mtu":  cty.NullVal(cty.Number),
				"id":   cty.StringVal("vpc-123"),
			},
			UpdatedAt: time.Now().UTC(),
		},
	}

	plan, err := Compute(g, records, schemas)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if plan.Summary.HasChanges() {
		t.Errorf("Expected no changes when an absent optional is null in state, got %+v", plan.Summary)
	}
}

func TestCompute_DeleteOrderFollowsRecordedDeps(t *testing.T) {
	g := buildGraph(t, `
resource "network" "other" {
  cidr = "192.168.0.0/24"
}
`)
	records := appliedRecords()

	plan, err := Compute(g, records, testSchemas())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	var deleteIDs []string
	for _, e := range plan.Entries {
		if e.Action == ActionDelete {
			deleteIDs = append(deleteIDs, e.ID)
		}
	}
	if len(deleteIDs) != 2 {
		t.Fatalf("Expected 2 deletes, got %v", deleteIDs)
	}
	if deleteIDs[0] != "instance.web" || deleteIDs[1] != "network.main" {
		t.Errorf("Expected consumer deleted before producer, got %v", deleteIDs)
	}
}

func TestComputeDestroy_ReverseOrder(t *testing.T) {
	plan, err := ComputeDestroy(appliedRecords())
	if err != nil {
		t.Fatalf("ComputeDestroy failed: %v", err)
	}

	if plan.Summary.Delete != 2 {
		t.Fatalf("Expected 2 deletes, got %+v", plan.Summary)
	}
	if plan.Entries[0].ID != "instance.web" || plan.Entries[1].ID != "network.main" {
		t.Errorf("Expected instance.web before network.main, got %s then %s",
			plan.Entries[0].ID, plan.Entries[1].ID)
	}
}

func TestRenderJSON(t *testing.T) {
	g := buildGraph(t, twoTierConfig)
	plan, err := Compute(g, map[string]*state.Record{}, testSchemas())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	rendered, err := plan.RenderJSON()
	if err != nil {
		t.Fatalf("RenderJSON failed: %v", err)
	}
	text := string(rendered)
	for _, want := range []string{"network.main", "instance.web", "create", "(known after apply)"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected rendered plan to contain %q", want)
		}
	}
}
