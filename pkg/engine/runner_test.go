package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/reifyio/reify/pkg/provider"
	"github.com/reifyio/reify/pkg/providers/mem"
	"github.com/reifyio/reify/pkg/state"
	"github.com/reifyio/reify/pkg/telemetry"
)

func networkSchema() provider.Schema {
	return provider.Schema{
		Attributes: map[string]provider.AttrSchema{
			"cidr": {Required: true, ForceNew: true},
			"id":   {Computed: true},
		},
	}
}

func instanceSchema() provider.Schema {
	return provider.Schema{
		Attributes: map[string]provider.AttrSchema{
			"network_id": {Required: true},
			"name":       {Required: true},
			"ip":         {Computed: true},
		},
	}
}

type testEnv struct {
	runner   *Runner
	store    *state.SQLiteStore
	network  *mem.Provider
	instance *mem.Provider
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := state.NewSQLiteStore(state.Config{
		Path:        filepath.Join(t.TempDir(), "state.db"),
		LockTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	network := mem.New(networkSchema())
	instance := mem.New(instanceSchema())

	registry := provider.NewRegistry()
	if err := registry.Register("network", network); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registry.Register("instance", instance); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tracer, err := telemetry.NewTracer(false, "reify", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}

	return &testEnv{
		runner: &Runner{
			Store:       store,
			Registry:    registry,
			Logger:      zerolog.Nop(),
			Metrics:     telemetry.NewMetrics(false),
			Tracer:      tracer,
			Parallelism: 2,
			OpTimeout:   5 * time.Second,
		},
		store:    store,
		network:  network,
		instance: instance,
		dir:      t.TempDir(),
	}
}

func (e *testEnv) writeConfig(t *testing.T, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.dir, "main.hcl"), []byte(src), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

const twoTierConfig = `
resource "network" "main" {
  cidr = "10.0.0.0/16"
}

resource "instance" "web" {
  network_id = network.main.id
  name       = "web-1"
}

output "web_ip" {
  value = instance.web.ip
}
`

func TestRunner_ApplyCreatesInOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.writeConfig(t, twoTierConfig)

	res, err := env.runner.Apply(ctx, env.dir)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if res.Status != RunStatusCompleted {
		t.Errorf("Expected status completed, got %s", res.Status)
	}
	if res.Summary.Created != 2 {
		t.Errorf("Expected 2 created, got %+v", res.Summary)
	}

	records, err := env.store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}

	// The instance saw the network's committed id, not a placeholder.
	networkID := records["network.main"].Attrs["id"]
	gotRef := records["instance.web"].Attrs["network_id"]
	if gotRef != networkID {
		t.Errorf("Expected instance network_id %#v, got %#v", networkID, gotRef)
	}
	deps := records["instance.web"].DependsOn
	if len(deps) != 1 || deps[0] != "network.main" {
		t.Errorf("Expected recorded dependency on network.main, got %v", deps)
	}

	ip, ok := res.Outputs["web_ip"]
	if !ok {
		t.Fatal("Expected output web_ip")
	}
	obj, ok := env.instance.Get(records["instance.web"].ExternalID)
	if !ok {
		t.Fatal("Expected instance object to exist")
	}
	if ip != obj.Attrs["ip"] {
		t.Errorf("Expected output %#v, got %#v", obj.Attrs["ip"], ip)
	}
}

func TestRunner_ApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.writeConfig(t, twoTierConfig)

	if _, err := env.runner.Apply(ctx, env.dir); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}

	res, err := env.runner.Apply(ctx, env.dir)
	if err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}
	if res.Summary.Created+res.Summary.Updated+res.Summary.Deleted+res.Summary.Replaced != 0 {
		t.Errorf("Expected no operations on re-apply, got %+v", res.Summary)
	}
	if res.Summary.Unchanged != 2 {
		t.Errorf("Expected 2 unchanged, got %d", res.Summary.Unchanged)
	}
	if _, ok := res.Outputs["web_ip"]; !ok {
		t.Error("Expected outputs resolved on a no-change run")
	}
	if env.instance.Len() != 1 || env.network.Len() != 1 {
		t.Error("Expected providers untouched on re-apply")
	}
}

func TestRunner_ReplacePropagatesNewID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.writeConfig(t, twoTierConfig)

	if _, err := env.runner.Apply(ctx, env.dir); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}
	before, _ := env.store.Load(ctx)
	oldNetworkExternal := before["network.main"].ExternalID

	env.writeConfig(t, `
resource "network" "main" {
  cidr = "10.9.0.0/16"
}

resource "instance" "web" {
  network_id = network.main.id
  name       = "web-1"
}

output "web_ip" {
  value = instance.web.ip
}
`)
	res, err := env.runner.Apply(ctx, env.dir)
	if err != nil {
		t.Fatalf("Replace apply failed: %v", err)
	}
	if res.Summary.Replaced != 1 || res.Summary.Updated != 1 {
		t.Errorf("Expected 1 replaced and 1 updated, got %+v", res.Summary)
	}

	records, _ := env.store.Load(ctx)
	newNetworkExternal := records["network.main"].ExternalID
	if newNetworkExternal == oldNetworkExternal {
		t.Error("Expected the network to have a new external id after replace")
	}
	if _, ok := env.network.Get(oldNetworkExternal); ok {
		t.Error("Expected the old network object to be gone")
	}
	if records["instance.web"].Attrs["network_id"] != records["network.main"].Attrs["id"] {
		t.Error("Expected the instance to reference the replacement network")
	}
}

func TestRunner_FailureHaltsAndResumes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.writeConfig(t, twoTierConfig)

	bang := errors.New("simulated create failure")
	env.instance.Hook = func(ctx context.Context, op, externalID string) error {
		if op == "create" {
			return bang
		}
		return nil
	}

	res, err := env.runner.Apply(ctx, env.dir)
	if err == nil {
		t.Fatal("Expected apply to fail")
	}
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Expected RunError, got %T: %v", err, err)
	}
	if runErr.Phase != PhaseApply || runErr.ResourceID != "instance.web" {
		t.Errorf("Unexpected failure attribution: %+v", runErr)
	}
	if res == nil || res.Status != RunStatusFailed {
		t.Fatalf("Expected a failed result, got %+v", res)
	}

	// The network committed before the failure and survives it.
	records, _ := env.store.Load(ctx)
	if len(records) != 1 {
		t.Fatalf("Expected 1 committed record, got %d", len(records))
	}
	if _, ok := records["network.main"]; !ok {
		t.Error("Expected network.main committed")
	}

	// A re-run picks up from the failure point: the network is untouched.
	env.instance.Hook = nil
	res, err = env.runner.Apply(ctx, env.dir)
	if err != nil {
		t.Fatalf("Resumed apply failed: %v", err)
	}
	if res.Summary.Created != 1 || res.Summary.Unchanged != 1 {
		t.Errorf("Expected 1 create and 1 unchanged on resume, got %+v", res.Summary)
	}
	if env.network.Len() != 1 {
		t.Errorf("Expected exactly one network object, got %d", env.network.Len())
	}
}

func TestRunner_FirstFailureStopsScheduling(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.runner.Parallelism = 1
	env.writeConfig(t, `
resource "network" "a" {
  cidr = "10.0.0.0/24"
}

resource "network" "b" {
  cidr = "10.0.1.0/24"
}

resource "network" "c" {
  cidr = "10.0.2.0/24"
}
`)

	env.network.Hook = func(ctx context.Context, op, externalID string) error {
		return errors.New("provider down")
	}

	res, err := env.runner.Apply(ctx, env.dir)
	if err == nil {
		t.Fatal("Expected apply to fail")
	}

	var failed, skipped int
	for _, r := range res.Results {
		switch r.Status {
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	if failed != 1 {
		t.Errorf("Expected exactly 1 failed entry, got %d", failed)
	}
	if skipped != 2 {
		t.Errorf("Expected 2 skipped entries, got %d", skipped)
	}
	if env.network.Len() != 0 {
		t.Errorf("Expected no objects created, got %d", env.network.Len())
	}
}

func TestRunner_OperationTimeout(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.runner.OpTimeout = 50 * time.Millisecond
	env.writeConfig(t, `
resource "network" "slow" {
  cidr = "10.0.0.0/24"
}
`)

	env.network.Hook = func(ctx context.Context, op, externalID string) error {
		select {
		case <-time.After(2 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err := env.runner.Apply(ctx, env.dir)
	if err == nil {
		t.Fatal("Expected apply to time out")
	}
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %T: %v", err, err)
	}
	if timeoutErr.ResourceID != "network.slow" {
		t.Errorf("Unexpected timeout attribution: %+v", timeoutErr)
	}
}

func TestRunner_CancellationFinishesInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.writeConfig(t, twoTierConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel the run while the network create is in flight; the create
	// must still finish and commit, and the instance must never start.
	env.network.Hook = func(hctx context.Context, op, externalID string) error {
		cancel()
		return nil
	}

	res, err := env.runner.Apply(ctx, env.dir)
	if err == nil {
		t.Fatal("Expected a cancelled apply to report an error")
	}

	records, lerr := env.store.Load(context.Background())
	if lerr != nil {
		t.Fatalf("Load failed: %v", lerr)
	}
	if _, ok := records["network.main"]; !ok {
		t.Error("Expected the in-flight create to commit despite cancellation")
	}
	if _, ok := records["instance.web"]; ok {
		t.Error("Expected no new entries scheduled after cancellation")
	}
	if env.instance.Len() != 0 {
		t.Error("Expected the instance provider untouched")
	}

	for _, r := range res.Results {
		if r.ID == "network.main" && r.Status != StatusApplied {
			t.Errorf("Expected network.main applied, got %s", r.Status)
		}
		if r.ID == "instance.web" && r.Status != StatusSkipped {
			t.Errorf("Expected instance.web skipped, got %s", r.Status)
		}
	}
}

func TestRunner_DestroyDeletesInReverseOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.writeConfig(t, twoTierConfig)

	if _, err := env.runner.Apply(ctx, env.dir); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	var order []string
	env.network.Hook = func(ctx context.Context, op, externalID string) error {
		order = append(order, "network:"+op)
		return nil
	}
	env.instance.Hook = func(ctx context.Context, op, externalID string) error {
		order = append(order, "instance:"+op)
		return nil
	}

	res, err := env.runner.Destroy(ctx)
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if res.Summary.Deleted != 2 {
		t.Errorf("Expected 2 deleted, got %+v", res.Summary)
	}
	if len(order) != 2 || order[0] != "instance:delete" || order[1] != "network:delete" {
		t.Errorf("Expected instance deleted before network, got %v", order)
	}

	records, _ := env.store.Load(ctx)
	if len(records) != 0 {
		t.Errorf("Expected empty state after destroy, got %d records", len(records))
	}
	if env.network.Len()+env.instance.Len() != 0 {
		t.Error("Expected all objects deleted")
	}
}

func TestRunner_RecordsRunHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.writeConfig(t, twoTierConfig)

	if _, err := env.runner.Apply(ctx, env.dir); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	runs, err := env.store.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 recorded run, got %d", len(runs))
	}
	run := runs[0]
	if run.Operation != "apply" || run.Status != RunStatusCompleted {
		t.Errorf("Unexpected run record: %+v", run)
	}
	if run.Summary.Created != 2 {
		t.Errorf("Expected 2 created in run summary, got %+v", run.Summary)
	}

	events, err := env.store.ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) == 0 {
		t.Error("Expected events recorded for the run")
	}
}

func TestRunner_LockHeld(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.writeConfig(t, twoTierConfig)

	lock, err := env.store.Lock(ctx, "apply")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer func() { _ = env.store.Unlock(ctx, lock.ID) }()

	_, err = env.runner.Apply(ctx, env.dir)
	if err == nil {
		t.Fatal("Expected apply to fail while the lock is held")
	}
	var held *state.LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("Expected LockHeldError, got %T: %v", err, err)
	}
	if IsConfigError(err) {
		t.Error("A held lock is an execution failure, not a configuration error")
	}
}

func TestIsConfigError(t *testing.T) {
	env := newTestEnv(t)
	env.writeConfig(t, `resource "network" {`)

	_, err := env.runner.Plan(context.Background(), env.dir)
	if err == nil {
		t.Fatal("Expected a parse error")
	}
	if !IsConfigError(err) {
		t.Errorf("Expected parse failure to classify as config error: %v", err)
	}

	execErr := newRunError(PhaseApply, "network.main", fmt.Errorf("boom"))
	if IsConfigError(execErr) {
		t.Error("Expected a provider failure to classify as execution failure")
	}
}
