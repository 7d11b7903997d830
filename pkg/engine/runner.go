package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"

	"github.com/reifyio/reify/pkg/config"
	"github.com/reifyio/reify/pkg/diff"
	"github.com/reifyio/reify/pkg/graph"
	"github.com/reifyio/reify/pkg/outputs"
	"github.com/reifyio/reify/pkg/policy"
	"github.com/reifyio/reify/pkg/provider"
	"github.com/reifyio/reify/pkg/state"
	"github.com/reifyio/reify/pkg/telemetry"
)

// Run statuses recorded in history.
const (
	RunStatusExecuting = "executing"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Runner drives a full run: parse, build, diff, policy check, execute,
// resolve outputs. It holds the store lock for the mutating part of the
// pipeline and records the run in history when the store supports it.
type Runner struct {
	Store       state.Store
	Registry    *provider.Registry
	Policy      *policy.Engine
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
	Parallelism int
	OpTimeout   time.Duration
}

// PlanResult is the outcome of the read-only planning pipeline.
type PlanResult struct {
	File       *config.File
	Graph      *graph.Graph
	Plan       *diff.Plan
	Violations []policy.Violation
}

// ApplyResult is the outcome of an apply or destroy run.
type ApplyResult struct {
	RunID   string
	Status  string
	Plan    *diff.Plan
	Results []EntryResult
	Summary state.RunSummary
	Outputs map[string]cty.Value
}

// Plan parses the configuration directory, builds the resource graph,
// loads state, and computes the change set. It mutates nothing.
func (r *Runner) Plan(ctx context.Context, dir string) (*PlanResult, error) {
	f, err := config.ParseDir(dir)
	if err != nil {
		return nil, newRunError(PhaseParse, "", err)
	}

	g, err := graph.Build(f, r.Registry)
	if err != nil {
		return nil, newRunError(PhaseParse, "", err)
	}

	records, err := r.Store.Load(ctx)
	if err != nil {
		return nil, newRunError(PhasePlan, "", err)
	}

	plan, err := diff.Compute(g, records, r.Registry)
	if err != nil {
		return nil, newRunError(PhasePlan, "", err)
	}

	violations, err := r.checkPolicy(ctx, plan)
	if err != nil {
		return nil, err
	}

	r.Logger.Info().
		Int("create", plan.Summary.Create).
		Int("update", plan.Summary.Update).
		Int("delete", plan.Summary.Delete).
		Int("replace", plan.Summary.Replace).
		Int("no_op", plan.Summary.Noop).
		Msg("Plan computed")
	return &PlanResult{File: f, Graph: g, Plan: plan, Violations: violations}, nil
}

// Apply reconciles the configuration against real infrastructure. The store
// lock is held from before planning until the run finishes, so the state
// read by the differ is the state the executor mutates.
func (r *Runner) Apply(ctx context.Context, dir string) (*ApplyResult, error) {
	return r.run(ctx, "apply", func(ctx context.Context) (*PlanResult, error) {
		return r.Plan(ctx, dir)
	})
}

// Destroy deletes every resource tracked in state, consumers before
// producers. The configuration directory is not consulted.
func (r *Runner) Destroy(ctx context.Context) (*ApplyResult, error) {
	return r.run(ctx, "destroy", func(ctx context.Context) (*PlanResult, error) {
		records, err := r.Store.Load(ctx)
		if err != nil {
			return nil, newRunError(PhasePlan, "", err)
		}
		plan, err := diff.ComputeDestroy(records)
		if err != nil {
			return nil, newRunError(PhasePlan, "", err)
		}
		violations, err := r.checkPolicy(ctx, plan)
		if err != nil {
			return nil, err
		}
		return &PlanResult{Plan: plan, Violations: violations}, nil
	})
}

func (r *Runner) run(ctx context.Context, operation string, plan func(ctx context.Context) (*PlanResult, error)) (*ApplyResult, error) {
	lock, err := r.Store.Lock(ctx, operation)
	if err != nil {
		return nil, newRunError(PhaseApply, "", err)
	}
	defer func() {
		if uerr := r.Store.Unlock(context.WithoutCancel(ctx), lock.ID); uerr != nil {
			r.Logger.Warn().Err(uerr).Msg("Failed to release state lock")
		}
	}()

	pr, err := plan(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	ctx, span := r.Tracer.StartRun(ctx, operation, runID)
	started := time.Now()

	res := &ApplyResult{RunID: runID, Plan: pr.Plan}
	if !pr.Plan.Summary.HasChanges() {
		res.Status = RunStatusCompleted
		res.Summary.Unchanged = pr.Plan.Summary.Noop
		if pr.Graph != nil {
			outs, oerr := r.resolveOutputs(pr)
			if oerr != nil {
				telemetry.EndSpan(span, oerr)
				return res, oerr
			}
			res.Outputs = outs
		}
		telemetry.EndSpan(span, nil)
		return res, nil
	}

	r.Metrics.RunStarted(operation)
	r.saveRun(ctx, &state.Run{
		ID:        runID,
		Operation: operation,
		Status:    RunStatusExecuting,
		StartedAt: started.UTC(),
	})

	exec := &Executor{
		Store:       r.Store,
		Registry:    r.Registry,
		Logger:      telemetry.ComponentLogger(r.Logger, "executor"),
		Metrics:     r.Metrics,
		Tracer:      r.Tracer,
		Parallelism: r.Parallelism,
		OpTimeout:   r.OpTimeout,
		RunID:       runID,
	}
	execRes, execErr := exec.Execute(ctx, pr.Graph, pr.Plan)
	res.Results = execRes.Results
	res.Summary = execRes.Summary

	var outErr error
	if execErr == nil && pr.Graph != nil {
		res.Outputs, outErr = r.resolveOutputsFrom(pr, execRes.Final)
	}

	runErr := execErr
	if runErr == nil {
		runErr = outErr
	}

	status := RunStatusCompleted
	errText := ""
	if runErr != nil {
		status = RunStatusFailed
		errText = runErr.Error()
	}
	res.Status = status

	completed := time.Now().UTC()
	r.saveRun(ctx, &state.Run{
		ID:          runID,
		Operation:   operation,
		Status:      status,
		StartedAt:   started.UTC(),
		CompletedAt: &completed,
		Error:       errText,
		Summary:     res.Summary,
	})
	r.Metrics.RunCompleted(operation, status, time.Since(started))
	telemetry.EndSpan(span, runErr)

	if runErr != nil {
		return res, runErr
	}
	r.Logger.Info().
		Str("run_id", runID).
		Int("created", res.Summary.Created).
		Int("updated", res.Summary.Updated).
		Int("deleted", res.Summary.Deleted).
		Int("replaced", res.Summary.Replaced).
		Msg("Run completed")
	return res, nil
}

// resolveOutputs evaluates outputs against the stored attribute values when
// a run applied no changes.
func (r *Runner) resolveOutputs(pr *PlanResult) (map[string]cty.Value, error) {
	final := make(map[string]map[string]cty.Value)
	for _, e := range pr.Plan.Entries {
		if e.Action == diff.ActionNoop {
			final[e.ID] = e.Old
		}
	}
	return r.resolveOutputsFrom(pr, final)
}

func (r *Runner) resolveOutputsFrom(pr *PlanResult, final map[string]map[string]cty.Value) (map[string]cty.Value, error) {
	outs, err := outputs.Resolve(pr.Graph.Outputs(), final)
	if err != nil {
		return nil, newRunError(PhaseOutput, "", err)
	}
	return outs, nil
}

// checkPolicy evaluates the plan against loaded policies. Denials abort the
// run before anything executes; warnings are surfaced to the caller.
func (r *Runner) checkPolicy(ctx context.Context, plan *diff.Plan) ([]policy.Violation, error) {
	if r.Policy == nil {
		return nil, nil
	}
	result, err := r.Policy.Evaluate(ctx, plan)
	if err != nil {
		return nil, newRunError(PhasePlan, "", fmt.Errorf("policy evaluation: %w", err))
	}
	if denied := result.Denials(); len(denied) > 0 {
		return result.Violations, newRunError(PhasePlan, "", &policy.DeniedError{Violations: denied})
	}
	return result.Violations, nil
}

func (r *Runner) saveRun(ctx context.Context, run *state.Run) {
	hs, ok := r.Store.(state.HistoryStore)
	if !ok {
		return
	}
	if err := hs.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		r.Logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record run")
	}
}
