package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"

	"github.com/reifyio/reify/pkg/diff"
	"github.com/reifyio/reify/pkg/graph"
	"github.com/reifyio/reify/pkg/provider"
	"github.com/reifyio/reify/pkg/state"
	"github.com/reifyio/reify/pkg/telemetry"
)

// EntryStatus is the outcome of one change entry.
type EntryStatus string

const (
	// StatusApplied means the operation succeeded and was committed.
	StatusApplied EntryStatus = "applied"

	// StatusFailed means the operation failed; nothing was committed for
	// this entry beyond what the provider confirmed.
	StatusFailed EntryStatus = "failed"

	// StatusSkipped means the entry was never dispatched because an
	// earlier failure or a cancellation halted scheduling.
	StatusSkipped EntryStatus = "skipped"
)

// EntryResult records the outcome of one entry.
type EntryResult struct {
	ID          string      `json:"id"`
	Action      diff.Action `json:"action"`
	Status      EntryStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`

	Err error `json:"-"`
}

// Result is the outcome of an execution: per-entry results, aggregate
// counts, and the final attribute values of every surviving resource.
type Result struct {
	Results []EntryResult
	Summary state.RunSummary

	// Final maps resource ID to resolved attributes for every resource
	// that exists after the run. Output expressions evaluate against it.
	Final map[string]map[string]cty.Value
}

// Executor walks a change set in dependency waves and applies each entry
// through its provider. State is committed after every confirmed operation,
// so an interrupted run can resume from exactly where it stopped. The first
// failure halts scheduling; operations already in flight finish and commit.
type Executor struct {
	Store       state.Store
	Registry    *provider.Registry
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
	Parallelism int
	OpTimeout   time.Duration

	// RunID attaches events to a recorded run when the store keeps history.
	RunID string

	mu sync.Mutex
}

// Execute applies the plan. Deletes run first, consumers before producers,
// then creates and updates run producers before consumers. Entries in the
// same wave have no path between them and may run in parallel up to
// Parallelism. g may be nil for destroy runs, which carry only deletes.
func (x *Executor) Execute(ctx context.Context, g *graph.Graph, plan *diff.Plan) (*Result, error) {
	byID := make(map[string]*diff.Entry, len(plan.Entries))
	for i := range plan.Entries {
		byID[plan.Entries[i].ID] = &plan.Entries[i]
	}

	var ev *graph.Evaluator
	if g != nil {
		ev = graph.NewEvaluator(g)
		for _, e := range plan.Entries {
			if e.Action == diff.ActionNoop {
				ev.SetResolved(e.ID, e.Old)
			}
		}
	}

	waves, err := x.buildWaves(g, plan, byID)
	if err != nil {
		return nil, newRunError(PhaseApply, "", err)
	}

	res := &Result{}
	res.Summary.Unchanged = plan.Summary.Noop
	for wi, wave := range waves {
		waveErr := x.runWave(ctx, ev, g, wave, byID, res)
		if waveErr != nil {
			x.skipRemaining(waves[wi+1:], byID, res)
			x.finalValues(ev, res)
			return res, waveErr
		}
	}

	x.finalValues(ev, res)
	return res, nil
}

// buildWaves orders the plan into dependency waves: delete waves computed
// from the edges recorded in state, then change waves from the graph with
// no-op nodes excluded. Filtering preserves ordering through excluded
// nodes, so a consumer still waits for a changing transitive producer.
func (x *Executor) buildWaves(g *graph.Graph, plan *diff.Plan, byID map[string]*diff.Entry) ([][]string, error) {
	var deletes []string
	dependents := make(map[string][]string)
	for _, e := range plan.Entries {
		if e.Action != diff.ActionDelete {
			continue
		}
		deletes = append(deletes, e.ID)
		for _, dep := range e.DependsOn {
			dependents[dep] = append(dependents[dep], e.ID)
		}
	}

	// Consumers precede producers: a deleted resource waits for the
	// deletion of everything that depended on it.
	waves, err := graph.WavesOf(deletes, func(id string) []string {
		return dependents[id]
	})
	if err != nil {
		return nil, err
	}

	if g != nil {
		changeWaves, err := g.Waves(func(id string) bool {
			e := byID[id]
			if e == nil {
				return false
			}
			switch e.Action {
			case diff.ActionCreate, diff.ActionUpdate, diff.ActionReplace:
				return true
			}
			return false
		})
		if err != nil {
			return nil, err
		}
		waves = append(waves, changeWaves...)
	}
	return waves, nil
}

// runWave dispatches one wave through a bounded worker pool. A failure or a
// cancelled context stops further dispatch; entries already running finish
// and commit their outcome. The first error in wave order is returned.
func (x *Executor) runWave(ctx context.Context, ev *graph.Evaluator, g *graph.Graph, wave []string, byID map[string]*diff.Entry, res *Result) error {
	workers := x.Parallelism
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	errs := make([]error, len(wave))
	var wg sync.WaitGroup
	var halted atomic.Bool

	for i, id := range wave {
		entry := byID[id]
		if halted.Load() || ctx.Err() != nil {
			x.record(res, EntryResult{ID: entry.ID, Action: entry.Action, Status: StatusSkipped})
			continue
		}

		sem <- struct{}{}
		// An earlier entry may have failed while this one waited for a
		// worker slot.
		if halted.Load() || ctx.Err() != nil {
			<-sem
			x.record(res, EntryResult{ID: entry.ID, Action: entry.Action, Status: StatusSkipped})
			continue
		}
		wg.Add(1)
		go func(i int, entry *diff.Entry) {
			defer wg.Done()
			defer func() { <-sem }()

			started := time.Now()
			err := x.applyEntry(ctx, ev, g, entry)
			result := EntryResult{
				ID:          entry.ID,
				Action:      entry.Action,
				Status:      StatusApplied,
				StartedAt:   started,
				CompletedAt: time.Now(),
			}
			if err != nil {
				halted.Store(true)
				errs[i] = err
				result.Status = StatusFailed
				result.Error = err.Error()
				result.Err = err
			}
			x.record(res, result)
		}(i, entry)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return newRunError(PhaseApply, "", fmt.Errorf("run cancelled: %w", err))
	}
	return nil
}

// skipRemaining marks every entry in the unvisited waves as skipped.
func (x *Executor) skipRemaining(waves [][]string, byID map[string]*diff.Entry, res *Result) {
	for _, wave := range waves {
		for _, id := range wave {
			entry := byID[id]
			x.record(res, EntryResult{ID: entry.ID, Action: entry.Action, Status: StatusSkipped})
		}
	}
}

// applyEntry runs one provider operation and commits its outcome. The
// operation context is detached from run cancellation and bounded by the
// per-operation timeout, so an in-flight operation always gets to finish
// and record what it did.
func (x *Executor) applyEntry(ctx context.Context, ev *graph.Evaluator, g *graph.Graph, entry *diff.Entry) error {
	logger := x.Logger.With().
		Str("resource", entry.ID).
		Str("action", string(entry.Action)).
		Logger()
	logger.Info().Msg("Applying change")
	x.event(ctx, entry.ID, "info", fmt.Sprintf("%s %s started", entry.Action, entry.ID))

	p, err := x.Registry.Get(entry.Kind)
	if err != nil {
		return newRunError(PhaseApply, entry.ID, err)
	}

	commitCtx := context.WithoutCancel(ctx)
	opCtx, cancel := context.WithTimeout(commitCtx, x.OpTimeout)
	defer cancel()

	spanCtx, span := x.Tracer.StartOperation(opCtx, entry.ID, string(entry.Action))

	started := time.Now()
	err = x.dispatch(spanCtx, commitCtx, ev, g, p, entry)
	duration := time.Since(started)

	telemetry.EndSpan(span, err)
	x.Metrics.ProviderOperation(entry.Kind, string(entry.Action), duration)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{ResourceID: entry.ID, Operation: string(entry.Action), Timeout: x.OpTimeout}
		}
		var perr *provider.Error
		if errors.As(err, &perr) {
			x.Metrics.ProviderError(entry.Kind, string(perr.Class))
		}
		x.Metrics.EntryApplied(string(entry.Action), string(StatusFailed))
		x.event(ctx, entry.ID, "error", fmt.Sprintf("%s %s failed: %v", entry.Action, entry.ID, err))
		logger.Error().Err(err).Dur("duration", duration).Msg("Change failed")
		return newRunError(PhaseApply, entry.ID, err)
	}

	x.Metrics.EntryApplied(string(entry.Action), string(StatusApplied))
	x.event(ctx, entry.ID, "info", fmt.Sprintf("%s %s completed", entry.Action, entry.ID))
	logger.Info().Dur("duration", duration).Msg("Change applied")
	return nil
}

// dispatch performs the provider call for one entry and commits state.
func (x *Executor) dispatch(opCtx, commitCtx context.Context, ev *graph.Evaluator, g *graph.Graph, p provider.Provider, entry *diff.Entry) error {
	switch entry.Action {
	case diff.ActionDelete:
		return x.doDelete(opCtx, commitCtx, ev, p, entry)

	case diff.ActionCreate:
		return x.doCreate(opCtx, commitCtx, ev, g, p, entry)

	case diff.ActionUpdate:
		return x.doUpdate(opCtx, commitCtx, ev, g, p, entry)

	case diff.ActionReplace:
		if p.Schema().CreateBeforeDestroy {
			if err := x.doCreate(opCtx, commitCtx, ev, g, p, entry); err != nil {
				return err
			}
			return p.Delete(opCtx, entry.ExternalID)
		}
		if err := x.doDelete(opCtx, commitCtx, nil, p, entry); err != nil {
			return err
		}
		return x.doCreate(opCtx, commitCtx, ev, g, p, entry)

	default:
		return fmt.Errorf("unexpected action %q for %s", entry.Action, entry.ID)
	}
}

func (x *Executor) doDelete(opCtx, commitCtx context.Context, ev *graph.Evaluator, p provider.Provider, entry *diff.Entry) error {
	if err := p.Delete(opCtx, entry.ExternalID); err != nil {
		return err
	}
	if err := x.Store.Remove(commitCtx, entry.ID); err != nil {
		return fmt.Errorf("committing removal of %s: %w", entry.ID, err)
	}
	if ev != nil {
		x.mu.Lock()
		ev.Forget(entry.ID)
		x.mu.Unlock()
	}
	return nil
}

func (x *Executor) doCreate(opCtx, commitCtx context.Context, ev *graph.Evaluator, g *graph.Graph, p provider.Provider, entry *diff.Entry) error {
	desired, err := x.desired(ev, entry.ID)
	if err != nil {
		return err
	}
	externalID, final, err := p.Create(opCtx, desired)
	if err != nil {
		return err
	}
	return x.commit(commitCtx, ev, g, entry, externalID, final)
}

func (x *Executor) doUpdate(opCtx, commitCtx context.Context, ev *graph.Evaluator, g *graph.Graph, p provider.Provider, entry *diff.Entry) error {
	desired, err := x.desired(ev, entry.ID)
	if err != nil {
		return err
	}
	final, err := p.Update(opCtx, entry.ExternalID, entry.Old, desired)
	if err != nil {
		return err
	}
	return x.commit(commitCtx, ev, g, entry, entry.ExternalID, final)
}

// desired evaluates the entry's attribute expressions against the resolved
// values of its producers. Every producer has committed by the time the
// entry's wave runs, so the result is wholly known.
func (x *Executor) desired(ev *graph.Evaluator, id string) (map[string]cty.Value, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	attrs, err := ev.EvalNode(id)
	if err != nil {
		return nil, err
	}
	for name, v := range attrs {
		if !v.IsWhollyKnown() {
			return nil, fmt.Errorf("attribute %s of %s is unresolved at apply time", name, id)
		}
	}
	return attrs, nil
}

// commit persists the record for a confirmed create or update and publishes
// the final values to downstream consumers.
func (x *Executor) commit(commitCtx context.Context, ev *graph.Evaluator, g *graph.Graph, entry *diff.Entry, externalID string, final map[string]cty.Value) error {
	node := g.Node(entry.ID)
	rec := &state.Record{
		ID:         entry.ID,
		Kind:       node.Kind,
		Name:       node.Name,
		ExternalID: externalID,
		Attrs:      final,
		DependsOn:  node.DependsOn,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := x.Store.Commit(commitCtx, rec); err != nil {
		return fmt.Errorf("committing %s: %w", entry.ID, err)
	}
	x.mu.Lock()
	ev.SetResolved(entry.ID, final)
	x.mu.Unlock()
	return nil
}

func (x *Executor) record(res *Result, r EntryResult) {
	x.mu.Lock()
	defer x.mu.Unlock()
	res.Results = append(res.Results, r)
	switch r.Status {
	case StatusFailed:
		res.Summary.Failed++
	case StatusApplied:
		switch r.Action {
		case diff.ActionCreate:
			res.Summary.Created++
		case diff.ActionUpdate:
			res.Summary.Updated++
		case diff.ActionDelete:
			res.Summary.Deleted++
		case diff.ActionReplace:
			res.Summary.Replaced++
		}
	}
}

// finalValues captures the resolved attribute set of every resource still
// present after execution.
func (x *Executor) finalValues(ev *graph.Evaluator, res *Result) {
	if ev == nil {
		res.Final = map[string]map[string]cty.Value{}
		return
	}
	x.mu.Lock()
	res.Final = ev.FinalValues()
	x.mu.Unlock()
}

// event appends to the run's event log when the store keeps history.
func (x *Executor) event(ctx context.Context, resourceID, level, message string) {
	hs, ok := x.Store.(state.HistoryStore)
	if !ok || x.RunID == "" {
		return
	}
	_ = hs.AppendEvent(context.WithoutCancel(ctx), &state.Event{
		RunID:      x.RunID,
		ResourceID: resourceID,
		Level:      level,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	})
}
