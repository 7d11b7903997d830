// Package engine orchestrates a reconciliation run: it walks the ordered
// change set in dependency waves, invokes provider operations, and commits
// state after every confirmed operation.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/reifyio/reify/pkg/config"
	"github.com/reifyio/reify/pkg/graph"
	"github.com/reifyio/reify/pkg/policy"
)

// Phase identifies where in a run a failure occurred.
type Phase string

const (
	// PhaseParse covers configuration parsing and graph building.
	PhaseParse Phase = "parse"

	// PhasePlan covers state loading and diffing.
	PhasePlan Phase = "plan"

	// PhaseApply covers provider operations and state commits.
	PhaseApply Phase = "apply"

	// PhaseOutput covers output resolution after execution.
	PhaseOutput Phase = "output"
)

// RunError wraps a failure with the phase and, when applicable, the resource
// that caused it. Errors are never swallowed: every failure surfaces the
// offending identifier and phase.
type RunError struct {
	Phase      Phase
	ResourceID string
	Err        error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("%s failed (resource=%s): %v", e.Phase, e.ResourceID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RunError) Unwrap() error {
	return e.Err
}

// newRunError wraps err unless it is already a RunError.
func newRunError(phase Phase, resourceID string, err error) error {
	var re *RunError
	if errors.As(err, &re) {
		return err
	}
	return &RunError{Phase: phase, ResourceID: resourceID, Err: err}
}

// TimeoutError reports a provider operation that exceeded its deadline.
// Whatever was committed before the timeout stands.
type TimeoutError struct {
	ResourceID string
	Operation  string
	Timeout    time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %s on %s timed out after %s", e.Operation, e.ResourceID, e.Timeout)
}

// IsConfigError reports whether the failure was detected before any
// mutation: syntax, reference, schema, cycle, and policy errors. The CLI
// uses this to distinguish configuration errors from execution failures in
// its exit code.
func IsConfigError(err error) bool {
	var (
		parseErr  *config.ParseError
		refErr    *graph.ReferenceError
		schemaErr *graph.SchemaError
		cycleErr  *graph.CycleError
		evalErr   *graph.EvalError
		denied    *policy.DeniedError
	)
	return errors.As(err, &parseErr) ||
		errors.As(err, &refErr) ||
		errors.As(err, &schemaErr) ||
		errors.As(err, &cycleErr) ||
		errors.As(err, &evalErr) ||
		errors.As(err, &denied)
}
