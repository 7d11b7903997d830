// Package policy evaluates Rego policies against a computed change set
// before anything executes. A denial blocks the run; a warning is surfaced
// but does not block.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity is the level of a policy violation.
type Severity string

const (
	// SeverityWarning flags a violation for review without blocking.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"
)

// Policy is one Rego rule set. Violations come from the package's deny
// rule, evaluated against the plan input document.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations the policy does not
	// classify itself.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy participates in evaluation.
	Enabled bool `json:"enabled"`
}

// Violation is one policy finding against the plan.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Resource is the resource ID the finding refers to, when known.
	Resource string `json:"resource,omitempty"`

	// Message describes the violation.
	Message string `json:"message"`

	// Severity is the finding's severity.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies against a plan.
type Result struct {
	// Violations lists every finding, warnings included.
	Violations []Violation `json:"violations,omitempty"`

	// EvaluatedPolicies names the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when evaluation happened.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long evaluation took.
	Duration time.Duration `json:"duration"`
}

// Denials returns the violations that block the run.
func (r *Result) Denials() []Violation {
	var denied []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			denied = append(denied, v)
		}
	}
	return denied
}

// DeniedError reports that one or more error-severity violations blocked
// the run before execution.
type DeniedError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Resource != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s (%s)", v.Policy, v.Message, v.Resource))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Sprintf("plan denied by policy: %s", strings.Join(msgs, "; "))
}
