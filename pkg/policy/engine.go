package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/reifyio/reify/pkg/diff"
)

// Engine compiles and evaluates policies against change sets.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy  *Policy
	pkgName string
}

// NewEngine creates an engine preloaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		if err := e.add(p); err != nil {
			return nil, fmt.Errorf("compiling built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// LoadDir compiles every .rego file under dir and adds the policies to the
// engine. Files loaded later override built-ins with the same name.
func (e *Engine) LoadDir(dir string) error {
	policies, err := LoadDir(dir)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range policies {
		if err := e.addLocked(p); err != nil {
			return fmt.Errorf("compiling policy %s: %w", p.Name, err)
		}
	}
	e.logger.Info().Int("count", len(policies)).Str("dir", dir).Msg("Policies loaded")
	return nil
}

func (e *Engine) add(p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addLocked(p)
}

func (e *Engine) addLocked(p Policy) error {
	if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
		return err
	}
	e.policies[p.Name] = &compiledPolicy{
		policy:  &p,
		pkgName: packageName(p.Rego),
	}
	return nil
}

// List returns the loaded policies sorted by name.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, *cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Evaluate runs every enabled policy's deny rule against the plan input
// document and collects the findings. The plan itself is never mutated.
func (e *Engine) Evaluate(ctx context.Context, plan *diff.Plan) (*Result, error) {
	started := time.Now()
	input, err := planInput(plan)
	if err != nil {
		return nil, fmt.Errorf("building policy input: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{EvaluatedAt: started}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("evaluating policy %s: %w", name, err)
		}
		result.Violations = append(result.Violations, violations...)
	}
	result.Duration = time.Since(started)

	e.logger.Debug().
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")
	return result, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input interface{}) ([]Violation, error) {
	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", cp.pkgName)),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, res := range results {
		for _, expr := range res.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// makeViolation converts one deny result into a Violation. A string result
// becomes the message; an object result may carry message, severity, and
// resource fields.
func makeViolation(p *Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := r["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// packageName extracts the package declaration from Rego source.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "reify.policies"
}
