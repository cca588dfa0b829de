package policy

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/riskcell/pkg/engine"
)

// Engine admits plans by evaluating Rego policies. It implements
// engine.PlanPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	limits   Limits
	paths    []string

	store  storage.Store
	loader *Loader
	logger zerolog.Logger
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

var _ engine.PlanPolicy = (*Engine)(nil)

// NewEngine returns an engine holding only the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	logger = logger.With().Str("component", "policy-engine").Logger()
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		loader:   NewLoader(logger),
		logger:   logger,
	}
	if err := e.installBuiltins(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// SetLimits sets the parameters read by the built-in policies.
func (e *Engine) SetLimits(limits Limits) {
	e.mu.Lock()
	e.limits = limits
	e.mu.Unlock()
}

// AdmitPlan runs the deny query of every enabled policy, in name order.
// Violations that block go to Violations and deny the plan; the rest become
// "policy: message" warnings.
func (e *Engine) AdmitPlan(ctx context.Context, req *engine.PlanAdmission) (*engine.PolicyResult, error) {
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &admissionInput{
		Plan:    req,
		Context: admissionContext{Timestamp: start, Limits: e.limits},
	}

	result := &engine.PolicyResult{Allowed: true}
	for _, name := range e.names() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		violations, err := cp.deny(ctx, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Str("goal", req.Goal).Msg("Policy evaluation failed")
			return nil, engine.NewPermanentError("policy evaluation failed", err).
				WithCode(engine.ErrCodeValidation).
				WithDetail("policy", name)
		}
		for _, v := range violations {
			if Severity(v.Severity).Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v.Policy+": "+v.Message)
			}
		}
	}
	result.EvaluatedAt = time.Now()

	e.logger.Debug().
		Str("goal", req.Goal).
		Strs("plan", req.Operations).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", time.Since(start)).
		Msg("Plan admission evaluated")
	return result, nil
}

// LoadPolicies replaces the loaded policies with those found under paths
// and remembers the paths for ReloadPolicies and Watch. Nothing changes if
// any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.swapLoaded(ctx, policies); err != nil {
		return err
	}
	e.paths = slices.Clone(paths)

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Watch reloads the policy paths whenever a policy file under them changes,
// until ctx is cancelled. A reload that does not compile is logged and the
// current policies stay in force.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := slices.Clone(e.paths)
	e.mu.RUnlock()
	if len(paths) == 0 {
		return fmt.Errorf("no policy paths loaded to watch")
	}

	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.swapLoaded(ctx, policies)
	})
}

// ReloadPolicies resets the built-ins, re-enabling any that were disabled,
// and reads the policy paths again from disk.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	paths := slices.Clone(e.paths)
	e.policies = make(map[string]*compiledPolicy)
	err := e.installBuiltins(ctx)
	e.mu.Unlock()
	if err != nil || len(paths) == 0 {
		return err
	}

	e.loader.ClearCache()
	return e.LoadPolicies(ctx, paths)
}

func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns copies of every policy, sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.names() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

func (e *Engine) EnablePolicy(name string) error { return e.setEnabled(name, true) }
func (e *Engine) DisablePolicy(name string) error { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// swapLoaded compiles policies and, only if all compile, replaces the
// non-builtin set with them. Callers hold e.mu.
func (e *Engine) swapLoaded(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := &policies[i]
		if cur, ok := e.policies[p.Name]; ok && cur.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", p.Name)
		}
		cp, err := e.compile(ctx, p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Policy does not compile")
			return err
		}
		next[p.Name] = cp
	}

	maps.DeleteFunc(e.policies, func(_ string, cp *compiledPolicy) bool { return !cp.policy.Builtin })
	maps.Copy(e.policies, next)
	return nil
}

func (e *Engine) installBuiltins(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("built-in %w", err)
		}
		e.policies[builtins[i].Name] = cp
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies installed")
	return nil
}

// compile prepares data.<package>.deny for the policy's module.
func (e *Engine) compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.Name, err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s: empty module", p.Name)
	}
	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.Name, err)
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

func (e *Engine) names() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// deny evaluates the policy's deny set. A set member is either a message
// string or an object with message and optional severity and operation.
func (cp *compiledPolicy) deny(ctx context.Context, input *admissionInput) ([]engine.PolicyViolation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var out []engine.PolicyViolation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		members, _ := r.Expressions[0].Value.([]interface{})
		for _, m := range members {
			out = append(out, cp.violation(m))
		}
	}
	return out, nil
}

func (cp *compiledPolicy) violation(member interface{}) engine.PolicyViolation {
	v := engine.PolicyViolation{Policy: cp.policy.Name, Severity: string(cp.policy.Severity)}
	switch m := member.(type) {
	case string:
		v.Message = m
	case map[string]interface{}:
		v.Message, _ = m["message"].(string)
		if s, ok := m["severity"].(string); ok {
			v.Severity = s
		}
		v.Operation, _ = m["operation"].(string)
	default:
		v.Message = fmt.Sprint(member)
	}
	return v
}
