// Package runtime hosts the sandboxed rule-execution backends behind one
// capability surface: compile, eval, capture. Rule predicates are
// untrusted; every evaluation runs under a time budget and faults are
// contained to the evaluation that raised them.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"kestrel/pkg/models"
)

// Backend names accepted in rule manifests.
const (
	BackendCEL   = "cel"
	BackendLua   = "lua"
	BackendSigma = "sigma"
)

// Source is the raw predicate material for one rule (or one sequence
// stage).
type Source struct {
	RuleID    string
	Predicate []byte
	Capture   []byte
}

// Program is a compiled predicate ready for evaluation. Programs are safe
// for concurrent use; instance management is internal to each backend.
type Program interface {
	Backend() string
	Eval(ctx context.Context, ev *models.Event) (bool, error)
	Capture(ctx context.Context, ev *models.Event) (map[string]models.TypedValue, error)
	Close()
}

// Backend compiles predicate sources into programs.
type Backend interface {
	Name() string
	Compile(src Source) (Program, error)
}

// CompileError reports a predicate or manifest rejected at load time. The
// prior rule snapshot is unaffected.
type CompileError struct {
	Backend string
	RuleID  string
	Diag    string
	Err     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile rule %s (%s): %s", e.RuleID, e.Backend, e.Diag)
}

func (e *CompileError) Unwrap() error { return e.Err }

// FaultKind classifies a runtime fault.
type FaultKind string

const (
	FaultTimeout FaultKind = "timeout"
	FaultTrap    FaultKind = "trap"
	FaultType    FaultKind = "type"
	FaultPool    FaultKind = "pool"
)

// Fault reports an evaluation aborted inside a rule runtime. Faults are
// counted against the rule and never propagate to the worker.
type Fault struct {
	Backend string
	RuleID  string
	Kind    FaultKind
	Err     error
}

func (e *Fault) Error() string {
	return fmt.Sprintf("rule %s (%s) %s fault: %v", e.RuleID, e.Backend, e.Kind, e.Err)
}

func (e *Fault) Unwrap() error { return e.Err }

// Pool holds the enabled backends and applies the per-evaluation time
// budget.
type Pool struct {
	budget   time.Duration
	backends map[string]Backend
}

// DefaultEvalBudget bounds a single predicate evaluation.
const DefaultEvalBudget = 25 * time.Millisecond

// NewPool creates a pool with the given evaluation budget.
func NewPool(budget time.Duration) *Pool {
	if budget <= 0 {
		budget = DefaultEvalBudget
	}
	return &Pool{
		budget:   budget,
		backends: make(map[string]Backend),
	}
}

// Register adds a backend. Later registrations with the same name win.
func (p *Pool) Register(b Backend) {
	p.backends[b.Name()] = b
}

// Backend looks up a registered backend by name.
func (p *Pool) Backend(name string) (Backend, bool) {
	b, ok := p.backends[name]
	return b, ok
}

// Backends lists registered backend names in stable order.
func (p *Pool) Backends() []string {
	out := make([]string, 0, len(p.backends))
	for name := range p.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Compile compiles a source against a named backend.
func (p *Pool) Compile(backend string, src Source) (Program, error) {
	b, ok := p.backends[backend]
	if !ok {
		return nil, &CompileError{
			Backend: backend,
			RuleID:  src.RuleID,
			Diag:    "backend not enabled",
		}
	}
	return b.Compile(src)
}

// Eval runs a predicate under the watchdog budget.
func (p *Pool) Eval(ctx context.Context, prog Program, ev *models.Event) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()
	matched, err := prog.Eval(ctx, ev)
	if err != nil {
		return false, classify(prog, ctx, err)
	}
	return matched, nil
}

// Capture runs a capture function under the watchdog budget.
func (p *Pool) Capture(ctx context.Context, prog Program, ev *models.Event) (map[string]models.TypedValue, error) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()
	fields, err := prog.Capture(ctx, ev)
	if err != nil {
		return nil, classify(prog, ctx, err)
	}
	return fields, nil
}

func classify(prog Program, ctx context.Context, err error) error {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}
	kind := FaultTrap
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = FaultTimeout
	}
	return &Fault{Backend: prog.Backend(), Kind: kind, Err: err}
}
