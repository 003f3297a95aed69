package runtime

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/interpreter"

	"kestrel/pkg/models"
)

// CELConfig tunes the compiled-expression backend.
type CELConfig struct {
	Pool PoolPolicy
}

// celBackend compiles CEL predicates. Predicates see the event as the
// variables event_type, ts, entity, source and the map fields
// (field id -> value); they must produce a bool. Capture expressions
// produce a map of captured fields.
type celBackend struct {
	env *cel.Env
	cfg CELConfig
}

// NewCELBackend builds the CEL environment shared by all compiled rules.
func NewCELBackend(cfg CELConfig) (Backend, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_type", cel.IntType),
		cel.Variable("ts", cel.IntType),
		cel.Variable("entity", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("fields", cel.MapType(cel.IntType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &celBackend{env: env, cfg: cfg}, nil
}

func (b *celBackend) Name() string { return BackendCEL }

func (b *celBackend) Compile(src Source) (Program, error) {
	pred, err := b.compileExpr(src.RuleID, string(src.Predicate), cel.BoolType)
	if err != nil {
		return nil, err
	}

	var capt cel.Program
	if len(src.Capture) > 0 {
		capt, err = b.compileExpr(src.RuleID, string(src.Capture), nil)
		if err != nil {
			return nil, err
		}
	}

	prog := &celProgram{
		ruleID: src.RuleID,
		pred:   pred,
		capt:   capt,
	}
	prog.pool = newInstancePool(b.cfg.Pool,
		func() (*celInstance, error) {
			return &celInstance{vars: make(map[string]interface{}, 8)}, nil
		},
		nil,
	)
	return prog, nil
}

func (b *celBackend) compileExpr(ruleID, expr string, want *cel.Type) (cel.Program, error) {
	ast, issues := b.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &CompileError{
			Backend: BackendCEL,
			RuleID:  ruleID,
			Diag:    issues.Err().Error(),
			Err:     issues.Err(),
		}
	}
	if want != nil && !ast.OutputType().IsExactType(want) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, &CompileError{
			Backend: BackendCEL,
			RuleID:  ruleID,
			Diag:    fmt.Sprintf("expression must return %s, got %s", want, ast.OutputType()),
		}
	}
	prog, err := b.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.InterruptCheckFrequency(128),
	)
	if err != nil {
		return nil, &CompileError{
			Backend: BackendCEL,
			RuleID:  ruleID,
			Diag:    err.Error(),
			Err:     err,
		}
	}
	return prog, nil
}

// celProgram is a compiled rule with a bounded pool of evaluation
// instances. cel programs are shareable; the pooled state is the
// per-evaluation activation.
type celProgram struct {
	ruleID string
	pred   cel.Program
	capt   cel.Program
	pool   *instancePool[*celInstance]
}

func (p *celProgram) Backend() string { return BackendCEL }

func (p *celProgram) Eval(ctx context.Context, ev *models.Event) (bool, error) {
	inst, err := p.pool.acquire(ctx)
	if err != nil {
		return false, &Fault{Backend: BackendCEL, RuleID: p.ruleID, Kind: FaultPool, Err: err}
	}
	defer p.pool.release(inst)

	inst.bind(ev)
	out, _, err := p.pred.ContextEval(ctx, inst)
	if err != nil {
		return false, err
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, &Fault{
			Backend: BackendCEL,
			RuleID:  p.ruleID,
			Kind:    FaultType,
			Err:     fmt.Errorf("predicate returned %T, want bool", out.Value()),
		}
	}
	return matched, nil
}

func (p *celProgram) Capture(ctx context.Context, ev *models.Event) (map[string]models.TypedValue, error) {
	if p.capt == nil {
		return nil, nil
	}
	inst, err := p.pool.acquire(ctx)
	if err != nil {
		return nil, &Fault{Backend: BackendCEL, RuleID: p.ruleID, Kind: FaultPool, Err: err}
	}
	defer p.pool.release(inst)

	inst.bind(ev)
	out, _, err := p.capt.ContextEval(ctx, inst)
	if err != nil {
		return nil, err
	}
	native, err := out.ConvertToNative(reflect.TypeOf(map[string]interface{}{}))
	if err != nil {
		return nil, &Fault{
			Backend: BackendCEL,
			RuleID:  p.ruleID,
			Kind:    FaultType,
			Err:     fmt.Errorf("capture must return a map: %w", err),
		}
	}
	raw := native.(map[string]interface{})
	fields := make(map[string]models.TypedValue, len(raw))
	for k, v := range raw {
		fields[k] = typedFromNative(v)
	}
	return fields, nil
}

func (p *celProgram) Close() {
	p.pool.close()
}

// celInstance is one pooled activation. It implements
// interpreter.Activation over a reusable variable map.
type celInstance struct {
	vars map[string]interface{}
}

func (i *celInstance) bind(ev *models.Event) {
	clear(i.vars)
	fields := make(map[int64]interface{}, len(ev.Fields()))
	for _, f := range ev.Fields() {
		fields[int64(f.ID)] = f.Value.Interface()
	}
	i.vars["event_type"] = int64(ev.EventType)
	i.vars["ts"] = int64(ev.TsMonoNs)
	i.vars["entity"] = ev.Entity.Hex()
	i.vars["source"] = ev.Source
	i.vars["fields"] = fields
}

func (i *celInstance) ResolveName(name string) (interface{}, bool) {
	v, ok := i.vars[name]
	return v, ok
}

func (i *celInstance) Parent() interpreter.Activation { return nil }

var _ interpreter.Activation = (*celInstance)(nil)

func typedFromNative(v interface{}) models.TypedValue {
	switch val := v.(type) {
	case string:
		return models.StringValue(val)
	case bool:
		return models.BoolValue(val)
	case int64:
		return models.IntValue(val)
	case uint64:
		return models.UintValue(val)
	case float64:
		return models.IntValue(int64(val))
	case []byte:
		return models.BytesValue(val)
	default:
		return models.StringValue(fmt.Sprintf("%v", val))
	}
}
