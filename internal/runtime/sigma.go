package runtime

import (
	"context"
	"strconv"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"kestrel/internal/schema"
	"kestrel/pkg/models"
)

// sigmaBackend compiles Sigma detection rules. Only simple single-event
// rules are accepted; timeframes, aggregations and keyword searches are
// rejected at compile time. Events are projected into named fields
// through the schema registry so rule conditions match on field paths
// like "process.name".
type sigmaBackend struct {
	reg *schema.Registry
}

// NewSigmaBackend creates the declarative backend over a schema registry.
func NewSigmaBackend(reg *schema.Registry) Backend {
	return &sigmaBackend{reg: reg}
}

func (b *sigmaBackend) Name() string { return BackendSigma }

func (b *sigmaBackend) Compile(src Source) (Program, error) {
	rule, err := sigma.ParseRule(src.Predicate)
	if err != nil {
		return nil, &CompileError{
			Backend: BackendSigma,
			RuleID:  src.RuleID,
			Diag:    err.Error(),
			Err:     err,
		}
	}
	if ok, reason := isSimpleSingleEventRule(rule); !ok {
		return nil, &CompileError{
			Backend: BackendSigma,
			RuleID:  src.RuleID,
			Diag:    reason,
		}
	}
	return &sigmaProgram{
		ruleID: src.RuleID,
		eval:   sigmaevaluator.ForRule(rule),
		reg:    b.reg,
	}, nil
}

func isSimpleSingleEventRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe is not supported"
	}
	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}
	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
		if len(search.EventMatchers) == 0 {
			return false, "search has no event matchers"
		}
	}
	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}

// sigmaProgram is a compiled Sigma rule. The evaluator is stateless per
// call, so no instance pool is needed.
type sigmaProgram struct {
	ruleID string
	eval   *sigmaevaluator.RuleEvaluator
	reg    *schema.Registry
}

func (p *sigmaProgram) Backend() string { return BackendSigma }

func (p *sigmaProgram) Eval(ctx context.Context, ev *models.Event) (bool, error) {
	res, err := p.eval.Matches(ctx, p.project(ev))
	if err != nil {
		return false, err
	}
	return res.Match, nil
}

// Capture is not supported by the declarative backend; single-event
// matches report the event itself.
func (p *sigmaProgram) Capture(ctx context.Context, ev *models.Event) (map[string]models.TypedValue, error) {
	return nil, nil
}

func (p *sigmaProgram) Close() {}

func (p *sigmaProgram) project(ev *models.Event) map[string]interface{} {
	fields := ev.Fields()
	buf := make(map[string]interface{}, len(fields)+4)
	for _, f := range fields {
		path, ok := p.reg.FieldPath(f.ID)
		if !ok {
			path = strconv.FormatUint(uint64(f.ID), 10)
		}
		buf[path] = f.Value.Interface()
	}
	if name, ok := p.reg.EventTypeName(ev.EventType); ok {
		buf["event.type"] = name
	} else {
		buf["event.type"] = strconv.FormatUint(uint64(ev.EventType), 10)
	}
	buf["event.entity"] = ev.Entity.Hex()
	buf["event.source"] = ev.Source
	return buf
}
