package fraud

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

const expressionCostLimit = 10_000

// ExpressionEvaluator compiles and caches CEL programs evaluated against a
// payment event. The event is exposed to expressions as the map variable
// `event` with keys buyer_id, seller_id, amount, timestamp and recent.
type ExpressionEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewExpressionEvaluator builds the CEL environment.
func NewExpressionEvaluator() (*ExpressionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("fraud: cel environment: %w", err)
	}
	return &ExpressionEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile validates expr and caches the resulting program.
func (e *ExpressionEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *ExpressionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok = e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("fraud: compile expression: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(expressionCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("fraud: build program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// Eval runs expr against evt. recent is the number of history events from the
// same buyer.
func (e *ExpressionEvaluator) Eval(expr string, evt Event, recent int) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	input := map[string]any{
		"event": map[string]any{
			"buyer_id":  evt.BuyerID,
			"seller_id": evt.SellerID,
			"amount":    evt.AmountSats,
			"timestamp": evt.Timestamp.Unix(),
			"recent":    int64(recent),
		},
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("fraud: eval expression: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("fraud: expression result not bool")
	}
	return val, nil
}
