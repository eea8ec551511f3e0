package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/e2ekit/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. The reconciler uses it for
// user-supplied match rules over scanned records.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

// NewExprEngine creates an expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate compiles (cached) and runs expression with data as its environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	prg, err := e.cache.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

// EvalBool evaluates expression and requires a boolean result.
func (e *ExprEngine) EvalBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	return asBool("expr", expression, v)
}

// Compile checks expression without running it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.cache.get(expression, compileExpr)
	return err
}

func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError("expr", expression, err)
	}
	return prg, nil
}

var (
	_ Engine        = (*ExprEngine)(nil)
	_ BoolEvaluator = (*ExprEngine)(nil)
)
