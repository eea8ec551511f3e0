package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/e2ekit/pkg/schema"
)

// celVariables are the top-level names a node condition can reference.
var celVariables = []string{"vars", "identity", "session"}

// CELEngine evaluates node conditions. Compiled programs are cached.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine exposing:
//   - vars:     map(string, dyn), the run's context variables
//   - identity: map(string, dyn), user_id and email once established
//   - session:  map(string, dyn), id and viewport of the current pass
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression against data. Missing variables default to empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		if v, ok := data[name]; ok && v != nil {
			activation[name] = v
		} else {
			activation[name] = map[string]any{}
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

// EvalBool evaluates expression and requires a boolean result.
func (e *CELEngine) EvalBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	return asBool("CEL", expression, v)
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", expression, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}
	return prg, nil
}

var (
	_ Engine        = (*CELEngine)(nil)
	_ BoolEvaluator = (*CELEngine)(nil)
)
