package expressions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/itchyny/gojq"

	"github.com/rendis/e2ekit/pkg/schema"
)

// GoJQEngine runs jq queries over decoded JSON. Used to extract resource ids
// and owners from intercepted response bodies.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as input. One output is returned as is,
// several are returned as []any, none as nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.run(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll runs expression over any decoded JSON value and returns every output.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, input any) ([]any, error) {
	return e.run(ctx, expression, input)
}

// ExtractStrings decodes body as JSON, runs expression and returns every
// non-null scalar output as a string. Arrays in the output are flattened one level.
func (e *GoJQEngine) ExtractStrings(ctx context.Context, expression string, body []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var input any
	if err := dec.Decode(&input); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "response body is not JSON").WithCause(err)
	}
	results, err := e.run(ctx, expression, input)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, r := range results {
		if arr, ok := r.([]any); ok {
			for _, v := range arr {
				if s, ok := scalarString(v); ok {
					out = append(out, s)
				}
			}
			continue
		}
		if s, ok := scalarString(r); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (e *GoJQEngine) run(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.cache.get(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if _, halt := err.(*gojq.HaltError); halt {
				break
			}
			return nil, evalError("jq", expression, err)
		}
		results = append(results, v)
	}
	return results, nil
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	return code, nil
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, val != ""
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		if _, ok := v.(map[string]any); ok {
			return "", false
		}
		return fmt.Sprint(val), true
	}
}

var _ Engine = (*GoJQEngine)(nil)
