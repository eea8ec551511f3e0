// Package expressions evaluates the three small languages e2ekit embeds:
// CEL for node guards, jq for pulling ids out of response bodies, and expr
// for reconciler match rules.
package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Engine evaluates an expression against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// BoolEvaluator is implemented by engines usable as predicates.
type BoolEvaluator interface {
	EvalBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}

// programCache memoizes compiled programs by source text. Safe for concurrent use.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.progs[expression] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

func compileError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s compile error in %q: %s", lang, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s evaluation failed for %q: %s", lang, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func asBool(lang, expression string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %T, want bool", lang, expression, v).
			WithDetails(map[string]any{"expression": expression, "result": fmt.Sprint(v)})
	}
	return b, nil
}
