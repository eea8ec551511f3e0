package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_VarsAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvalBool(context.Background(), `vars.plan == "pro"`, map[string]any{
		"vars": map[string]any{"plan": "pro"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvalBool(context.Background(), `has(identity.user_id)`, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_SessionViewport(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvalBool(context.Background(), `session.viewport != "mobile"`, map[string]any{
		"session": map[string]any{"viewport": "mobile"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_NonBoolResult(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvalBool(context.Background(), `1 + 2`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `vars.(`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCEL_ProgramCached(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), "true", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.cache.size())
}
