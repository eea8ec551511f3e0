package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/store"
	"github.com/rendis/e2ekit/pkg/schema"
)

// --- Mock Retrier ---

type mockRetrier struct {
	outcomes map[string]*cleanup.RetryOutcome
	allErr   error
	calls    []string
}

func (m *mockRetrier) Retry(_ context.Context, sessionID string) (*cleanup.RetryOutcome, error) {
	m.calls = append(m.calls, sessionID)
	out, ok := m.outcomes[sessionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no failed cleanup recorded for session %s", sessionID)
	}
	return out, nil
}

func (m *mockRetrier) RetryAll(_ context.Context) ([]*cleanup.RetryOutcome, error) {
	m.calls = append(m.calls, "*")
	if m.allErr != nil {
		return nil, m.allErr
	}
	all := make([]*cleanup.RetryOutcome, 0, len(m.outcomes))
	for _, id := range []string{"s1", "s2"} {
		if out, ok := m.outcomes[id]; ok {
			all = append(all, out)
		}
	}
	return all, nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func failedRecord(sessionID string, ts time.Time) *schema.FailedCleanupRecord {
	return &schema.FailedCleanupRecord{
		SessionID: sessionID,
		Timestamp: ts,
		Resources: []schema.TrackedResource{
			{Type: "row", ID: "R1", Metadata: map[string]any{"table": "posts"}},
			{Type: "team", ID: "T1"},
		},
		Provider: schema.ProviderConfig{
			Kind: schema.ProviderSQL,
			SQL:  &schema.SQLProvider{Driver: "libsql", DSN: "file:app.db"},
		},
		Errors: []string{"team:T1: [UNMAPPED_TYPE] no handler for type team"},
	}
}

func seededStore(t *testing.T) *store.FileStore {
	t.Helper()
	fs := store.NewFileStore(filepath.Join(t.TempDir(), "failed-cleanups"), nil)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, fs.Save(ctx, failedRecord("s1", now.Add(-time.Hour))))
	require.NoError(t, fs.Save(ctx, failedRecord("s2", now)))
	return fs
}

// --- pipeline.plan ---

func TestPlanTool(t *testing.T) {
	s := NewServer(ServerDeps{})

	req := buildRequest("pipeline.plan", map[string]any{
		"definition": map[string]any{
			"name": "signup",
			"nodes": []any{
				map[string]any{"id": "checkout", "file": "checkout.json", "depends_on": []any{"login"}},
				map[string]any{"id": "signup", "file": "signup.json"},
				map[string]any{"id": "login", "file": "login.json", "depends_on": []any{"signup"}},
				map[string]any{"file": "about.json"},
			},
			"viewports": []any{
				map[string]any{"preset": "mobile"},
				map[string]any{"width": 1920, "height": 1080},
			},
		},
	})
	result, err := s.handlePlan(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var view PlanView
	unmarshalResult(t, result, &view)
	assert.Equal(t, "signup", view.Name)
	assert.Equal(t, []string{"signup", "login", "checkout", "node-3"}, view.Order)
	assert.Equal(t, []string{"mobile", "1920x1080"}, view.Viewports)
}

func TestPlanTool_DefaultViewport(t *testing.T) {
	s := NewServer(ServerDeps{})

	req := buildRequest("pipeline.plan", map[string]any{
		"definition": map[string]any{
			"nodes": []any{map[string]any{"id": "a", "file": "a.json"}},
		},
	})
	result, err := s.handlePlan(context.Background(), req)
	require.NoError(t, err)

	var view PlanView
	unmarshalResult(t, result, &view)
	assert.Equal(t, []string{"a"}, view.Order)
	assert.Equal(t, []string{"desktop"}, view.Viewports)
}

func TestPlanTool_Mermaid(t *testing.T) {
	s := NewServer(ServerDeps{})

	req := buildRequest("pipeline.plan", map[string]any{
		"format": "mermaid",
		"definition": map[string]any{
			"nodes": []any{
				map[string]any{"id": "a", "file": "a.json"},
				map[string]any{"id": "b", "file": "b.json", "depends_on": []any{"a"}},
			},
		},
	})
	result, err := s.handlePlan(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "a --> b")
}

func TestPlanTool_UnknownFormat(t *testing.T) {
	s := NewServer(ServerDeps{})

	req := buildRequest("pipeline.plan", map[string]any{
		"format":     "png",
		"definition": map[string]any{"nodes": []any{map[string]any{"id": "a", "file": "a.json"}}},
	})
	result, err := s.handlePlan(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPlanTool_Cycle(t *testing.T) {
	s := NewServer(ServerDeps{})

	req := buildRequest("pipeline.plan", map[string]any{
		"definition": map[string]any{
			"nodes": []any{
				map[string]any{"id": "a", "file": "a.json", "depends_on": []any{"b"}},
				map[string]any{"id": "b", "file": "b.json", "depends_on": []any{"a"}},
				map[string]any{"id": "c", "file": "c.json"},
			},
		},
	})
	result, err := s.handlePlan(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.IsError)

	var coded struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	unmarshalResult(t, result, &coded)
	assert.Equal(t, schema.ErrCodeDependencyCycle, coded.Code)
	assert.Equal(t, []any{"a", "b"}, coded.Details["nodes"])
}

func TestPlanTool_MissingDefinition(t *testing.T) {
	s := NewServer(ServerDeps{})

	result, err := s.handlePlan(context.Background(), buildRequest("pipeline.plan", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "definition is required")
}

func TestPlanTool_UnknownDependency(t *testing.T) {
	s := NewServer(ServerDeps{})

	req := buildRequest("pipeline.plan", map[string]any{
		"definition": map[string]any{
			"nodes": []any{map[string]any{"id": "a", "file": "a.json", "depends_on": []any{"missing"}}},
		},
	})
	result, err := s.handlePlan(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeValidation)
}

// --- cleanup.list ---

func TestListTool_Summaries(t *testing.T) {
	fs := seededStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "broken.json"), []byte("{not json"), 0o600))
	s := NewServer(ServerDeps{Store: fs})

	result, err := s.handleList(context.Background(), buildRequest("cleanup.list", nil))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var view ListView
	unmarshalResult(t, result, &view)
	require.Len(t, view.Records, 2)
	assert.Equal(t, "s1", view.Records[0].SessionID)
	assert.Equal(t, "s2", view.Records[1].SessionID)
	assert.Equal(t, 2, view.Records[0].Pending)
	assert.Equal(t, schema.ProviderSQL, view.Records[0].Provider)
	assert.Len(t, view.Invalid, 1)
}

func TestListTool_OneSession(t *testing.T) {
	s := NewServer(ServerDeps{Store: seededStore(t)})

	result, err := s.handleList(context.Background(), buildRequest("cleanup.list", map[string]any{"session_id": "s2"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var rec schema.FailedCleanupRecord
	unmarshalResult(t, result, &rec)
	assert.Equal(t, "s2", rec.SessionID)
	require.Len(t, rec.Resources, 2)
	assert.Equal(t, "row:R1", rec.Resources[0].Key())
}

func TestListTool_UnknownSession(t *testing.T) {
	s := NewServer(ServerDeps{Store: seededStore(t)})

	result, err := s.handleList(context.Background(), buildRequest("cleanup.list", map[string]any{"session_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestListTool_NoStore(t *testing.T) {
	s := NewServer(ServerDeps{})

	result, err := s.handleList(context.Background(), buildRequest("cleanup.list", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- cleanup.retry ---

func TestRetryTool_OneSession(t *testing.T) {
	r := &mockRetrier{outcomes: map[string]*cleanup.RetryOutcome{
		"s1": {SessionID: "s1", Resolved: true},
	}}
	s := NewServer(ServerDeps{Retrier: r})

	result, err := s.handleRetry(context.Background(), buildRequest("cleanup.retry", map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var view RetryView
	unmarshalResult(t, result, &view)
	assert.Equal(t, 1, view.Resolved)
	assert.Equal(t, 0, view.Pending)
	assert.Equal(t, []string{"s1"}, r.calls)
}

func TestRetryTool_AllSessions(t *testing.T) {
	r := &mockRetrier{outcomes: map[string]*cleanup.RetryOutcome{
		"s1": {SessionID: "s1", Resolved: true},
		"s2": {SessionID: "s2", Remaining: 1, Error: "team:T1: [HANDLER_FAILED] boom"},
	}}
	s := NewServer(ServerDeps{Retrier: r})

	result, err := s.handleRetry(context.Background(), buildRequest("cleanup.retry", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var view RetryView
	unmarshalResult(t, result, &view)
	require.Len(t, view.Outcomes, 2)
	assert.Equal(t, 1, view.Resolved)
	assert.Equal(t, 1, view.Pending)
	assert.Equal(t, []string{"*"}, r.calls)
}

func TestRetryTool_UnknownSession(t *testing.T) {
	s := NewServer(ServerDeps{Retrier: &mockRetrier{}})

	result, err := s.handleRetry(context.Background(), buildRequest("cleanup.retry", map[string]any{"session_id": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestRetryTool_StoreError(t *testing.T) {
	r := &mockRetrier{allErr: schema.NewError(schema.ErrCodeCancelled, "retry cancelled")}
	s := NewServer(ServerDeps{Retrier: r})

	result, err := s.handleRetry(context.Background(), buildRequest("cleanup.retry", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeCancelled)
}

func TestRetryTool_NotConfigured(t *testing.T) {
	s := NewServer(ServerDeps{})

	result, err := s.handleRetry(context.Background(), buildRequest("cleanup.retry", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not configured")
}
