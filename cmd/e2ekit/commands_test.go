package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/store"
	"github.com/rendis/e2ekit/pkg/schema"
)

// runCLI executes the command tree against root with the given env.
func runCLI(t *testing.T, env map[string]string, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(envMap(env))
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedRecord(t *testing.T, root, sessionID string, resources ...schema.TrackedResource) {
	t.Helper()
	fs := store.NewFileStore(filepath.Join(root, store.DefaultDir), nil)
	require.NoError(t, fs.Save(context.Background(), &schema.FailedCleanupRecord{
		SessionID: sessionID,
		Timestamp: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Resources: resources,
		Provider:  schema.ProviderConfig{Kind: schema.ProviderNone},
		Errors:    []string{"team:T1: [UNMAPPED_TYPE] no handler for type team"},
	}))
}

func TestPlanCmd_Text(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipeline.yaml", signupYAML)

	out, err := runCLI(t, nil, "", "plan", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "pipeline signup", lines[0])
	assert.Equal(t, "viewports: mobile, 1920x1080", lines[1])
	assert.Contains(t, lines[2], "signup")
	assert.Contains(t, lines[3], "login")
	assert.Contains(t, lines[3], "after signup")
	assert.Contains(t, lines[4], "checkout")
	assert.Contains(t, lines[4], "[ignore]")
}

func TestPlanCmd_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pipeline.yaml", signupYAML)

	out, err := runCLI(t, nil, "", "plan", "--format", "json", path)
	require.NoError(t, err)

	var view struct {
		Order []string `json:"order"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, []string{"signup", "login", "checkout"}, view.Order)
}

func TestPlanCmd_Mermaid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pipeline.yaml", signupYAML)

	out, err := runCLI(t, nil, "", "plan", "--format", "mermaid", path)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "login -->|ignore| checkout")
}

func TestPlanCmd_ImageNeedsOut(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pipeline.yaml", signupYAML)

	_, err := runCLI(t, nil, "", "plan", "--format", "png", path)
	require.Error(t, err)
	assert.Equal(t, exitInvalid, exitCode(err))
}

func TestPlanCmd_SVG(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pipeline.yaml", signupYAML)
	svgPath := filepath.Join(dir, "plan.svg")

	_, err := runCLI(t, nil, "", "plan", "--format", "svg", "-o", svgPath, path)
	require.NoError(t, err)
	data, err := os.ReadFile(svgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")
}

func TestPlanCmd_Cycle(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cycle.yaml", `
nodes:
  - id: a
    file: a.json
    depends_on: [b]
  - id: b
    file: b.json
    depends_on: [a]
`)
	_, err := runCLI(t, nil, "", "plan", path)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDependencyCycle))
	assert.Equal(t, exitInvalid, exitCode(err))
}

func TestCleanupListCmd(t *testing.T) {
	root := t.TempDir()
	seedRecord(t, root, "s1", schema.TrackedResource{Type: "team", ID: "T1"})

	out, err := runCLI(t, nil, "", "--project-root", root, "cleanup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "UNMAPPED_TYPE")

	out, err = runCLI(t, nil, "", "--project-root", root, "cleanup", "list", "s1")
	require.NoError(t, err)
	var rec schema.FailedCleanupRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, "team:T1", rec.Resources[0].Key())
}

func TestCleanupListCmd_Empty(t *testing.T) {
	out, err := runCLI(t, nil, "", "--project-root", t.TempDir(), "cleanup", "list")
	require.NoError(t, err)
	assert.Equal(t, "no failed cleanups\n", out)
}

func TestCleanupListCmd_UnknownSession(t *testing.T) {
	_, err := runCLI(t, nil, "", "--project-root", t.TempDir(), "cleanup", "list", "ghost")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.Equal(t, exitError, exitCode(err))
}

func TestCleanupRetryCmd_PendingKeepsRecord(t *testing.T) {
	root := t.TempDir()
	seedRecord(t, root, "s1", schema.TrackedResource{Type: "team", ID: "T1"})

	out, err := runCLI(t, nil, "", "--project-root", root, "cleanup", "retry", "--json")
	require.ErrorIs(t, err, errPending)
	assert.Equal(t, exitPending, exitCode(err))

	var outcomes []*cleanup.RetryOutcome
	require.NoError(t, json.Unmarshal([]byte(out), &outcomes))
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Resolved)
	assert.Equal(t, 1, outcomes[0].Remaining)

	rec, err := store.NewFileStore(filepath.Join(root, store.DefaultDir), nil).Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, rec.Resources, 1)
}

func TestCleanupRetryCmd_AlreadyDeletedResolves(t *testing.T) {
	root := t.TempDir()
	seedRecord(t, root, "s1", schema.TrackedResource{Type: "team", ID: "T1", Deleted: true})

	out, err := runCLI(t, nil, "", "--project-root", root, "cleanup", "retry", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1: resolved\n", out)

	_, err = store.NewFileStore(filepath.Join(root, store.DefaultDir), nil).Get(context.Background(), "s1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestCleanupWatchCmd_BadSchedule(t *testing.T) {
	_, err := runCLI(t, nil, "", "--project-root", t.TempDir(), "cleanup", "watch", "--schedule", "every minute")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSecretsCmd_RoundTrip(t *testing.T) {
	root := t.TempDir()
	env := map[string]string{envSecretsKey: "correct horse"}

	out, err := runCLI(t, env, "", "--project-root", root, "secrets", "set", "E2EKIT_DB_PASSWORD", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "stored E2EKIT_DB_PASSWORD\n", out)

	_, err = runCLI(t, env, "tok-from-stdin\n", "--project-root", root, "secrets", "set", "E2EKIT_API_TOKEN")
	require.NoError(t, err)

	out, err = runCLI(t, env, "", "--project-root", root, "secrets", "list")
	require.NoError(t, err)
	assert.Equal(t, "E2EKIT_API_TOKEN\nE2EKIT_DB_PASSWORD\n", out)
	assert.NotContains(t, out, "hunter2")

	_, err = runCLI(t, env, "", "--project-root", root, "secrets", "delete", "E2EKIT_API_TOKEN")
	require.NoError(t, err)
	out, err = runCLI(t, env, "", "--project-root", root, "secrets", "list")
	require.NoError(t, err)
	assert.Equal(t, "E2EKIT_DB_PASSWORD\n", out)
}

func TestSecretsCmd_NeedsPassphrase(t *testing.T) {
	_, err := runCLI(t, nil, "", "--project-root", t.TempDir(), "secrets", "list")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCredentials))
}

func TestRetrierReadsSealedCredentials(t *testing.T) {
	root := t.TempDir()
	env := map[string]string{envSecretsKey: "correct horse"}
	_, err := runCLI(t, env, "", "--project-root", root, "secrets", "set", "E2EKIT_DB_PASSWORD", "hunter2")
	require.NoError(t, err)

	cfg, err := loadConfig(root, envMap(env))
	require.NoError(t, err)
	a, err := newApp(context.Background(), cfg, &bytes.Buffer{}, envMap(env))
	require.NoError(t, err)
	defer a.Close(context.Background())

	r, err := a.retrier()
	require.NoError(t, err)
	creds, err := r.Credentials.Load(context.Background(), schema.ProviderConfig{
		Kind: schema.ProviderSQL,
		SQL:  &schema.SQLProvider{Driver: "libsql", DSN: "file:app.db"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", creds.Password)
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, nil, "", "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}
