package webserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/pkg/schema"
)

func writeProject(t *testing.T, files map[string]string, dirs ...string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(body), 0o644))
	}
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}
	return root
}

func TestResolveCommand_ExplicitWins(t *testing.T) {
	dir := writeProject(t, map[string]string{"package.json": `{"scripts":{"dev":"vite"}}`})
	cmd, err := ResolveCommand(Config{URL: "http://localhost:3000", Command: "make serve", StaticDir: "dist", Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, "make serve", cmd)
}

func TestResolveCommand_StaticDir(t *testing.T) {
	dir := writeProject(t, map[string]string{"pnpm-lock.yaml": ""})
	cmd, err := ResolveCommand(Config{URL: "http://localhost:4173", StaticDir: "site", Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, "pnpm dlx serve -s site -l 4173", cmd)
}

func TestResolveCommand_PrefersPreviewWhenBuilt(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"scripts":{"dev":"vite","preview":"vite preview"}}`,
		"yarn.lock":    "",
	}, "dist")
	cmd, err := ResolveCommand(Config{URL: "http://localhost:3000", Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, "yarn preview", cmd)
}

func TestResolveCommand_DevWithoutBuild(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"scripts":{"dev":"vite","preview":"vite preview","start":"node server.js"}}`,
	})
	cmd, err := ResolveCommand(Config{URL: "http://localhost:3000", Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, "npm run dev", cmd)
}

func TestResolveCommand_StartFallback(t *testing.T) {
	dir := writeProject(t, map[string]string{
		"package.json": `{"scripts":{"start":"node server.js"}}`,
		"bun.lockb":    "",
	})
	cmd, err := ResolveCommand(Config{URL: "http://localhost:3000", Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, "bun run start", cmd)
}

func TestResolveCommand_BuildDirWithoutScripts(t *testing.T) {
	dir := writeProject(t, nil, "build")
	cmd, err := ResolveCommand(Config{URL: "http://localhost:8080", Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, "npx serve -s build -l 8080", cmd)
}

func TestResolveCommand_NothingToRun(t *testing.T) {
	_, err := ResolveCommand(Config{URL: "http://localhost:3000", Dir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeServerCommand))
}
