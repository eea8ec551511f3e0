package webserver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/e2ekit/pkg/schema"
)

// buildDirs are checked in order for already-built assets.
var buildDirs = []string{"dist", "build", "out", ".output/public", "public"}

// serveScripts are preferred, in order, when a build directory exists.
var serveScripts = []string{"preview", "serve", "serve:dist"}

// runner is a JavaScript package manager detected from its lockfile.
type runner struct {
	name string
	// run invokes a package.json script.
	run string
	// exec runs a package binary without installing it.
	exec string
}

var runners = []struct {
	lockfiles []string
	runner    runner
}{
	{[]string{"bun.lockb", "bun.lock"}, runner{name: "bun", run: "bun run", exec: "bunx"}},
	{[]string{"pnpm-lock.yaml"}, runner{name: "pnpm", run: "pnpm run", exec: "pnpm dlx"}},
	{[]string{"yarn.lock"}, runner{name: "yarn", run: "yarn", exec: "yarn dlx"}},
	{[]string{"package-lock.json", "npm-shrinkwrap.json"}, runner{name: "npm", run: "npm run", exec: "npx"}},
}

var defaultRunner = runner{name: "npm", run: "npm run", exec: "npx"}

func detectRunner(dir string) runner {
	for _, r := range runners {
		for _, lock := range r.lockfiles {
			if fileExists(filepath.Join(dir, lock)) {
				return r.runner
			}
		}
	}
	return defaultRunner
}

// ResolveCommand picks the shell command that starts the server: the explicit
// command, else a static serve of StaticDir, else a command detected from
// the project directory.
func ResolveCommand(cfg Config) (string, error) {
	if cfg.Command != "" {
		return cfg.Command, nil
	}
	r := detectRunner(cfg.Dir)
	if cfg.StaticDir != "" {
		return staticCommand(r, cfg.StaticDir, cfg.port()), nil
	}
	return detectCommand(cfg.Dir, r, cfg.port())
}

func detectCommand(dir string, r runner, port string) (string, error) {
	scripts := readScripts(dir)

	var built string
	for _, d := range buildDirs {
		if dirExists(filepath.Join(dir, d)) {
			built = d
			break
		}
	}

	if built != "" {
		for _, s := range serveScripts {
			if _, ok := scripts[s]; ok {
				return r.run + " " + s, nil
			}
		}
	}
	for _, s := range []string{"dev", "start"} {
		if _, ok := scripts[s]; ok {
			return r.run + " " + s, nil
		}
	}
	if built != "" {
		return staticCommand(r, built, port), nil
	}
	return "", schema.NewErrorf(schema.ErrCodeServerCommand,
		"no server command: set a command or static dir, or add a dev/start script to %s", filepath.Join(dir, "package.json"))
}

func staticCommand(r runner, dir, port string) string {
	return fmt.Sprintf("%s serve -s %s -l %s", r.exec, dir, port)
}

func readScripts(dir string) map[string]string {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	return pkg.Scripts
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func dirExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}
