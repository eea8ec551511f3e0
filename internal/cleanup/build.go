package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/rendis/e2ekit/pkg/schema"
)

// BuildInput is what BuildRegistry layers together.
type BuildInput struct {
	// ProjectRoot resolves the root handler file, discovery globs and relative handler files.
	ProjectRoot  string
	Provider     Provider
	Discovery    DiscoveryConfig
	HandlerFiles []string
	Loader       HandlerLoader
	Logger       *slog.Logger
}

// BuildRegistry overlays, in increasing priority: the provider's built-in
// handlers, the root handler file, discovery matches, then explicit handler
// files. Problems with optional layers are logged; an explicit handler file
// that cannot be loaded is an error.
func BuildRegistry(ctx context.Context, in BuildInput) (*Registry, error) {
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()
	if in.Provider != nil {
		reg.Overlay(SourceBuiltin, in.Provider.Handlers())
	}

	explicit := make([]string, 0, len(in.HandlerFiles))
	skip := make(map[string]bool)
	for _, f := range in.HandlerFiles {
		p := in.abs(f)
		explicit = append(explicit, p)
		skip[p] = true
	}

	root := in.abs(RootHandlerFile)
	if !skip[root] && isExecutableFile(root) {
		skip[root] = true
		in.overlayFile(ctx, reg, SourceRootFile, root, logger)
	}

	for _, p := range in.discover(logger) {
		if skip[p] {
			continue
		}
		skip[p] = true
		in.overlayFile(ctx, reg, SourceDiscovery, p, logger)
	}

	for _, p := range explicit {
		if !isExecutableFile(p) {
			return nil, schema.NewErrorf(schema.ErrCodePlugin, "handler file %s is missing or not executable", p)
		}
		if in.Loader == nil {
			return nil, schema.NewErrorf(schema.ErrCodePlugin, "no handler loader for %s", p)
		}
		hs, err := in.Loader.Load(ctx, p)
		if err != nil {
			return nil, err
		}
		in.overlay(reg, SourceHandlerFile, p, hs, logger)
	}
	return reg, nil
}

func (in BuildInput) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(in.ProjectRoot, p)
}

// discover expands the discovery globs into executable files, sorted per pattern.
func (in BuildInput) discover(logger *slog.Logger) []string {
	var out []string
	for _, pattern := range in.Discovery.Paths {
		matches, err := filepath.Glob(in.abs(pattern))
		if err != nil {
			logger.Warn("bad handler discovery pattern", "pattern", pattern, "error", err)
			continue
		}
		sort.Strings(matches)
		for _, m := range matches {
			if isExecutableFile(m) {
				out = append(out, m)
			}
		}
	}
	return out
}

func (in BuildInput) overlayFile(ctx context.Context, reg *Registry, source, path string, logger *slog.Logger) {
	if in.Loader == nil {
		logger.Warn("handler file ignored, no loader", "path", path)
		return
	}
	hs, err := in.Loader.Load(ctx, path)
	if err != nil {
		logger.Warn("handler file failed to load", "path", path, "source", source, "error", err)
		return
	}
	in.overlay(reg, source, path, hs, logger)
}

func (in BuildInput) overlay(reg *Registry, source, path string, hs map[string]Handler, logger *slog.Logger) {
	replaced := reg.Overlay(source, hs)
	logger.Debug("handlers loaded", "path", path, "source", source, "count", len(hs), "replaced", replaced)
}

func isExecutableFile(p string) bool {
	st, err := os.Stat(p)
	if err != nil || st.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		switch strings.ToLower(filepath.Ext(p)) {
		case ".exe", ".bat", ".cmd":
			return true
		}
		return false
	}
	return st.Mode().Perm()&0o111 != 0
}
