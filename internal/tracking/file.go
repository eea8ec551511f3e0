package tracking

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rendis/e2ekit/pkg/schema"
)

// FilePath is where a session's tracking file lives inside dir.
func FilePath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".jsonl")
}

// CreateFile creates (or truncates) the session's tracking file up front.
// Reporters only append to a file that already exists.
func CreateFile(dir, sessionID string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create tracking dir: %w", err)
	}
	path := FilePath(dir, sessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create tracking file: %w", err)
	}
	return path, f.Close()
}

// ReadFile parses a tracking file. Malformed lines and lines for other
// sessions are skipped; a missing file yields no resources.
func ReadFile(path, sessionID string) ([]schema.TrackedResource, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tracking file: %w", err)
	}

	var out []schema.TrackedResource
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var obj map[string]any
		if err := decodeObject(line, &obj); err != nil {
			continue
		}
		sid, res, err := decodeReport(obj)
		if err != nil || (sessionID != "" && sid != sessionID) {
			continue
		}
		out = append(out, res)
	}
	return out, sc.Err()
}
