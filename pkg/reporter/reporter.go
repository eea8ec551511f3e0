// Package reporter is the client a Go system under test embeds to report the
// resources it creates back to the e2ekit run that spawned it.
//
//	rep := reporter.FromEnv()
//	rep.Track(ctx, "team", team.ID, map[string]any{"orgId": org.ID})
//
// The run passes the session id and channel locations through E2EKIT_*
// environment variables. Outside a run the reporter is inert.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Reserved wire keys; every other key is resource metadata.
const (
	KeySessionID = "sessionId"
	KeyType      = "type"
	KeyID        = "id"
	KeyCreatedAt = "createdAt"
)

const reportTimeout = 2 * time.Second

// Reporter reports created resources on the HTTP channel, the file channel,
// or both. Every failure is swallowed: reporting must never affect the
// system it runs in.
type Reporter struct {
	env    Env
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a reporter for env. A nil logger discards debug output.
func New(env Env, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reporter{
		env:    env,
		client: &http.Client{Timeout: reportTimeout},
		logger: logger,
		now:    time.Now,
	}
}

// FromEnv builds a reporter from the process environment.
func FromEnv() *Reporter {
	return New(EnvFromOS(), nil)
}

// Enabled reports whether Track does anything.
func (r *Reporter) Enabled() bool {
	return r != nil && !r.env.Inert()
}

// Track reports one created resource on every active channel.
func (r *Reporter) Track(ctx context.Context, typ, id string, metadata map[string]any) {
	if !r.Enabled() || typ == "" || id == "" {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Debug("tracking report panicked", "panic", fmt.Sprint(p))
		}
	}()

	line, err := Encode(r.env.SessionID, typ, id, r.now(), metadata)
	if err != nil {
		r.unreachable("encode", err)
		return
	}

	if r.env.URL != "" {
		r.post(ctx, line)
	}
	if r.env.File != "" {
		if err := appendLine(r.env.File, line); err != nil {
			r.unreachable("file", err)
		}
	}
}

// Encode builds the wire object for one report. Reserved keys win over
// metadata keys of the same name.
func Encode(sessionID, typ, id string, createdAt time.Time, metadata map[string]any) ([]byte, error) {
	obj := make(map[string]any, len(metadata)+4)
	for k, v := range metadata {
		obj[k] = v
	}
	obj[KeySessionID] = sessionID
	obj[KeyType] = typ
	obj[KeyID] = id
	obj[KeyCreatedAt] = createdAt.UTC().Format(time.RFC3339Nano)
	return json.Marshal(obj)
}

func (r *Reporter) post(ctx context.Context, body []byte) {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	url := strings.TrimRight(r.env.URL, "/") + "/track"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		r.unreachable("http", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		r.unreachable("http", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.unreachable("http", fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (r *Reporter) unreachable(channel string, err error) {
	e := schema.NewErrorf(schema.ErrCodeTrackingUnreached, "%s channel: %v", channel, err).WithCause(err)
	r.logger.Debug("tracking report dropped", "error", e)
}

// appendLine writes one line to an existing file. It never creates the file,
// so a report after the run removed it is a no-op.
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
