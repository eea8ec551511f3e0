package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rendis/e2ekit/internal/validation"
	"github.com/rendis/e2ekit/pkg/reporter"
	"github.com/rendis/e2ekit/pkg/schema"
)

// Options configures the channels of one run.
type Options struct {
	SessionID string
	HTTP      bool
	// FileDir enables the file channel when non-empty.
	FileDir   string
	Validator *validation.Validator
	Logger    *slog.Logger
}

// Channels are the tracking channels active for one session. Only channels
// this run opened are torn down by Close.
type Channels struct {
	SessionID string
	Mode      Mode
	Server    *Server
	FilePath  string
	// remoteURL is set when attached to channels owned by another process.
	remoteURL string
	owned     bool
	logger    *slog.Logger
}

// Open starts the channels requested by opts. The caller owns them.
func Open(opts Options) (*Channels, error) {
	if opts.SessionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tracking requires a session id")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Channels{SessionID: opts.SessionID, Mode: ModeFor(opts.HTTP, opts.FileDir), owned: true, logger: logger}
	if c.Mode.HTTP() {
		c.Server = NewServer(opts.Validator, logger)
		if err := c.Server.Start(); err != nil {
			return nil, err
		}
	}
	if c.Mode.File() {
		path, err := CreateFile(opts.FileDir, opts.SessionID)
		if err != nil {
			if c.Server != nil {
				_ = c.Server.Stop(context.Background())
			}
			return nil, err
		}
		c.FilePath = path
	}
	return c, nil
}

// Attach uses channels another process opened. Close leaves them alone.
func Attach(env reporter.Env, logger *slog.Logger) *Channels {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channels{
		SessionID: env.SessionID,
		Mode:      ModeFor(env.URL != "", env.File),
		FilePath:  env.File,
		remoteURL: env.URL,
		logger:    logger,
	}
}

// Owned reports whether Close releases the channels.
func (c *Channels) Owned() bool { return c.owned }

// Env is the contract to pass to the system under test.
func (c *Channels) Env() reporter.Env {
	e := reporter.Env{SessionID: c.SessionID, File: c.FilePath, URL: c.remoteURL}
	if c.Server != nil {
		e.URL = c.Server.URL()
	}
	return e
}

// Collect returns everything reported on every active channel, without de-duplication.
func (c *Channels) Collect(ctx context.Context) ([]schema.TrackedResource, error) {
	return Collect(ctx, c.Server, c.remoteURL, c.FilePath, c.SessionID)
}

// Close stops the server and removes the file if this run owns them.
// Removing the file makes late reporters no-ops.
func (c *Channels) Close(ctx context.Context) error {
	if !c.owned {
		return nil
	}
	var errs []error
	if c.Server != nil {
		errs = append(errs, c.Server.Stop(ctx))
	}
	if c.FilePath != "" {
		if err := os.Remove(c.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Collect reads both channels: the in-process server (or a remote one by URL)
// and the file. Channel errors are joined; partial results are still returned.
func Collect(ctx context.Context, server *Server, remoteURL, filePath, sessionID string) ([]schema.TrackedResource, error) {
	var out []schema.TrackedResource
	var errs []error

	switch {
	case server != nil:
		out = append(out, server.Resources(sessionID)...)
	case remoteURL != "":
		rs, err := fetchRemote(ctx, remoteURL, sessionID)
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, rs...)
	}

	if filePath != "" {
		rs, err := ReadFile(filePath, sessionID)
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, rs...)
	}
	return out, errors.Join(errs...)
}

func fetchRemote(ctx context.Context, base, sessionID string) ([]schema.TrackedResource, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	u := strings.TrimRight(base, "/") + "/resources/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTrackingUnreached, "tracking server unreachable").WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeTrackingUnreached, "tracking server returned %d", resp.StatusCode)
	}

	var body struct {
		Resources []schema.TrackedResource `json:"resources"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tracked resources: %w", err)
	}
	return body.Resources, nil
}
