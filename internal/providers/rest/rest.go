// Package rest is the cleanup provider for backends that expose deletion
// through an HTTP API. Each handler issues DELETE against a path template.
package rest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/internal/secrets"
	"github.com/rendis/e2ekit/pkg/schema"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 4 * 1024
)

// DefaultPaths are the path templates used for handlers the configuration
// does not override.
var DefaultPaths = map[string]string{
	"user": "/users/{id}",
	"team": "/teams/{id}",
	"row":  "/tables/{table}/rows/{id}",
	"file": "/files/{id}",
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Provider deletes resources through one API.
type Provider struct {
	base   *url.URL
	cfg    schema.RESTProvider
	paths  map[string]string
	token  string
	client *http.Client
	logger *slog.Logger
}

// Open validates the base URL and merges configured paths over DefaultPaths.
func Open(cfg schema.RESTProvider, creds secrets.Credentials, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "rest: invalid base_url %q", cfg.BaseURL)
	}

	paths := make(map[string]string, len(DefaultPaths)+len(cfg.Paths))
	for name, tmpl := range DefaultPaths {
		paths[name] = tmpl
	}
	for name, tmpl := range cfg.Paths {
		if !strings.HasPrefix(tmpl, "/") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "rest: path for %q must start with /", name)
		}
		paths[name] = tmpl
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Provider{
		base:   base,
		cfg:    cfg,
		paths:  paths,
		token:  creds.Token,
		client: &http.Client{Transport: transport, Timeout: defaultTimeout},
		logger: logger,
	}, nil
}

func (p *Provider) Kind() schema.ProviderKind { return schema.ProviderREST }

func (p *Provider) Identity() schema.ProviderConfig {
	cfg := p.cfg
	return schema.ProviderConfig{Kind: schema.ProviderREST, REST: &cfg}
}

// Handlers returns one handler per path template.
func (p *Provider) Handlers() map[string]cleanup.Handler {
	out := make(map[string]cleanup.Handler, len(p.paths))
	for name, tmpl := range p.paths {
		out[name] = p.deleter(tmpl)
	}
	return out
}

func (p *Provider) DefaultTypeMap() map[string]string {
	m := map[string]string{
		"account":      "user",
		"organization": "team",
		"record":       "row",
		"upload":       "file",
	}
	for name := range p.paths {
		m[name] = name
	}
	return m
}

func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

func (p *Provider) deleter(tmpl string) cleanup.Handler {
	return func(ctx context.Context, r schema.TrackedResource) error {
		path, err := p.expand(tmpl, r)
		if err != nil {
			return err
		}
		return p.delete(ctx, path)
	}
}

// expand fills {id}, {project} and any metadata key named in the template.
// Values are path-escaped.
func (p *Provider) expand(tmpl string, r schema.TrackedResource) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		var v string
		switch name {
		case "id":
			v = r.ID
		case "project":
			v = p.cfg.Project
		default:
			if raw, ok := r.Metadata[name]; ok && raw != nil {
				v = fmt.Sprint(raw)
			}
		}
		if v == "" {
			missing = append(missing, name)
			return m
		}
		return url.PathEscape(v)
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: missing value for %s in %s",
			r.Key(), strings.Join(missing, ", "), tmpl)
	}
	return out, nil
}

// delete treats 2xx and 404 as success.
func (p *Provider) delete(ctx context.Context, path string) error {
	target := p.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.String(), nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeProvider, "rest: build request: %v", err).WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeProvider, "rest: DELETE %s: %v", path, err).WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
		return nil
	case resp.StatusCode == http.StatusNotFound:
		p.logger.Debug("resource already absent", slog.String("path", path))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return schema.NewErrorf(schema.ErrCodeProvider, "rest: DELETE %s returned %d: %s", path, resp.StatusCode, msg).
		WithDetails(map[string]any{"status_code": resp.StatusCode})
}
