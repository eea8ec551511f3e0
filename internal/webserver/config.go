package webserver

import (
	"net/url"
	"time"

	"github.com/rendis/e2ekit/pkg/schema"
)

// Defaults for Config's timing fields.
const (
	DefaultTimeout      = 60 * time.Second
	DefaultIdleTimeout  = 30 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultKillTimeout  = 5 * time.Second
	DefaultSettleDelay  = 500 * time.Millisecond
)

// Config describes the application server a run needs.
type Config struct {
	// URL is polled for readiness and identifies the server for reuse.
	URL string `json:"url"`
	// Command is run through the shell when set.
	Command string `json:"command,omitempty"`
	// StaticDir serves a directory of built assets when Command is empty.
	StaticDir string `json:"static_dir,omitempty"`
	// Dir is the project directory; used for auto-detection and as the working directory.
	Dir string `json:"dir,omitempty"`
	// ReuseExisting allows returning an already-running or external server at URL.
	ReuseExisting bool `json:"reuse_existing_server"`
	// Env is added to the server's environment (tracking contract, secrets).
	Env []string `json:"-"`

	Timeout      time.Duration `json:"timeout,omitempty"`
	IdleTimeout  time.Duration `json:"idle_timeout,omitempty"`
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	KillTimeout  time.Duration `json:"kill_timeout,omitempty"`
	// SettleDelay is waited after exit before the port counts as free; negative disables it.
	SettleDelay time.Duration `json:"settle_delay,omitempty"`
	// DisableIdleTimeout turns off stall detection even with the default IdleTimeout.
	DisableIdleTimeout bool `json:"disable_idle_timeout,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.DisableIdleTimeout {
		c.IdleTimeout = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	return c
}

func (c Config) validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "web server url %q is not absolute", c.URL)
	}
	return nil
}

// port returns the URL's port, or the scheme default.
func (c Config) port() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}
