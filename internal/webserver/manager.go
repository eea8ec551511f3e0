package webserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rendis/e2ekit/pkg/schema"
)

// State is the lifecycle state of the managed server.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "not-started"
	}
}

// Handle is what Start returns to a run.
type Handle struct {
	URL string
	PID int
	// External is set when the server was already answering and was adopted.
	External bool
	// Owned is true only for the call that spawned the process; only that
	// caller should Stop it.
	Owned bool
}

type process struct {
	cmd     *exec.Cmd
	command string
	out     *outputTail
	done    chan struct{}
	err     error // valid after done is closed
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Manager owns at most one application server for the whole process.
// Overlapping Start and Stop calls are serialized through its state.
type Manager struct {
	logger *slog.Logger
	client *http.Client

	mu       sync.Mutex
	state    State
	gen      uint64
	changed  chan struct{}
	cfg      Config
	proc     *process
	external bool
}

var (
	shared     *Manager
	sharedOnce sync.Once
)

// Shared returns the process-wide manager.
func Shared() *Manager {
	sharedOnce.Do(func() { shared = NewManager(nil) })
	return shared
}

// NewManager creates a manager. Most callers want Shared.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger,
		client:  &http.Client{Timeout: 2 * time.Second},
		changed: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// setState must be called with mu held.
func (m *Manager) setState(s State) {
	m.state = s
	m.gen++
	close(m.changed)
	m.changed = make(chan struct{})
}

// awaitChange releases mu and blocks until the next state transition.
func (m *Manager) awaitChange(ctx context.Context) error {
	ch := m.changed
	m.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "waiting for web server state change").WithCause(ctx.Err())
	}
}

// Start returns a ready server for cfg, reusing, adopting or spawning one.
func (m *Manager) Start(ctx context.Context, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	for {
		m.mu.Lock()
		switch m.state {
		case StateStarting, StateStopping:
			if err := m.awaitChange(ctx); err != nil {
				return nil, err
			}
			continue

		case StateRunning:
			same := m.cfg.URL == cfg.URL
			gen := m.gen
			h := m.handle()
			m.mu.Unlock()

			if same && cfg.ReuseExisting && m.probe(ctx, cfg.URL) {
				m.mu.Lock()
				if m.state == StateRunning && m.gen == gen {
					m.mu.Unlock()
					m.logger.Info("reusing web server", "url", h.URL, "pid", h.PID)
					return h, nil
				}
				m.mu.Unlock()
				continue
			}
			if err := m.Stop(ctx); err != nil {
				return nil, err
			}
			continue

		default:
			m.setState(StateStarting)
			m.mu.Unlock()
			return m.launch(ctx, cfg)
		}
	}
}

// handle must be called with mu held and state running.
func (m *Manager) handle() *Handle {
	h := &Handle{URL: m.cfg.URL, External: m.external}
	if m.proc != nil && m.proc.cmd.Process != nil {
		h.PID = m.proc.cmd.Process.Pid
	}
	return h
}

func (m *Manager) reset() {
	m.mu.Lock()
	m.proc = nil
	m.external = false
	m.cfg = Config{}
	m.setState(StateNotStarted)
	m.mu.Unlock()
}

func (m *Manager) launch(ctx context.Context, cfg Config) (*Handle, error) {
	if cfg.ReuseExisting && m.probe(ctx, cfg.URL) {
		m.mu.Lock()
		m.cfg = cfg
		m.external = true
		m.setState(StateRunning)
		m.mu.Unlock()
		m.logger.Info("adopted external web server", "url", cfg.URL)
		return &Handle{URL: cfg.URL, External: true}, nil
	}

	command, err := ResolveCommand(cfg)
	if err != nil {
		m.reset()
		return nil, err
	}

	p, err := m.spawn(cfg, command)
	if err != nil {
		m.reset()
		return nil, err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.proc = p
	m.mu.Unlock()

	if err := m.waitReady(ctx, cfg, p); err != nil {
		m.logger.Warn("web server failed to start", "url", cfg.URL, "command", command, "error", err)
		m.terminate(p, cfg)
		m.reset()
		return nil, err
	}

	m.mu.Lock()
	m.setState(StateRunning)
	h := m.handle()
	m.mu.Unlock()
	h.Owned = true
	m.logger.Info("web server ready", "url", cfg.URL, "pid", h.PID, "command", command)
	return h, nil
}

func (m *Manager) spawn(cfg Config, command string) (*process, error) {
	cmd := shellCommand(command)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), "PORT="+cfg.port())
	cmd.Env = append(cmd.Env, cfg.Env...)
	configureProcAttr(cmd)

	out := newOutputTail(outputTailLines)
	cmd.Stdout = out
	cmd.Stderr = out
	// Grandchildren can hold the output pipes open after the shell exits.
	cmd.WaitDelay = cfg.KillTimeout

	if err := cmd.Start(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeServerCommand, "start %q: %v", command, err).WithCause(err)
	}
	p := &process{cmd: cmd, command: command, out: out, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	m.logger.Debug("spawned web server", "command", command, "pid", cmd.Process.Pid, "dir", cfg.Dir)
	return p, nil
}

func (m *Manager) waitReady(ctx context.Context, cfg Config, p *process) error {
	deadline := time.NewTimer(cfg.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(cfg.PollInterval)
	defer tick.Stop()

	done := p.done
	for {
		if m.probe(ctx, cfg.URL) {
			return nil
		}
		select {
		case <-ctx.Done():
			return schema.NewError(schema.ErrCodeCancelled, "web server start cancelled").WithCause(ctx.Err())

		case <-done:
			if p.err != nil {
				return startError(schema.ErrCodeServerExited, p, cfg,
					"web server exited before becoming ready: "+p.err.Error())
			}
			// A zero exit may mean the command daemonized; keep polling.
			done = nil

		case <-deadline.C:
			return startError(schema.ErrCodeServerTimeout, p, cfg,
				"web server at "+cfg.URL+" not ready within "+cfg.Timeout.String())

		case <-tick.C:
			if cfg.IdleTimeout > 0 && done != nil && time.Since(p.out.LastOutput()) > cfg.IdleTimeout {
				return startError(schema.ErrCodeServerStalled, p, cfg,
					"web server printed nothing for "+cfg.IdleTimeout.String())
			}
		}
	}
}

func startError(code string, p *process, cfg Config, msg string) error {
	return schema.NewError(code, msg).WithDetails(map[string]any{
		"url":     cfg.URL,
		"command": p.command,
		"output":  p.out.Lines(),
	})
}

// probe reports whether anything answers at url; any status below 500 counts.
func (m *Manager) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Stop shuts down the tracked server. Adopted servers are released without
// being signalled. Calling Stop with nothing running is a no-op.
func (m *Manager) Stop(ctx context.Context) error {
	for {
		m.mu.Lock()
		switch m.state {
		case StateStarting, StateStopping:
			if err := m.awaitChange(ctx); err != nil {
				return err
			}
			continue

		case StateNotStarted:
			m.mu.Unlock()
			return nil

		default:
			if m.external || m.proc == nil {
				url := m.cfg.URL
				m.external = false
				m.cfg = Config{}
				m.setState(StateNotStarted)
				m.mu.Unlock()
				m.logger.Info("released external web server", "url", url)
				return nil
			}
			p, cfg := m.proc, m.cfg
			m.setState(StateStopping)
			m.mu.Unlock()

			m.terminate(p, cfg)
			m.reset()
			m.logger.Info("web server stopped", "url", cfg.URL)
			return nil
		}
	}
}

// terminate signals the process group, waits for the real exit and
// escalates to a kill after KillTimeout. It does not honour cancellation.
func (m *Manager) terminate(p *process, cfg Config) {
	pid := p.cmd.Process.Pid
	if !p.exited() {
		if err := terminateGroup(pid); err != nil {
			m.logger.Debug("terminate web server", "pid", pid, "error", err)
		}
		timer := time.NewTimer(cfg.KillTimeout)
		select {
		case <-p.done:
			timer.Stop()
		case <-timer.C:
			m.logger.Warn("web server ignored termination, killing", "pid", pid)
			if err := killGroup(pid); err != nil && !errors.Is(err, os.ErrProcessDone) {
				m.logger.Debug("kill web server", "pid", pid, "error", err)
			}
			<-p.done
		}
	}
	if cfg.SettleDelay > 0 {
		time.Sleep(cfg.SettleDelay)
	}
}
