// Package plugins runs handler files: executables that delete resource types
// the built-in providers do not know, speaking line-delimited JSON-RPC 2.0
// over stdin and stdout.
package plugins

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/pkg/schema"
)

// Default timeouts.
const (
	HandshakeTimeout = 10 * time.Second
	CallTimeout      = 30 * time.Second
	StopTimeout      = 5 * time.Second
)

// Spec describes how to launch a handler plugin.
type Spec struct {
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
}

// Manager manages the lifecycle of handler plugin subprocesses. Each path is
// started once and shared by every registry built from it.
type Manager struct {
	mu      sync.Mutex
	plugins map[string]*managedPlugin
	logger  *slog.Logger

	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	// Env is appended to every plugin's environment.
	Env []string
}

// NewManager creates a new Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		plugins:          make(map[string]*managedPlugin),
		logger:           logger,
		HandshakeTimeout: HandshakeTimeout,
		CallTimeout:      CallTimeout,
	}
}

type managedPlugin struct {
	spec     Spec
	name     string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	handlers []string

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan rpcResponse
	readErr error
	done    chan struct{} // closed when the reader exits
	exited  chan struct{} // closed when the process has been waited
}

// Load implements cleanup.HandlerLoader.
func (m *Manager) Load(ctx context.Context, path string) (map[string]cleanup.Handler, error) {
	return m.LoadSpec(ctx, Spec{Path: path})
}

// LoadSpec starts the plugin (or reuses a running one), performs the
// handshake, lists its handlers and returns them bound to the process.
func (m *Manager) LoadSpec(ctx context.Context, spec Spec) (map[string]cleanup.Handler, error) {
	m.mu.Lock()
	mp, ok := m.plugins[spec.Path]
	m.mu.Unlock()

	if !ok || mp.dead() {
		var err error
		if mp, err = m.start(ctx, spec); err != nil {
			return nil, err
		}
		m.mu.Lock()
		if prev, exists := m.plugins[spec.Path]; exists && !prev.dead() {
			m.mu.Unlock()
			m.stop(mp)
			mp = prev
		} else {
			m.plugins[spec.Path] = mp
			m.mu.Unlock()
		}
	}

	out := make(map[string]cleanup.Handler, len(mp.handlers))
	for _, name := range mp.handlers {
		out[name] = m.bind(mp, name)
	}
	return out, nil
}

func (m *Manager) start(ctx context.Context, spec Spec) (*managedPlugin, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = append(append(os.Environ(), m.Env...), spec.Env...)
	cmd.Stderr = &logWriter{logger: m.logger, path: spec.Path}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePlugin, "start handler file %s: %v", spec.Path, err).WithCause(err)
	}

	mp := &managedPlugin{
		spec:    spec,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan rpcResponse),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go mp.readLoop(stdout, m.logger)
	go func() {
		<-mp.done
		_ = cmd.Wait()
		close(mp.exited)
	}()

	hctx, cancel := context.WithTimeout(ctx, m.HandshakeTimeout)
	defer cancel()

	var info InitializeResult
	if err := mp.call(hctx, MethodInitialize, InitializeParams{ProtocolVersion: ProtocolVersion, Client: "e2ekit"}, &info); err != nil {
		m.stop(mp)
		return nil, schema.NewErrorf(schema.ErrCodePlugin, "handshake with %s: %v", spec.Path, err).WithCause(err)
	}
	var list ListResult
	if err := mp.call(hctx, MethodList, struct{}{}, &list); err != nil {
		m.stop(mp)
		return nil, schema.NewErrorf(schema.ErrCodePlugin, "list handlers of %s: %v", spec.Path, err).WithCause(err)
	}
	sort.Strings(list.Handlers)
	mp.name = info.Name
	mp.handlers = list.Handlers

	m.logger.Info("handler plugin loaded",
		slog.String("path", spec.Path),
		slog.String("name", info.Name),
		slog.Any("handlers", list.Handlers),
	)
	return mp, nil
}

func (m *Manager) bind(mp *managedPlugin, name string) cleanup.Handler {
	return func(ctx context.Context, r schema.TrackedResource) error {
		cctx, cancel := context.WithTimeout(ctx, m.CallTimeout)
		defer cancel()
		var res CallResult
		if err := mp.call(cctx, MethodCall, CallParams{Name: name, Resource: r}, &res); err != nil {
			return err
		}
		if !res.OK {
			msg := res.Message
			if msg == "" {
				msg = "handler reported failure"
			}
			return schema.NewErrorf(schema.ErrCodeHandlerFailed, "%s: %s", name, msg)
		}
		return nil
	}
}

// Loaded returns the paths of running plugins, sorted.
func (m *Manager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.plugins))
	for p, mp := range m.plugins {
		if !mp.dead() {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// StopAll closes every plugin's stdin, waits StopTimeout for it to exit and
// kills it otherwise.
func (m *Manager) StopAll(_ context.Context) error {
	m.mu.Lock()
	all := make([]*managedPlugin, 0, len(m.plugins))
	for _, mp := range m.plugins {
		all = append(all, mp)
	}
	m.plugins = make(map[string]*managedPlugin)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, mp := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.stop(mp)
		}()
	}
	wg.Wait()
	return nil
}

func (m *Manager) stop(mp *managedPlugin) {
	_ = mp.stdin.Close()
	select {
	case <-mp.exited:
	case <-time.After(StopTimeout):
		if mp.cmd.Process != nil {
			_ = mp.cmd.Process.Kill()
		}
		<-mp.exited
	}
	m.logger.Debug("handler plugin stopped", slog.String("path", mp.spec.Path))
}

func (mp *managedPlugin) dead() bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.readErr != nil
}

// readLoop dispatches responses to waiting callers until stdout closes.
func (mp *managedPlugin) readLoop(stdout io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil || resp.ID == nil {
			logger.Debug("ignoring plugin output", slog.String("path", mp.spec.Path), slog.String("line", sc.Text()))
			continue
		}
		mp.mu.Lock()
		ch, ok := mp.pending[*resp.ID]
		delete(mp.pending, *resp.ID)
		mp.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	mp.mu.Lock()
	mp.readErr = sc.Err()
	if mp.readErr == nil {
		mp.readErr = io.EOF
	}
	for id, ch := range mp.pending {
		close(ch)
		delete(mp.pending, id)
	}
	mp.mu.Unlock()
	close(mp.done)
}

func (mp *managedPlugin) call(ctx context.Context, method string, params, result any) error {
	id := mp.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	mp.mu.Lock()
	if mp.readErr != nil {
		err := mp.readErr
		mp.mu.Unlock()
		return fmt.Errorf("plugin %s is not running: %w", mp.spec.Path, err)
	}
	mp.pending[id] = ch
	mp.mu.Unlock()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		mp.forget(id)
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	mp.writeMu.Lock()
	_, err = mp.stdin.Write(append(data, '\n'))
	mp.writeMu.Unlock()
	if err != nil {
		mp.forget(id)
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("plugin %s exited during %s", mp.spec.Path, method)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		mp.forget(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (mp *managedPlugin) forget(id int64) {
	mp.mu.Lock()
	delete(mp.pending, id)
	mp.mu.Unlock()
}

// logWriter forwards plugin stderr to the logger line by line.
type logWriter struct {
	logger *slog.Logger
	path   string
	buf    []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logger.Debug("plugin stderr", slog.String("path", w.path), slog.String("line", string(w.buf[:i])))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
