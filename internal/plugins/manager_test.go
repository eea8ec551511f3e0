package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/pkg/schema"
)

const fakePluginEnv = "E2EKIT_FAKE_PLUGIN"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakePluginEnv); mode != "" {
		runFakePlugin(mode)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runFakePlugin serves the handler protocol on stdio from the test binary.
func runFakePlugin(mode string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		if mode == "silent" {
			continue
		}
		fmt.Fprintln(os.Stderr, "handling", req.Method)
		fmt.Println("not json noise")

		var result any
		var rpcErr *rpcError
		switch req.Method {
		case MethodInitialize:
			if mode == "reject" {
				rpcErr = &rpcError{Code: -32600, Message: "unsupported protocol"}
			} else {
				result = InitializeResult{Name: "fake"}
			}
		case MethodList:
			result = ListResult{Handlers: []string{"webhook", "team"}}
		case MethodCall:
			var p CallParams
			_ = json.Unmarshal(req.Params, &p)
			switch {
			case p.Resource.ID == "crash":
				os.Exit(3)
			case p.Name == "webhook":
				result = CallResult{OK: false, Message: "webhook locked"}
			case p.Resource.MetaString("org") != "o1":
				result = CallResult{OK: false, Message: "missing org"}
			default:
				result = CallResult{OK: true}
			}
		default:
			rpcErr = &rpcError{Code: -32601, Message: "method not found"}
		}
		out, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result, "error": rpcErr})
		fmt.Println(string(out))
	}
}

func fakeSpec(mode string) Spec {
	return Spec{Path: os.Args[0], Args: []string{"-test.run=^$"}, Env: []string{fakePluginEnv + "=" + mode}}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil)
	t.Cleanup(func() { _ = m.StopAll(context.Background()) })
	return m
}

func TestManager_LoadSpec_ListsAndCallsHandlers(t *testing.T) {
	m := newTestManager(t)
	hs, err := m.LoadSpec(context.Background(), fakeSpec("ok"))
	require.NoError(t, err)
	require.Contains(t, hs, "team")
	require.Contains(t, hs, "webhook")

	ctx := context.Background()
	err = hs["team"](ctx, schema.TrackedResource{Type: "team", ID: "T1", Metadata: map[string]any{"org": "o1"}})
	assert.NoError(t, err)

	err = hs["team"](ctx, schema.TrackedResource{Type: "team", ID: "T2"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeHandlerFailed))
	assert.Contains(t, err.Error(), "missing org")

	err = hs["webhook"](ctx, schema.TrackedResource{Type: "webhook", ID: "W1"})
	assert.Contains(t, err.Error(), "webhook locked")
}

func TestManager_LoadSpec_ReusesRunningPlugin(t *testing.T) {
	m := newTestManager(t)
	_, err := m.LoadSpec(context.Background(), fakeSpec("ok"))
	require.NoError(t, err)
	_, err = m.LoadSpec(context.Background(), fakeSpec("ok"))
	require.NoError(t, err)
	assert.Equal(t, []string{os.Args[0]}, m.Loaded())
}

func TestManager_LoadSpec_HandshakeRejected(t *testing.T) {
	m := newTestManager(t)
	_, err := m.LoadSpec(context.Background(), fakeSpec("reject"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePlugin))
	assert.Contains(t, err.Error(), "unsupported protocol")
	assert.Empty(t, m.Loaded())
}

func TestManager_LoadSpec_HandshakeTimeout(t *testing.T) {
	m := newTestManager(t)
	m.HandshakeTimeout = 200 * time.Millisecond
	_, err := m.LoadSpec(context.Background(), fakeSpec("silent"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePlugin))
}

func TestManager_Load_MissingFile(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Load(context.Background(), "/nonexistent/e2ekit.handlers")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePlugin))
}

func TestManager_Handler_PluginCrash(t *testing.T) {
	m := newTestManager(t)
	hs, err := m.LoadSpec(context.Background(), fakeSpec("ok"))
	require.NoError(t, err)

	err = hs["team"](context.Background(), schema.TrackedResource{Type: "team", ID: "crash"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited")

	err = hs["team"](context.Background(), schema.TrackedResource{Type: "team", ID: "T1"})
	require.Error(t, err)
	assert.Empty(t, m.Loaded())
}

func TestManager_StopAll(t *testing.T) {
	m := newTestManager(t)
	hs, err := m.LoadSpec(context.Background(), fakeSpec("ok"))
	require.NoError(t, err)

	require.NoError(t, m.StopAll(context.Background()))
	assert.Empty(t, m.Loaded())

	err = hs["team"](context.Background(), schema.TrackedResource{Type: "team", ID: "T1", Metadata: map[string]any{"org": "o1"}})
	assert.Error(t, err)
}
