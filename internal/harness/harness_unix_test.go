//go:build !windows

package harness

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/internal/engine"
	"github.com/rendis/e2ekit/internal/webserver"
	"github.com/rendis/e2ekit/pkg/schema"
)

func freeURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return fmt.Sprintf("http://%s", addr)
}

func TestRun_ServerFailureIsFatalButFinalises(t *testing.T) {
	prov := newFakeProvider()
	opts, sessions, _ := baseOptions(t, prov, func(context.Context, *schema.WorkflowNode, *engine.ExecutionContext, engine.RunOptions) (*engine.WorkflowResult, error) {
		t.Fatal("runner must not be called")
		return nil, nil
	})
	opts.ServerManager = webserver.NewManager(nil)
	opts.Server = &webserver.Config{
		URL:         freeURL(t),
		Command:     "echo starting; exit 3",
		Timeout:     10 * time.Second,
		SettleDelay: -1,
	}

	report, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeServerExited))
	require.NotNil(t, report)
	assert.True(t, report.Cleanup.Success)
	assert.Empty(t, sessions.Sessions)
	assert.Equal(t, webserver.StateNotStarted, opts.ServerManager.State())
}

func TestRun_OwnedServerIsStopped(t *testing.T) {
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(app.Close)

	var sawEnv bool
	opts, _, _ := baseOptions(t, newFakeProvider(), func(_ context.Context, _ *schema.WorkflowNode, rc *engine.ExecutionContext, _ engine.RunOptions) (*engine.WorkflowResult, error) {
		_, sawEnv = rc.Var(VarTrackingURL)
		return passed(), nil
	})
	mgr := webserver.NewManager(nil)
	opts.ServerManager = mgr
	opts.Server = &webserver.Config{
		URL:          app.URL,
		Command:      "sleep 30",
		Timeout:      5 * time.Second,
		PollInterval: 20 * time.Millisecond,
		KillTimeout:  time.Second,
		SettleDelay:  -1,
	}

	report, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, sawEnv)
	assert.Equal(t, schema.NodeStatusPassed, report.Pipeline.Status)
	assert.Equal(t, webserver.StateNotStarted, mgr.State())
}
