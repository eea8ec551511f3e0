package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/e2ekit/internal/cleanup"
	"github.com/rendis/e2ekit/pkg/schema"
)

type mockRunner struct {
	calls    atomic.Int32
	block    chan struct{}
	started  chan struct{}
	once     sync.Once
	outcomes []*cleanup.RetryOutcome
	err      error
}

func (m *mockRunner) RetryAll(ctx context.Context) ([]*cleanup.RetryOutcome, error) {
	m.calls.Add(1)
	if m.started != nil {
		m.once.Do(func() { close(m.started) })
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.outcomes, m.err
}

func TestNewRetryScheduler_Schedules(t *testing.T) {
	s, err := NewRetryScheduler("", &mockRunner{}, nil)
	require.NoError(t, err)
	from := time.Date(2026, 5, 1, 10, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 5, 1, 10, 15, 0, 0, time.UTC), s.CalculateNextRun(from))

	s, err = NewRetryScheduler("@every 10m", &mockRunner{}, nil)
	require.NoError(t, err)
	assert.Equal(t, from.Add(10*time.Minute), s.CalculateNextRun(from))

	_, err = NewRetryScheduler("not a cron", &mockRunner{}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRetryScheduler_RunOnce(t *testing.T) {
	runner := &mockRunner{outcomes: []*cleanup.RetryOutcome{
		{SessionID: "a", Resolved: true},
		{SessionID: "b", Remaining: 2, Error: "boom"},
	}}
	s, err := NewRetryScheduler("@hourly", runner, nil)
	require.NoError(t, err)

	out, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, out, 2)

	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, "resolved 1, pending 1", st.LastStatus)
	assert.False(t, st.LastRunAt.IsZero())
}

func TestRetryScheduler_RunOnce_Error(t *testing.T) {
	s, err := NewRetryScheduler("@hourly", &mockRunner{err: errors.New("store down")}, nil)
	require.NoError(t, err)
	_, err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, "error", s.Status().LastStatus)
}

func TestRetryScheduler_SingleFlight(t *testing.T) {
	runner := &mockRunner{block: make(chan struct{}), started: make(chan struct{})}
	s, err := NewRetryScheduler("@hourly", runner, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-runner.started
	assert.True(t, s.Status().Running)

	_, err = s.RunOnce(context.Background())
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	close(runner.block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestRetryScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	runner := &mockRunner{started: make(chan struct{})}
	s, err := NewRetryScheduler("@hourly", runner, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	err = s.Start(context.Background())
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("initial pass did not run")
	}
	require.Eventually(t, func() bool { return !s.Status().NextRunAt.IsZero() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestRetryScheduler_StopCancelsInFlightPass(t *testing.T) {
	runner := &mockRunner{block: make(chan struct{}), started: make(chan struct{})}
	s, err := NewRetryScheduler("@hourly", runner, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	<-runner.started

	stopped := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, s.Status().Running)
}
