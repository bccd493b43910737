package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spyre/pkg/events"
	"spyre/pkg/models"
	"spyre/pkg/sshpool"
	"spyre/pkg/store/memstore"
)

// fakeChannel is an in-memory sshpool.Channel, grounded on the same
// injected-transport pattern sshpool's own tests use.
type fakeChannel struct {
	mu         sync.Mutex
	open       bool
	execFn     func(ctx context.Context, command string) (sshpool.Result, error)
	streamFn   func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error)
	closeCount int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		open: true,
		execFn: func(context.Context, string) (sshpool.Result, error) {
			return sshpool.Result{Code: 0}, nil
		},
	}
}

func (f *fakeChannel) Exec(ctx context.Context, command string) (sshpool.Result, error) {
	return f.execFn(ctx, command)
}

func (f *fakeChannel) StreamExec(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
	return f.streamFn(ctx, command, onStdout, onStderr)
}

func (f *fakeChannel) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closeCount++
	return nil
}

type fakeDialer struct{ ch sshpool.Channel }

func (d *fakeDialer) Dial(ctx context.Context, address, user string, privateKey []byte, password string) (sshpool.Channel, error) {
	return d.ch, nil
}

func newTestPool(t *testing.T, ch sshpool.Channel) *sshpool.Pool {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("not-a-real-key"), 0o600))
	pool, err := sshpool.NewPool(keyPath, sshpool.WithDialer(&fakeDialer{ch: ch}))
	require.NoError(t, err)
	return pool
}

func newRunningEnvironment(t *testing.T, st *memstore.Store) *models.Environment {
	t.Helper()
	env := &models.Environment{
		ID:      "env-1",
		Name:    "test",
		Status:  models.EnvironmentRunning,
		Address: "10.0.0.5:22",
		SSHUser: "root",
	}
	require.NoError(t, st.CreateEnvironment(context.Background(), env))
	return env
}

func resultLine(t *testing.T, result string, cost float64, sessionID string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"type":       "result",
		"result":     result,
		"cost_usd":   cost,
		"session_id": sessionID,
	})
	require.NoError(t, err)
	return string(b)
}

func TestDispatchHappyPathCompletesTask(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	proceed := make(chan struct{})
	ch.streamFn = func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
		<-proceed
		onStdout([]byte(resultLine(t, "all done", 0.0123, "sess-1") + "\n"))
		return 0, nil
	}

	pool := newTestPool(t, ch)
	bus := events.NewBus()
	d := New(st, pool, bus, nil, nil, Config{})

	task, err := d.Dispatch(context.Background(), models.DispatchRequest{
		EnvironmentID: env.ID,
		Prompt:        "do the thing",
	})
	require.NoError(t, err)
	require.Equal(t, models.TaskRunning, task.Status)

	var complete events.TaskCompletePayload
	done := make(chan struct{})
	sub := bus.On(events.TaskCompleteTopic(task.ID), func(payload any) {
		complete = payload.(events.TaskCompletePayload)
		close(done)
	})
	defer bus.Remove(sub)

	close(proceed)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task completion")
	}

	assert.Equal(t, string(models.TaskComplete), complete.Status)
	assert.Equal(t, "sess-1", *complete.SessionID)

	stored, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskComplete, stored.Status)
	assert.Equal(t, "all done", *stored.Result)
}

func TestDispatchRejectsOverConcurrencyLimit(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	ch.streamFn = func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	pool := newTestPool(t, ch)
	d := New(st, pool, events.NewBus(), nil, nil, Config{MaxConcurrentTasks: 1})

	require.NoError(t, st.CreateTask(context.Background(), &models.Task{
		ID: "existing", EnvironmentID: "other-env", Status: models.TaskRunning,
	}))

	_, err := d.Dispatch(context.Background(), models.DispatchRequest{EnvironmentID: env.ID, Prompt: "x"})
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, ErrRateLimited, dispatchErr.Code)
}

func TestDispatchRejectsConflictingActiveTask(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	require.NoError(t, st.CreateTask(context.Background(), &models.Task{
		ID: "t0", EnvironmentID: env.ID, Status: models.TaskRunning,
	}))

	pool := newTestPool(t, newFakeChannel())
	d := New(st, pool, events.NewBus(), nil, nil, Config{})

	_, err := d.Dispatch(context.Background(), models.DispatchRequest{EnvironmentID: env.ID, Prompt: "x"})
	assert.ErrorIs(t, err, ErrTaskInFlight)
}

func TestDispatchRejectsEnvironmentNotRunning(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.CreateEnvironment(context.Background(), &models.Environment{
		ID: "env-2", Status: models.EnvironmentProvisioning,
	}))
	pool := newTestPool(t, newFakeChannel())
	d := New(st, pool, events.NewBus(), nil, nil, Config{})

	_, err := d.Dispatch(context.Background(), models.DispatchRequest{EnvironmentID: "env-2", Prompt: "x"})
	assert.ErrorIs(t, err, ErrEnvironmentNotReady)
}

func TestWatchdogAbortsOnAuthHang(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)

	ch := newFakeChannel()
	ch.execFn = func(ctx context.Context, command string) (sshpool.Result, error) {
		if command == "command -v claude" {
			return sshpool.Result{Code: 0}, nil
		}
		// auth probe
		return sshpool.Result{Code: 1, Stdout: "not logged in"}, nil
	}
	streamStarted := make(chan struct{})
	ch.streamFn = func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
		close(streamStarted)
		<-ctx.Done()
		return -1, ctx.Err()
	}

	pool := newTestPool(t, ch)
	bus := events.NewBus()
	d := New(st, pool, bus, nil, nil, Config{WatchdogTimeout: 20 * time.Millisecond, OverallTimeout: 5 * time.Second})

	task, err := d.Dispatch(context.Background(), models.DispatchRequest{EnvironmentID: env.ID, Prompt: "x"})
	require.NoError(t, err)

	<-streamStarted

	require.Eventually(t, func() bool {
		stored, err := st.GetTask(context.Background(), task.ID)
		return err == nil && stored.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskAuthRequired, stored.Status)
	assert.Equal(t, string(ErrAuthHang), *stored.ErrorCode)
}

func TestCancelMidStreamMarksCancelled(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)

	ch := newFakeChannel()
	streamStarted := make(chan struct{})
	ch.streamFn = func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
		close(streamStarted)
		<-ctx.Done()
		return -1, ctx.Err()
	}

	pool := newTestPool(t, ch)
	d := New(st, pool, events.NewBus(), nil, nil, Config{OverallTimeout: 5 * time.Second})

	task, err := d.Dispatch(context.Background(), models.DispatchRequest{EnvironmentID: env.ID, Prompt: "x"})
	require.NoError(t, err)
	<-streamStarted

	require.NoError(t, d.Cancel(context.Background(), task.ID))

	stored, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, stored.Status)

	// idempotent
	require.NoError(t, d.Cancel(context.Background(), task.ID))
}

func TestCategorizeErrorClassifiesKnownSignatures(t *testing.T) {
	cases := []struct {
		name     string
		exit     int
		stderr   string
		stdout   string
		expected ErrorCode
	}{
		{"auth", 1, "Error: not authenticated", "", ErrAuthExpired},
		{"rate limit", 1, "429 Too Many Requests", "", ErrRateLimited},
		{"network", 1, "dial tcp: connect: econnrefused", "", ErrNetworkError},
		{"timeout", 1, "operation timed out", "", ErrTimeout},
		{"cli missing", 127, "bash: claude: command not found", "", ErrCLINotFound},
		{"ssh", 255, "ssh: connect to host: Connection refused", "", ErrSSHError},
		{"generic failure", 1, "", "task failed", ErrTaskFailed},
		{"clean exit", 0, "", "", ErrUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, categorizeError(tc.exit, tc.stderr, tc.stdout))
		})
	}
}

func TestErrorCodeRetryability(t *testing.T) {
	assert.True(t, ErrRateLimited.Retryable())
	assert.True(t, ErrNetworkError.Retryable())
	assert.True(t, ErrTimeout.Retryable())
	assert.True(t, ErrSSHError.Retryable())
	assert.True(t, ErrProcessCrash.Retryable())
	assert.False(t, ErrAuthExpired.Retryable())
	assert.False(t, ErrCLINotFound.Retryable())
	assert.False(t, ErrTaskFailed.Retryable())
}

func TestResumeRequiresSessionID(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.CreateTask(context.Background(), &models.Task{ID: "t1", Status: models.TaskComplete}))
	d := New(st, newTestPool(t, newFakeChannel()), events.NewBus(), nil, nil, Config{})

	_, err := d.Resume(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNoSessionToResume)
}

func TestResumeDispatchesWithResumeFlag(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	sid := "sess-99"
	require.NoError(t, st.CreateTask(context.Background(), &models.Task{
		ID: "orig", EnvironmentID: env.ID, Prompt: "original ask", Status: models.TaskComplete, SessionID: &sid,
	}))

	var capturedCommand string
	ch := newFakeChannel()
	ch.streamFn = func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
		capturedCommand = command
		onStdout([]byte(resultLine(t, "resumed", 0, "sess-100") + "\n"))
		return 0, nil
	}
	pool := newTestPool(t, ch)
	d := New(st, pool, events.NewBus(), nil, nil, Config{})

	task, err := d.Resume(context.Background(), "orig")
	require.NoError(t, err)
	assert.Equal(t, "[resume] original ask", task.Prompt)

	require.Eventually(t, func() bool {
		return capturedCommand != ""
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, capturedCommand, "--resume")
	assert.Contains(t, capturedCommand, sid)
}

func TestFramePromptIncludesPersonaAndProgress(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	personaID := "persona-1"
	env.PersonaID = &personaID
	env.WorkingDir = strPtr("/work")
	require.NoError(t, st.UpdateEnvironment(context.Background(), env))
	st.SeedPersona(&models.Persona{ID: personaID, Name: "Ada", Role: "reviewer", Instructions: "Be thorough."})

	ch := newFakeChannel()
	ch.execFn = func(ctx context.Context, command string) (sshpool.Result, error) {
		if command == "command -v claude" {
			return sshpool.Result{Code: 0}, nil
		}
		return sshpool.Result{Code: 0, Stdout: `{"last_activity":"wrote tests","active_phase":"implementation","blockers":["flaky CI"]}`}, nil
	}
	var capturedCommand string
	ch.streamFn = func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
		capturedCommand = command
		onStdout([]byte(resultLine(t, "ok", 0, "s1") + "\n"))
		return 0, nil
	}

	pool := newTestPool(t, ch)
	d := New(st, pool, events.NewBus(), nil, nil, Config{})

	_, err := d.Dispatch(context.Background(), models.DispatchRequest{EnvironmentID: env.ID, Prompt: "ship it"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return capturedCommand != "" }, time.Second, 5*time.Millisecond)
	assert.Contains(t, capturedCommand, "Ada")
	assert.Contains(t, capturedCommand, "implementation")
	assert.Contains(t, capturedCommand, "flaky CI")
}

func strPtr(s string) *string { return &s }
