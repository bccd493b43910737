package pipeline

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

	"spyre/pkg/dispatcher"
	"spyre/pkg/events"
	"spyre/pkg/models"
	"spyre/pkg/sshpool"
	"spyre/pkg/store/memstore"
)

// fakeChannel mirrors the dispatcher package's own test fake: an
// in-memory sshpool.Channel whose Exec/StreamExec behavior a test
// installs per scenario.
type fakeChannel struct {
	mu       sync.Mutex
	open     bool
	execFn   func(ctx context.Context, command string) (sshpool.Result, error)
	streamFn func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error)
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

// succeed emits a successful stream result. The small sleep gives the
// pipeline engine's own goroutine enough time to finish registering its
// completion listener before the dispatcher emits the topic — in real
// operation this window is always covered by genuine SSH latency; here it
// has to be simulated.
func succeed(t *testing.T, result string, cost float64) func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
	return func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
		time.Sleep(10 * time.Millisecond)
		b, err := json.Marshal(map[string]any{"type": "result", "result": result, "cost_usd": cost, "session_id": "s1"})
		require.NoError(t, err)
		onStdout(append(b, '\n'))
		return 0, nil
	}
}

func fail(stderr string) func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
	return func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
		time.Sleep(10 * time.Millisecond)
		onStderr([]byte(stderr))
		return 1, nil
	}
}

func newEngine(t *testing.T, st *memstore.Store, ch sshpool.Channel) (*Engine, *dispatcher.Dispatcher) {
	t.Helper()
	pool := newTestPool(t, ch)
	bus := events.NewBus()
	disp := dispatcher.New(st, pool, bus, nil, nil, dispatcher.Config{})
	eng := New(st, disp, pool, bus, Config{})
	return eng, disp
}

func agentStep(id, pipelineID string, position int, maxRetries int) *models.PipelineStep {
	return &models.PipelineStep{
		ID: id, PipelineID: pipelineID, Position: position, Type: models.StepAgent,
		Label: id, Status: models.StepPending, MaxRetries: maxRetries,
	}
}

func gateStep(id, pipelineID string, position int) *models.PipelineStep {
	return &models.PipelineStep{
		ID: id, PipelineID: pipelineID, Position: position, Type: models.StepGate,
		Label: id, Status: models.StepPending,
	}
}

func newDraftPipeline(t *testing.T, st *memstore.Store, envID string, steps ...*models.PipelineStep) *models.Pipeline {
	t.Helper()
	p := &models.Pipeline{ID: "pl-1", EnvironmentID: envID, Name: "demo", Status: models.PipelineDraft}
	require.NoError(t, st.CreatePipeline(context.Background(), p))
	for _, s := range steps {
		require.NoError(t, st.CreateStep(context.Background(), s))
	}
	return p
}

func TestStartSingleAgentStepCompletesPipeline(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	ch.streamFn = succeed(t, "all done", 0.05)
	eng, _ := newEngine(t, st, ch)

	p := newDraftPipeline(t, st, env.ID, agentStep("s1", "pl-1", 0, 0))
	require.NoError(t, eng.Start(context.Background(), p.ID))

	require.Eventually(t, func() bool {
		stored, err := st.GetPipeline(context.Background(), p.ID)
		return err == nil && stored.Status == models.PipelineCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := st.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.05, stored.TotalCost)

	step, err := st.GetStep(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, step.Status)
	assert.Equal(t, "all done", *step.ResultSummary)
}

func TestTwoPositionPipelineAdvancesInOrder(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	ch.streamFn = succeed(t, "ok", 0.01)
	eng, _ := newEngine(t, st, ch)

	p := newDraftPipeline(t, st, env.ID,
		agentStep("s1", "pl-1", 0, 0),
		agentStep("s2", "pl-1", 1, 0),
	)
	require.NoError(t, eng.Start(context.Background(), p.ID))

	require.Eventually(t, func() bool {
		stored, err := st.GetPipeline(context.Background(), p.ID)
		return err == nil && stored.Status == models.PipelineCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := st.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, stored.TotalCost, 1e-9)
}

func TestGateAtPositionPausesPipeline(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	ch.streamFn = succeed(t, "ok", 0.01)
	eng, _ := newEngine(t, st, ch)

	p := newDraftPipeline(t, st, env.ID,
		agentStep("s1", "pl-1", 0, 0),
		gateStep("g1", "pl-1", 1),
	)
	require.NoError(t, eng.Start(context.Background(), p.ID))

	require.Eventually(t, func() bool {
		stored, err := st.GetPipeline(context.Background(), p.ID)
		return err == nil && stored.Status == models.PipelinePaused
	}, 2*time.Second, 10*time.Millisecond)

	gate, err := st.GetStep(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, models.StepWaiting, gate.Status)
}

func TestDecideApproveResumesAndCompletes(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	ch.streamFn = succeed(t, "ok", 0.01)
	eng, _ := newEngine(t, st, ch)

	newDraftPipeline(t, st, env.ID,
		agentStep("s1", "pl-1", 0, 0),
		gateStep("g1", "pl-1", 1),
	)
	require.NoError(t, eng.Start(context.Background(), "pl-1"))
	require.Eventually(t, func() bool {
		stored, err := st.GetPipeline(context.Background(), "pl-1")
		return err == nil && stored.Status == models.PipelinePaused
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Decide(context.Background(), "pl-1", "g1", models.GateApproved, "", ""))

	require.Eventually(t, func() bool {
		stored, err := st.GetPipeline(context.Background(), "pl-1")
		return err == nil && stored.Status == models.PipelineCompleted
	}, 2*time.Second, 10*time.Millisecond)

	gate, err := st.GetStep(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GateApproved, *gate.GateResult)
}

func TestDecideRejectFailsPipeline(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	ch.streamFn = succeed(t, "ok", 0.01)
	eng, _ := newEngine(t, st, ch)

	newDraftPipeline(t, st, env.ID,
		agentStep("s1", "pl-1", 0, 0),
		gateStep("g1", "pl-1", 1),
	)
	require.NoError(t, eng.Start(context.Background(), "pl-1"))
	require.Eventually(t, func() bool {
		stored, err := st.GetPipeline(context.Background(), "pl-1")
		return err == nil && stored.Status == models.PipelinePaused
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Decide(context.Background(), "pl-1", "g1", models.GateRejected, "not good enough", ""))

	stored, err := st.GetPipeline(context.Background(), "pl-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineFailed, stored.Status)
	assert.Equal(t, "not good enough", *stored.ErrorMessage)
}

func TestDecideReviseResetsPriorStepAndBumpsIteration(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	ch.streamFn = succeed(t, "ok", 0.01)
	eng, _ := newEngine(t, st, ch)

	newDraftPipeline(t, st, env.ID,
		agentStep("s1", "pl-1", 0, 0),
		gateStep("g1", "pl-1", 1),
	)
	require.NoError(t, eng.Start(context.Background(), "pl-1"))
	require.Eventually(t, func() bool {
		stored, err := st.GetPipeline(context.Background(), "pl-1")
		return err == nil && stored.Status == models.PipelinePaused
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Decide(context.Background(), "pl-1", "g1", models.GateRevised, "fix the tests", ""))

	require.Eventually(t, func() bool {
		s, err := st.GetStep(context.Background(), "s1")
		return err == nil && s.Status == models.StepCompleted && s.Iteration == 1
	}, 2*time.Second, 10*time.Millisecond)

	gate, err := st.GetStep(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "fix the tests", *gate.GateFeedback)
}

func TestDecideReviseAbortsAtMaxIteration(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	ch.streamFn = succeed(t, "ok", 0.01)
	eng, _ := newEngine(t, st, ch)

	s1 := agentStep("s1", "pl-1", 0, 0)
	s1.Iteration = models.MaxIteration
	newDraftPipeline(t, st, env.ID, s1, gateStep("g1", "pl-1", 1))
	pos := 1
	p, err := st.GetPipeline(context.Background(), "pl-1")
	require.NoError(t, err)
	p.Status = models.PipelineRunning
	p.CurrentPosition = &pos
	require.NoError(t, st.UpdatePipeline(context.Background(), p))
	gate, err := st.GetStep(context.Background(), "g1")
	require.NoError(t, err)
	gate.Status = models.StepWaiting
	require.NoError(t, st.UpdateStep(context.Background(), gate))

	err = eng.Decide(context.Background(), "pl-1", "g1", models.GateRevised, "still not right", "")
	assert.ErrorIs(t, err, ErrMaxIterationsReached)

	stored, err := st.GetPipeline(context.Background(), "pl-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineFailed, stored.Status)
}

func TestRetryExhaustionFailsPipeline(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	ch.streamFn = fail("task failed")
	eng, _ := newEngine(t, st, ch)

	newDraftPipeline(t, st, env.ID, agentStep("s1", "pl-1", 0, 1))
	require.NoError(t, eng.Start(context.Background(), "pl-1"))

	require.Eventually(t, func() bool {
		stored, err := st.GetPipeline(context.Background(), "pl-1")
		return err == nil && stored.Status == models.PipelineFailed
	}, 3*time.Second, 10*time.Millisecond)

	step, err := st.GetStep(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StepError, step.Status)
	assert.Equal(t, 1, step.RetryCount)
}

func TestSkipErroredStepAdvancesPipeline(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	eng, _ := newEngine(t, st, ch)

	s1 := agentStep("s1", "pl-1", 0, 0)
	s1.Status = models.StepError
	p := newDraftPipeline(t, st, env.ID, s1)
	p.Status = models.PipelineRunning
	zero := 0
	p.CurrentPosition = &zero
	require.NoError(t, st.UpdatePipeline(context.Background(), p))

	require.NoError(t, eng.Skip(context.Background(), p.ID, "s1"))

	stored, err := st.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineCompleted, stored.Status)

	step, err := st.GetStep(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StepSkipped, step.Status)
}

func TestRetryFailedStepFromFailedPipeline(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	ch.streamFn = succeed(t, "recovered", 0.02)
	eng, _ := newEngine(t, st, ch)

	s1 := agentStep("s1", "pl-1", 0, 2)
	s1.Status = models.StepError
	s1.RetryCount = 2
	p := newDraftPipeline(t, st, env.ID, s1)
	p.Status = models.PipelineFailed
	zero := 0
	p.CurrentPosition = &zero
	require.NoError(t, st.UpdatePipeline(context.Background(), p))

	require.NoError(t, eng.RetryFailedStep(context.Background(), p.ID, "s1"))

	require.Eventually(t, func() bool {
		stored, err := st.GetPipeline(context.Background(), p.ID)
		return err == nil && stored.Status == models.PipelineCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelRunningPipelineCancelsStepAndTask(t *testing.T) {
	st := memstore.New()
	env := newRunningEnvironment(t, st)
	ch := newFakeChannel()
	streamStarted := make(chan struct{})
	ch.streamFn = func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
		close(streamStarted)
		<-ctx.Done()
		return -1, ctx.Err()
	}
	eng, _ := newEngine(t, st, ch)

	p := newDraftPipeline(t, st, env.ID, agentStep("s1", "pl-1", 0, 0))
	require.NoError(t, eng.Start(context.Background(), p.ID))
	<-streamStarted

	require.NoError(t, eng.Cancel(context.Background(), p.ID))

	stored, err := st.GetPipeline(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PipelineCancelled, stored.Status)

	step, err := st.GetStep(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StepCancelled, step.Status)
}

func TestWaitDevContainerReadyFailsOnStoppedStatus(t *testing.T) {
	st := memstore.New()
	eng, _ := newEngine(t, st, newFakeChannel())

	st.SeedDevContainer(&models.DevContainer{ID: "dc-1", EnvironmentID: "env-x", Status: models.DevContainerStopped})

	err := eng.waitDevContainerReady(context.Background(), "dc-1")
	assert.Error(t, err)
}
