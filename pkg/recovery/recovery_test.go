package recovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spyre/pkg/dispatcher"
	"spyre/pkg/events"
	"spyre/pkg/models"
	"spyre/pkg/orchestrator"
	"spyre/pkg/pipeline"
	"spyre/pkg/sshpool"
	"spyre/pkg/store/memstore"
)

// fakeChannel/fakeDialer/newTestPool mirror the fixture pkg/dispatcher,
// pkg/pipeline and pkg/orchestrator's own tests use.
type fakeChannel struct {
	execFn   func(ctx context.Context, command string) (sshpool.Result, error)
	streamFn func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		execFn: func(context.Context, string) (sshpool.Result, error) { return sshpool.Result{Code: 0}, nil },
		streamFn: func(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
	}
}

func (f *fakeChannel) Exec(ctx context.Context, command string) (sshpool.Result, error) {
	return f.execFn(ctx, command)
}
func (f *fakeChannel) StreamExec(ctx context.Context, command string, onStdout, onStderr sshpool.OutputFunc) (int, error) {
	return f.streamFn(ctx, command, onStdout, onStderr)
}
func (f *fakeChannel) Open() bool   { return true }
func (f *fakeChannel) Close() error { return nil }

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
	env := &models.Environment{ID: "env-1", Name: "test", Status: models.EnvironmentRunning, Address: "10.0.0.5:22", SSHUser: "root"}
	require.NoError(t, st.CreateEnvironment(context.Background(), env))
	return env
}

func newEngines(t *testing.T, st *memstore.Store) (*dispatcher.Dispatcher, *pipeline.Engine, *orchestrator.Manager, *events.Bus) {
	t.Helper()
	pool := newTestPool(t, newFakeChannel())
	bus := events.NewBus()
	disp := dispatcher.New(st, pool, bus, nil, nil, dispatcher.Config{})
	eng := pipeline.New(st, disp, pool, bus, pipeline.Config{})
	mgr := orchestrator.New(orchestrator.Config{Store: st, Bus: bus, Dispatcher: disp})
	return disp, eng, mgr, bus
}

// TestReconcilePipelineAppliesTerminalTaskCompletion covers the "task row
// says terminal" branch of spec.md §4.9: a running step whose task already
// completed (as if the process crashed between task completion and the
// step's own bookkeeping) is resolved and the pipeline advances.
func TestReconcilePipelineAppliesTerminalTaskCompletion(t *testing.T) {
	st := memstore.New()
	newRunningEnvironment(t, st)
	_, eng, mgr, _ := newEngines(t, st)
	rec := New(Config{Store: st, Pipeline: eng, Orchestrator: mgr})

	result := "all done"
	task := &models.Task{ID: "task-1", EnvironmentID: "env-1", Status: models.TaskComplete, Result: &result, CostUSD: 0.5}
	require.NoError(t, st.CreateTask(context.Background(), task))

	pos := 0
	p := &models.Pipeline{ID: "pipe-1", EnvironmentID: "env-1", Name: "p", Status: models.PipelineRunning, CurrentPosition: &pos}
	require.NoError(t, st.CreatePipeline(context.Background(), p))

	taskID := "task-1"
	s := &models.PipelineStep{ID: "step-1", PipelineID: "pipe-1", Position: 0, Type: models.StepAgent, Label: "build", Status: models.StepRunning, TaskID: &taskID}
	require.NoError(t, st.CreateStep(context.Background(), s))

	require.NoError(t, rec.Reconcile(context.Background()))

	got, err := st.GetStep(context.Background(), "step-1")
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, got.Status)
	assert.Equal(t, 0.5, got.CostUSD)

	gotPipeline, err := st.GetPipeline(context.Background(), "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineCompleted, gotPipeline.Status)
}

// TestReconcilePipelineMarksLostTaskError covers the "task lost" branch:
// a running step whose task row is still pending/running (the dispatcher
// crashed mid-flight, so it never reached a terminal status) is marked
// error with the exact message spec.md §4.9 specifies.
func TestReconcilePipelineMarksLostTaskError(t *testing.T) {
	st := memstore.New()
	newRunningEnvironment(t, st)
	_, eng, mgr, _ := newEngines(t, st)
	rec := New(Config{Store: st, Pipeline: eng, Orchestrator: mgr})

	task := &models.Task{ID: "task-2", EnvironmentID: "env-1", Status: models.TaskRunning}
	require.NoError(t, st.CreateTask(context.Background(), task))

	pos := 0
	p := &models.Pipeline{ID: "pipe-2", EnvironmentID: "env-1", Name: "p", Status: models.PipelineRunning, CurrentPosition: &pos}
	require.NoError(t, st.CreatePipeline(context.Background(), p))

	taskID := "task-2"
	s := &models.PipelineStep{ID: "step-2", PipelineID: "pipe-2", Position: 0, Type: models.StepAgent, Label: "build", Status: models.StepRunning, TaskID: &taskID, MaxRetries: 0}
	require.NoError(t, st.CreateStep(context.Background(), s))

	require.NoError(t, rec.Reconcile(context.Background()))

	got, err := st.GetStep(context.Background(), "step-2")
	require.NoError(t, err)
	require.NotNil(t, got.ResultSummary)
	assert.Equal(t, "Task lost during restart", *got.ResultSummary)

	gotPipeline, err := st.GetPipeline(context.Background(), "pipe-2")
	require.NoError(t, err)
	assert.Equal(t, models.PipelineFailed, gotPipeline.Status)
}

// TestReconcileOrchestratorAppliesTerminalSupervisorCompletion mirrors
// the pipeline terminal-completion case for a supervising task.
func TestReconcileOrchestratorAppliesTerminalSupervisorCompletion(t *testing.T) {
	st := memstore.New()
	newRunningEnvironment(t, st)
	_, eng, mgr, _ := newEngines(t, st)
	rec := New(Config{Store: st, Pipeline: eng, Orchestrator: mgr})

	result := "goal achieved"
	task := &models.Task{ID: "task-3", EnvironmentID: "env-1", Status: models.TaskComplete, Result: &result}
	require.NoError(t, st.CreateTask(context.Background(), task))

	taskID := "task-3"
	session := &models.OrchestratorSession{ID: "orc-1", EnvironmentID: "env-1", Goal: "g", Status: models.OrchestratorRunning, TaskID: &taskID}
	require.NoError(t, st.CreateOrchestrator(context.Background(), session))

	require.NoError(t, rec.Reconcile(context.Background()))

	got, err := st.GetOrchestrator(context.Background(), "orc-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrchestratorCompleted, got.Status)
}

// TestReconcileOrchestratorMarksLostAgentError covers a child agent whose
// task never reached a terminal status.
func TestReconcileOrchestratorMarksLostAgentError(t *testing.T) {
	st := memstore.New()
	newRunningEnvironment(t, st)
	_, eng, mgr, _ := newEngines(t, st)
	rec := New(Config{Store: st, Pipeline: eng, Orchestrator: mgr})

	task := &models.Task{ID: "task-4", EnvironmentID: "env-1", Status: models.TaskPending}
	require.NoError(t, st.CreateTask(context.Background(), task))

	orcTaskID := "orc-task"
	orcTask := &models.Task{ID: orcTaskID, EnvironmentID: "env-1", Status: models.TaskRunning}
	require.NoError(t, st.CreateTask(context.Background(), orcTask))
	session := &models.OrchestratorSession{ID: "orc-2", EnvironmentID: "env-1", Goal: "g", Status: models.OrchestratorRunning, TaskID: &orcTaskID}
	require.NoError(t, st.CreateOrchestrator(context.Background(), session))

	orcID := "orc-2"
	taskID := "task-4"
	agent := &models.LightweightAgent{ID: "agent-1", EnvironmentID: "env-1", OrchestratorID: &orcID, Name: "a", Role: "r", Status: models.AgentRunning, TaskID: &taskID}
	require.NoError(t, st.CreateAgent(context.Background(), agent))

	require.NoError(t, rec.Reconcile(context.Background()))

	got, err := st.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentError, got.Status)
	require.NotNil(t, got.ResultSummary)
	assert.Equal(t, "Task lost during restart", *got.ResultSummary)
}

// TestRunWithoutHypervisorStopsOnContextCancel covers the nil-Hypervisor
// path: Run still schedules the periodic orphan scan and only returns once
// ctx is cancelled, even though there is no environment-status sync to run.
func TestRunWithoutHypervisorStopsOnContextCancel(t *testing.T) {
	st := memstore.New()
	newRunningEnvironment(t, st)
	_, eng, mgr, _ := newEngines(t, st)
	rec := New(Config{Store: st, Pipeline: eng, Orchestrator: mgr, SyncInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Run returned before ctx was cancelled")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx was cancelled")
	}
}

type fakeHypervisor struct {
	status models.EnvironmentStatus
}

func (f *fakeHypervisor) EnvironmentStatus(ctx context.Context, hypervisorID int) (models.EnvironmentStatus, error) {
	return f.status, nil
}

// TestRunSyncsEnvironmentStatusDrift covers the periodic sync loop
// updating a drifted environment row.
func TestRunSyncsEnvironmentStatusDrift(t *testing.T) {
	st := memstore.New()
	newRunningEnvironment(t, st)
	_, eng, mgr, _ := newEngines(t, st)
	rec := New(Config{
		Store:        st,
		Pipeline:     eng,
		Orchestrator: mgr,
		Hypervisor:   &fakeHypervisor{status: models.EnvironmentStopped},
		SyncInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)
	defer rec.Stop()

	require.Eventually(t, func() bool {
		env, err := st.GetEnvironment(context.Background(), "env-1")
		return err == nil && env.Status == models.EnvironmentStopped
	}, time.Second, 5*time.Millisecond)
}
