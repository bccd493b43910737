// Package pipeline implements the Pipeline Engine (C7, spec.md §4.7): a
// single-threaded-per-pipeline state machine that drives a linear sequence
// of agent/gate steps forward, dispatching agent steps through the C5
// dispatcher and suspending at gates for a human decision.
//
// advanceLocked is the state-machine core that dispatches agent steps,
// pauses at gates and moves current_position forward; the public entry
// points (Start, Decide, Skip, RetryFailedStep, Cancel) and the
// task-completion handler set step and pipeline status themselves before
// handing off to it. Per-pipeline serialization is
// enforced by a mutex keyed on pipeline id, mirroring the dispatcher's
// per-task active registry (pkg/dispatcher) one level up the stack.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"spyre/pkg/dberrors"
	"spyre/pkg/dispatcher"
	"spyre/pkg/events"
	"spyre/pkg/metrics"
	"spyre/pkg/models"
	"spyre/pkg/sshpool"
	"spyre/pkg/store"
)

// Defaults per spec.md §4.7 "Devcontainer readiness".
const (
	DefaultDevContainerPollInterval = 3 * time.Second
	DefaultDevContainerPollTimeout  = 300 * time.Second
)

// Config tunes the engine's dev-container readiness polling.
type Config struct {
	DevContainerPollInterval time.Duration
	DevContainerPollTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DevContainerPollInterval == 0 {
		c.DevContainerPollInterval = DefaultDevContainerPollInterval
	}
	if c.DevContainerPollTimeout == 0 {
		c.DevContainerPollTimeout = DefaultDevContainerPollTimeout
	}
	return c
}

// Engine is the C7 entry point. One Engine per process, shared across all
// pipelines; per-pipeline state lives entirely in the store.
type Engine struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	pool       *sshpool.Pool
	bus        *events.Bus
	cfg        Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs an Engine.
func New(st store.Store, disp *dispatcher.Dispatcher, pool *sshpool.Pool, bus *events.Bus, cfg Config) *Engine {
	return &Engine{
		store:      st,
		dispatcher: disp,
		pool:       pool,
		bus:        bus,
		cfg:        cfg.withDefaults(),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(pipelineID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[pipelineID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[pipelineID] = l
	}
	return l
}

// Start transitions a pipeline from draft or failed into running. On
// restart from failed, error/cancelled steps are reset to pending with
// their volatile fields cleared (spec.md §4.7 "start(id)").
func (e *Engine) Start(ctx context.Context, pipelineID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.Status != models.PipelineDraft && p.Status != models.PipelineFailed {
		return fmt.Errorf("pipeline: start: %w", dberrors.ErrInvalidState)
	}

	env, err := e.store.GetEnvironment(ctx, p.EnvironmentID)
	if err != nil {
		return err
	}
	if env.Status != models.EnvironmentRunning {
		return fmt.Errorf("pipeline: start: environment not running: %w", dberrors.ErrInvalidState)
	}

	steps, err := e.store.ListSteps(ctx, pipelineID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return fmt.Errorf("pipeline: start: no steps: %w", dberrors.ErrInvalidState)
	}

	if p.Status == models.PipelineFailed {
		for _, s := range steps {
			if s.Status == models.StepError || s.Status == models.StepCancelled {
				s.Status = models.StepPending
				s.ClearVolatile()
				if err := e.store.UpdateStep(ctx, s); err != nil {
					return err
				}
			}
		}
	}

	minPos := steps[0].Position
	for _, s := range steps {
		if s.Position < minPos {
			minPos = s.Position
		}
	}

	p.CurrentPosition = &minPos
	p.Status = models.PipelineRunning
	p.ErrorMessage = nil
	if err := e.store.UpdatePipeline(ctx, p); err != nil {
		return err
	}

	if ch, workingDir, ok := e.openChannel(ctx, env); ok {
		snap := captureSnapshot(ctx, ch, workingDir, p.ID, nil, models.SnapshotStart)
		_ = e.store.AppendSnapshot(ctx, snap)
	}

	e.emit(p.ID, "started", "", nil)
	return e.advanceLocked(ctx, p.ID)
}

// advanceLocked is the state-machine core described in spec.md §4.7. It
// assumes the caller already holds the pipeline's lock.
func (e *Engine) advanceLocked(ctx context.Context, pipelineID string) error {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.Status != models.PipelineRunning {
		return nil
	}
	if p.CurrentPosition == nil {
		return fmt.Errorf("pipeline: advance: running pipeline has no current_position: %w", dberrors.ErrInvalidState)
	}
	pos := *p.CurrentPosition

	allSteps, err := e.store.ListSteps(ctx, pipelineID)
	if err != nil {
		return err
	}
	sort.Slice(allSteps, func(i, j int) bool { return allSteps[i].Position < allSteps[j].Position })

	var at []*models.PipelineStep
	for _, s := range allSteps {
		if s.Position == pos {
			at = append(at, s)
		}
	}

	// 1. If any step at this position is running or waiting, suspend.
	for _, s := range at {
		if s.Status == models.StepRunning || s.Status == models.StepWaiting {
			return nil
		}
	}

	hasAgent := false
	for _, s := range at {
		if s.Type == models.StepAgent {
			hasAgent = true
		}
	}

	// 2. Dispatch pending steps.
	for _, s := range at {
		if s.Status != models.StepPending {
			continue
		}
		e.dispatchStep(ctx, p, allSteps, s)
	}
	if !hasAgent {
		// Every step at this position is a gate; nothing was dispatched.
		if pausable(at) {
			p.Status = models.PipelinePaused
			if err := e.store.UpdatePipeline(ctx, p); err != nil {
				return err
			}
			return nil
		}
	}

	// 3. Handle steps that errored (including ones just dispatched above
	// that failed synchronously).
	noRetriesLeft := false
	var errMsgs []string
	for _, s := range at {
		if s.Status != models.StepError {
			continue
		}
		if s.RetryCount < s.MaxRetries {
			s.RetryCount++
			s.ClearVolatile()
			s.Status = models.StepPending
			if err := e.store.UpdateStep(ctx, s); err != nil {
				return err
			}
			e.dispatchStep(ctx, p, allSteps, s)
		} else {
			noRetriesLeft = true
			if s.ResultSummary != nil {
				errMsgs = append(errMsgs, fmt.Sprintf("%s: %s", s.Label, *s.ResultSummary))
			} else {
				errMsgs = append(errMsgs, s.Label+": failed")
			}
		}
	}
	if noRetriesLeft {
		for _, s := range at {
			if s.Status == models.StepPending || s.Status == models.StepRunning {
				s.Status = models.StepCancelled
				if err := e.store.UpdateStep(ctx, s); err != nil {
					return err
				}
			}
		}
		msg := strings.Join(errMsgs, "; ")
		p.Status = models.PipelineFailed
		p.ErrorMessage = &msg
		if err := e.store.UpdatePipeline(ctx, p); err != nil {
			return err
		}
		e.emit(p.ID, "failed", "", map[string]any{"error": msg})
		return nil
	}

	// 4. Advance past a fully terminal position.
	allTerminal := true
	for _, s := range at {
		if s.Status != models.StepCompleted && s.Status != models.StepSkipped {
			allTerminal = false
			break
		}
	}
	if !allTerminal {
		return nil
	}

	nextPos, found := nextPosition(allSteps, pos)
	if !found {
		return e.completePipeline(ctx, p, allSteps)
	}

	p.CurrentPosition = &nextPos
	if err := e.store.UpdatePipeline(ctx, p); err != nil {
		return err
	}
	return e.advanceLocked(ctx, pipelineID)
}

// pausable reports whether a gate-only position should pause the
// pipeline: true while any step at this position is waiting for a
// decision; once every gate is skipped or decided it is false and step 4
// handles advancement instead.
func pausable(at []*models.PipelineStep) bool {
	for _, s := range at {
		if s.Status == models.StepWaiting {
			return true
		}
	}
	return false
}

func nextPosition(steps []*models.PipelineStep, after int) (int, bool) {
	found := false
	best := 0
	for _, s := range steps {
		if s.Position > after && (!found || s.Position < best) {
			best = s.Position
			found = true
		}
	}
	return best, found
}

func (e *Engine) completePipeline(ctx context.Context, p *models.Pipeline, allSteps []*models.PipelineStep) error {
	var total float64
	var summaries []string
	for _, s := range allSteps {
		total += s.CostUSD
		if s.Status == models.StepCompleted && s.ResultSummary != nil {
			summaries = append(summaries, *s.ResultSummary)
		}
	}
	p.TotalCost = total

	env, err := e.store.GetEnvironment(ctx, p.EnvironmentID)
	if err == nil {
		if ch, workingDir, ok := e.openChannel(ctx, env); ok {
			candidates := extractCandidatePaths(summaries)
			files := verifyPathsExist(ctx, ch, workingDir, candidates)
			services := detectServices(ctx, ch)
			p.Artifacts = &models.OutputArtifacts{Services: services, Files: files}
		}
	}

	p.Status = models.PipelineCompleted
	if err := e.store.UpdatePipeline(ctx, p); err != nil {
		return err
	}
	e.emit(p.ID, "completed", "", nil)
	return nil
}

// dispatchStep dispatches a pending step: an agent step becomes a
// dispatcher task with a registered completion listener, a gate step
// becomes waiting. Dispatch failures (including a dev-container that
// never becomes ready) are recorded as a step error rather than
// propagated, so the caller's step-2/step-3 loop observes them uniformly.
func (e *Engine) dispatchStep(ctx context.Context, p *models.Pipeline, allSteps []*models.PipelineStep, s *models.PipelineStep) {
	now := time.Now()

	if s.Type == models.StepGate {
		s.Status = models.StepWaiting
		s.StartedAt = &now
		if err := e.store.UpdateStep(ctx, s); err != nil {
			slog.Error("pipeline: failed to persist gate step", "step_id", s.ID, "error", err)
			return
		}
		e.emit(p.ID, "gate_waiting", s.ID, nil)
		return
	}

	env, err := e.store.GetEnvironment(ctx, p.EnvironmentID)
	if err != nil {
		e.markStepError(ctx, s, err.Error())
		return
	}

	if s.DevContainerID != nil {
		if err := e.waitDevContainerReady(ctx, *s.DevContainerID); err != nil {
			e.markStepError(ctx, s, err.Error())
			return
		}
	}

	personaNames := e.personaNames(ctx, allSteps)
	var latestDiff string
	if snap, err := e.store.LatestSnapshot(ctx, p.ID, models.SnapshotStepComplete); err == nil {
		latestDiff = snap.Diff
	}
	prompt := frameStepPrompt(p, allSteps, s, personaNames, latestDiff)

	workingDir := ""
	if env.WorkingDir != nil {
		workingDir = *env.WorkingDir
	}

	req := models.DispatchRequest{
		EnvironmentID: p.EnvironmentID,
		Prompt:        prompt,
		WorkingDir:    workingDir,
		MaxRetries:    s.MaxRetries,
	}
	if s.DevContainerID != nil {
		req.DevContainerID = *s.DevContainerID
	}

	task, err := e.dispatcher.Dispatch(ctx, req)
	if err != nil {
		e.markStepError(ctx, s, err.Error())
		return
	}

	s.Status = models.StepRunning
	s.TaskID = &task.ID
	s.StartedAt = &now
	if err := e.store.UpdateStep(ctx, s); err != nil {
		slog.Error("pipeline: failed to persist dispatched step", "step_id", s.ID, "error", err)
		return
	}
	e.emit(p.ID, "step_started", s.ID, nil)
	e.registerCompletionListener(p.ID, s.ID, task.ID)
}

func (e *Engine) markStepError(ctx context.Context, s *models.PipelineStep, message string) {
	s.Status = models.StepError
	msg := truncateResult(message, 500)
	s.ResultSummary = &msg
	now := time.Now()
	s.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, s); err != nil {
		slog.Error("pipeline: failed to persist step error", "step_id", s.ID, "error", err)
	}
}

// registerCompletionListener subscribes to task:{taskID}:complete,
// removing itself once fired so the bus never accumulates stale
// listeners across a pipeline's lifetime.
func (e *Engine) registerCompletionListener(pipelineID, stepID, taskID string) {
	var sub events.Subscription
	sub = e.bus.On(events.TaskCompleteTopic(taskID), func(payload any) {
		e.bus.Remove(sub)
		go e.handleTaskComplete(pipelineID, stepID, taskID)
	})
}

// handleTaskComplete is the "task completion callback" of spec.md §4.7.
func (e *Engine) handleTaskComplete(pipelineID, stepID, taskID string) {
	ctx := context.Background()
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	s, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		slog.Error("pipeline: completion callback: step lookup failed", "step_id", stepID, "error", err)
		return
	}
	if s.Status != models.StepRunning {
		return // already handled, e.g. the pipeline was cancelled in the meantime
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		slog.Error("pipeline: completion callback: task lookup failed", "task_id", taskID, "error", err)
		return
	}

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		slog.Error("pipeline: completion callback: pipeline lookup failed", "pipeline_id", pipelineID, "error", err)
		return
	}

	now := time.Now()
	if task.Status == models.TaskComplete {
		var result string
		if task.Result != nil {
			result = truncateResult(*task.Result, 500)
		}
		s.Status = models.StepCompleted
		s.ResultSummary = &result
		s.CostUSD = task.CostUSD
		s.CompletedAt = &now
		p.TotalCost += task.CostUSD

		if err := e.store.UpdateStep(ctx, s); err != nil {
			slog.Error("pipeline: failed to persist completed step", "step_id", s.ID, "error", err)
		}
		if err := e.store.UpdatePipeline(ctx, p); err != nil {
			slog.Error("pipeline: failed to persist pipeline cost", "pipeline_id", p.ID, "error", err)
		}
		if env, err := e.store.GetEnvironment(ctx, p.EnvironmentID); err == nil {
			if ch, workingDir, ok := e.openChannel(ctx, env); ok {
				sid := s.ID
				snap := captureSnapshot(ctx, ch, workingDir, p.ID, &sid, models.SnapshotStepComplete)
				_ = e.store.AppendSnapshot(ctx, snap)
			}
		}
		e.emit(p.ID, "step_completed", s.ID, nil)
		metrics.RecordStepCompletion(string(s.Type), string(models.StepCompleted))
	} else {
		msg := "task did not complete"
		if task.ErrorMessage != nil {
			msg = *task.ErrorMessage
		}
		e.markStepError(ctx, s, msg)
		e.emit(p.ID, "step_error", s.ID, map[string]any{"error": msg})
		metrics.RecordStepCompletion(string(s.Type), string(models.StepError))
	}

	if err := e.advanceLocked(ctx, pipelineID); err != nil {
		slog.Error("pipeline: advance after completion callback failed", "pipeline_id", pipelineID, "error", err)
	}
}

// Decide resolves a gate step (spec.md §4.7 "Gate decisions"). The
// waiting→completed transition is a compare-and-swap; a concurrent
// decision on the same step surfaces as dberrors.ErrConflict.
func (e *Engine) Decide(ctx context.Context, pipelineID, stepID string, action models.GateResult, feedback, reviseToStepID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if err := e.store.CompareAndSwapStepStatus(ctx, stepID, models.StepWaiting, models.StepCompleted); err != nil {
		return err
	}

	step.Status = models.StepCompleted
	step.GateResult = &action
	if feedback != "" {
		step.GateFeedback = &feedback
	}
	now := time.Now()
	step.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}

	if env, err := e.store.GetEnvironment(ctx, p.EnvironmentID); err == nil {
		if ch, workingDir, ok := e.openChannel(ctx, env); ok {
			snap := captureSnapshot(ctx, ch, workingDir, p.ID, &stepID, models.SnapshotGateDecision)
			_ = e.store.AppendSnapshot(ctx, snap)
		}
	}

	e.emit(p.ID, "gate_decided", stepID, map[string]any{"action": string(action)})

	switch action {
	case models.GateApproved:
		p.Status = models.PipelineRunning
		if err := e.store.UpdatePipeline(ctx, p); err != nil {
			return err
		}
		return e.advanceLocked(ctx, pipelineID)

	case models.GateRejected:
		msg := feedback
		if msg == "" {
			msg = "rejected at gate " + step.Label
		}
		p.Status = models.PipelineFailed
		p.ErrorMessage = &msg
		if err := e.store.UpdatePipeline(ctx, p); err != nil {
			return err
		}
		e.emit(p.ID, "failed", "", map[string]any{"error": msg})
		return nil

	case models.GateRevised:
		return e.revise(ctx, p, step, feedback, reviseToStepID)
	}
	return fmt.Errorf("pipeline: decide: unknown action %q", action)
}

// revise implements the "revise" branch of spec.md §4.7's gate decisions.
func (e *Engine) revise(ctx context.Context, p *models.Pipeline, gate *models.PipelineStep, feedback, reviseToStepID string) error {
	allSteps, err := e.store.ListSteps(ctx, p.ID)
	if err != nil {
		return err
	}

	targetPos := gate.Position - 1
	if reviseToStepID != "" {
		for _, s := range allSteps {
			if s.ID == reviseToStepID {
				targetPos = s.Position
				break
			}
		}
	}

	for _, s := range allSteps {
		if s.Position == targetPos && s.Iteration >= models.MaxIteration {
			p.Status = models.PipelineFailed
			msg := "Maximum revision iterations reached"
			p.ErrorMessage = &msg
			if err := e.store.UpdatePipeline(ctx, p); err != nil {
				return err
			}
			e.emit(p.ID, "failed", "", map[string]any{"error": msg})
			return ErrMaxIterationsReached
		}
	}

	if feedback != "" {
		gate.GateFeedback = &feedback
		if err := e.store.UpdateStep(ctx, gate); err != nil {
			return err
		}
	}

	for _, s := range allSteps {
		if s.ID == gate.ID {
			continue
		}
		if s.Position >= targetPos && s.Position < gate.Position {
			s.Status = models.StepPending
			s.ClearVolatile()
			s.Iteration++
			if err := e.store.UpdateStep(ctx, s); err != nil {
				return err
			}
		}
	}

	p.CurrentPosition = &targetPos
	p.Status = models.PipelineRunning
	if err := e.store.UpdatePipeline(ctx, p); err != nil {
		return err
	}
	e.emit(p.ID, "step_retried", gate.ID, nil)
	return e.advanceLocked(ctx, p.ID)
}

// Skip marks a pending, waiting or errored step as skipped. Skipping a
// gate resumes a paused pipeline (spec.md §4.7 "Skip and retry").
func (e *Engine) Skip(ctx context.Context, pipelineID, stepID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	s, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if s.Status != models.StepPending && s.Status != models.StepWaiting && s.Status != models.StepError {
		return fmt.Errorf("pipeline: skip: %w", dberrors.ErrInvalidState)
	}
	s.Status = models.StepSkipped
	now := time.Now()
	s.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, s); err != nil {
		return err
	}
	e.emit(pipelineID, "step_skipped", stepID, nil)

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.Status == models.PipelinePaused {
		p.Status = models.PipelineRunning
		if err := e.store.UpdatePipeline(ctx, p); err != nil {
			return err
		}
	}
	return e.advanceLocked(ctx, pipelineID)
}

// RetryFailedStep resumes a failed pipeline at a specific errored step
// (spec.md §4.7 "Skip and retry").
func (e *Engine) RetryFailedStep(ctx context.Context, pipelineID, stepID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.Status != models.PipelineFailed {
		return fmt.Errorf("pipeline: retry_failed_step: %w", dberrors.ErrInvalidState)
	}
	s, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if s.Status != models.StepError {
		return fmt.Errorf("pipeline: retry_failed_step: %w", dberrors.ErrInvalidState)
	}

	s.Status = models.StepPending
	s.ClearVolatile()
	if err := e.store.UpdateStep(ctx, s); err != nil {
		return err
	}

	p.CurrentPosition = &s.Position
	p.Status = models.PipelineRunning
	p.ErrorMessage = nil
	if err := e.store.UpdatePipeline(ctx, p); err != nil {
		return err
	}
	return e.advanceLocked(ctx, pipelineID)
}

// Cancel transitions a running or paused pipeline to cancelled, cancelling
// any in-flight step's dispatcher task.
func (e *Engine) Cancel(ctx context.Context, pipelineID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.Status != models.PipelineRunning && p.Status != models.PipelinePaused {
		return nil
	}

	steps, err := e.store.ListSteps(ctx, pipelineID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		switch s.Status {
		case models.StepRunning:
			if s.TaskID != nil {
				if err := e.dispatcher.Cancel(ctx, *s.TaskID); err != nil {
					slog.Warn("pipeline: cancel: dispatcher cancel failed", "task_id", *s.TaskID, "error", err)
				}
			}
			s.Status = models.StepCancelled
			_ = e.store.UpdateStep(ctx, s)
		case models.StepPending, models.StepWaiting:
			s.Status = models.StepCancelled
			_ = e.store.UpdateStep(ctx, s)
		}
	}

	p.Status = models.PipelineCancelled
	if err := e.store.UpdatePipeline(ctx, p); err != nil {
		return err
	}
	e.emit(pipelineID, "cancelled", "", nil)
	return nil
}

// Rescan re-runs output artifact extraction against the latest completed
// step summaries without otherwise touching pipeline state.
func (e *Engine) Rescan(ctx context.Context, pipelineID string) error {
	l := e.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	p, err := e.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	steps, err := e.store.ListSteps(ctx, pipelineID)
	if err != nil {
		return err
	}
	return e.completePipeline(ctx, p, steps)
}

// Reconcile re-attaches or resolves every running step of every
// running/paused pipeline at process start (spec.md §4.9 recovery). For
// each running step with a task id: if the dispatcher's in-memory
// registry still watches that task, the completion listener is simply
// re-registered; if the task row already reached a terminal status, the
// completion callback is replayed directly; otherwise the step is lost
// and marked accordingly.
func (e *Engine) Reconcile(ctx context.Context) error {
	pipelines, err := e.store.ListPipelinesByStatus(ctx, models.PipelineRunning, models.PipelinePaused)
	if err != nil {
		return err
	}
	metrics.SetPipelinesActive(len(pipelines))
	for _, p := range pipelines {
		e.reconcilePipeline(ctx, p)
	}
	return nil
}

func (e *Engine) reconcilePipeline(ctx context.Context, p *models.Pipeline) {
	steps, err := e.store.ListSteps(ctx, p.ID)
	if err != nil {
		slog.Error("pipeline: reconcile: step lookup failed", "pipeline_id", p.ID, "error", err)
		return
	}

	needsAdvance := false
	for _, s := range steps {
		if s.Status != models.StepRunning || s.TaskID == nil {
			continue
		}
		taskID := *s.TaskID

		if e.dispatcher.IsActive(taskID) {
			e.registerCompletionListener(p.ID, s.ID, taskID)
			continue
		}

		task, terr := e.store.GetTask(ctx, taskID)
		if terr == nil && task.Status.IsTerminal() {
			e.handleTaskComplete(p.ID, s.ID, taskID)
			continue
		}

		l := e.lockFor(p.ID)
		l.Lock()
		e.markStepError(ctx, s, "Task lost during restart")
		l.Unlock()
		metrics.RecordRecoveryLost("step")
		needsAdvance = true
	}

	if needsAdvance {
		l := e.lockFor(p.ID)
		l.Lock()
		if err := e.advanceLocked(ctx, p.ID); err != nil {
			slog.Error("pipeline: reconcile: advance failed", "pipeline_id", p.ID, "error", err)
		}
		l.Unlock()
	}
}

func (e *Engine) emit(pipelineID, event, stepID string, data map[string]any) {
	e.bus.Emit(events.PipelineTopic(pipelineID), events.PipelineEventPayload{
		PipelineID: pipelineID,
		Event:      event,
		StepID:     stepID,
		Data:       data,
	})
}

func (e *Engine) personaNames(ctx context.Context, steps []*models.PipelineStep) map[string]string {
	out := make(map[string]string)
	for _, s := range steps {
		if s.PersonaID == nil {
			continue
		}
		if _, ok := out[*s.PersonaID]; ok {
			continue
		}
		if p, err := e.store.GetPersona(ctx, *s.PersonaID); err == nil {
			out[*s.PersonaID] = p.Name
		}
	}
	return out
}

func (e *Engine) openChannel(ctx context.Context, env *models.Environment) (sshpool.Channel, string, bool) {
	if env.Status != models.EnvironmentRunning || env.Address == "" {
		return nil, "", false
	}
	ch, err := e.pool.Get(ctx, sshpool.Target{
		EnvironmentID: env.ID,
		Address:       env.Address,
		User:          env.SSHUser,
		Password:      env.RootPassword(),
	})
	if err != nil {
		return nil, "", false
	}
	workingDir := ""
	if env.WorkingDir != nil {
		workingDir = *env.WorkingDir
	}
	return ch, workingDir, true
}

// waitDevContainerReady polls a dev-container's status every
// cfg.DevContainerPollInterval up to cfg.DevContainerPollTimeout,
// returning nil once it is running (spec.md §4.7 "Devcontainer
// readiness").
func (e *Engine) waitDevContainerReady(ctx context.Context, devContainerID string) error {
	deadline := time.Now().Add(e.cfg.DevContainerPollTimeout)
	ticker := time.NewTicker(e.cfg.DevContainerPollInterval)
	defer ticker.Stop()

	for {
		dc, err := e.store.GetDevContainer(ctx, devContainerID)
		if err != nil {
			return err
		}
		switch dc.Status {
		case models.DevContainerRunning:
			return nil
		case models.DevContainerError, models.DevContainerStopped:
			return fmt.Errorf("dev-container %s is %s", devContainerID, dc.Status)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("dev-container %s did not become ready within %s", devContainerID, e.cfg.DevContainerPollTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
