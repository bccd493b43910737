// Package dispatcher implements the Task Dispatcher (C5, spec.md §4.5):
// per-environment singleton execution of a CLI invocation over SSH,
// parsing the resulting stream into typed events, enforcing the overall
// timeout and no-output watchdog, and classifying terminal failures
// through the error taxonomy in errors.go.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"spyre/pkg/credentials"
	"spyre/pkg/dberrors"
	"spyre/pkg/events"
	"spyre/pkg/metrics"
	"spyre/pkg/models"
	"spyre/pkg/shellquote"
	"spyre/pkg/sshpool"
	"spyre/pkg/store"
	"spyre/pkg/stream"
)

// Defaults per spec.md §4.5/§5.
const (
	DefaultMaxConcurrentTasks = 5
	DefaultOverallTimeout     = 600 * time.Second
	DefaultWatchdogTimeout    = 5 * time.Second
)

// Config tunes a Dispatcher's limits and timers.
type Config struct {
	MaxConcurrentTasks int
	OverallTimeout     time.Duration
	WatchdogTimeout    time.Duration
	AllowedTools       []string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.OverallTimeout == 0 {
		c.OverallTimeout = DefaultOverallTimeout
	}
	if c.WatchdogTimeout == 0 {
		c.WatchdogTimeout = DefaultWatchdogTimeout
	}
	return c
}

// activeEntry tracks one in-flight task's cancellation plumbing. cancelled
// is set by Cancel before it invokes cancel, so the run goroutine can tell
// an externally-requested cancellation apart from the overall timeout
// firing on the same context tree.
type activeEntry struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Dispatcher is the C5 entry point. One Dispatcher per process; it holds
// no environment-specific state beyond the CLI-discoverability cache and
// the active-task registry, both keyed by id (spec.md §5: "the dispatcher
// holds a map of active tasks keyed by task id").
type Dispatcher struct {
	store       store.Store
	pool        *sshpool.Pool
	bus         *events.Bus
	propagator  *credentials.Propagator
	credentials *credentials.Store
	cfg         Config

	activeMu sync.Mutex
	active   map[string]*activeEntry

	cliMu      sync.Mutex
	cliChecked map[string]bool
}

// New constructs a Dispatcher. propagator and creds may be nil, in which
// case the pre-dispatch auth refresh step is skipped entirely (tests that
// do not exercise credentials).
func New(st store.Store, pool *sshpool.Pool, bus *events.Bus, propagator *credentials.Propagator, creds *credentials.Store, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:       st,
		pool:        pool,
		bus:         bus,
		propagator:  propagator,
		credentials: creds,
		cfg:         cfg.withDefaults(),
		active:      make(map[string]*activeEntry),
		cliChecked:  make(map[string]bool),
	}
}

// execResult is what a finished StreamExec call reports.
type execResult struct {
	exitCode int
	err      error
}

// Dispatch validates preconditions, opens a channel, composes the remote
// command and launches execution in the background, returning the created
// Task (status running) without waiting for the remote process to start. Terminal
// outcomes are observed via GetTask or the task:{id}:complete topic.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.DispatchRequest) (*models.Task, error) {
	env, err := d.store.GetEnvironment(ctx, req.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if env.Status != models.EnvironmentRunning || env.Address == "" {
		return nil, ErrEnvironmentNotReady
	}

	var devContainerName string
	if req.DevContainerID != "" {
		dc, err := d.store.GetDevContainer(ctx, req.DevContainerID)
		if err != nil {
			return nil, err
		}
		if dc.EnvironmentID != env.ID || dc.Status != models.DevContainerRunning {
			return nil, ErrDevContainerNotReady
		}
		devContainerName = dc.Name
	}

	exists, err := d.store.ActiveTaskExists(ctx, req.EnvironmentID, req.DevContainerID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrTaskInFlight
	}

	activeCount, err := d.store.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if activeCount >= d.cfg.MaxConcurrentTasks {
		return nil, &DispatchError{Code: ErrRateLimited, Err: ErrConcurrencyLimit}
	}

	ch, err := d.pool.Get(ctx, sshpool.Target{
		EnvironmentID: env.ID,
		Address:       env.Address,
		User:          env.SSHUser,
		Password:      env.RootPassword(),
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: open channel: %w", err)
	}

	if err := d.ensureCLIDiscoverable(ctx, ch, env.ID); err != nil {
		return nil, err
	}

	framed := req.Prompt
	if req.ResumeSession == "" {
		framed = d.framePrompt(ctx, ch, env, req)
	}

	if d.propagator != nil {
		if err := d.propagator.Propagate(ctx, ch, env.ID); err != nil {
			slog.Warn("dispatcher: pre-dispatch auth propagation failed, continuing", "environment_id", env.ID, "error", err)
		}
	}

	now := time.Now()
	task := &models.Task{
		ID:            uuid.NewString(),
		EnvironmentID: env.ID,
		Prompt:        req.Prompt,
		Status:        models.TaskRunning,
		MaxRetries:    req.MaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.DevContainerID != "" {
		dc := req.DevContainerID
		task.DevContainerID = &dc
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	command := buildCommand(commandSpec{
		framedPrompt:  framed,
		resumeSession: req.ResumeSession,
		allowedTools:  d.cfg.AllowedTools,
		workingDir:    req.WorkingDir,
		devContainer:  devContainerName,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	entry := &activeEntry{cancel: cancel}
	d.activeMu.Lock()
	d.active[task.ID] = entry
	d.activeMu.Unlock()

	go d.run(runCtx, entry, task, ch, command)

	return task, nil
}

// ensureCLIDiscoverable probes for the claude binary once per environment
// id and caches the result for the process lifetime (spec.md §4.5).
func (d *Dispatcher) ensureCLIDiscoverable(ctx context.Context, ch sshpool.Channel, environmentID string) error {
	d.cliMu.Lock()
	found, cached := d.cliChecked[environmentID]
	d.cliMu.Unlock()
	if cached {
		if !found {
			return &DispatchError{Code: ErrCLINotFound, Err: ErrCLIBinaryMissing}
		}
		return nil
	}

	res, err := ch.Exec(ctx, "command -v claude")
	found = err == nil && res.Code == 0

	d.cliMu.Lock()
	d.cliChecked[environmentID] = found
	d.cliMu.Unlock()

	if !found {
		return &DispatchError{Code: ErrCLINotFound, Err: ErrCLIBinaryMissing}
	}
	return nil
}

// framePrompt builds the preamble described in spec.md §4.5, reading the
// working directory's progress.json over ch on a best-effort basis —
// a missing or unreadable snapshot never blocks dispatch.
func (d *Dispatcher) framePrompt(ctx context.Context, ch sshpool.Channel, env *models.Environment, req models.DispatchRequest) string {
	framer := newPromptFramer(req.Prompt)

	if env.PersonaID != nil {
		if p, err := d.store.GetPersona(ctx, *env.PersonaID); err == nil {
			framer = framer.WithPersona(p)
		}
	}

	repoURL, repoBranch := "", ""
	if env.RepoURL != nil {
		repoURL = *env.RepoURL
	}
	if env.RepoBranch != nil {
		repoBranch = *env.RepoBranch
	}
	workingDir := req.WorkingDir
	if workingDir == "" && env.WorkingDir != nil {
		workingDir = *env.WorkingDir
	}
	framer = framer.WithProjectContext(repoURL, repoBranch, workingDir)

	if workingDir != "" {
		if snap, ok := d.readProgressSnapshot(ctx, ch, workingDir); ok {
			framer = framer.WithProgress(snap)
		}
	}

	if req.DevContainerID != "" {
		siblings, err := d.store.ListDevContainersByEnvironment(ctx, env.ID)
		if err == nil {
			var names []string
			for _, s := range siblings {
				if s.ID != req.DevContainerID {
					names = append(names, s.Name)
				}
			}
			framer = framer.WithSiblingDevContainers(names)
		}
	}

	return framer.Build()
}

func (d *Dispatcher) readProgressSnapshot(ctx context.Context, ch sshpool.Channel, workingDir string) (ProgressSnapshot, bool) {
	res, err := ch.Exec(ctx, progressCatCommand(workingDir))
	if err != nil || res.Code != 0 || strings.TrimSpace(res.Stdout) == "" {
		return ProgressSnapshot{}, false
	}
	return parseProgressSnapshot(res.Stdout), true
}

// run executes command to completion, parsing its stdout into task events
// and persisting the terminal outcome. It owns entry's lifetime: entry is
// removed from the active registry on every return path.
func (d *Dispatcher) run(ctx context.Context, entry *activeEntry, task *models.Task, ch sshpool.Channel, command string) {
	defer d.unregister(task.ID)

	overallCtx, overallCancel := context.WithTimeout(ctx, d.cfg.OverallTimeout)
	defer overallCancel()

	parser := stream.NewParser()
	var rawOutput strings.Builder
	var stderrBuf strings.Builder
	var seq int
	var firstByte sync.Once
	stdoutSeen := make(chan struct{})
	authHang := make(chan struct{}, 1)
	authSignalled := false

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go d.watchdog(watchdogCtx, ch, stdoutSeen, authHang)

	onStdout := func(chunk []byte) {
		firstByte.Do(func() { close(stdoutSeen) })
		rawOutput.Write(chunk)
		for _, ev := range parser.Feed(chunk) {
			seq++
			d.recordEvent(context.Background(), task.ID, seq, ev)
		}
		d.bus.Emit(events.TaskOutputTopic(task.ID), events.TaskOutputPayload{TaskID: task.ID, Chunk: string(chunk)})
	}
	onStderr := func(chunk []byte) {
		stderrBuf.Write(chunk)
		if !authSignalled && containsAuthSignal(string(chunk)) {
			authSignalled = true
			d.bus.Emit(events.TaskOutputTopic(task.ID), events.TaskOutputPayload{TaskID: task.ID, Auth: true})
		}
	}

	resultCh := make(chan execResult, 1)
	go func() {
		exitCode, err := ch.StreamExec(overallCtx, command, onStdout, onStderr)
		resultCh <- execResult{exitCode: exitCode, err: err}
	}()

	select {
	case res := <-resultCh:
		watchdogCancel()
		for _, ev := range parser.Flush() {
			seq++
			d.recordEvent(context.Background(), task.ID, seq, ev)
		}
		d.completeFromResult(task, parser, rawOutput.String(), stderrBuf.String(), res)

	case <-authHang:
		_ = d.pool.Close(task.EnvironmentID)
		d.finish(task, models.TaskAuthRequired, ErrAuthHang, "no-output watchdog: auth probe failed", parser)

	case <-overallCtx.Done():
		if entry.cancelled.Load() {
			// Cancel already persisted the cancelled status and emitted
			// the complete event; just tear down the transport.
			_ = d.pool.Close(task.EnvironmentID)
			return
		}
		_ = d.pool.Close(task.EnvironmentID)
		d.finish(task, models.TaskError, ErrTimeout, fmt.Sprintf("overall timeout of %s exceeded", d.cfg.OverallTimeout), parser)
	}
}

func (d *Dispatcher) recordEvent(ctx context.Context, taskID string, seq int, ev stream.Event) {
	te := &models.TaskEvent{
		TaskID:    taskID,
		Seq:       seq,
		Type:      ev.Kind,
		Summary:   ev.Summary(),
		Payload:   ev.Raw,
		Timestamp: time.Now(),
	}
	if err := d.store.AppendTaskEvent(ctx, te); err != nil {
		slog.Error("dispatcher: failed to append task event", "task_id", taskID, "seq", seq, "error", err)
		return
	}
	d.bus.Emit(events.TaskEventTopic(taskID), te)
	d.bus.Emit(events.AllTasksTopic(), te)
}

func (d *Dispatcher) completeFromResult(task *models.Task, parser *stream.Parser, rawOutput, stderrOutput string, res execResult) {
	if res.err != nil {
		code := categorizeError(-1, stderrOutput, rawOutput)
		d.finish(task, statusForCode(code), code, res.err.Error(), parser)
		return
	}
	if res.exitCode == 0 {
		d.finish(task, models.TaskComplete, "", "", parser)
		return
	}
	code := categorizeError(res.exitCode, stderrOutput, rawOutput)
	d.finish(task, statusForCode(code), code, fmt.Sprintf("remote process exited %d", res.exitCode), parser)
}

func statusForCode(code ErrorCode) models.TaskStatus {
	if code == ErrAuthExpired {
		return models.TaskAuthRequired
	}
	return models.TaskError
}

// finish persists the terminal status (falling back to a post-hoc scan of
// the parser's last-seen result on success), then publishes the complete
// event, per spec.md §4.5.
func (d *Dispatcher) finish(task *models.Task, status models.TaskStatus, code ErrorCode, message string, parser *stream.Parser) {
	ctx := context.Background()
	task.Status = status
	task.UpdatedAt = time.Now()

	if sid, ok := parser.SessionID(); ok {
		task.SessionID = &sid
	}
	if cost, ok := parser.CostUSD(); ok {
		task.CostUSD = cost
	}
	if result, ok := parser.FinalResult(); ok {
		task.Result = &result
	}
	if code != "" {
		c := string(code)
		task.ErrorCode = &c
	}
	if message != "" {
		task.ErrorMessage = &message
	}

	if err := d.store.UpdateTask(ctx, task); err != nil {
		slog.Error("dispatcher: failed to persist terminal task state", "task_id", task.ID, "error", err)
	}
	metrics.RecordTaskCompletion(string(status), time.Since(task.CreatedAt))
	if n, err := d.store.CountActive(ctx); err == nil {
		metrics.SetTasksActive(n)
	}

	payload := events.TaskCompletePayload{TaskID: task.ID, Status: string(status)}
	payload.Result = task.Result
	payload.SessionID = task.SessionID
	payload.ErrorCode = task.ErrorCode
	if task.CostUSD != 0 {
		cost := task.CostUSD
		payload.CostUSD = &cost
	}
	d.bus.Emit(events.TaskCompleteTopic(task.ID), payload)
	d.bus.Emit(events.AllTasksTopic(), payload)
}

// watchdog implements spec.md §4.5's no-output watchdog: if stdoutSeen has
// not closed within the configured window, it performs a single
// out-of-band auth probe and signals authHang if the target appears
// logged out or the credential is past its expiry.
func (d *Dispatcher) watchdog(ctx context.Context, ch sshpool.Channel, stdoutSeen <-chan struct{}, authHang chan<- struct{}) {
	timer := time.NewTimer(d.cfg.WatchdogTimeout)
	defer timer.Stop()

	select {
	case <-stdoutSeen:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := ch.Exec(probeCtx, "claude auth status")
	loggedIn := err == nil && res.Code == 0 && !containsAuthSignal(res.Stdout+res.Stderr)

	expired := false
	if d.credentials != nil {
		if creds, err := d.credentials.Read(); err == nil {
			expired = time.Now().After(creds.ExpiresAt)
		}
	}

	if !loggedIn || expired {
		select {
		case authHang <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) unregister(taskID string) {
	d.activeMu.Lock()
	delete(d.active, taskID)
	d.activeMu.Unlock()
}

// IsActive reports whether the dispatcher's in-memory registry still
// remembers taskID — i.e. a goroutine is watching its transport channel.
// Recovery (C9) uses this to tell a task whose row merely hasn't caught
// up yet from one truly lost to a restart.
func (d *Dispatcher) IsActive(taskID string) bool {
	d.activeMu.Lock()
	defer d.activeMu.Unlock()
	_, ok := d.active[taskID]
	return ok
}

// Cancel sets the task's status to cancelled if it is currently pending or
// running, best-effort closes its transport, and emits the complete event.
// Idempotent: cancelling an already-terminal or unknown task is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, dberrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	task.Status = models.TaskCancelled
	task.UpdatedAt = time.Now()
	if err := d.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	metrics.RecordTaskCompletion(string(models.TaskCancelled), time.Since(task.CreatedAt))

	d.activeMu.Lock()
	entry, ok := d.active[taskID]
	d.activeMu.Unlock()
	if ok {
		entry.cancelled.Store(true)
		entry.cancel()
	}

	d.bus.Emit(events.TaskCompleteTopic(taskID), events.TaskCompletePayload{
		TaskID: taskID,
		Status: string(models.TaskCancelled),
	})
	return nil
}

// Resume re-dispatches a previously-run task's session: a new task row is
// created with prompt "[resume] <original prompt>" and executed with
// --resume in place of the fresh prompt (spec.md §4.5).
func (d *Dispatcher) Resume(ctx context.Context, taskID string) (*models.Task, error) {
	orig, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if orig.SessionID == nil || *orig.SessionID == "" {
		return nil, ErrNoSessionToResume
	}

	devContainerID := ""
	if orig.DevContainerID != nil {
		devContainerID = *orig.DevContainerID
	}

	return d.Dispatch(ctx, models.DispatchRequest{
		EnvironmentID:  orig.EnvironmentID,
		DevContainerID: devContainerID,
		Prompt:         "[resume] " + orig.Prompt,
		ResumeSession:  *orig.SessionID,
		MaxRetries:     orig.MaxRetries,
	})
}

func containsAuthSignal(s string) bool {
	return containsAny(strings.ToLower(s), "auth", "login", "unauthorized", "not logged in")
}

func progressCatCommand(workingDir string) string {
	return fmt.Sprintf("cat %s 2>/dev/null", shellquote.Single(workingDir+"/progress.json"))
}
