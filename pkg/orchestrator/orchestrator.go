// Package orchestrator implements the Orchestrator & Agent Manager (C8,
// spec.md §4.8): a supervising dispatcher task whose tool_use events
// ("spyre_spawn_agent", "spyre_ask_user") fan out into waves of
// lightweight child agents, or raise a question to a human operator.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"spyre/pkg/dberrors"
	"spyre/pkg/dispatcher"
	"spyre/pkg/events"
	"spyre/pkg/metrics"
	"spyre/pkg/models"
	"spyre/pkg/store"
)

const resultSummaryLimit = 500

// Config wires a Manager's collaborators.
type Config struct {
	Store      store.Store
	Bus        *events.Bus
	Dispatcher *dispatcher.Dispatcher
}

// Manager drives orchestrator sessions and their spawned agents. All
// mutations to a given orchestrator's wave bookkeeping serialize through
// its own lock, the same per-entity mutex-map discipline pkg/pipeline
// uses for its per-pipeline serialization.
type Manager struct {
	store      store.Store
	bus        *events.Bus
	dispatcher *dispatcher.Dispatcher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	return &Manager{store: cfg.Store, bus: cfg.Bus, dispatcher: cfg.Dispatcher, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(orchestratorID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[orchestratorID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[orchestratorID] = l
	}
	return l
}

// StartOrchestrator creates a session row and dispatches the supervising
// task (spec.md §4.8 "Start").
func (m *Manager) StartOrchestrator(ctx context.Context, req models.StartOrchestratorRequest) (*models.OrchestratorSession, error) {
	model := req.Model
	if model == "" {
		model = models.ModelSonnet
	}

	var personas []*models.Persona
	for _, id := range req.PersonaIDs {
		p, err := m.store.GetPersona(ctx, id)
		if err != nil {
			continue
		}
		personas = append(personas, p)
	}

	now := time.Now()
	session := &models.OrchestratorSession{
		ID:            uuid.New().String(),
		EnvironmentID: req.EnvironmentID,
		Goal:          req.Goal,
		Model:         model,
		Status:        models.OrchestratorPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	session.SystemPrompt = composeSystemPrompt(req.Goal, personas)
	if err := m.store.CreateOrchestrator(ctx, session); err != nil {
		return nil, err
	}

	task, err := m.dispatcher.Dispatch(ctx, models.DispatchRequest{
		EnvironmentID: req.EnvironmentID,
		Prompt:        session.SystemPrompt,
	})
	if err != nil {
		session.Status = models.OrchestratorError
		session.ResultSummary = strPtr(truncate(err.Error(), resultSummaryLimit))
		session.UpdatedAt = time.Now()
		_ = m.store.UpdateOrchestrator(ctx, session)
		return session, err
	}

	session.TaskID = &task.ID
	session.Status = models.OrchestratorRunning
	session.UpdatedAt = time.Now()
	if err := m.store.UpdateOrchestrator(ctx, session); err != nil {
		return nil, err
	}

	m.registerSupervisingListeners(session.ID, task.ID)
	return session, nil
}

// composeSystemPrompt builds the supervising task's system prompt: goal,
// available personas, and the two built-in tool descriptions (spec.md
// §4.8 "Start").
func composeSystemPrompt(goal string, personas []*models.Persona) string {
	var b strings.Builder
	b.WriteString("# Orchestrator\n\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", goal)
	if len(personas) > 0 {
		b.WriteString("Available personas:\n")
		for _, p := range personas {
			fmt.Fprintf(&b, "- %s (%s): %s\n", p.Name, p.Role, p.Instructions)
		}
		b.WriteString("\n")
	}
	b.WriteString("Tools:\n")
	b.WriteString("- spyre_spawn_agent({name, role, persona_id?, task, model, context?}): spawn one lightweight agent to work a sub-task.\n")
	b.WriteString("- spyre_ask_user({question, options?}): pause and ask the human operator a question; blocks until answered.\n")
	return b.String()
}

// registerSupervisingListeners attaches the two listeners that drive an
// orchestrator forward: tool_use events on the supervising task's stream,
// and the supervising task's own terminal completion.
func (m *Manager) registerSupervisingListeners(orchestratorID, taskID string) {
	toolSub := m.bus.On(events.TaskEventTopic(taskID), func(payload any) {
		te, ok := payload.(*models.TaskEvent)
		if !ok || te.Type != models.TaskEventToolUse {
			return
		}
		for _, tu := range parseToolUseBlocks(te.Payload) {
			switch tu.Name {
			case "spyre_spawn_agent":
				go m.handleSpawnAgentTool(context.Background(), orchestratorID, tu.Input)
			case "spyre_ask_user":
				go m.handleAskUserTool(context.Background(), orchestratorID, tu.Input)
			}
		}
	})

	var completeSub events.Subscription
	completeSub = m.bus.On(events.TaskCompleteTopic(taskID), func(payload any) {
		m.bus.Remove(completeSub)
		m.bus.Remove(toolSub)
		go m.handleSupervisingComplete(context.Background(), orchestratorID, taskID)
	})
}

func (m *Manager) handleSupervisingComplete(ctx context.Context, orchestratorID, taskID string) {
	lock := m.lockFor(orchestratorID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetOrchestrator(ctx, orchestratorID)
	if err != nil {
		return
	}
	if session.Status != models.OrchestratorRunning && session.Status != models.OrchestratorPaused {
		return
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		session.Status = models.OrchestratorError
		session.ResultSummary = strPtr("supervising task not found")
	} else if task.Status == models.TaskComplete {
		session.Status = models.OrchestratorCompleted
		if task.Result != nil {
			session.ResultSummary = strPtr(truncate(*task.Result, resultSummaryLimit))
		}
		session.TotalCost += task.CostUSD
	} else {
		session.Status = models.OrchestratorError
		if task.ErrorMessage != nil {
			session.ResultSummary = strPtr(truncate(*task.ErrorMessage, resultSummaryLimit))
		}
	}
	session.UpdatedAt = time.Now()
	_ = m.store.UpdateOrchestrator(ctx, session)
	m.bus.Emit(events.OrchestratorCompleteTopic(orchestratorID), events.OrchestratorEventPayload{
		OrchestratorID: orchestratorID,
		Event:          "complete",
	})
}

func (m *Manager) handleSpawnAgentTool(ctx context.Context, orchestratorID string, input map[string]any) {
	req := models.SpawnAgentRequest{
		Name:  stringField(input, "name"),
		Role:  stringField(input, "role"),
		Task:  stringField(input, "task"),
		Model: models.Model(stringField(input, "model")),
	}
	if pid := stringField(input, "persona_id"); pid != "" {
		req.PersonaID = &pid
	}
	if c, ok := input["context"].(map[string]any); ok {
		req.Context = c
	}
	if _, err := m.SpawnAgent(ctx, orchestratorID, req); err != nil {
		slog.Warn("orchestrator: spawn_agent tool failed", "orchestrator_id", orchestratorID, "error", err)
	}
}

func (m *Manager) handleAskUserTool(ctx context.Context, orchestratorID string, input map[string]any) {
	req := models.AskUserToolRequest{Question: stringField(input, "question")}
	if opts, ok := input["options"].([]any); ok {
		for _, o := range opts {
			if s, ok := o.(string); ok {
				req.Options = append(req.Options, s)
			}
		}
	}
	if _, err := m.AskUser(ctx, orchestratorID, req); err != nil {
		slog.Warn("orchestrator: ask_user tool failed", "orchestrator_id", orchestratorID, "error", err)
	}
}

// SpawnAgent creates and dispatches one lightweight agent, enforcing the
// per-orchestrator concurrent-agent cap (spec.md §4.8 "Agent spawn").
func (m *Manager) SpawnAgent(ctx context.Context, orchestratorID string, req models.SpawnAgentRequest) (*models.LightweightAgent, error) {
	lock := m.lockFor(orchestratorID)
	lock.Lock()
	defer lock.Unlock()
	return m.spawnAgentLocked(ctx, orchestratorID, req, nil, nil)
}

func (m *Manager) spawnAgentLocked(ctx context.Context, orchestratorID string, req models.SpawnAgentRequest, waveID *string, wavePosition *int) (*models.LightweightAgent, error) {
	session, err := m.store.GetOrchestrator(ctx, orchestratorID)
	if err != nil {
		return nil, err
	}

	active, err := m.store.CountActiveAgentsInWave(ctx, orchestratorID)
	if err != nil {
		return nil, err
	}
	if active >= models.MaxWaveBatch {
		return nil, fmt.Errorf("%w: orchestrator %s already has %d active agents (max %d)", dberrors.ErrInvalidState, orchestratorID, active, models.MaxWaveBatch)
	}

	model := req.Model
	if model == "" {
		model = session.Model
	}

	// Lightweight agents run concurrently by occupying distinct
	// dev-containers (Glossary: "Dev-container ... hosts an isolated CLI
	// agent instance") — the dispatcher's per-(environment,devcontainer)
	// concurrency invariant (spec.md I1) would otherwise serialize a wave
	// onto the environment's single primary-shell slot. Round-robin over
	// the environment's running dev-containers; with none provisioned,
	// agents fall back to the primary shell and are serialized by I1.
	devContainerID := m.pickDevContainer(ctx, session.EnvironmentID, active)

	now := time.Now()
	agent := &models.LightweightAgent{
		ID:             uuid.New().String(),
		EnvironmentID:  session.EnvironmentID,
		OrchestratorID: &orchestratorID,
		Name:           req.Name,
		Role:           req.Role,
		PersonaID:      req.PersonaID,
		TaskPrompt:     req.Task,
		Model:          model,
		Status:         models.AgentSpawning,
		WaveID:         waveID,
		WavePosition:   wavePosition,
		Context:        req.Context,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if devContainerID != "" {
		agent.DevContainerID = &devContainerID
	}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	task, err := m.dispatcher.Dispatch(ctx, models.DispatchRequest{
		EnvironmentID:  session.EnvironmentID,
		DevContainerID: devContainerID,
		Prompt:         frameAgentPrompt(agent),
	})
	if err != nil {
		agent.Status = models.AgentError
		agent.ResultSummary = strPtr(truncate(err.Error(), resultSummaryLimit))
		agent.UpdatedAt = time.Now()
		_ = m.store.UpdateAgent(ctx, agent)
		return agent, err
	}

	agent.TaskID = &task.ID
	agent.Status = models.AgentRunning
	agent.UpdatedAt = time.Now()
	if err := m.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}

	session.AgentCount++
	session.UpdatedAt = time.Now()
	_ = m.store.UpdateOrchestrator(ctx, session)

	m.registerAgentCompletionListener(agent.ID, task.ID)
	m.bus.Emit(events.OrchestratorSpawnTopic(orchestratorID), events.OrchestratorEventPayload{
		OrchestratorID: orchestratorID,
		Event:          "agent-spawn",
		Data:           map[string]any{"agent_id": agent.ID, "name": agent.Name},
	})
	return agent, nil
}

// pickDevContainer round-robins over the environment's running
// dev-containers using index as the rotation key, returning "" (the
// environment's primary shell) when none are provisioned.
func (m *Manager) pickDevContainer(ctx context.Context, environmentID string, index int) string {
	dcs, err := m.store.ListDevContainersByEnvironment(ctx, environmentID)
	if err != nil {
		return ""
	}
	var running []*models.DevContainer
	for _, d := range dcs {
		if d.Status == models.DevContainerRunning {
			running = append(running, d)
		}
	}
	if len(running) == 0 {
		return ""
	}
	return running[index%len(running)].ID
}

// frameAgentPrompt builds the small framed prompt a lightweight agent
// receives: its role/task plus whatever context the orchestrator handed it.
func frameAgentPrompt(a *models.LightweightAgent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Agent: %s (%s)\n\n", a.Name, a.Role)
	b.WriteString(a.TaskPrompt)
	if len(a.Context) > 0 {
		if raw, err := json.Marshal(a.Context); err == nil {
			fmt.Fprintf(&b, "\n\nContext: %s\n", raw)
		}
	}
	return b.String()
}

// SpawnAgents atomically assigns a shared wave id and dense wave
// positions to a batch of agents, then dispatches them (spec.md §4.8
// "Batch spawn").
func (m *Manager) SpawnAgents(ctx context.Context, orchestratorID string, req models.SpawnAgentsBatchRequest) ([]*models.LightweightAgent, error) {
	lock := m.lockFor(orchestratorID)
	lock.Lock()
	defer lock.Unlock()

	waveID := uuid.New().String()
	out := make([]*models.LightweightAgent, 0, len(req.Agents))
	for i, ar := range req.Agents {
		pos := i
		agent, err := m.spawnAgentLocked(ctx, orchestratorID, ar, &waveID, &pos)
		if err != nil {
			slog.Warn("orchestrator: batch spawn item failed", "orchestrator_id", orchestratorID, "index", i, "error", err)
			continue
		}
		out = append(out, agent)
	}

	session, err := m.store.GetOrchestrator(ctx, orchestratorID)
	if err == nil {
		session.WaveCount++
		session.UpdatedAt = time.Now()
		_ = m.store.UpdateOrchestrator(ctx, session)
	}
	metrics.RecordWaveSize(len(out))
	return out, nil
}

func (m *Manager) registerAgentCompletionListener(agentID, taskID string) {
	var sub events.Subscription
	sub = m.bus.On(events.TaskCompleteTopic(taskID), func(payload any) {
		m.bus.Remove(sub)
		go m.handleAgentComplete(context.Background(), agentID, taskID)
	})
}

func (m *Manager) handleAgentComplete(ctx context.Context, agentID, taskID string) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return
	}
	if agent.Status != models.AgentRunning && agent.Status != models.AgentSpawning {
		return
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		agent.Status = models.AgentError
		agent.ResultSummary = strPtr("task not found")
	} else if task.Status == models.TaskComplete {
		agent.Status = models.AgentCompleted
		if task.Result != nil {
			agent.ResultSummary = strPtr(truncate(*task.Result, resultSummaryLimit))
		}
		agent.CostUSD = task.CostUSD
	} else {
		agent.Status = models.AgentError
		if task.ErrorMessage != nil {
			agent.ResultSummary = strPtr(truncate(*task.ErrorMessage, resultSummaryLimit))
		}
	}
	agent.UpdatedAt = time.Now()
	_ = m.store.UpdateAgent(ctx, agent)
	metrics.RecordAgentCompletion(string(agent.Status))

	if agent.OrchestratorID != nil {
		if session, err := m.store.GetOrchestrator(ctx, *agent.OrchestratorID); err == nil {
			session.TotalCost += agent.CostUSD
			session.UpdatedAt = time.Now()
			_ = m.store.UpdateOrchestrator(ctx, session)
		}
		m.bus.Emit(events.OrchestratorAgentCompleteTopic(*agent.OrchestratorID), events.OrchestratorEventPayload{
			OrchestratorID: *agent.OrchestratorID,
			Event:          "agent-complete",
			Data:           map[string]any{"agent_id": agent.ID, "status": string(agent.Status)},
		})
	}
}

// AskUser inserts a pending ask-user row and emits a notification for the
// SSE/REST surface; the supervising task is expected to block by polling
// the row for an answer (spec.md §4.8 "Ask-user").
func (m *Manager) AskUser(ctx context.Context, orchestratorID string, req models.AskUserToolRequest) (*models.AskUserRequest, error) {
	session, err := m.store.GetOrchestrator(ctx, orchestratorID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	ar := &models.AskUserRequest{
		ID:             uuid.New().String(),
		EnvironmentID:  session.EnvironmentID,
		OrchestratorID: orchestratorID,
		Question:       req.Question,
		Options:        req.Options,
		Status:         models.AskUserPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateAskUserRequest(ctx, ar); err != nil {
		return nil, err
	}
	m.bus.Emit(events.AskUserTopic(session.EnvironmentID), ar)
	return ar, nil
}

// AnswerAskUser transitions a pending ask-user request to answered with
// the operator's response.
func (m *Manager) AnswerAskUser(ctx context.Context, requestID, response string) error {
	ar, err := m.store.GetAskUserRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if ar.Status != models.AskUserPending {
		return dberrors.ErrInvalidState
	}
	ar.Response = &response
	ar.Status = models.AskUserAnswered
	ar.UpdatedAt = time.Now()
	return m.store.UpdateAskUserRequest(ctx, ar)
}

// ExpireStaleAskUserRequests marks pending requests older than ttl as
// expired (spec.md §4.8: "optional"). No component in this module calls
// it on a schedule: neither Recovery nor the engine runs an expiry sweep.
func (m *Manager) ExpireStaleAskUserRequests(ctx context.Context, environmentID string, ttl time.Duration) error {
	reqs, err := m.store.ListAskUserRequestsByEnvironment(ctx, environmentID)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-ttl)
	for _, r := range reqs {
		if r.Status == models.AskUserPending && r.CreatedAt.Before(cutoff) {
			r.Status = models.AskUserExpired
			r.UpdatedAt = time.Now()
			_ = m.store.UpdateAskUserRequest(ctx, r)
		}
	}
	return nil
}

// CancelOrchestrator cancels the supervising task, cancels any
// non-terminal child agents, and marks the session cancelled (spec.md
// §4.8 "Cancel").
func (m *Manager) CancelOrchestrator(ctx context.Context, orchestratorID string) error {
	lock := m.lockFor(orchestratorID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.GetOrchestrator(ctx, orchestratorID)
	if err != nil {
		return err
	}

	if session.TaskID != nil {
		if err := m.dispatcher.Cancel(ctx, *session.TaskID); err != nil {
			slog.Warn("orchestrator: cancel supervising task failed", "orchestrator_id", orchestratorID, "error", err)
		}
	}

	agents, err := m.store.ListAgentsByOrchestrator(ctx, orchestratorID)
	if err == nil {
		for _, a := range agents {
			if a.Status == models.AgentCompleted || a.Status == models.AgentError || a.Status == models.AgentCancelled {
				continue
			}
			if a.TaskID != nil {
				if err := m.dispatcher.Cancel(ctx, *a.TaskID); err != nil {
					slog.Warn("orchestrator: cancel child agent task failed", "agent_id", a.ID, "error", err)
				}
			}
			a.Status = models.AgentCancelled
			a.UpdatedAt = time.Now()
			_ = m.store.UpdateAgent(ctx, a)
		}
	}

	session.Status = models.OrchestratorCancelled
	session.UpdatedAt = time.Now()
	if err := m.store.UpdateOrchestrator(ctx, session); err != nil {
		return err
	}
	m.bus.Emit(events.OrchestratorCompleteTopic(orchestratorID), events.OrchestratorEventPayload{
		OrchestratorID: orchestratorID,
		Event:          "complete",
	})
	return nil
}

// Reconcile re-attaches or resolves the supervising task and every
// in-flight child agent of every running/paused orchestrator session at
// process start (spec.md §4.9 recovery), mirroring pkg/pipeline.Engine's
// own reconciliation of running steps.
func (m *Manager) Reconcile(ctx context.Context) error {
	sessions, err := m.store.ListOrchestratorsByStatus(ctx, models.OrchestratorRunning, models.OrchestratorPaused)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		m.reconcileSession(ctx, session)
	}
	return nil
}

func (m *Manager) reconcileSession(ctx context.Context, session *models.OrchestratorSession) {
	if session.TaskID != nil {
		taskID := *session.TaskID
		m.reconcileTask(ctx, taskID,
			func() { m.registerSupervisingListeners(session.ID, taskID) },
			func() { m.handleSupervisingComplete(ctx, session.ID, taskID) },
			func() {
				lock := m.lockFor(session.ID)
				lock.Lock()
				defer lock.Unlock()
				s, err := m.store.GetOrchestrator(ctx, session.ID)
				if err != nil {
					return
				}
				s.Status = models.OrchestratorError
				s.ResultSummary = strPtr("Task lost during restart")
				s.UpdatedAt = time.Now()
				_ = m.store.UpdateOrchestrator(ctx, s)
				metrics.RecordRecoveryLost("supervisor")
			})
	}

	agents, err := m.store.ListAgentsByOrchestrator(ctx, session.ID)
	if err != nil {
		slog.Error("orchestrator: reconcile: agent lookup failed", "orchestrator_id", session.ID, "error", err)
		return
	}
	for _, agent := range agents {
		if agent.Status != models.AgentRunning && agent.Status != models.AgentSpawning {
			continue
		}
		if agent.TaskID == nil {
			continue
		}
		agentID, taskID := agent.ID, *agent.TaskID
		m.reconcileTask(ctx, taskID,
			func() { m.registerAgentCompletionListener(agentID, taskID) },
			func() { m.handleAgentComplete(ctx, agentID, taskID) },
			func() {
				a, err := m.store.GetAgent(ctx, agentID)
				if err != nil {
					return
				}
				a.Status = models.AgentError
				a.ResultSummary = strPtr("Task lost during restart")
				a.UpdatedAt = time.Now()
				_ = m.store.UpdateAgent(ctx, a)
				metrics.RecordRecoveryLost("agent")
			})
	}
}

// reconcileTask is the shared "re-attach, replay, or mark lost" decision
// spec.md §4.9 describes: reattach when the dispatcher's in-memory
// registry still watches the task, replay the completion callback when
// the task row already reached a terminal status, otherwise the task is
// lost and markLost records that.
func (m *Manager) reconcileTask(ctx context.Context, taskID string, reattach, replay, markLost func()) {
	if m.dispatcher.IsActive(taskID) {
		reattach()
		return
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err == nil && task.Status.IsTerminal() {
		replay()
		return
	}
	markLost()
}

type toolUseBlock struct {
	Name  string
	Input map[string]any
}

// parseToolUseBlocks extracts tool_use content blocks from a raw assistant
// message line, mirroring pkg/stream's own shape for assistant messages
// (spec.md §4.4) without depending on that package's internal types —
// the orchestrator only needs name+input, not the full classified Event.
func parseToolUseBlocks(raw []byte) []toolUseBlock {
	var line map[string]any
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil
	}
	if line["type"] != "assistant" {
		return nil
	}
	msg, _ := line["message"].(map[string]any)
	var content []any
	if msg != nil {
		content, _ = msg["content"].([]any)
	}
	if content == nil {
		content, _ = line["content"].([]any)
	}
	var out []toolUseBlock
	for _, blockAny := range content {
		block, ok := blockAny.(map[string]any)
		if !ok || block["type"] != "tool_use" {
			continue
		}
		name, _ := block["name"].(string)
		input, _ := block["input"].(map[string]any)
		out = append(out, toolUseBlock{Name: name, Input: input})
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func strPtr(s string) *string { return &s }

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
