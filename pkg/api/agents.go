package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"spyre/pkg/events"
	"spyre/pkg/models"
)

// errAgentNotRunning is returned when cancelling an agent that has not yet
// dispatched an underlying task.
var errAgentNotRunning = errors.New("agent has no running task")

// errMissingOrchestratorID is returned by listAgents when the
// ?orchestratorId= query parameter is absent.
var errMissingOrchestratorID = errors.New("orchestratorId query parameter is required")

func (s *Server) listAgents(c *gin.Context) {
	orchestratorID := c.Query("orchestratorId")
	if orchestratorID == "" {
		respondValidation(c, errMissingOrchestratorID)
		return
	}
	agents, err := s.eng.Store.ListAgentsByOrchestrator(c.Request.Context(), orchestratorID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agents)
}

// spawnAgentRequest is the body of POST /api/agents.
type spawnAgentRequest struct {
	OrchestratorID string `json:"orchestrator_id" binding:"required"`
	models.SpawnAgentRequest
}

func (s *Server) spawnAgent(c *gin.Context) {
	var req spawnAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}
	agent, err := s.eng.Orchestrator.SpawnAgent(c.Request.Context(), req.OrchestratorID, req.SpawnAgentRequest)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// spawnAgentsBatchRequest is the body of POST /api/agents/batch.
type spawnAgentsBatchRequest struct {
	OrchestratorID string `json:"orchestrator_id" binding:"required"`
	models.SpawnAgentsBatchRequest
}

func (s *Server) spawnAgentsBatch(c *gin.Context) {
	var req spawnAgentsBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}
	agents, err := s.eng.Orchestrator.SpawnAgents(c.Request.Context(), req.OrchestratorID, req.SpawnAgentsBatchRequest)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agents)
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.eng.Store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) cancelAgent(c *gin.Context) {
	agent, err := s.eng.Store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if agent.TaskID == nil {
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: errAgentNotRunning.Error()})
		return
	}
	if err := s.eng.Dispatcher.Cancel(c.Request.Context(), *agent.TaskID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) streamAgent(c *gin.Context) {
	if !requireSSESupport(c) {
		return
	}
	agentID := c.Param("id")

	agent, err := s.eng.Store.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}

	toEvent := func(topic string, payload any) sseEnvelope {
		return sseEnvelope{event: "output", data: payload}
	}
	snapshot := &sseEnvelope{event: "snapshot", data: agent}
	streamTopics(c, s.eng.Bus, snapshot, toEvent, events.AgentTopic(agentID, "output"))
}
