package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"spyre/pkg/events"
	"spyre/pkg/models"
)

var allOrchestratorStatuses = []models.OrchestratorStatus{
	models.OrchestratorPending, models.OrchestratorRunning, models.OrchestratorPaused,
	models.OrchestratorCompleted, models.OrchestratorError, models.OrchestratorCancelled,
}

func (s *Server) listOrchestrators(c *gin.Context) {
	sessions, err := s.eng.Store.ListOrchestratorsByStatus(c.Request.Context(), allOrchestratorStatuses...)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) startOrchestrator(c *gin.Context) {
	var req models.StartOrchestratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}
	session, err := s.eng.Orchestrator.StartOrchestrator(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) getOrchestrator(c *gin.Context) {
	session, err := s.eng.Store.GetOrchestrator(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	agents, err := s.eng.Store.ListAgentsByOrchestrator(c.Request.Context(), session.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orchestrator": session, "agents": agents})
}

func (s *Server) cancelOrchestrator(c *gin.Context) {
	if err := s.eng.Orchestrator.CancelOrchestrator(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAskUser(c *gin.Context) {
	envID := c.Query("envId")
	if envID == "" {
		respondValidation(c, errMissingEnvID)
		return
	}
	reqs, err := s.eng.Store.ListAskUserRequestsByEnvironment(c.Request.Context(), envID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reqs)
}

// answerAskUserRequest is the body of POST /api/orchestrator/:id/ask-user.
type answerAskUserRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Response  string `json:"response" binding:"required"`
}

func (s *Server) answerAskUser(c *gin.Context) {
	var req answerAskUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}
	if err := s.eng.Orchestrator.AnswerAskUser(c.Request.Context(), req.RequestID, req.Response); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) streamOrchestrator(c *gin.Context) {
	if !requireSSESupport(c) {
		return
	}
	orchestratorID := c.Param("id")

	session, err := s.eng.Store.GetOrchestrator(c.Request.Context(), orchestratorID)
	if err != nil {
		respondError(c, err)
		return
	}

	toEvent := func(_ string, payload any) sseEnvelope {
		ev := payload.(events.OrchestratorEventPayload)
		return sseEnvelope{event: ev.Event, data: ev}
	}
	snapshot := &sseEnvelope{event: "snapshot", data: session}
	streamTopics(c, s.eng.Bus, snapshot, toEvent,
		events.OrchestratorEventTopic(orchestratorID),
		events.OrchestratorSpawnTopic(orchestratorID),
		events.OrchestratorAgentCompleteTopic(orchestratorID),
		events.OrchestratorCompleteTopic(orchestratorID),
	)
}
