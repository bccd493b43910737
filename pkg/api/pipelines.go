package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"spyre/pkg/events"
	"spyre/pkg/models"
)

// createPipelineRequest is the body of POST /api/pipelines.
type createPipelineRequest struct {
	EnvironmentID string  `json:"environment_id" binding:"required"`
	Name          string  `json:"name" binding:"required"`
	Description   string  `json:"description"`
	TemplateID    *string `json:"template_id"`
}

func (s *Server) listPipelines(c *gin.Context) {
	pipelines, err := s.eng.Store.ListPipelines(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pipelines)
}

func (s *Server) createPipeline(c *gin.Context) {
	var req createPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}

	now := time.Now()
	p := &models.Pipeline{
		ID:            uuid.NewString(),
		EnvironmentID: req.EnvironmentID,
		Name:          req.Name,
		Description:   req.Description,
		TemplateID:    req.TemplateID,
		Status:        models.PipelineDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.TemplateID != nil {
		tmpl, err := s.eng.Store.GetTemplate(c.Request.Context(), *req.TemplateID)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := s.eng.Store.CreatePipeline(c.Request.Context(), p); err != nil {
			respondError(c, err)
			return
		}
		for _, ts := range tmpl.Steps {
			step := &models.PipelineStep{
				ID:               uuid.NewString(),
				PipelineID:       p.ID,
				Position:         ts.Position,
				Type:             ts.Type,
				Label:            ts.Label,
				PersonaID:        ts.PersonaID,
				PromptTemplate:   ts.PromptTemplate,
				GateInstructions: ts.GateInstructions,
				Status:           models.StepPending,
				MaxRetries:       ts.MaxRetries,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := s.eng.Store.CreateStep(c.Request.Context(), step); err != nil {
				respondError(c, err)
				return
			}
		}
	} else if err := s.eng.Store.CreatePipeline(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, p)
}

func (s *Server) getPipeline(c *gin.Context) {
	p, err := s.eng.Store.GetPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	steps, err := s.eng.Store.ListSteps(c.Request.Context(), p.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipeline": p, "steps": steps})
}

func (s *Server) deletePipeline(c *gin.Context) {
	if err := s.eng.Store.DeletePipeline(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startPipeline(c *gin.Context) {
	if err := s.eng.Pipeline.Start(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) cancelPipeline(c *gin.Context) {
	if err := s.eng.Pipeline.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) rescanPipeline(c *gin.Context) {
	if err := s.eng.Pipeline.Rescan(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) skipStep(c *gin.Context) {
	if err := s.eng.Pipeline.Skip(c.Request.Context(), c.Param("id"), c.Param("stepId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) retryStep(c *gin.Context) {
	if err := s.eng.Pipeline.RetryFailedStep(c.Request.Context(), c.Param("id"), c.Param("stepId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// gateDecisionRequest is the body of POST .../steps/:stepId/gate.
type gateDecisionRequest struct {
	Action        models.GateResult `json:"action" binding:"required"`
	Feedback      string            `json:"feedback"`
	ReviseToStepID string           `json:"revise_to_step_id"`
}

func (s *Server) decideGate(c *gin.Context) {
	var req gateDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}
	err := s.eng.Pipeline.Decide(c.Request.Context(), c.Param("id"), c.Param("stepId"), req.Action, req.Feedback, req.ReviseToStepID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) streamPipeline(c *gin.Context) {
	if !requireSSESupport(c) {
		return
	}
	pipelineID := c.Param("id")

	p, err := s.eng.Store.GetPipeline(c.Request.Context(), pipelineID)
	if err != nil {
		respondError(c, err)
		return
	}

	toEvent := func(_ string, payload any) sseEnvelope {
		ev := payload.(events.PipelineEventPayload)
		return sseEnvelope{event: ev.Event, data: ev}
	}
	snapshot := &sseEnvelope{event: "snapshot", data: p}
	streamTopics(c, s.eng.Bus, snapshot, toEvent, events.PipelineTopic(pipelineID))
}
