package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"spyre/pkg/events"
	"spyre/pkg/models"
)

// createTaskRequest is the body of POST /api/claude/tasks.
type createTaskRequest struct {
	EnvironmentID  string `json:"envId" binding:"required"`
	Prompt         string `json:"prompt" binding:"required"`
	WorkingDir     string `json:"workingDir"`
	DevContainerID string `json:"devcontainerId"`
}

func (s *Server) listTasks(c *gin.Context) {
	envID := c.Query("envId")
	if envID == "" {
		respondValidation(c, errMissingEnvID)
		return
	}
	tasks, err := s.eng.Store.ListTasksByEnvironment(c.Request.Context(), envID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}

	task, err := s.eng.Dispatcher.Dispatch(c.Request.Context(), models.DispatchRequest{
		EnvironmentID:  req.EnvironmentID,
		DevContainerID: req.DevContainerID,
		Prompt:         req.Prompt,
		WorkingDir:     req.WorkingDir,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.eng.Store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) cancelTask(c *gin.Context) {
	if err := s.eng.Dispatcher.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resumeTask(c *gin.Context) {
	task, err := s.eng.Dispatcher.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) streamClaude(c *gin.Context) {
	if !requireSSESupport(c) {
		return
	}
	toEvent := func(_ string, payload any) sseEnvelope {
		switch p := payload.(type) {
		case *models.TaskEvent:
			return sseEnvelope{event: "task_event", data: p}
		case events.TaskCompletePayload:
			return sseEnvelope{event: "task_complete", data: p}
		default:
			return sseEnvelope{event: "task_event", data: p}
		}
	}
	streamTopics(c, s.eng.Bus, nil, toEvent, events.AllTasksTopic())
}
