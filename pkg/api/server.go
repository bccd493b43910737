// Package api implements the gin-based HTTP surface spec.md §6 describes:
// the REST endpoints for pipelines, tasks, orchestrator sessions and
// agents, the five SSE streams, and the supplemented /api/health and
// /metrics endpoints — one file per resource, a shared error-response
// helper, and a constructor that takes the engine and returns *gin.Engine.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"spyre/pkg/engine"
	"spyre/pkg/metrics"
)

// Server holds the engine every handler dispatches against. Handlers hang
// off this type across pipelines.go, tasks.go, orchestrator.go, agents.go
// and environments.go; the health handler lives in this file.
type Server struct {
	eng *engine.Engine
}

// NewRouter builds the full gin.Engine: every REST route, every SSE
// stream, and the /api/health and /metrics supplements.
func NewRouter(eng *engine.Engine) *gin.Engine {
	s := &Server{eng: eng}

	r := gin.New()
	r.Use(gin.Recovery(), metrics.GinMiddleware())

	r.GET("/api/health", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/api/environments/stream", s.streamEnvironments)
	r.POST("/api/environments/:id/provision", s.provisionEnvironment)
	r.GET("/api/claude/stream", s.streamClaude)

	pipelines := r.Group("/api/pipelines")
	{
		pipelines.GET("", s.listPipelines)
		pipelines.POST("", s.createPipeline)
		pipelines.GET("/:id", s.getPipeline)
		pipelines.DELETE("/:id", s.deletePipeline)
		pipelines.GET("/:id/stream", s.streamPipeline)
		pipelines.POST("/:id/start", s.startPipeline)
		pipelines.POST("/:id/cancel", s.cancelPipeline)
		pipelines.POST("/:id/rescan", s.rescanPipeline)
		pipelines.POST("/:id/steps/:stepId/skip", s.skipStep)
		pipelines.POST("/:id/steps/:stepId/retry", s.retryStep)
		pipelines.POST("/:id/steps/:stepId/gate", s.decideGate)
	}

	tasks := r.Group("/api/claude/tasks")
	{
		tasks.GET("", s.listTasks)
		tasks.POST("", s.createTask)
		tasks.GET("/:id", s.getTask)
		tasks.DELETE("/:id", s.cancelTask)
		tasks.POST("/:id/resume", s.resumeTask)
	}

	orch := r.Group("/api/orchestrator")
	{
		orch.GET("", s.listOrchestrators)
		orch.POST("", s.startOrchestrator)
		orch.GET("/:id", s.getOrchestrator)
		orch.DELETE("/:id", s.cancelOrchestrator)
		orch.GET("/:id/stream", s.streamOrchestrator)
		orch.GET("/:id/ask-user", s.listAskUser)
		orch.POST("/:id/ask-user", s.answerAskUser)
	}

	agents := r.Group("/api/agents")
	{
		agents.GET("", s.listAgents)
		agents.POST("", s.spawnAgent)
		agents.POST("/batch", s.spawnAgentsBatch)
		agents.GET("/:id", s.getAgent)
		agents.DELETE("/:id", s.cancelAgent)
		agents.GET("/:id/stream", s.streamAgent)
	}

	return r
}

// health reports store reachability, pool size and active-task-count vs.
// the configured cap (SPEC_FULL.md's supplemented health surface).
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	envs, err := s.eng.Store.ListEnvironments(ctx)
	storeOK := err == nil

	active, _ := s.eng.Store.CountActive(ctx)

	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": map[bool]string{true: "healthy", false: "unhealthy"}[storeOK],
		"store": gin.H{
			"reachable":    storeOK,
			"environments": len(envs),
		},
		"ssh_pool": gin.H{
			"connections_active": s.eng.Pool.Size(),
		},
		"tasks": gin.H{
			"active":   active,
			"capacity": s.eng.Config.Dispatcher.MaxConcurrentTasks,
		},
	})
}
