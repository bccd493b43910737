package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"spyre/pkg/events"
	"spyre/pkg/models"
	"spyre/pkg/provisioner"
	"spyre/pkg/sshpool"
)

// streamEnvironments relays every environment status transition
// (spec.md §6: "/api/environments/stream: initial snapshot of all
// environments, then status-change deltas").
func (s *Server) streamEnvironments(c *gin.Context) {
	if !requireSSESupport(c) {
		return
	}

	envs, err := s.eng.Store.ListEnvironments(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	toEvent := func(_ string, payload any) sseEnvelope {
		return sseEnvelope{event: "status_changed", data: payload}
	}
	snapshot := &sseEnvelope{event: "snapshot", data: envs}
	streamTopics(c, s.eng.Bus, snapshot, toEvent, events.EnvironmentsTopic())
}

// provisionRequest is the body of POST /api/environments/:id/provision.
// Container creation itself is an external collaborator (spec.md §1
// Non-goals: "Docker-in-container provisioning"); this endpoint only
// triggers C6's post-create software/script/user sequence against an
// environment that already exists and is reachable over SSH.
type provisionRequest struct {
	SoftwareCatalogIDs []string                `json:"software_catalog_ids,omitempty"`
	Pool               *models.SoftwarePool    `json:"pool,omitempty"`
	CommunityScriptURL *string                 `json:"community_script_url,omitempty"`
	CustomScript       *string                 `json:"custom_script,omitempty"`
	DefaultUser        *models.DefaultUserSpec `json:"default_user,omitempty"`
}

// provisionEnvironment opens an SSH channel to the environment and runs
// the provisioner pipeline against it in the background, the same
// dispatch-and-return shape startPipeline uses for a long-running
// sequence: the caller watches progress over /api/environments/stream
// and the provisioning_log rather than blocking on the HTTP response.
func (s *Server) provisionEnvironment(c *gin.Context) {
	envID := c.Param("id")

	var req provisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err)
		return
	}

	env, err := s.eng.Store.GetEnvironment(c.Request.Context(), envID)
	if err != nil {
		respondError(c, err)
		return
	}
	if env.Status != models.EnvironmentRunning || env.Address == "" {
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: "environment is not reachable over ssh"})
		return
	}

	ch, err := s.eng.Pool.Get(c.Request.Context(), sshpool.Target{
		EnvironmentID: env.ID,
		Address:       env.Address,
		User:          env.SSHUser,
		Password:      env.RootPassword(),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	go func() {
		ctx := context.Background()
		if err := s.eng.Provisioner.Run(ctx, provisioner.ChannelExec(ch), models.ProvisioningRequest{
			EnvironmentID:      envID,
			SoftwareCatalogIDs: req.SoftwareCatalogIDs,
			Pool:               req.Pool,
			CommunityScriptURL: req.CommunityScriptURL,
			CustomScript:       req.CustomScript,
			DefaultUser:        req.DefaultUser,
		}); err != nil {
			slog.Error("provisioning run failed", "environment_id", envID, "error", err)
		}
	}()

	c.Status(http.StatusAccepted)
}
