// Package recovery implements C9 (spec.md §4.9): at process start it
// re-reconciles every running/paused pipeline and orchestrator session
// against the dispatcher's live in-memory state, then runs a periodic
// best-effort environment status sync against the hypervisor API. The
// hypervisor API itself is an external collaborator (spec.md Non-goals);
// this package depends on it only through the narrow HypervisorClient
// interface, the same seam a health checker draws around any external
// process it polls.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"spyre/pkg/events"
	"spyre/pkg/models"
	"spyre/pkg/orchestrator"
	"spyre/pkg/pipeline"
	"spyre/pkg/store"
)

// DefaultSyncInterval is how often syncEnvironmentStatuses polls the
// hypervisor API when one is wired.
const DefaultSyncInterval = 30 * time.Second

// HypervisorClient reports an environment's live status by its numeric
// hypervisor id. Spyre's hypervisor API client is out of scope (spec.md
// §1 Non-goals); callers that have one wire it in, callers that don't
// leave it nil and Run then schedules only the orphan scan.
type HypervisorClient interface {
	EnvironmentStatus(ctx context.Context, hypervisorID int) (models.EnvironmentStatus, error)
}

// Config wires a Recovery's collaborators.
type Config struct {
	Store        store.Store
	Bus          *events.Bus
	Pipeline     *pipeline.Engine
	Orchestrator *orchestrator.Manager
	Hypervisor   HypervisorClient
	SyncInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	return c
}

// Recovery is the C9 entry point.
type Recovery struct {
	cfg  Config
	cron *cron.Cron
}

// New constructs a Recovery.
func New(cfg Config) *Recovery {
	return &Recovery{cfg: cfg.withDefaults()}
}

// Reconcile is the one-time startup pass: pipelines first, then
// orchestrator sessions, mirroring the order spec.md §4.9 lists them in.
// Call this once, before the dispatcher accepts new work.
func (r *Recovery) Reconcile(ctx context.Context) error {
	if err := r.cfg.Pipeline.Reconcile(ctx); err != nil {
		return fmt.Errorf("recovery: pipeline reconcile: %w", err)
	}
	if err := r.cfg.Orchestrator.Reconcile(ctx); err != nil {
		return fmt.Errorf("recovery: orchestrator reconcile: %w", err)
	}
	return nil
}

// Run schedules the periodic orphan scan (a cron-driven repeat of
// Reconcile, catching anything the one-shot startup pass missed because
// the dispatcher's in-memory state hadn't settled yet) and, when a
// Hypervisor is wired, the environment-status sync, then blocks until ctx
// is cancelled. Both jobs share cfg.SyncInterval as their period.
func (r *Recovery) Run(ctx context.Context) error {
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %s", r.cfg.SyncInterval)

	if _, err := r.cron.AddFunc(spec, func() { r.runOrphanScan(ctx) }); err != nil {
		return fmt.Errorf("recovery: schedule orphan scan: %w", err)
	}
	if r.cfg.Hypervisor != nil {
		if _, err := r.cron.AddFunc(spec, func() { r.syncEnvironmentStatuses(ctx) }); err != nil {
			return fmt.Errorf("recovery: schedule environment sync: %w", err)
		}
	}

	r.cron.Start()
	defer r.cron.Stop()

	<-ctx.Done()
	return nil
}

// Stop ends a running Run loop. Safe to call before Run starts or more
// than once.
func (r *Recovery) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// runOrphanScan repeats the startup Reconcile pass on a schedule: a pipeline
// or orchestrator session can still be left stranded by a crash that
// happens between scan intervals, so this is belt-and-suspenders on top of
// the one-shot call, not a replacement for it.
func (r *Recovery) runOrphanScan(ctx context.Context) {
	if err := r.Reconcile(ctx); err != nil {
		slog.Error("recovery: periodic orphan scan failed", "error", err)
	}
}

// syncEnvironmentStatuses is a periodic best-effort reconciliation with
// the hypervisor API (spec.md §4.9): per-environment failures are logged
// and skipped rather than aborting the sweep.
func (r *Recovery) syncEnvironmentStatuses(ctx context.Context) {
	envs, err := r.cfg.Store.ListEnvironments(ctx)
	if err != nil {
		slog.Error("recovery: environment sync: list failed", "error", err)
		return
	}

	for _, env := range envs {
		if env.Status == models.EnvironmentDestroying {
			continue
		}
		status, err := r.cfg.Hypervisor.EnvironmentStatus(ctx, env.HypervisorID)
		if err != nil {
			slog.Warn("recovery: environment sync: hypervisor lookup failed", "environment_id", env.ID, "error", err)
			continue
		}
		if status == env.Status {
			continue
		}

		slog.Info("recovery: environment status drifted", "environment_id", env.ID, "from", env.Status, "to", status)
		env.Status = status
		env.UpdatedAt = time.Now()
		if err := r.cfg.Store.UpdateEnvironment(ctx, env); err != nil {
			slog.Error("recovery: environment sync: update failed", "environment_id", env.ID, "error", err)
			continue
		}
		if r.cfg.Bus != nil {
			r.cfg.Bus.Emit(events.EnvironmentsTopic(), env)
		}
	}
}
