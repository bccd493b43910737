// Package engine wires every component package (store, event bus, SSH
// pool, credentials, dispatcher, pipeline, orchestrator, provisioner,
// recovery) into one Engine value per process — a single construction
// point generalized into a reusable type instead of inline main() wiring,
// per spec.md §9's redesign flag against package-level globals.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"spyre/pkg/config"
	"spyre/pkg/credentials"
	"spyre/pkg/dispatcher"
	"spyre/pkg/events"
	"spyre/pkg/orchestrator"
	"spyre/pkg/pipeline"
	"spyre/pkg/provisioner"
	"spyre/pkg/recovery"
	"spyre/pkg/sshpool"
	"spyre/pkg/store"
)

// Engine is the top-level object a server or CLI entrypoint constructs
// once and threads through every handler. Every field is exported so
// cmd/spyre and cmd/spyrectl can reach the underlying components directly
// (e.g. to call Pool.Get for a provisioning exec adapter) without engine
// growing pass-through methods for each one.
type Engine struct {
	Config *config.Config

	Store       store.Store
	Bus         *events.Bus
	Pool        *sshpool.Pool
	Credentials *credentials.Store
	Propagator  *credentials.Propagator

	Dispatcher   *dispatcher.Dispatcher
	Pipeline     *pipeline.Engine
	Orchestrator *orchestrator.Manager
	Provisioner  *provisioner.Provisioner
	Recovery     *recovery.Recovery
}

// Options carries the collaborators that aren't resolvable from cfg alone:
// the storage backend and, optionally, a hypervisor client and an OAuth
// client id for refreshing credentials. Callers that don't need recovery's
// hypervisor sync, or that are running tests against memstore, simply leave
// those fields zero.
type Options struct {
	Store           store.Store
	CredentialsPath string
	OAuthClientID   string
	Hypervisor      recovery.HypervisorClient
}

// New builds an Engine from a loaded config.Config and the store/transport
// collaborators in opts, wiring dispatcher -> pipeline -> orchestrator ->
// recovery in that order since each later component depends on the ones
// before it (recovery.Config embeds *pipeline.Engine and
// *orchestrator.Manager; pipeline.New takes *dispatcher.Dispatcher).
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: Options.Store is required")
	}

	bus := events.NewBus()

	pool, err := sshpool.NewPool(cfg.SSH.PrivateKeyPath,
		sshpool.WithKeepaliveInterval(cfg.SSH.KeepaliveInterval),
		sshpool.WithReadyTimeout(cfg.SSH.ReadyTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("engine: ssh pool: %w", err)
	}

	refresher := credentials.NewOAuthRefresher(opts.OAuthClientID)
	credStore := credentials.NewStore(opts.CredentialsPath, refresher)
	propagator := credentials.NewPropagator(credStore)

	disp := dispatcher.New(opts.Store, pool, bus, propagator, credStore, dispatcher.Config{
		MaxConcurrentTasks: cfg.Dispatcher.MaxConcurrentTasks,
		OverallTimeout:     cfg.Dispatcher.OverallTimeout,
		WatchdogTimeout:    cfg.Dispatcher.WatchdogTimeout,
		AllowedTools:       cfg.Dispatcher.AllowedTools,
	})

	pipe := pipeline.New(opts.Store, disp, pool, bus, pipeline.Config{})

	orch := orchestrator.New(orchestrator.Config{
		Store:      opts.Store,
		Bus:        bus,
		Dispatcher: disp,
	})

	prov := provisioner.New(provisioner.Config{
		Store: opts.Store,
		Bus:   bus,
	})

	rec := recovery.New(recovery.Config{
		Store:        opts.Store,
		Bus:          bus,
		Pipeline:     pipe,
		Orchestrator: orch,
		Hypervisor:   opts.Hypervisor,
		SyncInterval: cfg.Recovery.SyncInterval,
	})

	if err := syncConfigIntoStore(ctx, opts.Store, cfg); err != nil {
		return nil, fmt.Errorf("engine: sync config into store: %w", err)
	}

	return &Engine{
		Config:       cfg,
		Store:        opts.Store,
		Bus:          bus,
		Pool:         pool,
		Credentials:  credStore,
		Propagator:   propagator,
		Dispatcher:   disp,
		Pipeline:     pipe,
		Orchestrator: orch,
		Provisioner:  prov,
		Recovery:     rec,
	}, nil
}

// syncConfigIntoStore loads every persona, template, software-catalog item
// and software pool from cfg's YAML registries into the store, so
// store.Store's Get* lookups (driven by ids referenced from Environment,
// PipelineStep etc.) resolve against whatever the operator put on disk.
func syncConfigIntoStore(ctx context.Context, st store.Store, cfg *config.Config) error {
	for _, p := range cfg.PersonaRegistry.GetAll() {
		if err := st.UpsertPersona(ctx, p); err != nil {
			return fmt.Errorf("persona %q: %w", p.ID, err)
		}
	}
	for _, t := range cfg.TemplateRegistry.GetAll() {
		if err := st.UpsertTemplate(ctx, t); err != nil {
			return fmt.Errorf("template %q: %w", t.ID, err)
		}
	}
	for _, c := range cfg.SoftwareCatalogRegistry.GetAll() {
		if err := st.UpsertSoftwareCatalogItem(ctx, c); err != nil {
			return fmt.Errorf("software catalog item %q: %w", c.ID, err)
		}
	}
	for _, p := range cfg.SoftwarePoolRegistry.GetAll() {
		if err := st.UpsertSoftwarePool(ctx, p); err != nil {
			return fmt.Errorf("software pool %q: %w", p.ID, err)
		}
	}
	slog.Info("engine: synced config into store", "stats", cfg.Stats())
	return nil
}

// Reconcile runs the one-shot startup recovery pass. Call this once before
// Run, after New, so in-flight pipelines/orchestrator sessions are
// resolved before the dispatcher accepts new work (spec.md §4.9).
func (e *Engine) Reconcile(ctx context.Context) error {
	return e.Recovery.Reconcile(ctx)
}

// Run starts every background loop (recovery's periodic sync) and blocks
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	return e.Recovery.Run(ctx)
}

// Close tears down every live transport connection. Call this on shutdown,
// after Run's ctx is cancelled.
func (e *Engine) Close() {
	e.Pool.CloseAll()
}
