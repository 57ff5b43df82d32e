package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/pkg/cost"
	"github.com/quarryhq/quarry/pkg/drift"
	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/orchestrator"
	"github.com/quarryhq/quarry/pkg/providers"
	"github.com/quarryhq/quarry/pkg/provisioner"
	"github.com/quarryhq/quarry/pkg/statestore"
	"github.com/quarryhq/quarry/pkg/telemetry"
	"github.com/quarryhq/quarry/pkg/validate"
	"github.com/quarryhq/quarry/pkg/workspace"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg       *workspace.Config
	ws        *engine.Workspace
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	store     *statestore.Store
	provider  engine.CloudProvider
	tool      *provisioner.Tool
	validator *validate.Validator
	estimator *cost.Estimator
	detector  *drift.Detector
	orch      *orchestrator.Orchestrator

	stopWatcher context.CancelFunc
}

// newApp loads the workspace config and wires every component. Flag
// overrides (--directory, --var-file) are applied before construction.
func newApp(ctx context.Context) (*app, error) {
	if configPath == "" {
		return nil, engine.NewConfigError("--config is required", nil)
	}

	cfg, err := workspace.NewLoader().Load(configPath)
	if err != nil {
		return nil, err
	}
	if directory != "" {
		cfg.Workspace.ConfigRoot = directory
	}
	cfg.Workspace.VarFiles = append(cfg.Workspace.VarFiles, varFiles...)

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, err
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		metrics, err = telemetry.NewMetrics(cfg.Telemetry.Metrics)
		if err != nil {
			return nil, err
		}
		if cfg.Telemetry.Metrics.ListenAddress != "" {
			go func() {
				if err := metrics.Serve(); err != nil {
					logger.WithError(err).Warn("metrics endpoint stopped")
				}
			}()
		}
	}

	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return nil, err
	}

	provider, err := providers.New(cfg.Workspace.Provider, providers.Options{})
	if err != nil {
		return nil, err
	}

	ws, err := workspace.Build(cfg, provider)
	if err != nil {
		return nil, err
	}

	store, err := statestore.NewStore(statestore.Config{
		Path:         cfg.State.Path,
		HistoryLimit: cfg.State.HistoryLimit,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	a := &app{cfg: cfg, ws: ws, logger: logger, metrics: metrics, tracer: tracer, store: store, provider: provider}

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	tool, err := provisioner.New(provisioner.Options{
		Binary:       cfg.Tool.Binary,
		PlanTimeout:  cfg.Tool.PlanTimeout.Std(),
		ApplyTimeout: cfg.Tool.ApplyTimeout.Std(),
		Locks:        a.store,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}
	a.tool = tool

	policyScanner, err := validate.NewPolicyScanner(cfg.Validation.PolicyDir, a.logger)
	if err != nil {
		return err
	}
	scanners := []validate.Scanner{policyScanner}
	for _, sc := range cfg.Validation.Scanners {
		scanners = append(scanners, validate.NewExecScanner(sc.Name, sc.Command, sc.Args, a.logger, a.metrics))
	}
	suppressions, err := validate.LoadSuppressions(cfg.Validation.SuppressionsFile)
	if err != nil {
		return err
	}
	a.validator, err = validate.New(validate.Options{
		Scanners:     scanners,
		Threshold:    engine.Severity(cfg.Validation.Threshold),
		Suppressions: suppressions,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}

	if cfg.Validation.PolicyDir != "" {
		watcher, err := validate.NewWatcher(policyScanner, a.logger)
		if err != nil {
			return err
		}
		watchCtx, cancel := context.WithCancel(ctx)
		a.stopWatcher = cancel
		go func() { _ = watcher.Run(watchCtx) }()
	}

	table, err := cost.LoadPricing(cfg.Cost.PricingFile)
	if err != nil {
		return err
	}
	a.estimator, err = cost.New(cost.Options{
		Table:    table,
		Provider: cfg.Workspace.Provider,
		Region:   cfg.Workspace.Region,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	rules, err := drift.LoadSeverityRules(cfg.Drift.SeverityRulesFile)
	if err != nil {
		return err
	}
	reader, err := drift.NewToolReader(drift.ToolReaderOptions{
		Binary:  cfg.Tool.Binary,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	a.detector, err = drift.New(drift.Options{
		Snapshots:   a.store,
		Reader:      reader,
		Concurrency: cfg.Drift.Concurrency,
		Rules:       rules,
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}

	a.orch, err = orchestrator.New(orchestrator.Options{
		Store:         a.store,
		Provisioner:   a.tool,
		Validator:     a.validator,
		Estimator:     a.estimator,
		Detector:      a.detector,
		Provider:      a.provider,
		LockTTL:       cfg.State.LockTTL.Std(),
		BudgetMonthly: cfg.Cost.BudgetMonthly,
		Logger:        a.logger,
		Metrics:       a.metrics,
		Tracer:        a.tracer,
	})
	return err
}

// Close releases everything the app holds open.
func (a *app) Close() {
	if a.stopWatcher != nil {
		a.stopWatcher()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warn("failed to shut down tracer")
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close state store")
		}
	}
}

func (a *app) provisionOptions() orchestrator.ProvisionOptions {
	return orchestrator.ProvisionOptions{OverrideBudget: autoApprove}
}

func requireApproval(action string) error {
	if !autoApprove {
		return fmt.Errorf("%s is destructive; re-run with --auto-approve to confirm", action)
	}
	return nil
}
