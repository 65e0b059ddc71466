// Package app assembles the covenant services from a loaded configuration. The CLI and the
// daemon share it so both enforce the same rules against the same ledger and store.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidahmann/covenant/internal/analyzer"
	"github.com/davidahmann/covenant/internal/config"
	"github.com/davidahmann/covenant/internal/crypto"
	"github.com/davidahmann/covenant/internal/evaluate"
	"github.com/davidahmann/covenant/internal/ledger"
	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/internal/notify"
	"github.com/davidahmann/covenant/internal/orchestrator"
	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/proposal"
	"github.com/davidahmann/covenant/internal/rules"
	"github.com/davidahmann/covenant/internal/sandbox"
	"github.com/davidahmann/covenant/internal/store"
	"github.com/davidahmann/covenant/internal/store/backend"
)

type App struct {
	Config       config.Config
	Catalog      *rules.Catalog
	Ledger       *ledger.Ledger
	Engine       *policy.Engine
	Writer       *policy.Writer
	Analyzer     *analyzer.Analyzer
	Manager      *proposal.Manager
	Sandbox      *sandbox.Executor
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Notifier     notify.Notifier
	Logger       *zap.Logger
}

// Build opens the ledger and store and wires every service on top of them. Close releases them.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	a := &App{Config: cfg, Logger: logger}

	catalog, err := rules.Load(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	a.Catalog = catalog

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger.Named("ledger"))}
	if cfg.Ledger.SigningKeyPath != "" {
		priv, pub, err := crypto.LoadEd25519PrivateKey(cfg.Ledger.SigningKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		keyID := cfg.Ledger.KeyID
		if keyID == "" {
			keyID = crypto.KeyID(pub)
		}
		ledgerOpts = append(ledgerOpts, ledger.WithSigner(keyID, priv))
	}
	if a.Ledger, err = ledger.Open(cfg.Ledger.Path, ledgerOpts...); err != nil {
		return nil, err
	}

	a.Engine, err = policy.NewEngine(policy.Options{
		Catalog:      catalog,
		AllowedRoots: cfg.AllowedWriteRoots,
		Connectors:   cfg.Connectors,
		Registry:     policy.NewRegistry(cfg.Agents...),
		Recorder:     a.Ledger,
		BaseDir:      cfg.WorkspaceRoot,
		Logger:       logger.Named("policy"),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Writer = policy.NewWriter(a.Engine)

	a.Analyzer = analyzer.New(analyzer.Options{
		ForbiddenImports: cfg.Analyzer.ForbiddenImports,
		ForbiddenCalls:   cfg.Analyzer.ForbiddenCalls,
		NetworkModules:   cfg.Analyzer.NetworkModules,
		SecretMarkers:    cfg.Analyzer.SecretMarkers,
		Logger:           logger.Named("analyzer"),
	})
	a.Manager = proposal.NewManager(cfg.ProposalsRoot, a.Writer, proposal.WithLogger(logger.Named("proposal")))

	sandboxEngine := a.Engine.Scoped(cfg.SandboxRoot)
	a.Sandbox, err = sandbox.New(sandbox.Options{
		Root:           cfg.SandboxRoot,
		Enforcer:       sandboxEngine,
		Timeout:        cfg.Sandbox.Timeout,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		AllowedEnv:     cfg.Sandbox.AllowedEnv,
		Python:         cfg.Sandbox.Python,
		Logger:         logger.Named("sandbox"),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	if a.Store, err = backend.Open(ctx, cfg.DB); err != nil {
		_ = a.Close()
		return nil, err
	}

	var applier orchestrator.Applier = orchestrator.DryRunApplier{}
	if cfg.Apply.Mode == config.ApplyGit {
		applier = orchestrator.GitApplier{Executor: a.Sandbox, Git: cfg.Apply.GitBinary, RepoDir: cfg.Apply.RepoDir}
	}
	channel := ""
	if cfg.Notify.Enabled {
		channel = cfg.Notify.Channel
		a.Notifier = notify.NewFileNotifier(cfg.Notify.InboxPath, a.Writer)
	}

	a.Orchestrator, err = orchestrator.New(orchestrator.Options{
		Store:     a.Store,
		Ledger:    a.Ledger,
		Enforcer:  a.Engine,
		Validator: proposal.NewValidator(a.Analyzer, a.Engine, logger.Named("validator")),
		Scorer:    evaluate.NewScorer(nil),
		Tester: orchestrator.SandboxTester{
			Executor: a.Sandbox,
			Writer:   policy.NewWriter(sandboxEngine),
			Entry:    cfg.Tester.Entry,
			Timeout:  cfg.Tester.Timeout,
			Logger:   logger.Named("tester"),
		},
		Applier: applier,
		Retry: orchestrator.RetryPolicy{
			MaxAttempts: cfg.Scoring.MaxAttempts,
			BaseBackoff: cfg.Scoring.BaseBackoff,
			MaxBackoff:  cfg.Scoring.MaxBackoff,
		},
		NotifyChannel: channel,
		MaxConcurrent: cfg.Bus.MaxConcurrentProposals,
		Logger:        logger.Named("orchestrator"),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close shuts the orchestrator down before releasing the store and ledger it writes to.
func (a *App) Close() error {
	var errs []error
	if a.Orchestrator != nil {
		errs = append(errs, a.Orchestrator.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Ledger != nil {
		errs = append(errs, a.Ledger.Close())
	}
	return errors.Join(errs...)
}
