package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/davidahmann/covenant/internal/app"
	"github.com/davidahmann/covenant/internal/config"
	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/internal/notify"
	"github.com/davidahmann/covenant/internal/watch"
	"github.com/davidahmann/covenant/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runFn(ctx, os.Args[1:], os.Getenv); err != nil {
		fatalf("covenantd: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string

// run serves until ctx is canceled: it resumes stalled proposals, watches the proposals root
// for new ones and, when notifications are enabled, delivers approval requests.
func run(ctx context.Context, args []string, getenv envFn) error {
	fs := flag.NewFlagSet("covenantd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to covenant config file")
	workspace := fs.String("workspace", "", "workspace root used when no config file is given")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(firstNonEmpty(*configPath, getenv("COVENANT_CONFIG")), firstNonEmpty(*workspace, getenv("COVENANT_WORKSPACE")))
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Development: cfg.Logging.Development, Verbose: *verbose})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := resumeStalled(ctx, a, logger); err != nil {
		return err
	}

	w, err := watch.New(cfg.ProposalsRoot, a.Orchestrator, cfg.Watch.Debounce, logger.Named("watch"))
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return fmt.Errorf("watch %s: %w", cfg.ProposalsRoot, err)
	}
	defer w.Stop()

	var wg sync.WaitGroup
	if a.Notifier != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			notify.RunWorker(ctx, a.Store, a.Notifier, cfg.Notify.PollInterval, logger.Named("notify"))
		}()
	}

	logger.Info("covenantd started",
		zap.String("workspace", cfg.WorkspaceRoot),
		zap.String("proposals_root", cfg.ProposalsRoot),
		zap.String("ledger", cfg.Ledger.Path),
		zap.Bool("notify", a.Notifier != nil),
	)
	<-ctx.Done()
	logger.Info("covenantd stopping")
	wg.Wait()
	return nil
}

// resumeStalled re-drives proposals left mid-lifecycle by a previous run.
func resumeStalled(ctx context.Context, a *app.App, logger *zap.Logger) error {
	recs, err := a.Store.ListProposals("")
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status.Terminal() || rec.Status == types.StatusAwaitingApproval {
			continue
		}
		if err := a.Orchestrator.Resume(ctx, rec.ProposalID); err != nil {
			logger.Warn("resume failed", zap.String("proposal_id", rec.ProposalID), zap.String("status", string(rec.Status)), zap.Error(err))
			continue
		}
		logger.Info("proposal resumed", zap.String("proposal_id", rec.ProposalID), zap.String("status", string(rec.Status)))
	}
	return nil
}

func loadConfig(path, workspace string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if workspace == "" {
		var err error
		if workspace, err = os.Getwd(); err != nil {
			return config.Config{}, err
		}
	}
	if candidate := filepath.Join(workspace, "covenant.yaml"); fileExists(candidate) {
		return config.Load(candidate)
	}
	cfg := config.Default(workspace)
	return cfg, cfg.Validate()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
