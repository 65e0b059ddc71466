package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/proposal"
	"github.com/davidahmann/covenant/internal/sandbox"
	"go.uber.org/zap"
)

type noTests struct{}

func (noTests) Test(context.Context, *proposal.Proposal) error { return nil }

// SandboxTester copies a proposal into a fresh sandbox work dir and runs its tests there.
// With no Entry configured every tests/*.py file is run in name order.
type SandboxTester struct {
	Executor *sandbox.Executor
	// Writer must be scoped to the sandbox root.
	Writer  *policy.Writer
	Entry   string
	Args    []string
	Timeout time.Duration
	Logger  *zap.Logger
}

func (t SandboxTester) Test(ctx context.Context, p *proposal.Proposal) error {
	workDir := filepath.Join(t.Executor.Root(), "test-"+filepath.Base(p.Dir))
	if err := t.Writer.RemoveAll(ctx, workDir); err != nil {
		return err
	}
	if err := copyTree(ctx, t.Writer, p.Dir, workDir); err != nil {
		return fmt.Errorf("stage proposal: %w", err)
	}

	entries := []string{t.Entry}
	if strings.TrimSpace(t.Entry) == "" {
		var err error
		if entries, err = pythonTests(workDir); err != nil {
			return err
		}
	}
	for _, entry := range entries {
		run, err := t.Executor.Run(ctx, sandbox.Spec{
			AgentID: AgentTester,
			Entry:   entry,
			Args:    t.Args,
			WorkDir: workDir,
			Timeout: t.Timeout,
		})
		if err != nil {
			return err
		}
		if t.Logger != nil {
			t.Logger.Info("proposal tests passed",
				zap.String("proposal_id", filepath.Base(p.Dir)),
				zap.String("entry", entry),
				zap.Duration("duration", run.Duration),
			)
		}
	}
	return nil
}

func pythonTests(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, proposal.TestsDir, "*.py"))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(dir, m)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

// copyTree copies regular files from src into dst through the guarded writer.
func copyTree(ctx context.Context, w *policy.Writer, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		// #nosec G304 -- path is inside the proposal directory being staged.
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return w.WriteFile(ctx, filepath.Join(dst, rel), data, 0o640)
	})
}
