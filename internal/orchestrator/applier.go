package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/davidahmann/covenant/internal/crypto"
	"github.com/davidahmann/covenant/internal/proposal"
	"github.com/davidahmann/covenant/internal/sandbox"
)

var ErrEmptyPatch = errors.New("orchestrator: diff.patch is empty")

func readPatch(p *proposal.Proposal) ([]byte, error) {
	// #nosec G304 -- path derived from a loaded proposal directory.
	data, err := os.ReadFile(p.Path(proposal.PatchFile))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyPatch
	}
	return data, nil
}

// DryRunApplier merges nothing; the apply reference is the patch digest.
type DryRunApplier struct{}

func (DryRunApplier) Check(_ context.Context, p *proposal.Proposal) error {
	_, err := readPatch(p)
	return err
}

func (DryRunApplier) Apply(_ context.Context, p *proposal.Proposal) (string, error) {
	data, err := readPatch(p)
	if err != nil {
		return "", err
	}
	return crypto.DigestWithPrefix(data), nil
}

// GitApplier applies patches to a git checkout inside the sandbox root, running git through
// the sandbox executor. The apply reference is the resulting commit.
type GitApplier struct {
	Executor *sandbox.Executor
	Git      string
	RepoDir  string
}

func (g GitApplier) git(ctx context.Context, args ...string) (*sandbox.Run, error) {
	bin := g.Git
	if bin == "" {
		bin = "git"
	}
	base := []string{"-c", "user.name=covenant", "-c", "user.email=covenant@localhost"}
	return g.Executor.Run(ctx, sandbox.Spec{
		AgentID: AgentUpdater,
		Entry:   bin,
		Args:    append(base, args...),
		WorkDir: g.RepoDir,
	})
}

func (g GitApplier) Check(ctx context.Context, p *proposal.Proposal) error {
	if _, err := readPatch(p); err != nil {
		return err
	}
	if _, err := g.git(ctx, "apply", "--check", p.Path(proposal.PatchFile)); err != nil {
		return describe("git apply --check", err)
	}
	return nil
}

func (g GitApplier) Apply(ctx context.Context, p *proposal.Proposal) (string, error) {
	patch := p.Path(proposal.PatchFile)
	steps := [][]string{
		{"apply", patch},
		{"add", "-A"},
		{"commit", "-m", fmt.Sprintf("covenant: apply %s", p.ID)},
	}
	for _, args := range steps {
		if _, err := g.git(ctx, args...); err != nil {
			return "", describe("git "+args[0], err)
		}
	}
	run, err := g.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", describe("git rev-parse", err)
	}
	return strings.TrimSpace(run.Stdout), nil
}

func describe(step string, err error) error {
	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) && execErr.Run != nil && execErr.Run.Stderr != "" {
		return fmt.Errorf("%s: %w: %s", step, err, strings.TrimSpace(execErr.Run.Stderr))
	}
	return fmt.Errorf("%s: %w", step, err)
}
