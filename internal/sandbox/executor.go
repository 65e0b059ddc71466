// Package sandbox runs untrusted candidate code as a child process with a minimal environment,
// capped output, a hard timeout and writes confined by the policy engine.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/rules"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ArtifactPrefix marks a stdout line carrying a file the child wants written.
const ArtifactPrefix = "::artifact::"

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 1 << 20
	waitDelay        = 2 * time.Second
)

type Spec struct {
	AgentID string
	Entry   string
	Args    []string
	// WorkDir is resolved against the sandbox root when relative. Empty means a fresh
	// directory under the root.
	WorkDir string
	Timeout time.Duration
	// Env holds extra KEY=VALUE pairs appended after the allow-listed variables.
	Env []string
}

type Usage struct {
	UserTime    time.Duration `json:"user_time"`
	SystemTime  time.Duration `json:"system_time"`
	MaxRSSBytes int64         `json:"max_rss_bytes"`
}

// Run is the record of one sandboxed execution.
type Run struct {
	AgentID    string        `json:"agent_id,omitempty"`
	WorkDir    string        `json:"work_dir"`
	Entry      string        `json:"entry"`
	Args       []string      `json:"args,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Duration   time.Duration `json:"duration"`
	Killed     bool          `json:"killed"`
	KillReason string        `json:"kill_reason,omitempty"`
	Truncated  bool          `json:"truncated"`
	Artifacts  []string      `json:"artifacts,omitempty"`
	Usage      *Usage        `json:"usage,omitempty"`
}

type Options struct {
	// Root is the directory every work dir must sit under.
	Root string
	// Enforcer should be scoped to Root so that artifacts cannot land in other allowed roots.
	Enforcer       policy.Enforcer
	Timeout        time.Duration
	MaxOutputBytes int64
	AllowedEnv     []string
	Python         string
	Logger         *zap.Logger
}

type Executor struct {
	root      string
	enforcer  policy.Enforcer
	writer    *policy.Writer
	timeout   time.Duration
	maxOutput int64
	env       []string
	python    string
	logger    *zap.Logger
}

func New(opts Options) (*Executor, error) {
	if strings.TrimSpace(opts.Root) == "" {
		return nil, fmt.Errorf("sandbox root is required")
	}
	if opts.Enforcer == nil {
		return nil, fmt.Errorf("sandbox requires a policy enforcer")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	e := &Executor{
		root:      root,
		enforcer:  opts.Enforcer,
		writer:    policy.NewWriter(opts.Enforcer),
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutputBytes,
		env:       opts.AllowedEnv,
		python:    opts.Python,
		logger:    logging.OrNop(opts.Logger),
	}
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	if e.maxOutput <= 0 {
		e.maxOutput = defaultMaxOutput
	}
	if len(e.env) == 0 {
		e.env = []string{"PATH", "LANG"}
	}
	if e.python == "" {
		e.python = "python3"
	}
	return e, nil
}

func (e *Executor) Root() string { return e.root }

// Run executes spec.Entry inside its work dir. A timeout yields *SandboxTimeout, a non-zero
// exit or a failed start yields *ExecutionError, and a denied artifact yields the
// *policy.RuleViolation. The run is returned alongside every error that has one.
func (e *Executor) Run(ctx context.Context, spec Spec) (*Run, error) {
	if strings.TrimSpace(spec.Entry) == "" {
		return nil, ErrEmptyEntry
	}
	if spec.AgentID != "" {
		ctx = policy.WithActor(ctx, spec.AgentID)
		if _, err := e.enforcer.Enforce(ctx, string(rules.AgentEntry), spec.AgentID); err != nil {
			return nil, err
		}
	}

	workDir, err := e.prepareWorkDir(ctx, spec)
	if err != nil {
		return nil, err
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}

	run := &Run{
		AgentID: spec.AgentID,
		WorkDir: workDir,
		Entry:   spec.Entry,
		Args:    spec.Args,
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := e.command(spec.Entry, spec.Args)
	// #nosec G204 -- the entry is the sandboxed payload by definition.
	cmd := exec.CommandContext(execCtx, name, args...)
	cmd.Dir = workDir
	cmd.Env = e.environment(workDir, spec.Env)
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, max: e.maxOutput}
	errW := &limitedWriter{w: &stderr, max: e.maxOutput}
	cmd.Stdout = outW
	cmd.Stderr = errW

	e.logger.Debug("sandbox run starting",
		zap.String("agent", spec.AgentID),
		zap.String("entry", spec.Entry),
		zap.String("work_dir", workDir),
		zap.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	run.Duration = time.Since(start)
	run.Stdout = stdout.String()
	run.Stderr = stderr.String()
	run.Truncated = outW.truncated || errW.truncated
	run.Usage = resourceUsage(cmd)
	run.ExitCode = exitCode(cmd, runErr)

	switch {
	case runErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		run.Killed = true
		run.KillReason = fmt.Sprintf("timeout after %s", timeout)
		e.logger.Warn("sandbox run timed out", zap.String("entry", spec.Entry), zap.Duration("timeout", timeout))
		return run, &SandboxTimeout{Timeout: timeout, Run: run}
	case runErr != nil && ctx.Err() != nil:
		run.Killed = true
		run.KillReason = "canceled"
		return run, ctx.Err()
	case runErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			run.ExitCode = -1
		}
		e.logger.Info("sandbox run failed", zap.String("entry", spec.Entry), zap.Int("exit_code", run.ExitCode))
		return run, &ExecutionError{ExitCode: run.ExitCode, Run: run, Err: runErr}
	}

	if err := e.writeArtifacts(ctx, run); err != nil {
		return run, err
	}
	e.logger.Debug("sandbox run finished",
		zap.String("entry", spec.Entry),
		zap.Duration("duration", run.Duration),
		zap.Int("artifacts", len(run.Artifacts)),
	)
	return run, nil
}

func (e *Executor) prepareWorkDir(ctx context.Context, spec Spec) (string, error) {
	dir := spec.WorkDir
	if dir == "" {
		prefix := spec.AgentID
		if prefix == "" {
			prefix = "run"
		}
		dir = prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.root, dir)
	}
	dir = filepath.Clean(dir)
	if !policy.Contains(e.root, dir) {
		return "", fmt.Errorf("%w: %s", ErrOutsideSandbox, dir)
	}
	if err := e.writer.MkdirAll(ctx, dir, 0o750); err != nil {
		return "", err
	}
	if err := e.writer.MkdirAll(ctx, filepath.Join(dir, ".tmp"), 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

func (e *Executor) command(entry string, args []string) (string, []string) {
	if strings.EqualFold(filepath.Ext(entry), ".py") {
		return e.python, append([]string{entry}, args...)
	}
	return entry, args
}

func (e *Executor) environment(workDir string, extra []string) []string {
	env := make([]string, 0, len(e.env)+2+len(extra))
	for _, key := range e.env {
		if key == "HOME" || key == "TMPDIR" {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, "HOME="+workDir, "TMPDIR="+filepath.Join(workDir, ".tmp"))
	return append(env, extra...)
}

type artifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// writeArtifacts persists every artifact line of run.Stdout through the guarded writer.
// Relative paths are joined to the work dir; absolute paths are enforced as given.
func (e *Executor) writeArtifacts(ctx context.Context, run *Run) error {
	sc := bufio.NewScanner(strings.NewReader(run.Stdout))
	sc.Buffer(make([]byte, 0, 64*1024), int(e.maxOutput)+1)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		raw, ok := strings.CutPrefix(line, ArtifactPrefix)
		if !ok {
			continue
		}
		var a artifact
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return fmt.Errorf("%w: %v", ErrBadArtifact, err)
		}
		if strings.TrimSpace(a.Path) == "" {
			return fmt.Errorf("%w: empty path", ErrBadArtifact)
		}
		target := a.Path
		if !filepath.IsAbs(target) {
			target = filepath.Join(run.WorkDir, target)
		}
		if err := e.writer.WriteFile(ctx, target, []byte(a.Content), 0o640); err != nil {
			e.logger.Warn("sandbox artifact rejected", zap.String("path", a.Path), zap.Error(err))
			return err
		}
		run.Artifacts = append(run.Artifacts, target)
	}
	return sc.Err()
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
