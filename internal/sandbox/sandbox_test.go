//go:build !windows

package sandbox

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/covenant/internal/policy"
	"github.com/davidahmann/covenant/internal/rules"
	"github.com/davidahmann/covenant/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu        sync.Mutex
	decisions []types.Decision
}

func (r *recorder) RecordDecision(_ context.Context, d types.Decision) (types.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	return types.LedgerEntry{Kind: types.EntryDecision, Decision: &d}, nil
}

func (r *recorder) blocked() []types.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Decision
	for _, d := range r.decisions {
		if d.Outcome == types.OutcomeBlocked {
			out = append(out, d)
		}
	}
	return out
}

type fixture struct {
	root string
	rec  *recorder
	exec *Executor
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "sandbox")
	require.NoError(t, os.MkdirAll(root, 0o750))

	catalog, err := rules.Load("../../policies/rules.yaml")
	require.NoError(t, err)
	rec := &recorder{}
	engine, err := policy.NewEngine(policy.Options{
		Catalog:      catalog,
		AllowedRoots: []string{root, filepath.Join(base, "proposals")},
		Registry:     policy.NewRegistry("tester"),
		Recorder:     rec,
	})
	require.NoError(t, err)

	opts.Root = root
	opts.Enforcer = engine.Scoped(root)
	ex, err := New(opts)
	require.NoError(t, err)
	return fixture{root: root, rec: rec, exec: ex}
}

func TestRunCapturesOutputWithMinimalEnvironment(t *testing.T) {
	t.Setenv("COVENANT_SECRET", "leak")
	f := newFixture(t, Options{})

	run, err := f.exec.Run(context.Background(), Spec{
		AgentID: "tester",
		Entry:   "sh",
		Args:    []string{"-c", `echo "home=$HOME"; echo "secret=${COVENANT_SECRET:-unset}"; echo oops >&2`},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, run.ExitCode)
	assert.True(t, strings.HasPrefix(run.WorkDir, f.root))
	assert.Contains(t, run.Stdout, "home="+run.WorkDir)
	assert.Contains(t, run.Stdout, "secret=unset")
	assert.Equal(t, "oops\n", run.Stderr)
	assert.False(t, run.Killed)
	assert.Empty(t, f.rec.blocked())
}

func TestRunNonZeroExitIsExecutionError(t *testing.T) {
	f := newFixture(t, Options{})

	run, err := f.exec.Run(context.Background(), Spec{Entry: "sh", Args: []string{"-c", "echo partial; exit 3"}})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Same(t, run, execErr.Run)
	assert.Equal(t, "partial\n", run.Stdout)
}

func TestRunMissingBinaryIsExecutionError(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.exec.Run(context.Background(), Spec{Entry: "./does-not-exist"})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, -1, execErr.ExitCode)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	f := newFixture(t, Options{})

	start := time.Now()
	run, err := f.exec.Run(context.Background(), Spec{
		Entry:   "sh",
		Args:    []string{"-c", "echo started; sleep 5 & wait"},
		Timeout: 200 * time.Millisecond,
	})
	var timeout *SandboxTimeout
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 200*time.Millisecond, timeout.Timeout)
	assert.True(t, run.Killed)
	assert.Contains(t, run.KillReason, "timeout")
	assert.Contains(t, run.Stdout, "started")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunCanceledContext(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	run, err := f.exec.Run(ctx, Spec{Entry: "sh", Args: []string{"-c", "sleep 5"}, Timeout: 10 * time.Second})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, run.Killed)
	assert.Equal(t, "canceled", run.KillReason)
}

func TestRunTruncatesOutput(t *testing.T) {
	f := newFixture(t, Options{MaxOutputBytes: 16})

	run, err := f.exec.Run(context.Background(), Spec{Entry: "sh", Args: []string{"-c", "printf '%0100d' 0"}})
	require.NoError(t, err)
	assert.True(t, run.Truncated)
	assert.Len(t, run.Stdout, 16)
}

func TestRunWritesArtifactsInsideWorkDir(t *testing.T) {
	f := newFixture(t, Options{})

	run, err := f.exec.Run(context.Background(), Spec{
		Entry: "sh",
		Args:  []string{"-c", `echo '::artifact::{"path":"out/result.txt","content":"hello"}'`},
	})
	require.NoError(t, err)
	want := filepath.Join(run.WorkDir, "out", "result.txt")
	assert.Equal(t, []string{want}, run.Artifacts)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	guarded := map[string]bool{}
	for _, d := range f.rec.decisions {
		if d.Rule == "filesystem_write" {
			guarded[d.Context] = d.Outcome == types.OutcomeAllowed
		}
	}
	assert.True(t, guarded[filepath.Join(run.WorkDir, ".tmp")], "scratch dir created through the writer")
}

func TestRunDeniesArtifactOutsideSandbox(t *testing.T) {
	f := newFixture(t, Options{})
	escape := filepath.Join(filepath.Dir(f.root), "proposals", "p1", "stolen.txt")

	run, err := f.exec.Run(context.Background(), Spec{
		Entry: "sh",
		Args:  []string{"-c", `echo '::artifact::{"path":"../../proposals/p1/stolen.txt","content":"x"}'`},
	})
	var violation *policy.RuleViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "filesystem_write", violation.Rule)
	assert.NotNil(t, run)
	assert.NoFileExists(t, escape)
	require.Len(t, f.rec.blocked(), 1)
}

func TestRunRejectsMalformedArtifact(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.exec.Run(context.Background(), Spec{Entry: "sh", Args: []string{"-c", "echo '::artifact::{not json'"}})
	require.ErrorIs(t, err, ErrBadArtifact)
}

func TestRunRejectsWorkDirOutsideRoot(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.exec.Run(context.Background(), Spec{Entry: "true", WorkDir: t.TempDir()})
	require.ErrorIs(t, err, ErrOutsideSandbox)

	_, err = f.exec.Run(context.Background(), Spec{Entry: "true", WorkDir: "../escape"})
	require.ErrorIs(t, err, ErrOutsideSandbox)
}

func TestRunRequiresRegisteredAgent(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.exec.Run(context.Background(), Spec{AgentID: "intruder", Entry: "true"})
	var violation *policy.RuleViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "agent_entry", violation.Rule)
}

func TestRunPythonEntry(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	f := newFixture(t, Options{Python: python})
	workDir := filepath.Join(f.root, "py")
	require.NoError(t, os.MkdirAll(workDir, 0o750))
	script := "import sys\nprint('args', sys.argv[1:])\n"
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "check.py"), []byte(script), 0o600))

	run, err := f.exec.Run(context.Background(), Spec{Entry: "check.py", Args: []string{"a"}, WorkDir: "py"})
	require.NoError(t, err)
	assert.Equal(t, "args ['a']\n", run.Stdout)
}

func TestLimitedWriterReportsFullLength(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, max: 4}

	n, err := lw.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	n, err = lw.Write([]byte("gh"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "abcd", buf.String())
	assert.True(t, lw.truncated)
	assert.Equal(t, int64(4), lw.discarded)
}

func TestNewRequiresRootAndEnforcer(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Root: t.TempDir()})
	require.Error(t, err)
}
