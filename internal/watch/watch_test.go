package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/davidahmann/covenant/internal/proposal"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	dirs []string
}

func (r *recordingSubmitter) Submit(_ context.Context, dir string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, dir)
	return filepath.Base(dir), nil
}

func (r *recordingSubmitter) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dirs...)
}

func writeProposal(t *testing.T, root, id string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, proposal.ManifestFile), []byte("id: "+id+"\n"), 0o600))
	return dir
}

func TestStartSweepsExistingProposals(t *testing.T) {
	defer goleak.VerifyNone(t)
	root := t.TempDir()
	existing := writeProposal(t, root, "p1")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "no-manifest"), 0o750))

	sub := &recordingSubmitter{}
	w, err := New(root, sub, 20*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()

	assert.Equal(t, []string{existing}, sub.submitted())
}

func TestNewProposalIsSubmittedAfterDebounce(t *testing.T) {
	defer goleak.VerifyNone(t)
	root := t.TempDir()
	sub := &recordingSubmitter{}
	w, err := New(root, sub, 30*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	dir := writeProposal(t, root, "p2")
	require.NoError(t, os.WriteFile(filepath.Join(dir, proposal.RationaleFile), []byte("why"), 0o600))

	require.Eventually(t, func() bool {
		return len(sub.submitted()) > 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, dir, sub.submitted()[0])
}

func TestDirectoryWithoutManifestIsNotSubmitted(t *testing.T) {
	defer goleak.VerifyNone(t)
	root := t.TempDir()
	sub := &recordingSubmitter{}
	w, err := New(root, sub, 10*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "draft"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "draft", "notes.md"), []byte("x"), 0o600))
	time.Sleep(150 * time.Millisecond)
	w.Stop()

	assert.Empty(t, sub.submitted())
}

func TestStopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	w, err := New(t.TempDir(), &recordingSubmitter{}, 0, nil)
	require.NoError(t, err)
	w.Stop()
}

func TestStopAfterFailedStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	w, err := New(filepath.Join(file, "proposals"), &recordingSubmitter{}, 20*time.Millisecond, nil)
	require.NoError(t, err)
	require.Error(t, w.Start(context.Background()))

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked after a failed Start")
	}
}
