// Package watch submits proposal directories as they appear under the proposals root.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/covenant/internal/logging"
	"github.com/davidahmann/covenant/internal/proposal"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type Submitter interface {
	Submit(ctx context.Context, dir string) (string, error)
}

// Watcher observes the proposals root and each proposal directory in it. A directory is
// submitted once its events have settled for the debounce window and it holds a manifest.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	root     string
	submit   Submitter
	debounce time.Duration
	pending  map[string]time.Time
	logger   *zap.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

func New(root string, s Submitter, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:  fw,
		root:     filepath.Clean(root),
		submit:   s,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		logger:   logging.OrNop(logger),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start submits the proposals already present, then watches for new ones in the background.
// The watcher only counts as running once its event loop has started.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := os.MkdirAll(w.root, 0o750); err != nil {
		return err
	}
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.watchDir(filepath.Join(w.root, e.Name()))
		}
	}
	w.Sweep(ctx)

	w.running = true
	go w.run(ctx)
	w.logger.Info("watching proposals", zap.String("root", w.root))
	return nil
}

// Stop ends the event loop and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		_ = w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Warn("closing watcher", zap.Error(err))
	}
}

// Sweep submits every proposal directory under the root. Submission of a known proposal is a
// no-op, so sweeping is safe to repeat.
func (w *Watcher) Sweep(ctx context.Context) int {
	matches, err := filepath.Glob(filepath.Join(w.root, "*", proposal.ManifestFile))
	if err != nil {
		w.logger.Warn("sweep failed", zap.Error(err))
		return 0
	}
	sort.Strings(matches)
	n := 0
	for _, m := range matches {
		if w.submitDir(ctx, filepath.Dir(m)) {
			n++
		}
	}
	return n
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	if strings.HasPrefix(top, ".") {
		return
	}
	dir := filepath.Join(w.root, top)
	if ev.Op&fsnotify.Create != 0 && ev.Name == dir {
		w.watchDir(dir)
	}

	w.mu.Lock()
	w.pending[dir] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) watchDir(dir string) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Debug("cannot watch proposal dir", zap.String("dir", dir), zap.Error(err))
	}
}

// flush submits directories whose last event is older than the debounce window.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	w.mu.Lock()
	var settled []string
	for dir, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			settled = append(settled, dir)
			delete(w.pending, dir)
		}
	}
	w.mu.Unlock()

	sort.Strings(settled)
	for _, dir := range settled {
		w.submitDir(ctx, dir)
	}
}

func (w *Watcher) submitDir(ctx context.Context, dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, proposal.ManifestFile)); err != nil {
		return false
	}
	id, err := w.submit.Submit(ctx, dir)
	if err != nil {
		w.logger.Warn("auto-submit failed", zap.String("dir", dir), zap.Error(err))
		return false
	}
	w.logger.Info("proposal auto-submitted", zap.String("proposal_id", id))
	return true
}
