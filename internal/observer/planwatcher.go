package observer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/lab-orchestrator/internal/parser"
)

// PlanChangeCallback is called with the plan documents that changed since
// the last debounce window.
type PlanChangeCallback func(changedFiles []string)

// PlanWatcher monitors the plans directory and reports new or edited plan
// documents. Every save is a fresh submission signal; deduplication against
// already-running plans is the caller's concern.
type PlanWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	callback PlanChangeCallback
	debounce time.Duration
	log      *slog.Logger

	// Debounce state
	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
}

// NewPlanWatcher creates a watcher over the given plans directory. The
// directory is created when missing so a fresh install can start watching
// immediately.
func NewPlanWatcher(dir string, callback PlanChangeCallback, log *slog.Logger) (*PlanWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	pw := &PlanWatcher{
		watcher:  watcher,
		dir:      dir,
		callback: callback,
		debounce: 500 * time.Millisecond, // Debounce rapid changes
		log:      log,
		pending:  make(map[string]struct{}),
	}

	return pw, nil
}

// Dir returns the watched plans directory
func (pw *PlanWatcher) Dir() string {
	return pw.dir
}

// Start begins watching for file changes
func (pw *PlanWatcher) Start(ctx context.Context) {
	ctx, pw.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-pw.watcher.Events:
				if !ok {
					return
				}
				pw.handleEvent(event)
			case err, ok := <-pw.watcher.Errors:
				if !ok {
					return
				}
				pw.log.Warn("plan watcher error", "error", err)
			}
		}
	}()
}

// Stop stops watching for file changes
func (pw *PlanWatcher) Stop() {
	if pw.cancel != nil {
		pw.cancel()
	}
	pw.watcher.Close()
}

func (pw *PlanWatcher) handleEvent(event fsnotify.Event) {
	// Only care about plan documents
	if !parser.MatchPlanFile(filepath.Base(event.Name)) {
		return
	}

	// Only care about writes and creates
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()

	pw.pending[event.Name] = struct{}{}

	// Reset or start debounce timer
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.timer = time.AfterFunc(pw.debounce, pw.flush)
}

func (pw *PlanWatcher) flush() {
	pw.mu.Lock()
	pending := pw.pending
	pw.pending = make(map[string]struct{})
	pw.mu.Unlock()

	if pw.callback == nil || len(pending) == 0 {
		return
	}

	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)
	pw.callback(files)
}

// SetDebounce sets the debounce duration for batching file changes
func (pw *PlanWatcher) SetDebounce(d time.Duration) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.debounce = d
}
