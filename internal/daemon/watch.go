package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"perftrack/internal/hierarchy"
	"perftrack/internal/logging"
)

// Watcher fires OnHierarchyChanged when the hierarchy files change. Events are
// debounced and compared against the last recorded fingerprint, so the
// daemon's own write-back does not trigger another pass.
type Watcher struct {
	Dir      string
	Debounce time.Duration
	Store    *Store
	Triggers *Triggers
	Logger   *zap.Logger
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	logger := logging.OrNop(w.Logger)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}

	if _, err := w.Check(); err != nil {
		logger.Warn("initial hierarchy check failed", zap.Error(err))
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isHierarchyFile(ev.Name) {
				continue
			}
			logger.Debug("hierarchy event", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", zap.Error(err))
		case <-timer.C:
			if _, err := w.Check(); err != nil {
				logger.Warn("hierarchy check failed", zap.Error(err))
			}
		}
	}
}

// Check compares the current fingerprint with the recorded one and queues a
// full recompute when they differ. It reports whether a job was queued.
func (w *Watcher) Check() (bool, error) {
	current, err := hierarchy.Fingerprint(w.Dir)
	if err != nil {
		return false, fmt.Errorf("fingerprint hierarchy: %w", err)
	}
	previous, err := w.Store.GetKV(fingerprintKey)
	if err != nil {
		return false, err
	}
	if current == "" || current == previous {
		return false, nil
	}
	if err := w.Store.SetKV(fingerprintKey, current); err != nil {
		return false, err
	}
	if _, err := w.Triggers.OnHierarchyChanged(hierarchy.Ref{}); err != nil {
		return false, err
	}
	return true, nil
}

func isHierarchyFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.Contains(base, ".tmp-") {
		return false
	}
	return filepath.Ext(base) == ".yml"
}
