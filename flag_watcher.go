package corekit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FlagWatcher hot-reloads a flag configuration file into a FlagEvaluator.
// Whenever the file is written it is re-parsed and the resulting flag set
// merged via ApplyFlagConfig, so operators can flip flags by editing a
// file without redeploying.
type FlagWatcher struct {
	path      string
	evaluator *FlagEvaluator
	logger    Logger
}

// NewFlagWatcher creates a watcher for the given flag configuration file.
func NewFlagWatcher(path string, evaluator *FlagEvaluator, logger Logger) *FlagWatcher {
	if logger == nil {
		logger = NopLogger{}
	}
	return &FlagWatcher{path: path, evaluator: evaluator, logger: logger}
}

// Watch loads the current file contents immediately, then applies the file
// again on every write or create event until ctx is cancelled. A file that
// temporarily fails to read or parse is skipped; the previous flag state
// stays in effect.
//
// The parent directory is watched rather than the file itself: editors and
// config management that save via atomic rename replace the inode, which
// would silently end a watch on the file path.
func (w *FlagWatcher) Watch(ctx context.Context) error {
	if _, err := os.Stat(w.path); err != nil {
		return fmt.Errorf("failed to watch flag configuration %s: %w", w.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch flag configuration %s: %w", w.path, err)
	}

	w.apply()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				w.logger.Debug("Flag configuration changed on disk", "path", w.path, "op", event.Op.String())
				w.apply()

			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("Flag watcher error, continuing", "path", w.path, "error", watchErr)
			}
		}
	}()

	return nil
}

// apply re-reads and merges the file, keeping prior state on any failure.
func (w *FlagWatcher) apply() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("Failed to read flag configuration, keeping previous flags", "path", w.path, "error", err)
		return
	}
	flags, err := ParseFlagConfig(data, filepath.Ext(w.path))
	if err != nil {
		w.logger.Warn("Failed to parse flag configuration, keeping previous flags", "path", w.path, "error", err)
		return
	}
	ApplyFlagConfig(w.evaluator, flags)
	w.logger.Info("Applied flag configuration", "path", w.path, "flags", len(flags))
}
