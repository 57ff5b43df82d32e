package validate

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/quarryhq/quarry/pkg/telemetry"
)

// Watcher reloads the policy scanner when its policy directory changes.
type Watcher struct {
	scanner *PolicyScanner
	watcher *fsnotify.Watcher
	logger  *telemetry.Logger
}

// NewWatcher creates a watcher over the scanner's policy directory.
// The scanner must have been created with a non-empty policy dir.
func NewWatcher(scanner *PolicyScanner, logger *telemetry.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(scanner.policyDir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		scanner: scanner,
		watcher: fw,
		logger:  logger.NewComponentLogger("policy-watcher"),
	}, nil
}

// Run blocks, reloading policies on relevant filesystem events, until
// the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Infof("policy change detected: %s", event.Name)
			if err := w.scanner.Reload(); err != nil {
				// Keep serving the previous policy set.
				w.logger.WithError(err).Error("policy reload failed")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("policy watcher error")
		}
	}
}
