package policyfile

import (
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/canonical-node/canon/internal/canon"
)

// Watcher uses fsnotify to watch a policies directory and re-run LoadDir
// whenever a *.yaml/*.yml file is created, written, or removed. It
// reloads the whole directory rather than just invalidating one cache
// entry, since a policy file's id is only known after it's parsed.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	store     canon.Store
	dir       string
	done      chan struct{}
	logger    *slog.Logger
}

// NewWatcher creates a Watcher over dir. Call Start to begin processing
// events in the background; the directory is added to fsnotify immediately
// so a missing directory at construction time is reported as an error
// rather than silently ignored (unlike LoadDir, which tolerates one).
func NewWatcher(store canon.Store, dir string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		fsWatcher: fsw,
		store:     store,
		dir:       dir,
		done:      make(chan struct{}),
		logger:    logger.With("component", "policyfile.Watcher"),
	}, nil
}

// Start begins watching for filesystem events in a background goroutine.
// It returns immediately. Call Stop to shut down.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop shuts down the watcher and releases the underlying fsnotify handle.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
		return
	}
	w.logger.Info("policy file changed, reloading directory", "path", event.Name, "op", event.Op.String())
	count, err := LoadDir(w.store, w.dir)
	if err != nil {
		w.logger.Error("reload after file change failed", "error", err)
		return
	}
	w.logger.Info("reloaded policy directory", "count", count)
}
