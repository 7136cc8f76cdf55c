// ABOUTME: Debounced file watcher for the assembly table.
// ABOUTME: Watches the parent directory so atomic-save renames keep firing.

package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/2389-research/relay/pipeline"
)

// WatcherConfig describes one watched file.
type WatcherConfig struct {
	// Path is the file to watch. The watch is installed on its parent
	// directory: editors and atomic writers replace the file by rename,
	// which would silently kill a watch on the file itself.
	Path string

	// Debounce collapses bursts of events into one OnChange call.
	// Zero means 250ms.
	Debounce time.Duration

	// OnChange runs on the watcher goroutine after the debounce window.
	OnChange func()

	Logger *slog.Logger
}

// Watcher invokes OnChange when the watched file is written, created, or
// renamed into place. Events for other files in the directory are ignored.
type Watcher struct {
	fw       *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func()
	logger   *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.CodeConfigLoadFailed, err, "resolving watch path "+cfg.Path)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, pipeline.Wrap(pipeline.CodeConfigLoadFailed, err, "creating file watcher")
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, pipeline.Wrap(pipeline.CodeConfigLoadFailed, err, "watching "+filepath.Dir(abs))
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		fw:       fw,
		path:     abs,
		debounce: debounce,
		onChange: cfg.OnChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.debounce)
			pending = true
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher", "path", w.path, "error", err)
		case <-timer.C:
			pending = false
			w.logger.Info("assembly table changed", "path", w.path)
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}

// Close stops the watcher and waits for the pending OnChange, if any,
// to finish.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fw.Close()
		<-w.done
	})
	return err
}
