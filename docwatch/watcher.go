// Package docwatch watches a single document file for edits, debouncing the
// bursts editors produce into one change notification. The peer daemon uses
// it to pick up local edits to the synced document.
package docwatch

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher monitors one file for content changes.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	changes  chan struct{}
	debounce time.Duration
	log      *zap.Logger
}

// NewWatcher creates a watcher for the file at path. debounce collapses
// rapid successive writes into a single notification.
func NewWatcher(path string, debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		fsw:      fsw,
		changes:  make(chan struct{}, 1),
		debounce: debounce,
		log:      log,
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself so atomic-rename saves keep being observed.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.watchLoop(ctx)
	return nil
}

// Changes returns the channel signaled after each debounced edit. It holds
// at most one pending signal; readers that lag see a single notification.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer w.fsw.Close()

	var pending *time.Timer

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", zap.Error(err))
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(ev.Name) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, func() {
				select {
				case w.changes <- struct{}{}:
				default:
				}
			})
		}
	}
}

// matches reports whether name refers to the watched file, ignoring
// temporary files from atomic saves.
func (w *Watcher) matches(name string) bool {
	if strings.HasSuffix(name, ".tmp") {
		return false
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	want, err := filepath.Abs(w.path)
	if err != nil {
		return false
	}
	return abs == want
}
