package session

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"cuedeck/internal/loop"
)

// Watcher reports when loaded source files disappear from or reappear on
// disk. Add and Remove must be called on the control loop; onChange is
// posted there.
type Watcher struct {
	fs       *fsnotify.Watcher
	dispatch loop.Dispatcher
	onChange func(path string, missing bool)
	dirs     map[string]int
	logger   *logrus.Entry
}

// NewWatcher starts an fsnotify watcher with no directories
func NewWatcher(dispatch loop.Dispatcher, onChange func(path string, missing bool), logger *logrus.Entry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fs:       fsw,
		dispatch: dispatch,
		onChange: onChange,
		dirs:     make(map[string]int),
		logger:   logger,
	}
	go w.watchFiles()
	return w, nil
}

// Add watches the directory holding path
func (w *Watcher) Add(path string) error {
	dir := filepath.Dir(path)
	if w.dirs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			return err
		}
		w.logger.WithField("directory", dir).Debug("Watching source directory")
	}
	w.dirs[dir]++
	return nil
}

// Remove drops one reference to the directory holding path
func (w *Watcher) Remove(path string) {
	dir := filepath.Dir(path)
	n, ok := w.dirs[dir]
	if !ok {
		return
	}
	if n > 1 {
		w.dirs[dir] = n - 1
		return
	}
	delete(w.dirs, dir)
	if err := w.fs.Remove(dir); err != nil {
		w.logger.WithError(err).WithField("directory", dir).Debug("Failed to unwatch directory")
	}
}

// Close stops the watcher (idempotent)
func (w *Watcher) Close() error {
	return w.fs.Close()
}

// watchFiles selects on watcher channels and dispatches events.
func (w *Watcher) watchFiles() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleFileEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (w *Watcher) handleFileEvent(event fsnotify.Event) {
	// Ignore hidden files and our own partial writes
	fileName := filepath.Base(event.Name)
	if strings.HasPrefix(fileName, ".") || strings.HasSuffix(fileName, ".tmp") || strings.HasSuffix(fileName, ".part") {
		return
	}

	var missing bool
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		missing = true
	case event.Has(fsnotify.Create):
		missing = false
	default:
		return
	}

	name := filepath.Clean(event.Name)
	w.dispatch.Post(func() { w.onChange(name, missing) })
}
