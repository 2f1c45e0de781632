package specwatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a Registry's directory: a write or create event
// re-parses the touched file; a remove or rename drops the spec whose
// id matches the file's base name (sans extension), which is the
// convention LoadDir/LoadFile assume every spec file follows.
type Watcher struct {
	dir string
	reg *Registry
	fsw *fsnotify.Watcher
}

// NewWatcher creates a Watcher rooted at dir, loading its current
// contents into reg before returning.
func NewWatcher(dir string, reg *Registry) (*Watcher, error) {
	if err := reg.LoadDir(dir); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{dir: dir, reg: reg, fsw: fsw}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("specwatch: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !isYAML(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		if err := w.reg.LoadFile(event.Name); err != nil {
			slog.Warn("specwatch: reload failed", "file", event.Name, "error", err)
		}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		id := specIDFromPath(event.Name)
		w.reg.RemoveID(id)
	}
}

func specIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
