package config

import (
	"github.com/fsnotify/fsnotify"
)

// fsWatcher wraps fsnotify with the two behaviors the config watcher needs:
// filtering events down to write/create/rename, and re-adding the target
// path after atomic-save renames.
type fsWatcher struct {
	*fsnotify.Watcher
}

// newFSWatcher watches the parent directory (for symlink swaps and renames)
// plus the file itself.
func newFSWatcher(dir, path string) (*fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	_ = w.Add(path)
	return &fsWatcher{Watcher: w}, nil
}

func (w *fsWatcher) relevant(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *fsWatcher) rearm(event fsnotify.Event, path string) {
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
		_ = w.Add(path)
	}
}
