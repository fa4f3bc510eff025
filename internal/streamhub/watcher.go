package streamhub

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watcher follows one id's log file (and optional steps file) on disk.
// It watches the containing directory rather than the files themselves,
// which survives the file being created, truncated, or renamed after
// the watch starts.
type watcher struct {
	id        string
	logPath   string
	stepsPath string
	offset    int64

	fw   *fsnotify.Watcher
	done chan struct{}
}

func newWatcher(h *Hub, id, logPath, stepsPath string, offset int64) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(logPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(logPath), err)
	}

	w := &watcher{
		id:        id,
		logPath:   logPath,
		stepsPath: stepsPath,
		offset:    offset,
		fw:        fw,
		done:      make(chan struct{}),
	}
	go w.loop(h)
	return w, nil
}

func (w *watcher) loop(h *Hub) {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			switch ev.Name {
			case w.logPath:
				h.mu.Lock()
				h.pollLogLocked(w)
				h.mu.Unlock()
			case w.stepsPath:
				if w.stepsPath != "" {
					h.mu.Lock()
					h.pollStepsLocked(w)
					h.mu.Unlock()
				}
			}
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *watcher) Close() {
	close(w.done)
	w.fw.Close()
}
