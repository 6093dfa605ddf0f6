package shaders

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/lumen/engine/core"
)

// Watcher recompiles shaders of a Library when their files are written
// and fires EVENT_CODE_SHADER_RELOADED for every successful reload.
type Watcher struct {
	lib      *Library
	fsnotify *fsnotify.Watcher

	mu       sync.Mutex
	dirs     map[string]bool
	done     chan struct{}
	stopped  chan struct{}
	isClosed bool
}

func NewWatcher(lib *Library) (*Watcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		lib:      lib,
		fsnotify: fsWatch,
		dirs:     make(map[string]bool),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.start()
	return w, nil
}

// Watch starts watching the directory holding path. Editors often
// replace files instead of writing them, watching the file itself would
// lose track of it.
func (w *Watcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosed {
		return errors.New("shader watcher already closed")
	}
	dir := filepath.Dir(filepath.Clean(path))
	if w.dirs[dir] {
		return nil
	}
	if err := w.fsnotify.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = true
	return nil
}

// WatchLibrary watches every file compiled so far.
func (w *Watcher) WatchLibrary() error {
	for _, p := range w.lib.Paths() {
		if err := w.Watch(p); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) start() {
	defer close(w.stopped)
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.handleFileEvent(e.Name)

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError(err.Error())

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleFileEvent(path string) {
	cached, err := w.lib.Reload(path)
	if !cached || err != nil {
		return
	}
	core.LogInfo("reloaded shader %s", path)
	core.EventFire(core.EventContext{
		Type: core.EVENT_CODE_SHADER_RELOADED,
		Data: &core.ShaderReloadEvent{Path: filepath.Clean(path)},
	})
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return nil
	}
	w.isClosed = true
	close(w.done)
	w.mu.Unlock()
	<-w.stopped
	return w.fsnotify.Close()
}
