// Package filewatch implements the per (directory, filename) watch of
// spec.md §4.D: it reports "the named file within the directory may
// have changed" via a user-supplied callback, without ever opening or
// reading the file itself. It is backed by github.com/fsnotify/fsnotify,
// which the teacher pulls in transitively through podman's vendor tree;
// here it is promoted to a direct, first-class dependency.
package filewatch

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/christophe-duc/mce/pkg/loop"
)

// Callback is invoked with (directory, filename) whenever the watched
// name may have new content.
type Callback func(dir, filename string)

var watchSeq int64

// Watch multiplexes kernel filesystem events for one directory over its
// own fsnotify watcher, reporting only the named child file.
type Watch struct {
	id       int64
	dir      string
	filename string
	callback Callback
	destroy  func()
	loop     *loop.Loop
	log      *logrus.Entry

	watcher *fsnotify.Watcher
	ownsFD  bool

	mu     sync.Mutex
	closed bool
}

// New creates a watch on (dir, filename). Each Watch owns its own
// fsnotify.Watcher (one kernel inotify descriptor), matching spec.md
// §5's "each filename watcher scopes exactly one inotify fd".
func New(dir, filename string, cb Callback, destroy func(), l *loop.Loop, log *logrus.Entry) (*Watch, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watch{
		id:       atomic.AddInt64(&watchSeq, 1),
		dir:      dir,
		filename: filename,
		callback: cb,
		destroy:  destroy,
		loop:     l,
		log:      log,
		watcher:  fw,
		ownsFD:   true,
	}
	go w.readLoop()
	return w, nil
}

func (w *Watch) taskID() loop.TaskID {
	return loop.TaskID(fmt.Sprintf("filewatch:%d", w.id))
}

func (w *Watch) readLoop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == filepath.Clean(w.dir) && ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// The watched directory itself was removed or renamed away:
				// the kernel watch is now defunct (IN_IGNORED-equivalent).
				// Report once and self-disable, same as a watcher.Errors read.
				w.shutdownOnReturn()
				return
			}
			if filepath.Base(ev.Name) != w.filename {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.reportChanged()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warnf("filewatch: %s/%s: %v", w.dir, w.filename, err)
			}
			w.shutdownOnReturn()
			return
		}
	}
}

// reportChanged schedules exactly one callback invocation for however
// many matching events arrive before the next idle turn: PostIdle is
// idempotent per task id, which is exactly the "one on_change per
// batch" semantics of spec.md §4.D / §8.
func (w *Watch) reportChanged() {
	dir, filename, cb := w.dir, w.filename, w.callback
	w.loop.PostIdle(w.taskID(), func() {
		if cb != nil {
			cb(dir, filename)
		}
	})
}

// ForceTrigger invokes the callback immediately with the stored (dir,
// filename), without consulting the kernel. Used to seed initial state.
func (w *Watch) ForceTrigger() {
	if w.callback != nil {
		w.callback(w.dir, w.filename)
	}
}

// shutdownOnReturn self-disables the watch after an unrecoverable read
// error, per spec.md §4.D/§7: it reports the event once, then detaches.
func (w *Watch) shutdownOnReturn() {
	w.reportChanged()
	w.Close()
}

// Close removes the kernel watch, closes the descriptor, and frees the
// callback's user data through the destroy hook, if any.
func (w *Watch) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.ownsFD {
		w.watcher.Close()
	}
	if w.destroy != nil {
		w.destroy()
	}
}
