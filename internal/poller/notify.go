package poller

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Notifier turns filesystem write notifications for local logs into poll
// hints. It only lowers latency; missed notifications are caught by the
// next regular poll.
type Notifier struct {
	watcher *fsnotify.Watcher
	hint    func()

	mu    sync.Mutex
	files map[string]struct{}
	dirs  map[string]int
}

func NewNotifier(hint func()) (*Notifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Notifier{
		watcher: w,
		hint:    hint,
		files:   make(map[string]struct{}),
		dirs:    make(map[string]int),
	}, nil
}

// Add watches the directory holding logPath. The directory must exist.
func (n *Notifier) Add(logPath string) error {
	logPath = filepath.Clean(logPath)
	dir := filepath.Dir(logPath)

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.files[logPath]; ok {
		return nil
	}
	if n.dirs[dir] == 0 {
		if err := n.watcher.Add(dir); err != nil {
			return err
		}
	}
	n.dirs[dir]++
	n.files[logPath] = struct{}{}
	return nil
}

func (n *Notifier) Remove(logPath string) {
	logPath = filepath.Clean(logPath)
	dir := filepath.Dir(logPath)

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.files[logPath]; !ok {
		return
	}
	delete(n.files, logPath)
	n.dirs[dir]--
	if n.dirs[dir] <= 0 {
		delete(n.dirs, dir)
		_ = n.watcher.Remove(dir)
	}
}

func (n *Notifier) watched(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.files[filepath.Clean(name)]
	return ok
}

// Run forwards notifications until ctx is cancelled or the watcher closes.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if n.watched(ev.Name) {
					n.hint()
				}
			}
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("change notification error: %v", err)
		}
	}
}

func (n *Notifier) Close() error {
	return n.watcher.Close()
}
