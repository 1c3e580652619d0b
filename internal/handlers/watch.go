package handlers

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/logfile"
	"github.com/gsarma/gitgrade/internal/poller"
	"github.com/gsarma/gitgrade/internal/store"
)

// LogWatcher tails users' client logs with a poller.
type LogWatcher struct {
	Poller    *poller.Poller
	Layout    Layout
	ReadChunk int64
}

var _ Watcher = (*LogWatcher)(nil)

// WatchUser creates the user's client log if needed and tails it from its
// current end.
func (w *LogWatcher) WatchUser(ctx context.Context, username string) error {
	if err := w.Layout.ensureUserDirs(username); err != nil {
		return err
	}
	p := w.Layout.ClientLog(username)
	return w.Poller.Watch(ctx, p, logfile.NewFileSource(p, w.ReadChunk))
}

func (w *LogWatcher) UnwatchUser(username string) {
	w.Poller.Unwatch(w.Layout.ClientLog(username))
}

// WatchAll tails the client log of every known user. A user whose log
// cannot be watched is logged and skipped.
func (w *LogWatcher) WatchAll(ctx context.Context, q store.Querier) (int, error) {
	users, err := q.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, u := range users {
		if err := w.WatchUser(ctx, u.Username); err != nil {
			log.WithFields(log.Fields{"user": u.Username}).WithError(err).Warn("cannot watch client log")
			continue
		}
		n++
	}
	return n, nil
}
