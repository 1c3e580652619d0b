package handlers_test

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsarma/gitgrade/internal/dispatch"
	"github.com/gsarma/gitgrade/internal/handlers"
	"github.com/gsarma/gitgrade/internal/logfile"
	"github.com/gsarma/gitgrade/internal/poller"
	"github.com/gsarma/gitgrade/internal/store"
)

// A faculty member appends CLASS_ADD to their client log; the server polls
// it, runs the handler and answers on the reply log.
func TestClassAddThroughPollerAndDispatcher(t *testing.T) {
	e := newEnv(t)
	e.addUser("prof", store.RoleFaculty, false)
	up := filepath.Join(t.TempDir(), "up")
	require.NoError(t, os.MkdirAll(up, 0o755))
	csv := filepath.Join(up, "students.csv")
	require.NoError(t, os.WriteFile(csv, []byte(roster), 0o644))
	e.deps.Layout.UploadDirs = []string{up}

	replier := dispatch.NewLogReplier("server.log")
	d := dispatch.New(e.reg, replier, dispatch.Config{
		Workers: 2,
		Identify: func(p string) (string, error) {
			return dispatch.UserFromPath(e.deps.Layout.UsersDir, p)
		},
	})
	p := poller.New(d, time.Hour)
	watcher := &handlers.LogWatcher{Poller: p, Layout: e.deps.Layout}
	e.deps.Watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, watcher.WatchUser(ctx, "prof"))
	d.Start(ctx)

	clientLog := e.deps.Layout.ClientLog("prof")
	w := logfile.NewWriter(clientLog)
	require.NoError(t, w.Append(handlers.EventClassAdd, "mathclass "+csv))
	require.NoError(t, w.Append("BOGUS", "x"))
	p.PollOnce(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	require.NoError(t, d.Shutdown(shutdownCtx))

	f, err := os.Open(replier.ReplyPath(clientLog))
	require.NoError(t, err)
	defer f.Close()
	replies := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		rec, err := logfile.ParseRecord(f.Name(), scanner.Text())
		require.NoError(t, err)
		replies[rec.EventType] = rec.Payload
	}
	assert.Equal(t, map[string]string{
		"CLASS_ADD_SUCCESS": "class mathclass created with 2 students (2 new accounts)",
		"BOGUS_ERROR":       "unknown event type",
	}, replies)

	assert.True(t, p.Watching(e.deps.Layout.ClientLog("alice")))
	assert.True(t, p.Watching(e.deps.Layout.ClientLog("madhatter")))
	assert.Equal(t, dispatch.Stats{Received: 2, Succeeded: 1, Unknown: 1}, d.Stats())
}
