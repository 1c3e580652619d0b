package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsarma/gitgrade/internal/dispatch"
	"github.com/gsarma/gitgrade/internal/locks"
	"github.com/gsarma/gitgrade/internal/logfile"
)

// stubHandler implements dispatch.Handler with optional overrides.
type stubHandler struct {
	parseFn  func() error
	handleFn func(ctx context.Context) (string, error)
}

func (s *stubHandler) Parse() error {
	if s.parseFn != nil {
		return s.parseFn()
	}
	return nil
}

func (s *stubHandler) Handle(ctx context.Context) (string, error) {
	if s.handleFn != nil {
		return s.handleFn(ctx)
	}
	return "ok", nil
}

var _ dispatch.Handler = (*stubHandler)(nil)

type reply struct {
	ev        dispatch.Event
	eventType string
	detail    string
}

// recordingReplier captures replies and signals each one on got.
type recordingReplier struct {
	mu      sync.Mutex
	replies []reply
	got     chan reply
}

func newRecordingReplier() *recordingReplier {
	return &recordingReplier{got: make(chan reply, 1024)}
}

func (r *recordingReplier) Reply(ev dispatch.Event, eventType, detail string) error {
	r.mu.Lock()
	r.replies = append(r.replies, reply{ev, eventType, detail})
	r.mu.Unlock()
	r.got <- reply{ev, eventType, detail}
	return nil
}

func (r *recordingReplier) wait(t *testing.T) reply {
	t.Helper()
	select {
	case rep := <-r.got:
		return rep
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return reply{}
	}
}

var _ dispatch.Replier = (*recordingReplier)(nil)

func record(path, eventType, payload string) logfile.Record {
	return logfile.Record{SourcePath: path, Timestamp: time.Unix(1690000000, 0), EventType: eventType, Payload: payload}
}

func startDispatcher(t *testing.T, reg *dispatch.Registry, rep dispatch.Replier, workers int) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(reg, rep, dispatch.Config{
		Workers:  workers,
		Identify: func(p string) (string, error) { return dispatch.UserFromPath("/home", p) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		_ = d.Shutdown(context.Background())
		cancel()
	})
	return d
}

func TestDispatcher_Success(t *testing.T) {
	reg := dispatch.NewRegistry()
	var seen dispatch.Event
	reg.Register("CHECK", func(ev dispatch.Event) dispatch.Handler {
		seen = ev
		return &stubHandler{handleFn: func(ctx context.Context) (string, error) {
			assert.NotEmpty(t, locks.OwnerFrom(ctx), "handlers run with a lock owner")
			return "2 classes", nil
		}}
	})
	rep := newRecordingReplier()
	d := startDispatcher(t, reg, rep, 2)

	d.Submit(record("/home/alice/.gitgrade/client.log", "CHECK", ""))

	got := rep.wait(t)
	assert.Equal(t, "CHECK_SUCCESS", got.eventType)
	assert.Equal(t, "2 classes", got.detail)
	assert.Equal(t, "alice", seen.User)
	assert.Equal(t, int64(1), d.Stats().Succeeded)
}

func TestDispatcher_ParseErrorSkipsHandle(t *testing.T) {
	reg := dispatch.NewRegistry()
	handled := false
	reg.Register("CLASS_ADD", func(dispatch.Event) dispatch.Handler {
		return &stubHandler{
			parseFn: func() error { return errors.New("expected <class> <csv>") },
			handleFn: func(context.Context) (string, error) {
				handled = true
				return "", nil
			},
		}
	})
	rep := newRecordingReplier()
	d := startDispatcher(t, reg, rep, 1)

	d.Submit(record("/home/alice/.gitgrade/client.log", "CLASS_ADD", "onlyone"))

	got := rep.wait(t)
	assert.Equal(t, "CLASS_ADD_ERROR", got.eventType)
	assert.Equal(t, "expected <class> <csv>", got.detail)
	assert.False(t, handled)
	assert.Equal(t, int64(1), d.Stats().ParseErrors)
}

func TestDispatcher_UnknownType(t *testing.T) {
	rep := newRecordingReplier()
	d := startDispatcher(t, dispatch.NewRegistry(), rep, 1)

	d.Submit(record("/home/alice/.gitgrade/client.log", "FROBNICATE", "x"))

	got := rep.wait(t)
	assert.Equal(t, "FROBNICATE_ERROR", got.eventType)
	assert.Equal(t, "unknown event type", got.detail)
	assert.Equal(t, int64(1), d.Stats().Unknown)
}

func TestDispatcher_HandleErrorAndPanicAreReplies(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("FAIL", func(dispatch.Event) dispatch.Handler {
		return &stubHandler{handleFn: func(context.Context) (string, error) {
			return "", errors.New("class mathclass does not exist")
		}}
	})
	reg.Register("BOOM", func(dispatch.Event) dispatch.Handler {
		return &stubHandler{handleFn: func(context.Context) (string, error) {
			panic("nil map")
		}}
	})
	rep := newRecordingReplier()
	d := startDispatcher(t, reg, rep, 1)

	src := "/home/alice/.gitgrade/client.log"
	d.Submit(record(src, "FAIL", ""))
	d.Submit(record(src, "BOOM", ""))
	d.Submit(record(src, "FAIL", ""))

	first := rep.wait(t)
	assert.Equal(t, "FAIL_ERROR", first.eventType)
	assert.Equal(t, "class mathclass does not exist", first.detail)

	second := rep.wait(t)
	assert.Equal(t, "BOOM_ERROR", second.eventType)
	assert.Contains(t, second.detail, "nil map")

	third := rep.wait(t)
	assert.Equal(t, "FAIL_ERROR", third.eventType, "worker survives a panic")
}

func TestDispatcher_PreservesPerLogOrder(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("SEQ", func(ev dispatch.Event) dispatch.Handler {
		return &stubHandler{handleFn: func(context.Context) (string, error) {
			return ev.Payload, nil
		}}
	})
	rep := newRecordingReplier()
	d := startDispatcher(t, reg, rep, 4)

	users := []string{"alice", "bob", "carol"}
	for i := 0; i < 30; i++ {
		for _, u := range users {
			d.Submit(record("/home/"+u+"/.gitgrade/client.log", "SEQ", fmt.Sprintf("%d", i)))
		}
	}
	for i := 0; i < 90; i++ {
		rep.wait(t)
	}

	perUser := map[string][]string{}
	rep.mu.Lock()
	for _, r := range rep.replies {
		perUser[r.ev.User] = append(perUser[r.ev.User], r.detail)
	}
	rep.mu.Unlock()

	for _, u := range users {
		require.Len(t, perUser[u], 30)
		for i, got := range perUser[u] {
			assert.Equal(t, fmt.Sprintf("%d", i), got, "user %s", u)
		}
	}
}

func TestDispatcher_ShutdownDrainsQueue(t *testing.T) {
	reg := dispatch.NewRegistry()
	release := make(chan struct{})
	reg.Register("SLOW", func(dispatch.Event) dispatch.Handler {
		return &stubHandler{handleFn: func(context.Context) (string, error) {
			<-release
			return "done", nil
		}}
	})
	rep := newRecordingReplier()
	d := dispatch.New(reg, rep, dispatch.Config{Workers: 1})
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		d.Submit(record("/home/alice/.gitgrade/client.log", "SLOW", ""))
	}
	close(release)

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Equal(t, int64(5), d.Stats().Succeeded)
	assert.ErrorIs(t, d.Shutdown(context.Background()), dispatch.ErrClosed)

	d.Submit(record("/home/alice/.gitgrade/client.log", "SLOW", ""))
	rep.mu.Lock()
	last := rep.replies[len(rep.replies)-1]
	rep.mu.Unlock()
	assert.Equal(t, "SLOW_ERROR", last.eventType)
}

func TestLogReplier_WritesSiblingLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "alice", ".gitgrade")
	src := filepath.Join(dir, "client.log")
	r := dispatch.NewLogReplier("server.log")

	require.NoError(t, r.Reply(dispatch.Event{SourcePath: src}, "CLASS_ADD_SUCCESS", "class mathclass added"))

	data, err := os.ReadFile(filepath.Join(dir, "server.log"))
	require.NoError(t, err)
	rec, err := logfile.ParseRecord("server.log", strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, "CLASS_ADD_SUCCESS", rec.EventType)
	assert.Equal(t, "class mathclass added", rec.Payload)
}

func TestRegistry(t *testing.T) {
	reg := dispatch.NewRegistry()
	f := func(dispatch.Event) dispatch.Handler { return &stubHandler{} }
	reg.Register("B", f)
	reg.Register("A", f)

	assert.Equal(t, []string{"A", "B"}, reg.Types())
	_, ok := reg.Lookup("C")
	assert.False(t, ok)
	assert.Panics(t, func() { reg.Register("A", f) })
}

func TestUserFromPath(t *testing.T) {
	u, err := dispatch.UserFromPath("/home", "/home/alice/.gitgrade/client.log")
	require.NoError(t, err)
	assert.Equal(t, "alice", u)

	_, err = dispatch.UserFromPath("/home", "/etc/passwd")
	assert.Error(t, err)
	_, err = dispatch.UserFromPath("/home", "/home")
	assert.Error(t, err)
}
