package poller_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsarma/gitgrade/internal/logfile"
	"github.com/gsarma/gitgrade/internal/poller"
)

// collector records everything submitted to it.
type collector struct {
	mu   sync.Mutex
	recs []logfile.Record
}

func (c *collector) Submit(rec logfile.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.recs))
	for i, r := range c.recs {
		out[i] = r.Payload
	}
	return out
}

var _ poller.Sink = (*collector)(nil)

// stubSource implements logfile.Source with optional overrides.
type stubSource struct {
	byteCountFn func(ctx context.Context) (int64, error)
	readFromFn  func(ctx context.Context, offset int64) ([]byte, error)
}

func (s *stubSource) ByteCount(ctx context.Context) (int64, error) {
	if s.byteCountFn != nil {
		return s.byteCountFn(ctx)
	}
	return 0, nil
}

func (s *stubSource) ReadFrom(ctx context.Context, offset int64) ([]byte, error) {
	if s.readFromFn != nil {
		return s.readFromFn(ctx, offset)
	}
	return nil, nil
}

var _ logfile.Source = (*stubSource)(nil)

func appendRaw(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestPoller_DeliversInOrderExactlyOnce(t *testing.T) {
	p := filepath.Join(t.TempDir(), "client.log")
	sink := &collector{}
	pl := poller.New(sink, time.Hour)
	pl.WatchFrom(p, logfile.NewFileSource(p, 0), 0)
	ctx := context.Background()

	w := logfile.NewWriter(p)
	var want []string
	for batch := 0; batch < 5; batch++ {
		for i := 0; i < 7; i++ {
			payload := fmt.Sprintf("b%d-%d", batch, i)
			want = append(want, payload)
			require.NoError(t, w.Append("CHECK", payload))
		}
		pl.PollOnce(ctx)
		// a second cycle with no growth must not redeliver
		pl.PollOnce(ctx)
	}

	assert.Equal(t, want, sink.payloads())
}

func TestPoller_ChunkedReads(t *testing.T) {
	p := filepath.Join(t.TempDir(), "client.log")
	sink := &collector{}
	pl := poller.New(sink, time.Hour)
	// the smallest chunk forces several reads per cycle
	pl.WatchFrom(p, logfile.NewFileSource(p, 2*logfile.MaxRecordSize), 0)

	w := logfile.NewWriter(p)
	var want []string
	for i := 0; i < 50; i++ {
		payload := fmt.Sprintf("%03d %0500d", i, i)
		want = append(want, payload)
		require.NoError(t, w.Append("SUBMISSION", payload))
	}
	pl.PollOnce(context.Background())

	assert.Equal(t, want, sink.payloads())
}

func TestPoller_PartialLineWaitsForNewline(t *testing.T) {
	p := filepath.Join(t.TempDir(), "client.log")
	sink := &collector{}
	pl := poller.New(sink, time.Hour)
	pl.WatchFrom(p, logfile.NewFileSource(p, 0), 0)
	ctx := context.Background()

	appendRaw(t, p, "1690000000 CHECK one\n1690000001 CLASS_ADD math")
	pl.PollOnce(ctx)
	assert.Equal(t, []string{"one"}, sink.payloads())

	st := pl.Snapshot()
	require.Len(t, st, 1)
	assert.Equal(t, int64(len("1690000000 CHECK one\n")), st[0].Offset)
	assert.Equal(t, "has-new-data", st[0].State)

	appendRaw(t, p, "class /tmp/up/students.csv\n")
	pl.PollOnce(ctx)
	assert.Equal(t, []string{"one", "mathclass /tmp/up/students.csv"}, sink.payloads())
	assert.Equal(t, "drained", pl.Snapshot()[0].State)

	pl.PollOnce(ctx)
	assert.Equal(t, "unread", pl.Snapshot()[0].State)
}

func TestPoller_MalformedRecordSkipped(t *testing.T) {
	p := filepath.Join(t.TempDir(), "client.log")
	sink := &collector{}
	pl := poller.New(sink, time.Hour)
	pl.WatchFrom(p, logfile.NewFileSource(p, 0), 0)

	appendRaw(t, p, "garbage\n\n1690000000 CHECK after\nnot-a-time CHECK x\n")
	pl.PollOnce(context.Background())

	assert.Equal(t, []string{"after"}, sink.payloads())
	fi, err := os.Stat(p)
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), pl.Snapshot()[0].Offset)
}

func TestPoller_ReadErrorDoesNotAdvance(t *testing.T) {
	data := []byte("1690000000 CHECK a\n1690000001 CHECK b\n")
	fail := true
	src := &stubSource{
		byteCountFn: func(context.Context) (int64, error) { return int64(len(data)), nil },
		readFromFn: func(_ context.Context, offset int64) ([]byte, error) {
			if fail {
				return nil, errors.New("connection reset")
			}
			return data[offset:], nil
		},
	}
	sink := &collector{}
	pl := poller.New(sink, time.Hour)
	pl.WatchFrom("remote.log", src, 0)

	pl.PollOnce(context.Background())
	assert.Empty(t, sink.payloads())
	assert.Equal(t, int64(0), pl.Snapshot()[0].Offset)

	fail = false
	pl.PollOnce(context.Background())
	assert.Equal(t, []string{"a", "b"}, sink.payloads())
}

func TestPoller_ErrorInOneLogDoesNotStopOthers(t *testing.T) {
	bad := &stubSource{
		byteCountFn: func(context.Context) (int64, error) { return 0, errors.New("stat failed") },
	}
	p := filepath.Join(t.TempDir(), "good.log")
	appendRaw(t, p, "1690000000 CHECK ok\n")

	sink := &collector{}
	pl := poller.New(sink, time.Hour)
	pl.WatchFrom("/aaa/bad.log", bad, 0)
	pl.WatchFrom(p, logfile.NewFileSource(p, 0), 0)
	pl.PollOnce(context.Background())

	assert.Equal(t, []string{"ok"}, sink.payloads())
}

func TestPoller_WatchStartsAtEnd(t *testing.T) {
	p := filepath.Join(t.TempDir(), "client.log")
	appendRaw(t, p, "1690000000 CHECK old\n")

	sink := &collector{}
	pl := poller.New(sink, time.Hour)
	require.NoError(t, pl.Watch(context.Background(), p, logfile.NewFileSource(p, 0)))

	appendRaw(t, p, "1690000001 CHECK new\n")
	pl.PollOnce(context.Background())
	assert.Equal(t, []string{"new"}, sink.payloads())
}

func TestPoller_ShrunkLogRestarts(t *testing.T) {
	p := filepath.Join(t.TempDir(), "client.log")
	sink := &collector{}
	pl := poller.New(sink, time.Hour)
	pl.WatchFrom(p, logfile.NewFileSource(p, 0), 0)

	appendRaw(t, p, "1690000000 CHECK first-long-payload\n")
	pl.PollOnce(context.Background())

	require.NoError(t, os.WriteFile(p, []byte("1690000001 CHECK x\n"), 0o644))
	pl.PollOnce(context.Background())

	assert.Equal(t, []string{"first-long-payload", "x"}, sink.payloads())
}

func TestPoller_Unwatch(t *testing.T) {
	p := filepath.Join(t.TempDir(), "client.log")
	sink := &collector{}
	pl := poller.New(sink, time.Hour)
	pl.WatchFrom(p, logfile.NewFileSource(p, 0), 0)

	assert.True(t, pl.Unwatch(p))
	assert.False(t, pl.Unwatch(p))
	assert.False(t, pl.Watching(p))

	appendRaw(t, p, "1690000000 CHECK ignored\n")
	pl.PollOnce(context.Background())
	assert.Empty(t, sink.payloads())
	assert.Empty(t, pl.Snapshot())
}

func TestPoller_RunPicksUpHint(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "client.log")
	got := make(chan logfile.Record, 1)
	pl := poller.New(poller.SinkFunc(func(rec logfile.Record) { got <- rec }), time.Hour)
	pl.WatchFrom(p, logfile.NewFileSource(p, 0), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		pl.Run(ctx)
		close(done)
	}()

	appendRaw(t, p, "1690000000 CLASS_ADD mathclass /tmp/up/students.csv\n")
	pl.Hint()

	select {
	case rec := <-got:
		assert.Equal(t, "CLASS_ADD", rec.EventType)
		assert.Equal(t, "mathclass /tmp/up/students.csv", rec.Payload)
		assert.Equal(t, p, rec.SourcePath)
	case <-time.After(2 * time.Second):
		t.Fatal("hint did not trigger a poll")
	}

	cancel()
	<-done
}

func TestNotifier_HintsOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "client.log")

	hinted := make(chan struct{}, 8)
	n, err := poller.NewNotifier(func() { hinted <- struct{}{} })
	require.NoError(t, err)
	defer n.Close()
	require.NoError(t, n.Add(p))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	// writes to unrelated files in the same directory are ignored
	appendRaw(t, filepath.Join(dir, "other.log"), "x\n")
	appendRaw(t, p, "1690000000 CHECK\n")

	select {
	case <-hinted:
	case <-time.After(2 * time.Second):
		t.Fatal("no hint after write")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unread", poller.Unread.String())
	assert.Equal(t, "has-new-data", poller.HasNewData.String())
	assert.Equal(t, "drained", poller.Drained.String())
}
