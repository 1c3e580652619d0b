package grader_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsarma/gitgrade/internal/gitrepo"
	"github.com/gsarma/gitgrade/internal/grader"
)

const resultTimeout = 15 * time.Second

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// newAssignment creates an assignment directory whose tests/ holds the
// given files.
func newAssignment(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, "tests", name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o755))
	}
	return dir
}

func newRepo(t *testing.T, answer string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer.txt"), []byte(answer), 0o644))
	return dir
}

// copyCheckout treats the repository path as a plain directory.
func copyCheckout(_ context.Context, repo, _ string, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return gitrepo.CopyTree(repo, dest)
}

type collector struct {
	mu      sync.Mutex
	results []grader.Result
	ch      chan grader.Result
}

func newCollector() *collector {
	return &collector{ch: make(chan grader.Result, 64)}
}

func (c *collector) Report(_ context.Context, res grader.Result) {
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
	c.ch <- res
}

func (c *collector) next(t *testing.T) grader.Result {
	t.Helper()
	select {
	case res := <-c.ch:
		return res
	case <-time.After(resultTimeout):
		t.Fatal("timed out waiting for a result")
		return grader.Result{}
	}
}

func startRunner(t *testing.T, workers int, checkout grader.Checkout) (*grader.Runner, *collector) {
	t.Helper()
	requireShell(t)
	c := newCollector()
	r := grader.NewRunner(grader.Config{
		Workers:   workers,
		QueueSize: 16,
		WorkDir:   t.TempDir(),
		Defaults:  grader.Settings{TimeoutSeconds: 10},
	}, grader.Deps{
		Sandbox:  &grader.ProcessSandbox{},
		Checkout: checkout,
		Reporter: c,
	})
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), resultTimeout)
		defer done()
		_ = r.Shutdown(shutdownCtx)
		cancel()
	})
	return r, c
}

const checkAnswer = `test "$(cat "$1/answer.txt")" = 42 || { echo "expected 42"; exit 1; }
echo ok
`

func submit(t *testing.T, r *grader.Runner, repo, assignment string) grader.Submission {
	t.Helper()
	sub, err := r.Enqueue(grader.Submission{
		Student:       "alice",
		Faculty:       "prof",
		Class:         "mathclass",
		Assignment:    "hw1",
		AssignmentDir: assignment,
		RepoPath:      repo,
		Commit:        "abc123",
	})
	require.NoError(t, err)
	return sub
}

func TestRunner_Outcomes(t *testing.T) {
	cases := []struct {
		name    string
		answer  string
		tests   map[string]string
		outcome grader.Outcome
		output  string
	}{
		{
			name:    "passed",
			answer:  "42",
			tests:   map[string]string{"action.sh": checkAnswer},
			outcome: grader.Passed,
			output:  "ok",
		},
		{
			name:    "wrong answer",
			answer:  "41",
			tests:   map[string]string{"action.sh": checkAnswer},
			outcome: grader.Failed,
			output:  "expected 42",
		},
		{
			name:    "stderr alone fails",
			answer:  "42",
			tests:   map[string]string{"action.sh": "echo warning >&2\nexit 0\n"},
			outcome: grader.Failed,
			output:  "warning",
		},
		{
			name:    "setup failure",
			answer:  "42",
			tests:   map[string]string{"setup.sh": "echo cannot build\nexit 3\n", "action.sh": checkAnswer},
			outcome: grader.SetupFailed,
			output:  "cannot build",
		},
		{
			name:    "missing action script",
			answer:  "42",
			tests:   map[string]string{"readme.txt": "nothing"},
			outcome: grader.SetupFailed,
			output:  "action.sh",
		},
		{
			name:    "killed by signal",
			answer:  "42",
			tests:   map[string]string{"action.sh": "kill -SEGV $$\n"},
			outcome: grader.Crashed,
		},
		{
			name:    "out of memory",
			answer:  "42",
			tests:   map[string]string{"action.sh": "echo MemoryError >&2\nexit 1\n"},
			outcome: grader.ExceededMemory,
		},
		{
			name:    "invalid grader.yaml",
			answer:  "42",
			tests:   map[string]string{"action.sh": checkAnswer, "grader.yaml": "timeout_seconds: [\n"},
			outcome: grader.SetupFailed,
			output:  "grader.yaml",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, c := startRunner(t, 1, copyCheckout)
			sub := submit(t, r, newRepo(t, tc.answer), newAssignment(t, tc.tests))

			res := c.next(t)
			assert.Equal(t, sub.ID, res.Submission.ID)
			assert.Equal(t, tc.outcome, res.Outcome, res.Output)
			assert.Equal(t, tc.outcome == grader.Passed, res.Passed)
			assert.Contains(t, res.Output, tc.output)
		})
	}
}

func TestRunner_InfiniteLoopTimesOutAndWorkerStaysAvailable(t *testing.T) {
	r, c := startRunner(t, 1, copyCheckout)
	spin := newAssignment(t, map[string]string{
		"action.sh":   "while :; do :; done\n",
		"grader.yaml": "timeout_seconds: 1\n",
	})
	ok := newAssignment(t, map[string]string{"action.sh": checkAnswer})

	start := time.Now()
	submit(t, r, newRepo(t, "42"), spin)
	submit(t, r, newRepo(t, "42"), ok)

	first := c.next(t)
	assert.Equal(t, grader.TimedOut, first.Outcome)
	assert.Contains(t, first.Output, "killed after 1s")

	second := c.next(t)
	assert.Equal(t, grader.Passed, second.Outcome, second.Output)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunner_CheckoutFailure(t *testing.T) {
	r, c := startRunner(t, 1, func(context.Context, string, string, string) error {
		return errors.New("no such commit")
	})
	submit(t, r, newRepo(t, "42"), newAssignment(t, map[string]string{"action.sh": checkAnswer}))

	res := c.next(t)
	assert.Equal(t, grader.SetupFailed, res.Outcome)
	assert.Contains(t, res.Output, "no such commit")
}

func TestRunner_SameRepositoryRunsOneAtATime(t *testing.T) {
	r, c := startRunner(t, 2, copyCheckout)
	marker := filepath.Join(t.TempDir(), "busy")
	assignment := newAssignment(t, map[string]string{
		"action.sh":   `mkdir "$MARKER" 2>/dev/null || { echo overlap >&2; exit 1; }` + "\nsleep 1\nrmdir \"$MARKER\"\n",
		"grader.yaml": "timeout_seconds: 10\nenvironment:\n  MARKER: " + marker + "\n",
	})
	repo := newRepo(t, "42")

	submit(t, r, repo, assignment)
	submit(t, r, repo, assignment)

	for i := 0; i < 2; i++ {
		res := c.next(t)
		assert.Equal(t, grader.Passed, res.Outcome, res.Output)
	}
}

func TestRunner_ShutdownDrainsQueue(t *testing.T) {
	requireShell(t)
	c := newCollector()
	r := grader.NewRunner(grader.Config{Workers: 1, QueueSize: 8, WorkDir: t.TempDir()}, grader.Deps{
		Sandbox:  &grader.ProcessSandbox{},
		Checkout: copyCheckout,
		Reporter: c,
	})
	assignment := newAssignment(t, map[string]string{"action.sh": checkAnswer})
	for i := 0; i < 3; i++ {
		submit(t, r, newRepo(t, "42"), assignment)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), resultTimeout)
	defer done()
	require.NoError(t, r.Shutdown(shutdownCtx))

	c.mu.Lock()
	assert.Len(t, c.results, 3)
	c.mu.Unlock()
	stats := r.Stats()
	assert.Equal(t, uint64(3), stats.Processed)
	assert.Equal(t, uint64(3), stats.Outcomes[grader.Passed])

	_, err := r.Enqueue(grader.Submission{RepoPath: "x"})
	assert.ErrorIs(t, err, grader.ErrQueueClosed)
}

func TestRunner_QueueFull(t *testing.T) {
	r := grader.NewRunner(grader.Config{Workers: 1, QueueSize: 1, WorkDir: t.TempDir()}, grader.Deps{})

	sub, err := r.Enqueue(grader.Submission{RepoPath: "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.False(t, sub.EnqueuedAt.IsZero())

	_, err = r.Enqueue(grader.Submission{RepoPath: "b"})
	assert.ErrorIs(t, err, grader.ErrQueueFull)
	assert.Equal(t, 1, r.Stats().Queued)
}

func TestJanitor_Sweep(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)
	for _, name := range []string{"job-old", "job-new", "unrelated"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name, "code"), 0o755))
	}
	require.NoError(t, os.Chtimes(filepath.Join(dir, "job-old"), old, old))
	require.NoError(t, os.Chtimes(filepath.Join(dir, "unrelated"), old, old))

	j := grader.NewJanitor(dir, time.Hour)
	n, err := j.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(filepath.Join(dir, "job-old"))
	assert.True(t, os.IsNotExist(err))
	assert.DirExists(t, filepath.Join(dir, "job-new"))
	assert.DirExists(t, filepath.Join(dir, "unrelated"))

	n, err = grader.NewJanitor(filepath.Join(dir, "missing"), time.Hour).Sweep()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestJanitor_StartRejectsBadSchedule(t *testing.T) {
	j := grader.NewJanitor(t.TempDir(), time.Hour)
	assert.Error(t, j.Start("not a schedule"))
	require.NoError(t, j.Start("@hourly"))
	j.Stop(context.Background())
}

func TestLoadSettings(t *testing.T) {
	defaults := grader.Settings{TimeoutSeconds: 60, MemoryMB: 512}
	dir := t.TempDir()

	s, err := grader.LoadSettings(filepath.Join(dir, "grader.yaml"), defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, s)

	p := filepath.Join(dir, "grader.yaml")
	require.NoError(t, os.WriteFile(p, []byte("timeout_seconds: 5\nimage: python:3.12\nenvironment:\n  B: two\n  A: one\n"), 0o644))
	s, err = grader.LoadSettings(p, defaults)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, s.Timeout())
	assert.Equal(t, 5*time.Second, s.SetupTimeout())
	assert.Equal(t, 512, s.MemoryMB)
	assert.Equal(t, "python:3.12", s.Image)
	assert.Equal(t, []string{"A=one", "B=two"}, s.Env())

	require.NoError(t, os.WriteFile(p, []byte("timeout_seconds: 0\n"), 0o644))
	_, err = grader.LoadSettings(p, defaults)
	assert.Error(t, err)
}
