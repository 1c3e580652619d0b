package grader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/gsarma/gitgrade/internal/gitrepo"
	"github.com/gsarma/gitgrade/internal/locks"
)

var (
	ErrQueueClosed = errors.New("grader: queue closed")
	ErrQueueFull   = errors.New("grader: queue full")
)

const (
	// WorkspacePrefix names the per-job directories under Config.WorkDir.
	WorkspacePrefix = "job-"

	testsDir    = "tests"
	codeDir     = "code"
	setupScript = "setup.sh"
	testScript  = "action.sh"
)

type Config struct {
	Workers   int
	QueueSize int
	WorkDir   string
	// Defaults apply to assignments without a grader.yaml.
	Defaults Settings
}

type Deps struct {
	Sandbox  Sandbox
	Locks    *locks.Registry
	Checkout Checkout
	Reporter Reporter
}

type Stats struct {
	Queued    int                `json:"queued"`
	Running   int64              `json:"running"`
	Processed uint64             `json:"processed"`
	Outcomes  map[Outcome]uint64 `json:"outcomes"`
}

// Runner tests submissions on a fixed number of workers. Submissions of the
// same repository never run concurrently.
type Runner struct {
	cfg  Config
	deps Deps
	jobs chan Submission

	mu       sync.Mutex
	closed   bool
	started  bool
	outcomes map[Outcome]uint64

	wg        sync.WaitGroup
	running   atomic.Int64
	processed atomic.Uint64
}

func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Defaults.TimeoutSeconds <= 0 {
		cfg.Defaults.TimeoutSeconds = 60
	}
	if deps.Locks == nil {
		deps.Locks = locks.NewRegistry()
	}
	if deps.Reporter == nil {
		deps.Reporter = ReporterFunc(func(context.Context, Result) {})
	}
	return &Runner{
		cfg:      cfg,
		deps:     deps,
		jobs:     make(chan Submission, cfg.QueueSize),
		outcomes: make(map[Outcome]uint64),
	}
}

// Enqueue queues sub without blocking and returns it with its ID and
// EnqueuedAt filled in.
func (r *Runner) Enqueue(sub Submission) (Submission, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.EnqueuedAt.IsZero() {
		sub.EnqueuedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return sub, ErrQueueClosed
	}
	select {
	case r.jobs <- sub:
		return sub, nil
	default:
		return sub, ErrQueueFull
	}
}

// Start launches the workers. Cancelling ctx kills in-flight runs and stops
// the workers without draining the queue; use Shutdown for a graceful stop.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.loop(ctx)
	}
}

// Shutdown stops accepting submissions and waits until every queued one has
// been tested and reported, or ctx is done.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	outcomes := make(map[Outcome]uint64, len(r.outcomes))
	for k, v := range r.outcomes {
		outcomes[k] = v
	}
	r.mu.Unlock()
	return Stats{
		Queued:    len(r.jobs),
		Running:   r.running.Load(),
		Processed: r.processed.Load(),
		Outcomes:  outcomes,
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sub, ok := <-r.jobs:
			if !ok {
				return
			}
			r.process(ctx, sub)
		}
	}
}

func (r *Runner) process(ctx context.Context, sub Submission) {
	r.running.Add(1)
	defer r.running.Add(-1)

	start := time.Now()
	res := r.test(ctx, sub)
	res.Submission = sub
	res.Passed = res.Outcome == Passed
	res.Duration = time.Since(start)

	r.mu.Lock()
	r.outcomes[res.Outcome]++
	r.mu.Unlock()
	r.processed.Add(1)

	log.WithFields(log.Fields{
		"submission": sub.ID,
		"student":    sub.Student,
		"assignment": sub.Faculty + "/" + sub.Class + "/" + sub.Assignment,
		"commit":     sub.Commit,
		"outcome":    res.Outcome,
		"duration":   res.Duration.Round(time.Millisecond),
	}).Info("submission tested")

	defer func() {
		if p := recover(); p != nil {
			log.WithFields(log.Fields{"submission": sub.ID}).Errorf("reporter panic: %v", p)
		}
	}()
	r.deps.Reporter.Report(ctx, res)
}

func (r *Runner) test(ctx context.Context, sub Submission) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Outcome: Crashed, Output: fmt.Sprintf("internal error: %v", p)}
		}
	}()

	owner := locks.WithOwner(ctx, "grader:"+sub.ID)
	lk := r.deps.Locks.Get(sub.RepoPath)
	if err := lk.Lock(owner); err != nil {
		return Result{Outcome: Crashed, Output: "run cancelled before start: " + err.Error()}
	}
	defer lk.Unlock(owner)

	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return setupFailed("create work directory", err)
	}
	ws, err := os.MkdirTemp(r.cfg.WorkDir, WorkspacePrefix+sub.ID+"-")
	if err != nil {
		return setupFailed("create workspace", err)
	}
	defer func() {
		if err := os.RemoveAll(ws); err != nil {
			log.WithFields(log.Fields{"workspace": ws}).WithError(err).Warn("failed to remove workspace")
		}
	}()

	code := filepath.Join(ws, codeDir)
	if err := r.deps.Checkout(ctx, sub.RepoPath, sub.Commit, code); err != nil {
		return setupFailed("check out submission", err)
	}
	tests := filepath.Join(ws, testsDir)
	if err := os.MkdirAll(tests, 0o755); err != nil {
		return setupFailed("create tests directory", err)
	}
	if err := gitrepo.CopyTree(filepath.Join(sub.AssignmentDir, testsDir), tests); err != nil {
		return setupFailed("copy tests", err)
	}
	if _, err := os.Stat(filepath.Join(tests, testScript)); err != nil {
		return setupFailed("find "+testScript, err)
	}

	settings, err := LoadSettings(filepath.Join(tests, SettingsFile), r.cfg.Defaults)
	if err != nil {
		return setupFailed("load settings", err)
	}
	env := append([]string{
		"GITGRADE_STUDENT=" + sub.Student,
		"GITGRADE_ASSIGNMENT=" + sub.Assignment,
		"GITGRADE_COMMIT=" + sub.Commit,
	}, settings.Env()...)

	if _, err := os.Stat(filepath.Join(tests, setupScript)); err == nil {
		out, err := r.deps.Sandbox.Run(ctx, RunSpec{
			Command:   []string{"/bin/sh", filepath.Join(tests, setupScript), code},
			Dir:       tests,
			Workspace: ws,
			Env:       env,
			Timeout:   settings.SetupTimeout(),
			MemoryMB:  settings.MemoryMB,
			PidsLimit: settings.PidsLimit,
			Image:     settings.Image,
		})
		if err != nil {
			return setupFailed("start "+setupScript, err)
		}
		if out.TimedOut || out.ExitCode != 0 {
			res := fromOutput(out)
			res.Outcome = SetupFailed
			res.Output = setupScript + " failed:\n" + out.Combined
			return res
		}
	}

	out, err := r.deps.Sandbox.Run(ctx, RunSpec{
		Command:   []string{"/bin/sh", filepath.Join(tests, testScript), code},
		Dir:       tests,
		Workspace: ws,
		Env:       env,
		Timeout:   settings.Timeout(),
		MemoryMB:  settings.MemoryMB,
		PidsLimit: settings.PidsLimit,
		Image:     settings.Image,
	})
	if err != nil {
		return Result{Outcome: Crashed, Output: "could not start tests: " + err.Error(), ExitCode: -1}
	}
	res = fromOutput(out)
	res.Outcome = classify(out)
	if res.Outcome == TimedOut {
		res.Output += fmt.Sprintf("\n[killed after %s]\n", settings.Timeout())
	}
	return res
}

func fromOutput(out RunOutput) Result {
	return Result{
		Output:   out.Combined,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
	}
}

func setupFailed(step string, err error) Result {
	return Result{Outcome: SetupFailed, Output: fmt.Sprintf("failed to %s: %v", step, err), ExitCode: -1}
}

func classify(out RunOutput) Outcome {
	switch {
	case out.TimedOut:
		return TimedOut
	case out.MemoryExceeded:
		return ExceededMemory
	case out.Signaled:
		return Crashed
	case out.ExitCode == 0 && out.Stderr == "":
		return Passed
	default:
		return Failed
	}
}
