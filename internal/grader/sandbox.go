package grader

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultMaxOutput caps each captured stream of a run.
const DefaultMaxOutput = 1 << 20

// RunSpec describes one command to execute in a sandbox.
type RunSpec struct {
	Command []string
	Dir     string
	// Workspace is the host directory the command may touch. Container
	// sandboxes mount it at the same path.
	Workspace string
	Env       []string
	Timeout   time.Duration
	MemoryMB  int
	PidsLimit int
	Image     string
}

// RunOutput is what a sandbox observed about a finished command.
type RunOutput struct {
	Stdout         string
	Stderr         string
	Combined       string
	ExitCode       int
	TimedOut       bool
	MemoryExceeded bool
	Signaled       bool
}

// Sandbox executes a command under resource limits. An error means the
// command could not be started at all.
type Sandbox interface {
	Run(ctx context.Context, spec RunSpec) (RunOutput, error)
}

// ProcessSandbox runs commands as local child processes in their own process
// group. With Firejail set the command is wrapped in firejail, otherwise the
// memory ceiling is applied with ulimit -v.
type ProcessSandbox struct {
	Firejail  string
	MaxOutput int
	// WaitDelay bounds how long output pipes held open by stray descendants
	// may delay a finished run.
	WaitDelay time.Duration
}

var _ Sandbox = (*ProcessSandbox)(nil)

var baseEnv = []string{
	"PATH=/usr/local/bin:/usr/bin:/bin",
	"LANG=C.UTF-8",
}

func (p *ProcessSandbox) command(spec RunSpec) []string {
	if p.Firejail != "" {
		args := []string{p.Firejail, "--quiet", "--noprofile", "--net=none"}
		if spec.MemoryMB > 0 {
			args = append(args, "--rlimit-as="+strconv.FormatInt(int64(spec.MemoryMB)<<20, 10))
		}
		if spec.PidsLimit > 0 {
			args = append(args, "--rlimit-nproc="+strconv.Itoa(spec.PidsLimit))
		}
		return append(append(args, "--"), spec.Command...)
	}
	if spec.MemoryMB > 0 {
		args := []string{"/bin/sh", "-c", `ulimit -v "$1" 2>/dev/null; shift; exec "$@"`, "sh",
			strconv.Itoa(spec.MemoryMB * 1024)}
		return append(args, spec.Command...)
	}
	return spec.Command
}

func (p *ProcessSandbox) Run(ctx context.Context, spec RunSpec) (RunOutput, error) {
	if len(spec.Command) == 0 {
		return RunOutput{}, errors.New("empty command")
	}
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	limit := p.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	var mu sync.Mutex
	stdout := &cappedBuffer{limit: limit, mu: &mu}
	stderr := &cappedBuffer{limit: limit, mu: &mu}
	combined := &cappedBuffer{limit: 2 * limit, mu: &mu}

	args := p.command(spec)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append([]string{"HOME=" + spec.Workspace}, baseEnv...), spec.Env...)
	cmd.Stdout = teeWriter{stdout, combined}
	cmd.Stderr = teeWriter{stderr, combined}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return RunOutput{}, err
	}
	err := cmd.Wait()

	out := RunOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return out, err
		}
	}
	if state := cmd.ProcessState; state != nil {
		out.ExitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			out.Signaled = true
			if ws.Signal() == syscall.SIGKILL && !out.TimedOut && ctx.Err() == nil {
				out.MemoryExceeded = true
			}
		}
	}
	if !out.TimedOut && outOfMemory(out.Stderr) {
		out.MemoryExceeded = true
	}
	return out, nil
}

var oomMarkers = []string{
	"MemoryError",
	"std::bad_alloc",
	"Cannot allocate memory",
	"out of memory",
	"OutOfMemoryError",
}

func outOfMemory(stderr string) bool {
	for _, m := range oomMarkers {
		if strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}

// cappedBuffer keeps the first limit bytes written and drops the rest while
// still reporting full writes, so a chatty process never blocks on its pipe.
type cappedBuffer struct {
	mu        *sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room < len(p) {
		b.truncated = true
		if room < 0 {
			room = 0
		}
		b.buf.Write(p[:room])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]\n"
	}
	return b.buf.String()
}

// teeWriter copies one stream into the combined buffer.
type teeWriter struct {
	stream, combined *cappedBuffer
}

func (t teeWriter) Write(p []byte) (int, error) {
	t.stream.Write(p)
	return t.combined.Write(p)
}
