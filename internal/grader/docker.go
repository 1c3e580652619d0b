package grader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	log "github.com/sirupsen/logrus"
)

// DockerSandbox runs each command in a fresh container with networking
// disabled. The workspace is bind-mounted at its host path so command paths
// need no translation.
type DockerSandbox struct {
	cli          *client.Client
	DefaultImage string
	MaxOutput    int
}

var _ Sandbox = (*DockerSandbox)(nil)

// NewDockerSandbox connects to the engine configured in the environment.
func NewDockerSandbox(defaultImage string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerSandbox{cli: cli, DefaultImage: defaultImage}, nil
}

func (d *DockerSandbox) Close() error {
	return d.cli.Close()
}

func (d *DockerSandbox) containerConfig(spec RunSpec) (*container.Config, *container.HostConfig, error) {
	image := spec.Image
	if image == "" {
		image = d.DefaultImage
	}
	if image == "" {
		return nil, nil, errors.New("no docker image configured")
	}
	if len(spec.Command) == 0 {
		return nil, nil, errors.New("empty command")
	}

	cfg := &container.Config{
		Image:           image,
		Cmd:             spec.Command,
		WorkingDir:      spec.Dir,
		Env:             append([]string{"HOME=" + spec.Workspace}, spec.Env...),
		User:            fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		NetworkDisabled: true,
	}
	host := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory: int64(spec.MemoryMB) << 20,
		},
	}
	if spec.MemoryMB > 0 {
		// Same value for swap means no swap on top of the ceiling.
		host.Resources.MemorySwap = host.Resources.Memory
	}
	if spec.PidsLimit > 0 {
		limit := int64(spec.PidsLimit)
		host.Resources.PidsLimit = &limit
	}
	if spec.Workspace != "" {
		host.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Workspace,
			Target: spec.Workspace,
		}}
	}
	return cfg, host, nil
}

func (d *DockerSandbox) Run(ctx context.Context, spec RunSpec) (RunOutput, error) {
	cfg, host, err := d.containerConfig(spec)
	if err != nil {
		return RunOutput{}, err
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return RunOutput{}, fmt.Errorf("failed to create container: %w", err)
	}
	id := resp.ID
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		rmCtx, cancel := context.WithTimeout(cleanupCtx, 30*time.Second)
		defer cancel()
		if err := d.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			log.WithFields(log.Fields{"container": id}).WithError(err).Warn("failed to remove container")
		}
	}()

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return RunOutput{}, fmt.Errorf("failed to start container: %w", err)
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	var out RunOutput
	statusCh, errCh := d.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		out.ExitCode = int(status.StatusCode)
	case err := <-errCh:
		if runCtx.Err() == nil {
			return RunOutput{}, fmt.Errorf("failed waiting for container: %w", err)
		}
		out.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		out.Signaled = true
		out.ExitCode = -1
		if err := d.cli.ContainerKill(cleanupCtx, id, "KILL"); err != nil {
			log.WithFields(log.Fields{"container": id}).WithError(err).Warn("failed to kill container")
		}
	}

	if info, err := d.cli.ContainerInspect(cleanupCtx, id); err == nil && info.State != nil {
		out.MemoryExceeded = info.State.OOMKilled
	}
	if !out.TimedOut && out.ExitCode > 128 && out.ExitCode < 160 {
		out.Signaled = true
	}

	logs, err := d.cli.ContainerLogs(cleanupCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		log.WithFields(log.Fields{"container": id}).WithError(err).Warn("failed to read container logs")
		return out, nil
	}
	defer logs.Close()

	limit := d.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	var mu sync.Mutex
	stdout := &cappedBuffer{limit: limit, mu: &mu}
	stderr := &cappedBuffer{limit: limit, mu: &mu}
	combined := &cappedBuffer{limit: 2 * limit, mu: &mu}
	if _, err := stdcopy.StdCopy(teeWriter{stdout, combined}, teeWriter{stderr, combined}, logs); err != nil && !errors.Is(err, io.EOF) {
		log.WithFields(log.Fields{"container": id}).WithError(err).Warn("failed to demultiplex container logs")
	}
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	out.Combined = combined.String()
	if !out.TimedOut && outOfMemory(out.Stderr) {
		out.MemoryExceeded = true
	}
	return out, nil
}
