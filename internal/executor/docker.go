package executor

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kdlbs/issueforge/internal/common/config"
	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/model"
	"github.com/kdlbs/issueforge/internal/procmgr"
)

// DockerExecutor runs the wrapped CLI executor's command inside a container
// instead of directly on the host: it owns image pull and container
// lifecycle through the Docker SDK, but hands the actual attached I/O off
// to a plain `docker exec` subprocess so the result is a regular
// procmgr.Subprocess (pipes, Exited(), HardStop()) — the same contract every
// other Executor hands the Process Manager, just running somewhere else.
type DockerExecutor struct {
	engineType string
	image      string
	command    string
	args       []string
	cli        *dockerclient.Client
	logger     *logger.Logger
}

// NewDockerExecutor builds a container-backed executor for one engine type.
// image names the container image the agent CLI ships in; command/args is
// the CLI invocation run inside it.
func NewDockerExecutor(engineType string, cfg config.DockerConfig, image, command string, args []string, log *logger.Logger) (*DockerExecutor, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, dockerclient.WithVersion(cfg.APIVersion))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker executor %q: create client: %w", engineType, err)
	}
	return &DockerExecutor{
		engineType: engineType,
		image:      image,
		command:    command,
		args:       args,
		cli:        cli,
		logger:     log.WithFields(zap.String("component", "docker-executor"), zap.String("engine_type", engineType)),
	}, nil
}

func (d *DockerExecutor) EngineType() string { return d.engineType }

func (d *DockerExecutor) Spawn(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	return d.spawn(ctx, opts)
}

func (d *DockerExecutor) SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	return d.spawn(ctx, opts)
}

func (d *DockerExecutor) spawn(ctx context.Context, opts SpawnOptions) (*SpawnResult, error) {
	containerID, err := d.ensureContainer(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("docker executor %q: ensure container: %w", d.engineType, err)
	}

	execArgs := append([]string{"exec", "-i", containerID, d.command}, d.args...)
	sp, err := procmgr.NewSubprocess("docker", execArgs, "", nil, d.logger)
	if err != nil {
		return nil, fmt.Errorf("docker executor %q: build exec subprocess: %w", d.engineType, err)
	}
	if err := sp.Start(); err != nil {
		return nil, fmt.Errorf("docker executor %q: start exec: %w", d.engineType, err)
	}

	if _, err := io.WriteString(sp.Stdin, opts.Prompt+"\n"); err != nil {
		d.logger.Warn("docker executor: failed writing prompt to stdin")
	}

	sessionID := opts.ExternalSessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	return &SpawnResult{
		Subprocess:        sp,
		SoftCancel:        func() error { return sp.SoftStop() },
		ExternalSessionID: sessionID,
	}, nil
}

// ensureContainer pulls the configured image if absent and starts a fresh
// container bind-mounting the issue's working directory, returning its id.
// The container is not removed here, and neither CancelIssue nor the
// Process Manager's GC removes it: they act only on the `docker exec`
// subprocess, so the container outlives the execution.
func (d *DockerExecutor) ensureContainer(ctx context.Context, opts SpawnOptions) (string, error) {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, d.image); err != nil {
		reader, pullErr := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("pull image %s: %w", d.image, pullErr)
		}
		defer reader.Close()
		if _, copyErr := io.Copy(io.Discard, reader); copyErr != nil {
			return "", fmt.Errorf("read image pull output: %w", copyErr)
		}
	}

	containerCfg := &container.Config{
		Image:      d.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{opts.WorkingDir + ":/workspace"},
	}
	name := fmt.Sprintf("issueforge-%s", opts.ExecutionID)
	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerExecutor) UsesLogNormalizer() bool { return true }

// NormalizeLog treats every non-empty line the containerized CLI writes as
// one assistant message: a container strategy generalizes across whatever
// CLI image it wraps, so it can't assume a structured wire format the way
// the Codex and echo executors do for their own known binaries.
func (d *DockerExecutor) NormalizeLog() LogParser {
	return func(line []byte) ([]*model.LogEntry, error) {
		if len(line) == 0 {
			return nil, nil
		}
		return []*model.LogEntry{{
			EntryType: model.EntryTypeAssistantMessage,
			Content:   string(line),
			Visible:   true,
		}}, nil
	}
}

func (d *DockerExecutor) GetAvailability(ctx context.Context) (AvailabilityResult, error) {
	if _, err := d.cli.Ping(ctx); err != nil {
		return AvailabilityResult{Available: false, Reason: err.Error()}, nil
	}
	return AvailabilityResult{Available: true}, nil
}

func (d *DockerExecutor) GetModels(ctx context.Context) ([]string, error) {
	return []string{d.image}, nil
}

var _ Executor = (*DockerExecutor)(nil)
