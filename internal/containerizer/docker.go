package containerizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/ChuLiYu/outpost/pkg/types"
)

const (
	containerLabel = "io.outpost.container"
	defaultImage   = "alpine:latest"
)

// Docker 以 docker 容器執行 executor
//
// 容器帶有 agent 容器 ID 的 label，重啟後用它找回。
type Docker struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDocker 依環境變數連線本機 docker daemon
func NewDocker(apiVersion string, logger *slog.Logger) (*Docker, error) {
	if apiVersion == "" {
		apiVersion = "1.44"
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion(apiVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{cli: cli, logger: logger.With("component", "docker")}, nil
}

func dockerName(id types.ContainerID) string {
	return "outpost-" + strings.ReplaceAll(id.String(), ".", "-")
}

func dockerResources(r types.Resources) container.Resources {
	return container.Resources{
		NanoCPUs: int64(r.CPUs * 1e9),
		Memory:   int64(r.Mem * 1024 * 1024),
	}
}

func (d *Docker) Recover(ctx context.Context, known []types.ContainerID) ([]types.ContainerID, error) {
	list, err := d.cli.ContainerList(ctx, dockertypes.ContainerListOptions{
		Filters: filters.NewArgs(filters.Arg("label", containerLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	set := knownSet(known)
	var orphans []types.ContainerID
	for _, c := range list {
		value := c.Labels[containerLabel]
		if value == "" || set[value] {
			continue
		}
		orphans = append(orphans, types.ParseContainerID(value))
	}
	return orphans, nil
}

func (d *Docker) Launch(ctx context.Context, id types.ContainerID, command types.CommandInfo, _ IOSpec, env map[string]string) (int, error) {
	image := command.Image
	if image == "" {
		image = defaultImage
	}

	cmd := append([]string{command.Value}, command.Arguments...)
	if command.Shell {
		cmd = []string{"/bin/sh", "-c", command.Value}
	}

	var envList []string
	for k, v := range command.Environment {
		envList = append(envList, k+"="+v)
	}
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  image,
		Cmd:    cmd,
		Env:    envList,
		Labels: map[string]string{containerLabel: id.String()},
	}, &container.HostConfig{}, nil, nil, dockerName(id))
	if err != nil {
		return 0, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, dockertypes.ContainerStartOptions{}); err != nil {
		return 0, fmt.Errorf("failed to start container: %w", err)
	}

	info, err := d.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect container: %w", err)
	}
	pid := 0
	if info.State != nil {
		pid = info.State.Pid
	}
	d.logger.Info("container started", "container", id.String(), "docker_id", resp.ID[:12], "pid", pid)
	return pid, nil
}

func (d *Docker) Update(ctx context.Context, id types.ContainerID, resources types.Resources) error {
	_, err := d.cli.ContainerUpdate(ctx, dockerName(id), container.UpdateConfig{Resources: dockerResources(resources)})
	if err != nil {
		return fmt.Errorf("failed to update container %s: %w", id, err)
	}
	return nil
}

func (d *Docker) Destroy(ctx context.Context, id types.ContainerID) error {
	name := dockerName(id)
	if err := d.cli.ContainerKill(ctx, name, "SIGKILL"); err != nil && !client.IsErrNotFound(err) {
		d.logger.Debug("kill failed, removing anyway", "container", id.String(), "error", err)
	}
	if err := d.cli.ContainerRemove(ctx, name, dockertypes.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

func (d *Docker) Status(ctx context.Context, id types.ContainerID) (ContainerStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, dockerName(id))
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerStatus{}, fmt.Errorf("%w: %s", ErrUnknownContainer, id)
		}
		return ContainerStatus{}, err
	}
	status := ContainerStatus{ContainerID: id}
	if info.State != nil {
		status.ExecutorPID = info.State.Pid
		status.Running = info.State.Running
	}
	return status, nil
}

func (d *Docker) Wait(ctx context.Context, id types.ContainerID) (ExitStatus, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, dockerName(id), container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if client.IsErrNotFound(err) {
			return ExitStatus{Destroyed: true, Message: "container removed"}, nil
		}
		return ExitStatus{}, err
	case resp := <-statusCh:
		status := ExitStatus{Code: int(resp.StatusCode), Message: "exited"}
		if resp.Error != nil {
			status.Message = resp.Error.Message
		}
		return status, nil
	}
}
