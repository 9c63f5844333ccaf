package forkd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Brahma-fi/brahma-connect/internal/logger"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	anvilPort  nat.Port = "8545/tcp"
	ownerLabel          = "fi.brahma.connect.account"
)

type (
	// Runtime runs the fork nodes.
	Runtime interface {
		Start(ctx context.Context, spec NodeSpec) (Node, error)
		Running(ctx context.Context, containerID string) (bool, error)
		Logs(ctx context.Context, containerID string) string
		Remove(ctx context.Context, containerID string) error
	}

	NodeSpec struct {
		Account        string
		Image          string
		UpstreamRPCURL string
		ChainID        uint64
		Host           string
		Port           int
	}

	Node struct {
		ContainerID string
		URL         string
	}
)

// DockerRuntime runs one anvil container per fork.
type DockerRuntime struct {
	cli    *client.Client
	logger *slog.Logger
}

func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{cli: cli, logger: logger.Named("docker_runtime")}, nil
}

func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) Start(ctx context.Context, spec NodeSpec) (Node, error) {
	exists, err := r.imageExists(ctx, spec.Image)
	if err != nil {
		return Node{}, fmt.Errorf("failed to inspect image: %w", err)
	}
	if !exists {
		if err := r.pullImage(ctx, spec.Image); err != nil {
			return Node{}, err
		}
	}

	config := &container.Config{
		Image:      spec.Image,
		Entrypoint: anvilCommand(spec),
		ExposedPorts: nat.PortSet{
			anvilPort: struct{}{},
		},
		Labels: map[string]string{ownerLabel: spec.Account},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			anvilPort: []nat.PortBinding{{HostIP: spec.Host, HostPort: strconv.Itoa(spec.Port)}},
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return Node{}, fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return Node{}, fmt.Errorf("failed to start container: %w", err)
	}

	r.logger.Info("fork node started", "account", spec.Account, "container", resp.ID, "port", spec.Port)
	return Node{ContainerID: resp.ID, URL: fmt.Sprintf("http://%s:%d", spec.Host, spec.Port)}, nil
}

func anvilCommand(spec NodeSpec) []string {
	return []string{
		"anvil",
		"--fork-url", spec.UpstreamRPCURL,
		"--chain-id", strconv.FormatUint(spec.ChainID, 10),
		"--host", "0.0.0.0",
		"--port", anvilPort.Port(),
		"--auto-impersonate",
	}
}

func (r *DockerRuntime) Running(ctx context.Context, containerID string) (bool, error) {
	info, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

// Logs returns the tail of the container output, for error reports.
func (r *DockerRuntime) Logs(ctx context.Context, containerID string) string {
	rc, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "20"})
	if err != nil {
		return ""
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, rc)
	return strings.TrimSpace(stdout.String() + stderr.String())
}

func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

func (r *DockerRuntime) imageExists(ctx context.Context, imageName string) (bool, error) {
	_, err := r.cli.ImageInspect(ctx, imageName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *DockerRuntime) pullImage(ctx context.Context, imageName string) error {
	r.logger.Info("pulling fork image", "image", imageName)

	resp, err := r.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer resp.Close()

	var pullErr error
	scanner := bufio.NewScanner(resp)
	for scanner.Scan() {
		var msg struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err == nil && msg.Error != "" {
			pullErr = fmt.Errorf("pull failed: %s", msg.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading pull output: %w", err)
	}
	return pullErr
}
