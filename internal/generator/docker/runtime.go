package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// runtime is the slice of the Docker API the pool and generator use. The
// daemon-backed implementation is dockerRuntime; tests substitute a fake.
type runtime interface {
	create(ctx context.Context) (string, error)
	remove(ctx context.Context, id string) error
	exec(ctx context.Context, id string, cmd []string, stdin []byte) (execResult, error)
	close() error
}

type execResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

type dockerRuntime struct {
	cli    *client.Client
	config Config
}

func newDockerRuntime(ctx context.Context, cfg Config) (*dockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to pull image %s: %w", cfg.Image, err)
	}
	defer reader.Close()
	// Drain to block until the pull is complete.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to pull image %s: %w", cfg.Image, err)
	}

	return &dockerRuntime{cli: cli, config: cfg}, nil
}

// create starts an idle container with no network and a read-only root.
func (r *dockerRuntime) create(ctx context.Context) (string, error) {
	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   r.config.MemoryLimit,
			NanoCPUs: int64(r.config.CPULimit * 1e9),
		},
		ReadonlyRootfs: true,
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: r.config.Image,
		Cmd:   []string{"sleep", "infinity"},
		User:  "nobody",
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("ContainerCreate failed: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.remove(context.WithoutCancel(ctx), resp.ID)
		return "", fmt.Errorf("ContainerStart failed: %w", err)
	}
	return resp.ID, nil
}

func (r *dockerRuntime) remove(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// exec runs cmd in container id, writes stdin and closes it, then collects
// the demultiplexed output and exit code.
func (r *dockerRuntime) exec(ctx context.Context, id string, cmd []string, stdin []byte) (execResult, error) {
	execResp, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return execResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return execResult{}, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write(stdin); err != nil {
		return execResult{}, fmt.Errorf("failed to write snapshot to stdin: %w", err)
	}
	if err := attach.CloseWrite(); err != nil {
		return execResult{}, fmt.Errorf("failed to close stdin: %w", err)
	}

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return execResult{}, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		return execResult{}, ctx.Err()
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return execResult{}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return execResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: inspect.ExitCode}, nil
}

func (r *dockerRuntime) close() error {
	return r.cli.Close()
}
