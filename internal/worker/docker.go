package worker

import (
	"context"
	"fmt"
	"io"
	"os/user"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerInvoker runs the agent CLI inside a short-lived container instead
// of a host subprocess, for any AgentSpec with sandbox: docker (spec.md §9
// Open Question #2). Adapted from the teacher's internal/tools/docker.go
// shell sandbox.
type DockerInvoker struct {
	cli *client.Client
}

// NewDockerInvoker connects to the local Docker daemon using the standard
// environment-derived configuration.
func NewDockerInvoker() (*DockerInvoker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerInvoker{cli: cli}, nil
}

func (d *DockerInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	args, program, err := buildArgs(req)
	if err != nil {
		return Result{}, err
	}

	image := req.Agent.SandboxImage
	if image == "" {
		return Result{}, fmt.Errorf("agent %s: sandbox docker requires sandbox_image", req.Agent.ID)
	}

	uid := currentUID()

	cmdLine := append([]string{program}, args...)
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        cmdLine,
		Env:        buildEnv(req),
		WorkingDir: "/workspace",
		User:       uid,
	}, &container.HostConfig{
		NetworkMode: "none",
		AutoRemove:  true,
		Binds:       []string{req.WorkDir + ":/workspace"},
	}, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start sandbox container: %w", err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("wait sandbox container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	out, err := d.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{}, fmt.Errorf("read sandbox logs: %w", err)
	}
	defer out.Close()

	var stdout, stderr strings.Builder
	stdoutWriter := &cappedStringWriter{sb: &stdout, limit: maxResponseBytes}
	if _, err := stdcopy.StdCopy(stdoutWriter, &stderr, out); err != nil && err != io.EOF {
		return Result{}, fmt.Errorf("demux sandbox logs: %w", err)
	}

	if exitCode != 0 {
		return Result{}, &FailedError{ExitCode: int(exitCode), Stderr: stderr.String()}
	}

	text, err := parseOutput(req.Agent.Provider, stdout.String())
	if err != nil {
		return Result{}, err
	}
	return Result{Text: text, Truncated: stdout.Len() >= maxResponseBytes}, nil
}

// currentUID derives the sandbox container's UID from the invoking OS
// user at invocation time, never hard-coded (spec.md §9 Open Question #2).
func currentUID() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	if _, err := strconv.Atoi(u.Uid); err != nil {
		return ""
	}
	return u.Uid + ":" + u.Gid
}

type cappedStringWriter struct {
	sb    *strings.Builder
	limit int
}

func (w *cappedStringWriter) Write(p []byte) (int, error) {
	original := len(p)
	remaining := w.limit - w.sb.Len()
	if remaining <= 0 {
		return original, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	_, err := w.sb.Write(p)
	return original, err
}

var _ Invoker = (*DockerInvoker)(nil)
