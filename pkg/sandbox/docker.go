package sandbox

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/wardenhq/warden/pkg/werr"
	"github.com/wardenhq/warden/pkg/wlog"
)

const (
	dockerDefaultImage = "wardenhq/agent-base:latest"
	dockerAgentBinary  = "warden-agent"
	dockerLabelManaged = "warden.managed"
)

// Docker runs sandboxes as local containers. The container starts idle
// and the agent is launched into it with exec; the container ID is the
// handle.
type Docker struct {
	log *wlog.Logger
	cli *client.Client
}

func NewDocker(log *wlog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{log: log.Component("sandbox-docker"), cli: cli}, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Create(ctx context.Context, spec Spec) (*Sandbox, error) {
	image := spec.Image
	if image == "" {
		image = dockerDefaultImage
	}

	labels := map[string]string{dockerLabelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  image,
		Cmd:    []string{"sleep", "infinity"},
		Env:    envToSlice(spec.Env),
		Labels: labels,
	}, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("create container: %w", err))
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Leave no stopped container behind.
		_ = d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("start container: %w", err))
	}

	d.log.Info("container started", "handle", resp.ID[:12], "image", image)
	return &Sandbox{Handle: resp.ID, Backend: d.Name()}, nil
}

func (d *Docker) Connect(ctx context.Context, handle string) (*Sandbox, error) {
	inspect, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrGone
		}
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("inspect container: %w", err))
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil, ErrGone
	}
	return &Sandbox{Handle: handle, Backend: d.Name()}, nil
}

func (d *Docker) Kill(ctx context.Context, handle string) error {
	err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			d.log.Debug("container already gone", "handle", handle)
			return nil
		}
		return werr.New(werr.CodeSandbox, fmt.Errorf("remove container: %w", err))
	}
	return nil
}

func (d *Docker) Launch(ctx context.Context, handle string, spec LaunchSpec) (Process, error) {
	cmd := []string{dockerAgentBinary, "--prompt", spec.Prompt}
	if spec.Model != "" {
		cmd = append(cmd, "--model", spec.Model)
	}
	if len(spec.AllowedTools) > 0 {
		cmd = append(cmd, "--allowed-tools", strings.Join(spec.AllowedTools, ","))
	}
	if spec.TimeoutSec > 0 {
		cmd = append(cmd, "--timeout", fmt.Sprintf("%d", spec.TimeoutSec))
	}

	execResp, err := d.cli.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          cmd,
		Env:          envToSlice(spec.Env),
		WorkingDir:   spec.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrGone
		}
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("exec create: %w", err))
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("exec attach: %w", err))
	}

	// The attach stream multiplexes stdout and stderr; demux both into
	// one ordered pipe for the event pipeline.
	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, attach.Reader)
		attach.Close()
		pw.CloseWithError(copyErr)
	}()

	return &dockerProcess{cli: d.cli, execID: execResp.ID, output: pr}, nil
}

func (d *Docker) ReadFile(ctx context.Context, handle, path string, maxBytes int64) ([]byte, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, handle, path)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("file %s: not found", path)
		}
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("file %s: not found in archive", path)
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		return io.ReadAll(io.LimitReader(tr, maxBytes))
	}
}

type dockerProcess struct {
	cli    *client.Client
	execID string
	output io.Reader
}

func (p *dockerProcess) Output() io.Reader { return p.output }

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	io.Copy(io.Discard, p.output)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			return -1, werr.New(werr.CodeSandbox, fmt.Errorf("exec inspect: %w", err))
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func envToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

var _ Provisioner = (*Docker)(nil)
