// Package docker provides a Docker-based implementation of sandbox.Provider.
package docker

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	volumeTypes "github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	dockercontext "github.com/docker/go-sdk/context"

	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/sandbox"
)

const (
	labelManaged = "kiln.managed"
	labelSession = "kiln.session.id"

	// labelSecret stores the raw shared secret so GetSecret can recover it
	// after a backend restart.
	labelSecret = "kiln.secret"

	// workspacePath is where the workspace is mounted inside the container.
	workspacePath = "/.workspace"

	// dataVolumePath is where the persistent data volume is mounted.
	dataVolumePath = "/.data"

	dataVolumePrefix = "kiln-data-"
)

// DetectDockerHost resolves the Docker host from the current Docker context.
// Handles Docker Desktop, Colima, Rancher Desktop, Podman, and custom
// contexts. Returns empty string when detection fails.
func DetectDockerHost() string {
	host, err := dockercontext.CurrentDockerHost()
	if err != nil {
		return ""
	}
	if host != "" {
		log.Printf("Detected Docker host from context: %s", host)
	}
	return host
}

// Provider implements sandbox.Provider using Docker.
type Provider struct {
	client *client.Client
	cfg    *config.Config

	// containerIDs maps sessionID -> Docker container ID.
	containerIDs   map[string]string
	containerIDsMu sync.RWMutex
}

// NewProvider creates a Docker sandbox provider and verifies the daemon is
// reachable. The sandbox image is pulled in the background so startup is
// never blocked on the registry.
func NewProvider(cfg *config.Config) (*Provider, error) {
	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.DockerHost != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.DockerHost))
	} else if host := DetectDockerHost(); host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	p := &Provider{
		client:       cli,
		cfg:          cfg,
		containerIDs: make(map[string]string),
	}

	go func() {
		backoff := 5 * time.Second
		for {
			pullCtx, pullCancel := context.WithTimeout(context.Background(), 5*time.Minute)
			err := p.PullImage(pullCtx)
			pullCancel()
			if err == nil {
				log.Printf("Sandbox image %s available", cfg.SandboxImage)
				return
			}
			log.Printf("Warning: failed to pull sandbox image: %v, retrying in %v", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > 5*time.Minute {
				backoff = 5 * time.Minute
			}
		}
	}()

	return p, nil
}

func containerName(sessionID string) string {
	return fmt.Sprintf("kiln-session-%s", sessionID)
}

func volumeName(sessionID string) string {
	return dataVolumePrefix + sessionID
}

// Image returns the configured sandbox image.
func (p *Provider) Image() string {
	return p.cfg.SandboxImage
}

// ImageExists checks whether the sandbox image is available locally.
func (p *Provider) ImageExists(ctx context.Context) (bool, error) {
	_, err := p.client.ImageInspect(ctx, p.cfg.SandboxImage)
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image: %w", err)
}

// PullImage pulls the sandbox image if it is not present locally.
func (p *Provider) PullImage(ctx context.Context) error {
	exists, err := p.ImageExists(ctx)
	if err == nil && exists {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, p.cfg.SandboxImage, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", sandbox.ErrImageNotFound, p.cfg.SandboxImage, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain to completion; progress is discarded.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull: %w", err)
	}
	return nil
}

// Create creates the container and its named data volume for a session.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	p.containerIDsMu.RLock()
	cachedID, existsInCache := p.containerIDs[sessionID]
	p.containerIDsMu.RUnlock()

	name := containerName(sessionID)

	if existing, err := p.client.ContainerInspect(ctx, name); err == nil && existing.ContainerJSONBase != nil {
		if existsInCache && cachedID == existing.ID {
			return nil, sandbox.ErrAlreadyExists
		}
		// Stale container from a previous run. Force-remove and recreate.
		log.Printf("Removing stale container %s (%s) before creating sandbox", existing.ID[:12], name)
		if err := p.client.ContainerRemove(ctx, existing.ID, containerTypes.RemoveOptions{Force: true}); err != nil {
			return nil, fmt.Errorf("failed to remove stale container: %w", err)
		}
		p.clearContainerID(sessionID)
	} else if existsInCache {
		p.clearContainerID(sessionID)
	}

	image := p.cfg.SandboxImage
	if err := p.PullImage(ctx); err != nil {
		return nil, err
	}

	// The data volume persists across container recreation.
	dataVolName := volumeName(sessionID)
	if _, err := p.client.VolumeCreate(ctx, volumeTypes.CreateOptions{
		Name: dataVolName,
		Labels: map[string]string{
			labelSession: sessionID,
			labelManaged: "true",
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to create data volume: %w", err)
	}

	labels := map[string]string{
		labelSession: sessionID,
		labelManaged: "true",
	}
	if opts.SharedSecret != "" {
		labels[labelSecret] = opts.SharedSecret
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	env := []string{fmt.Sprintf("SESSION_ID=%s", sessionID)}
	if opts.SharedSecret != "" {
		env = append(env, fmt.Sprintf("KILN_SECRET=%s", hashSecret(opts.SharedSecret)))
	}
	if opts.WorkspacePath != "" {
		env = append(env, fmt.Sprintf("WORKSPACE_PATH=%s", workspacePath))
	}
	if opts.WorkspaceSource != "" {
		env = append(env, fmt.Sprintf("WORKSPACE_SOURCE=%s", opts.WorkspaceSource))
	}
	if opts.WorkspaceCommit != "" {
		env = append(env, fmt.Sprintf("WORKSPACE_COMMIT=%s", opts.WorkspaceCommit))
	}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &containerTypes.Config{
		Image:        image,
		Env:          env,
		Labels:       labels,
		Hostname:     "kiln",
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	hostConfig := &containerTypes.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: dataVolName,
				Target: dataVolumePath,
			},
		},
	}

	if opts.Resources.MemoryLimit > 0 {
		hostConfig.Memory = opts.Resources.MemoryLimit
	}
	if opts.Resources.CPULimit > 0 {
		hostConfig.NanoCPUs = int64(opts.Resources.CPULimit * 1e9)
	}

	if opts.WorkspacePath != "" {
		sourcePath := opts.WorkspacePath
		if !filepath.IsAbs(sourcePath) {
			absPath, err := filepath.Abs(sourcePath)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
			}
			sourcePath = absPath
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   sourcePath,
			Target:   workspacePath,
			ReadOnly: true, // read-only for the origin; the agent copies into /.data
		})
	}

	// The agent sidecar listens on the fixed container port; Docker assigns
	// a random loopback host port.
	port := nat.Port(fmt.Sprintf("%d/tcp", sandbox.AgentPort))
	containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
	hostConfig.PortBindings = nat.PortMap{
		port: []nat.PortBinding{{
			HostIP:   "127.0.0.1",
			HostPort: "",
		}},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	p.containerIDsMu.Lock()
	p.containerIDs[sessionID] = resp.ID
	p.containerIDsMu.Unlock()

	return &sandbox.Sandbox{
		ID:        resp.ID,
		SessionID: sessionID,
		Status:    sandbox.StatusCreated,
		Image:     image,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{"name": name},
	}, nil
}

// hashSecret returns "salt:hash" with both hex-encoded. The raw secret never
// enters the container environment.
func hashSecret(secret string) string {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		salt = make([]byte, 16)
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(h.Sum(nil))
}

// VerifySecret checks a plaintext secret against a "salt:hash" value.
func VerifySecret(plaintext, hashedSecret string) bool {
	parts := strings.SplitN(hashedSecret, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(plaintext))
	return hex.EncodeToString(h.Sum(nil)) == parts[1]
}

// Start starts a previously created sandbox.
func (p *Provider) Start(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := p.client.ContainerStart(ctx, containerID, containerTypes.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}
	return p.Get(ctx, sessionID)
}

// Stop stops a running sandbox gracefully.
func (p *Provider) Stop(ctx context.Context, sessionID string, grace time.Duration) error {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return err
	}
	graceSeconds := int(grace.Seconds())
	if err := p.client.ContainerStop(ctx, containerID, containerTypes.StopOptions{Timeout: &graceSeconds}); err != nil {
		return fmt.Errorf("failed to stop sandbox: %w", err)
	}
	return nil
}

// Remove removes a sandbox container. The named data volume is preserved
// unless removeVolumes is true, so image-drift recreation keeps state.
func (p *Provider) Remove(ctx context.Context, sessionID string, removeVolumes bool) error {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil && err != sandbox.ErrNotFound {
		return err
	}

	if containerID != "" {
		removeOptions := containerTypes.RemoveOptions{
			Force:         true,
			RemoveVolumes: true, // anonymous volumes only, named volume handled below
		}
		if err := p.client.ContainerRemove(ctx, containerID, removeOptions); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove sandbox container: %w", err)
		}
		p.clearContainerID(sessionID)
	}

	if removeVolumes {
		if err := p.client.VolumeRemove(ctx, volumeName(sessionID), true); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to remove data volume: %w", err)
		}
	}
	return nil
}

// Get returns the current state of a session's sandbox.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	info, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			p.clearContainerID(sessionID)
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect sandbox: %w", err)
	}

	return p.toSandbox(sessionID, info), nil
}

func (p *Provider) toSandbox(sessionID string, info containerTypes.InspectResponse) *sandbox.Sandbox {
	s := &sandbox.Sandbox{
		ID:        info.ID,
		SessionID: sessionID,
		Image:     info.Config.Image,
		Metadata:  map[string]string{"name": info.Name},
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		s.CreatedAt = created
	}

	switch {
	case info.State.Running:
		s.Status = sandbox.StatusRunning
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			s.StartedAt = &started
		}
	case info.State.Paused:
		s.Status = sandbox.StatusStopped
	case info.State.Dead || info.State.OOMKilled:
		s.Status = sandbox.StatusFailed
		s.Error = info.State.Error
	case info.State.ExitCode != 0:
		// 137 (SIGKILL) and 143 (SIGTERM) come from docker stop and mean
		// stopped, not failed.
		if info.State.ExitCode == 137 || info.State.ExitCode == 143 {
			s.Status = sandbox.StatusStopped
			if stopped, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
				s.StoppedAt = &stopped
			}
		} else {
			s.Status = sandbox.StatusFailed
			s.Error = fmt.Sprintf("exited with code %d", info.State.ExitCode)
		}
	default:
		if info.State.FinishedAt != "" && info.State.FinishedAt != "0001-01-01T00:00:00Z" {
			s.Status = sandbox.StatusStopped
			if stopped, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
				s.StoppedAt = &stopped
			}
		} else {
			s.Status = sandbox.StatusCreated
		}
	}

	s.Ports = extractPorts(info.NetworkSettings)
	return s
}

func extractPorts(settings *containerTypes.NetworkSettings) []sandbox.AssignedPort {
	if settings == nil {
		return nil
	}
	var ports []sandbox.AssignedPort
	for containerPort, bindings := range settings.Ports {
		for _, binding := range bindings {
			hostPort, _ := strconv.Atoi(binding.HostPort)
			ports = append(ports, sandbox.AssignedPort{
				ContainerPort: containerPort.Int(),
				HostPort:      hostPort,
				HostIP:        binding.HostIP,
				Protocol:      containerPort.Proto(),
			})
		}
	}
	return ports
}

// List returns all sandboxes carrying the managed label, including stopped
// ones. Discovered containers are cached for later lookups.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Sandbox, error) {
	containers, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"=true"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	result := make([]*sandbox.Sandbox, 0, len(containers))
	for _, c := range containers {
		sessionID := c.Labels[labelSession]
		if sessionID == "" {
			continue
		}
		info, err := p.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}

		p.containerIDsMu.Lock()
		p.containerIDs[sessionID] = info.ID
		p.containerIDsMu.Unlock()

		result = append(result, p.toSandbox(sessionID, info))
	}
	return result, nil
}

// GetSecret returns the raw shared secret stored at creation time.
func (p *Provider) GetSecret(ctx context.Context, sessionID string) (string, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	info, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			p.clearContainerID(sessionID)
			return "", sandbox.ErrNotFound
		}
		return "", fmt.Errorf("failed to inspect sandbox: %w", err)
	}
	secret, ok := info.Config.Labels[labelSecret]
	if !ok || secret == "" {
		return "", fmt.Errorf("shared secret not found for sandbox")
	}
	return secret, nil
}

// HTTPClient returns a client and base URL reaching the agent sidecar through
// the host port binding.
func (p *Provider) HTTPClient(ctx context.Context, sessionID string) (*http.Client, string, error) {
	sb, err := p.Get(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if sb.Status != sandbox.StatusRunning {
		return nil, "", sandbox.ErrNotRunning
	}
	binding := sb.AgentPortBinding()
	if binding == nil || binding.HostPort == 0 {
		return nil, "", fmt.Errorf("no host binding for agent port %d", sandbox.AgentPort)
	}
	host := binding.HostIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &http.Client{}, fmt.Sprintf("http://%s:%d", host, binding.HostPort), nil
}

// Exec runs a non-interactive command in the sandbox.
func (p *Provider) Exec(ctx context.Context, sessionID string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, containerTypes.ExecOptions{
		Cmd:          opts.Cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != nil,
		Env:          env,
		WorkingDir:   opts.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	if opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, opts.Stdin)
			_ = resp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &sandbox.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// Attach opens an interactive PTY session in the sandbox.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	containerID, err := p.getContainerID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = p.detectShell(ctx, containerID)
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          env,
		WorkingDir:   opts.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create terminal: %w", err)
	}

	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("failed to attach terminal: %w", err)
	}

	if opts.Rows > 0 && opts.Cols > 0 {
		_ = p.client.ContainerExecResize(ctx, execCreate.ID, containerTypes.ResizeOptions{
			Height: uint(opts.Rows),
			Width:  uint(opts.Cols),
		})
	}

	return &dockerPTY{
		client:   p.client,
		execID:   execCreate.ID,
		hijacked: resp,
	}, nil
}

// detectShell tries $SHELL, then /bin/bash, then /bin/sh.
func (p *Provider) detectShell(ctx context.Context, containerID string) []string {
	detectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	execCreate, err := p.client.ContainerExecCreate(detectCtx, containerID, containerTypes.ExecOptions{
		Cmd:          []string{"sh", "-c", "echo $SHELL"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err == nil {
		resp, err := p.client.ContainerExecAttach(detectCtx, execCreate.ID, containerTypes.ExecStartOptions{})
		if err == nil {
			var stdout, stderr bytes.Buffer
			_, _ = stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
			resp.Close()
			shell := strings.TrimSpace(stdout.String())
			if shell != "" && shell != "$SHELL" && p.shellExists(detectCtx, containerID, shell) {
				return []string{shell}
			}
		}
	}

	if p.shellExists(detectCtx, containerID, "/bin/bash") {
		return []string{"/bin/bash"}
	}
	return []string{"/bin/sh"}
}

func (p *Provider) shellExists(ctx context.Context, containerID, shell string) bool {
	execCreate, err := p.client.ContainerExecCreate(ctx, containerID, containerTypes.ExecOptions{
		Cmd:          []string{"test", "-x", shell},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return false
	}
	resp, err := p.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{})
	if err != nil {
		return false
	}
	defer resp.Close()
	_, _ = io.Copy(io.Discard, resp.Reader)

	inspect, err := p.client.ContainerExecInspect(ctx, execCreate.ID)
	return err == nil && inspect.ExitCode == 0
}

func (p *Provider) getContainerID(ctx context.Context, sessionID string) (string, error) {
	p.containerIDsMu.RLock()
	containerID, exists := p.containerIDs[sessionID]
	p.containerIDsMu.RUnlock()
	if exists {
		return containerID, nil
	}

	// Look up by name so mappings survive backend restarts.
	info, err := p.client.ContainerInspect(ctx, containerName(sessionID))
	if err != nil {
		return "", sandbox.ErrNotFound
	}

	p.containerIDsMu.Lock()
	p.containerIDs[sessionID] = info.ID
	p.containerIDsMu.Unlock()
	return info.ID, nil
}

func (p *Provider) clearContainerID(sessionID string) {
	p.containerIDsMu.Lock()
	delete(p.containerIDs, sessionID)
	p.containerIDsMu.Unlock()
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// dockerPTY implements sandbox.PTY over a hijacked exec connection.
type dockerPTY struct {
	client    *client.Client
	execID    string
	hijacked  types.HijackedResponse
	closeOnce sync.Once
}

func (p *dockerPTY) Read(b []byte) (int, error) {
	return p.hijacked.Reader.Read(b)
}

func (p *dockerPTY) Write(b []byte) (int, error) {
	return p.hijacked.Conn.Write(b)
}

func (p *dockerPTY) Resize(ctx context.Context, rows, cols int) error {
	return p.client.ContainerExecResize(ctx, p.execID, containerTypes.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (p *dockerPTY) Close() error {
	p.closeOnce.Do(func() {
		p.hijacked.Close()
	})
	return nil
}

func (p *dockerPTY) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			inspect, err := p.client.ContainerExecInspect(ctx, p.execID)
			if err != nil {
				return -1, err
			}
			if !inspect.Running {
				return inspect.ExitCode, nil
			}
		}
	}
}

var _ sandbox.Provider = (*Provider)(nil)
