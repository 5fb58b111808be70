// Package vps runs container-backend VPS tasks (§4.4): detached,
// auto-restarting containers with an SSH bootstrap sequence, dynamic SSH
// port discovery, snapshot/restore, and recovery after a Runner restart.
// Grounded on the same Docker SDK usage as internal/runner/executor
// (other_examples/e8698df6_codepr-narwhal__core-runner.go.go), extended with
// the container.HostConfig fields a long-lived, restart-surviving workload
// needs (RestartPolicy, PortBindings) that a one-shot COMMAND task does not.
package vps

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/executor"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/hostclient"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/store"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/naming"
)

// Config controls the Manager's default policy for a VPS's snapshot
// lifecycle (§4.4 Snapshot and restore).
type Config struct {
	AutoSnapshot    bool
	AutoRestore     bool
	SnapshotRetain  int
	OverlayNetwork  string // docker network name backed by the overlay bridge, "" if overlay disabled
	SSHPortDiscoveryRetries int
	SSHPortDiscoveryDelay   time.Duration
}

// Manager runs and supervises container-backend VPS tasks.
type Manager struct {
	logger   *zap.Logger
	docker   *client.Client
	paths    executor.Paths
	cfg      Config
	store    *store.Store
	reporter *hostclient.Client
}

// New constructs a Manager sharing the Docker client used by the executor.
func New(logger *zap.Logger, docker *client.Client, paths executor.Paths, cfg Config, st *store.Store, reporter *hostclient.Client) *Manager {
	if cfg.SSHPortDiscoveryRetries == 0 {
		cfg.SSHPortDiscoveryRetries = 10
	}
	if cfg.SSHPortDiscoveryDelay == 0 {
		cfg.SSHPortDiscoveryDelay = 500 * time.Millisecond
	}
	return &Manager{logger: logger, docker: docker, paths: paths, cfg: cfg, store: st, reporter: reporter}
}

// Create starts a new container-backend VPS for t.
func (m *Manager) Create(ctx context.Context, t *models.Task) error {
	img := m.resolveSource(ctx, t)

	reader, err := m.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	_ = reader.Close()

	name := naming.ContainerName(t.ID)
	entrypoint := m.bootstrapScript(t)

	cfg := &container.Config{
		Image:        img,
		Entrypoint:   []string{"/bin/sh", "-c"},
		Cmd:          []string{entrypoint},
		ExposedPorts: map[string]struct{}{"22/tcp": {}},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Privileged:    t.Privileged,
		PortBindings:  map[string][]string{"22/tcp": {""}}, // placeholder, overwritten below
		Mounts:        m.mounts(t),
	}
	hostCfg.PortBindings = portMapWithDynamicHost()

	var netCfg *network.NetworkingConfig
	if m.cfg.OverlayNetwork != "" {
		netCfg = &network.NetworkingConfig{EndpointsConfig: map[string]*network.EndpointSettings{
			m.cfg.OverlayNetwork: {},
		}}
	}

	resp, err := m.docker.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return fmt.Errorf("create vps container: %w", err)
	}
	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start vps container: %w", err)
	}

	if err := m.store.PutContainer(store.ContainerRecord{
		TaskID: t.ID, ContainerName: name, ContainerID: resp.ID, IsVPS: true, EnvName: envName(t.Env),
	}); err != nil {
		m.logger.Warn("failed to persist vps record", zap.Int64("task_id", t.ID), zap.Error(err))
	}

	go m.discoverSSHPort(t.ID, resp.ID)
	return nil
}

// resolveSource picks the base image, or the newest snapshot when
// auto-restore is enabled and at least one snapshot exists (§4.4).
func (m *Manager) resolveSource(ctx context.Context, t *models.Task) string {
	base := t.Env.Image
	if base == "" {
		base = t.Env.Name
	}
	if !m.cfg.AutoRestore {
		return base
	}
	snaps, err := m.listSnapshots(ctx, envName(t.Env))
	if err != nil || len(snaps) == 0 {
		return base
	}
	return snaps[len(snaps)-1] // newest last, see listSnapshots ordering
}

// bootstrapScript implements §4.4's SSH bootstrap: install OpenSSH via a
// package manager chosen by inspecting the base image, configure
// authorized_keys or passwordless root, start sshd, with the tunnel-client
// daemon started alongside (not via exec replace, so sshd remains PID 1).
func (m *Manager) bootstrapScript(t *models.Task) string {
	var keySetup string
	switch t.SSHKeyMode {
	case models.SSHKeyUpload:
		keySetup = fmt.Sprintf(
			"mkdir -p /root/.ssh && echo '%s' >> /root/.ssh/authorized_keys && chmod 700 /root/.ssh && chmod 600 /root/.ssh/authorized_keys",
			strings.ReplaceAll(t.SSHPublicKey, "'", `'"'"'`))
	case models.SSHKeyGenerate:
		keySetup = "mkdir -p /root/.ssh && ssh-keygen -A"
	default:
		keySetup = "sed -i 's/^#\\?PermitRootLogin.*/PermitRootLogin yes/' /etc/ssh/sshd_config || true; passwd -d root || true"
	}

	install := "" +
		"if command -v apt-get >/dev/null 2>&1; then apt-get update && apt-get install -y openssh-server; " +
		"elif command -v apk >/dev/null 2>&1; then apk add --no-cache openssh; " +
		"elif command -v yum >/dev/null 2>&1; then yum install -y openssh-server; fi"

	var tunnel string
	if m.paths.TunnelClientPath != "" {
		tunnel = executorTunnelPath + " & "
	}

	return fmt.Sprintf("%s; %s; mkdir -p /run/sshd; %s/usr/sbin/sshd -D", install, keySetup, tunnel)
}

const executorTunnelPath = "/opt/kohakuriver/tunnel-client"

func (m *Manager) mounts(t *models.Task) []mount.Mount {
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: m.paths.SharedDir, Target: "/shared"},
	}
	if m.paths.TunnelClientPath != "" {
		mounts = append(mounts, mount.Mount{
			Type: mount.TypeBind, Source: m.paths.TunnelClientPath, Target: executorTunnelPath, ReadOnly: true,
		})
	}
	for _, em := range t.ExtraMounts {
		parts := strings.SplitN(em, ":", 2)
		if len(parts) == 2 {
			mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: parts[0], Target: parts[1]})
		}
	}
	return mounts
}

func portMapWithDynamicHost() map[string][]string {
	return map[string][]string{"22/tcp": {""}}
}

// discoverSSHPort polls ContainerInspect for the dynamic host port Docker
// assigned to container port 22, with bounded retry (§4.4), then reports it.
func (m *Manager) discoverSSHPort(taskID int64, containerID string) {
	ctx := context.Background()
	for i := 0; i < m.cfg.SSHPortDiscoveryRetries; i++ {
		info, err := m.docker.ContainerInspect(ctx, containerID)
		if err == nil && info.NetworkSettings != nil {
			if bindings, ok := info.NetworkSettings.Ports["22/tcp"]; ok && len(bindings) > 0 {
				port, err := strconv.Atoi(bindings[0].HostPort)
				if err == nil {
					if rec, err := m.store.GetContainer(taskID); err == nil && rec != nil {
						rec.SSHPort = port
						_ = m.store.PutContainer(*rec)
					}
					if err := m.reporter.ReportSSHPort(ctx, taskID, port); err != nil {
						m.logger.Error("failed to report ssh port", zap.Int64("task_id", taskID), zap.Error(err))
					}
					return
				}
			}
		}
		time.Sleep(m.cfg.SSHPortDiscoveryDelay)
	}
	m.logger.Warn("ssh port discovery exhausted retries", zap.Int64("task_id", taskID))
}

// Stop removes the VPS, taking a snapshot first when auto-snapshot is
// enabled (§4.4). taskID alone is enough: the env namespace needed for the
// snapshot reference was captured in the container record at Create time,
// since the lifecycle-command endpoint that calls this carries no task body
// (§6: POST /api/command/{id}/{action}).
func (m *Manager) Stop(ctx context.Context, taskID int64) error {
	rec, err := m.store.GetContainer(taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("task %d is not tracked by this runner", taskID)
	}

	if m.cfg.AutoSnapshot {
		if err := m.Snapshot(ctx, rec.EnvName, rec.ContainerID); err != nil {
			m.logger.Warn("pre-stop snapshot failed", zap.Int64("task_id", taskID), zap.Error(err))
		}
	}

	timeout := 10
	if err := m.docker.ContainerStop(ctx, rec.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		m.logger.Warn("container stop failed, forcing removal", zap.Int64("task_id", taskID), zap.Error(err))
	}
	if err := m.docker.ContainerRemove(ctx, rec.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		m.logger.Warn("container remove failed", zap.Int64("task_id", taskID), zap.Error(err))
	}
	return m.store.DeleteContainer(taskID)
}

// Restart recycles the container's backend process without changing the
// task's running status (§4.1: restart has no real state-machine edge).
func (m *Manager) Restart(ctx context.Context, taskID int64) error {
	rec, err := m.store.GetContainer(taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("task %d is not tracked by this runner", taskID)
	}
	timeout := 10
	return m.docker.ContainerRestart(ctx, rec.ContainerID, container.StopOptions{Timeout: &timeout})
}

// Snapshot commits the container's filesystem to a timestamped image,
// freezing it briefly for consistency (§4.4).
func (m *Manager) Snapshot(ctx context.Context, env, containerID string) error {
	if err := m.docker.ContainerPause(ctx, containerID); err != nil {
		return fmt.Errorf("freeze for snapshot: %w", err)
	}
	defer m.docker.ContainerUnpause(ctx, containerID)

	ref := naming.SnapshotName(env, snapshotTimestamp())
	if _, err := m.docker.ContainerCommit(ctx, containerID, container.CommitOptions{Reference: ref}); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return m.pruneSnapshots(ctx, env)
}

// pruneSnapshots keeps only the newest Config.SnapshotRetain images for env.
func (m *Manager) pruneSnapshots(ctx context.Context, env string) error {
	snaps, err := m.listSnapshots(ctx, env)
	if err != nil {
		return err
	}
	retain := m.cfg.SnapshotRetain
	if retain <= 0 || len(snaps) <= retain {
		return nil
	}
	for _, ref := range snaps[:len(snaps)-retain] {
		if _, err := m.docker.ImageRemove(ctx, ref, image.RemoveOptions{}); err != nil {
			m.logger.Warn("failed to prune old snapshot", zap.String("ref", ref), zap.Error(err))
		}
	}
	return nil
}

// listSnapshots returns snapshot image references for env, oldest first.
func (m *Manager) listSnapshots(ctx context.Context, env string) ([]string, error) {
	images, err := m.docker.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	prefix := fmt.Sprintf("kohakuriver/%s:snapshot-", env)
	var refs []string
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if strings.HasPrefix(tag, prefix) {
				refs = append(refs, tag)
			}
		}
	}
	sortByTimestampSuffix(refs)
	return refs, nil
}

func envName(e models.ContainerEnv) string {
	if e.Name != "" {
		return e.Name
	}
	return strings.NewReplacer("/", "-", ":", "-").Replace(e.Image)
}

func sortByTimestampSuffix(refs []string) {
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && timestampSuffix(refs[j-1]) > timestampSuffix(refs[j]); j-- {
			refs[j-1], refs[j] = refs[j], refs[j-1]
		}
	}
}

func timestampSuffix(ref string) int64 {
	idx := strings.LastIndex(ref, "-")
	if idx < 0 {
		return 0
	}
	ts, _ := strconv.ParseInt(ref[idx+1:], 10, 64)
	return ts
}

var snapshotClock = time.Now

func snapshotTimestamp() int64 { return snapshotClock().Unix() }

// Recover reconciles the Docker daemon's actual container set against the
// local store after a Runner restart (§4.4 Recovery): a container the store
// still tracks but that is no longer running is reported stopped; one that
// is running gets its SSH port rediscovered and reported running; one the
// daemon shows running but the store never tracked (a bootstrap left
// stranded by a mid-start crash) is stopped and removed rather than adopted,
// since no task id can be recovered from it.
func (m *Manager) Recover(ctx context.Context) error {
	tracked, err := m.store.ListContainers()
	if err != nil {
		return fmt.Errorf("list tracked vps containers: %w", err)
	}

	f := filters.NewArgs(filters.Arg("name", naming.ContainerPrefix))
	live, err := m.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return fmt.Errorf("list docker containers: %w", err)
	}
	liveByID := make(map[string]types.Container, len(live))
	for _, c := range live {
		liveByID[c.ID] = c
	}

	for _, rec := range tracked {
		if !rec.IsVPS {
			continue
		}
		c, ok := liveByID[rec.ContainerID]
		if !ok {
			m.logger.Warn("tracked vps container missing from docker, reporting stopped", zap.Int64("task_id", rec.TaskID))
			_ = m.store.DeleteContainer(rec.TaskID)
			_ = m.reporter.ReportUpdate(ctx, rec.TaskID, models.StatusStopped, nil, "container missing after runner restart")
			continue
		}
		if !strings.HasPrefix(c.State, "running") {
			_ = m.store.DeleteContainer(rec.TaskID)
			_ = m.reporter.ReportUpdate(ctx, rec.TaskID, models.StatusStopped, nil, "container not running after runner restart")
			continue
		}
		_ = m.reporter.ReportUpdate(ctx, rec.TaskID, models.StatusRunning, nil, "")
		go m.discoverSSHPort(rec.TaskID, rec.ContainerID)
		delete(liveByID, rec.ContainerID)
	}

	for id, c := range liveByID {
		m.logger.Warn("stopping untracked vps container found on recovery", zap.String("container_id", id), zap.Strings("names", c.Names))
		timeout := 5
		_ = m.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
		_ = m.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	}
	return nil
}
