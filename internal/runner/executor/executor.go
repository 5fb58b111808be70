// Package executor runs COMMAND tasks as Docker containers (§4.3). It
// builds the bind mounts, resource limits, and NUMA-binder-wrapped entry
// command, then waits for the container to exit and reports the outcome to
// the Host. Grounded on codepr-narwhal's ContainerRunnerPool (ImagePull +
// ContainerCreate + ContainerStart against the real docker/docker/client
// SDK) and node-agent/agent.go's reporting idiom, via hostclient.
package executor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/hostclient"
	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/store"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/naming"
)

// Paths are the Runner-local directories and artifacts every executed
// container is wired to (§4.3: "bind mounts for shared directory, log
// directory, local scratch, and the tunnel-client binary").
type Paths struct {
	SharedDir        string
	LogDir           string
	ScratchDir       string
	TunnelClientPath string // host path to the container-resident tunnel-client binary
}

// Executor runs and supervises COMMAND tasks via the Docker daemon.
type Executor struct {
	logger   *zap.Logger
	docker   *client.Client
	paths    Paths
	store    *store.Store
	reporter *hostclient.Client

	mu       sync.Mutex
	watching map[int64]struct{}
}

// New constructs an Executor. docker is a caller-owned client (shared with
// internal/runner/vps, which also drives the Docker daemon).
func New(logger *zap.Logger, docker *client.Client, paths Paths, st *store.Store, reporter *hostclient.Client) *Executor {
	return &Executor{
		logger:   logger,
		docker:   docker,
		paths:    paths,
		store:    st,
		reporter: reporter,
		watching: make(map[int64]struct{}),
	}
}

// Execute starts t as a detached, auto-removing container and returns once
// it has been created and started; completion is reported asynchronously.
func (e *Executor) Execute(ctx context.Context, t *models.Task) error {
	img := resolveImage(t.Env)
	if img == "" {
		return fmt.Errorf("task %d: no image resolved from environment", t.ID)
	}

	reader, err := e.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	_ = reader.Close()

	name := naming.ContainerName(t.ID)
	entrypoint := e.buildEntrypoint(t)

	cfg := &container.Config{
		Image:      img,
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{entrypoint},
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
		Privileged: t.Privileged,
		Resources:  e.resources(t),
		Mounts:     e.mounts(t),
	}

	resp, err := e.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}

	if err := e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	if err := e.store.PutContainer(store.ContainerRecord{
		TaskID:        t.ID,
		ContainerName: name,
		ContainerID:   resp.ID,
		IsVPS:         false,
	}); err != nil {
		e.logger.Warn("failed to persist container record", zap.Int64("task_id", t.ID), zap.Error(err))
	}

	go e.watch(t.ID, resp.ID)
	return nil
}

// buildEntrypoint wraps the user command with a NUMA-binder prefix and a
// background tunnel-client daemon, per §4.3.
func (e *Executor) buildEntrypoint(t *models.Task) string {
	var prefix string
	if t.NUMANode != nil {
		prefix = fmt.Sprintf("numactl --cpunodebind=%d --membind=%d -- ", *t.NUMANode, *t.NUMANode)
	}
	userCmd := shellJoin(t.Command)
	if e.paths.TunnelClientPath != "" {
		return fmt.Sprintf("%s & %sexec %s", tunnelClientContainerPath, prefix, userCmd)
	}
	return fmt.Sprintf("%sexec %s", prefix, userCmd)
}

const tunnelClientContainerPath = "/opt/kohakuriver/tunnel-client"

func shellJoin(cmd []string) string {
	parts := make([]string, len(cmd))
	for i, c := range cmd {
		parts[i] = "'" + strings.ReplaceAll(c, "'", `'"'"'`) + "'"
	}
	return strings.Join(parts, " ")
}

func (e *Executor) resources(t *models.Task) container.Resources {
	r := container.Resources{}
	if t.Cores > 0 {
		r.NanoCPUs = int64(t.Cores) * 1_000_000_000
	}
	if t.MemoryBytes > 0 {
		r.Memory = t.MemoryBytes
	}
	if len(t.RequiredGPU) > 0 {
		ids := make([]string, len(t.RequiredGPU))
		for i, g := range t.RequiredGPU {
			ids[i] = strconv.Itoa(g)
		}
		r.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    ids,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return r
}

func (e *Executor) mounts(t *models.Task) []mount.Mount {
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: e.paths.SharedDir, Target: "/shared"},
		{Type: mount.TypeBind, Source: e.paths.LogDir, Target: "/var/log/kohakuriver"},
		{Type: mount.TypeBind, Source: e.paths.ScratchDir, Target: "/scratch"},
	}
	if e.paths.TunnelClientPath != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   e.paths.TunnelClientPath,
			Target:   tunnelClientContainerPath,
			ReadOnly: true,
		})
	}
	for _, m := range t.ExtraMounts {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			continue
		}
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: parts[0], Target: parts[1]})
	}
	return mounts
}

func resolveImage(env models.ContainerEnv) string {
	if env.Image != "" {
		return env.Image
	}
	return env.Name
}

// watch blocks until the container exits, then reports the outcome — unless
// Kill already removed the store record, in which case the kill path is the
// one that reports, and this exit-handler stays silent (§4.3).
func (e *Executor) watch(taskID int64, containerID string) {
	e.mu.Lock()
	e.watching[taskID] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.watching, taskID)
		e.mu.Unlock()
	}()

	ctx := context.Background()
	statusCh, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var exitCode int
	var waitErr error
	select {
	case res := <-statusCh:
		exitCode = int(res.StatusCode)
		if res.Error != nil {
			waitErr = fmt.Errorf("%s", res.Error.Message)
		}
	case err := <-errCh:
		waitErr = err
	}

	rec, err := e.store.GetContainer(taskID)
	if err != nil {
		e.logger.Error("failed to read container record", zap.Int64("task_id", taskID), zap.Error(err))
		return
	}
	if rec == nil {
		// Kill already removed the record and reported the transition.
		return
	}
	_ = e.store.DeleteContainer(taskID)

	status := models.StatusCompleted
	msg := ""
	if waitErr != nil {
		status = models.StatusFailed
		msg = waitErr.Error()
	} else if exitCode != 0 {
		status = models.StatusFailed
		msg = fmt.Sprintf("exit code %d", exitCode)
	}
	ec := exitCode
	if err := e.reporter.ReportUpdate(ctx, taskID, status, &ec, msg); err != nil {
		e.logger.Error("failed to report task completion", zap.Int64("task_id", taskID), zap.Error(err))
	}
}

// Kill sends SIGKILL to the container and reports the killed transition
// itself, removing the store record first so watch's exit-handler is a noop.
func (e *Executor) Kill(ctx context.Context, taskID int64, oom bool) error {
	rec, err := e.store.GetContainer(taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("task %d is not tracked by this runner", taskID)
	}
	if err := e.store.DeleteContainer(taskID); err != nil {
		return err
	}

	status := models.StatusKilled
	reason := "killed"
	if oom {
		status = models.StatusKilledOOM
		reason = "oom"
	}
	if err := e.docker.ContainerKill(ctx, rec.ContainerID, "SIGKILL"); err != nil {
		e.logger.Warn("kill signal failed, container may already be gone", zap.Int64("task_id", taskID), zap.Error(err))
	}
	return e.reporter.ReportUpdate(ctx, taskID, status, nil, reason)
}

// Pause freezes the container's cgroup (§4.3).
func (e *Executor) Pause(ctx context.Context, taskID int64) error {
	rec, err := e.store.GetContainer(taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("task %d is not tracked by this runner", taskID)
	}
	return e.docker.ContainerPause(ctx, rec.ContainerID)
}

// Resume unfreezes a paused container (§4.3).
func (e *Executor) Resume(ctx context.Context, taskID int64) error {
	rec, err := e.store.GetContainer(taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("task %d is not tracked by this runner", taskID)
	}
	return e.docker.ContainerUnpause(ctx, rec.ContainerID)
}
