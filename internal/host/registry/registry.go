// Package registry implements the Host's Node Registry & Heartbeat Monitor
// (spec §4.2), grounded directly on
// control-plane/internal/scheduler/nodepool.go's sync.Map-backed cache with
// ticker-driven DB refresh and stale-node sweep, generalized from the
// teacher's GPU-node-pool semantics to KohakuRiver's Node entity.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/internal/host/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// Store is the subset of internal/host/store.Store the registry needs.
type Store interface {
	UpsertNode(ctx context.Context, n *models.Node) error
	RecordHeartbeat(ctx context.Context, hostname string, r models.HeartbeatReport) error
	MarkOffline(ctx context.Context, hostname string) error
	ListNodes(ctx context.Context) ([]*models.Node, error)
	TasksAssignedTo(ctx context.Context, hostname string) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status models.TaskStatus, exitCode *int, errMsg string) error
	IncrementSuspicion(ctx context.Context, id int64) (int, error)
}

// Registry is the in-process Node cache plus the heartbeat-timeout sweep.
type Registry struct {
	store                  Store
	logger                 *zap.Logger
	eventBus               *events.Bus
	nodes                  sync.Map // map[string]*models.Node
	heartbeatInterval      time.Duration
	heartbeatTimeoutFactor int
	suspicionThreshold     int
}

// New constructs a Registry; it starts no goroutine (the offline sweep runs
// only once the caller starts RunMonitorLoop). bus may be nil in tests that
// don't care about status-change notifications.
func New(store Store, logger *zap.Logger, bus *events.Bus, heartbeatInterval time.Duration, timeoutFactor, suspicionThreshold int) *Registry {
	r := &Registry{
		store:                  store,
		logger:                 logger,
		eventBus:               bus,
		heartbeatInterval:      heartbeatInterval,
		heartbeatTimeoutFactor: timeoutFactor,
		suspicionThreshold:     suspicionThreshold,
	}
	return r
}

// publishTaskStatus fans out a task status transition to subscribers (e.g.
// the gateway's /ws/events stream) without blocking the caller on delivery.
func (r *Registry) publishTaskStatus(taskID int64, status models.TaskStatus, reason string) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(context.Background(), events.Event{
		ID:   fmt.Sprintf("task-%d-%s", taskID, status),
		Type: events.EventTaskStatusChanged,
		Payload: map[string]interface{}{
			"task_id": taskID,
			"status":  string(status),
			"reason":  reason,
		},
	})
}

// updateTaskStatus validates the transition via scheduler.ValidateTransition
// before writing it, so a stale or duplicate Runner report can't silently
// clobber a status the Host already considers terminal (§3 invariant 2).
// Every registry-driven status write (kill/OOM report, running promotion,
// lost->running VPS resume, suspicion-timeout failure, offline sweep) goes
// through here rather than calling store.UpdateTaskStatus directly, for the
// same reason the gateway's kill/command-action handlers validate first.
func (r *Registry) updateTaskStatus(ctx context.Context, t *models.Task, to models.TaskStatus, reason string) {
	if err := scheduler.ValidateTransition(t.Kind, t.Status, to); err != nil {
		r.logger.Warn("ignoring illegal task transition reported by runner",
			zap.Int64("task_id", t.ID),
			zap.String("from", string(t.Status)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return
	}
	if err := r.store.UpdateTaskStatus(ctx, t.ID, to, nil, reason); err != nil {
		r.logger.Error("failed to update task status",
			zap.Int64("task_id", t.ID), zap.String("to", string(to)), zap.Error(err))
		return
	}
	r.publishTaskStatus(t.ID, to, reason)
}

// publishNodeStatus fans out a Node status transition (§4.2).
func (r *Registry) publishNodeStatus(hostname, status string) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(context.Background(), events.Event{
		ID:   fmt.Sprintf("node-%s-%s", hostname, status),
		Type: events.EventNodeStatusChanged,
		Payload: map[string]interface{}{
			"hostname": hostname,
			"status":   status,
		},
	})
}

// LoadFromStore populates the in-memory cache from the durable store; call
// once at startup before serving traffic.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		r.nodes.Store(n.Hostname, n)
	}
	return nil
}

// Register upserts a Node on Runner startup (§4.2).
func (r *Registry) Register(ctx context.Context, req models.RegisterRequest) (*models.Node, error) {
	n := &models.Node{
		Hostname:      req.Hostname,
		URL:           req.URL,
		TotalCores:    req.TotalCores,
		TotalMemory:   req.TotalMemory,
		Status:        "online",
		NUMATopology:  req.NUMATopology,
		GPUs:          req.GPUs,
		VMCapable:     req.VMCapable,
		VFIOCapable:   req.VFIOCapable,
		RunnerVersion: req.RunnerVersion,
	}

	if err := r.store.UpsertNode(ctx, n); err != nil {
		return nil, err
	}
	n.LastHeartbeatAt = time.Now()
	r.nodes.Store(n.Hostname, n)
	metrics.NodesOnline.Set(float64(len(r.OnlineNodes())))

	r.logger.Info("registered node",
		zap.String("hostname", n.Hostname),
		zap.String("url", n.URL),
	)

	if r.eventBus != nil {
		r.eventBus.Publish(context.Background(), events.Event{
			ID:   fmt.Sprintf("node-registered-%s", n.Hostname),
			Type: events.EventNodeRegistered,
			Payload: map[string]interface{}{
				"hostname": n.Hostname,
				"url":      n.URL,
			},
		})
	}
	r.publishNodeStatus(n.Hostname, "online")
	return n, nil
}

// Heartbeat processes a Runner's periodic report (§4.2): records liveness
// and metrics, resolves `lost -> running` for VPS tasks the report lists,
// and ages suspicion for `assigning` tasks the report omits.
func (r *Registry) Heartbeat(ctx context.Context, hostname string, report models.HeartbeatReport) error {
	if err := r.store.RecordHeartbeat(ctx, hostname, report); err != nil {
		return err
	}

	if v, ok := r.nodes.Load(hostname); ok {
		n := v.(*models.Node)
		n.Status = "online"
		n.LastHeartbeatAt = time.Now()
		n.CPUPercent = report.CPUPercent
		n.MemPercent = report.MemPercent
		n.TempCelsius = report.TempCelsius
		n.GPUs = report.GPUs
		n.VMCapable = report.VMCapable
		n.RunnerVersion = report.RunnerVersion
		r.nodes.Store(hostname, n)
	}

	running := make(map[int64]bool, len(report.RunningTaskIDs))
	for _, id := range report.RunningTaskIDs {
		running[id] = true
	}
	killed := make(map[int64]string, len(report.KilledTasks))
	for _, k := range report.KilledTasks {
		killed[k.TaskID] = k.Reason
	}

	tasks, err := r.store.TasksAssignedTo(ctx, hostname)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		switch {
		case killed[t.ID] != "":
			status := models.StatusKilled
			if killed[t.ID] == "oom" {
				status = models.StatusKilledOOM
			}
			r.updateTaskStatus(ctx, t, status, "killed: "+killed[t.ID])

		case running[t.ID]:
			if t.Status == models.StatusAssigning {
				r.updateTaskStatus(ctx, t, models.StatusRunning, "")
			} else if t.Status == models.StatusLost && t.IsVPS() {
				// §3 invariant 6 / §8 scenario 3: VPS-only lost->running resume.
				r.updateTaskStatus(ctx, t, models.StatusRunning, "resumed after runner heartbeat")
			}
			// Runner reports a task as running that the Host shows as
			// terminal: ignored (DESIGN.md Open Question 1) — and would be
			// rejected by updateTaskStatus's validation anyway.

		case t.Status == models.StatusAssigning:
			count, err := r.store.IncrementSuspicion(ctx, t.ID)
			if err != nil {
				r.logger.Error("failed to increment suspicion", zap.Int64("task_id", t.ID), zap.Error(err))
				continue
			}
			if count > r.suspicionThreshold {
				r.updateTaskStatus(ctx, t, models.StatusFailed, "assignment lost")
			}
		}
	}

	return nil
}

// GetNode returns the cached Node, satisfying scheduler.NodeSource.
func (r *Registry) GetNode(hostname string) (*models.Node, bool) {
	v, ok := r.nodes.Load(hostname)
	if !ok {
		return nil, false
	}
	return v.(*models.Node), true
}

// OnlineNodes returns every Node currently marked online, satisfying
// scheduler.NodeSource.
func (r *Registry) OnlineNodes() []*models.Node {
	var out []*models.Node
	r.nodes.Range(func(_, value interface{}) bool {
		n := value.(*models.Node)
		if n.Status == "online" {
			out = append(out, n)
		}
		return true
	})
	return out
}

// AllNodes returns every cached Node regardless of status.
func (r *Registry) AllNodes() []*models.Node {
	var out []*models.Node
	r.nodes.Range(func(_, value interface{}) bool {
		out = append(out, value.(*models.Node))
		return true
	})
	return out
}

// RunMonitorLoop runs the offline-detection sweep until ctx is cancelled,
// ticking at heartbeatInterval (grounded on nodepool.go's refreshLoop).
func (r *Registry) RunMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOffline(ctx)
		}
	}
}

// sweepOffline implements §8 invariant 2: a Node is offline iff
// now - last_heartbeat > interval * timeout_factor. Every non-terminal
// task assigned to a Node that just went offline transitions to `lost`.
func (r *Registry) sweepOffline(ctx context.Context) {
	threshold := r.heartbeatInterval * time.Duration(r.heartbeatTimeoutFactor)
	now := time.Now()

	r.nodes.Range(func(_, value interface{}) bool {
		n := value.(*models.Node)
		if n.Status != "online" {
			return true
		}
		if now.Sub(n.LastHeartbeatAt) <= threshold {
			return true
		}

		if err := r.store.MarkOffline(ctx, n.Hostname); err != nil {
			r.logger.Error("failed to mark node offline", zap.String("hostname", n.Hostname), zap.Error(err))
			return true
		}
		n.Status = "offline"
		r.nodes.Store(n.Hostname, n)
		r.logger.Warn("node went offline", zap.String("hostname", n.Hostname))
		r.publishNodeStatus(n.Hostname, "offline")

		tasks, err := r.store.TasksAssignedTo(ctx, n.Hostname)
		if err != nil {
			r.logger.Error("failed to list tasks for offline node", zap.String("hostname", n.Hostname), zap.Error(err))
			return true
		}
		for _, t := range tasks {
			if t.Status.Terminal() {
				continue
			}
			r.updateTaskStatus(ctx, t, models.StatusLost, "runner offline")
		}
		return true
	})
	metrics.NodesOnline.Set(float64(len(r.OnlineNodes())))
}

// NodeCounts returns the count of nodes by status (Supplemented Feature
// D.2 — cluster-health aggregation), grounded on nodepool.go's GetNodeCount.
func (r *Registry) NodeCounts() map[string]int {
	counts := make(map[string]int)
	r.nodes.Range(func(_, value interface{}) bool {
		n := value.(*models.Node)
		counts[n.Status]++
		return true
	})
	return counts
}
