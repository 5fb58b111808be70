package scheduler

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/snowflake"
)

// NodeSource is the subset of internal/host/registry.Registry the
// scheduler needs. Declared here (rather than importing registry
// directly) to avoid a package cycle, following the teacher's
// small-interface-at-the-consumer idiom.
type NodeSource interface {
	GetNode(hostname string) (*models.Node, bool)
	OnlineNodes() []*models.Node
}

// TaskStore is the subset of internal/host/store.Store the scheduler needs.
type TaskStore interface {
	InsertTask(ctx context.Context, t *models.Task) error
	AssignTask(ctx context.Context, id int64, hostname string) error
	TasksAssignedTo(ctx context.Context, hostname string) ([]*models.Task, error)
}

// Dispatcher pushes an assigned task to its Runner over HTTP. Implemented
// by internal/host/dispatcher.HTTPDispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, hostname string, task *models.Task) error
}

// Scheduler implements the submission contract and scheduling algorithm of
// §4.1, grounded on control-plane/internal/scheduler/scheduler.go's
// Scheduler/Strategy split (the strategy interface itself is folded into
// SelectAuto here since §4.1's tie-break rule is fixed, not pluggable —
// the spec's Non-goals explicitly exclude "pluggable schedulers").
type Scheduler struct {
	store      TaskStore
	nodes      NodeSource
	dispatcher Dispatcher
	ids        *snowflake.Node
	logger     *zap.Logger
}

// New constructs a Scheduler.
func New(store TaskStore, nodes NodeSource, dispatcher Dispatcher, ids *snowflake.Node, logger *zap.Logger) *Scheduler {
	return &Scheduler{store: store, nodes: nodes, dispatcher: dispatcher, ids: ids, logger: logger}
}

// SubmitRequest is the input contract for task submission (§4.1).
type SubmitRequest struct {
	Kind         models.TaskKind
	Targets      []string // one task per target; a single empty-string entry means auto-schedule
	Cores        int
	MemoryBytes  int64
	Env          models.ContainerEnv
	ExtraMounts  []string
	Privileged   bool
	Command      []string
	Backend      models.VPSBackend
	SSHKeyMode   models.SSHKeyMode
	SSHPublicKey string
	VMImage      string
	VMDiskSizeGB int
}

// Submit validates and creates one task per target, sharing a batch id, and
// attempts immediate dispatch for each. A dispatch failure leaves the task
// `pending` (not `assigning`) per §4.1 point 3; it is retried by
// internal/host/dispatcher's background scan.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest, submitterRole models.Role, owner string) ([]*models.Task, error) {
	if !submitterRole.AtLeast(models.RoleUser) {
		return nil, Unauthorized("submit a task")
	}

	targets := req.Targets
	if len(targets) == 0 {
		targets = []string{""}
	}

	batchID := s.ids.Generate()
	var out []*models.Task

	for _, spec := range targets {
		t, err := s.submitOne(ctx, req, spec, submitterRole, owner, batchID)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Scheduler) submitOne(ctx context.Context, req SubmitRequest, spec string, submitterRole models.Role, owner string, batchID int64) (*models.Task, error) {
	target, err := ParseTarget(spec)
	if err != nil {
		return nil, err
	}

	var node *models.Node
	if target.Hostname != "" {
		n, ok := s.nodes.GetNode(target.Hostname)
		if !ok {
			return nil, BadTarget(spec)
		}
		node = n
	} else {
		if target.HasGPURequest() {
			return nil, BadTarget("auto-scheduling never selects a GPU task")
		}
		node, err = s.selectAuto(ctx, req.Cores, req.MemoryBytes)
		if err != nil {
			return nil, err
		}
	}

	if target.NUMANode != nil {
		if _, ok := node.NUMATopology[*target.NUMANode]; !ok {
			return nil, BadTarget(fmt.Sprintf("numa node %d does not exist on %s", *target.NUMANode, node.Hostname))
		}
	}

	if len(target.GPUs) > 0 {
		if err := s.validateGPUs(ctx, node, target.GPUs); err != nil {
			return nil, err
		}
	}

	task := &models.Task{
		ID:           s.ids.Generate(),
		BatchID:      batchID,
		Kind:         req.Kind,
		Owner:        owner,
		Cores:        req.Cores,
		MemoryBytes:  req.MemoryBytes,
		RequiredGPU:  target.GPUs,
		NUMANode:     target.NUMANode,
		TargetHost:   node.Hostname,
		Env:          req.Env,
		ExtraMounts:  req.ExtraMounts,
		Privileged:   req.Privileged,
		Command:      req.Command,
		Backend:      req.Backend,
		SSHKeyMode:   req.SSHKeyMode,
		SSHPublicKey: req.SSHPublicKey,
		VMImage:      req.VMImage,
		VMDiskSizeGB: req.VMDiskSizeGB,
		Status:       InitialStatus(submitterRole),
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("scheduler: submit: %w", err)
	}

	if task.Status == models.StatusPending {
		s.tryDispatch(ctx, task)
	}

	return task, nil
}

// tryDispatch attempts to push task to its target Runner. Failure is
// logged and swallowed: the task remains `pending` for the background
// retry scan (§4.1 point 3, §7 propagation policy).
func (s *Scheduler) tryDispatch(ctx context.Context, task *models.Task) {
	if err := s.dispatcher.Dispatch(ctx, task.TargetHost, task); err != nil {
		s.logger.Warn("dispatch failed, task remains pending",
			zap.Int64("task_id", task.ID),
			zap.String("host", task.TargetHost),
			zap.Error(err),
		)
		return
	}
	if err := s.store.AssignTask(ctx, task.ID, task.TargetHost); err != nil {
		s.logger.Error("failed to record assignment after successful dispatch",
			zap.Int64("task_id", task.ID), zap.Error(err))
		return
	}
	task.Status = models.StatusAssigning
	task.AssignedHost = task.TargetHost
}

// selectAuto picks any online Node with enough free cores and memory,
// breaking ties by fewer currently-running tasks, then larger free memory,
// then lexicographic hostname (§4.1 Tie-breaking).
func (s *Scheduler) selectAuto(ctx context.Context, cores int, memBytes int64) (*models.Node, error) {
	candidates := s.nodes.OnlineNodes()
	if len(candidates) == 0 {
		return nil, NodeUnavailable("no online nodes")
	}

	type scored struct {
		node        *models.Node
		running     int
		freeMemory  int64
	}

	var fit []scored
	for _, n := range candidates {
		tasks, err := s.store.TasksAssignedTo(ctx, n.Hostname)
		if err != nil {
			return nil, fmt.Errorf("scheduler: select auto: %w", err)
		}

		running := 0
		var usedCores int
		var usedMemory int64
		for _, t := range tasks {
			if t.Status == models.StatusRunning || t.Status == models.StatusAssigning {
				running++
				usedCores += t.Cores
				usedMemory += t.MemoryBytes
			}
		}

		freeCores := n.TotalCores - usedCores
		freeMem := n.TotalMemory - usedMemory
		if cores > 0 && freeCores < cores {
			continue
		}
		if memBytes > 0 && freeMem < memBytes {
			continue
		}
		fit = append(fit, scored{node: n, running: running, freeMemory: freeMem})
	}

	if len(fit) == 0 {
		return nil, NodeUnavailable("no node with sufficient free cores/memory")
	}

	sort.Slice(fit, func(i, j int) bool {
		if fit[i].running != fit[j].running {
			return fit[i].running < fit[j].running
		}
		if fit[i].freeMemory != fit[j].freeMemory {
			return fit[i].freeMemory > fit[j].freeMemory
		}
		return fit[i].node.Hostname < fit[j].node.Hostname
	})

	return fit[0].node, nil
}

// validateGPUs checks that every requested GPU index exists on node and is
// not already held by another non-terminal task (§4.1 point 2, §8 invariant 3).
func (s *Scheduler) validateGPUs(ctx context.Context, node *models.Node, gpus []int) error {
	existing := make(map[int]bool, len(node.GPUs))
	for _, g := range node.GPUs {
		existing[g.Index] = true
	}
	for _, g := range gpus {
		if !existing[g] {
			return BadTarget(fmt.Sprintf("gpu %d does not exist on %s", g, node.Hostname))
		}
	}

	tasks, err := s.store.TasksAssignedTo(ctx, node.Hostname)
	if err != nil {
		return fmt.Errorf("scheduler: validate gpus: %w", err)
	}

	held := make(map[int]bool)
	for _, t := range tasks {
		for _, g := range t.RequiredGPU {
			held[g] = true
		}
	}
	for _, g := range gpus {
		if held[g] {
			return ResourceConflict(g)
		}
	}
	return nil
}
