package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/snowflake"
)

type fakeStore struct {
	tasks     map[int64]*models.Task
	assignedTo map[string][]*models.Task
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[int64]*models.Task), assignedTo: make(map[string][]*models.Task)}
}

func (f *fakeStore) InsertTask(ctx context.Context, t *models.Task) error {
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) AssignTask(ctx context.Context, id int64, hostname string) error {
	f.tasks[id].Status = models.StatusAssigning
	f.tasks[id].AssignedHost = hostname
	return nil
}

func (f *fakeStore) TasksAssignedTo(ctx context.Context, hostname string) ([]*models.Task, error) {
	return f.assignedTo[hostname], nil
}

type fakeNodes struct {
	nodes map[string]*models.Node
}

func (f *fakeNodes) GetNode(hostname string) (*models.Node, bool) {
	n, ok := f.nodes[hostname]
	return n, ok
}

func (f *fakeNodes) OnlineNodes() []*models.Node {
	var out []*models.Node
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out
}

type fakeDispatcher struct {
	fail bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, hostname string, task *models.Task) error {
	if f.fail {
		return assert.AnError
	}
	return nil
}

func newTestScheduler(t *testing.T, store *fakeStore, nodes *fakeNodes, dispatchFail bool) *Scheduler {
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(store, nodes, &fakeDispatcher{fail: dispatchFail}, ids, zap.NewNop())
}

func TestSubmit_OperatorSkipsApprovalAndDispatches(t *testing.T) {
	store := newFakeStore()
	nodes := &fakeNodes{nodes: map[string]*models.Node{
		"node1": {Hostname: "node1", TotalCores: 8, TotalMemory: 16 << 30, Status: "online"},
	}}
	s := newTestScheduler(t, store, nodes, false)

	tasks, err := s.Submit(context.Background(), SubmitRequest{
		Kind:    models.TaskKindCommand,
		Targets: []string{"node1"},
		Cores:   2,
	}, models.RoleOperator, "alice")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.StatusAssigning, tasks[0].Status)
	assert.Equal(t, "node1", tasks[0].AssignedHost)
}

func TestSubmit_UserRequiresApproval(t *testing.T) {
	store := newFakeStore()
	nodes := &fakeNodes{nodes: map[string]*models.Node{
		"node1": {Hostname: "node1", TotalCores: 8, TotalMemory: 16 << 30, Status: "online"},
	}}
	s := newTestScheduler(t, store, nodes, false)

	tasks, err := s.Submit(context.Background(), SubmitRequest{
		Kind:    models.TaskKindCommand,
		Targets: []string{"node1"},
	}, models.RoleUser, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, tasks[0].Status)
}

func TestSubmit_DispatchFailureLeavesTaskPending(t *testing.T) {
	store := newFakeStore()
	nodes := &fakeNodes{nodes: map[string]*models.Node{
		"node1": {Hostname: "node1", TotalCores: 8, TotalMemory: 16 << 30, Status: "online"},
	}}
	s := newTestScheduler(t, store, nodes, true)

	tasks, err := s.Submit(context.Background(), SubmitRequest{
		Kind:    models.TaskKindCommand,
		Targets: []string{"node1"},
	}, models.RoleOperator, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, tasks[0].Status)
	assert.Empty(t, tasks[0].AssignedHost)
}

func TestSubmit_GPUConflictRejected(t *testing.T) {
	store := newFakeStore()
	nodes := &fakeNodes{nodes: map[string]*models.Node{
		"node1": {
			Hostname: "node1", TotalCores: 8, TotalMemory: 16 << 30, Status: "online",
			GPUs: []models.GPUInfo{{Index: 0}},
		},
	}}
	store.assignedTo["node1"] = []*models.Task{
		{ID: 1, Status: models.StatusRunning, RequiredGPU: []int{0}},
	}
	s := newTestScheduler(t, store, nodes, false)

	_, err := s.Submit(context.Background(), SubmitRequest{
		Kind:    models.TaskKindCommand,
		Targets: []string{"node1::0"},
	}, models.RoleOperator, "alice")
	require.Error(t, err)
	schedErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindConflict, schedErr.Kind)
}

func TestSubmit_AutoScheduleTieBreak(t *testing.T) {
	store := newFakeStore()
	nodes := &fakeNodes{nodes: map[string]*models.Node{
		"busy":  {Hostname: "busy", TotalCores: 8, TotalMemory: 16 << 30, Status: "online"},
		"idle":  {Hostname: "idle", TotalCores: 8, TotalMemory: 16 << 30, Status: "online"},
		"idle2": {Hostname: "idle2", TotalCores: 8, TotalMemory: 32 << 30, Status: "online"},
	}}
	store.assignedTo["busy"] = []*models.Task{
		{ID: 1, Status: models.StatusRunning, Cores: 1, MemoryBytes: 1 << 30},
	}
	s := newTestScheduler(t, store, nodes, false)

	tasks, err := s.Submit(context.Background(), SubmitRequest{
		Kind: models.TaskKindCommand,
	}, models.RoleOperator, "alice")
	require.NoError(t, err)
	// idle2 has more free memory than idle (both have 0 running tasks), so it wins.
	assert.Equal(t, "idle2", tasks[0].AssignedHost)
}

func TestSubmit_AutoScheduleNeverSelectsGPU(t *testing.T) {
	store := newFakeStore()
	nodes := &fakeNodes{nodes: map[string]*models.Node{}}
	s := newTestScheduler(t, store, nodes, false)

	_, err := s.Submit(context.Background(), SubmitRequest{
		Kind:    models.TaskKindCommand,
		Targets: []string{"::0"},
	}, models.RoleOperator, "alice")
	assert.Error(t, err)
}
