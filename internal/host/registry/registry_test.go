package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

type fakeStore struct {
	nodes     map[string]*models.Node
	tasks     map[int64]*models.Task
	suspicion map[int64]int
	offline   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:     make(map[string]*models.Node),
		tasks:     make(map[int64]*models.Task),
		suspicion: make(map[int64]int),
		offline:   make(map[string]bool),
	}
}

func (f *fakeStore) UpsertNode(ctx context.Context, n *models.Node) error {
	f.nodes[n.Hostname] = n
	return nil
}

func (f *fakeStore) RecordHeartbeat(ctx context.Context, hostname string, r models.HeartbeatReport) error {
	return nil
}

func (f *fakeStore) MarkOffline(ctx context.Context, hostname string) error {
	f.offline[hostname] = true
	return nil
}

func (f *fakeStore) ListNodes(ctx context.Context) ([]*models.Node, error) {
	var out []*models.Node
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeStore) TasksAssignedTo(ctx context.Context, hostname string) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range f.tasks {
		if t.AssignedHost == hostname {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateTaskStatus(ctx context.Context, id int64, status models.TaskStatus, exitCode *int, errMsg string) error {
	f.tasks[id].Status = status
	return nil
}

func (f *fakeStore) IncrementSuspicion(ctx context.Context, id int64) (int, error) {
	f.suspicion[id]++
	return f.suspicion[id], nil
}

func TestHeartbeat_PromotesAssigningToRunning(t *testing.T) {
	store := newFakeStore()
	store.nodes["node1"] = &models.Node{Hostname: "node1", Status: "online"}
	store.tasks[1] = &models.Task{ID: 1, Status: models.StatusAssigning, AssignedHost: "node1"}

	r := New(store, zap.NewNop(), nil, time.Second, 6, 3)
	require.NoError(t, r.LoadFromStore(context.Background()))

	err := r.Heartbeat(context.Background(), "node1", models.HeartbeatReport{RunningTaskIDs: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, store.tasks[1].Status)
}

func TestHeartbeat_ResumesLostVPSOnly(t *testing.T) {
	store := newFakeStore()
	store.nodes["node1"] = &models.Node{Hostname: "node1", Status: "online"}
	store.tasks[1] = &models.Task{ID: 1, Kind: models.TaskKindVPS, Status: models.StatusLost, AssignedHost: "node1"}

	r := New(store, zap.NewNop(), nil, time.Second, 6, 3)
	require.NoError(t, r.LoadFromStore(context.Background()))

	err := r.Heartbeat(context.Background(), "node1", models.HeartbeatReport{RunningTaskIDs: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, store.tasks[1].Status)
}

func TestHeartbeat_SuspicionThresholdFailsTask(t *testing.T) {
	store := newFakeStore()
	store.nodes["node1"] = &models.Node{Hostname: "node1", Status: "online"}
	store.tasks[1] = &models.Task{ID: 1, Status: models.StatusAssigning, AssignedHost: "node1"}

	r := New(store, zap.NewNop(), nil, time.Second, 6, 3)
	require.NoError(t, r.LoadFromStore(context.Background()))

	for i := 0; i < 4; i++ {
		err := r.Heartbeat(context.Background(), "node1", models.HeartbeatReport{})
		require.NoError(t, err)
	}
	assert.Equal(t, models.StatusFailed, store.tasks[1].Status)
}

func TestHeartbeat_KilledTaskRecordsOOM(t *testing.T) {
	store := newFakeStore()
	store.nodes["node1"] = &models.Node{Hostname: "node1", Status: "online"}
	store.tasks[1] = &models.Task{ID: 1, Status: models.StatusRunning, AssignedHost: "node1"}

	r := New(store, zap.NewNop(), nil, time.Second, 6, 3)
	require.NoError(t, r.LoadFromStore(context.Background()))

	err := r.Heartbeat(context.Background(), "node1", models.HeartbeatReport{
		KilledTasks: []models.KilledTaskEntry{{TaskID: 1, Reason: "oom"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusKilledOOM, store.tasks[1].Status)
}

func TestHeartbeat_IgnoresKillReportForAlreadyTerminalTask(t *testing.T) {
	store := newFakeStore()
	store.nodes["node1"] = &models.Node{Hostname: "node1", Status: "online"}
	store.tasks[1] = &models.Task{ID: 1, Status: models.StatusCompleted, AssignedHost: "node1"}

	r := New(store, zap.NewNop(), nil, time.Second, 6, 3)
	require.NoError(t, r.LoadFromStore(context.Background()))

	err := r.Heartbeat(context.Background(), "node1", models.HeartbeatReport{
		KilledTasks: []models.KilledTaskEntry{{TaskID: 1, Reason: "oom"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, store.tasks[1].Status,
		"a stale kill report for a task the host already shows terminal must not overwrite it")
}

func TestSweepOffline_MarksNodeOfflineAndTasksLost(t *testing.T) {
	store := newFakeStore()
	store.nodes["node1"] = &models.Node{Hostname: "node1", Status: "online", LastHeartbeatAt: time.Now().Add(-time.Hour)}
	store.tasks[1] = &models.Task{ID: 1, Status: models.StatusRunning, AssignedHost: "node1"}

	r := New(store, zap.NewNop(), nil, time.Second, 6, 3)
	require.NoError(t, r.LoadFromStore(context.Background()))

	r.sweepOffline(context.Background())

	assert.True(t, store.offline["node1"])
	assert.Equal(t, models.StatusLost, store.tasks[1].Status)
}

func TestSweepOffline_PublishesNodeAndTaskStatusEvents(t *testing.T) {
	store := newFakeStore()
	store.nodes["node1"] = &models.Node{Hostname: "node1", Status: "online", LastHeartbeatAt: time.Now().Add(-time.Hour)}
	store.tasks[1] = &models.Task{ID: 1, Status: models.StatusRunning, AssignedHost: "node1"}

	bus := events.NewBus(zap.NewNop())
	var mu sync.Mutex
	var types []events.EventType
	done := make(chan struct{}, 2)
	bus.Subscribe(events.EventNodeStatusChanged, func(ctx context.Context, e events.Event) error {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	bus.Subscribe(events.EventTaskStatusChanged, func(ctx context.Context, e events.Event) error {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	r := New(store, zap.NewNop(), bus, time.Second, 6, 3)
	require.NoError(t, r.LoadFromStore(context.Background()))

	r.sweepOffline(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for published events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []events.EventType{events.EventNodeStatusChanged, events.EventTaskStatusChanged}, types)
}

func TestSweepOffline_DoesNotTouchRecentHeartbeat(t *testing.T) {
	store := newFakeStore()
	store.nodes["node1"] = &models.Node{Hostname: "node1", Status: "online", LastHeartbeatAt: time.Now()}

	r := New(store, zap.NewNop(), nil, time.Second, 6, 3)
	require.NoError(t, r.LoadFromStore(context.Background()))

	r.sweepOffline(context.Background())
	assert.False(t, store.offline["node1"])
}
