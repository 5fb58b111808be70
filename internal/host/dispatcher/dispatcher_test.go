package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

type fakeNodes struct {
	nodes map[string]*models.Node
}

func (f *fakeNodes) GetNode(hostname string) (*models.Node, bool) {
	n, ok := f.nodes[hostname]
	return n, ok
}

type fakeTaskStore struct {
	byStatus map[models.TaskStatus][]*models.Task
	assigned map[int64]string
}

func (f *fakeTaskStore) ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	return f.byStatus[status], nil
}

func (f *fakeTaskStore) AssignTask(ctx context.Context, id int64, hostname string) error {
	if f.assigned == nil {
		f.assigned = map[int64]string{}
	}
	f.assigned[id] = hostname
	return nil
}

func TestDispatch_CommandTaskHitsExecute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	nodes := &fakeNodes{nodes: map[string]*models.Node{"node1": {Hostname: "node1", URL: srv.URL}}}
	d := New(nodes, &fakeTaskStore{}, zap.NewNop(), time.Second)

	task := &models.Task{ID: 1, Kind: models.TaskKindCommand}
	err := d.Dispatch(context.Background(), "node1", task)
	require.NoError(t, err)
	assert.Equal(t, "/api/execute", gotPath)
}

func TestDispatch_VPSTaskHitsVPSCreate(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	nodes := &fakeNodes{nodes: map[string]*models.Node{"node1": {Hostname: "node1", URL: srv.URL}}}
	d := New(nodes, &fakeTaskStore{}, zap.NewNop(), time.Second)

	task := &models.Task{ID: 2, Kind: models.TaskKindVPS}
	err := d.Dispatch(context.Background(), "node1", task)
	require.NoError(t, err)
	assert.Equal(t, "/api/vps/create", gotPath)
}

func TestDispatch_UnknownRunnerReturnsError(t *testing.T) {
	nodes := &fakeNodes{nodes: map[string]*models.Node{}}
	d := New(nodes, &fakeTaskStore{}, zap.NewNop(), time.Second)

	err := d.Dispatch(context.Background(), "ghost", &models.Task{ID: 3})
	assert.Error(t, err)
}

func TestDispatch_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	nodes := &fakeNodes{nodes: map[string]*models.Node{"node1": {Hostname: "node1", URL: srv.URL}}}
	d := New(nodes, &fakeTaskStore{}, zap.NewNop(), time.Second)

	err := d.Dispatch(context.Background(), "node1", &models.Task{ID: 4})
	assert.Error(t, err)
}

func TestRunRetryLoop_SucceedsAndAssigns(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	nodes := &fakeNodes{nodes: map[string]*models.Node{"node1": {Hostname: "node1", URL: srv.URL}}}
	pendingTask := &models.Task{ID: 5, Kind: models.TaskKindCommand, TargetHost: "node1", Status: models.StatusPending}
	store := &fakeTaskStore{byStatus: map[models.TaskStatus][]*models.Task{models.StatusPending: {pendingTask}}}

	d := New(nodes, store, zap.NewNop(), 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d.RunRetryLoop(ctx)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
	assert.Equal(t, "node1", store.assigned[5])
}

func TestForward_PostsToCommandEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	nodes := &fakeNodes{nodes: map[string]*models.Node{"node1": {Hostname: "node1", URL: srv.URL}}}
	d := New(nodes, &fakeTaskStore{}, zap.NewNop(), time.Second)

	err := d.Forward(context.Background(), "node1", 6, "pause")
	require.NoError(t, err)
	assert.Equal(t, "/api/command/6/pause", gotPath)
}
