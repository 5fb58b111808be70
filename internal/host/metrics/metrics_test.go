package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

type fakeStore struct {
	tasks  []*models.Task
	allocs []*models.OverlayAllocation
}

func (f fakeStore) ListTasks(context.Context, models.TaskStatus) ([]*models.Task, error) {
	return f.tasks, nil
}

func (f fakeStore) ListOverlayAllocations(context.Context) ([]*models.OverlayAllocation, error) {
	return f.allocs, nil
}

func TestSampleSetsTaskAndOverlayGauges(t *testing.T) {
	st := fakeStore{
		tasks: []*models.Task{
			{Status: models.StatusRunning},
			{Status: models.StatusRunning},
			{Status: models.StatusCompleted},
		},
		allocs: []*models.OverlayAllocation{{RunnerHostname: "runner-a"}},
	}

	sample(context.Background(), st)

	assert.Equal(t, float64(2), testutil.ToFloat64(TasksByStatus.WithLabelValues(string(models.StatusRunning))))
	assert.Equal(t, float64(1), testutil.ToFloat64(TasksByStatus.WithLabelValues(string(models.StatusCompleted))))
	assert.Equal(t, float64(0), testutil.ToFloat64(TasksByStatus.WithLabelValues(string(models.StatusFailed))))
	assert.Equal(t, float64(1), testutil.ToFloat64(OverlayAllocationsActive))
}
