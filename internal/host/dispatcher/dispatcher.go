// Package dispatcher pushes assigned tasks to Runners over HTTP and retries
// dispatch lazily for tasks still sitting in `pending` after a failed
// attempt (spec §4.1 point 3, §7 propagation policy). Grounded on
// control-plane/internal/orchestrator/reconciler.go's ticker-driven
// reconciliation loop, retargeted from cloud-state drift to dispatch retry.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/internal/host/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// NodeSource resolves a Runner hostname to its reachable URL.
type NodeSource interface {
	GetNode(hostname string) (*models.Node, bool)
}

// TaskStore is the subset of internal/host/store.Store the retry scan needs.
type TaskStore interface {
	ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)
	AssignTask(ctx context.Context, id int64, hostname string) error
}

// HTTPDispatcher implements internal/host/scheduler.Dispatcher by POSTing
// the task to the Runner's /api/execute or /api/vps/create endpoint.
type HTTPDispatcher struct {
	client *http.Client
	nodes  NodeSource
	store  TaskStore
	logger *zap.Logger

	retryInterval time.Duration
}

// New constructs an HTTPDispatcher.
func New(nodes NodeSource, store TaskStore, logger *zap.Logger, retryInterval time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		client:        &http.Client{Timeout: 15 * time.Second},
		nodes:         nodes,
		store:         store,
		logger:        logger,
		retryInterval: retryInterval,
	}
}

// Dispatch satisfies internal/host/scheduler.Dispatcher. It POSTs the task
// to the Runner's execute (COMMAND) or vps/create (VPS) endpoint and treats
// any non-2xx response, timeout, or connection failure as dispatch failure
// — the caller (scheduler.Submit) leaves the task in `pending` on error.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, hostname string, task *models.Task) error {
	node, ok := d.nodes.GetNode(hostname)
	if !ok {
		metrics.DispatchFailuresTotal.WithLabelValues("unknown_runner").Inc()
		return fmt.Errorf("dispatcher: unknown runner %q", hostname)
	}

	path := "/api/execute"
	if task.IsVPS() {
		path = "/api/vps/create"
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.URL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatcher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.DispatchFailuresTotal.WithLabelValues("unreachable").Inc()
		return fmt.Errorf("dispatcher: %s unreachable: %w", hostname, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		metrics.DispatchFailuresTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("dispatcher: %s rejected task %d: status %d", hostname, task.ID, resp.StatusCode)
	}
	return nil
}

// Forward relays a lifecycle command (kill/pause/resume/stop) to the Runner
// hosting taskID, POSTing to its /api/command/{id}/{action} endpoint (§4.1).
func (d *HTTPDispatcher) Forward(ctx context.Context, hostname string, taskID int64, action string) error {
	node, ok := d.nodes.GetNode(hostname)
	if !ok {
		return fmt.Errorf("dispatcher: unknown runner %q", hostname)
	}

	path := fmt.Sprintf("/api/command/%d/%s", taskID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.URL+path, nil)
	if err != nil {
		return fmt.Errorf("dispatcher: build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatcher: %s unreachable: %w", hostname, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("dispatcher: %s rejected %s for task %d: status %d", hostname, action, taskID, resp.StatusCode)
	}
	return nil
}

// RunRetryLoop periodically re-attempts dispatch for every task still
// `pending` (§4.1 point 3: "dispatch is retried lazily by a background
// scan"). Runs until ctx is cancelled.
func (d *HTTPDispatcher) RunRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(d.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.retryPending(ctx)
		}
	}
}

func (d *HTTPDispatcher) retryPending(ctx context.Context) {
	tasks, err := d.store.ListTasks(ctx, models.StatusPending)
	if err != nil {
		d.logger.Error("dispatch retry: list pending tasks", zap.Error(err))
		return
	}

	for _, t := range tasks {
		if t.TargetHost == "" {
			continue
		}
		if err := d.Dispatch(ctx, t.TargetHost, t); err != nil {
			d.logger.Debug("dispatch retry failed, task remains pending",
				zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		if err := d.store.AssignTask(ctx, t.ID, t.TargetHost); err != nil {
			d.logger.Error("dispatch retry: failed to record assignment",
				zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		d.logger.Info("dispatch retry succeeded", zap.Int64("task_id", t.ID), zap.String("host", t.TargetHost))
	}
}
