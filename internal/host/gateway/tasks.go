package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/KohakuBlueleaf/kohakuriver/internal/host/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

type submitRequest struct {
	Kind         models.TaskKind     `json:"kind"`
	Targets      []string            `json:"targets"`
	Cores        int                 `json:"cores"`
	MemoryBytes  int64               `json:"memory_bytes"`
	Env          models.ContainerEnv `json:"env"`
	ExtraMounts  []string            `json:"extra_mounts"`
	Privileged   bool                `json:"privileged"`
	Command      []string            `json:"command"`
	Backend      models.VPSBackend   `json:"backend"`
	SSHKeyMode   models.SSHKeyMode   `json:"ssh_key_mode"`
	SSHPublicKey string              `json:"ssh_public_key"`
	VMImage      string              `json:"vm_image"`
	VMDiskSizeGB int                 `json:"vm_disk_size_gb"`
}

// handleSubmit implements POST /api/submit (§4.1 submission contract).
func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p, ok := g.requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	owner := strconv.FormatInt(p.UserID, 10)
	tasks, err := g.scheduler.Submit(r.Context(), scheduler.SubmitRequest{
		Kind:         req.Kind,
		Targets:      req.Targets,
		Cores:        req.Cores,
		MemoryBytes:  req.MemoryBytes,
		Env:          req.Env,
		ExtraMounts:  req.ExtraMounts,
		Privileged:   req.Privileged,
		Command:      req.Command,
		Backend:      req.Backend,
		SSHKeyMode:   req.SSHKeyMode,
		SSHPublicKey: req.SSHPublicKey,
		VMImage:      req.VMImage,
		VMDiskSizeGB: req.VMDiskSizeGB,
	}, p.Role, owner)
	if err != nil {
		status, msg := schedulerErrorStatus(err)
		g.writeError(w, status, msg)
		return
	}

	g.writeJSON(w, http.StatusCreated, map[string]interface{}{"tasks": tasks})
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if !p.Role.AtLeast(models.RoleViewer) {
		g.writeError(w, http.StatusForbidden, "insufficient role")
		return
	}

	status := models.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := g.store.ListTasks(r.Context(), status)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var visible []*models.Task
	for _, t := range tasks {
		if !t.IsVPS() || p.Role.AtLeast(models.RoleOperator) || g.authSvc.CanAccessVPS(r.Context(), p, t.ID, t.Owner, ownerID(t)) {
			visible = append(visible, t)
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": visible})
}

func (g *Gateway) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed task id")
		return
	}

	task, err := g.store.GetTask(r.Context(), id)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	p := principalFrom(r)
	if task.IsVPS() && !g.authSvc.CanAccessVPS(r.Context(), p, task.ID, task.Owner, ownerID(task)) {
		g.writeError(w, http.StatusForbidden, "not authorized to view this vps")
		return
	}
	g.writeJSON(w, http.StatusOK, task)
}

func (g *Gateway) handleKill(w http.ResponseWriter, r *http.Request) {
	g.handleCommandAction(w, withAction(r, "kill"))
}

// handleCommandAction implements POST /api/command/{id}/{action} for
// kill|pause|resume|restart, validating each against the state machine
// (§4.1) before forwarding to the owning Runner.
func (g *Gateway) handleCommandAction(w http.ResponseWriter, r *http.Request) {
	p, ok := g.requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}

	id, err := parseID(r, "id")
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed task id")
		return
	}
	action := chi.URLParam(r, "action")

	task, err := g.store.GetTask(r.Context(), id)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !p.Role.AtLeast(models.RoleOperator) && strconv.FormatInt(p.UserID, 10) != task.Owner {
		g.writeError(w, http.StatusForbidden, "not authorized to control this task")
		return
	}

	// restart does not change task.Status (a VPS restart recycles the
	// backend process but the task stays running); every other action
	// maps onto a real state-machine edge that must validate first.
	if action != "restart" {
		target, err := targetStatusForAction(task, action)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := scheduler.ValidateTransition(task.Kind, task.Status, target); err != nil {
			g.writeError(w, http.StatusConflict, err.Error())
			return
		}
	} else if task.Status != models.StatusRunning {
		g.writeError(w, http.StatusConflict, "task must be running to restart")
		return
	}

	node, ok := g.registry.GetNode(task.AssignedHost)
	if !ok || node.Status != "online" {
		g.writeError(w, http.StatusBadGateway, "assigned runner is not online")
		return
	}
	if err := g.dispatcher.Forward(r.Context(), node.Hostname, task.ID, action); err != nil {
		g.writeError(w, http.StatusBadGateway, "runner rejected command: "+err.Error())
		return
	}

	g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func targetStatusForAction(t *models.Task, action string) (models.TaskStatus, error) {
	switch action {
	case "kill":
		return models.StatusKilled, nil
	case "pause":
		return models.StatusPaused, nil
	case "resume":
		return models.StatusRunning, nil
	case "stop":
		return models.StatusStopped, nil
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

func (g *Gateway) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	p, ok := g.requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}
	id, err := parseID(r, "id")
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed task id")
		return
	}

	task, err := g.store.GetTask(r.Context(), id)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !p.Role.AtLeast(models.RoleOperator) && strconv.FormatInt(p.UserID, 10) != task.Owner {
		g.writeError(w, http.StatusForbidden, "not authorized to delete this task")
		return
	}
	if !task.Status.Terminal() {
		g.writeError(w, http.StatusConflict, "task must reach a terminal state before deletion")
		return
	}
	if err := g.store.DeleteTask(r.Context(), id); err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunnerUpdate receives an out-of-band status push a Runner sends
// immediately on a task's own terminal transition (exit, OOM kill), rather
// than waiting for the next heartbeat tick.
func (g *Gateway) handleRunnerUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskID    int64             `json:"task_id"`
		Status    models.TaskStatus `json:"status"`
		ExitCode  *int              `json:"exit_code"`
		ErrorMsg  string            `json:"error_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	task, err := g.store.GetTask(r.Context(), body.TaskID)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err := scheduler.ValidateTransition(task.Kind, task.Status, body.Status); err != nil {
		g.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := g.store.UpdateTaskStatus(r.Context(), body.TaskID, body.Status, body.ExitCode, body.ErrorMsg); err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if g.eventBus != nil {
		g.eventBus.Publish(r.Context(), events.Event{
			ID:   fmt.Sprintf("task-%d-%s", body.TaskID, body.Status),
			Type: events.EventTaskStatusChanged,
			Payload: map[string]interface{}{
				"task_id": body.TaskID,
				"status":  string(body.Status),
				"reason":  body.ErrorMsg,
			},
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleReportSSHPort implements POST /api/tasks/{id}/ssh-port, the Runner's
// bounded-retry report of a VPS's discovered dynamic host SSH port (§4.4).
func (g *Gateway) handleReportSSHPort(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed task id")
		return
	}
	var body struct {
		SSHPort int `json:"ssh_port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := g.store.UpdateTaskSSHPort(r.Context(), id, body.SSHPort); err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func parseID(r *http.Request, param string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, param), 10, 64)
}

func withAction(r *http.Request, action string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	rctx.URLParams.Add("action", action)
	return r
}

// ownerID resolves a task's numeric owner id; owners are stored as their
// stringified user id (see handleSubmit).
func ownerID(t *models.Task) int64 {
	id, _ := strconv.ParseInt(t.Owner, 10, 64)
	return id
}
