package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/KohakuBlueleaf/kohakuriver/internal/host/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

type vpsCreateRequest struct {
	Target       string              `json:"target"`
	Cores        int                 `json:"cores"`
	MemoryBytes  int64               `json:"memory_bytes"`
	Env          models.ContainerEnv `json:"env"`
	Backend      models.VPSBackend   `json:"backend"`
	SSHKeyMode   models.SSHKeyMode   `json:"ssh_key_mode"`
	SSHPublicKey string              `json:"ssh_public_key"`
	VMImage      string              `json:"vm_image"`
	VMDiskSizeGB int                 `json:"vm_disk_size_gb"`
}

// handleVPSCreate implements POST /api/vps/create, a thin wrapper over
// scheduler.Submit fixing Kind to vps (§4.3/§4.5).
func (g *Gateway) handleVPSCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := g.requireRole(w, r, models.RoleUser)
	if !ok {
		return
	}

	var req vpsCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Backend == "" {
		req.Backend = models.BackendDocker
	}

	targets := []string{req.Target}
	tasks, err := g.scheduler.Submit(r.Context(), scheduler.SubmitRequest{
		Kind:         models.TaskKindVPS,
		Targets:      targets,
		Cores:        req.Cores,
		MemoryBytes:  req.MemoryBytes,
		Env:          req.Env,
		Backend:      req.Backend,
		SSHKeyMode:   req.SSHKeyMode,
		SSHPublicKey: req.SSHPublicKey,
		VMImage:      req.VMImage,
		VMDiskSizeGB: req.VMDiskSizeGB,
	}, p.Role, strconv.FormatInt(p.UserID, 10))
	if err != nil {
		status, msg := schedulerErrorStatus(err)
		g.writeError(w, status, msg)
		return
	}

	g.writeJSON(w, http.StatusCreated, tasks[0])
}

func (g *Gateway) handleVPSStop(w http.ResponseWriter, r *http.Request) {
	g.handleCommandAction(w, withAction(r, "stop"))
}

func (g *Gateway) handleVPSRestart(w http.ResponseWriter, r *http.Request) {
	g.handleCommandAction(w, withAction(r, "restart"))
}

func (g *Gateway) handleListVPS(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	tasks, err := g.store.ListTasks(r.Context(), "")
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var out []*models.Task
	for _, t := range tasks {
		if !t.IsVPS() {
			continue
		}
		if g.authSvc.CanAccessVPS(r.Context(), p, t.ID, t.Owner, ownerID(t)) {
			out = append(out, t)
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"vps": out})
}

func (g *Gateway) handleVPSStatus(w http.ResponseWriter, r *http.Request) {
	g.handleListVPS(w, r)
}
