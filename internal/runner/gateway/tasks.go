package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

func parseID(r *http.Request, param string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, param), 10, 64)
}

// handleExecute implements POST /api/execute (§4.3), the Host's delivery
// route for one-shot COMMAND tasks.
func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	var t models.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed task body")
		return
	}
	if err := g.executor.Execute(r.Context(), &t); err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleVPSCreate implements POST /api/vps/create (§4.4/§4.5), routing to
// the container or VM backend by the task's explicit backend tag.
func (g *Gateway) handleVPSCreate(w http.ResponseWriter, r *http.Request) {
	var t models.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed task body")
		return
	}

	var err error
	if t.Backend == models.BackendQEMU {
		err = g.vmMgr.Create(r.Context(), &t)
	} else {
		err = g.vpsMgr.Create(r.Context(), &t)
	}
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleCommandAction implements POST /api/command/{id}/{action} (§4.1/§4.3/
// §4.4/§4.5), the single route internal/host/dispatcher.HTTPDispatcher.Forward
// calls for every lifecycle action. The request carries no body, so the
// task's backend is recovered from whichever local record this Runner still
// holds for id rather than from a payload.
func (g *Gateway) handleCommandAction(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed task id")
		return
	}
	action := chi.URLParam(r, "action")

	vmRec, err := g.store.GetVM(id)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if vmRec != nil {
		g.handleVMAction(w, r, id, action)
		return
	}

	containerRec, err := g.store.GetContainer(id)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if containerRec == nil {
		g.writeError(w, http.StatusNotFound, "task is not tracked by this runner")
		return
	}
	g.handleContainerAction(w, r, id, action, containerRec.IsVPS)
}

func (g *Gateway) handleVMAction(w http.ResponseWriter, r *http.Request, id int64, action string) {
	ctx := r.Context()
	switch action {
	case "kill":
		if err := g.vmMgr.Shutdown(ctx, id); err != nil {
			g.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		_ = g.reporter.ReportUpdate(ctx, id, models.StatusKilled, nil, "killed")
	case "stop":
		if err := g.vmMgr.Shutdown(ctx, id); err != nil {
			g.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		_ = g.reporter.ReportUpdate(ctx, id, models.StatusStopped, nil, "stopped")
	case "restart":
		// Reboot's watchdog goroutine reports StatusFailed itself on timeout;
		// a clean reboot needs no report since the task stays running (§4.1).
		if err := g.vmMgr.Reboot(ctx, id); err != nil {
			g.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		g.writeError(w, http.StatusBadRequest, fmt.Sprintf("action %q is not supported for a vm-backed vps", action))
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleContainerAction(w http.ResponseWriter, r *http.Request, id int64, action string, isVPS bool) {
	ctx := r.Context()
	switch action {
	case "kill":
		if err := g.executor.Kill(ctx, id, false); err != nil {
			g.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "pause":
		if err := g.executor.Pause(ctx, id); err != nil {
			g.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "resume":
		if err := g.executor.Resume(ctx, id); err != nil {
			g.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "stop":
		if !isVPS {
			g.writeError(w, http.StatusBadRequest, "stop is not supported for a command task")
			return
		}
		if err := g.vpsMgr.Stop(ctx, id); err != nil {
			g.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "restart":
		if !isVPS {
			g.writeError(w, http.StatusBadRequest, "restart is not supported for a command task")
			return
		}
		if err := g.vpsMgr.Restart(ctx, id); err != nil {
			g.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		g.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
