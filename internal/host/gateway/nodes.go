package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// handleRegister implements POST /api/register (§4.2). A new Runner is
// handed back its overlay allocation, if overlay networking is enabled, so
// it can bring up its VXLAN endpoint before accepting any task.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Hostname == "" || req.URL == "" {
		g.writeError(w, http.StatusBadRequest, "hostname and url are required")
		return
	}

	if _, err := g.registry.Register(r.Context(), req); err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := models.RegisterResponse{}
	if g.overlayMgr != nil {
		alloc, err := g.overlayMgr.Allocate(r.Context(), req.Hostname)
		if err != nil {
			g.writeError(w, http.StatusInternalServerError, "overlay allocation failed: "+err.Error())
			return
		}
		resp.OverlayEnabled = true
		resp.Overlay = alloc
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// handleHeartbeat implements PUT /api/heartbeat/{hostname} (§4.2).
func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")

	var report models.HeartbeatReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := g.registry.Heartbeat(r.Context(), hostname, report); err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.requireRole(w, r, models.RoleViewer); !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": g.registry.AllNodes()})
}

// handleClusterHealth implements GET /api/cluster-health (Supplemented
// Feature D.2: aggregate node-count-by-status view for dashboards).
func (g *Gateway) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.requireRole(w, r, models.RoleViewer); !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"nodes_by_status": g.registry.NodeCounts()})
}
