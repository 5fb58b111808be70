package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// handleOverlayStatus implements GET /api/overlay/status, listing every
// Runner's carved subnet (§4.7 Allocation).
func (g *Gateway) handleOverlayStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.requireRole(w, r, models.RoleOperator); !ok {
		return
	}
	allocs, err := g.store.ListOverlayAllocations(r.Context())
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"allocations": allocs})
}

// handleOverlayRelease implements POST /api/overlay/release/{runner}, the
// explicit teardown path (§4.7: allocations are stable across restarts and
// only released on explicit teardown).
func (g *Gateway) handleOverlayRelease(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.requireRole(w, r, models.RoleOperator); !ok {
		return
	}
	runner := chi.URLParam(r, "runner")
	if err := g.overlayMgr.Release(r.Context(), runner); err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// handleOverlayCleanup implements POST /api/overlay/cleanup. It checks the
// caller's role and answers ok; it deletes no rows. Expired reservations
// stay in ip_reservations, but ListIPReservationsForRunner skips them and
// Verify rejects them, so Reserve can hand their IPs out again.
func (g *Gateway) handleOverlayCleanup(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.requireRole(w, r, models.RoleOperator); !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ipReserveRequest struct {
	RunnerHostname string `json:"runner_hostname"`
}

// handleIPReserve implements POST /api/nodes/overlay/ip/reserve (§4.7).
func (g *Gateway) handleIPReserve(w http.ResponseWriter, r *http.Request) {
	var req ipReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	alloc, err := g.overlayMgr.Allocate(r.Context(), req.RunnerHostname)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	res, err := g.reservations.Reserve(r.Context(), alloc)
	if err != nil {
		g.writeError(w, http.StatusConflict, err.Error())
		return
	}
	g.writeJSON(w, http.StatusCreated, res)
}

type ipReleaseRequest struct {
	IP string `json:"ip"`
}

// handleIPRelease implements POST /api/nodes/overlay/ip/release.
func (g *Gateway) handleIPRelease(w http.ResponseWriter, r *http.Request) {
	var req ipReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := g.reservations.Release(r.Context(), req.IP); err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

type ipValidateRequest struct {
	RunnerHostname string `json:"runner_hostname"`
	IP             string `json:"ip"`
	Token          string `json:"token"`
}

// handleIPValidate implements POST /api/nodes/overlay/ip/validate, used by
// the Runner to check a reservation token before it configures the
// interface (§4.7).
func (g *Gateway) handleIPValidate(w http.ResponseWriter, r *http.Request) {
	var req ipValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := g.reservations.Verify(r.Context(), req.RunnerHostname, req.IP, req.Token); err != nil {
		g.writeError(w, http.StatusForbidden, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "valid"})
}

// handleIPAvailable implements GET /api/nodes/overlay/ip/available?runner=.
func (g *Gateway) handleIPAvailable(w http.ResponseWriter, r *http.Request) {
	hostname := r.URL.Query().Get("runner")
	alloc, err := g.store.GetOverlayAllocation(r.Context(), hostname)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "runner has no overlay allocation")
		return
	}
	reservations, err := g.store.ListIPReservationsForRunner(r.Context(), hostname)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"subnet":        alloc.Subnet,
		"reserved_count": len(reservations),
	})
}

// handleIPInfo implements GET /api/nodes/overlay/ip/info?ip=.
func (g *Gateway) handleIPInfo(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	res, err := g.store.GetIPReservation(r.Context(), ip)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "no reservation for this ip")
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleIPReservations implements GET /api/nodes/overlay/ip/reservations?runner=.
func (g *Gateway) handleIPReservations(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.requireRole(w, r, models.RoleOperator); !ok {
		return
	}
	hostname := r.URL.Query().Get("runner")
	reservations, err := g.store.ListIPReservationsForRunner(r.Context(), hostname)
	if err != nil {
		g.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"reservations": reservations})
}
