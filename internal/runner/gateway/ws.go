package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleWSTunnel implements GET /ws/tunnel/{container_id} (§4.8): the
// tunnel-client daemon started inside a task's container or VM guest dials
// back here once its own networking is up, and the connection is held for
// the workload's lifetime as its internal/runner/tunnel.Hub entry.
func (g *Gateway) handleWSTunnel(w http.ResponseWriter, r *http.Request) {
	tunnelID := chi.URLParam(r, "container_id")
	if tunnelID == "" {
		g.writeError(w, http.StatusBadRequest, "missing container id")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("tunnel websocket upgrade failed", zap.String("tunnel_id", tunnelID), zap.Error(err))
		return
	}
	g.hub.RegisterTunnel(tunnelID, conn)
}

// handleWSHostLink implements GET /ws/hostlink, the Runner side of the
// Host's one-shared-link-per-runner simplification (internal/host/gateway's
// getOrCreateLink): every CLI forward/terminal/fs-watch session bound for
// this Runner rides this single multiplexed connection, demultiplexed by
// internal/runner/tunnel.Hub against the target tunnel id named in each
// CONNECT frame's payload.
func (g *Gateway) handleWSHostLink(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("host link websocket upgrade failed", zap.Error(err))
		return
	}
	g.hub.ServeHostLink(conn)
}
