package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/naming"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/tunnel"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/wire"
)

// Reserved ports for the two tunnel uses that aren't a real TCP port on the
// container: a PTY session and a filesystem-change watch (§4.8/§4.9's
// "control channels travel the same multiplexed link as data forwards").
const (
	reservedPortTerminal uint16 = 0
	reservedPortFSWatch  uint16 = 1
)

// handleWSTerminal implements GET /ws/task/{id}/terminal (§4.8): a single
// CLI-facing WebSocket relayed through the Host to the owning Runner's
// multiplexed Link, which attaches a PTY inside the task's container/VM.
func (g *Gateway) handleWSTerminal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed task id")
		return
	}
	g.relayTunnel(w, r, id, wire.ProtoTCP, reservedPortTerminal)
}

// handleWSForward implements GET /ws/forward/{task_id}/{port} (§4.8).
func (g *Gateway) handleWSForward(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "task_id")
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed task id")
		return
	}
	portStr := chi.URLParam(r, "port")
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed port")
		return
	}
	g.relayTunnel(w, r, id, wire.ProtoTCP, uint16(port))
}

// handleWSFSWatch implements GET /ws/fs/{task_id}/watch (a live
// filesystem-change stream for a task's container, carried over the same
// per-Runner Link as forwards and terminals).
func (g *Gateway) handleWSFSWatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "task_id")
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed task id")
		return
	}
	g.relayTunnel(w, r, id, wire.ProtoTCP, reservedPortFSWatch)
}

// relayTunnel upgrades the inbound request to a WebSocket, opens a routed
// client_id on the owning Runner's Link, and pumps bytes bidirectionally
// until either side closes.
func (g *Gateway) relayTunnel(w http.ResponseWriter, r *http.Request, taskID int64, proto wire.Proto, port uint16) {
	task, err := g.store.GetTask(r.Context(), taskID)
	if err != nil {
		g.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	p := principalFrom(r)
	if !g.authSvc.CanAccessVPS(r.Context(), p, task.ID, task.Owner, ownerID(task)) {
		g.writeError(w, http.StatusForbidden, "not authorized to access this task")
		return
	}
	if task.Status != models.StatusRunning && task.Status != models.StatusPaused {
		g.writeError(w, http.StatusConflict, fmt.Sprintf("task is %s, not running or paused", task.Status))
		return
	}

	link, err := g.getOrCreateLink(r.Context(), task.AssignedHost)
	if err != nil {
		g.writeError(w, http.StatusBadGateway, "runner link unavailable: "+err.Error())
		return
	}

	tunnelID := naming.TunnelID(task.ID, task.Backend == models.BackendQEMU)
	clientID, upstream, err := link.OpenTo(proto, port, []byte(tunnelID))
	if err != nil {
		g.writeError(w, http.StatusBadGateway, "failed to open tunnel: "+err.Error())
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		_ = link.Close(clientID)
		return
	}
	defer conn.Close()
	defer link.Close(clientID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range upstream {
			if frame.Header.Type == wire.TypeClose || frame.Header.Type == wire.TypeError {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Payload); err != nil {
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if err := link.Data(clientID, msg); err != nil {
			break
		}
	}
	<-done
}

// handleWSEvents implements GET /ws/events: a live fan-out of task and node
// status-change notifications (pkg/events), for a dashboard-style client to
// follow cluster state without polling. Each connection gets its own bus
// subscription, torn down on disconnect.
func (g *Gateway) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.requireRole(w, r, models.RoleViewer); !ok {
		return
	}
	if g.eventBus == nil {
		g.writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	outbound := make(chan events.Event, 32)
	forward := func(ctx context.Context, e events.Event) error {
		select {
		case outbound <- e:
		default:
			g.logger.Warn("events ws: slow consumer, dropping event", zap.String("event_type", string(e.Type)))
		}
		return nil
	}

	unsubTask := g.eventBus.Subscribe(events.EventTaskStatusChanged, forward)
	unsubNode := g.eventBus.Subscribe(events.EventNodeStatusChanged, forward)
	unsubReg := g.eventBus.Subscribe(events.EventNodeRegistered, forward)
	defer unsubTask()
	defer unsubNode()
	defer unsubReg()

	// Drain inbound reads solely to detect client disconnect (this stream
	// is write-only from the server's side).
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case e := <-outbound:
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// getOrCreateLink returns the shared Link for hostname, dialing a fresh
// upstream WebSocket to the Runner's tunnel endpoint if none exists yet.
func (g *Gateway) getOrCreateLink(ctx context.Context, hostname string) (*tunnel.Link, error) {
	g.linksMu.Lock()
	if l, ok := g.links[hostname]; ok {
		g.linksMu.Unlock()
		return l, nil
	}
	g.linksMu.Unlock()

	node, ok := g.registry.GetNode(hostname)
	if !ok || node.Status != "online" {
		return nil, fmt.Errorf("runner %q is not online", hostname)
	}

	// One shared multiplexed link per Runner (not per container, per
	// DESIGN.md's documented simplification): every forward/terminal/fs-watch
	// CLI session destined for this Runner, regardless of which container or
	// VM it targets, rides this one upstream WebSocket. The target tunnel is
	// named in each CONNECT frame's payload (see OpenTo above) and routed by
	// the Runner's tunnel hub.
	wsURL := httpToWS(node.URL) + "/ws/hostlink"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial runner tunnel: %w", err)
	}

	link := tunnel.NewLink(g.logger, conn)

	g.linksMu.Lock()
	if existing, ok := g.links[hostname]; ok {
		g.linksMu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	g.links[hostname] = link
	g.linksMu.Unlock()

	go func() {
		<-link.Done()
		g.linksMu.Lock()
		if g.links[hostname] == link {
			delete(g.links, hostname)
		}
		g.linksMu.Unlock()
	}()

	return link, nil
}

func httpToWS(url string) string {
	switch {
	case len(url) >= 7 && url[:7] == "http://":
		return "ws://" + url[7:]
	case len(url) >= 8 && url[:8] == "https://":
		return "wss://" + url[8:]
	default:
		return url
	}
}
