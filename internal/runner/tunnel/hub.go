// Package tunnel implements the Runner side of the three-hop multiplexed
// tunnel (§4.8): one long-lived WebSocket per container/VM tunnel-client
// (created on workload start, held for its lifetime, wrapped as a
// pkg/tunnel.Link since the Runner is the initiating side of every stream
// it opens on that connection) and one shared multiplexed WebSocket from
// the Host carrying every CLI forward/terminal/fs-watch session bound for
// this Runner. On the Host-facing hop the Runner is the *receiving* side —
// CONNECT/DATA/CLOSE frames arrive unsolicited naming a client_id the Host
// already chose — so the Hub reads that connection directly rather than
// through pkg/tunnel.Link (which is shaped for the side that calls Open).
// The Hub demultiplexes each CONNECT by the target tunnel id named in its
// payload (pkg/naming.TunnelID), opens a nested client_id on that
// workload's Link, and bridges frames both ways. Grounded on the same
// registry-under-a-mutex shape as internal/host/gateway/ws.go's
// relayTunnel, generalized from a single shared link to many.
package tunnel

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/tunnel"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/wire"
)

// route bridges one Host-assigned client_id to a nested client_id opened
// on a workload tunnel.
type route struct {
	nestedID uint32
	tunnel   *tunnel.Link
	cancel   chan struct{}
}

// Hub owns every per-workload tunnel Link for this Runner.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	tunnels map[string]*tunnel.Link // tunnel id (container/VM name) -> its Link
}

// NewHub constructs an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		tunnels: make(map[string]*tunnel.Link),
	}
}

// RegisterTunnel wraps conn (a freshly-accepted WebSocket from a
// container's or VM's tunnel-client) as a Link keyed by tunnelID, and
// deregisters it automatically when the connection drops.
func (h *Hub) RegisterTunnel(tunnelID string, conn *websocket.Conn) *tunnel.Link {
	link := tunnel.NewLink(h.logger, conn)
	h.mu.Lock()
	h.tunnels[tunnelID] = link
	h.mu.Unlock()

	go func() {
		<-link.Done()
		h.mu.Lock()
		if h.tunnels[tunnelID] == link {
			delete(h.tunnels, tunnelID)
		}
		h.mu.Unlock()
	}()
	return link
}

// TunnelLink returns the Link for an already-connected workload tunnel.
func (h *Hub) TunnelLink(tunnelID string) (*tunnel.Link, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.tunnels[tunnelID]
	return l, ok
}

// ServeHostLink reads the Host's shared multiplexed WebSocket until it
// closes, dispatching each frame: CONNECT opens a nested stream on the
// named workload tunnel, DATA/CLOSE forward along an existing route, and
// frames arriving back from a workload tunnel are re-wrapped under the
// Host-assigned client_id and written back upstream.
func (h *Hub) ServeHostLink(conn *websocket.Conn) {
	var writeMu sync.Mutex
	write := func(f wire.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, f.Marshal())
	}

	routes := make(map[uint32]*route)
	var routesMu sync.Mutex

	defer func() {
		routesMu.Lock()
		for id, r := range routes {
			close(r.cancel)
			_ = r.tunnel.Close(r.nestedID)
			delete(routes, id)
		}
		routesMu.Unlock()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("host link closed", zap.Error(err))
			return
		}
		frame, err := wire.DecodeFrame(msg)
		if err != nil {
			h.logger.Warn("dropping malformed host-link frame", zap.Error(err))
			continue
		}

		switch frame.Header.Type {
		case wire.TypeConnect:
			tunnelID := string(frame.Payload)
			t, ok := h.TunnelLink(tunnelID)
			if !ok {
				_ = write(wire.Frame{Header: wire.Header{Type: wire.TypeClose, ClientID: frame.Header.ClientID}})
				continue
			}
			nestedID, upstream, err := t.Open(frame.Header.Proto, frame.Header.Port)
			if err != nil {
				_ = write(wire.Frame{Header: wire.Header{Type: wire.TypeError, ClientID: frame.Header.ClientID}, Payload: []byte(err.Error())})
				continue
			}
			r := &route{nestedID: nestedID, tunnel: t, cancel: make(chan struct{})}
			routesMu.Lock()
			routes[frame.Header.ClientID] = r
			routesMu.Unlock()

			hostClientID := frame.Header.ClientID
			go func() {
				for {
					select {
					case <-r.cancel:
						return
					case f, ok := <-upstream:
						if !ok {
							_ = write(wire.Frame{Header: wire.Header{Type: wire.TypeClose, ClientID: hostClientID}})
							return
						}
						f.Header.ClientID = hostClientID
						_ = write(f)
						if f.Header.Type == wire.TypeClose || f.Header.Type == wire.TypeError {
							return
						}
					}
				}
			}()

		case wire.TypeData:
			routesMu.Lock()
			r, ok := routes[frame.Header.ClientID]
			routesMu.Unlock()
			if !ok {
				continue
			}
			_ = r.tunnel.Data(r.nestedID, frame.Payload)

		case wire.TypeClose:
			routesMu.Lock()
			r, ok := routes[frame.Header.ClientID]
			delete(routes, frame.Header.ClientID)
			routesMu.Unlock()
			if ok {
				close(r.cancel)
				_ = r.tunnel.Close(r.nestedID)
			}

		default:
			h.logger.Debug("unexpected frame type on host link", zap.String("type", frame.Header.Type.String()))
		}
	}
}

// Connected reports whether tunnelID currently has a live Link (§4.8
// "Runner verifies the container tunnel exists").
func (h *Hub) Connected(tunnelID string) bool {
	_, ok := h.TunnelLink(tunnelID)
	return ok
}

// Count returns the number of workload tunnels currently registered, used
// for the internal/runner/metrics active-tunnels gauge.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tunnels)
}
