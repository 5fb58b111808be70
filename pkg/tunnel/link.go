// Package tunnel implements one multiplexed upstream WebSocket connection
// of the three-hop tunnel (CLI <-> Host <-> Runner <-> container/VM), spec
// §4.8. Both hops that carry more than one logical stream over a single
// WebSocket — Host-to-Runner and Runner-to-container — reuse this same
// Link type, demultiplexed by the wire header's client_id. The
// subscriber-registry-under-a-mutex shape is grounded on
// pkg/events/bus.go, generalized from event fan-out to client_id framed
// routing.
package tunnel

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/wire"
)

// Link is one multiplexed WebSocket connection to a single remote peer
// (a Runner, from the Host's side; a container tunnel-client, from the
// Runner's side).
type Link struct {
	logger  *zap.Logger
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	clients map[uint32]chan wire.Frame
	nextID  uint32

	closed atomic.Bool
	done   chan struct{}
}

// NewLink wraps an already-established peer WebSocket connection and
// starts its read pump.
func NewLink(logger *zap.Logger, conn *websocket.Conn) *Link {
	l := &Link{
		logger:  logger,
		conn:    conn,
		clients: make(map[uint32]chan wire.Frame),
		done:    make(chan struct{}),
	}
	go l.readPump()
	return l
}

// Done closes when the Link's underlying connection has been torn down,
// letting an owner clean up a container/hostname registry entry.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) readPump() {
	defer l.shutdown()
	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			l.logger.Debug("tunnel link closed", zap.Error(err))
			return
		}
		frame, err := wire.DecodeFrame(msg)
		if err != nil {
			l.logger.Warn("dropping malformed tunnel frame", zap.Error(err))
			continue
		}

		l.mu.Lock()
		ch, ok := l.clients[frame.Header.ClientID]
		l.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- frame:
		default:
			l.logger.Warn("client channel full, dropping frame", zap.Uint32("client_id", frame.Header.ClientID))
		}
	}
}

func (l *Link) shutdown() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	for id, ch := range l.clients {
		close(ch)
		delete(l.clients, id)
	}
	l.mu.Unlock()
	close(l.done)
}

// Open allocates a new client_id, sends a CONNECT frame upstream with an
// empty payload, and returns the channel the caller should read
// CONNECTED/DATA/CLOSE/ERROR frames for this client from.
func (l *Link) Open(proto wire.Proto, port uint16) (uint32, <-chan wire.Frame, error) {
	return l.OpenTo(proto, port, nil)
}

// OpenTo is Open with an explicit CONNECT payload, used by the Host's
// relay (internal/host/gateway/ws.go) to name the target container tunnel
// the Runner's hub should route a CONNECT on the Host-facing link to
// (§4.8: "Payload follows, variable length").
func (l *Link) OpenTo(proto wire.Proto, port uint16, payload []byte) (uint32, <-chan wire.Frame, error) {
	id := atomic.AddUint32(&l.nextID, 1)
	ch := make(chan wire.Frame, 64)

	l.mu.Lock()
	l.clients[id] = ch
	l.mu.Unlock()

	frame := wire.Frame{
		Header:  wire.Header{Type: wire.TypeConnect, Proto: proto, ClientID: id, Port: port},
		Payload: payload,
	}
	if err := l.send(frame); err != nil {
		l.mu.Lock()
		delete(l.clients, id)
		l.mu.Unlock()
		return 0, nil, err
	}
	return id, ch, nil
}

// Data forwards a payload from the local side to the peer for clientID.
func (l *Link) Data(clientID uint32, payload []byte) error {
	return l.send(wire.Frame{Header: wire.Header{Type: wire.TypeData, ClientID: clientID}, Payload: payload})
}

// Close tells the peer side to tear down clientID's backend connection
// and frees the local routing entry.
func (l *Link) Close(clientID uint32) error {
	l.mu.Lock()
	if ch, ok := l.clients[clientID]; ok {
		close(ch)
		delete(l.clients, clientID)
	}
	l.mu.Unlock()
	return l.send(wire.Frame{Header: wire.Header{Type: wire.TypeClose, ClientID: clientID}})
}

// Ping sends a Runner->container keepalive (§4.8 invariant d: "PING is
// Runner->container only").
func (l *Link) Ping() error {
	return l.send(wire.Frame{Header: wire.Header{Type: wire.TypePing}})
}

// ClientIDs returns every currently-open client_id. When the peer
// disconnects, the read pump's shutdown closes every client channel, and
// that closed channel is what the other hop turns into a CLOSE frame.
func (l *Link) ClientIDs() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint32, 0, len(l.clients))
	for id := range l.clients {
		ids = append(ids, id)
	}
	return ids
}

func (l *Link) send(f wire.Frame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.BinaryMessage, f.Marshal())
}
