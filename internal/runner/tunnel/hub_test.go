package tunnel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// dialTunnel spins up a one-shot test server that upgrades the single
// incoming request and hands the server-side *websocket.Conn to onAccept,
// returning the client-side conn for the test to drive.
func dialTunnel(t *testing.T, onAccept func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		onAccept(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestHubCountReflectsRegisteredTunnels(t *testing.T) {
	h := NewHub(zap.NewNop())
	assert.Equal(t, 0, h.Count())

	var serverConn *websocket.Conn
	dialTunnel(t, func(c *websocket.Conn) { serverConn = c })
	require.NotNil(t, serverConn)

	h.RegisterTunnel("container-a", serverConn)
	assert.Equal(t, 1, h.Count())
	assert.True(t, h.Connected("container-a"))
	assert.False(t, h.Connected("container-b"))
}

func TestHubDeregistersOnConnectionClose(t *testing.T) {
	h := NewHub(zap.NewNop())

	var serverConn *websocket.Conn
	client := dialTunnel(t, func(c *websocket.Conn) { serverConn = c })
	require.NotNil(t, serverConn)

	h.RegisterTunnel("container-a", serverConn)
	require.Equal(t, 1, h.Count())

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return h.Count() == 0
	}, time.Second, 10*time.Millisecond)
}
