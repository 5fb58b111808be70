package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
)

func TestHandleWSEvents_StreamsPublishedTaskEvent(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	authSvc := newTestAuthServiceWithAdminSecret(t, "topsecret")

	g := New(Deps{
		AuthSvc:  authSvc,
		EventBus: bus,
		Logger:   zap.NewNop(),
	})

	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	header := http.Header{}
	header.Set("X-Admin-Token", "topsecret")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond) // let the subscription register before publish

	bus.Publish(context.Background(), events.Event{
		Type: events.EventTaskStatusChanged,
		Payload: map[string]interface{}{
			"task_id": float64(1),
			"status":  "running",
		},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"task.status_changed"`)
}

func TestHandleWSEvents_RejectsAnonymous(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	authSvc := newTestAuthServiceWithAdminSecret(t, "topsecret")

	g := New(Deps{
		AuthSvc:  authSvc,
		EventBus: bus,
		Logger:   zap.NewNop(),
	})

	srv := httptest.NewServer(g.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
