package hostclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

func TestRegisterPostsToRegisterEndpoint(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(models.RegisterResponse{OverlayEnabled: false})
	}))
	defer srv.Close()

	c := New(srv.URL)
	resp, err := c.Register(context.Background(), models.RegisterRequest{Hostname: "runner-1", URL: "http://runner-1:8001"})
	require.NoError(t, err)
	assert.Equal(t, "/api/register", gotPath)
	assert.False(t, resp.OverlayEnabled)
}

func TestHeartbeatPutsToHostnamePath(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Heartbeat(context.Background(), "runner-1", models.HeartbeatReport{CPUPercent: 10})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/api/heartbeat/runner-1", gotPath)
}

func TestReportUpdateReturnsErrorOnNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.ReportUpdate(context.Background(), 1, models.StatusFailed, nil, "oom")
	assert.Error(t, err)
}
