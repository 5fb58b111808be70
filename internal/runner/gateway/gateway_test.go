package gateway

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/internal/runner/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHandleHealthReturnsOK(t *testing.T) {
	g := New(Deps{Store: newTestStore(t), Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleMetricsIsReachable(t *testing.T) {
	g := New(Deps{Store: newTestStore(t), Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleCommandActionReturnsNotFoundForUntrackedTask(t *testing.T) {
	g := New(Deps{Store: newTestStore(t), Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodPost, "/api/command/999/kill", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCommandActionRejectsMalformedID(t *testing.T) {
	g := New(Deps{Store: newTestStore(t), Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodPost, "/api/command/not-a-number/kill", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCommandActionDispatchesToVMWhenTracked(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.PutVM(store.VMRecord{TaskID: 42, VMName: "kr-vm-42"}))
	g := New(Deps{Store: st, Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodPost, "/api/command/42/not-a-real-action", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	// vmMgr is nil in this test, so a recognized-but-unsupported action
	// reaches the 400 branch before touching it; an unrecognized one also
	// resolves through handleVMAction rather than the container branch.
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
