package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/internal/host/auth"
	"github.com/KohakuBlueleaf/kohakuriver/internal/host/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/snowflake"
)

// fakeAuthStore satisfies internal/host/auth.Store with every lookup
// missing, enough to drive the anonymous-principal and bootstrap paths.
type fakeAuthStore struct{}

func (fakeAuthStore) InsertUser(context.Context, *models.User) error { return nil }
func (fakeAuthStore) GetUserByUsername(context.Context, string) (*models.User, error) {
	return nil, auth.ErrInvalidCredentials
}
func (fakeAuthStore) GetUser(context.Context, int64) (*models.User, error) {
	return nil, auth.ErrInvalidCredentials
}
func (fakeAuthStore) CountUsers(context.Context) (int, error)                     { return 0, nil }
func (fakeAuthStore) UpdateUserRole(context.Context, int64, models.Role) error    { return nil }
func (fakeAuthStore) SetUserActive(context.Context, int64, bool) error           { return nil }
func (fakeAuthStore) DeleteUser(context.Context, int64) error                    { return nil }
func (fakeAuthStore) InsertSession(context.Context, *models.Session) error       { return nil }
func (fakeAuthStore) GetSession(context.Context, string) (*models.Session, error) {
	return nil, auth.ErrInvalidCredentials
}
func (fakeAuthStore) DeleteSession(context.Context, string) error             { return nil }
func (fakeAuthStore) InsertAPIToken(context.Context, *models.APIToken) error  { return nil }
func (fakeAuthStore) GetAPITokenByHash(context.Context, string) (*models.APIToken, error) {
	return nil, auth.ErrInvalidCredentials
}
func (fakeAuthStore) TouchAPIToken(context.Context, int64) error  { return nil }
func (fakeAuthStore) RevokeAPIToken(context.Context, int64) error { return nil }
func (fakeAuthStore) InsertInvitation(context.Context, *models.Invitation) error { return nil }
func (fakeAuthStore) GetInvitation(context.Context, string) (*models.Invitation, error) {
	return nil, auth.ErrInvalidCredentials
}
func (fakeAuthStore) ConsumeInvitation(context.Context, string) error { return nil }
func (fakeAuthStore) IsVPSAssigned(context.Context, int64, int64) (bool, error) {
	return false, nil
}

func newTestAuthService(t *testing.T) *auth.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return auth.New(fakeAuthStore{}, zap.NewNop(), node, 4, 0, "")
}

func newTestAuthServiceWithAdminSecret(t *testing.T, secret string) *auth.Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return auth.New(fakeAuthStore{}, zap.NewNop(), node, 4, 0, secret)
}

func TestHandleHealthReturnsOK(t *testing.T) {
	g := &Gateway{logger: zap.NewNop(), authSvc: newTestAuthService(t)}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.handleHealth(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuthStatusReportsAnonymousByDefault(t *testing.T) {
	g := &Gateway{logger: zap.NewNop(), authSvc: newTestAuthService(t)}
	req := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	req = req.WithContext(context.WithValue(req.Context(), principalCtxKey{}, auth.Principal{Role: models.RoleAnonymous}))
	rec := httptest.NewRecorder()
	g.handleAuthStatus(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"authenticated":false,"role":"anony"}`, rec.Body.String())
}

func TestSchedulerErrorStatusMapsKinds(t *testing.T) {
	status, msg := schedulerErrorStatus(&scheduler.Error{Kind: scheduler.KindConflict, Message: "gpu 0 held"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "gpu 0 held", msg)

	status, _ = schedulerErrorStatus(&scheduler.Error{Kind: scheduler.KindNotFound, Message: "missing"})
	assert.Equal(t, http.StatusNotFound, status)
}
