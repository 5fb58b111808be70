package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/snowflake"
)

type fakeStore struct {
	users        map[int64]*models.User
	byUsername   map[string]int64
	sessions     map[string]*models.Session
	tokens       map[string]*models.APIToken
	invitations  map[string]*models.Invitation
	vpsAssigned  map[int64]map[int64]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       make(map[int64]*models.User),
		byUsername:  make(map[string]int64),
		sessions:    make(map[string]*models.Session),
		tokens:      make(map[string]*models.APIToken),
		invitations: make(map[string]*models.Invitation),
		vpsAssigned: make(map[int64]map[int64]bool),
	}
}

func (f *fakeStore) InsertUser(_ context.Context, u *models.User) error {
	f.users[u.ID] = u
	f.byUsername[u.Username] = u.ID
	return nil
}
func (f *fakeStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	id, ok := f.byUsername[username]
	if !ok {
		return nil, errors.New("not found")
	}
	return f.users[id], nil
}
func (f *fakeStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return u, nil
}
func (f *fakeStore) CountUsers(_ context.Context) (int, error) { return len(f.users), nil }
func (f *fakeStore) UpdateUserRole(_ context.Context, id int64, role models.Role) error {
	f.users[id].Role = role
	return nil
}
func (f *fakeStore) SetUserActive(_ context.Context, id int64, active bool) error {
	f.users[id].Active = active
	return nil
}
func (f *fakeStore) DeleteUser(_ context.Context, id int64) error {
	delete(f.users, id)
	return nil
}
func (f *fakeStore) InsertSession(_ context.Context, s *models.Session) error {
	f.sessions[s.ID] = s
	return nil
}
func (f *fakeStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return s, nil
}
func (f *fakeStore) DeleteSession(_ context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}
func (f *fakeStore) InsertAPIToken(_ context.Context, t *models.APIToken) error {
	f.tokens[t.HashSHA3] = t
	return nil
}
func (f *fakeStore) GetAPITokenByHash(_ context.Context, hash string) (*models.APIToken, error) {
	t, ok := f.tokens[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return t, nil
}
func (f *fakeStore) TouchAPIToken(_ context.Context, _ int64) error { return nil }
func (f *fakeStore) RevokeAPIToken(_ context.Context, id int64) error {
	for h, t := range f.tokens {
		if t.ID == id {
			delete(f.tokens, h)
		}
	}
	return nil
}
func (f *fakeStore) InsertInvitation(_ context.Context, inv *models.Invitation) error {
	f.invitations[inv.Token] = inv
	return nil
}
func (f *fakeStore) GetInvitation(_ context.Context, token string) (*models.Invitation, error) {
	inv, ok := f.invitations[token]
	if !ok {
		return nil, errors.New("not found")
	}
	return inv, nil
}
func (f *fakeStore) ConsumeInvitation(_ context.Context, token string) error {
	f.invitations[token].UsageCount++
	return nil
}
func (f *fakeStore) IsVPSAssigned(_ context.Context, taskID, userID int64) (bool, error) {
	return f.vpsAssigned[taskID][userID], nil
}

func newService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(store, zap.NewNop(), ids, bcryptTestCost, time.Hour, "admin-secret"), store
}

const bcryptTestCost = 4 // minimum viable cost to keep tests fast

func TestLoginRoundTrip(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice", "hunter2", "", models.RoleUser)
	require.NoError(t, err)

	sess, err := svc.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	_, err = svc.Login(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateOrderAdminSecretFirst(t *testing.T) {
	svc, _ := newService(t)
	p := svc.Authenticate(context.Background(), "admin-secret", "bogus-session", "bogus-token")
	assert.Equal(t, models.RoleAdmin, p.Role)
}

func TestAuthenticateSessionThenToken(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	u, err := svc.Register(ctx, "bob", "pw", "", models.RoleUser)
	require.NoError(t, err)

	sess, err := svc.Login(ctx, "bob", "pw")
	require.NoError(t, err)

	p := svc.Authenticate(ctx, "", sess.ID, "")
	assert.Equal(t, models.RoleUser, p.Role)
	assert.Equal(t, u.ID, p.UserID)

	plaintext, _, err := svc.CreateAPIToken(ctx, u.ID, "ci")
	require.NoError(t, err)
	p2 := svc.Authenticate(ctx, "", "", plaintext)
	assert.Equal(t, u.ID, p2.UserID)
}

func TestSelfProtectionBlocksAdminSelfDemoteDisableDelete(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	admin, err := svc.Register(ctx, "root", "pw", "", models.RoleAdmin)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.SetUserRole(ctx, admin.ID, admin.ID, models.RoleUser), ErrSelfProtection)
	assert.ErrorIs(t, svc.SetUserActive(ctx, admin.ID, admin.ID, false), ErrSelfProtection)
	assert.ErrorIs(t, svc.DeleteUser(ctx, admin.ID, admin.ID), ErrSelfProtection)
}

func TestOperatorMayOnlyIssueViewerInvitations(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateInvitation(ctx, models.RoleOperator, models.RoleViewer, "", 1, time.Hour)
	require.NoError(t, err)

	_, err = svc.CreateInvitation(ctx, models.RoleOperator, models.RoleAdmin, "", 1, time.Hour)
	assert.Error(t, err)

	_, err = svc.CreateInvitation(ctx, models.RoleAdmin, models.RoleAdmin, "", 1, time.Hour)
	assert.NoError(t, err)
}

func TestCanAccessVPS(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	owner := int64(10)
	other := int64(20)
	store.vpsAssigned[100] = map[int64]bool{other: true}

	assert.True(t, svc.CanAccessVPS(ctx, Principal{Role: models.RoleUser, UserID: owner}, 100, "owner-name", owner))
	assert.True(t, svc.CanAccessVPS(ctx, Principal{Role: models.RoleUser, UserID: other}, 100, "owner-name", owner))
	assert.False(t, svc.CanAccessVPS(ctx, Principal{Role: models.RoleUser, UserID: 30}, 100, "owner-name", owner))
	assert.True(t, svc.CanAccessVPS(ctx, Principal{Role: models.RoleOperator, UserID: 99}, 100, "owner-name", owner))
}
