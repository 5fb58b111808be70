package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

type fakeStore struct {
	allocs map[string]*models.OverlayAllocation
	resvs  map[string]*models.IPReservation
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		allocs: make(map[string]*models.OverlayAllocation),
		resvs:  make(map[string]*models.IPReservation),
	}
}

func (f *fakeStore) InsertOverlayAllocation(ctx context.Context, a *models.OverlayAllocation) error {
	f.allocs[a.RunnerHostname] = a
	return nil
}

func (f *fakeStore) GetOverlayAllocation(ctx context.Context, hostname string) (*models.OverlayAllocation, error) {
	a, ok := f.allocs[hostname]
	if !ok {
		return nil, assert.AnError
	}
	return a, nil
}

func (f *fakeStore) ListOverlayAllocations(ctx context.Context) ([]*models.OverlayAllocation, error) {
	var out []*models.OverlayAllocation
	for _, a := range f.allocs {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeStore) DeleteOverlayAllocation(ctx context.Context, hostname string) error {
	delete(f.allocs, hostname)
	return nil
}

func (f *fakeStore) InsertIPReservation(ctx context.Context, r *models.IPReservation) error {
	f.resvs[r.IP] = r
	return nil
}

func (f *fakeStore) GetIPReservation(ctx context.Context, ip string) (*models.IPReservation, error) {
	r, ok := f.resvs[ip]
	if !ok {
		return nil, assert.AnError
	}
	return r, nil
}

func (f *fakeStore) ListIPReservationsForRunner(ctx context.Context, hostname string) ([]*models.IPReservation, error) {
	var out []*models.IPReservation
	for _, r := range f.resvs {
		if r.RunnerHostname == hostname {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ReleaseIPReservation(ctx context.Context, ip string) error {
	delete(f.resvs, ip)
	return nil
}

func TestAllocate_CarvesDistinctSubnetsAndIsIdempotent(t *testing.T) {
	store := newFakeStore()
	m, err := New(store, zap.NewNop(), "10.244.0.0/16", 8, 4789)
	require.NoError(t, err)
	require.NoError(t, m.Recover(context.Background()))

	a1, err := m.Allocate(context.Background(), "runner1")
	require.NoError(t, err)
	a2, err := m.Allocate(context.Background(), "runner2")
	require.NoError(t, err)
	assert.NotEqual(t, a1.Slot, a2.Slot)
	assert.NotEqual(t, a1.Subnet, a2.Subnet)
	assert.Equal(t, 4789+a1.Slot, a1.VXLANID)

	again, err := m.Allocate(context.Background(), "runner1")
	require.NoError(t, err)
	assert.Equal(t, a1.Subnet, again.Subnet)
}

func TestRecover_RestoresSlotTableAcrossRestart(t *testing.T) {
	store := newFakeStore()
	store.allocs["runnerX"] = &models.OverlayAllocation{RunnerHostname: "runnerX", Slot: 0, Subnet: "10.244.0.0/24"}

	m, err := New(store, zap.NewNop(), "10.244.0.0/16", 8, 4789)
	require.NoError(t, err)
	require.NoError(t, m.Recover(context.Background()))

	a, err := m.Allocate(context.Background(), "runnerY")
	require.NoError(t, err)
	assert.NotEqual(t, 0, a.Slot, "slot 0 is already taken by runnerX and must not be reused")
}

func TestReservations_ReserveAndVerifyRoundTrip(t *testing.T) {
	store := newFakeStore()
	rs := NewReservations(store, zap.NewNop(), []byte("topsecret"), time.Minute)

	alloc := &models.OverlayAllocation{RunnerHostname: "runner1", Subnet: "10.244.3.0/24", GatewayIP: "10.244.3.1"}
	res, err := rs.Reserve(context.Background(), alloc)
	require.NoError(t, err)
	assert.NotEqual(t, "10.244.3.1", res.IP)

	err = rs.Verify(context.Background(), "runner1", res.IP, res.Token)
	assert.NoError(t, err)
}

func TestReservations_VerifyRejectsTamperedToken(t *testing.T) {
	store := newFakeStore()
	rs := NewReservations(store, zap.NewNop(), []byte("topsecret"), time.Minute)

	alloc := &models.OverlayAllocation{RunnerHostname: "runner1", Subnet: "10.244.3.0/24", GatewayIP: "10.244.3.1"}
	res, err := rs.Reserve(context.Background(), alloc)
	require.NoError(t, err)

	err = rs.Verify(context.Background(), "runner1", res.IP, "deadbeef")
	assert.Error(t, err)
}

func TestReservations_VerifyRejectsExpired(t *testing.T) {
	store := newFakeStore()
	rs := NewReservations(store, zap.NewNop(), []byte("topsecret"), -time.Minute)

	alloc := &models.OverlayAllocation{RunnerHostname: "runner1", Subnet: "10.244.3.0/24", GatewayIP: "10.244.3.1"}
	res, err := rs.Reserve(context.Background(), alloc)
	require.NoError(t, err)

	err = rs.Verify(context.Background(), "runner1", res.IP, res.Token)
	assert.Error(t, err)
}

func TestReservations_SkipsGatewayAndTakenIPs(t *testing.T) {
	store := newFakeStore()
	store.resvs["10.244.3.2"] = &models.IPReservation{IP: "10.244.3.2", RunnerHostname: "runner1", ExpiresAt: time.Now().Add(time.Hour)}
	rs := NewReservations(store, zap.NewNop(), []byte("topsecret"), time.Minute)

	alloc := &models.OverlayAllocation{RunnerHostname: "runner1", Subnet: "10.244.3.0/24", GatewayIP: "10.244.3.1"}
	res, err := rs.Reserve(context.Background(), alloc)
	require.NoError(t, err)
	assert.Equal(t, "10.244.3.3", res.IP)
}
