// Package overlay implements the Host side of the VXLAN hub-and-spoke
// overlay (§4.7): per-Runner subnet carving recovered from the allocation
// table on restart, and HMAC-signed IP reservations. Subnet math uses
// github.com/apparentlymart/go-cidr (present in cuemby-warren's go.mod,
// DESIGN.md); signing follows
// control-plane/internal/notifications/webhook.go's sign/VerifySignature
// HMAC pattern.
package overlay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/apparentlymart/go-cidr/cidr"
	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// Store is the subset of internal/host/store.Store the overlay manager needs.
type Store interface {
	InsertOverlayAllocation(ctx context.Context, a *models.OverlayAllocation) error
	GetOverlayAllocation(ctx context.Context, hostname string) (*models.OverlayAllocation, error)
	ListOverlayAllocations(ctx context.Context) ([]*models.OverlayAllocation, error)
	DeleteOverlayAllocation(ctx context.Context, hostname string) error
}

// Manager allocates and recovers per-Runner overlay subnets (Host side of §4.7).
type Manager struct {
	store      Store
	logger     *zap.Logger
	baseCIDR   *net.IPNet
	subnetBits int
	vxlanBase  int

	mu        sync.Mutex // guards slot allocation/release, §5 per-entity locks
	usedSlots map[int]string // slot -> hostname
}

// New constructs a Manager for the given overlay CIDR plan.
func New(store Store, logger *zap.Logger, cidrStr string, subnetBits, vxlanBasePort int) (*Manager, error) {
	_, network, err := net.ParseCIDR(cidrStr)
	if err != nil {
		return nil, fmt.Errorf("overlay: parse cidr: %w", err)
	}
	return &Manager{
		store:      store,
		logger:     logger,
		baseCIDR:   network,
		subnetBits: subnetBits,
		vxlanBase:  vxlanBasePort,
		usedSlots:  make(map[int]string),
	}, nil
}

// Recover loads the existing allocation table before any new slot is given
// out, satisfying §3 invariant 4 (stable across Host restarts) and §4.7's
// recovery requirement.
func (m *Manager) Recover(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allocs, err := m.store.ListOverlayAllocations(ctx)
	if err != nil {
		return fmt.Errorf("overlay: recover: %w", err)
	}
	for _, a := range allocs {
		m.usedSlots[a.Slot] = a.RunnerHostname
	}
	m.logger.Info("recovered overlay allocation table", zap.Int("count", len(allocs)))
	return nil
}

// Allocate returns the existing allocation for hostname, or carves a new
// one from the first unused slot in the overlay CIDR plan (§4.7 Allocation).
func (m *Manager) Allocate(ctx context.Context, hostname string) (*models.OverlayAllocation, error) {
	if existing, err := m.store.GetOverlayAllocation(ctx, hostname); err == nil {
		return existing, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ones, _ := m.baseCIDR.Mask.Size()
	newPrefix := ones + m.subnetBits
	maxSlots := 1 << m.subnetBits

	var slot = -1
	for i := 0; i < maxSlots; i++ {
		if _, taken := m.usedSlots[i]; !taken {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, fmt.Errorf("overlay: no free slot in %s", m.baseCIDR.String())
	}

	subnet, err := cidr.Subnet(m.baseCIDR, m.subnetBits, slot)
	if err != nil {
		return nil, fmt.Errorf("overlay: carve subnet: %w", err)
	}

	gateway, err := cidr.Host(subnet, 1)
	if err != nil {
		return nil, fmt.Errorf("overlay: compute gateway: %w", err)
	}

	a := &models.OverlayAllocation{
		RunnerHostname: hostname,
		Subnet:         fmt.Sprintf("%s/%d", subnet.IP.String(), newPrefix),
		VXLANID:        m.vxlanBase + slot,
		GatewayIP:      gateway.String(),
		HostIfaceName:  fmt.Sprintf("vxkr%d", slot),
		Slot:           slot,
	}

	if err := m.store.InsertOverlayAllocation(ctx, a); err != nil {
		return nil, fmt.Errorf("overlay: persist allocation: %w", err)
	}
	m.usedSlots[slot] = hostname

	m.logger.Info("allocated overlay subnet",
		zap.String("hostname", hostname), zap.String("subnet", a.Subnet), zap.Int("slot", slot))
	return a, nil
}

// Release tears down hostname's allocation on explicit teardown only.
func (m *Manager) Release(ctx context.Context, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.store.GetOverlayAllocation(ctx, hostname)
	if err != nil {
		return fmt.Errorf("overlay: release: %w", err)
	}
	if err := m.store.DeleteOverlayAllocation(ctx, hostname); err != nil {
		return fmt.Errorf("overlay: release: %w", err)
	}
	delete(m.usedSlots, a.Slot)
	return nil
}
