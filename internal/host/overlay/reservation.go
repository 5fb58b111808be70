package overlay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// ReservationStore is the subset of internal/host/store.Store the IP
// reservation flow needs.
type ReservationStore interface {
	InsertIPReservation(ctx context.Context, r *models.IPReservation) error
	GetIPReservation(ctx context.Context, ip string) (*models.IPReservation, error)
	ListIPReservationsForRunner(ctx context.Context, hostname string) ([]*models.IPReservation, error)
	ReleaseIPReservation(ctx context.Context, ip string) error
}

// Reservations hands out HMAC-signed, time-limited holds on overlay IPs.
// The signature scheme - HMAC_k(runner||ip||expiry) - mirrors
// control-plane/internal/notifications/webhook.go's sign/VerifySignature
// pair, swapped from payload-authenticity to capability-token semantics.
type Reservations struct {
	store   ReservationStore
	logger  *zap.Logger
	secret  []byte
	ttl     time.Duration
}

// NewReservations constructs a Reservations manager. secret must be kept
// identical across Host restarts; it is the HMAC key for every outstanding
// token.
func NewReservations(store ReservationStore, logger *zap.Logger, secret []byte, ttl time.Duration) *Reservations {
	return &Reservations{store: store, logger: logger, secret: secret, ttl: ttl}
}

// sign computes HMAC_k(runner||ip||expiry) hex-encoded.
func (rs *Reservations) sign(runner, ip string, expiry int64) string {
	mac := hmac.New(sha256.New, rs.secret)
	fmt.Fprintf(mac, "%s|%s|%d", runner, ip, expiry)
	return hex.EncodeToString(mac.Sum(nil))
}

// verify reports whether token is the valid signature for (runner, ip, expiry).
func (rs *Reservations) verify(runner, ip string, expiry int64, token string) bool {
	expected := rs.sign(runner, ip, expiry)
	return hmac.Equal([]byte(expected), []byte(token))
}

// Reserve picks the next free IP in the Runner's overlay subnet (from
// alloc) and returns a signed, time-limited reservation for it (§4.7).
func (rs *Reservations) Reserve(ctx context.Context, alloc *models.OverlayAllocation) (*models.IPReservation, error) {
	_, subnet, err := net.ParseCIDR(alloc.Subnet)
	if err != nil {
		return nil, fmt.Errorf("overlay: reserve: invalid subnet %q: %w", alloc.Subnet, err)
	}

	existing, err := rs.store.ListIPReservationsForRunner(ctx, alloc.RunnerHostname)
	if err != nil {
		return nil, fmt.Errorf("overlay: reserve: list existing: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, r := range existing {
		taken[r.IP] = true
	}

	ip, err := nextFreeIP(subnet, alloc.GatewayIP, taken)
	if err != nil {
		return nil, err
	}

	expiry := time.Now().Add(rs.ttl)
	token := rs.sign(alloc.RunnerHostname, ip, expiry.Unix())

	res := &models.IPReservation{
		IP:             ip,
		RunnerHostname: alloc.RunnerHostname,
		Token:          token,
		ExpiresAt:      expiry,
	}
	if err := rs.store.InsertIPReservation(ctx, res); err != nil {
		return nil, fmt.Errorf("overlay: reserve: persist: %w", err)
	}
	return res, nil
}

// Verify checks a presented token against the reservation recorded for ip,
// rejecting expired or tampered tokens. Verify does not consume the
// reservation: a valid token keeps verifying until it expires or the IP is
// released (DESIGN.md Open Question 2).
func (rs *Reservations) Verify(ctx context.Context, runner, ip, token string) error {
	res, err := rs.store.GetIPReservation(ctx, ip)
	if err != nil {
		return fmt.Errorf("overlay: verify: no reservation for %s: %w", ip, err)
	}
	if res.RunnerHostname != runner {
		return fmt.Errorf("overlay: verify: reservation belongs to a different runner")
	}
	if time.Now().After(res.ExpiresAt) {
		return fmt.Errorf("overlay: verify: reservation for %s expired", ip)
	}
	if !rs.verify(runner, ip, res.ExpiresAt.Unix(), token) {
		return fmt.Errorf("overlay: verify: signature mismatch for %s", ip)
	}
	return nil
}

// Release frees ip back into the subnet's available pool.
func (rs *Reservations) Release(ctx context.Context, ip string) error {
	return rs.store.ReleaseIPReservation(ctx, ip)
}

// nextFreeIP scans subnet in order, skipping the network/broadcast
// addresses, the gateway, and any IP already reserved.
func nextFreeIP(subnet *net.IPNet, gateway string, taken map[string]bool) (string, error) {
	ip := subnet.IP.Mask(subnet.Mask)
	next := make(net.IP, len(ip))
	copy(next, ip)

	for {
		incIP(next)
		if !subnet.Contains(next) {
			break
		}
		candidate := next.String()
		if candidate == gateway || taken[candidate] {
			continue
		}
		if isBroadcast(next, subnet) {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("overlay: no free ip in %s", subnet.String())
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

func isBroadcast(ip net.IP, subnet *net.IPNet) bool {
	broadcast := make(net.IP, len(subnet.IP))
	for i := range subnet.IP {
		broadcast[i] = subnet.IP[i] | ^subnet.Mask[i]
	}
	return ip.Equal(broadcast)
}
