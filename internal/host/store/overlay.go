package store

import (
	"context"
	"fmt"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// InsertOverlayAllocation persists a new per-Runner overlay slot (§4.7).
func (s *Store) InsertOverlayAllocation(ctx context.Context, a *models.OverlayAllocation) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO overlay_allocations (runner_hostname, subnet, vxlan_id, gateway_ip, host_iface_name, slot)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (runner_hostname) DO NOTHING
	`, a.RunnerHostname, a.Subnet, a.VXLANID, a.GatewayIP, a.HostIfaceName, a.Slot)
	if err != nil {
		return fmt.Errorf("store: insert overlay allocation: %w", err)
	}
	return nil
}

// GetOverlayAllocation loads a Runner's overlay allocation, if any.
func (s *Store) GetOverlayAllocation(ctx context.Context, hostname string) (*models.OverlayAllocation, error) {
	var a models.OverlayAllocation
	err := s.Pool.QueryRow(ctx, `
		SELECT runner_hostname, subnet, vxlan_id, gateway_ip, host_iface_name, slot, registered_at
		FROM overlay_allocations WHERE runner_hostname = $1
	`, hostname).Scan(&a.RunnerHostname, &a.Subnet, &a.VXLANID, &a.GatewayIP, &a.HostIfaceName, &a.Slot, &a.RegisteredAt)
	if err != nil {
		return nil, fmt.Errorf("store: get overlay allocation: %w", err)
	}
	return &a, nil
}

// ListOverlayAllocations returns every allocation, used to recover the slot
// table on Host restart before any new slot is given out (§4.7 Allocation).
func (s *Store) ListOverlayAllocations(ctx context.Context) ([]*models.OverlayAllocation, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT runner_hostname, subnet, vxlan_id, gateway_ip, host_iface_name, slot, registered_at
		FROM overlay_allocations ORDER BY slot
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list overlay allocations: %w", err)
	}
	defer rows.Close()

	var out []*models.OverlayAllocation
	for rows.Next() {
		var a models.OverlayAllocation
		if err := rows.Scan(&a.RunnerHostname, &a.Subnet, &a.VXLANID, &a.GatewayIP, &a.HostIfaceName, &a.Slot, &a.RegisteredAt); err != nil {
			return nil, fmt.Errorf("store: scan overlay allocation: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DeleteOverlayAllocation releases a Runner's slot (explicit teardown only).
func (s *Store) DeleteOverlayAllocation(ctx context.Context, hostname string) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM overlay_allocations WHERE runner_hostname = $1", hostname)
	if err != nil {
		return fmt.Errorf("store: delete overlay allocation: %w", err)
	}
	return nil
}

// InsertIPReservation records an ephemeral IP hold.
func (s *Store) InsertIPReservation(ctx context.Context, r *models.IPReservation) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO ip_reservations (ip, runner_hostname, token, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (ip) DO UPDATE SET runner_hostname = EXCLUDED.runner_hostname,
			token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
	`, r.IP, r.RunnerHostname, r.Token, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert ip reservation: %w", err)
	}
	return nil
}

// GetIPReservation loads a reservation by IP.
func (s *Store) GetIPReservation(ctx context.Context, ip string) (*models.IPReservation, error) {
	var r models.IPReservation
	err := s.Pool.QueryRow(ctx, `
		SELECT ip, runner_hostname, token, expires_at FROM ip_reservations WHERE ip = $1
	`, ip).Scan(&r.IP, &r.RunnerHostname, &r.Token, &r.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("store: get ip reservation: %w", err)
	}
	return &r, nil
}

// ListIPReservationsForRunner returns every reservation currently held
// against hostname's subnet, used to compute the available-IP set.
func (s *Store) ListIPReservationsForRunner(ctx context.Context, hostname string) ([]*models.IPReservation, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT ip, runner_hostname, token, expires_at FROM ip_reservations
		WHERE runner_hostname = $1 AND expires_at > now()
	`, hostname)
	if err != nil {
		return nil, fmt.Errorf("store: list ip reservations: %w", err)
	}
	defer rows.Close()

	var out []*models.IPReservation
	for rows.Next() {
		var r models.IPReservation
		if err := rows.Scan(&r.IP, &r.RunnerHostname, &r.Token, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan ip reservation: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ReleaseIPReservation removes a reservation (explicit release or consumption).
func (s *Store) ReleaseIPReservation(ctx context.Context, ip string) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM ip_reservations WHERE ip = $1", ip)
	if err != nil {
		return fmt.Errorf("store: release ip reservation: %w", err)
	}
	return nil
}
