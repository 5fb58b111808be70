package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// UpsertNode inserts or updates a Node row on registration.
func (s *Store) UpsertNode(ctx context.Context, n *models.Node) error {
	topoJSON, _ := json.Marshal(n.NUMATopology)
	gpusJSON, _ := json.Marshal(n.GPUs)
	vfioJSON, _ := json.Marshal(n.VFIOCapable)

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO nodes (
			hostname, url, total_cores, total_memory, status, last_heartbeat_at,
			numa_topology, gpus, vm_capable, vfio_capable, runner_version
		) VALUES ($1,$2,$3,$4,'online',now(),$5,$6,$7,$8,$9)
		ON CONFLICT (hostname) DO UPDATE SET
			url = EXCLUDED.url,
			total_cores = EXCLUDED.total_cores,
			total_memory = EXCLUDED.total_memory,
			status = 'online',
			last_heartbeat_at = now(),
			numa_topology = EXCLUDED.numa_topology,
			gpus = EXCLUDED.gpus,
			vm_capable = EXCLUDED.vm_capable,
			vfio_capable = EXCLUDED.vfio_capable,
			runner_version = EXCLUDED.runner_version,
			updated_at = now()
	`, n.Hostname, n.URL, n.TotalCores, n.TotalMemory, topoJSON, gpusJSON,
		n.VMCapable, vfioJSON, n.RunnerVersion)
	if err != nil {
		return fmt.Errorf("store: upsert node: %w", err)
	}
	return nil
}

// RecordHeartbeat updates a Node's liveness and instantaneous metrics.
func (s *Store) RecordHeartbeat(ctx context.Context, hostname string, r models.HeartbeatReport) error {
	gpusJSON, _ := json.Marshal(r.GPUs)
	_, err := s.Pool.Exec(ctx, `
		UPDATE nodes SET
			status = 'online',
			last_heartbeat_at = now(),
			cpu_percent = $1, mem_percent = $2, temp_celsius = $3,
			gpus = $4, vm_capable = $5, runner_version = $6, updated_at = now()
		WHERE hostname = $7
	`, r.CPUPercent, r.MemPercent, r.TempCelsius, gpusJSON, r.VMCapable, r.RunnerVersion, hostname)
	if err != nil {
		return fmt.Errorf("store: record heartbeat: %w", err)
	}
	return nil
}

// MarkOffline flips a Node's status (called by the heartbeat monitor when
// now - last_heartbeat exceeds interval*timeout_factor — §8 invariant 2).
func (s *Store) MarkOffline(ctx context.Context, hostname string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE nodes SET status = 'offline', updated_at = now() WHERE hostname = $1`, hostname)
	if err != nil {
		return fmt.Errorf("store: mark offline: %w", err)
	}
	return nil
}

// GetNode loads a single Node by hostname.
func (s *Store) GetNode(ctx context.Context, hostname string) (*models.Node, error) {
	row := s.Pool.QueryRow(ctx, nodeSelectColumns+" FROM nodes WHERE hostname = $1", hostname)
	return scanNode(row)
}

// ListNodes returns every registered Node.
func (s *Store) ListNodes(ctx context.Context) ([]*models.Node, error) {
	rows, err := s.Pool.Query(ctx, nodeSelectColumns+" FROM nodes ORDER BY hostname")
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

const nodeSelectColumns = `SELECT
	hostname, url, total_cores, total_memory, status, last_heartbeat_at,
	cpu_percent, mem_percent, temp_celsius, numa_topology, gpus, vm_capable,
	vfio_capable, runner_version, created_at, updated_at`

func scanNode(row scannable) (*models.Node, error) {
	var n models.Node
	var topoJSON, gpusJSON, vfioJSON []byte
	var lastHeartbeat *time.Time

	err := row.Scan(
		&n.Hostname, &n.URL, &n.TotalCores, &n.TotalMemory, &n.Status, &lastHeartbeat,
		&n.CPUPercent, &n.MemPercent, &n.TempCelsius, &topoJSON, &gpusJSON, &n.VMCapable,
		&vfioJSON, &n.RunnerVersion, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: scan node: %w", err)
	}
	if lastHeartbeat != nil {
		n.LastHeartbeatAt = *lastHeartbeat
	}

	_ = json.Unmarshal(topoJSON, &n.NUMATopology)
	_ = json.Unmarshal(gpusJSON, &n.GPUs)
	_ = json.Unmarshal(vfioJSON, &n.VFIOCapable)

	return &n, nil
}
