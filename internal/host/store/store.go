// Package store is the Host's durable state store: the single writer
// (§3 invariant 8, §8.7) for tasks, nodes, overlay allocations, IP
// reservations, and auth entities. Grounded on
// control-plane/pkg/database/database.go's pgxpool wrapper; see
// DESIGN.md for why pgx/Postgres — not a literal embedded file — was kept
// as the "single file-backed state store" named in spec §6.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KohakuBlueleaf/kohakuriver/internal/host/config"
)

// Store wraps the pgxpool connection pool used by every query file in this
// package (tasks.go, nodes.go, overlay.go, auth.go).
type Store struct {
	Pool *pgxpool.Pool
}

// New opens the pool and verifies connectivity.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{Pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Health checks connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Migrate creates every table this store uses if absent. KohakuRiver has no
// separate migration tool in scope; a single idempotent DDL batch run at
// startup follows the teacher's "simple by default" posture for ambient
// infra concerns not named as a core component in the spec.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
	hostname TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	total_cores INT NOT NULL,
	total_memory BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'offline',
	last_heartbeat_at TIMESTAMPTZ,
	cpu_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	mem_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	temp_celsius DOUBLE PRECISION NOT NULL DEFAULT 0,
	numa_topology JSONB NOT NULL DEFAULT '{}',
	gpus JSONB NOT NULL DEFAULT '[]',
	vm_capable BOOLEAN NOT NULL DEFAULT FALSE,
	vfio_capable JSONB NOT NULL DEFAULT '[]',
	runner_version TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tasks (
	id BIGINT PRIMARY KEY,
	batch_id BIGINT NOT NULL,
	kind TEXT NOT NULL,
	owner TEXT NOT NULL,
	approved_by TEXT,
	cores INT NOT NULL DEFAULT 0,
	memory_bytes BIGINT NOT NULL DEFAULT 0,
	required_gpus JSONB NOT NULL DEFAULT '[]',
	numa_node INT,
	target_host TEXT NOT NULL DEFAULT '',
	env JSONB NOT NULL DEFAULT '{}',
	extra_mounts JSONB NOT NULL DEFAULT '[]',
	privileged BOOLEAN NOT NULL DEFAULT FALSE,
	command JSONB NOT NULL DEFAULT '[]',
	backend TEXT NOT NULL DEFAULT '',
	ssh_key_mode TEXT NOT NULL DEFAULT '',
	ssh_public_key TEXT NOT NULL DEFAULT '',
	ssh_port INT NOT NULL DEFAULT 0,
	vm_image TEXT NOT NULL DEFAULT '',
	vm_disk_size_gb INT NOT NULL DEFAULT 0,
	vm_overlay_ip TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	assigned_host TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	exit_code INT,
	error_message TEXT NOT NULL DEFAULT '',
	stdout_path TEXT NOT NULL DEFAULT '',
	stderr_path TEXT NOT NULL DEFAULT '',
	suspicion_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_host ON tasks(assigned_host);

CREATE TABLE IF NOT EXISTS overlay_allocations (
	runner_hostname TEXT PRIMARY KEY,
	subnet TEXT NOT NULL,
	vxlan_id INT NOT NULL,
	gateway_ip TEXT NOT NULL,
	host_iface_name TEXT NOT NULL,
	slot INT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ip_reservations (
	ip TEXT PRIMARY KEY,
	runner_hostname TEXT NOT NULL,
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id BIGINT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS api_tokens (
	id BIGINT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id),
	name TEXT NOT NULL,
	hash_sha3 TEXT UNIQUE NOT NULL,
	last_used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS invitations (
	token TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	group_name TEXT NOT NULL DEFAULT '',
	max_usage INT NOT NULL,
	usage_count INT NOT NULL DEFAULT 0,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
	name TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	quotas JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS user_group_memberships (
	user_id BIGINT NOT NULL REFERENCES users(id),
	group_name TEXT NOT NULL REFERENCES groups(name),
	role_override TEXT,
	PRIMARY KEY (user_id, group_name)
);

CREATE TABLE IF NOT EXISTS vps_assignments (
	task_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL REFERENCES users(id),
	PRIMARY KEY (task_id, user_id)
);
`
