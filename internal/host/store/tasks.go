package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// InsertTask persists a newly created task row.
func (s *Store) InsertTask(ctx context.Context, t *models.Task) error {
	envJSON, _ := json.Marshal(t.Env)
	gpusJSON, _ := json.Marshal(t.RequiredGPU)
	mountsJSON, _ := json.Marshal(t.ExtraMounts)
	cmdJSON, _ := json.Marshal(t.Command)

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO tasks (
			id, batch_id, kind, owner, approved_by, cores, memory_bytes,
			required_gpus, numa_node, target_host, env, extra_mounts,
			privileged, command, backend, ssh_key_mode, ssh_public_key,
			ssh_port, vm_image, vm_disk_size_gb, vm_overlay_ip, status,
			assigned_host, stdout_path, stderr_path, suspicion_count
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
			$18,$19,$20,$21,$22,$23,$24,$25,$26
		)`,
		t.ID, t.BatchID, t.Kind, t.Owner, t.ApprovedBy, t.Cores, t.MemoryBytes,
		gpusJSON, t.NUMANode, t.TargetHost, envJSON, mountsJSON,
		t.Privileged, cmdJSON, t.Backend, t.SSHKeyMode, t.SSHPublicKey,
		t.SSHPort, t.VMImage, t.VMDiskSizeGB, t.VMOverlayIP, t.Status,
		t.AssignedHost, t.StdoutPath, t.StderrPath, t.SuspicionCount,
	)
	if err != nil {
		return fmt.Errorf("store: insert task: %w", err)
	}
	return nil
}

// GetTask loads a single task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	row := s.Pool.QueryRow(ctx, taskSelectColumns+" FROM tasks WHERE id = $1", id)
	return scanTask(row)
}

// ListTasks returns all tasks, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.Pool.Query(ctx, taskSelectColumns+" FROM tasks ORDER BY id")
	} else {
		rows, err = s.Pool.Query(ctx, taskSelectColumns+" FROM tasks WHERE status = $1 ORDER BY id", status)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus applies a new status plus any status-dependent fields.
// It does not validate the transition against §4.1; callers that need the
// check run scheduler.ValidateTransition before calling this.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status models.TaskStatus, exitCode *int, errMsg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks SET
			status = $1,
			exit_code = COALESCE($2, exit_code),
			error_message = CASE WHEN $3 = '' THEN error_message ELSE $3 END,
			updated_at = now(),
			started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $1 IN ('completed','failed','killed','killed_oom','stopped') THEN now() ELSE completed_at END
		WHERE id = $4
	`, status, exitCode, errMsg, id)
	if err != nil {
		return fmt.Errorf("store: update task status: %w", err)
	}
	return nil
}

// UpdateTaskSSHPort records the dynamic host port a Runner discovered for a
// VPS task's mapped SSH port (§4.4: "reports the port to the Host with
// bounded retry").
func (s *Store) UpdateTaskSSHPort(ctx context.Context, id int64, sshPort int) error {
	_, err := s.Pool.Exec(ctx, `UPDATE tasks SET ssh_port = $1, updated_at = now() WHERE id = $2`, sshPort, id)
	if err != nil {
		return fmt.Errorf("store: update task ssh port: %w", err)
	}
	return nil
}

// AssignTask records dispatch of a task to a Runner and transitions it to assigning.
func (s *Store) AssignTask(ctx context.Context, id int64, hostname string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tasks SET status = 'assigning', assigned_host = $1, suspicion_count = 0, updated_at = now()
		WHERE id = $2
	`, hostname, id)
	if err != nil {
		return fmt.Errorf("store: assign task: %w", err)
	}
	return nil
}

// IncrementSuspicion bumps a task's suspicion counter and returns the new value.
func (s *Store) IncrementSuspicion(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.Pool.QueryRow(ctx, `
		UPDATE tasks SET suspicion_count = suspicion_count + 1, updated_at = now()
		WHERE id = $1 RETURNING suspicion_count
	`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: increment suspicion: %w", err)
	}
	return count, nil
}

// DeleteTask removes a non-running task row (§3 lifecycle: "destroyed only
// by explicit delete on a non-running task" — callers must check status).
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("store: delete task: %w", err)
	}
	return nil
}

// TasksAssignedTo returns all non-terminal tasks currently assigned to hostname.
func (s *Store) TasksAssignedTo(ctx context.Context, hostname string) ([]*models.Task, error) {
	rows, err := s.Pool.Query(ctx, taskSelectColumns+` FROM tasks
		WHERE assigned_host = $1 AND status NOT IN ('rejected','completed','failed','killed','killed_oom','stopped')
		ORDER BY id`, hostname)
	if err != nil {
		return nil, fmt.Errorf("store: tasks assigned to: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const taskSelectColumns = `SELECT
	id, batch_id, kind, owner, approved_by, cores, memory_bytes,
	required_gpus, numa_node, target_host, env, extra_mounts,
	privileged, command, backend, ssh_key_mode, ssh_public_key,
	ssh_port, vm_image, vm_disk_size_gb, vm_overlay_ip, status,
	assigned_host, started_at, completed_at, exit_code, error_message,
	stdout_path, stderr_path, suspicion_count, created_at, updated_at`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scannable) (*models.Task, error) {
	return scanTaskRow(row)
}

func scanTaskRow(row scannable) (*models.Task, error) {
	var t models.Task
	var envJSON, gpusJSON, mountsJSON, cmdJSON []byte

	err := row.Scan(
		&t.ID, &t.BatchID, &t.Kind, &t.Owner, &t.ApprovedBy, &t.Cores, &t.MemoryBytes,
		&gpusJSON, &t.NUMANode, &t.TargetHost, &envJSON, &mountsJSON,
		&t.Privileged, &cmdJSON, &t.Backend, &t.SSHKeyMode, &t.SSHPublicKey,
		&t.SSHPort, &t.VMImage, &t.VMDiskSizeGB, &t.VMOverlayIP, &t.Status,
		&t.AssignedHost, &t.StartedAt, &t.CompletedAt, &t.ExitCode, &t.ErrorMessage,
		&t.StdoutPath, &t.StderrPath, &t.SuspicionCount, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: scan task: %w", err)
	}

	_ = json.Unmarshal(envJSON, &t.Env)
	_ = json.Unmarshal(gpusJSON, &t.RequiredGPU)
	_ = json.Unmarshal(mountsJSON, &t.ExtraMounts)
	_ = json.Unmarshal(cmdJSON, &t.Command)

	return &t, nil
}
