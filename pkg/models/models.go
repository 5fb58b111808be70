// Package models holds the data-model types shared between the Host, the
// Runner, and the durable/ephemeral stores. Grounded in the shape of
// control-plane/pkg/models/models.go, generalized from the teacher's
// tenant/node/usage domain to KohakuRiver's task/node/overlay/auth domain.
package models

import "time"

// TaskKind distinguishes one-shot command execution from long-lived VPS.
type TaskKind string

const (
	TaskKindCommand TaskKind = "command"
	TaskKindVPS     TaskKind = "vps"
)

// TaskStatus is one of the 12 states in the scheduler's state machine (§4.1).
type TaskStatus string

const (
	StatusPendingApproval TaskStatus = "pending_approval"
	StatusRejected        TaskStatus = "rejected"
	StatusPending         TaskStatus = "pending"
	StatusAssigning       TaskStatus = "assigning"
	StatusRunning         TaskStatus = "running"
	StatusPaused          TaskStatus = "paused"
	StatusCompleted       TaskStatus = "completed"
	StatusFailed          TaskStatus = "failed"
	StatusKilled          TaskStatus = "killed"
	StatusKilledOOM       TaskStatus = "killed_oom"
	StatusStopped         TaskStatus = "stopped"
	StatusLost            TaskStatus = "lost"
)

// Terminal reports whether a status accepts no further transitions, with
// the VPS lost->running exception handled separately by the state machine.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusFailed, StatusKilled, StatusKilledOOM, StatusStopped:
		return true
	default:
		return false
	}
}

// VPSBackend is the explicit backend tag replacing the teacher's
// string-prefix dispatch pattern (Design Notes §9).
type VPSBackend string

const (
	BackendDocker VPSBackend = "docker"
	BackendQEMU   VPSBackend = "qemu"
)

// SSHKeyMode controls how a VPS task's SSH access is provisioned.
type SSHKeyMode string

const (
	SSHKeyDisabled SSHKeyMode = "disabled"
	SSHKeyNone     SSHKeyMode = "none"
	SSHKeyUpload   SSHKeyMode = "upload"
	SSHKeyGenerate SSHKeyMode = "generate"
)

// ContainerEnv names either a named environment (tarball-distributed) or a
// registry image; exactly one should be set.
type ContainerEnv struct {
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
}

// Task is the primary unit of work, identified by a Snowflake id.
type Task struct {
	ID      int64    `json:"id"`
	BatchID int64    `json:"batch_id"`
	Kind    TaskKind `json:"kind"`

	Owner      string  `json:"owner"`
	ApprovedBy *string `json:"approved_by,omitempty"`

	Cores       int     `json:"cores"` // 0 = unlimited
	MemoryBytes int64   `json:"memory_bytes"`
	RequiredGPU []int   `json:"required_gpus"`
	NUMANode    *int    `json:"numa_node,omitempty"`
	TargetHost  string  `json:"target_host"`
	Env         ContainerEnv `json:"env"`
	ExtraMounts []string `json:"extra_mounts,omitempty"`
	Privileged  bool     `json:"privileged"`
	Command     []string `json:"command,omitempty"`

	Backend       VPSBackend `json:"backend,omitempty"`
	SSHKeyMode    SSHKeyMode `json:"ssh_key_mode,omitempty"`
	SSHPublicKey  string     `json:"ssh_public_key,omitempty"`
	SSHPort       int        `json:"ssh_port,omitempty"`
	VMImage       string     `json:"vm_image,omitempty"`
	VMDiskSizeGB  int        `json:"vm_disk_size_gb,omitempty"`
	VMOverlayIP   string     `json:"vm_overlay_ip,omitempty"`

	Status          TaskStatus `json:"status"`
	AssignedHost    string     `json:"assigned_host,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StdoutPath      string     `json:"stdout_path,omitempty"`
	StderrPath      string     `json:"stderr_path,omitempty"`
	SuspicionCount  int        `json:"suspicion_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsVPS reports whether the task is a long-lived VPS (container or VM).
func (t *Task) IsVPS() bool { return t.Kind == TaskKindVPS }

// GPUInfo describes one GPU on a Node.
type GPUInfo struct {
	Index       int     `json:"index"`
	Model       string  `json:"model"`
	MemoryMB    int     `json:"memory_mb"`
	Utilization float64 `json:"utilization"`
}

// VFIODevice describes a GPU eligible for VFIO passthrough, plus the other
// non-bridge devices sharing its IOMMU group (§4.6).
type VFIODevice struct {
	PCIAddress      string   `json:"pci_address"`
	IOMMUGroup      int      `json:"iommu_group"`
	CompanionDevices []string `json:"companion_devices"`
}

// Node is one registered Runner.
type Node struct {
	Hostname    string  `json:"hostname"`
	URL         string  `json:"url"`
	TotalCores  int     `json:"total_cores"`
	TotalMemory int64   `json:"total_memory"`

	Status          string    `json:"status"` // "online" | "offline"
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`

	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	TempCelsius float64 `json:"temp_celsius"`

	NUMATopology map[int][]int `json:"numa_topology"` // numa id -> cpu core ids

	GPUs []GPUInfo `json:"gpus"`

	VMCapable   bool         `json:"vm_capable"`
	VFIOCapable []VFIODevice `json:"vfio_capable_gpus"`

	RunnerVersion string `json:"runner_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Online reports liveness per invariant §8.2: offline iff
// now - LastHeartbeatAt > interval*timeoutFactor.
func (n *Node) Online(now time.Time, interval time.Duration, timeoutFactor int) bool {
	return now.Sub(n.LastHeartbeatAt) <= interval*time.Duration(timeoutFactor)
}

// OverlayAllocation is one Runner's slice of the overlay CIDR plan (§4.7).
type OverlayAllocation struct {
	RunnerHostname string    `json:"runner_hostname"`
	Subnet         string    `json:"subnet"` // CIDR, e.g. 10.244.3.0/24
	VXLANID        int       `json:"vxlan_id"`
	GatewayIP      string    `json:"gateway_ip"`
	HostIfaceName  string    `json:"host_iface_name"` // e.g. vxkr3
	Slot           int       `json:"slot"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// IPReservation is an ephemeral, per-request hold on an overlay IP (§4.7).
type IPReservation struct {
	IP             string    `json:"ip"`
	RunnerHostname string    `json:"runner_hostname"`
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Role is a position in the five-level auth hierarchy (§4.10).
type Role string

const (
	RoleAnonymous Role = "anony"
	RoleViewer    Role = "viewer"
	RoleUser      Role = "user"
	RoleOperator  Role = "operator"
	RoleAdmin     Role = "admin"
)

var roleRank = map[Role]int{
	RoleAnonymous: 0,
	RoleViewer:    1,
	RoleUser:      2,
	RoleOperator:  3,
	RoleAdmin:     4,
}

// AtLeast reports whether r meets or exceeds min in the hierarchy.
func (r Role) AtLeast(min Role) bool { return roleRank[r] >= roleRank[min] }

// User is an authenticated principal.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
	Active       bool   `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is a server-side login session.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIToken is stored only as a SHA3-512 hash of the plaintext (§4.10, §3 invariant 9).
type APIToken struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	Name       string     `json:"name"`
	HashSHA3   string     `json:"-"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Invitation grants registration into a role, optionally scoped to a group.
type Invitation struct {
	Token      string    `json:"token"`
	Role       Role      `json:"role"`
	GroupName  string    `json:"group_name,omitempty"`
	MaxUsage   int       `json:"max_usage"`
	UsageCount int       `json:"usage_count"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Group attaches a JSON quota document to a named tier.
type Group struct {
	Name   string                 `json:"name"`
	Tier   string                 `json:"tier"`
	Quotas map[string]interface{} `json:"quotas"`
}

// UserGroupMembership optionally overrides a user's role within a group.
type UserGroupMembership struct {
	UserID       int64 `json:"user_id"`
	GroupName    string `json:"group_name"`
	RoleOverride *Role `json:"role_override,omitempty"`
}

// VPSAssignment grants a user access to a VPS task beyond its owner.
type VPSAssignment struct {
	TaskID int64 `json:"task_id"`
	UserID int64 `json:"user_id"`
}

// HeartbeatReport is the body of a Runner's periodic PUT /api/heartbeat/{hostname}.
type HeartbeatReport struct {
	RunningTaskIDs []int64           `json:"running_task_ids"`
	KilledTasks    []KilledTaskEntry `json:"killed_tasks"`
	CPUPercent     float64           `json:"cpu_percent"`
	MemPercent     float64           `json:"mem_percent"`
	TempCelsius    float64           `json:"temp_celsius"`
	GPUs           []GPUInfo         `json:"gpus"`
	VMCapable      bool              `json:"vm_capable"`
	RunnerVersion  string            `json:"runner_version"`
}

// KilledTaskEntry records a task the Runner killed since the previous heartbeat.
type KilledTaskEntry struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"` // e.g. "oom"
}

// RegisterRequest is the body of a Runner's POST /api/register.
type RegisterRequest struct {
	Hostname      string        `json:"hostname"`
	URL           string        `json:"url"`
	TotalCores    int           `json:"total_cores"`
	TotalMemory   int64         `json:"total_memory"`
	NUMATopology  map[int][]int `json:"numa_topology"`
	GPUs          []GPUInfo     `json:"gpus"`
	VMCapable     bool          `json:"vm_capable"`
	VFIOCapable   []VFIODevice  `json:"vfio_capable_gpus"`
	RunnerVersion string        `json:"runner_version"`
}

// RegisterResponse returns overlay configuration when overlay is enabled.
type RegisterResponse struct {
	OverlayEnabled bool               `json:"overlay_enabled"`
	Overlay        *OverlayAllocation `json:"overlay,omitempty"`
}
