// Package naming centralizes the deterministic names KohakuRiver derives
// from a task id: container names (shared between the Host's tunnel/SSH
// routing and the Runner's Docker/QEMU backends), and overlay TAP device
// names/MAC addresses (§4.7: "deterministic names derived from a hash of
// the task-id... trimmed to the kernel's interface-name length" and "MAC
// addresses derived from the same hash in a locally-administered OUI").
// Centralizing this avoids the teacher's dynamic-dispatch-by-name-prefix
// anti-pattern (Design Notes §9) — every caller derives the same name from
// the same task id instead of parsing it back out of a string.
package naming

import (
	"crypto/sha1"
	"fmt"
)

// ContainerPrefix namespaces every container/VM KohakuRiver creates so
// Runner startup recovery (§4.4) can list-and-filter by name.
const ContainerPrefix = "kohakuriver"

// ContainerName returns the Docker container name for a COMMAND or
// container-backend VPS task.
func ContainerName(taskID int64) string {
	return fmt.Sprintf("%s-task-%d", ContainerPrefix, taskID)
}

// VMName returns the libvirt-free QEMU instance name for a VM VPS task.
func VMName(taskID int64) string {
	return fmt.Sprintf("%s-vm-%d", ContainerPrefix, taskID)
}

// TunnelID returns the identifier the tunnel-client inside a task's
// container or VM guest uses when dialing the Runner's /ws/tunnel/{id}
// endpoint (§4.8) — the same deterministic name the Docker or QEMU backend
// gave the workload, so the Host never needs a stored container/VM id to
// route a forward.
func TunnelID(taskID int64, isVM bool) string {
	if isVM {
		return VMName(taskID)
	}
	return ContainerName(taskID)
}

// SnapshotName returns the snapshot image reference for envName taken at
// unixTS (DESIGN.md Open Question 4: standardized on
// `kohakuriver/<env>:snapshot-<unix-ts>`).
func SnapshotName(envName string, unixTS int64) string {
	return fmt.Sprintf("kohakuriver/%s:snapshot-%d", envName, unixTS)
}

// maxIfaceName is the Linux kernel's IFNAMSIZ limit minus the NUL terminator.
const maxIfaceName = 15

// TapName derives a deterministic TAP device name from a task id, trimmed
// to fit the kernel's interface-name length limit (§4.7).
func TapName(taskID int64) string {
	h := taskHash(taskID)
	name := fmt.Sprintf("krtap%x", h[:6])
	if len(name) > maxIfaceName {
		name = name[:maxIfaceName]
	}
	return name
}

// MACAddress derives a deterministic, locally-administered MAC address from
// a task id (§4.7). The low bit of the first octet is cleared (unicast) and
// the second-lowest bit is set (locally administered), per IEEE 802.
func MACAddress(taskID int64) string {
	h := taskHash(taskID)
	first := (h[0] &^ 0x01) | 0x02
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", first, h[1], h[2], h[3], h[4], h[5])
}

func taskHash(taskID int64) []byte {
	sum := sha1.Sum([]byte(fmt.Sprintf("kohakuriver-task-%d", taskID)))
	return sum[:]
}
