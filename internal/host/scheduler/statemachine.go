// Package scheduler implements the Host's task scheduling algorithm and the
// 12-state task lifecycle state machine (spec §4.1), grounded on
// control-plane/internal/scheduler/scheduler.go's SchedulingStrategy
// interface and nodepool.go's sync.Map-backed node cache.
package scheduler

import (
	"fmt"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

// transitions enumerates every edge the state machine accepts. Any update
// not present here MUST be rejected (§3 invariant 2).
var transitions = map[models.TaskStatus]map[models.TaskStatus]bool{
	models.StatusPendingApproval: {
		models.StatusPending:  true, // approve
		models.StatusRejected: true, // reject
	},
	models.StatusPending: {
		models.StatusAssigning: true, // dispatch
	},
	models.StatusAssigning: {
		models.StatusRunning: true, // runner ack
		models.StatusFailed:  true, // suspicion threshold exceeded ("assignment lost")
		models.StatusLost:    true, // node went offline before runner ack
	},
	models.StatusRunning: {
		models.StatusPaused:    true, // pause
		models.StatusStopped:   true, // vps stop
		models.StatusKilled:    true, // kill
		models.StatusKilledOOM: true, // oom report
		models.StatusCompleted: true, // exit 0
		models.StatusFailed:    true, // exit nonzero
		models.StatusLost:      true, // heartbeat timeout
	},
	models.StatusPaused: {
		models.StatusRunning: true, // resume
		models.StatusKilled:  true, // kill while paused
		models.StatusLost:    true, // node went offline while paused
	},
	models.StatusLost: {
		// VPS-only exception, enforced by ValidateTransition's kind check.
		models.StatusRunning: true,
	},
}

// ValidateTransition reports whether moving from 'from' to 'to' is a legal
// edge for a task of the given kind. It encodes the one kind-conditioned
// exception itself (lost -> running is VPS-only, §3 invariant 6).
func ValidateTransition(kind models.TaskKind, from, to models.TaskStatus) error {
	if from == models.StatusLost && to == models.StatusRunning {
		if kind != models.TaskKindVPS {
			return fmt.Errorf("scheduler: lost->running is only valid for vps tasks, got kind %q", kind)
		}
		return nil
	}

	edges, ok := transitions[from]
	if !ok || !edges[to] {
		return fmt.Errorf("scheduler: illegal transition %s -> %s", from, to)
	}
	return nil
}

// InitialStatus returns the status a newly submitted task starts in,
// depending on whether the submitter is a user (needs approval) or an
// operator/admin (skips approval) — §4.10.
func InitialStatus(submitterRole models.Role) models.TaskStatus {
	if submitterRole.AtLeast(models.RoleOperator) {
		return models.StatusPending
	}
	return models.StatusPendingApproval
}
