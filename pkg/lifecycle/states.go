// Package lifecycle enforces the status transitions that move a signal through diagnosis,
// review and remediation. It is the only writer of status fields; every transition is a
// compare-and-set against the record store so concurrent callers cannot both win.
package lifecycle

import (
	"slices"

	"darwin/pkg/persistence"
)

// issuePredecessors lists, per target status, the statuses an issue may be in beforehand.
// A nil entry means the transition is legal from any status.
//
//nolint:gochecknoglobals // Intentional package-level constant for state machine definition
var issuePredecessors = map[persistence.IssueStatus][]persistence.IssueStatus{
	persistence.IssueStatusApproved: {
		persistence.IssueStatusDiagnosed,
		persistence.IssueStatusRejected, // re-approval after rejection
	},
	persistence.IssueStatusRejected: nil,
	persistence.IssueStatusPRCreated: {
		persistence.IssueStatusApproved,
	},
}

//nolint:gochecknoglobals // Intentional package-level constant for state machine definition
var signalPredecessors = map[persistence.SignalStatus][]persistence.SignalStatus{
	persistence.SignalStatusAnalyzed: {
		persistence.SignalStatusNew,
	},
	persistence.SignalStatusDismissed: {
		persistence.SignalStatusNew,
		persistence.SignalStatusProcessing,
	},
}

//nolint:gochecknoglobals // Intentional package-level constant for state machine definition
var taskPredecessors = map[persistence.TaskStatus][]persistence.TaskStatus{
	persistence.TaskStatusInProgress: {
		persistence.TaskStatusPending,
	},
	persistence.TaskStatusCompleted: {
		persistence.TaskStatusPending,
		persistence.TaskStatusInProgress,
	},
	persistence.TaskStatusCancelled: {
		persistence.TaskStatusPending,
		persistence.TaskStatusInProgress,
	},
}

// IssuePredecessors returns the statuses from which an issue may move to target.
// With permissive set, remediation may also act on a diagnosed issue directly.
// The second result is false when no transition into target is defined.
func IssuePredecessors(target persistence.IssueStatus, permissive bool) ([]persistence.IssueStatus, bool) {
	from, ok := issuePredecessors[target]
	if !ok {
		return nil, false
	}
	if permissive && target == persistence.IssueStatusPRCreated {
		from = append([]persistence.IssueStatus{persistence.IssueStatusDiagnosed}, from...)
	}
	return from, true
}

// IsValidIssueTransition checks if an issue may move from one status to another.
func IsValidIssueTransition(from, to persistence.IssueStatus, permissive bool) bool {
	allowed, ok := IssuePredecessors(to, permissive)
	if !ok {
		return false
	}
	if allowed == nil {
		return true
	}
	return persistence.Contains(allowed, from)
}

// IsValidSignalTransition checks if a signal may move from one status to another.
func IsValidSignalTransition(from, to persistence.SignalStatus) bool {
	allowed, ok := signalPredecessors[to]
	return ok && persistence.Contains(allowed, from)
}

// IsValidTaskTransition checks if a task may move from one status to another.
func IsValidTaskTransition(from, to persistence.TaskStatus) bool {
	allowed, ok := taskPredecessors[to]
	return ok && persistence.Contains(allowed, from)
}

// ReviewableStatuses are the issue statuses Approve accepts.
func ReviewableStatuses() []persistence.IssueStatus {
	return slices.Clone(issuePredecessors[persistence.IssueStatusApproved])
}

// RemediableStatuses are the issue statuses remediation may act on.
func RemediableStatuses(permissive bool) []persistence.IssueStatus {
	from, _ := IssuePredecessors(persistence.IssueStatusPRCreated, permissive)
	return slices.Clone(from)
}
