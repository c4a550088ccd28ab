// Package pipeline provides the data model of the pipecore execution core:
// node executions, their runtime statuses, interrupts and advises.
package pipeline

import "sort"

// Status is the runtime status of a NodeExecution.
//
// A NodeExecution's status is mutated only through the status Authority
// (package pipeline/status), which applies every change as a conditional
// write against the store.
type Status string

// Runtime statuses.
const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusPausing             Status = "PAUSING"
	StatusPaused              Status = "PAUSED"
	StatusDiscontinuing       Status = "DISCONTINUING"
	StatusTaskWaiting         Status = "TASK_WAITING"
	StatusAsyncWaiting        Status = "ASYNC_WAITING"
	StatusTimedWaiting        Status = "TIMED_WAITING"
	StatusResourceWaiting     Status = "RESOURCE_WAITING"
	StatusApprovalWaiting     Status = "APPROVAL_WAITING"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusSucceeded           Status = "SUCCEEDED"
	StatusFailed              Status = "FAILED"
	StatusAborted             Status = "ABORTED"
	StatusExpired             Status = "EXPIRED"
	StatusIgnoreFailed        Status = "IGNORE_FAILED"
	StatusSkipped             Status = "SKIPPED"
)

var allStatuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusPausing,
	StatusPaused,
	StatusDiscontinuing,
	StatusTaskWaiting,
	StatusAsyncWaiting,
	StatusTimedWaiting,
	StatusResourceWaiting,
	StatusApprovalWaiting,
	StatusInterventionWaiting,
	StatusSucceeded,
	StatusFailed,
	StatusAborted,
	StatusExpired,
	StatusIgnoreFailed,
	StatusSkipped,
}

// Valid reports whether s is a member of the status enum.
func (s Status) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsFinal reports whether s is a terminal status.
func (s Status) IsFinal() bool {
	return FinalStatuses.Contains(s)
}

func (s Status) String() string {
	return string(s)
}

// AllStatuses returns every member of the status enum in declaration order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// StatusSet is an immutable set of statuses used as the precondition of a
// conditional status transition.
type StatusSet struct {
	members map[Status]struct{}
}

// NewStatusSet builds a StatusSet from the given statuses.
func NewStatusSet(statuses ...Status) StatusSet {
	members := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		members[s] = struct{}{}
	}
	return StatusSet{members: members}
}

// Contains reports whether s is in the set.
func (ss StatusSet) Contains(s Status) bool {
	_, ok := ss.members[s]
	return ok
}

// Len returns the number of statuses in the set.
func (ss StatusSet) Len() int {
	return len(ss.members)
}

// Slice returns the members sorted lexically so that callers building
// queries get a deterministic argument order.
func (ss StatusSet) Slice() []Status {
	out := make([]Status, 0, len(ss.members))
	for s := range ss.members {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Union returns a new set holding the members of both sets.
func (ss StatusSet) Union(other StatusSet) StatusSet {
	merged := make([]Status, 0, ss.Len()+other.Len())
	merged = append(merged, ss.Slice()...)
	merged = append(merged, other.Slice()...)
	return NewStatusSet(merged...)
}

// Named transition precondition sets.
var (
	// AbortableStatuses are the statuses an ABORT can move to DISCONTINUING.
	AbortableStatuses = NewStatusSet(
		StatusRunning,
		StatusInterventionWaiting,
		StatusTimedWaiting,
		StatusAsyncWaiting,
		StatusTaskWaiting,
		StatusPausing,
		StatusResourceWaiting,
		StatusApprovalWaiting,
	)

	// FinalStatuses are terminal; a node in one of them never runs again.
	FinalStatuses = NewStatusSet(
		StatusSucceeded,
		StatusFailed,
		StatusAborted,
		StatusExpired,
		StatusIgnoreFailed,
		StatusSkipped,
	)

	// ActiveStatuses are every non-final status.
	ActiveStatuses = NewStatusSet(
		StatusQueued,
		StatusRunning,
		StatusPausing,
		StatusPaused,
		StatusDiscontinuing,
		StatusTaskWaiting,
		StatusAsyncWaiting,
		StatusTimedWaiting,
		StatusResourceWaiting,
		StatusApprovalWaiting,
		StatusInterventionWaiting,
	)

	// RunningStatuses are the statuses from which a node's own completion
	// callback may conclude it.
	RunningStatuses = NewStatusSet(
		StatusQueued,
		StatusRunning,
		StatusTaskWaiting,
		StatusAsyncWaiting,
		StatusTimedWaiting,
		StatusResourceWaiting,
		StatusApprovalWaiting,
	)

	// RetryableStatuses are the statuses a failed attempt may be retried from.
	RetryableStatuses = NewStatusSet(
		StatusFailed,
		StatusExpired,
		StatusInterventionWaiting,
	)
)
