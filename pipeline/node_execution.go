package pipeline

import "time"

// ExecutionMode governs how the ParentID-linked children of a NodeExecution
// are interpreted.
type ExecutionMode string

// Execution modes.
const (
	// ModeChild spawns a single child subgraph.
	ModeChild ExecutionMode = "CHILD"
	// ModeChildren spawns parallel child subgraphs.
	ModeChildren ExecutionMode = "CHILDREN"
	// ModeChildChain spawns children that run as one linear chain.
	ModeChildChain ExecutionMode = "CHILD_CHAIN"
	// ModeTask delegates work to a remote task executor.
	ModeTask ExecutionMode = "TASK"
	// ModeAsync waits for an asynchronous callback.
	ModeAsync ExecutionMode = "ASYNC"
	// ModeSync runs to completion in-process.
	ModeSync ExecutionMode = "SYNC"
)

// FailureType is a category tag on a failure, used to route the failure to
// the applicable adviser.
type FailureType string

// Failure types.
const (
	FailureAuthentication       FailureType = "AUTHENTICATION"
	FailureAuthorization        FailureType = "AUTHORIZATION"
	FailureConnectivity         FailureType = "CONNECTIVITY"
	FailureTimeout              FailureType = "TIMEOUT"
	FailureDelegateProvisioning FailureType = "DELEGATE_PROVISIONING"
	FailureVerification         FailureType = "VERIFICATION"
	FailureApplicationError     FailureType = "APPLICATION_ERROR"
	FailurePolicyEvaluation     FailureType = "POLICY_EVALUATION"
	FailureUnknown              FailureType = "UNKNOWN"
)

// Valid reports whether t is a known failure type.
func (t FailureType) Valid() bool {
	switch t {
	case FailureAuthentication, FailureAuthorization, FailureConnectivity, FailureTimeout,
		FailureDelegateProvisioning, FailureVerification, FailureApplicationError,
		FailurePolicyEvaluation, FailureUnknown:
		return true
	}
	return false
}

// FailureInfo describes why a node execution failed.
type FailureInfo struct {
	ErrorMessage string        `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
	FailureTypes []FailureType `json:"failureTypes,omitempty" yaml:"failureTypes,omitempty"`
}

// HasAny reports whether at least one of the failure's types is in types.
func (f *FailureInfo) HasAny(types []FailureType) bool {
	if f == nil {
		return false
	}
	for _, have := range f.FailureTypes {
		for _, want := range types {
			if have == want {
				return true
			}
		}
	}
	return false
}

// InterruptEffect records that an interrupt changed the fate of a node.
// Effects are appended to NodeExecution.InterruptHistories and never mutated.
type InterruptEffect struct {
	InterruptID   string            `json:"interruptId"`
	InterruptType InterruptType     `json:"interruptType"`
	Config        map[string]string `json:"config,omitempty"`
	TookEffectAt  time.Time         `json:"tookEffectAt"`
}

// NodeExecution is one execution attempt of one graph node.
//
// Relationships to other nodes are id references (ParentID, PreviousID,
// NextID, RetryIDs), never pointers, so that a corrupted record cannot create
// an in-memory cycle.
type NodeExecution struct {
	ID              string        `json:"id"`
	PlanExecutionID string        `json:"planExecutionId"`
	NodeSetupID     string        `json:"nodeSetupId"`
	Name            string        `json:"name"`
	StepType        string        `json:"stepType"`
	Status          Status        `json:"status"`
	Mode            ExecutionMode `json:"mode"`

	// ParentID is the node whose completion spawned this one as a child.
	ParentID string `json:"parentId,omitempty"`
	// PreviousID is set only on non-head nodes of a sequential chain.
	PreviousID string `json:"previousId,omitempty"`
	// NextID is the node to run after this one on the same level.
	NextID string `json:"nextId,omitempty"`

	// RetryIDs lists earlier failed attempts of the same definition, oldest
	// first. It only grows.
	RetryIDs []string `json:"retryIds,omitempty"`
	// OldRetry marks an attempt that has been superseded by a retry.
	OldRetry bool `json:"oldRetry,omitempty"`

	// TaskID identifies the outstanding remote task, if any.
	TaskID string `json:"taskId,omitempty"`

	FailureInfo        *FailureInfo      `json:"failureInfo,omitempty"`
	InterruptHistories []InterruptEffect `json:"interruptHistories,omitempty"`

	StartTs       time.Time `json:"startTs"`
	EndTs         time.Time `json:"endTs,omitempty"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`

	// Version is bumped by every successful conditional write.
	Version int64 `json:"version"`
}

// IsChainHead reports whether the node starts a child chain of its parent.
func (n NodeExecution) IsChainHead() bool {
	return n.ParentID != "" && n.PreviousID == ""
}

// Clone returns a deep copy of n.
func (n NodeExecution) Clone() NodeExecution {
	out := n
	if n.RetryIDs != nil {
		out.RetryIDs = append([]string(nil), n.RetryIDs...)
	}
	if n.FailureInfo != nil {
		fi := *n.FailureInfo
		fi.FailureTypes = append([]FailureType(nil), n.FailureInfo.FailureTypes...)
		out.FailureInfo = &fi
	}
	if n.InterruptHistories != nil {
		out.InterruptHistories = make([]InterruptEffect, len(n.InterruptHistories))
		for i, eff := range n.InterruptHistories {
			out.InterruptHistories[i] = eff.clone()
		}
	}
	return out
}

func (e InterruptEffect) clone() InterruptEffect {
	out := e
	if e.Config != nil {
		out.Config = make(map[string]string, len(e.Config))
		for k, v := range e.Config {
			out.Config[k] = v
		}
	}
	return out
}

// AppendEffect returns a mutation that appends eff to the node's interrupt
// history.
func AppendEffect(eff InterruptEffect) func(*NodeExecution) {
	return func(n *NodeExecution) {
		n.InterruptHistories = append(n.InterruptHistories, eff.clone())
	}
}
