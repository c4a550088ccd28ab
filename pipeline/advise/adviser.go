// Package advise decides how the engine continues after a node fails or
// finishes: retry it, move on, wait for an operator or end the plan.
//
// A step type is configured with an ordered chain of adviser obtainments.
// The Registry walks the chain and the first adviser whose CanAdvise accepts
// the event produces the Advise.
package advise

import (
	"context"

	"github.com/dshills/pipecore/pipeline"
)

// AdviserType names an adviser implementation.
type AdviserType string

// Adviser types.
const (
	TypeRetry              AdviserType = "RETRY"
	TypeOnFail             AdviserType = "ON_FAIL"
	TypeIgnore             AdviserType = "IGNORE"
	TypeManualIntervention AdviserType = "MANUAL_INTERVENTION"
	TypeNextStep           AdviserType = "NEXT_STEP"
)

// Obtainment is one configured entry of an adviser chain.
type Obtainment struct {
	Type       AdviserType `yaml:"type"`
	Parameters Parameters  `yaml:"parameters"`
}

// Parameters holds the settings of the adviser named by Obtainment.Type.
// Only the matching field is read.
type Parameters struct {
	Retry              *RetryParameters              `yaml:"retry,omitempty"`
	OnFail             *OnFailParameters             `yaml:"onFail,omitempty"`
	Ignore             *IgnoreParameters             `yaml:"ignore,omitempty"`
	ManualIntervention *ManualInterventionParameters `yaml:"manualIntervention,omitempty"`
	NextStep           *NextStepParameters           `yaml:"nextStep,omitempty"`
}

// RetryParameters configures the retry adviser.
type RetryParameters struct {
	ApplicableFailureTypes []pipeline.FailureType `yaml:"applicableFailureTypes"`

	// RetryCount is the number of retries allowed after the first attempt.
	RetryCount int `yaml:"retryCount"`

	// WaitIntervalList holds per-retry waits in seconds. Once exhausted the
	// last value is reused.
	WaitIntervalList []int `yaml:"waitIntervalList"`

	RepairActionCodeAfterRetry pipeline.RepairActionCode `yaml:"repairActionCodeAfterRetry"`

	// NextNodeID overrides the node's own NextID for IGNORE and ON_FAIL.
	NextNodeID string `yaml:"nextNodeId,omitempty"`
}

// OnFailParameters configures the on-fail adviser.
type OnFailParameters struct {
	ApplicableFailureTypes []pipeline.FailureType `yaml:"applicableFailureTypes"`
	NextNodeID             string                 `yaml:"nextNodeId,omitempty"`
}

// IgnoreParameters configures the ignore adviser.
type IgnoreParameters struct {
	ApplicableFailureTypes []pipeline.FailureType `yaml:"applicableFailureTypes"`
	NextNodeID             string                 `yaml:"nextNodeId,omitempty"`
}

// ManualInterventionParameters configures the manual intervention adviser.
type ManualInterventionParameters struct {
	ApplicableFailureTypes []pipeline.FailureType `yaml:"applicableFailureTypes"`
}

// NextStepParameters configures the next-step adviser.
type NextStepParameters struct {
	NextNodeID string `yaml:"nextNodeId,omitempty"`
}

// Event is what an adviser is asked about.
type Event struct {
	// Node is the node as the caller last saw it. Advisers that depend on
	// retry history reload it.
	Node pipeline.NodeExecution

	// FromStatus is the status the node was in before the event.
	FromStatus pipeline.Status

	Obtainment Obtainment
}

// Adviser decides what happens after a node event.
type Adviser interface {
	Type() AdviserType

	// CanAdvise reports whether this adviser applies to the event.
	CanAdvise(ctx context.Context, event Event) bool

	// OnAdviseEvent produces the advise. Only called when CanAdvise
	// returned true.
	OnAdviseEvent(ctx context.Context, event Event) (pipeline.Advise, error)
}

func nextNode(override string, node pipeline.NodeExecution) string {
	if override != "" {
		return override
	}
	return node.NextID
}

func failureMatches(node pipeline.NodeExecution, types []pipeline.FailureType) bool {
	return node.FailureInfo.HasAny(types)
}
