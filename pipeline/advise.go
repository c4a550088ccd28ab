package pipeline

import (
	"fmt"
	"time"
)

// AdviseType discriminates the Advise variants.
type AdviseType string

// Advise types.
const (
	AdviseRetry            AdviseType = "RETRY"
	AdviseNextStep         AdviseType = "NEXT_STEP"
	AdviseInterventionWait AdviseType = "INTERVENTION_WAIT"
	AdviseEndPlan          AdviseType = "END_PLAN"
)

// Advise is the decision an adviser makes about a node that reached a
// terminal or failed state. It is a closed union of RetryAdvise,
// NextStepAdvise, InterventionWaitAdvise and EndPlanAdvise.
type Advise interface {
	Type() AdviseType
	isAdvise()
}

// RetryAdvise asks for the node to be retried after WaitInterval.
type RetryAdvise struct {
	WaitInterval         time.Duration
	RetryNodeExecutionID string
}

// NextStepAdvise asks the engine to proceed to NextNodeID.
type NextStepAdvise struct {
	NextNodeID string
}

// InterventionWaitAdvise parks the node until an operator resolves it.
type InterventionWaitAdvise struct{}

// EndPlanAdvise ends the plan execution.
type EndPlanAdvise struct{}

func (RetryAdvise) Type() AdviseType            { return AdviseRetry }
func (NextStepAdvise) Type() AdviseType         { return AdviseNextStep }
func (InterventionWaitAdvise) Type() AdviseType { return AdviseInterventionWait }
func (EndPlanAdvise) Type() AdviseType          { return AdviseEndPlan }

func (RetryAdvise) isAdvise()            {}
func (NextStepAdvise) isAdvise()         {}
func (InterventionWaitAdvise) isAdvise() {}
func (EndPlanAdvise) isAdvise()          {}

// RepairActionCode is the configured fallback once retries are exhausted.
type RepairActionCode string

// Repair action codes.
const (
	RepairIgnore             RepairActionCode = "IGNORE"
	RepairOnFail             RepairActionCode = "ON_FAIL"
	RepairManualIntervention RepairActionCode = "MANUAL_INTERVENTION"
	RepairEndExecution       RepairActionCode = "END_EXECUTION"
	RepairUnknown            RepairActionCode = "UNKNOWN"
)

// AdviseForRepair maps a repair action to the Advise it produces. IGNORE and
// ON_FAIL proceed to nextNodeID; MANUAL_INTERVENTION parks the node; every
// other code ends the plan.
func AdviseForRepair(code RepairActionCode, nextNodeID string) Advise {
	switch code {
	case RepairIgnore, RepairOnFail:
		return NextStepAdvise{NextNodeID: nextNodeID}
	case RepairManualIntervention:
		return InterventionWaitAdvise{}
	default:
		return EndPlanAdvise{}
	}
}

// DescribeAdvise renders an advise for logs and events.
func DescribeAdvise(a Advise) string {
	switch v := a.(type) {
	case RetryAdvise:
		return fmt.Sprintf("retry(wait=%s, node=%s)", v.WaitInterval, v.RetryNodeExecutionID)
	case NextStepAdvise:
		return fmt.Sprintf("next_step(node=%s)", v.NextNodeID)
	case InterventionWaitAdvise:
		return "intervention_wait"
	case EndPlanAdvise:
		return "end_plan"
	case nil:
		return "none"
	default:
		return string(a.Type())
	}
}
