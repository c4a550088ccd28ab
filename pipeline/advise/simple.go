package advise

import (
	"context"

	"github.com/dshills/pipecore/pipeline"
)

// OnFailAdviser sends failed nodes to a failure-handling step.
type OnFailAdviser struct{}

// Type implements Adviser.
func (OnFailAdviser) Type() AdviserType { return TypeOnFail }

// CanAdvise implements Adviser.
func (OnFailAdviser) CanAdvise(_ context.Context, event Event) bool {
	p := event.Obtainment.Parameters.OnFail
	return p != nil && failureMatches(event.Node, p.ApplicableFailureTypes)
}

// OnAdviseEvent implements Adviser.
func (OnFailAdviser) OnAdviseEvent(_ context.Context, event Event) (pipeline.Advise, error) {
	return pipeline.AdviseForRepair(pipeline.RepairOnFail, nextNode(event.Obtainment.Parameters.OnFail.NextNodeID, event.Node)), nil
}

// IgnoreAdviser lets the plan continue past matching failures.
type IgnoreAdviser struct{}

// Type implements Adviser.
func (IgnoreAdviser) Type() AdviserType { return TypeIgnore }

// CanAdvise implements Adviser.
func (IgnoreAdviser) CanAdvise(_ context.Context, event Event) bool {
	p := event.Obtainment.Parameters.Ignore
	return p != nil && failureMatches(event.Node, p.ApplicableFailureTypes)
}

// OnAdviseEvent implements Adviser.
func (IgnoreAdviser) OnAdviseEvent(_ context.Context, event Event) (pipeline.Advise, error) {
	return pipeline.AdviseForRepair(pipeline.RepairIgnore, nextNode(event.Obtainment.Parameters.Ignore.NextNodeID, event.Node)), nil
}

// ManualInterventionAdviser parks matching failures for an operator.
type ManualInterventionAdviser struct{}

// Type implements Adviser.
func (ManualInterventionAdviser) Type() AdviserType { return TypeManualIntervention }

// CanAdvise implements Adviser.
func (ManualInterventionAdviser) CanAdvise(_ context.Context, event Event) bool {
	p := event.Obtainment.Parameters.ManualIntervention
	return p != nil && failureMatches(event.Node, p.ApplicableFailureTypes)
}

// OnAdviseEvent implements Adviser.
func (ManualInterventionAdviser) OnAdviseEvent(context.Context, Event) (pipeline.Advise, error) {
	return pipeline.AdviseForRepair(pipeline.RepairManualIntervention, ""), nil
}

// NextStepAdviser moves a succeeded node on to its successor.
type NextStepAdviser struct{}

// Type implements Adviser.
func (NextStepAdviser) Type() AdviserType { return TypeNextStep }

// CanAdvise implements Adviser.
func (NextStepAdviser) CanAdvise(_ context.Context, event Event) bool {
	return event.Node.Status == pipeline.StatusSucceeded
}

// OnAdviseEvent implements Adviser.
func (NextStepAdviser) OnAdviseEvent(_ context.Context, event Event) (pipeline.Advise, error) {
	override := ""
	if p := event.Obtainment.Parameters.NextStep; p != nil {
		override = p.NextNodeID
	}
	return pipeline.NextStepAdvise{NextNodeID: nextNode(override, event.Node)}, nil
}
