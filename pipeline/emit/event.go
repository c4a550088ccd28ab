package emit

// Event messages raised by the execution core.
const (
	MsgTransitionApplied   = "transition_applied"
	MsgTransitionNoop      = "transition_noop"
	MsgNodeConcluded       = "node_concluded"
	MsgRetryCreated        = "retry_created"
	MsgInterruptRegistered = "interrupt_registered"
	MsgInterruptProcessed  = "interrupt_processed"
	MsgInterruptFailed     = "interrupt_failed"
	MsgAdvise              = "advise"
	MsgInterruptReconciled = "interrupt_reconciled"
)

// Event represents an observability event emitted by the execution core.
type Event struct {
	// PlanExecutionID identifies the plan run the event belongs to.
	PlanExecutionID string

	// NodeExecutionID identifies the node the event is about.
	// Empty for plan-wide events.
	NodeExecutionID string

	// Msg names the event (see the Msg* constants).
	Msg string

	// Meta contains additional structured data specific to this event.
	// Keys by event:
	//   - transition_applied: "status", "version"
	//   - transition_noop: "target", "current"
	//   - node_concluded: "status"
	//   - retry_created: "retry_of", "attempt"
	//   - interrupt_*: "interrupt_id", "type", "state"
	//   - advise: "adviser", "advise"
	//   - "error": error details, on failure events
	Meta map[string]interface{}
}
