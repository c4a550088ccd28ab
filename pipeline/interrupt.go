package pipeline

import "time"

// InterruptType is the kind of control command an Interrupt carries.
type InterruptType string

// Interrupt types.
const (
	InterruptAbort        InterruptType = "ABORT"
	InterruptAbortAll     InterruptType = "ABORT_ALL"
	InterruptRetry        InterruptType = "RETRY"
	InterruptMarkSuccess  InterruptType = "MARK_SUCCESS"
	InterruptMarkFailed   InterruptType = "MARK_FAILED"
	InterruptIgnoreFailed InterruptType = "IGNORE_FAILED"
	InterruptPause        InterruptType = "PAUSE"
	InterruptResume       InterruptType = "RESUME"
)

// Exclusive reports whether at most one active interrupt of this type may
// exist per target at any time.
func (t InterruptType) Exclusive() bool {
	return t == InterruptAbort || t == InterruptAbortAll
}

// InterruptState is the processing state of an Interrupt.
type InterruptState string

// Interrupt states.
const (
	InterruptRegistered              InterruptState = "REGISTERED"
	InterruptProcessing              InterruptState = "PROCESSING"
	InterruptProcessedSuccessfully   InterruptState = "PROCESSED_SUCCESSFULLY"
	InterruptProcessedUnsuccessfully InterruptState = "PROCESSED_UNSUCCESSFULLY"
	InterruptDiscarded               InterruptState = "DISCARDED"
)

// Active reports whether the state is REGISTERED or PROCESSING.
func (s InterruptState) Active() bool {
	return s == InterruptRegistered || s == InterruptProcessing
}

// Interrupt is a control command targeting a plan execution or one node.
type Interrupt struct {
	ID              string            `json:"id"`
	PlanExecutionID string            `json:"planExecutionId"`
	NodeExecutionID string            `json:"nodeExecutionId,omitempty"`
	Type            InterruptType     `json:"type"`
	State           InterruptState    `json:"state"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	// Message holds the failure reason of an unsuccessfully processed
	// interrupt.
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// Active reports whether the interrupt is REGISTERED or PROCESSING.
func (i Interrupt) Active() bool {
	return i.State.Active()
}

// Effect builds the InterruptEffect recorded on a node this interrupt acted
// on.
func (i Interrupt) Effect(at time.Time) InterruptEffect {
	var cfg map[string]string
	if len(i.Parameters) > 0 {
		cfg = make(map[string]string, len(i.Parameters))
		for k, v := range i.Parameters {
			cfg[k] = v
		}
	}
	return InterruptEffect{
		InterruptID:   i.ID,
		InterruptType: i.Type,
		Config:        cfg,
		TookEffectAt:  at.UTC(),
	}
}

// Clone returns a deep copy of i.
func (i Interrupt) Clone() Interrupt {
	out := i
	if i.Parameters != nil {
		out.Parameters = make(map[string]string, len(i.Parameters))
		for k, v := range i.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}
