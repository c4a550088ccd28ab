package interrupt

import "github.com/dshills/pipecore/pipeline"

// Error codes carried by pipeline.InterruptError.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeConflict           = "INTERRUPT_CONFLICT"
	CodePreconditionFailed = "PRECONDITION_FAILED"
	CodeProcessingFailed   = "PROCESSING_FAILED"
	CodeUnsupported        = "UNSUPPORTED_INTERRUPT"
)

func newError(code string, cause error, in pipeline.Interrupt, message string) *pipeline.InterruptError {
	return &pipeline.InterruptError{
		Code:            code,
		Message:         message,
		InterruptID:     in.ID,
		NodeExecutionID: in.NodeExecutionID,
		Cause:           cause,
	}
}
