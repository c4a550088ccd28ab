// Package dispatch is the task-dispatch collaborator: it sends work for
// TASK-mode nodes to remote executors and cancels it again.
//
// Transport moves requests over the wire. Client wraps a Transport with the
// per-call policy every caller relies on: a clamped deadline, retries of
// transient failures, a circuit breaker and error classification by gRPC
// status code.
package dispatch

import (
	"context"
	"time"
)

// TaskRequest asks a remote executor to run one node's task.
type TaskRequest struct {
	PlanExecutionID string                 `json:"planExecutionId"`
	NodeExecutionID string                 `json:"nodeExecutionId"`
	StepType        string                 `json:"stepType"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
}

// TaskResponse is the result of a synchronous task.
type TaskResponse struct {
	TaskID string                 `json:"taskId"`
	Status string                 `json:"status"`
	Output map[string]interface{} `json:"output,omitempty"`
}

// AbortRequest cancels a running task.
type AbortRequest struct {
	TaskID          string `json:"taskId"`
	PlanExecutionID string `json:"planExecutionId"`
	NodeExecutionID string `json:"nodeExecutionId"`
	Reason          string `json:"reason,omitempty"`
}

// PerpetualTaskRequest creates a task the executor re-runs on an interval
// until deleted (for example a heartbeat or a poller).
type PerpetualTaskRequest struct {
	Type       string            `json:"type"`
	Interval   time.Duration     `json:"interval"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Transport performs remote calls. Errors should carry a
// google.golang.org/grpc/status code; anything else is treated as Unknown.
type Transport interface {
	SendTask(ctx context.Context, req TaskRequest) (*TaskResponse, error)
	SendTaskAsync(ctx context.Context, req TaskRequest) (string, error)
	AbortTask(ctx context.Context, req AbortRequest) error
	CreatePerpetualTask(ctx context.Context, req PerpetualTaskRequest) (string, error)
	ResetPerpetualTask(ctx context.Context, id string) error
	DeletePerpetualTask(ctx context.Context, id string) error
}
