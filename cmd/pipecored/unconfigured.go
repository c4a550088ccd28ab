package main

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dshills/pipecore/pipeline/dispatch"
)

// unconfiguredTransport fails every call as Unavailable so dispatch
// failures surface through the normal failure path.
type unconfiguredTransport struct{}

var errNoExecutor = status.Error(codes.Unavailable, "no task executor configured")

func (unconfiguredTransport) SendTask(context.Context, dispatch.TaskRequest) (*dispatch.TaskResponse, error) {
	return nil, errNoExecutor
}

func (unconfiguredTransport) SendTaskAsync(context.Context, dispatch.TaskRequest) (string, error) {
	return "", errNoExecutor
}

func (unconfiguredTransport) AbortTask(context.Context, dispatch.AbortRequest) error {
	return errNoExecutor
}

func (unconfiguredTransport) CreatePerpetualTask(context.Context, dispatch.PerpetualTaskRequest) (string, error) {
	return "", errNoExecutor
}

func (unconfiguredTransport) ResetPerpetualTask(context.Context, string) error  { return errNoExecutor }
func (unconfiguredTransport) DeletePerpetualTask(context.Context, string) error { return errNoExecutor }
