package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// HTTPTransport talks to a task executor over JSON/HTTP.
//
// Endpoints (all POST, relative to BaseURL):
//   - /v1/tasks:send          TaskRequest -> TaskResponse
//   - /v1/tasks:sendAsync     TaskRequest -> {"taskId": "..."}
//   - /v1/tasks:abort         AbortRequest
//   - /v1/perpetualTasks:create  PerpetualTaskRequest -> {"id": "..."}
//   - /v1/perpetualTasks:reset   {"id": "..."}
//   - /v1/perpetualTasks:delete  {"id": "..."}
//
// HTTP failures are returned as gRPC status errors so Client can classify
// them: 401 is Unauthenticated, 429 ResourceExhausted, 502/503/504 and
// connection failures Unavailable.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTransport creates a transport for baseURL. token, when non-empty,
// is sent as a bearer token. Deadlines come from the request context.
func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

// SendTask implements Transport.
func (h *HTTPTransport) SendTask(ctx context.Context, req TaskRequest) (*TaskResponse, error) {
	var resp TaskResponse
	if err := h.post(ctx, "/v1/tasks:send", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendTaskAsync implements Transport.
func (h *HTTPTransport) SendTaskAsync(ctx context.Context, req TaskRequest) (string, error) {
	var resp struct {
		TaskID string `json:"taskId"`
	}
	if err := h.post(ctx, "/v1/tasks:sendAsync", req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// AbortTask implements Transport.
func (h *HTTPTransport) AbortTask(ctx context.Context, req AbortRequest) error {
	return h.post(ctx, "/v1/tasks:abort", req, nil)
}

// CreatePerpetualTask implements Transport.
func (h *HTTPTransport) CreatePerpetualTask(ctx context.Context, req PerpetualTaskRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := h.post(ctx, "/v1/perpetualTasks:create", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// ResetPerpetualTask implements Transport.
func (h *HTTPTransport) ResetPerpetualTask(ctx context.Context, id string) error {
	return h.post(ctx, "/v1/perpetualTasks:reset", map[string]string{"id": id}, nil)
}

// DeletePerpetualTask implements Transport.
func (h *HTTPTransport) DeletePerpetualTask(ctx context.Context, id string) error {
	return h.post(ctx, "/v1/perpetualTasks:delete", map[string]string{"id": id}, nil)
}

func (h *HTTPTransport) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return status.FromContextError(err).Err()
		}
		return status.Errorf(codes.Unavailable, "failed to execute request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return status.Errorf(codes.Unavailable, "failed to read response body: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return status.Error(codeForHTTP(resp.StatusCode), fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(respBody))))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return status.Errorf(codes.Internal, "failed to decode response: %v", err)
	}
	return nil
}

func codeForHTTP(statusCode int) codes.Code {
	switch statusCode {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.AlreadyExists
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return codes.Unavailable
	case http.StatusNotImplemented:
		return codes.Unimplemented
	}
	if statusCode >= 500 {
		return codes.Internal
	}
	return codes.Unknown
}
