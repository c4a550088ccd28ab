package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dshills/pipecore/pipeline"
	"github.com/dshills/pipecore/pipeline/ctxlog"
)

// Default deadlines.
const (
	DefaultMinTimeout = 5 * time.Second
	DefaultMaxTimeout = 120 * time.Second
)

// RetryPolicy configures retries of transient remote failures
// (Unavailable, ResourceExhausted, DeadlineExceeded).
type RetryPolicy struct {
	// MaxAttempts includes the initial attempt. 1 disables retries.
	MaxAttempts int

	// BaseDelay is the first backoff interval; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration
}

// BreakerPolicy configures the circuit breaker.
type BreakerPolicy struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

// ClientOptions configures a Client. Zero fields take defaults.
type ClientOptions struct {
	// MinTimeout is applied when the caller passes a shorter (or zero)
	// timeout.
	MinTimeout time.Duration

	// MaxTimeout caps caller-supplied timeouts for synchronous calls.
	MaxTimeout time.Duration

	Retry   RetryPolicy
	Breaker BreakerPolicy

	// Name identifies the breaker in logs.
	Name string

	Logger  *slog.Logger
	Metrics *pipeline.Metrics
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.MinTimeout <= 0 {
		o.MinTimeout = DefaultMinTimeout
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = DefaultMaxTimeout
	}
	if o.MaxTimeout < o.MinTimeout {
		o.MaxTimeout = o.MinTimeout
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 3
	}
	if o.Retry.BaseDelay <= 0 {
		o.Retry.BaseDelay = 200 * time.Millisecond
	}
	if o.Retry.MaxDelay < o.Retry.BaseDelay {
		o.Retry.MaxDelay = 2 * time.Second
	}
	if o.Breaker.ConsecutiveFailures == 0 {
		o.Breaker.ConsecutiveFailures = 5
	}
	if o.Breaker.OpenTimeout <= 0 {
		o.Breaker.OpenTimeout = 30 * time.Second
	}
	if o.Breaker.HalfOpenRequests == 0 {
		o.Breaker.HalfOpenRequests = 1
	}
	if o.Name == "" {
		o.Name = "task-dispatch"
	}
	return o
}

// Client is the policy-wrapped task dispatch client.
//
// Error contract of every method: Unauthenticated and Unavailable (including
// an open circuit breaker) are returned to the caller; every other remote
// error is logged and the call returns a zero result with a nil error.
type Client struct {
	transport Transport
	breaker   *gobreaker.CircuitBreaker
	opts      ClientOptions
}

// NewClient wraps transport.
func NewClient(transport Transport, opts ClientOptions) *Client {
	opts = opts.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	c := &Client{transport: transport, opts: opts}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: opts.Breaker.HalfOpenRequests,
		Timeout:     opts.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.Breaker.ConsecutiveFailures
		},
		// Only infrastructure failures count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(codeOf(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("dispatch circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// ClampTimeout bounds a caller-supplied timeout to [MinTimeout, MaxTimeout].
func (c *Client) ClampTimeout(timeout time.Duration) time.Duration {
	if timeout < c.opts.MinTimeout {
		return c.opts.MinTimeout
	}
	if timeout > c.opts.MaxTimeout {
		return c.opts.MaxTimeout
	}
	return timeout
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// SendTask runs a task synchronously within the clamped timeout.
func (c *Client) SendTask(ctx context.Context, req TaskRequest, timeout time.Duration) (*TaskResponse, error) {
	return call(ctx, c, "send_task", c.ClampTimeout(timeout), func(ctx context.Context) (*TaskResponse, error) {
		return c.transport.SendTask(ctx, req)
	})
}

// SendTaskAsync submits a task and returns its id.
func (c *Client) SendTaskAsync(ctx context.Context, req TaskRequest) (string, error) {
	return call(ctx, c, "send_task_async", c.opts.MinTimeout, func(ctx context.Context) (string, error) {
		return c.transport.SendTaskAsync(ctx, req)
	})
}

// AbortTask cancels a remote task.
func (c *Client) AbortTask(ctx context.Context, req AbortRequest) error {
	_, err := call(ctx, c, "abort_task", c.opts.MinTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.transport.AbortTask(ctx, req)
	})
	return err
}

// CreatePerpetualTask creates a perpetual task and returns its id.
func (c *Client) CreatePerpetualTask(ctx context.Context, req PerpetualTaskRequest) (string, error) {
	return call(ctx, c, "create_perpetual_task", c.opts.MinTimeout, func(ctx context.Context) (string, error) {
		return c.transport.CreatePerpetualTask(ctx, req)
	})
}

// ResetPerpetualTask restarts a perpetual task's schedule.
func (c *Client) ResetPerpetualTask(ctx context.Context, id string) error {
	_, err := call(ctx, c, "reset_perpetual_task", c.opts.MinTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.transport.ResetPerpetualTask(ctx, id)
	})
	return err
}

// DeletePerpetualTask removes a perpetual task.
func (c *Client) DeletePerpetualTask(ctx context.Context, id string) error {
	_, err := call(ctx, c, "delete_perpetual_task", c.opts.MinTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.transport.DeletePerpetualTask(ctx, id)
	})
	return err
}

// call runs fn under the deadline, breaker and retry policy, then classifies
// the final error.
func call[T any](ctx context.Context, c *Client, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	logger := ctxlog.FromContext(ctx, c.opts.Logger)
	var zero T

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.Retry.BaseDelay
	policy.MaxInterval = c.opts.Retry.MaxDelay
	policy.MaxElapsedTime = 0 // bounded by attempts and the call deadline

	attempt := 0
	result, err := backoff.RetryWithData(func() (T, error) {
		attempt++
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return fn(callCtx)
		})
		if err != nil {
			err = normalize(callCtx, err)
			if transient(codeOf(err)) {
				return zero, err
			}
			return zero, backoff.Permanent(err)
		}
		v, _ := out.(T)
		return v, nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.opts.Retry.MaxAttempts-1)), callCtx))

	if err == nil {
		c.opts.Metrics.RecordDispatch(op, "ok")
		return result, nil
	}

	err = normalize(callCtx, err)
	code := codeOf(err)
	if code == codes.Unauthenticated || code == codes.Unavailable {
		c.opts.Metrics.RecordDispatch(op, "fatal")
		logger.Error("task dispatch failed", "op", op, "code", code.String(), "attempts", attempt, "error", err)
		return zero, err
	}

	c.opts.Metrics.RecordDispatch(op, "swallowed")
	logger.Warn("task dispatch error ignored", "op", op, "code", code.String(), "attempts", attempt, "error", err)
	return zero, nil
}

// normalize maps breaker rejections and context errors onto gRPC statuses.
func normalize(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return status.Error(codes.Unavailable, "task dispatch circuit breaker open: "+err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	case ctx.Err() != nil && status.Code(err) == codes.Unknown:
		return status.FromContextError(ctx.Err()).Err()
	}
	return err
}

func codeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

func transient(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
		return true
	}
	return false
}
