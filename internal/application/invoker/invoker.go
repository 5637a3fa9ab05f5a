package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// Options configure a single Invoke call
type Options struct {
	// Timeout bounds each attempt; zero means no timeout
	Timeout time.Duration
	Retry   domain.RetryPolicy
}

// Result is the output of a successful invocation
type Result struct {
	Output   json.RawMessage
	Attempts int
}

// Option configures an Invoker
type Option func(*Invoker)

// WithSleep replaces the backoff sleep
func WithSleep(sleep SleepFunc) Option {
	return func(i *Invoker) {
		i.sleep = sleep
	}
}

// Invoker calls tools through a registry
type Invoker struct {
	registry ports.ToolRegistry
	metrics  ports.MetricsCollector
	logger   *zap.Logger
	sleep    SleepFunc
}

// New creates a new tool invoker
func New(registry ports.ToolRegistry, metrics ports.MetricsCollector, logger *zap.Logger, opts ...Option) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}

	inv := &Invoker{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke calls tool with params. Unknown tools fail immediately with
// domain.ErrToolNotFound. Otherwise up to Retry.MaxAttempts attempts are made
// and the last failure is returned as a *domain.ToolExecutionError.
func (i *Invoker) Invoke(ctx context.Context, tool string, params json.RawMessage, opts Options) (*Result, error) {
	if !i.registry.HasTool(tool) {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, tool)
	}

	policy := opts.Retry.Normalize()
	delay := policy.InitialDelay()

	var lastErr error
	attempts := 0
	for attempts < policy.MaxAttempts {
		attempts++

		start := time.Now()
		output, err := i.attempt(ctx, tool, params, opts.Timeout)
		i.recordAttempt(tool, err, time.Since(start))

		if err == nil {
			if attempts > 1 {
				i.logger.Info("tool succeeded after retry",
					zap.String("tool", tool),
					zap.Int("attempts", attempts))
			}
			return &Result{Output: output, Attempts: attempts}, nil
		}
		lastErr = err

		if errors.Is(err, domain.ErrToolNotFound) || ctx.Err() != nil || attempts == policy.MaxAttempts {
			break
		}

		i.logger.Warn("tool attempt failed, retrying",
			zap.String("tool", tool),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if i.metrics != nil {
			i.metrics.RecordToolRetry(tool)
		}

		if err := i.sleep(ctx, delay); err != nil {
			return nil, &domain.ToolExecutionError{Tool: tool, Attempts: attempts, Err: err}
		}
		delay = nextDelay(policy, delay)
	}

	return nil, &domain.ToolExecutionError{Tool: tool, Attempts: attempts, Err: lastErr}
}

type outcome struct {
	output json.RawMessage
	err    error
}

// attempt races one tool call against the timeout
func (i *Invoker) attempt(ctx context.Context, tool string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("tool %s panicked: %v", tool, r)}
			}
		}()
		output, err := i.registry.Invoke(callCtx, tool, params)
		ch <- outcome{output: output, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && timedOut(ctx, callCtx) {
			return nil, timeoutError(tool, timeout)
		}
		return o.output, o.err
	case <-callCtx.Done():
		if timedOut(ctx, callCtx) {
			return nil, timeoutError(tool, timeout)
		}
		return nil, ctx.Err()
	}
}

// timedOut reports whether the attempt context expired while the parent is still live
func timedOut(parent, call context.Context) bool {
	return parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded)
}

func timeoutError(tool string, timeout time.Duration) error {
	return fmt.Errorf("%w: %s exceeded %s", domain.ErrToolTimeout, tool, timeout)
}

func (i *Invoker) recordAttempt(tool string, err error, duration time.Duration) {
	if i.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case errors.Is(err, domain.ErrToolTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	i.metrics.RecordToolAttempt(tool, outcome, duration)
}
