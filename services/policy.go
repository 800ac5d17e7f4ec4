package services

import (
	"chat-sync/contract"
	"chat-sync/domain/event"
	"chat-sync/errors"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/backoff"
)

// Policy bounds every blocking operation with a timeout and retries the
// transient failures with exponential backoff. Validation and not-found
// errors are returned as is on the first attempt.
type Policy struct {
	log         *slog.Logger
	timeout     time.Duration
	maxAttempts int
	backoff     backoff.Config
}

func NewPolicy(log *slog.Logger, timeout time.Duration, maxAttempts int, baseDelay, maxDelay time.Duration) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	cfg := backoff.DefaultConfig
	cfg.BaseDelay = baseDelay
	cfg.MaxDelay = maxDelay
	return Policy{log: log, timeout: timeout, maxAttempts: maxAttempts, backoff: cfg}
}

// Do runs op under the policy.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := call(ctx, p, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// publish hands evt to the bus within the policy timeout. A full shard
// surfaces as ErrTimeout instead of blocking the caller.
func (p Policy) publish(ctx context.Context, bus contract.IEventBus, evt event.DomainEvent) error {
	return publishWithin(ctx, bus, evt, p.timeout)
}

func publishWithin(ctx context.Context, bus contract.IEventBus, evt event.DomainEvent, timeout time.Duration) error {
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := bus.Publish(pubCtx, evt); err != nil {
		return errors.Transient(err)
	}
	return nil
}

// call is Do for operations returning a value.
func call[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		res, err := attemptOnce(ctx, p.timeout, op)
		if err == nil {
			return res, nil
		}
		if !errors.IsRetryable(err) {
			return zero, err
		}
		if attempt+1 >= p.maxAttempts {
			p.log.Warn("Operation failed", "operation", name, "attempts", attempt+1, "error", err)
			return zero, fmt.Errorf("%s failed after %d attempt(s): %w", name, attempt+1, err)
		}
		delay := p.delay(attempt)
		p.log.Debug("Retrying operation", "operation", name, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %s: %w", errors.ErrTimeout, name, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// attemptOnce runs op in its own goroutine so that a call stuck past the
// deadline does not block the caller. The late result is discarded.
func attemptOnce[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if rec := recover(); rec != nil {
				r = result{err: fmt.Errorf("%w: %v", errors.ErrWorkerPanic, rec)}
			}
			done <- r
		}()
		r.value, r.err = op(opCtx)
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %w", errors.ErrTimeout, r.err)
		}
		return r.value, r.err
	case <-opCtx.Done():
		return zero, fmt.Errorf("%w: %w", errors.ErrTimeout, opCtx.Err())
	}
}

// delay follows the gRPC connection backoff: base * multiplier^attempt,
// capped, with jitter.
func (p Policy) delay(attempt int) time.Duration {
	cfg := p.backoff
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if maxDelay := float64(cfg.MaxDelay); d > maxDelay {
		d = maxDelay
	}
	d *= 1 + cfg.Jitter*(rand.Float64()*2-1)
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
