// Package retry wraps single network calls with bounded, class-aware retries.
//
// Rate-limited and transient transport failures are retried with an
// exponential schedule (base, 2*base, 4*base, ... capped at Max) up to
// MaxAttempts calls in total. Reverts are retried at most RevertAttempts
// calls in total, since they usually reflect contract state. Nonce
// conflicts, insufficient balance and unknown errors are returned at once.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/metrics"
)

type Policy struct {
	MaxAttempts    int
	RevertAttempts int
	Base           time.Duration
	Max            time.Duration
	Jitter         float64 // 0 keeps the schedule deterministic
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, RevertAttempts: 2, Base: time.Second, Max: 30 * time.Second}
}

// Attempt describes one failed call that is about to be retried.
type Attempt struct {
	Op     string
	Number int
	Delay  time.Duration
	Class  chainerr.Class
	Err    error
}

type Options struct {
	// Classify maps an error onto a class; chainerr.ClassOf when nil.
	Classify func(error) chainerr.Class
	// BeforeAttempt runs ahead of every call (client-side rate limiting).
	BeforeAttempt func(ctx context.Context) error
	// OnTransient is told about every transient transport failure. A non-nil
	// return (the endpoint pool gave up) ends the call with that error.
	OnTransient func(ctx context.Context, err error) error
	// OnSuccess is told about every successful call.
	OnSuccess func()
	// OnRetry observes the schedule.
	OnRetry func(Attempt)
	// NewTimer overrides the wait timer, mostly for tests.
	NewTimer func() backoff.Timer
	Metrics  *metrics.Metrics
}

type Controller struct {
	policy Policy
	opts   Options
	log    *zap.Logger
}

func New(p Policy, log *zap.Logger, opts Options) *Controller {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.RevertAttempts < 1 {
		p.RevertAttempts = 1
	}
	if p.RevertAttempts > p.MaxAttempts {
		p.RevertAttempts = p.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = DefaultPolicy().Base
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if opts.Classify == nil {
		opts.Classify = chainerr.ClassOf
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{policy: p, opts: opts, log: log.Named("retry")}
}

func (c *Controller) Policy() Policy { return c.policy }

// ExhaustedError is returned when a retryable failure outlived its budget.
type ExhaustedError struct {
	Op       string
	Class    chainerr.Class
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: %v", e.Op, e.Class, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{e.Class.Sentinel(), e.Err} }

func (c *Controller) schedule(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.policy.Base
	exp.Multiplier = 2
	exp.RandomizationFactor = c.policy.Jitter
	exp.MaxInterval = c.policy.Max
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.policy.MaxAttempts-1)), ctx)
}

// Do runs fn until it succeeds or the policy gives up.
func (c *Controller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var (
		attempts  int
		lastClass chainerr.Class
		lastErr   error
	)
	operation := func() error {
		if c.opts.BeforeAttempt != nil {
			if err := c.opts.BeforeAttempt(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempts++
		err := fn(ctx)
		if err == nil {
			if c.opts.OnSuccess != nil {
				c.opts.OnSuccess()
			}
			return nil
		}
		lastErr, lastClass = err, c.opts.Classify(err)
		if lastClass == chainerr.Transient && c.opts.OnTransient != nil {
			if ferr := c.opts.OnTransient(ctx, err); ferr != nil {
				lastErr, lastClass = ferr, c.opts.Classify(ferr)
				return backoff.Permanent(ferr)
			}
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !lastClass.Retryable() {
			return backoff.Permanent(err)
		}
		if lastClass == chainerr.Reverted && attempts >= c.policy.RevertAttempts {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		a := Attempt{Op: op, Number: attempts, Delay: next, Class: lastClass, Err: err}
		c.log.Warn("call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Stringer("class", lastClass),
			zap.Duration("wait", next),
			zap.String("reason", chainerr.Reason(err)))
		c.opts.Metrics.ObserveRetry(op, lastClass.String())
		if c.opts.OnRetry != nil {
			c.opts.OnRetry(a)
		}
	}

	var timer backoff.Timer
	if c.opts.NewTimer != nil {
		timer = c.opts.NewTimer()
	}
	err := backoff.RetryNotifyWithTimer(operation, c.schedule(ctx), notify, timer)
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if lastErr == nil {
		// BeforeAttempt refused before the first call.
		return err
	}
	if lastClass.Retryable() {
		return &ExhaustedError{Op: op, Class: lastClass, Attempts: attempts, Err: lastErr}
	}
	return chainerr.Mark(errors.WithMessage(lastErr, op), lastClass)
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, c *Controller, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
