// Package retry drives repeated attempts of a remote call across a pool of
// endpoints, with pluggable backoff and error classification.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/machineapi/machine-client-go/backoff"
	"github.com/machineapi/machine-client-go/endpoint"
)

// Selector yields an endpoint for one attempt, identified by its address.
// Successive calls may yield different endpoints, so retries naturally move
// off a failing node. The router implements Selector.
type Selector interface {
	Select() (endpoint.Endpoint, string, error)
}

// SelectorFunc adapts a plain function to the Selector interface.
type SelectorFunc func() (endpoint.Endpoint, string, error)

// Select implements Selector.
func (f SelectorFunc) Select() (endpoint.Endpoint, string, error) { return f() }

// Config controls the retry engine for one logical call.
type Config struct {
	// MaxRetries bounds the attempts made after the initial one. Zero
	// means a single attempt.
	MaxRetries int
	// Backoff supplies the wait before each retry; nil means no wait.
	Backoff backoff.Policy
	// Classifier decides which remote errors are retryable; nil means
	// DefaultClassifier.
	Classifier Classifier
	// PerAttemptTimeout, when positive, caps each individual attempt.
	PerAttemptTimeout time.Duration
}

// Error reports an exhausted retry budget, carrying the last underlying
// cause, the endpoint it was observed on, and the attempt accounting the
// spec requires of every terminal error.
type Error struct {
	Attempts int
	Elapsed  time.Duration
	Endpoint string
	Last     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d attempts in %v, last endpoint %s: %v", e.Attempts, e.Elapsed, e.Endpoint, e.Last)
}

// Unwrap exposes the last underlying cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Last }

// Execute runs the call against endpoints drawn from sel until it succeeds,
// fails fatally, is cancelled, or the attempt budget is exhausted.
//
// Attempt 0 runs immediately; before retry k the engine waits
// Backoff.Delay(k-1), abandoning the wait (and the call) if ctx is done.
// Transient errors and circuit rejections consume the budget; a circuit
// rejection is never attributed to the endpoint's health, which the router's
// middleware arrangement guarantees. Selector errors, e.g. when no endpoint
// is eligible, propagate immediately.
func (c Config) Execute(ctx context.Context, sel Selector, request interface{}) (interface{}, error) {
	var (
		begin      = time.Now()
		policy     = c.Backoff
		classifier = c.Classifier
	)
	if policy == nil {
		policy = backoff.None{}
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := backoff.Wait(ctx, policy.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		e, addr, err := sel.Select()
		if err != nil {
			return nil, err
		}

		actx := ctx
		cancel := context.CancelFunc(nil)
		if c.PerAttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, c.PerAttemptTimeout)
		}
		response, err := e(actx, request)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			// The overall deadline or a caller cancellation, not the
			// endpoint's fault.
			return nil, ctx.Err()
		}

		switch Classify(classifier, err) {
		case Fatal, Cancelled:
			return nil, err
		}

		if attempt >= c.MaxRetries {
			return nil, &Error{
				Attempts: attempt + 1,
				Elapsed:  time.Since(begin),
				Endpoint: addr,
				Last:     err,
			}
		}
	}
}
