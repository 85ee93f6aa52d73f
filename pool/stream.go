package pool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/machineapi/machine-client-go/circuitbreaker"
	"github.com/machineapi/machine-client-go/endpoint"
	"github.com/machineapi/machine-client-go/retry"
	"github.com/machineapi/machine-client-go/stream"
)

// Stream opens a server-streaming remote method. Retries cover establishment
// only: once a receiver is returned, a mid-stream error surfaces to the
// caller, who decides whether to reissue the call. The endpoint's breaker
// and health record are settled when the stream reaches its terminal outcome
// (EOF, error, or Close before either).
func (r *Router) Stream(ctx context.Context, method string, request interface{}, options ...CallOption) (stream.Receiver, error) {
	co := callOptions{retry: r.defaultRetry}
	for _, option := range options {
		option(&co)
	}
	// A per-attempt deadline would tear down the live stream along with the
	// establishment attempt, so only the overall timeout applies.
	co.retry.PerAttemptTimeout = 0

	var cancel context.CancelFunc
	if co.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, co.timeout)
	}
	callID := uuid.NewString()
	response, err := co.retry.Execute(ctx, r.streamSelector(ctx, callID, method, co.retry.Classifier), request)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, err
	}
	rec := response.(stream.Receiver)
	if cancel != nil {
		rec = &cancelReceiver{Receiver: rec, cancel: cancel}
	}
	return rec, nil
}

func (r *Router) streamSelector(callCtx context.Context, callID, method string, c retry.Classifier) retry.Selector {
	return retry.SelectorFunc(func() (endpoint.Endpoint, string, error) {
		en, err := r.pick()
		if err != nil {
			return nil, "", err
		}
		return r.streamAttempt(callCtx, en, callID, method, c), en.addr, nil
	})
}

// streamAttempt establishes one stream against an entry. The breaker slot
// taken at establishment is held until the terminal outcome, so a half-open
// breaker admits one whole stream as its trial.
func (r *Router) streamAttempt(callCtx context.Context, en *entry, callID, method string, c retry.Classifier) endpoint.Endpoint {
	se := en.invoker.Stream(method)
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		begin := time.Now()
		if !en.breaker.Allow() {
			en.inflight.Done()
			r.emitAttempt(en.addr, callID, method, c, circuitbreaker.ErrOpen, time.Since(begin))
			return nil, circuitbreaker.ErrOpen
		}
		rec, err := se(ctx, request)
		if err != nil {
			r.report(callCtx, en, c, err)
			en.inflight.Done()
			r.emitAttempt(en.addr, callID, method, c, err, time.Since(begin))
			return nil, err
		}
		r.emitAttempt(en.addr, callID, method, c, nil, time.Since(begin))
		return &trackedReceiver{
			inner: rec,
			done: func(terminal error) {
				r.report(callCtx, en, c, terminal)
				en.inflight.Done()
			},
		}, nil
	}
}

// trackedReceiver settles the originating endpoint's accounting exactly once
// at the stream's terminal outcome. Close before the stream finished is
// treated as cancellation and counts against nothing.
type trackedReceiver struct {
	inner stream.Receiver
	once  sync.Once
	done  func(error)
}

func (t *trackedReceiver) Recv() ([]byte, error) {
	b, err := t.inner.Recv()
	switch {
	case err == io.EOF:
		t.finish(nil)
	case err != nil:
		t.finish(err)
	}
	return b, err
}

func (t *trackedReceiver) Close() error {
	err := t.inner.Close()
	t.finish(context.Canceled)
	return err
}

func (t *trackedReceiver) finish(terminal error) {
	t.once.Do(func() { t.done(terminal) })
}

// cancelReceiver releases the overall-timeout context once the stream is
// done, however it ends.
type cancelReceiver struct {
	stream.Receiver
	cancel context.CancelFunc
}

func (c *cancelReceiver) Recv() ([]byte, error) {
	b, err := c.Receiver.Recv()
	if err != nil {
		c.cancel()
	}
	return b, err
}

func (c *cancelReceiver) Close() error {
	err := c.Receiver.Close()
	c.cancel()
	return err
}
