package circuitbreaker

import (
	"context"

	"github.com/machineapi/machine-client-go/endpoint"
)

// MiddlewareOption configures the Breaker middleware.
type MiddlewareOption func(*middlewareOptions)

type middlewareOptions struct {
	counts func(error) bool
}

// WithFailurePredicate sets which errors count against the breaker. Errors
// for which the predicate returns false release the admitted slot without
// affecting any counter. The default counts every non-nil error.
func WithFailurePredicate(counts func(error) bool) MiddlewareOption {
	return func(o *middlewareOptions) { o.counts = counts }
}

// Middleware wraps an endpoint with a Breaker. Calls are rejected with
// ErrOpen while the breaker disallows them; outcomes of admitted calls feed
// the breaker through its serialized transition path.
func Middleware(b *Breaker, options ...MiddlewareOption) endpoint.Middleware {
	o := middlewareOptions{counts: func(err error) bool { return err != nil }}
	for _, option := range options {
		option(&o)
	}
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (interface{}, error) {
			if !b.Allow() {
				return nil, ErrOpen
			}
			response, err := next(ctx, request)
			switch {
			case err == nil:
				b.Success()
			case o.counts(err):
				b.Failure()
			default:
				b.Dismiss()
			}
			return response, err
		}
	}
}
