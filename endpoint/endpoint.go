package endpoint

import (
	"context"
)

// Endpoint is the fundamental building block of the runtime. It represents a
// single invocation of a remote method against one endpoint.
type Endpoint func(ctx context.Context, request interface{}) (response interface{}, err error)

// Nop is an endpoint that does nothing and returns a nil error.
// Useful for tests.
func Nop(context.Context, interface{}) (interface{}, error) { return struct{}{}, nil }

// Middleware is a chainable behavior modifier for endpoints.
type Middleware func(Endpoint) Endpoint

// Chain is a helper function for composing middlewares. Requests will
// traverse them in the order they're declared. That is, the first middleware
// is treated as the outermost middleware.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- { // reverse
			next = others[i](next)
		}
		return outer(next)
	}
}

// Failer is an interface that should be implemented by response types that
// hold error properties as to separate business errors from transport errors.
// Middlewares can test if a response type failed and act or report upon it.
type Failer interface {
	Failed() error
}
