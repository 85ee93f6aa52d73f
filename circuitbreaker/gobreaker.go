package circuitbreaker

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/machineapi/machine-client-go/endpoint"
)

// Gobreaker wraps an endpoint with a sony/gobreaker breaker, for callers
// composing endpoints outside the router that prefer a library-managed
// breaker over the built-in one. Every error returned by the wrapped
// endpoint counts against the breaker.
func Gobreaker(cb *gobreaker.CircuitBreaker) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (interface{}, error) {
			return cb.Execute(func() (interface{}, error) { return next(ctx, request) })
		}
	}
}
