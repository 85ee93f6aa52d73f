// Package circuitbreaker implements the circuit breaker pattern.
//
// Circuit breakers prevent thundering herds, and improve resiliency against
// intermittent errors. Every per-endpoint call path in the router is wrapped
// in a Breaker; the Gobreaker, HandyBreaker and Hystrix middlewares are
// available for callers that prefer a library-managed breaker outside the
// router.
package circuitbreaker
