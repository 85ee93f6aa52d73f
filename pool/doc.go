// Package pool routes remote calls across a set of endpoints.
//
// The Router owns one entry per endpoint address: a connection handle built
// by the caller-supplied Factory, a rolling health record, and a circuit
// breaker. Every call picks an endpoint through the configured selection
// strategy, runs under the retry engine, and reports its outcome back to the
// entry it ran on. A periodic health checker can probe unhealthy endpoints
// to accelerate breaker recovery under light traffic.
package pool
