// Package stats carries per-attempt and breaker-transition events out of the
// runtime. The runtime only emits; sinks decide how to format or export.
package stats

import (
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/log"

	"github.com/machineapi/machine-client-go/circuitbreaker"
)

// Kind discriminates event payloads.
type Kind int

const (
	// Attempt events describe one invocation of a remote method against
	// one endpoint.
	Attempt Kind = iota
	// Breaker events describe a circuit breaker state transition.
	Breaker
)

// Event is one observation from the runtime.
type Event struct {
	Time     time.Time
	Kind     Kind
	CallID   string
	Endpoint string
	Method   string

	// Attempt fields.
	Err     error
	Class   string // error classification label, empty on success
	Latency time.Duration

	// Breaker fields.
	From, To circuitbreaker.State
}

// Sink consumes events. Implementations must be safe for concurrent use and
// must not block the calling goroutine for long.
type Sink interface {
	Observe(Event)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Event)

// Observe implements Sink.
func (f SinkFunc) Observe(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Sinks fans every event out to each member in order.
type Sinks []Sink

// Observe implements Sink.
func (s Sinks) Observe(e Event) {
	for _, sink := range s {
		sink.Observe(e)
	}
}

// NewLogSink emits events as structured key/value log lines.
func NewLogSink(logger log.Logger) Sink {
	return SinkFunc(func(e Event) {
		switch e.Kind {
		case Attempt:
			keyvals := []interface{}{
				"call_id", e.CallID,
				"endpoint", e.Endpoint,
				"method", e.Method,
				"latency", e.Latency,
			}
			if e.Err != nil {
				keyvals = append(keyvals, "err", e.Err, "class", e.Class)
			}
			logger.Log(keyvals...)
		case Breaker:
			logger.Log("endpoint", e.Endpoint, "breaker_from", e.From, "breaker_to", e.To)
		}
	})
}

// MetricsSink records events into metrics instruments. Every field is
// optional; nil instruments are skipped.
type MetricsSink struct {
	// Attempts is labeled with endpoint, method, outcome.
	Attempts metrics.Counter
	// Latency is labeled with endpoint, method.
	Latency metrics.Histogram
	// Transitions is labeled with endpoint, to.
	Transitions metrics.Counter
	// BreakerState is labeled with endpoint and carries the numeric state.
	BreakerState metrics.Gauge
}

// Observe implements Sink.
func (s *MetricsSink) Observe(e Event) {
	switch e.Kind {
	case Attempt:
		outcome := "success"
		if e.Err != nil {
			outcome = e.Class
		}
		if s.Attempts != nil {
			s.Attempts.With("endpoint", e.Endpoint, "method", e.Method, "outcome", outcome).Add(1)
		}
		if s.Latency != nil {
			s.Latency.With("endpoint", e.Endpoint, "method", e.Method).Observe(e.Latency.Seconds())
		}
	case Breaker:
		if s.Transitions != nil {
			s.Transitions.With("endpoint", e.Endpoint, "to", e.To.String()).Add(1)
		}
		if s.BreakerState != nil {
			s.BreakerState.With("endpoint", e.Endpoint).Set(float64(e.To))
		}
	}
}
