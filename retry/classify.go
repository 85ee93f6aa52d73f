package retry

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/machineapi/machine-client-go/circuitbreaker"
)

// Class partitions call errors by how the runtime should react to them.
type Class int

const (
	// Transient errors are retryable and count against endpoint health.
	Transient Class = iota
	// Fatal errors are never retried and do not affect endpoint health.
	Fatal
	// CircuitOpen is a routing rejection: retryable within the attempt
	// budget, not attributed to the remote endpoint.
	CircuitOpen
	// Cancelled covers caller-initiated cancellation and overall deadline
	// expiry. Never retried, never attributed to an endpoint.
	Cancelled
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case CircuitOpen:
		return "circuit-open"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Classifier decides whether a remote error is worth another attempt.
// Classifiers only see remote-call errors; circuit rejections and context
// cancellation are recognized uniformly by Classify.
type Classifier interface {
	Classify(err error) Class
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(err error) Class

// Classify implements Classifier.
func (f ClassifierFunc) Classify(err error) Class { return f(err) }

// DefaultClassifier treats availability-style gRPC codes as transient and
// everything else as fatal. Errors that don't carry a gRPC status are taken
// to be transport failures, hence transient.
type DefaultClassifier struct{}

// Classify implements Classifier.
func (DefaultClassifier) Classify(err error) Class {
	s, ok := status.FromError(err)
	if !ok {
		return Transient
	}
	switch s.Code() {
	case codes.Unavailable, codes.Unknown, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return Transient
	default:
		return Fatal
	}
}

// CodeClassifier retries only the listed gRPC codes; every other error is
// fatal. It is the explicit allow-list replacement for DefaultClassifier.
type CodeClassifier struct {
	Retryable []codes.Code
}

// Classify implements Classifier.
func (c CodeClassifier) Classify(err error) Class {
	s, _ := status.FromError(err)
	for _, code := range c.Retryable {
		if s.Code() == code {
			return Transient
		}
	}
	return Fatal
}

// Classify layers the universal cases over a classifier: nil classifiers
// fall back to DefaultClassifier, circuit rejections map to CircuitOpen, and
// context cancellation maps to Cancelled before the classifier is consulted.
func Classify(c Classifier, err error) Class {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return CircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if c == nil {
		c = DefaultClassifier{}
	}
	return c.Classify(err)
}

// CountsAgainstHealth reports whether an error of the given class should be
// attributed to the endpoint that produced it.
func CountsAgainstHealth(c Class) bool { return c == Transient }

// Retryable reports whether another attempt may be made for the given class.
func Retryable(c Class) bool { return c == Transient || c == CircuitOpen }
