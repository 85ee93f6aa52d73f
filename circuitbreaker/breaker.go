package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Middleware when the breaker rejects a call without
// attempting a remote invocation.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state machine's current position.
type State int

const (
	// Closed passes calls through and counts failures.
	Closed State = iota
	// Open rejects calls until the recovery timeout elapses.
	Open
	// HalfOpen admits a bounded number of trial calls.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultRecoveryTimeout  = 30 * time.Second
	defaultHalfOpenMax      = 3
)

// Breaker is a per-endpoint circuit breaker. All state transitions are
// serialized under a single mutex, so concurrent callers always observe a
// consistent state/counter pair. The zero value is not usable; construct
// with NewBreaker.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int // in-flight half-open trial calls
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	halfOpenMax      int

	onStateChange func(from, to State)
	now           func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive counted failures open the
// breaker.
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.failureThreshold = n }
}

// WithSuccessThreshold sets how many half-open trial successes close the
// breaker.
func WithSuccessThreshold(n int) BreakerOption {
	return func(b *Breaker) { b.successThreshold = n }
}

// WithRecoveryTimeout sets how long an open breaker waits before admitting a
// trial call.
func WithRecoveryTimeout(d time.Duration) BreakerOption {
	return func(b *Breaker) { b.recoveryTimeout = d }
}

// WithHalfOpenMax bounds the number of concurrently admitted trial calls.
func WithHalfOpenMax(n int) BreakerOption {
	return func(b *Breaker) { b.halfOpenMax = n }
}

// OnStateChange registers a hook invoked on every state transition. The hook
// runs outside the breaker's lock and must not block for long.
func OnStateChange(fn func(from, to State)) BreakerOption {
	return func(b *Breaker) { b.onStateChange = fn }
}

// NewBreaker returns a closed Breaker with the given options applied.
func NewBreaker(options ...BreakerOption) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
		recoveryTimeout:  defaultRecoveryTimeout,
		halfOpenMax:      defaultHalfOpenMax,
		now:              time.Now,
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Allow reports whether a call may proceed, reserving a trial slot when the
// breaker is half-open. An open breaker whose recovery timeout has elapsed
// admits the caller as the first half-open trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var from, to State
	transitioned := false
	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.now().Sub(b.openedAt) >= b.recoveryTimeout {
			from, to = b.state, HalfOpen
			b.state = HalfOpen
			b.successes = 0
			b.trials = 1
			transitioned = true
			allowed = true
		}
	case HalfOpen:
		if b.trials < b.halfOpenMax {
			b.trials++
			allowed = true
		}
	}
	b.mu.Unlock()
	if transitioned && b.onStateChange != nil {
		b.onStateChange(from, to)
	}
	return allowed
}

// Ready reports whether a call would currently be admitted, without reserving
// a trial slot or mutating state. The router's selection strategies use it to
// decide eligibility.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		return b.now().Sub(b.openedAt) >= b.recoveryTimeout
	case HalfOpen:
		return b.trials < b.halfOpenMax
	}
	return false
}

// Success records a successful call admitted by Allow.
func (b *Breaker) Success() {
	b.mu.Lock()
	var from, to State
	transitioned := false
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if b.trials > 0 {
			b.trials--
		}
		b.successes++
		if b.successes >= b.successThreshold {
			from, to = b.state, Closed
			b.state = Closed
			b.failures = 0
			b.successes = 0
			b.trials = 0
			transitioned = true
		}
	}
	b.mu.Unlock()
	if transitioned && b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// Failure records a counted failure for a call admitted by Allow. A failure
// while half-open reopens the breaker immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	var from, to State
	transitioned := false
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.failureThreshold {
			from, to = b.state, Open
			b.state = Open
			b.openedAt = b.now()
			transitioned = true
		}
	case HalfOpen:
		if b.trials > 0 {
			b.trials--
		}
		from, to = b.state, Open
		b.state = Open
		b.openedAt = b.now()
		b.successes = 0
		transitioned = true
	}
	b.mu.Unlock()
	if transitioned && b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// Dismiss releases a trial slot reserved by Allow for a call whose outcome
// must not count for or against the breaker, e.g. a cancelled or
// caller-side error.
func (b *Breaker) Dismiss() {
	b.mu.Lock()
	if b.state == HalfOpen && b.trials > 0 {
		b.trials--
	}
	b.mu.Unlock()
}

// ForceProbe transitions an open breaker to half-open ahead of the recovery
// timeout, so the next call is admitted as a trial. It reports whether a
// transition happened. The periodic health checker uses it to accelerate
// recovery under light traffic.
func (b *Breaker) ForceProbe() bool {
	b.mu.Lock()
	if b.state != Open {
		b.mu.Unlock()
		return false
	}
	from, to := b.state, HalfOpen
	b.state = HalfOpen
	b.successes = 0
	b.trials = 0
	b.mu.Unlock()
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
	return true
}

// State returns the breaker's current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed with all counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var from, to State
	transitioned := false
	if b.state != Closed {
		from, to = b.state, Closed
		transitioned = true
	}
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.trials = 0
	b.mu.Unlock()
	if transitioned && b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
