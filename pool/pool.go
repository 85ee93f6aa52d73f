package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"

	"github.com/machineapi/machine-client-go/backoff"
	"github.com/machineapi/machine-client-go/circuitbreaker"
	"github.com/machineapi/machine-client-go/endpoint"
	"github.com/machineapi/machine-client-go/retry"
	"github.com/machineapi/machine-client-go/stats"
	"github.com/machineapi/machine-client-go/stream"
)

var (
	// ErrNoHealthyEndpoint is returned when every endpoint's breaker
	// rejects traffic. The router fails fast rather than waiting out a
	// recovery timeout.
	ErrNoHealthyEndpoint = errors.New("no healthy endpoint available")

	// ErrClosed is returned for calls made after Close.
	ErrClosed = errors.New("router is closed")
)

// Invoker is one endpoint's connection handle, as supplied by a transport
// that has already performed connection and TLS setup. Unary and Stream
// return invocation functions for a named remote method; they do not perform
// I/O themselves.
type Invoker interface {
	Unary(method string) endpoint.Endpoint
	Stream(method string) StreamEndpoint
	Close() error
}

// StreamEndpoint opens one server-streaming invocation of a remote method.
type StreamEndpoint func(ctx context.Context, request interface{}) (stream.Receiver, error)

// Factory builds the connection handle for an endpoint address. It is
// invoked when an endpoint joins the pool, at construction or through Add.
type Factory func(addr string) (Invoker, error)

// entry is one endpoint owned by the router: address, connection handle,
// health record and breaker. The inflight group tracks calls attributed to
// the entry so removal can drain before disposing the handle.
type entry struct {
	addr     string
	invoker  Invoker
	health   *health
	breaker  *circuitbreaker.Breaker
	inflight sync.WaitGroup
}

// Router routes calls across a pool of endpoints, wrapping selection, retry,
// per-endpoint circuit breaking and health accounting.
type Router struct {
	factory        Factory
	strategy       Strategy
	defaultRetry   retry.Config
	breakerOptions []circuitbreaker.BreakerOption
	callTimeout    time.Duration
	logger         log.Logger
	sink           stats.Sink

	probe         func(ctx context.Context, inv Invoker) error
	probeInterval time.Duration
	probeTimeout  time.Duration

	randMtx sync.Mutex
	rand    *rand.Rand
	cursor  uint64

	mtx     sync.RWMutex
	entries []*entry
	index   map[string]*entry
	closed  bool

	stopc chan struct{}
	wg    sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithStrategy sets the endpoint selection strategy. Default RoundRobin.
func WithStrategy(s Strategy) Option {
	return func(r *Router) { r.strategy = s }
}

// WithRetry sets the default retry configuration applied to every call.
func WithRetry(c retry.Config) Option {
	return func(r *Router) { r.defaultRetry = c }
}

// WithBreaker sets the options applied to every endpoint's circuit breaker.
func WithBreaker(options ...circuitbreaker.BreakerOption) Option {
	return func(r *Router) { r.breakerOptions = options }
}

// WithTimeout sets the default overall deadline for unary calls. Zero, the
// default, leaves calls bounded only by their context.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.callTimeout = d }
}

// WithLogger sets the logger for pool lifecycle and health-check events.
func WithLogger(logger log.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithSink sets the observability sink receiving per-attempt and breaker
// transition events.
func WithSink(sink stats.Sink) Option {
	return func(r *Router) { r.sink = sink }
}

// WithHealthCheck enables the periodic prober. Every interval, endpoints
// whose breaker is open, or with no success since the previous sweep, are
// probed; a probe admitted on an open breaker forces a half-open trial ahead
// of the passive recovery timeout.
func WithHealthCheck(probe func(ctx context.Context, inv Invoker) error, interval time.Duration) Option {
	return func(r *Router) {
		r.probe = probe
		r.probeInterval = interval
	}
}

// WithRandom sets the random source used by the Random strategy, so tests
// can seed selection.
func WithRandom(rnd *rand.Rand) Option {
	return func(r *Router) { r.rand = rnd }
}

// New builds a Router over the given endpoint addresses, constructing one
// connection handle per address through the factory.
func New(factory Factory, addrs []string, options ...Option) (*Router, error) {
	if factory == nil {
		return nil, errors.New("nil factory")
	}
	if len(addrs) == 0 {
		return nil, errors.New("at least one endpoint address is required")
	}
	r := &Router{
		factory:  factory,
		strategy: RoundRobin,
		defaultRetry: retry.Config{
			MaxRetries: 3,
			Backoff:    backoff.Jitter(backoff.Exponential{Base: 100 * time.Millisecond, Multiplier: 2, Max: 30 * time.Second}, 0, nil),
		},
		logger: log.NewNopLogger(),
		sink:   stats.Discard,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		index:  map[string]*entry{},
		stopc:  make(chan struct{}),
	}
	for _, option := range options {
		option(r)
	}
	for _, addr := range addrs {
		if err := r.add(addr); err != nil {
			for _, en := range r.entries {
				en.invoker.Close()
			}
			return nil, err
		}
	}
	if r.probe != nil && r.probeInterval > 0 {
		r.probeTimeout = r.probeInterval
		if r.probeTimeout > 5*time.Second {
			r.probeTimeout = 5 * time.Second
		}
		r.wg.Add(1)
		go r.healthCheckLoop()
	}
	return r, nil
}

func (r *Router) add(addr string) error {
	if _, ok := r.index[addr]; ok {
		return fmt.Errorf("endpoint %s already in pool", addr)
	}
	invoker, err := r.factory(addr)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", addr, err)
	}
	en := &entry{
		addr:    addr,
		invoker: invoker,
		health:  newHealth(),
	}
	options := append([]circuitbreaker.BreakerOption{}, r.breakerOptions...)
	options = append(options, circuitbreaker.OnStateChange(func(from, to circuitbreaker.State) {
		r.logger.Log("endpoint", addr, "breaker_from", from, "breaker_to", to)
		r.sink.Observe(stats.Event{Time: time.Now(), Kind: stats.Breaker, Endpoint: addr, From: from, To: to})
	}))
	en.breaker = circuitbreaker.NewBreaker(options...)
	r.entries = append(r.entries, en)
	r.index[addr] = en
	return nil
}

// Add joins a new endpoint to the pool without disturbing in-flight calls.
func (r *Router) Add(addr string) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.add(addr); err != nil {
		return err
	}
	r.logger.Log("endpoint", addr, "pool", "added")
	return nil
}

// Remove takes an endpoint out of the pool. In-flight calls attributed to it
// are drained in the background before its connection handle is disposed.
func (r *Router) Remove(addr string) error {
	r.mtx.Lock()
	en, ok := r.index[addr]
	if !ok {
		r.mtx.Unlock()
		return fmt.Errorf("endpoint %s not in pool", addr)
	}
	delete(r.index, addr)
	for i := range r.entries {
		if r.entries[i] == en {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	r.mtx.Unlock()

	go func() {
		en.inflight.Wait()
		if err := en.invoker.Close(); err != nil {
			r.logger.Log("endpoint", addr, "err", err)
		}
		r.logger.Log("endpoint", addr, "pool", "removed")
	}()
	return nil
}

// Close stops the health checker, drains every endpoint and disposes all
// connection handles. The router is unusable afterwards.
func (r *Router) Close() error {
	r.mtx.Lock()
	if r.closed {
		r.mtx.Unlock()
		return nil
	}
	r.closed = true
	entries := r.entries
	r.entries = nil
	r.index = map[string]*entry{}
	r.mtx.Unlock()

	close(r.stopc)
	r.wg.Wait()

	var first error
	for _, en := range entries {
		en.inflight.Wait()
		if err := en.invoker.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Endpoints returns a health snapshot per pool member, in pool order.
func (r *Router) Endpoints() []Health {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]Health, 0, len(r.entries))
	for _, en := range r.entries {
		out = append(out, en.health.snapshot(en.addr, en.breaker.State()))
	}
	return out
}

// pick selects an eligible endpoint and reserves it against removal. The
// caller must see the reservation released exactly once, through the attempt
// wrapper or the stream's terminal callback.
func (r *Router) pick() (*entry, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	eligible := make([]*entry, 0, len(r.entries))
	for _, en := range r.entries {
		if en.breaker.Ready() {
			eligible = append(eligible, en)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoHealthyEndpoint
	}
	en := r.pickFrom(eligible)
	en.inflight.Add(1)
	return en, nil
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	retry   retry.Config
	timeout time.Duration
}

// CallWithRetry overrides the router's default retry configuration for this
// call.
func CallWithRetry(c retry.Config) CallOption {
	return func(o *callOptions) { o.retry = c }
}

// CallWithTimeout sets the overall deadline for this call. For streams it
// bounds the whole consumption, not just establishment.
func CallWithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Call invokes a unary remote method: endpoint selection, the per-endpoint
// breaker and health accounting, and retries with re-selection between
// attempts.
func (r *Router) Call(ctx context.Context, method string, request interface{}, options ...CallOption) (interface{}, error) {
	co := callOptions{retry: r.defaultRetry, timeout: r.callTimeout}
	for _, option := range options {
		option(&co)
	}
	if co.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.timeout)
		defer cancel()
	}
	callID := uuid.NewString()
	return co.retry.Execute(ctx, r.selector(ctx, callID, method, co.retry.Classifier), request)
}

func (r *Router) selector(callCtx context.Context, callID, method string, c retry.Classifier) retry.Selector {
	return retry.SelectorFunc(func() (endpoint.Endpoint, string, error) {
		en, err := r.pick()
		if err != nil {
			return nil, "", err
		}
		return r.attempt(callCtx, en, callID, method, c), en.addr, nil
	})
}

// attempt composes one unary invocation against an entry: the breaker
// rejects without touching the transport, the health record sees only real
// outcomes, and every attempt (including rejections) is emitted as an event.
// The classifier is the one driving the call's retries, so attribution and
// retry decisions agree.
func (r *Router) attempt(callCtx context.Context, en *entry, callID, method string, c retry.Classifier) endpoint.Endpoint {
	e := en.invoker.Unary(method)
	e = r.recordHealth(callCtx, en, c)(e)
	e = circuitbreaker.Middleware(en.breaker, circuitbreaker.WithFailurePredicate(func(err error) bool {
		return r.attributable(callCtx, c, err)
	}))(e)
	e = r.observeAttempt(en.addr, callID, method, c)(e)
	inner := e
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		defer en.inflight.Done()
		return inner(ctx, request)
	}
}

// attributable reports whether an error counts against the endpoint that
// produced it. Once the call's own context has ended (caller cancellation or
// the overall deadline), nothing is attributed: the endpoint was not given a
// fair chance to answer.
func (r *Router) attributable(callCtx context.Context, c retry.Classifier, err error) bool {
	if callCtx != nil && callCtx.Err() != nil {
		return false
	}
	return retry.CountsAgainstHealth(retry.Classify(c, err))
}

func (r *Router) recordHealth(callCtx context.Context, en *entry, c retry.Classifier) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (interface{}, error) {
			response, err := next(ctx, request)
			switch {
			case err == nil:
				en.health.success()
			case r.attributable(callCtx, c, err):
				en.health.failure()
			}
			return response, err
		}
	}
}

func (r *Router) observeAttempt(addr, callID, method string, c retry.Classifier) endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (interface{}, error) {
			begin := time.Now()
			response, err := next(ctx, request)
			r.emitAttempt(addr, callID, method, c, err, time.Since(begin))
			return response, err
		}
	}
}

func (r *Router) emitAttempt(addr, callID, method string, c retry.Classifier, err error, latency time.Duration) {
	class := ""
	if err != nil {
		class = retry.Classify(c, err).String()
	}
	r.sink.Observe(stats.Event{
		Time:     time.Now(),
		Kind:     stats.Attempt,
		CallID:   callID,
		Endpoint: addr,
		Method:   method,
		Err:      err,
		Class:    class,
		Latency:  latency,
	})
}

// report feeds a terminal outcome into an entry's breaker and health record,
// used by the stream path and the health checker. Errors that don't count
// under the call's classifier, or that arrive after the call's context
// ended, release the breaker without counting.
func (r *Router) report(callCtx context.Context, en *entry, c retry.Classifier, err error) {
	if err == nil {
		en.breaker.Success()
		en.health.success()
		return
	}
	if r.attributable(callCtx, c, err) {
		en.breaker.Failure()
		en.health.failure()
		return
	}
	en.breaker.Dismiss()
}
