package pool_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/machineapi/machine-client-go/backoff"
	"github.com/machineapi/machine-client-go/circuitbreaker"
	"github.com/machineapi/machine-client-go/endpoint"
	"github.com/machineapi/machine-client-go/pool"
	"github.com/machineapi/machine-client-go/retry"
	"github.com/machineapi/machine-client-go/stats"
	"github.com/machineapi/machine-client-go/stream"
)

var (
	errUnavailable = status.Error(codes.Unavailable, "endpoint down")
	errInvalid     = status.Error(codes.InvalidArgument, "bad request")
)

type fakeConn struct {
	addr string

	mtx    sync.Mutex
	calls  int
	closed bool

	unary     func(ctx context.Context, request interface{}) (interface{}, error)
	streaming func(ctx context.Context, request interface{}) (stream.Receiver, error)
}

func (f *fakeConn) Unary(method string) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		f.mtx.Lock()
		f.calls++
		fn := f.unary
		f.mtx.Unlock()
		if fn != nil {
			return fn(ctx, request)
		}
		return f.addr, nil
	}
}

func (f *fakeConn) Stream(method string) pool.StreamEndpoint {
	return func(ctx context.Context, request interface{}) (stream.Receiver, error) {
		f.mtx.Lock()
		f.calls++
		fn := f.streaming
		f.mtx.Unlock()
		if fn != nil {
			return fn(ctx, request)
		}
		return nil, errors.New("no stream configured")
	}
}

func (f *fakeConn) Close() error {
	f.mtx.Lock()
	f.closed = true
	f.mtx.Unlock()
	return nil
}

func (f *fakeConn) callCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.calls
}

func (f *fakeConn) isClosed() bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.closed
}

// conns collects the fake connections a factory hands out, by address.
type conns map[string]*fakeConn

func (c conns) factory(addr string) (pool.Invoker, error) {
	f := &fakeConn{addr: addr}
	c[addr] = f
	return f, nil
}

func noRetry() retry.Config {
	return retry.Config{MaxRetries: 0, Backoff: backoff.None{}}
}

func fastRetry(max int) retry.Config {
	return retry.Config{MaxRetries: max, Backoff: backoff.None{}}
}

func TestRoundRobinCyclesInPoolOrder(t *testing.T) {
	c := conns{}
	r, err := pool.New(c.factory, []string{"a", "b", "c"}, pool.WithRetry(noRetry()))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i, w := range want {
		response, err := r.Call(context.Background(), "Status", nil)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if have := response.(string); w != have {
			t.Errorf("call %d: want %q, have %q", i, w, have)
		}
	}
}

func TestFailoverPrefersFirstEndpoint(t *testing.T) {
	c := conns{}
	r, err := pool.New(c.factory, []string{"a", "b"},
		pool.WithStrategy(pool.Failover),
		pool.WithRetry(noRetry()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < 5; i++ {
		response, err := r.Call(context.Background(), "Status", nil)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := "a", response.(string); want != have {
			t.Fatalf("call %d: want %q, have %q", i, want, have)
		}
	}
	if want, have := 0, c["b"].callCount(); want != have {
		t.Errorf("endpoint b: want %d calls, have %d", want, have)
	}
}

func TestRandomReachesEveryEndpoint(t *testing.T) {
	c := conns{}
	r, err := pool.New(c.factory, []string{"a", "b", "c"},
		pool.WithStrategy(pool.Random),
		pool.WithRetry(noRetry()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < 60; i++ {
		if _, err := r.Call(context.Background(), "Status", nil); err != nil {
			t.Fatal(err)
		}
	}
	for addr, conn := range c {
		if conn.callCount() == 0 {
			t.Errorf("endpoint %s never selected", addr)
		}
	}
}

func TestLeastFailuresAvoidsFailingEndpoint(t *testing.T) {
	c := conns{}
	factory := func(addr string) (pool.Invoker, error) {
		inv, err := c.factory(addr)
		if err != nil {
			return nil, err
		}
		if addr == "a" {
			c[addr].unary = func(context.Context, interface{}) (interface{}, error) {
				return nil, errUnavailable
			}
		}
		return inv, nil
	}
	r, err := pool.New(factory, []string{"a", "b", "c"},
		pool.WithStrategy(pool.LeastFailures),
		pool.WithRetry(noRetry()),
		pool.WithBreaker(circuitbreaker.WithFailureThreshold(100)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// Once a accrues a failure it loses every subsequent tiebreak.
	for i := 0; i < 12; i++ {
		r.Call(context.Background(), "Status", nil)
	}
	if have := c["a"].callCount(); have > 1 {
		t.Errorf("endpoint a: want at most 1 call, have %d", have)
	}
}

func TestRetryFailsOverToHealthyEndpoint(t *testing.T) {
	c := conns{}
	factory := func(addr string) (pool.Invoker, error) {
		inv, err := c.factory(addr)
		if err != nil {
			return nil, err
		}
		if addr == "a" {
			c[addr].unary = func(context.Context, interface{}) (interface{}, error) {
				return nil, errUnavailable
			}
		}
		return inv, nil
	}
	r, err := pool.New(factory, []string{"a", "b"},
		pool.WithStrategy(pool.Failover),
		pool.WithRetry(fastRetry(3)),
		pool.WithBreaker(circuitbreaker.WithFailureThreshold(1)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	response, err := r.Call(context.Background(), "Status", nil)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "b", response.(string); want != have {
		t.Errorf("want %q, have %q", want, have)
	}
	if want, have := 1, c["a"].callCount(); want != have {
		t.Errorf("endpoint a: want %d call, have %d", want, have)
	}
}

func TestAllBreakersOpenFailsFast(t *testing.T) {
	c := conns{}
	factory := func(addr string) (pool.Invoker, error) {
		inv, err := c.factory(addr)
		if err != nil {
			return nil, err
		}
		c[addr].unary = func(context.Context, interface{}) (interface{}, error) {
			return nil, errUnavailable
		}
		return inv, nil
	}
	r, err := pool.New(factory, []string{"a", "b", "c"},
		pool.WithRetry(fastRetry(3)),
		pool.WithBreaker(
			circuitbreaker.WithFailureThreshold(1),
			circuitbreaker.WithRecoveryTimeout(time.Hour),
		),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Call(context.Background(), "Status", nil); err == nil {
		t.Fatal("want error with every endpoint failing")
	}

	begin := time.Now()
	_, err = r.Call(context.Background(), "Status", nil)
	if !errors.Is(err, pool.ErrNoHealthyEndpoint) {
		t.Fatalf("want ErrNoHealthyEndpoint, have %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 100*time.Millisecond {
		t.Errorf("fail-fast took %v", elapsed)
	}
}

func TestFatalErrorNotRetriedNotCounted(t *testing.T) {
	c := conns{}
	factory := func(addr string) (pool.Invoker, error) {
		inv, err := c.factory(addr)
		if err != nil {
			return nil, err
		}
		c[addr].unary = func(context.Context, interface{}) (interface{}, error) {
			return nil, errInvalid
		}
		return inv, nil
	}
	r, err := pool.New(factory, []string{"a"},
		pool.WithRetry(fastRetry(3)),
		pool.WithBreaker(circuitbreaker.WithFailureThreshold(1)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, err = r.Call(context.Background(), "DeleteNode", nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("want InvalidArgument, have %v", err)
	}
	if want, have := 1, c["a"].callCount(); want != have {
		t.Errorf("want %d call, have %d", want, have)
	}

	eps := r.Endpoints()
	if want, have := circuitbreaker.Closed, eps[0].State; want != have {
		t.Errorf("breaker state: want %v, have %v", want, have)
	}
	if want, have := 0, eps[0].ConsecutiveFailures; want != have {
		t.Errorf("consecutive failures: want %d, have %d", want, have)
	}
}

func TestCancellationNotAttributed(t *testing.T) {
	c := conns{}
	factory := func(addr string) (pool.Invoker, error) {
		inv, err := c.factory(addr)
		if err != nil {
			return nil, err
		}
		c[addr].unary = func(ctx context.Context, _ interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return inv, nil
	}
	r, err := pool.New(factory, []string{"a"}, pool.WithRetry(fastRetry(3)))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = r.Call(ctx, "Status", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, have %v", err)
	}

	eps := r.Endpoints()
	if want, have := 0, eps[0].ConsecutiveFailures; want != have {
		t.Errorf("consecutive failures: want %d, have %d", want, have)
	}
	if want, have := circuitbreaker.Closed, eps[0].State; want != have {
		t.Errorf("breaker state: want %v, have %v", want, have)
	}
}

func TestEndpointsSnapshot(t *testing.T) {
	c := conns{}
	r, err := pool.New(c.factory, []string{"a", "b"}, pool.WithRetry(noRetry()))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < 4; i++ {
		if _, err := r.Call(context.Background(), "Status", nil); err != nil {
			t.Fatal(err)
		}
	}
	eps := r.Endpoints()
	if want, have := 2, len(eps); want != have {
		t.Fatalf("want %d endpoints, have %d", want, have)
	}
	for _, ep := range eps {
		if want, have := uint64(2), ep.TotalRequests; want != have {
			t.Errorf("%s: want %d requests, have %d", ep.Endpoint, want, have)
		}
		if want, have := 2, ep.ConsecutiveSuccesses; want != have {
			t.Errorf("%s: want %d successes, have %d", ep.Endpoint, want, have)
		}
		if rate := ep.FailureRate(); rate != 0 {
			t.Errorf("%s: want zero failure rate, have %f", ep.Endpoint, rate)
		}
	}
}

func TestBreakerTransitionEmitsEvent(t *testing.T) {
	c := conns{}
	factory := func(addr string) (pool.Invoker, error) {
		inv, err := c.factory(addr)
		if err != nil {
			return nil, err
		}
		c[addr].unary = func(context.Context, interface{}) (interface{}, error) {
			return nil, errUnavailable
		}
		return inv, nil
	}
	var (
		mtx    sync.Mutex
		events []stats.Event
	)
	sink := stats.SinkFunc(func(ev stats.Event) {
		mtx.Lock()
		events = append(events, ev)
		mtx.Unlock()
	})
	r, err := pool.New(factory, []string{"a"},
		pool.WithRetry(noRetry()),
		pool.WithSink(sink),
		pool.WithBreaker(circuitbreaker.WithFailureThreshold(1)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	r.Call(context.Background(), "Status", nil)

	mtx.Lock()
	defer mtx.Unlock()
	var saw bool
	for _, ev := range events {
		if ev.Kind == stats.Breaker && ev.From == circuitbreaker.Closed && ev.To == circuitbreaker.Open {
			saw = true
			if want, have := "a", ev.Endpoint; want != have {
				t.Errorf("event endpoint: want %q, have %q", want, have)
			}
		}
	}
	if !saw {
		t.Error("no closed->open breaker event observed")
	}
}

func TestAddAndRemove(t *testing.T) {
	c := conns{}
	r, err := pool.New(c.factory, []string{"a"},
		pool.WithStrategy(pool.Failover),
		pool.WithRetry(noRetry()),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.Add("b"); err != nil {
		t.Fatal(err)
	}
	if err := r.Add("b"); err == nil {
		t.Error("want error adding duplicate endpoint")
	}
	if want, have := 2, len(r.Endpoints()); want != have {
		t.Fatalf("want %d endpoints, have %d", want, have)
	}

	if err := r.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove("a"); err == nil {
		t.Error("want error removing unknown endpoint")
	}

	response, err := r.Call(context.Background(), "Status", nil)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "b", response.(string); want != have {
		t.Errorf("want %q, have %q", want, have)
	}

	deadline := time.Now().Add(time.Second)
	for !c["a"].isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("removed endpoint's connection never closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseDisposesConnections(t *testing.T) {
	c := conns{}
	r, err := pool.New(c.factory, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	for addr, conn := range c {
		if !conn.isClosed() {
			t.Errorf("endpoint %s: connection not closed", addr)
		}
	}
	if _, err := r.Call(context.Background(), "Status", nil); !errors.Is(err, pool.ErrClosed) {
		t.Errorf("want ErrClosed, have %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestPerCallClassifierDrivesAttribution(t *testing.T) {
	c := conns{}
	factory := func(addr string) (pool.Invoker, error) {
		inv, err := c.factory(addr)
		if err != nil {
			return nil, err
		}
		c[addr].unary = func(context.Context, interface{}) (interface{}, error) {
			return nil, status.Error(codes.FailedPrecondition, "node not ready")
		}
		return inv, nil
	}
	r, err := pool.New(factory, []string{"a"},
		pool.WithRetry(noRetry()),
		pool.WithBreaker(
			circuitbreaker.WithFailureThreshold(2),
			circuitbreaker.WithRecoveryTimeout(time.Hour),
		),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	// FailedPrecondition is fatal to the default classifier, but this call
	// retries it; the same rules must govern health and breaker accounting.
	cfg := retry.Config{
		MaxRetries: 3,
		Backoff:    backoff.None{},
		Classifier: retry.CodeClassifier{Retryable: []codes.Code{codes.FailedPrecondition}},
	}
	if _, err := r.Call(context.Background(), "Status", nil, pool.CallWithRetry(cfg)); err == nil {
		t.Fatal("want error with every attempt failing")
	}

	if want, have := 2, c["a"].callCount(); want != have {
		t.Errorf("want %d calls before the breaker opened, have %d", want, have)
	}
	eps := r.Endpoints()
	if want, have := circuitbreaker.Open, eps[0].State; want != have {
		t.Errorf("breaker state: want %v, have %v", want, have)
	}
	if want, have := 2, eps[0].ConsecutiveFailures; want != have {
		t.Errorf("consecutive failures: want %d, have %d", want, have)
	}
}

func TestOverallDeadlineNotAttributed(t *testing.T) {
	c := conns{}
	factory := func(addr string) (pool.Invoker, error) {
		inv, err := c.factory(addr)
		if err != nil {
			return nil, err
		}
		c[addr].unary = func(ctx context.Context, _ interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return inv, nil
	}
	r, err := pool.New(factory, []string{"a"},
		pool.WithRetry(fastRetry(3)),
		pool.WithBreaker(circuitbreaker.WithFailureThreshold(1)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	_, err = r.Call(context.Background(), "Status", nil, pool.CallWithTimeout(30*time.Millisecond))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want context.DeadlineExceeded, have %v", err)
	}

	eps := r.Endpoints()
	if want, have := 0, eps[0].ConsecutiveFailures; want != have {
		t.Errorf("consecutive failures: want %d, have %d", want, have)
	}
	if want, have := circuitbreaker.Closed, eps[0].State; want != have {
		t.Errorf("breaker state: want %v, have %v", want, have)
	}
}
