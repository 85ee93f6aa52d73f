package pool

import (
	"sync"
	"time"

	"github.com/machineapi/machine-client-go/circuitbreaker"
)

// health is the rolling per-endpoint record. It never leaves the package;
// callers see Health snapshots only. All mutation is serialized under the
// record's own mutex.
type health struct {
	mtx sync.Mutex

	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        uint64
	totalFailures        uint64
	lastSuccess          time.Time
	lastFailure          time.Time
	lastProbe            time.Time

	now func() time.Time
}

func newHealth() *health {
	return &health{now: time.Now}
}

func (h *health) success() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.totalRequests++
	h.consecutiveFailures = 0
	h.consecutiveSuccesses++
	h.lastSuccess = h.now()
}

func (h *health) failure() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.totalRequests++
	h.totalFailures++
	h.consecutiveSuccesses = 0
	h.consecutiveFailures++
	h.lastFailure = h.now()
}

func (h *health) probed() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.lastProbe = h.now()
}

func (h *health) failures() int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.consecutiveFailures
}

// staleSince reports whether the record has seen no success since the given
// cutoff. A record that has never seen a success is always stale.
func (h *health) staleSince(cutoff time.Time) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.lastSuccess.Before(cutoff)
}

// Health is a point-in-time snapshot of one endpoint's record, exposed for
// introspection and tooling.
type Health struct {
	Endpoint             string
	State                circuitbreaker.State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalRequests        uint64
	TotalFailures        uint64
	LastSuccess          time.Time
	LastFailure          time.Time
	LastProbe            time.Time
}

// FailureRate is the lifetime failure fraction, in [0, 1].
func (h Health) FailureRate() float64 {
	if h.TotalRequests == 0 {
		return 0
	}
	return float64(h.TotalFailures) / float64(h.TotalRequests)
}

func (h *health) snapshot(addr string, state circuitbreaker.State) Health {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return Health{
		Endpoint:             addr,
		State:                state,
		ConsecutiveFailures:  h.consecutiveFailures,
		ConsecutiveSuccesses: h.consecutiveSuccesses,
		TotalRequests:        h.totalRequests,
		TotalFailures:        h.totalFailures,
		LastSuccess:          h.lastSuccess,
		LastFailure:          h.lastFailure,
		LastProbe:            h.lastProbe,
	}
}
