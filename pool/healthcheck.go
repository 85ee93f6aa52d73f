package pool

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/machineapi/machine-client-go/circuitbreaker"
)

func (r *Router) healthCheckLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopc:
			return
		case <-ticker.C:
			r.checkEndpoints()
		}
	}
}

// checkEndpoints probes endpoints that passive traffic cannot vouch for:
// those with an open breaker, and those with no successful call since the
// previous sweep.
func (r *Router) checkEndpoints() {
	r.mtx.RLock()
	entries := append([]*entry{}, r.entries...)
	r.mtx.RUnlock()

	cutoff := time.Now().Add(-r.probeInterval)
	for _, en := range entries {
		open := en.breaker.State() == circuitbreaker.Open
		if !open && !en.health.staleSince(cutoff) {
			continue
		}
		r.probeEndpoint(en, open)
	}
}

// probeEndpoint runs one probe through the same breaker admission as real
// traffic. An open breaker is forced half-open first so recovery does not
// have to wait out the passive timeout. The probe reserves the entry's
// in-flight count while the entry is still in the table, so removal drains
// it like any other call; an entry removed since the sweep snapshot is left
// alone.
func (r *Router) probeEndpoint(en *entry, open bool) {
	r.mtx.RLock()
	if r.index[en.addr] != en {
		r.mtx.RUnlock()
		return
	}
	en.inflight.Add(1)
	r.mtx.RUnlock()
	defer en.inflight.Done()

	en.health.probed()
	if open {
		en.breaker.ForceProbe()
	}
	if !en.breaker.Allow() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.probeTimeout)
	defer cancel()
	begin := time.Now()
	err := r.probe(ctx, en.invoker)
	// A timed-out probe is a counted failure, so the probe's own context
	// is not the attribution scope.
	r.report(context.Background(), en, nil, err)
	r.emitAttempt(en.addr, uuid.NewString(), "health-check", nil, err, time.Since(begin))
	if err != nil {
		r.logger.Log("endpoint", en.addr, "health_check", "failed", "err", err)
	}
}
