package pool

import (
	"fmt"
	"sync/atomic"
)

// Strategy selects which eligible endpoint serves the next attempt.
type Strategy int

const (
	// RoundRobin cycles through eligible endpoints in pool order,
	// resuming from the last-used position.
	RoundRobin Strategy = iota
	// Random samples an eligible endpoint uniformly.
	Random
	// LeastFailures picks the eligible endpoint with the fewest
	// consecutive failures, ties broken in round-robin order.
	LeastFailures
	// Failover always prefers the first eligible endpoint in the order
	// endpoints were added.
	Failover
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round-robin"
	case Random:
		return "random"
	case LeastFailures:
		return "least-failures"
	case Failover:
		return "failover"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "round-robin", "":
		return RoundRobin, nil
	case "random":
		return Random, nil
	case "least-failures":
		return LeastFailures, nil
	case "failover":
		return Failover, nil
	default:
		return 0, fmt.Errorf("unknown selection strategy %q", s)
	}
}

// pickFrom applies the router's strategy over the eligible entries, which
// are already in pool order.
func (r *Router) pickFrom(eligible []*entry) *entry {
	switch r.strategy {
	case Random:
		r.randMtx.Lock()
		idx := r.rand.Intn(len(eligible))
		r.randMtx.Unlock()
		return eligible[idx]
	case LeastFailures:
		start := int(atomic.AddUint64(&r.cursor, 1) - 1)
		best := eligible[start%len(eligible)]
		bestFailures := best.health.failures()
		for i := 1; i < len(eligible); i++ {
			e := eligible[(start+i)%len(eligible)]
			if f := e.health.failures(); f < bestFailures {
				best, bestFailures = e, f
			}
		}
		return best
	case Failover:
		return eligible[0]
	default: // RoundRobin
		idx := atomic.AddUint64(&r.cursor, 1) - 1
		return eligible[idx%uint64(len(eligible))]
	}
}
