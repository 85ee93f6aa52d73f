// Package backoff provides wait-duration policies for retry loops.
//
// A Policy is a pure mapping from an attempt index to a delay, so retry
// behavior stays deterministic and testable; randomness enters only through
// the Jitter decorator, which accepts a seeded rand source. See
// https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
// for the rationale behind jittered delays.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy maps a retry attempt index to the delay to wait before that attempt.
// Attempt indices start at 0 for the first retry; policies are never consulted
// for the initial attempt of a call.
type Policy interface {
	Delay(attempt int) time.Duration
}

// None waits nothing between attempts.
type None struct{}

// Delay implements Policy.
func (None) Delay(int) time.Duration { return 0 }

// Fixed waits the same duration between every attempt.
type Fixed time.Duration

// Delay implements Policy.
func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// Linear grows the delay by Step for every attempt, starting from Base and
// capped at Max when Max is positive.
type Linear struct {
	Base time.Duration
	Step time.Duration
	Max  time.Duration
}

// Delay implements Policy.
func (l Linear) Delay(attempt int) time.Duration {
	d := l.Base + l.Step*time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		d = l.Max
	}
	return d
}

// Exponential multiplies the delay by Multiplier for every attempt, starting
// from Base and capped at Max. A zero Multiplier defaults to 2.
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay implements Policy.
func (e Exponential) Delay(attempt int) time.Duration {
	m := e.Multiplier
	if m == 0 {
		m = 2
	}
	d := float64(e.Base) * math.Pow(m, float64(attempt))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	// Without a cap the float eventually exceeds the Duration range;
	// saturate instead of overflowing to a negative delay.
	if d >= float64(math.MaxInt64) {
		return math.MaxInt64
	}
	return time.Duration(d)
}

// Jitter decorates a policy by scaling each delay by a uniform random factor
// in [floor, 1.0]. A floor of 0 yields full jitter. The rand source r may be
// shared; a nil r falls back to the global source.
func Jitter(p Policy, floor float64, r *rand.Rand) Policy {
	if floor < 0 {
		floor = 0
	}
	if floor > 1 {
		floor = 1
	}
	return jittered{p: p, floor: floor, r: r}
}

type jittered struct {
	p     Policy
	floor float64
	r     *rand.Rand
}

func (j jittered) Delay(attempt int) time.Duration {
	d := j.p.Delay(attempt)
	var u float64
	if j.r != nil {
		u = j.r.Float64()
	} else {
		u = rand.Float64()
	}
	scale := j.floor + (1-j.floor)*u
	return time.Duration(float64(d) * scale)
}

// Wait blocks for d or until ctx is done, whichever comes first, returning
// the context's error in the latter case. A non-positive d returns
// immediately after a ctx check.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
