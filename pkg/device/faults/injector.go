// Package faults decides the emulated delay, outcome and failure cause of a
// device request.
package faults

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Execution time modes.
const (
	ExecTimeNone    int64 = 0
	ExecTimeFixed   int64 = 1
	ExecTimeUniform int64 = 2
)

// Failure modes.
const (
	FailNever         int64 = 0
	FailAlways        int64 = 1
	FailProbabilistic int64 = 2
)

// Failure cause modes.
const (
	CauseNone   int64 = 0
	CauseFirst  int64 = 1
	CauseRandom int64 = 2
)

// Params is the emulation block of a device request.
type Params struct {
	// ExecTimeMode selects how ExecTimeValue is used.
	ExecTimeMode int64 `json:"exec_time_mode" yaml:"exec_time_mode" validate:"gte=0,lte=2"`

	// ExecTimeValue is the fixed delay, or the exclusive upper bound of the
	// uniform delay, in milliseconds.
	ExecTimeValue int64 `json:"exec_time_value" yaml:"exec_time_value" validate:"gte=0"`

	// FailMode selects whether and how the request fails.
	FailMode int64 `json:"fail_mode" yaml:"fail_mode" validate:"gte=0,lte=2"`

	// FailRatePercent is the failure rate used by FailProbabilistic.
	FailRatePercent int64 `json:"fail_rate_percent" yaml:"fail_rate_percent" validate:"gte=0,lte=100"`

	// FailCauseMode selects how a cause is drawn from FailCauseList.
	FailCauseMode int64 `json:"fail_cause_mode" yaml:"fail_cause_mode" validate:"gte=0,lte=2"`

	// FailCauseList are the candidate failure causes.
	FailCauseList []string `json:"fail_cause_list,omitempty" yaml:"fail_cause_list,omitempty"`
}

// Outcome is the emulated result of one request.
type Outcome struct {
	Delay time.Duration
	Fail  bool
	Cause string
}

// Injector decides emulated outcomes.
type Injector interface {
	// Delay returns the emulated execution time.
	Delay(p Params) time.Duration

	// Fails reports whether the request fails.
	Fails(p Params) bool

	// Cause picks a failure cause, or returns "".
	Cause(p Params) string
}

// Decide draws a complete outcome from inj.
func Decide(inj Injector, p Params) Outcome {
	out := Outcome{Delay: inj.Delay(p), Fail: inj.Fails(p)}
	if out.Fail {
		out.Cause = inj.Cause(p)
	}
	return out
}

// RandomInjector draws outcomes from a pseudo-random source. It is safe for
// concurrent use.
type RandomInjector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewInjector returns an injector with a deterministic source seeded by seed.
func NewInjector(seed uint64) *RandomInjector {
	return &RandomInjector{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRandomInjector returns an injector seeded from the runtime's random source.
func NewRandomInjector() *RandomInjector {
	return NewInjector(rand.Uint64())
}

// maxDelayMillis is the largest ExecTimeValue a time.Duration can hold.
const maxDelayMillis = math.MaxInt64 / int64(time.Millisecond)

// Delay implements Injector. Values beyond what a time.Duration can hold
// are clamped.
func (r *RandomInjector) Delay(p Params) time.Duration {
	if p.ExecTimeValue <= 0 {
		return 0
	}
	bound := time.Duration(min(p.ExecTimeValue, maxDelayMillis)) * time.Millisecond
	switch p.ExecTimeMode {
	case ExecTimeFixed:
		return bound
	case ExecTimeUniform:
		r.mu.Lock()
		defer r.mu.Unlock()
		return time.Duration(r.rng.Int64N(int64(bound)))
	default:
		return 0
	}
}

// Fails implements Injector. In probabilistic mode a uniform draw in [0, 100]
// fails when it is at most the rate.
func (r *RandomInjector) Fails(p Params) bool {
	switch p.FailMode {
	case FailAlways:
		return true
	case FailProbabilistic:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.rng.Int64N(101) <= p.FailRatePercent
	default:
		return false
	}
}

// Cause implements Injector.
func (r *RandomInjector) Cause(p Params) string {
	if len(p.FailCauseList) == 0 {
		return ""
	}
	switch p.FailCauseMode {
	case CauseFirst:
		return p.FailCauseList[0]
	case CauseRandom:
		r.mu.Lock()
		defer r.mu.Unlock()
		return p.FailCauseList[r.rng.IntN(len(p.FailCauseList))]
	default:
		return ""
	}
}

// Pick returns a uniformly drawn element of items, or "" when items is empty.
func (r *RandomInjector) Pick(items []string) string {
	if len(items) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return items[r.rng.IntN(len(items))]
}
