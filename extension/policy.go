package extension

import (
	"sync"
	"time"

	"github.com/tilinna/clock"
)

// Flushing policy thresholds. An EWMA of inter-arrival time below
// continuousThreshold (≈ 10 invocations/minute and up) switches to
// background drains triggered by the post-response signal; otherwise
// the loop drains synchronously before asking for the next event. A
// quiet period longer than idleThreshold triggers a periodic
// background drain while the buffer is non-empty.
const (
	continuousThreshold = 6 * time.Second
	idleThreshold       = 30 * time.Second
	policyCheckInterval = 5 * time.Second

	// ewmaAlpha weights the newest inter-arrival interval.
	ewmaAlpha = 0.2
)

// flushPolicy tracks the invocation arrival pattern and decides which
// flushing strategy the loop applies. The decision lives here; the
// mechanics live in the Flusher.
type flushPolicy struct {
	clk clock.Clock

	mu         sync.Mutex
	lastInvoke time.Time
	seenInvoke bool
	ewma       time.Duration
}

func newFlushPolicy(clk clock.Clock) *flushPolicy {
	return &flushPolicy{clk: clk, lastInvoke: clk.Now()}
}

// ObserveInvoke folds one INVOKE arrival into the EWMA. The first
// arrival has no inter-arrival interval and only starts the clock, so
// a cold function begins with the safe synchronous strategy.
func (p *flushPolicy) ObserveInvoke() {
	now := p.clk.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.seenInvoke {
		p.seenInvoke = true
		p.lastInvoke = now

		return
	}

	interval := now.Sub(p.lastInvoke)
	if p.ewma == 0 {
		p.ewma = interval
	} else {
		p.ewma = time.Duration(ewmaAlpha*float64(interval) + (1-ewmaAlpha)*float64(p.ewma))
	}
	p.lastInvoke = now
}

// Continuous reports whether invocations arrive fast enough to prefer
// background drains after each observed response.
func (p *flushPolicy) Continuous() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ewma > 0 && p.ewma < continuousThreshold
}

// IdleDue reports whether no INVOKE has been seen for longer than the
// idle threshold, which calls for a periodic background drain.
func (p *flushPolicy) IdleDue() bool {
	now := p.clk.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	return now.Sub(p.lastInvoke) > idleThreshold
}
