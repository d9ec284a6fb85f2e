// Package ltesto provides shared test support: a deterministic manual-clock
// platform with an ordered timer queue for exercising timer-driven protocol
// logic without real time.
package ltesto

import (
	"sort"

	"github.com/soypat/ipstack"
)

// TestPlatform implements [ipstack.Platform] over a manually advanced clock.
// Timers fire synchronously inside [TestPlatform.Advance], in deadline order,
// with the clock set exactly to each timer's deadline as it fires.
type TestPlatform struct {
	now    ipstack.Time
	timers []*TestTimer
}

// NewTestPlatform returns a platform whose clock reads start.
func NewTestPlatform(start ipstack.Time) *TestPlatform {
	return &TestPlatform{now: start}
}

// Now returns the current simulated time.
func (p *TestPlatform) Now() ipstack.Time { return p.now }

// NewTimer allocates an unset timer bound to cb.
func (p *TestPlatform) NewTimer(cb func()) ipstack.PlatformTimer {
	t := &TestTimer{p: p, cb: cb}
	p.timers = append(p.timers, t)
	return t
}

// Advance moves the clock forward by d ticks, firing every timer whose
// deadline falls within the interval. Callbacks may re-arm timers; a timer
// re-armed within the interval fires again in the same Advance call.
func (p *TestPlatform) Advance(d ipstack.Time) {
	end := p.now + d
	for {
		t := p.nextDue(end)
		if t == nil {
			break
		}
		p.now = t.at
		t.armed = false
		t.cb()
	}
	p.now = end
}

// ArmedTimers returns how many timers are currently set.
func (p *TestPlatform) ArmedTimers() int {
	n := 0
	for _, t := range p.timers {
		if t.armed {
			n++
		}
	}
	return n
}

func (p *TestPlatform) nextDue(end ipstack.Time) *TestTimer {
	due := make([]*TestTimer, 0, len(p.timers))
	for _, t := range p.timers {
		if t.armed && t.at.LessThanEq(end) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.LessThan(due[j].at) })
	return due[0]
}

// TestTimer is the [ipstack.PlatformTimer] handed out by [TestPlatform].
type TestTimer struct {
	p     *TestPlatform
	cb    func()
	at    ipstack.Time
	armed bool
}

// SetAt schedules the timer, replacing any previous deadline. Deadlines in
// the past fire on the next Advance call.
func (t *TestTimer) SetAt(at ipstack.Time) {
	t.at = at
	t.armed = true
}

// Unset cancels the timer.
func (t *TestTimer) Unset() { t.armed = false }
