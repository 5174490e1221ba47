// Package timer holds the timer-owning objects used by the sync core: a
// restartable debouncer and a fixed-window throttle.
package timer

import (
	"sync"
	"time"
)

type (
	Stopper interface {
		Stop() bool
	}

	// AfterFunc schedules f after d. time.AfterFunc satisfies it through Real.
	AfterFunc func(d time.Duration, f func()) Stopper
)

func Real(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Debouncer runs fn once the trigger has been quiet for delay.
type Debouncer struct {
	mx      *sync.Mutex
	delay   time.Duration
	after   AfterFunc
	fn      func()
	pending Stopper
	seq     uint64
}

func NewDebouncer(delay time.Duration, after AfterFunc, fn func()) *Debouncer {
	if after == nil {
		after = Real
	}
	return &Debouncer{
		mx:    &sync.Mutex{},
		delay: delay,
		after: after,
		fn:    fn,
	}
}

// Trigger starts the timer, or restarts it if one is already pending.
func (d *Debouncer) Trigger() {
	d.mx.Lock()
	defer d.mx.Unlock()

	if d.pending != nil {
		d.pending.Stop()
	}
	d.seq++
	seq := d.seq
	d.pending = d.after(d.delay, func() {
		d.mx.Lock()
		if seq != d.seq {
			// superseded by a later Trigger or Stop
			d.mx.Unlock()
			return
		}
		d.pending = nil
		d.mx.Unlock()
		d.fn()
	})
}

// Stop cancels a pending run. It is safe to call at any time.
func (d *Debouncer) Stop() {
	d.mx.Lock()
	defer d.mx.Unlock()

	d.seq++
	if d.pending != nil {
		d.pending.Stop()
		d.pending = nil
	}
}

func (d *Debouncer) Pending() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.pending != nil
}

// Throttle admits at most one call per interval.
type Throttle struct {
	mx       *sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func NewThrottle(interval time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{
		mx:       &sync.Mutex{},
		interval: interval,
		now:      now,
	}
}

func (t *Throttle) Allow() bool {
	t.mx.Lock()
	defer t.mx.Unlock()

	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) <= t.interval {
		return false
	}
	t.last = now
	return true
}

func (t *Throttle) Reset() {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.last = time.Time{}
}
