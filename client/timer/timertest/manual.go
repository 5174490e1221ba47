// Package timertest provides a virtual clock for code built on timer.AfterFunc.
package timertest

import (
	"sort"
	"sync"
	"time"

	"github.com/adwski/studyroom-sync/client/timer"
)

// Manual is a deterministic AfterFunc: scheduled functions run only when
// Advance moves the virtual clock past their deadline.
type Manual struct {
	mx    sync.Mutex
	now   time.Duration
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	m       *Manual
	at      time.Duration
	delay   time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTask) Stop() bool {
	t.m.mx.Lock()
	defer t.m.mx.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) AfterFunc(d time.Duration, f func()) timer.Stopper {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.seq++
	t := &manualTask{m: m, at: m.now + d, delay: d, seq: m.seq, fn: f}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves the clock forward by d, running due tasks in deadline order.
// Tasks scheduled by running tasks are honored if they fall within d.
func (m *Manual) Advance(d time.Duration) {
	m.mx.Lock()
	target := m.now + d
	m.mx.Unlock()

	for {
		m.mx.Lock()
		next := m.nextDue(target)
		if next == nil {
			m.now = target
			m.mx.Unlock()
			return
		}
		next.fired = true
		m.now = next.at
		m.mx.Unlock()
		next.fn()
	}
}

func (m *Manual) nextDue(target time.Duration) *manualTask {
	var due []*manualTask
	for _, t := range m.tasks {
		if !t.stopped && !t.fired && t.at <= target {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at == due[j].at {
			return due[i].seq < due[j].seq
		}
		return due[i].at < due[j].at
	})
	return due[0]
}

// Pending returns the delays of tasks that are scheduled and not yet run.
func (m *Manual) Pending() []time.Duration {
	m.mx.Lock()
	defer m.mx.Unlock()
	var out []time.Duration
	for _, t := range m.tasks {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// Now is the virtual wall clock, anchored at the Unix epoch.
func (m *Manual) Now() time.Time {
	m.mx.Lock()
	defer m.mx.Unlock()
	return time.Unix(0, 0).Add(m.now)
}
