package loop

import (
	"sync"
	"time"
)

// Manual is a deterministic Dispatcher and Scheduler. Time only moves when
// Advance is called and queued tasks only run on Drain or Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Duration
	queue  []func()
	timers []*manualTimer
	closed bool
	posted chan struct{}
}

// NewManual returns a manual loop at time zero
func NewManual() *Manual {
	return &Manual{posted: make(chan struct{}, 1)}
}

// Post queues fn until the next Drain.
func (m *Manual) Post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.posted <- struct{}{}:
	default:
	}
	return true
}

// Every registers a timer whose first tick is one interval from now.
func (m *Manual) Every(interval time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{interval: interval, next: m.now + interval, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Drain runs queued tasks, including ones queued while draining.
func (m *Manual) Drain() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		fn()
		ran++
	}
}

// Advance moves the clock forward, firing due timers in order and draining
// the queue after every tick.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	m.Drain()
	for {
		m.mu.Lock()
		var due *manualTimer
		for _, t := range m.timers {
			if t.stopped || t.next > target {
				continue
			}
			if due == nil || t.next < due.next {
				due = t
			}
		}
		if due == nil {
			m.now = target
			m.pruneLocked()
			m.mu.Unlock()
			m.Drain()
			return
		}
		m.now = due.next
		due.next += due.interval
		m.mu.Unlock()

		due.fn()
		m.Drain()
	}
}

// WaitForTask blocks until something is posted or the timeout expires.
func (m *Manual) WaitForTask(timeout time.Duration) bool {
	m.mu.Lock()
	pending := len(m.queue) > 0
	m.mu.Unlock()
	if pending {
		return true
	}

	select {
	case <-m.posted:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Now is the virtual time elapsed since NewManual
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// ActiveTimers counts timers that have not been stopped
func (m *Manual) ActiveTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Close makes further Post calls fail
func (m *Manual) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *Manual) pruneLocked() {
	kept := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			kept = append(kept, t)
		}
	}
	m.timers = kept
}

type manualTimer struct {
	interval time.Duration
	next     time.Duration
	fn       func()
	stopped  bool
}

// Stop is only called from tasks and test code running on the test goroutine.
func (t *manualTimer) Stop() {
	t.stopped = true
}
