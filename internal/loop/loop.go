package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned when work is handed to a loop that has shut down.
var ErrClosed = errors.New("control loop closed")

// Dispatcher hands a function to the control goroutine.
type Dispatcher interface {
	Post(fn func()) bool
}

// Timer is a repeating callback that can be cancelled.
type Timer interface {
	Stop()
}

// Scheduler creates repeating callbacks that fire on the control goroutine.
type Scheduler interface {
	Every(interval time.Duration, fn func()) Timer
}

// Loop serializes every state transition of the console onto one goroutine.
// Timers and background workers never touch state directly; they Post.
type Loop struct {
	tasks  chan func()
	quit   chan struct{}
	done   chan struct{}
	logger *logrus.Entry

	closeOnce sync.Once
}

// New creates a loop with a task queue of the given size
func New(logger *logrus.Logger, queueSize int) *Loop {
	if queueSize < 1 {
		queueSize = 256
	}
	return &Loop{
		tasks:  make(chan func(), queueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.WithField("component", "loop"),
	}
}

// Run processes tasks until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			l.Close()
			l.drain()
			return
		case <-l.quit:
			l.drain()
			return
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

// drain runs whatever was queued before shutdown so callers blocked in Do return.
func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		default:
			return
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", r).Error("Recovered panic in control loop task")
		}
	}()
	fn()
}

// Post queues fn. It returns false once the loop has been closed.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Do queues fn and blocks until it has run. Must not be called from the loop
// itself, and only returns once Run is active.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	ok := l.Post(func() {
		defer close(finished)
		fn()
	})
	if !ok {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// Run drains the queue before closing done, so fn either ran or never will.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Every fires fn on the loop at a fixed interval until the returned Timer is stopped.
func (l *Loop) Every(interval time.Duration, fn func()) Timer {
	t := &tickTimer{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-t.stop:
				return
			case <-l.quit:
				t.ticker.Stop()
				return
			case <-t.ticker.C:
				// A tick still in the queue when Stop runs is dropped here.
				l.Post(func() {
					if t.stopped.Load() {
						return
					}
					fn()
				})
			}
		}
	}()

	return t
}

// Close stops accepting work. Queued tasks still run.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
	})
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

type tickTimer struct {
	ticker  *time.Ticker
	stop    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

func (t *tickTimer) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		t.ticker.Stop()
		close(t.stop)
	})
}
