package fade

import (
	"math"
	"time"

	"cuedeck/internal/loop"
)

// TickInterval is the fixed period of the volume ramp
const TickInterval = 50 * time.Millisecond

// Steps returns how many ticks a fade of duration d takes (at least one).
func Steps(d time.Duration) int {
	n := int(math.Round(float64(d) / float64(TickInterval)))
	if n < 1 {
		return 1
	}
	return n
}

// Engine ramps one track's live volume linearly to zero. It is not safe for
// concurrent use; every call and every tick happens on the control loop.
type Engine struct {
	sched loop.Scheduler
	timer loop.Timer

	live      float64
	step      float64
	remaining int

	apply  func(float64)
	onDone func()
}

// NewEngine creates an idle engine driven by sched
func NewEngine(sched loop.Scheduler) *Engine {
	return &Engine{sched: sched}
}

// Start begins a ramp from startVolume to 0 over d. apply receives every new
// live volume; onDone runs once after the last tick. A running fade is
// replaced.
func (e *Engine) Start(startVolume float64, d time.Duration, apply func(float64), onDone func()) {
	e.stopTimer()

	if startVolume < 0 {
		startVolume = 0
	}
	e.live = startVolume
	e.remaining = Steps(d)
	e.step = startVolume / float64(e.remaining)
	e.apply = apply
	e.onDone = onDone

	e.timer = e.sched.Every(TickInterval, e.tick)
}

func (e *Engine) tick() {
	if e.timer == nil {
		return
	}

	e.live = math.Max(0, e.live-e.step)
	e.remaining--
	if e.remaining <= 0 {
		e.live = 0
	}
	if e.apply != nil {
		e.apply(e.live)
	}

	if e.remaining > 0 {
		return
	}

	e.stopTimer()
	done := e.onDone
	e.onDone = nil
	if done != nil {
		done()
	}
}

// Cancel stops the ramp without running the completion callback. It reports
// whether a fade was running.
func (e *Engine) Cancel() bool {
	if e.timer == nil {
		return false
	}
	e.stopTimer()
	e.onDone = nil
	return true
}

func (e *Engine) stopTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
