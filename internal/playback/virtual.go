package playback

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"cuedeck/internal/loop"
	"cuedeck/pkg/models"
)

// Clock returns a monotonic reading. The virtual engine measures playback
// progress with it.
type Clock func() time.Duration

// DurationFunc resolves the length of a media file. It must fail for files
// that do not exist.
type DurationFunc func(path string) (time.Duration, error)

// VirtualEngine plays media silently against a clock. Used for headless
// rehearsal and tests.
type VirtualEngine struct {
	devices  []models.Device
	duration DurationFunc
	sched    loop.Scheduler
	clock    Clock
	logger   *logrus.Entry
}

// NewVirtualEngine creates an engine offering one device per name. The first
// name is the default device.
func NewVirtualEngine(names []string, duration DurationFunc, sched loop.Scheduler, clock Clock, logger *logrus.Entry) *VirtualEngine {
	if len(names) == 0 {
		names = []string{"Virtual Output"}
	}
	if clock == nil {
		start := time.Now()
		clock = func() time.Duration { return time.Since(start) }
	}

	devices := make([]models.Device, len(names))
	for i, name := range names {
		devices[i] = models.Device{
			ID:          fmt.Sprintf("virtual-%d-%s", i, slug(name)),
			Description: name,
			IsDefault:   i == 0,
		}
	}

	return &VirtualEngine{
		devices:  devices,
		duration: duration,
		sched:    sched,
		clock:    clock,
		logger:   logger,
	}
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-")
}

// Name implements Engine
func (e *VirtualEngine) Name() string {
	return "virtual"
}

// Devices implements Engine
func (e *VirtualEngine) Devices() []models.Device {
	out := make([]models.Device, len(e.devices))
	copy(out, e.devices)
	return out
}

// DefaultDevice implements Engine
func (e *VirtualEngine) DefaultDevice() models.Device {
	return e.devices[0]
}

// NewPort implements Engine
func (e *VirtualEngine) NewPort(dev models.Device) (Port, error) {
	if _, ok := FindDevice(e.devices, dev.ID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, dev.Description)
	}
	return &virtualPort{
		engine:    e,
		device:    dev,
		volume:    1,
		loopCount: 1,
	}, nil
}

// Formats implements Engine. Virtual ports load anything with a duration.
func (e *VirtualEngine) Formats() []string {
	return nil
}

// Close implements Engine
func (e *VirtualEngine) Close() error {
	return nil
}

type virtualPort struct {
	engine *VirtualEngine
	device models.Device

	path     string
	duration time.Duration

	playing   bool
	base      time.Duration // position when playback last (re)started or paused
	startedAt time.Duration // clock reading at the last (re)start

	volume    float64
	loopCount int
	loopsLeft int

	listener Listener
	poll     loop.Timer
	closed   bool
}

func (p *virtualPort) Load(path string) (time.Duration, error) {
	p.Stop()

	d, err := p.engine.duration(path)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", path, err)
	}
	p.path = path
	p.duration = d
	p.base = 0

	if p.listener != nil {
		p.listener.DurationChanged(d)
	}
	return d, nil
}

func (p *virtualPort) Play() {
	if p.closed || p.path == "" || p.playing {
		return
	}
	if p.duration > 0 && p.base >= p.duration {
		p.base = 0
	}
	p.loopsLeft = p.loopCount
	p.playing = true
	p.startedAt = p.engine.clock()
	p.startPoll()
}

func (p *virtualPort) Pause() {
	if !p.playing {
		return
	}
	p.base = p.Position()
	p.playing = false
	p.stopPoll()
}

func (p *virtualPort) Stop() {
	p.playing = false
	p.base = 0
	p.stopPoll()
}

func (p *virtualPort) Seek(pos time.Duration) {
	if pos < 0 {
		pos = 0
	}
	if p.duration > 0 && pos > p.duration {
		pos = p.duration
	}
	p.base = pos
	p.startedAt = p.engine.clock()
}

func (p *virtualPort) SetVolume(v float64) {
	p.volume = clampVolume(v)
}

func (p *virtualPort) Volume() float64 {
	return p.volume
}

func (p *virtualPort) SetLoopCount(n int) {
	p.loopCount = normalizeLoopCount(n)
	p.loopsLeft = p.loopCount
}

func (p *virtualPort) SetOutputDevice(dev models.Device) error {
	if _, ok := FindDevice(p.engine.devices, dev.ID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, dev.Description)
	}
	p.device = dev
	return nil
}

func (p *virtualPort) Position() time.Duration {
	if !p.playing {
		return p.base
	}
	pos := p.base + (p.engine.clock() - p.startedAt)
	if p.duration > 0 && pos >= p.duration {
		if p.loopCount == LoopInfinite || p.loopsLeft > 1 {
			return pos % p.duration
		}
		return p.duration
	}
	return pos
}

func (p *virtualPort) Duration() time.Duration {
	return p.duration
}

func (p *virtualPort) Playing() bool {
	return p.playing
}

func (p *virtualPort) SetListener(l Listener) {
	p.listener = l
}

func (p *virtualPort) Close() {
	p.Stop()
	p.closed = true
	p.listener = nil
}

func (p *virtualPort) startPoll() {
	if p.poll != nil {
		return
	}
	p.poll = p.engine.sched.Every(PositionPollInterval, p.tick)
}

func (p *virtualPort) stopPoll() {
	if p.poll != nil {
		p.poll.Stop()
		p.poll = nil
	}
}

func (p *virtualPort) tick() {
	if !p.playing {
		return
	}

	pos := p.base + (p.engine.clock() - p.startedAt)
	if p.duration > 0 && pos >= p.duration {
		if p.loopCount == LoopInfinite || p.loopsLeft > 1 {
			if p.loopsLeft > 1 {
				p.loopsLeft--
			}
			p.base = pos % p.duration
			p.startedAt = p.engine.clock()
			pos = p.base
		} else {
			p.playing = false
			p.base = p.duration
			p.stopPoll()
			if p.listener != nil {
				p.listener.PositionChanged(p.duration)
				p.listener.EndOfMedia()
			}
			return
		}
	}

	if p.listener != nil {
		p.listener.PositionChanged(pos)
	}
}
