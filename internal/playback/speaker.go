package playback

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/vorbis"
	"github.com/gopxl/beep/v2/wav"
	"github.com/sirupsen/logrus"

	"cuedeck/internal/config"
	"cuedeck/internal/loop"
	"cuedeck/pkg/models"
)

const resampleQuality = 4

// SystemDevice is the only output the speaker backend can address
var SystemDevice = models.Device{
	ID:          "default",
	Description: "System Default Output",
	IsDefault:   true,
}

// speakerFormats are the extensions decodeFile has a decoder for
var speakerFormats = []string{".mp3", ".wav", ".flac", ".ogg"}

// SpeakerEngine mixes every port onto the default system output.
type SpeakerEngine struct {
	sampleRate beep.SampleRate
	dispatch   loop.Dispatcher
	sched      loop.Scheduler
	logger     *logrus.Entry
}

// NewSpeakerEngine initializes the speaker at the configured mixer rate
func NewSpeakerEngine(cfg config.PlaybackConfig, dispatch loop.Dispatcher, sched loop.Scheduler, logger *logrus.Entry) (*SpeakerEngine, error) {
	sr := beep.SampleRate(cfg.SampleRate)
	bufferSize := sr.N(time.Duration(cfg.BufferMs) * time.Millisecond)
	if err := speaker.Init(sr, bufferSize); err != nil {
		return nil, fmt.Errorf("failed to initialize audio output: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"sample_rate": cfg.SampleRate,
		"buffer_ms":   cfg.BufferMs,
	}).Info("Audio output initialized")

	return &SpeakerEngine{
		sampleRate: sr,
		dispatch:   dispatch,
		sched:      sched,
		logger:     logger,
	}, nil
}

// Name implements Engine
func (e *SpeakerEngine) Name() string {
	return "speaker"
}

// Devices implements Engine
func (e *SpeakerEngine) Devices() []models.Device {
	return []models.Device{SystemDevice}
}

// DefaultDevice implements Engine
func (e *SpeakerEngine) DefaultDevice() models.Device {
	return SystemDevice
}

// NewPort implements Engine
func (e *SpeakerEngine) NewPort(dev models.Device) (Port, error) {
	if dev.ID != SystemDevice.ID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, dev.Description)
	}
	p := &speakerPort{engine: e}
	p.stream = &channelStream{volume: 1, loopCount: 1, onEnd: p.ended}
	speaker.Play(p.stream)
	return p, nil
}

// Formats implements Engine
func (e *SpeakerEngine) Formats() []string {
	return append([]string(nil), speakerFormats...)
}

// Close implements Engine
func (e *SpeakerEngine) Close() error {
	speaker.Clear()
	speaker.Close()
	return nil
}

// decodeFile picks a beep decoder by extension
func decodeFile(path string) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		s, format, err = wav.Decode(f)
	case ".flac":
		s, format, err = flac.Decode(f)
	case ".mp3":
		s, format, err = mp3.Decode(f)
	case ".ogg":
		s, format, err = vorbis.Decode(f)
	default:
		err = fmt.Errorf("unsupported format: %s", filepath.Ext(path))
	}
	if err != nil {
		f.Close()
		return nil, beep.Format{}, err
	}
	return s, format, nil
}

type speakerPort struct {
	engine *SpeakerEngine
	stream *channelStream

	duration time.Duration
	listener Listener
	poll     loop.Timer
	closed   bool
}

func (p *speakerPort) Load(path string) (time.Duration, error) {
	p.Stop()

	src, format, err := decodeFile(path)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", path, err)
	}

	speaker.Lock()
	old := p.stream.src
	p.stream.src = src
	p.stream.format = format
	p.stream.target = p.engine.sampleRate
	p.stream.out = p.stream.wrap()
	p.stream.playing = false
	p.stream.finished = false
	speaker.Unlock()

	if old != nil {
		old.Close()
	}

	p.duration = format.SampleRate.D(src.Len())
	if p.listener != nil {
		p.listener.DurationChanged(p.duration)
	}
	return p.duration, nil
}

func (p *speakerPort) Play() {
	if p.closed {
		return
	}
	speaker.Lock()
	if p.stream.src == nil {
		speaker.Unlock()
		return
	}
	if p.stream.finished {
		p.stream.rewind(0)
		p.stream.finished = false
	}
	p.stream.loopsLeft = p.stream.loopCount
	p.stream.playing = true
	speaker.Unlock()

	p.startPoll()
}

func (p *speakerPort) Pause() {
	speaker.Lock()
	p.stream.playing = false
	speaker.Unlock()
	p.stopPoll()
}

func (p *speakerPort) Stop() {
	speaker.Lock()
	p.stream.playing = false
	p.stream.finished = false
	if p.stream.src != nil {
		p.stream.rewind(0)
	}
	speaker.Unlock()
	p.stopPoll()
}

func (p *speakerPort) Seek(pos time.Duration) {
	speaker.Lock()
	defer speaker.Unlock()

	if p.stream.src == nil {
		return
	}
	n := p.stream.format.SampleRate.N(pos)
	if n < 0 {
		n = 0
	}
	if last := p.stream.src.Len() - 1; n > last {
		n = last
	}
	if n < 0 {
		n = 0
	}
	if err := p.stream.rewind(n); err != nil {
		p.engine.logger.WithError(err).Warn("Seek failed")
		return
	}
	p.stream.finished = false
}

func (p *speakerPort) SetVolume(v float64) {
	speaker.Lock()
	p.stream.volume = clampVolume(v)
	speaker.Unlock()
}

func (p *speakerPort) Volume() float64 {
	speaker.Lock()
	defer speaker.Unlock()
	return p.stream.volume
}

func (p *speakerPort) SetLoopCount(n int) {
	speaker.Lock()
	p.stream.loopCount = normalizeLoopCount(n)
	p.stream.loopsLeft = p.stream.loopCount
	speaker.Unlock()
}

func (p *speakerPort) SetOutputDevice(dev models.Device) error {
	if dev.ID != SystemDevice.ID {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, dev.Description)
	}
	return nil
}

func (p *speakerPort) Position() time.Duration {
	speaker.Lock()
	defer speaker.Unlock()

	if p.stream.src == nil {
		return 0
	}
	return p.stream.format.SampleRate.D(p.stream.src.Position())
}

func (p *speakerPort) Duration() time.Duration {
	return p.duration
}

func (p *speakerPort) Playing() bool {
	speaker.Lock()
	defer speaker.Unlock()
	return p.stream.playing
}

func (p *speakerPort) SetListener(l Listener) {
	p.listener = l
}

func (p *speakerPort) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.stopPoll()
	p.listener = nil

	speaker.Lock()
	src := p.stream.src
	p.stream.src = nil
	p.stream.out = nil
	p.stream.playing = false
	p.stream.closed = true
	speaker.Unlock()

	if src != nil {
		src.Close()
	}
}

func (p *speakerPort) startPoll() {
	if p.poll != nil {
		return
	}
	p.poll = p.engine.sched.Every(PositionPollInterval, func() {
		if p.listener != nil {
			p.listener.PositionChanged(p.Position())
		}
	})
}

func (p *speakerPort) stopPoll() {
	if p.poll != nil {
		p.poll.Stop()
		p.poll = nil
	}
}

// ended runs on the audio thread with the speaker lock held, so it only
// hands the notification to the control loop.
func (p *speakerPort) ended() {
	go p.engine.dispatch.Post(func() {
		if p.closed || p.Playing() {
			return
		}
		p.stopPoll()
		if p.listener != nil {
			p.listener.PositionChanged(p.duration)
			p.listener.EndOfMedia()
		}
	})
}

// channelStream is the streamer a port keeps registered with the speaker. It
// outputs silence while paused and drops out of the mix once closed.
type channelStream struct {
	src    beep.StreamSeekCloser
	out    beep.Streamer
	format beep.Format
	target beep.SampleRate

	playing   bool
	finished  bool
	closed    bool
	volume    float64
	loopCount int
	loopsLeft int

	onEnd func()
}

func (c *channelStream) Stream(samples [][2]float64) (int, bool) {
	if c.closed {
		return 0, false
	}
	if !c.playing || c.out == nil {
		silence(samples)
		return len(samples), true
	}

	n := 0
	restarted := false
	for n < len(samples) {
		m, ok := c.out.Stream(samples[n:])
		n += m
		if ok && m > 0 {
			restarted = false
			continue
		}

		if (c.loopCount == LoopInfinite || c.loopsLeft > 1) && !restarted {
			if c.loopsLeft > 1 {
				c.loopsLeft--
			}
			if err := c.rewind(0); err == nil {
				restarted = true
				continue
			}
		}

		c.playing = false
		c.finished = true
		if c.onEnd != nil {
			c.onEnd()
		}
		break
	}

	for i := range samples[:n] {
		samples[i][0] *= c.volume
		samples[i][1] *= c.volume
	}
	silence(samples[n:])
	return len(samples), true
}

// wrap resamples src to the mixer rate when needed
func (c *channelStream) wrap() beep.Streamer {
	if c.format.SampleRate == c.target {
		return c.src
	}
	return beep.Resample(resampleQuality, c.format.SampleRate, c.target, c.src)
}

// rewind seeks the source and rebuilds the resampler so no stale buffered
// samples from the old position are played.
func (c *channelStream) rewind(pos int) error {
	if err := c.src.Seek(pos); err != nil {
		return err
	}
	c.out = c.wrap()
	return nil
}

func (c *channelStream) Err() error {
	if c.out == nil {
		return nil
	}
	return c.out.Err()
}

func silence(samples [][2]float64) {
	for i := range samples {
		samples[i] = [2]float64{}
	}
}
