package track

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sirupsen/logrus"

	"cuedeck/internal/boost"
	"cuedeck/internal/fade"
	"cuedeck/internal/loop"
	"cuedeck/internal/playback"
	"cuedeck/pkg/models"
)

const testDuration = 10 * time.Second

type recordingPort struct {
	playback.Port
	volumes []float64
	closes  int
}

func (p *recordingPort) SetVolume(v float64) {
	p.volumes = append(p.volumes, v)
	p.Port.SetVolume(v)
}

func (p *recordingPort) Close() {
	p.closes++
	p.Port.Close()
}

type submission struct {
	job  boost.Job
	done func(boost.Result)
}

type fakeBooster struct {
	supports bool
	err      error
	subs     []submission
}

func (b *fakeBooster) Supports(string) bool { return b.supports }

func (b *fakeBooster) Submit(trackID int, path string, done func(boost.Result)) (*boost.Job, error) {
	if b.err != nil {
		return nil, b.err
	}
	job := boost.Job{
		ID:         fmt.Sprintf("job-%d", len(b.subs)+1),
		TrackID:    trackID,
		SourcePath: path,
		Status:     boost.StatusRunning,
	}
	b.subs = append(b.subs, submission{job: job, done: done})
	return &job, nil
}

// heldDispatcher keeps posted boost results until the test runs them, so
// results from different jobs can be delivered in a chosen order.
type heldDispatcher struct {
	mu     sync.Mutex
	held   []func()
	posted chan struct{}
}

func newHeldDispatcher() *heldDispatcher {
	return &heldDispatcher{posted: make(chan struct{}, 8)}
}

func (d *heldDispatcher) Post(fn func()) bool {
	d.mu.Lock()
	d.held = append(d.held, fn)
	d.mu.Unlock()
	d.posted <- struct{}{}
	return true
}

// next waits for the next posted result and returns it unrun
func (d *heldDispatcher) next(t *testing.T) func() {
	t.Helper()
	select {
	case <-d.posted:
	case <-time.After(5 * time.Second):
		t.Fatal("boost result never arrived")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	fn := d.held[0]
	d.held = d.held[1:]
	return fn
}

type harness struct {
	m      *loop.Manual
	engine *playback.VirtualEngine
	port   *recordingPort
	c      *Controller
	dir    string
	src    string
	errs   []error
	events []string
	states int
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger.WithField("component", "track")
}

func writeFixture(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	samples := make([]int, 800)
	for i := range samples {
		samples[i] = (i % 100) * 100
	}
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           samples,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func newHarness(t *testing.T, booster Booster) *harness {
	t.Helper()

	h := &harness{m: loop.NewManual(), dir: t.TempDir()}
	h.src = filepath.Join(h.dir, "bed.wav")
	writeFixture(t, h.src)

	duration := func(path string) (time.Duration, error) {
		if _, err := os.Stat(path); err != nil {
			return 0, err
		}
		return testDuration, nil
	}
	h.engine = playback.NewVirtualEngine([]string{"Main PA", "Foyer"}, duration, h.m, h.m.Now, testLogger())

	port, err := h.engine.NewPort(h.engine.DefaultDevice())
	if err != nil {
		t.Fatal(err)
	}
	h.port = &recordingPort{Port: port}

	opts := Options{
		ID:           1,
		Path:         h.src,
		Title:        "Bed",
		Device:       h.engine.DefaultDevice(),
		ResyncOffset: DefaultResyncOffset,
		Scheduler:    h.m,
		Hooks: Hooks{
			Changed: func(models.TrackState) { h.states++ },
			Error:   func(_ int, err error) { h.errs = append(h.errs, err) },
			Event:   func(_ int, event, _ string) { h.events = append(h.events, event) },
		},
		Logger: testLogger(),
	}
	if booster != nil {
		opts.Booster = booster
	}

	h.c, err = New(h.port, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func (h *harness) snapshot() models.TrackState {
	return h.c.Snapshot()
}

func TestNewDefaults(t *testing.T) {
	h := newHarness(t, nil)
	s := h.snapshot()

	if s.Volume != 100 || !s.Loop || s.Playback != models.PlaybackStopped {
		t.Errorf("defaults = %+v", s)
	}
	if s.CurrentSource != h.src || s.Boosted {
		t.Errorf("source = %s boosted=%v", s.CurrentSource, s.Boosted)
	}
	if s.DurationMs != testDuration.Milliseconds() {
		t.Errorf("DurationMs = %d", s.DurationMs)
	}
	if s.Controls.BoostEnabled {
		t.Error("boost control enabled without a booster")
	}

	port, _ := h.engine.NewPort(h.engine.DefaultDevice())
	if _, err := New(port, Options{Path: filepath.Join(h.dir, "missing.wav"), Scheduler: h.m}); err == nil {
		t.Error("New() with a missing file succeeded")
	}
}

func TestFadeOutAndStopRampsForty(t *testing.T) {
	h := newHarness(t, nil)

	h.c.SetVolume(80)
	h.c.TogglePlay()
	h.m.Advance(time.Second)

	before := len(h.port.volumes)
	h.c.FadeOutAndStop(2.0)

	s := h.snapshot()
	if s.Fade != models.FadeFadingOut || s.Controls.PlayEnabled || s.Controls.FadeEnabled {
		t.Fatalf("fade start state = %+v", s)
	}

	h.m.Advance(39 * fade.TickInterval)
	if !h.c.IsFading() || !h.c.IsPlaying() {
		t.Fatal("fade finished early")
	}

	h.m.Advance(fade.TickInterval)
	s = h.snapshot()
	if s.Playback != models.PlaybackStopped || s.Fade != models.FadeIdle {
		t.Fatalf("after fade = %+v", s)
	}
	if !s.Controls.PlayEnabled || !s.Controls.FadeEnabled {
		t.Error("controls not re-enabled")
	}
	if s.LiveVolume != 0.8 || h.port.Volume() != 0.8 {
		t.Errorf("live volume = %v port = %v, want 0.8", s.LiveVolume, h.port.Volume())
	}

	ramp := h.port.volumes[before:]
	// 40 ramp ticks plus the restore of the target volume
	if len(ramp) != 41 {
		t.Fatalf("volume writes during fade = %d, want 41", len(ramp))
	}
	if ramp[39] != 0 {
		t.Errorf("last tick volume = %v, want 0", ramp[39])
	}
	if math.Abs(ramp[0]-0.78) > 1e-9 {
		t.Errorf("first tick volume = %v, want 0.78", ramp[0])
	}
	for i := 1; i < 40; i++ {
		if ramp[i] > ramp[i-1] {
			t.Fatalf("ramp rose at tick %d", i)
		}
	}
}

func TestFadeOnlyWhenPlaying(t *testing.T) {
	h := newHarness(t, nil)

	h.c.FadeOutAndStop(1)
	if h.c.IsFading() {
		t.Error("stopped track started fading")
	}

	h.c.TogglePlay()
	h.c.TogglePlay()
	h.c.FadeOutAndStop(1)
	if h.c.IsFading() {
		t.Error("paused track started fading")
	}
	if h.m.ActiveTimers() != 0 {
		t.Errorf("%d timers running", h.m.ActiveTimers())
	}
}

func TestTogglePlayCancelsFade(t *testing.T) {
	h := newHarness(t, nil)

	h.c.SetVolume(60)
	h.c.TogglePlay()
	h.c.FadeOutAndStop(2)
	h.m.Advance(10 * fade.TickInterval)

	h.c.TogglePlay()
	s := h.snapshot()
	if s.Fade != models.FadeIdle || s.Playback != models.PlaybackPaused {
		t.Fatalf("state after toggle = %+v", s)
	}
	if s.LiveVolume != 0.6 || h.port.Volume() != 0.6 {
		t.Errorf("live volume = %v, want 0.6", s.LiveVolume)
	}

	writes := len(h.port.volumes)
	h.m.Advance(5 * time.Second)
	if len(h.port.volumes) != writes {
		t.Error("fade kept ticking after cancel")
	}
	if h.m.ActiveTimers() != 0 {
		t.Errorf("%d timers left", h.m.ActiveTimers())
	}
}

func TestStopInstant(t *testing.T) {
	h := newHarness(t, nil)

	h.c.SetVolume(40)
	h.c.TogglePlay()
	h.m.Advance(2 * time.Second)
	h.c.FadeOutAndStop(3)
	h.m.Advance(time.Second)

	h.c.StopInstant()
	s := h.snapshot()
	if s.Playback != models.PlaybackStopped || s.Fade != models.FadeIdle {
		t.Fatalf("after stop = %+v", s)
	}
	if s.LiveVolume != 0.4 || s.PositionMs != 0 {
		t.Errorf("live=%v position=%d", s.LiveVolume, s.PositionMs)
	}

	h.c.StopInstant()
	if h.snapshot().Playback != models.PlaybackStopped {
		t.Error("second StopInstant changed state")
	}
}

func TestSetVolumeDuringFadeAppliesAfter(t *testing.T) {
	h := newHarness(t, nil)

	h.c.TogglePlay()
	h.c.FadeOutAndStop(1)
	h.m.Advance(5 * fade.TickInterval)

	h.c.SetVolume(150)
	if h.c.Volume() != 100 {
		t.Errorf("Volume() = %d, want clamp to 100", h.c.Volume())
	}
	h.c.SetVolume(50)
	if h.snapshot().LiveVolume == 0.5 {
		t.Error("volume change reached the output during the fade")
	}

	h.m.Advance(time.Second)
	if got := h.snapshot().LiveVolume; got != 0.5 {
		t.Errorf("live after fade = %v, want 0.5", got)
	}

	h.c.SetVolume(-5)
	if h.c.Volume() != 0 || h.port.Volume() != 0 {
		t.Error("negative volume not clamped to 0")
	}
}

func TestSetVolumeFullRange(t *testing.T) {
	h := newHarness(t, nil)

	for v := 0; v <= 100; v++ {
		h.c.SetVolume(v)
		want := float64(v) / 100
		if got := h.snapshot().LiveVolume; math.Abs(got-want) > 1e-9 {
			t.Errorf("SetVolume(%d): live = %v, want %v", v, got, want)
		}
		if got := h.port.Volume(); math.Abs(got-want) > 1e-9 {
			t.Errorf("SetVolume(%d): port volume = %v, want %v", v, got, want)
		}
		if h.c.Volume() != v {
			t.Errorf("SetVolume(%d): Volume() = %d", v, h.c.Volume())
		}
	}
}

func TestLoopOffEndsPlayback(t *testing.T) {
	h := newHarness(t, nil)

	h.c.SetLoop(false)
	h.c.TogglePlay()
	h.m.Advance(testDuration + time.Second)

	if h.c.IsPlaying() {
		t.Error("play-once track still playing past its end")
	}
	if h.events[len(h.events)-1] != EventEnded {
		t.Errorf("last event = %s, want %s", h.events[len(h.events)-1], EventEnded)
	}

	h.c.SetLoop(true)
	h.c.TogglePlay()
	h.m.Advance(3 * testDuration)
	if !h.c.IsPlaying() {
		t.Error("looping track stopped")
	}
}

func TestSetOutputDevicePreservesState(t *testing.T) {
	h := newHarness(t, nil)
	foyer := h.engine.Devices()[1]

	h.c.TogglePlay()
	h.m.Advance(3 * time.Second)
	if err := h.c.SetOutputDevice(foyer); err != nil {
		t.Fatalf("SetOutputDevice() error = %v", err)
	}
	s := h.snapshot()
	if s.Playback != models.PlaybackPlaying || s.PositionMs != 3000 {
		t.Errorf("playing track after switch = %+v", s)
	}

	h.c.TogglePlay()
	h.m.Advance(time.Second)
	if err := h.c.SetOutputDevice(h.engine.DefaultDevice()); err != nil {
		t.Fatal(err)
	}
	s = h.snapshot()
	if s.Playback != models.PlaybackPaused || s.PositionMs != 3000 {
		t.Errorf("paused track after switch = %+v", s)
	}

	if err := h.c.SetOutputDevice(models.Device{ID: "nope"}); !errors.Is(err, playback.ErrUnknownDevice) {
		t.Errorf("unknown device error = %v", err)
	}
	if len(h.errs) != 1 {
		t.Errorf("error hook called %d times, want 1", len(h.errs))
	}
}

func TestSeekStartsPlayback(t *testing.T) {
	h := newHarness(t, nil)

	h.c.Seek(4 * time.Second)
	s := h.snapshot()
	if s.Playback != models.PlaybackPlaying || s.PositionMs != 4000 {
		t.Errorf("after seek = %+v", s)
	}
}

func TestBoostRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	tmp := filepath.Join(h.dir, "tmp")

	c := boost.Capability{Enabled: true, Native: true}
	pipeline := boost.NewPipeline(boost.NewRouter(c, tmp, testLogger()), c, h.m, 6, testLogger())
	t.Cleanup(func() { pipeline.Close(context.Background()) })
	h.c.booster = pipeline
	h.c.canBoost = pipeline.Supports(h.src)

	h.c.TogglePlay()
	h.m.Advance(3 * time.Second)

	h.c.ToggleBoost()
	s := h.snapshot()
	if s.Boost != models.BoostRunning || s.Controls.BoostEnabled {
		t.Fatalf("after toggle on = %+v", s)
	}

	if !h.m.WaitForTask(5 * time.Second) {
		t.Fatal("boost result never arrived")
	}
	h.m.Drain()

	s = h.snapshot()
	if s.Boost != models.BoostActive || !s.Boosted {
		t.Fatalf("after boost = %+v (errors %v)", s, h.errs)
	}
	boosted := s.CurrentSource
	jobs := pipeline.GetAllJobs()
	if len(jobs) != 1 || boosted != boost.OutputPath(tmp, h.src, jobs[0].ID) {
		t.Errorf("current source = %s", boosted)
	}
	if _, err := os.Stat(boosted); err != nil {
		t.Fatalf("boosted file missing: %v", err)
	}
	if s.Playback != models.PlaybackPlaying || s.PositionMs != 2500 {
		t.Errorf("resync: playback=%s position=%d, want playing at 2500", s.Playback, s.PositionMs)
	}

	h.c.ToggleBoost()
	s = h.snapshot()
	if s.Boost != models.BoostNone || s.Boosted || s.CurrentSource != h.src {
		t.Fatalf("after revert = %+v", s)
	}
	if _, err := os.Stat(boosted); !errors.Is(err, os.ErrNotExist) {
		t.Error("temp file survived the revert")
	}
	if !h.c.IsPlaying() {
		t.Error("revert stopped playback")
	}
}

func TestLateBoostOfRemovedTrackSparesReaddedTrack(t *testing.T) {
	h := newHarness(t, nil)
	tmp := filepath.Join(h.dir, "tmp")

	held := newHeldDispatcher()
	c := boost.Capability{Enabled: true, Native: true}
	pipeline := boost.NewPipeline(boost.NewRouter(c, tmp, testLogger()), c, held, 6, testLogger())
	t.Cleanup(func() { pipeline.Close(context.Background()) })
	h.c.booster = pipeline
	h.c.canBoost = pipeline.Supports(h.src)

	h.c.TogglePlay()
	h.c.SetBoost(true)
	removedResult := held.next(t)
	h.c.Cleanup()

	port, err := h.engine.NewPort(h.engine.DefaultDevice())
	if err != nil {
		t.Fatal(err)
	}
	readded, err := New(port, Options{
		ID:        2,
		Path:      h.src,
		Device:    h.engine.DefaultDevice(),
		Scheduler: h.m,
		Booster:   pipeline,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	readded.TogglePlay()
	readded.SetBoost(true)
	held.next(t)()

	s := readded.Snapshot()
	if s.Boost != models.BoostActive || !s.Boosted {
		t.Fatalf("re-added track boost = %+v", s)
	}
	live := s.CurrentSource

	removedResult()

	if got := readded.Snapshot().CurrentSource; got != live {
		t.Errorf("current source changed to %s", got)
	}
	if _, err := os.Stat(live); err != nil {
		t.Errorf("re-added track lost its boosted file: %v", err)
	}
	left, _ := filepath.Glob(filepath.Join(tmp, "boosted_*"))
	if len(left) != 1 || left[0] != live {
		t.Errorf("temp files = %v, want only %s", left, live)
	}
}

func TestBoostWhilePausedStaysPaused(t *testing.T) {
	b := &fakeBooster{supports: true}
	h := newHarness(t, b)

	h.c.TogglePlay()
	h.m.Advance(2 * time.Second)
	h.c.TogglePlay()

	h.c.ToggleBoost()
	out := filepath.Join(h.dir, "boosted.wav")
	writeFixture(t, out)
	b.subs[0].done(boost.Result{JobID: b.subs[0].job.ID, TrackID: 1, ResultPath: out})

	s := h.snapshot()
	if s.Playback != models.PlaybackPaused || s.PositionMs != 0 || !s.Boosted {
		t.Errorf("paused boost = %+v", s)
	}
}

func TestBoostFailureKeepsOriginal(t *testing.T) {
	b := &fakeBooster{supports: true}
	h := newHarness(t, b)

	h.c.TogglePlay()
	h.c.ToggleBoost()
	b.subs[0].done(boost.Result{
		JobID: b.subs[0].job.ID,
		Err:   &boost.ProcessingError{Path: h.src, Detail: "decoder exploded"},
	})

	s := h.snapshot()
	if s.Boost != models.BoostFailed || s.Boosted || s.CurrentSource != h.src {
		t.Fatalf("after failure = %+v", s)
	}
	if s.Playback != models.PlaybackPlaying {
		t.Error("failure changed playback state")
	}
	if len(h.errs) != 1 || s.LastError == "" {
		t.Errorf("errors = %v lastError=%q", h.errs, s.LastError)
	}
	var perr *boost.ProcessingError
	if !errors.As(h.errs[0], &perr) {
		t.Errorf("reported error %v does not wrap ProcessingError", h.errs[0])
	}

	// A failed boost can be retried.
	h.c.ToggleBoost()
	if len(b.subs) != 2 || h.snapshot().Boost != models.BoostRunning {
		t.Error("retry after failure did not submit a new job")
	}
}

func TestBoostUnavailable(t *testing.T) {
	h := newHarness(t, &fakeBooster{supports: false})

	h.c.ToggleBoost()
	if h.snapshot().Boost != models.BoostFailed {
		t.Errorf("boost state = %s, want failed", h.snapshot().Boost)
	}
	if len(h.errs) != 1 || !errors.Is(h.errs[0], boost.ErrToolUnavailable) {
		t.Errorf("errors = %v", h.errs)
	}

	b := &fakeBooster{supports: true, err: boost.ErrToolUnavailable}
	h2 := newHarness(t, b)
	h2.c.SetBoost(true)
	if h2.snapshot().Boost != models.BoostFailed {
		t.Error("submit error did not fail the boost")
	}
}

func TestLateBoostResultDiscarded(t *testing.T) {
	b := &fakeBooster{supports: true}
	h := newHarness(t, b)

	h.c.ToggleBoost()
	h.c.ToggleBoost()
	if h.snapshot().Boost != models.BoostNone {
		t.Fatal("revert while boosting did not reset the toggle")
	}

	out := filepath.Join(h.dir, "late.wav")
	writeFixture(t, out)
	b.subs[0].done(boost.Result{JobID: b.subs[0].job.ID, ResultPath: out})

	s := h.snapshot()
	if s.Boosted || s.CurrentSource != h.src {
		t.Errorf("late result adopted: %+v", s)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Error("late result file was not deleted")
	}
}

func TestBoostReattachesToRunningJob(t *testing.T) {
	b := &fakeBooster{supports: true}
	h := newHarness(t, b)

	h.c.SetBoost(true)
	h.c.SetBoost(false)
	h.c.SetBoost(true)
	if len(b.subs) != 1 {
		t.Fatalf("submitted %d jobs, want 1", len(b.subs))
	}

	out := filepath.Join(h.dir, "boosted.wav")
	writeFixture(t, out)
	b.subs[0].done(boost.Result{JobID: b.subs[0].job.ID, ResultPath: out})

	if s := h.snapshot(); s.Boost != models.BoostActive || s.CurrentSource != out {
		t.Errorf("after re-attach = %+v", s)
	}

	h.c.SetBoost(true)
	if len(b.subs) != 1 {
		t.Error("SetBoost(true) while boosted submitted again")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	b := &fakeBooster{supports: true}
	h := newHarness(t, b)

	h.c.TogglePlay()
	h.c.ToggleBoost()
	out := filepath.Join(h.dir, "boosted.wav")
	writeFixture(t, out)
	b.subs[0].done(boost.Result{JobID: b.subs[0].job.ID, ResultPath: out})
	h.c.FadeOutAndStop(2)

	h.c.Cleanup()
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Error("cleanup left the boosted file behind")
	}
	if h.port.closes != 1 {
		t.Errorf("port closed %d times, want 1", h.port.closes)
	}
	if h.m.ActiveTimers() != 0 {
		t.Errorf("%d timers left after cleanup", h.m.ActiveTimers())
	}

	// A second cleanup must not touch a file that now exists at the same path.
	writeFixture(t, out)
	h.c.Cleanup()
	if _, err := os.Stat(out); err != nil {
		t.Error("second cleanup deleted a file again")
	}
	if h.port.closes != 1 {
		t.Errorf("port closed %d times after second cleanup", h.port.closes)
	}

	h.c.TogglePlay()
	if h.c.IsPlaying() {
		t.Error("closed track started playing")
	}
	if _, err := os.Stat(h.src); err != nil {
		t.Error("cleanup deleted the original source")
	}
}

func TestMarkSourceMissing(t *testing.T) {
	h := newHarness(t, nil)

	h.c.MarkSourceMissing(true)
	if !h.snapshot().SourceMissing {
		t.Error("SourceMissing not set")
	}
	published := h.states
	h.c.MarkSourceMissing(true)
	if h.states != published {
		t.Error("unchanged flag published again")
	}
	h.c.MarkSourceMissing(false)
	if h.snapshot().SourceMissing {
		t.Error("SourceMissing not cleared")
	}
}
