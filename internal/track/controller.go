package track

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"cuedeck/internal/boost"
	"cuedeck/internal/fade"
	"cuedeck/internal/loop"
	"cuedeck/internal/playback"
	"cuedeck/pkg/models"
)

// DefaultResyncOffset is how far playback jumps back after a source switch
const DefaultResyncOffset = 500 * time.Millisecond

// As-run event names reported through Hooks.Event
const (
	EventPlay          = "play"
	EventPause         = "pause"
	EventStop          = "stop"
	EventEnded         = "ended"
	EventFadeStarted   = "fade_started"
	EventFadeCompleted = "fade_completed"
	EventFadeCancelled = "fade_cancelled"
	EventBoostStarted  = "boost_started"
	EventBoostDone     = "boost_succeeded"
	EventBoostFailed   = "boost_failed"
	EventBoostReverted = "boost_reverted"
	EventDevice        = "device_changed"
	EventSourceMissing = "source_missing"
)

// Booster renders boosted copies in the background
type Booster interface {
	Supports(path string) bool
	Submit(trackID int, sourcePath string, done func(boost.Result)) (*boost.Job, error)
}

// Hooks are optional callbacks. They run on the control loop and must not block.
type Hooks struct {
	Changed func(models.TrackState)
	Error   func(trackID int, err error)
	Event   func(trackID int, event, detail string)
}

// Options configures a Controller
type Options struct {
	ID           int
	Path         string
	Title        string
	Device       models.Device
	ResyncOffset time.Duration
	Scheduler    loop.Scheduler
	Booster      Booster
	Hooks        Hooks
	Logger       *logrus.Entry
}

// Controller owns one track: its playback port, fade engine and boost
// lifecycle. Every method must be called on the control loop.
type Controller struct {
	id           int
	title        string
	originalPath string
	device       models.Device

	port    playback.Port
	fader   *fade.Engine
	booster Booster
	hooks   Hooks
	logger  *logrus.Entry

	resyncOffset time.Duration
	canBoost     bool

	currentSource string
	boosted       bool
	volume        int
	live          float64
	loop          bool
	playback      models.PlaybackState
	fadeState     models.FadeState
	boostState    models.BoostState
	inflightJob   string
	duration      time.Duration
	sourceMissing bool
	lastError     string
	closed        bool
}

// New loads opts.Path into port and returns a stopped controller with volume
// 100 and looping on.
func New(port playback.Port, opts Options) (*Controller, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.ResyncOffset < 0 {
		opts.ResyncOffset = 0
	}

	c := &Controller{
		id:            opts.ID,
		title:         opts.Title,
		originalPath:  opts.Path,
		device:        opts.Device,
		port:          port,
		fader:         fade.NewEngine(opts.Scheduler),
		booster:       opts.Booster,
		hooks:         opts.Hooks,
		resyncOffset:  opts.ResyncOffset,
		currentSource: opts.Path,
		volume:        100,
		live:          1,
		loop:          true,
		playback:      models.PlaybackStopped,
		fadeState:     models.FadeIdle,
		boostState:    models.BoostNone,
		logger: opts.Logger.WithFields(logrus.Fields{
			"track_id": opts.ID,
			"path":     opts.Path,
		}),
	}
	if c.title == "" {
		c.title = opts.Path
	}
	c.canBoost = c.booster != nil && c.booster.Supports(c.originalPath)

	d, err := port.Load(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load track: %w", err)
	}
	c.duration = d
	port.SetVolume(c.live)
	port.SetLoopCount(playback.LoopInfinite)
	port.SetListener(portListener{c})

	return c, nil
}

// ID returns the session-unique track handle
func (c *Controller) ID() int {
	return c.id
}

// OriginalPath returns the immutable source path
func (c *Controller) OriginalPath() string {
	return c.originalPath
}

// Volume returns the target volume (0-100)
func (c *Controller) Volume() int {
	return c.volume
}

// Loop reports whether the track repeats
func (c *Controller) Loop() bool {
	return c.loop
}

// BoostRequested reports whether the boost toggle is on
func (c *Controller) BoostRequested() bool {
	return c.boostState == models.BoostRunning || c.boostState == models.BoostActive
}

// IsPlaying reports whether the track is playing
func (c *Controller) IsPlaying() bool {
	return c.playback == models.PlaybackPlaying
}

// IsFading reports whether a fade-out is running
func (c *Controller) IsFading() bool {
	return c.fadeState == models.FadeFadingOut
}

// Closed reports whether Cleanup has run
func (c *Controller) Closed() bool {
	return c.closed
}

// TogglePlay pauses a playing track and plays otherwise. A running fade is
// cancelled first.
func (c *Controller) TogglePlay() {
	if c.closed {
		return
	}
	if c.IsFading() {
		c.cancelFade()
	}

	if c.playback == models.PlaybackPlaying {
		c.port.Pause()
		c.playback = models.PlaybackPaused
		c.event(EventPause, "")
	} else {
		c.port.Play()
		c.playback = models.PlaybackPlaying
		c.event(EventPlay, "")
	}
	c.publish()
}

// FadeOutAndStop ramps a playing track to silence over seconds, then stops
// it. Tracks that are not playing, or already fading, are left alone.
func (c *Controller) FadeOutAndStop(seconds float64) {
	if c.closed || c.playback != models.PlaybackPlaying || c.IsFading() {
		return
	}

	d := time.Duration(seconds * float64(time.Second))
	c.fadeState = models.FadeFadingOut
	c.fader.Start(c.live, d, c.applyLive, c.fadeCompleted)

	c.logger.WithFields(logrus.Fields{
		"seconds": seconds,
		"steps":   fade.Steps(d),
	}).Debug("Fade out started")
	c.event(EventFadeStarted, fmt.Sprintf("%.1fs", seconds))
	c.publish()
}

func (c *Controller) applyLive(v float64) {
	c.live = v
	c.port.SetVolume(v)
}

func (c *Controller) fadeCompleted() {
	c.port.Stop()
	c.playback = models.PlaybackStopped
	c.fadeState = models.FadeIdle
	c.restoreLive()
	c.event(EventFadeCompleted, "")
	c.publish()
}

// cancelFade stops the ramp and puts the target volume back on the output
func (c *Controller) cancelFade() {
	if c.fader.Cancel() {
		c.event(EventFadeCancelled, "")
	}
	c.fadeState = models.FadeIdle
	c.restoreLive()
}

func (c *Controller) restoreLive() {
	c.live = float64(c.volume) / 100
	c.port.SetVolume(c.live)
}

// StopInstant cancels any fade and stops immediately. Safe to call in any
// state.
func (c *Controller) StopInstant() {
	if c.closed {
		return
	}
	wasActive := c.playback != models.PlaybackStopped || c.IsFading()

	c.cancelFade()
	c.port.Stop()
	c.playback = models.PlaybackStopped

	if wasActive {
		c.event(EventStop, "")
	}
	c.publish()
}

// SetVolume sets the target volume, clamped to 0-100. While fading it only
// takes effect once the fade has finished.
func (c *Controller) SetVolume(v int) {
	if c.closed {
		return
	}
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	c.volume = v
	if !c.IsFading() {
		c.restoreLive()
	}
	c.publish()
}

// SetLoop switches between infinite looping and playing once
func (c *Controller) SetLoop(enabled bool) {
	if c.closed {
		return
	}
	c.loop = enabled
	c.port.SetLoopCount(c.loopCount())
	c.publish()
}

func (c *Controller) loopCount() int {
	if c.loop {
		return playback.LoopInfinite
	}
	return 1
}

// SetOutputDevice re-routes the track. A playing track keeps playing, any
// other track keeps its position.
func (c *Controller) SetOutputDevice(dev models.Device) error {
	if c.closed {
		return nil
	}
	pos := c.port.Position()

	if err := c.port.SetOutputDevice(dev); err != nil {
		c.reportError(fmt.Errorf("switch output to %s: %w", dev.Description, err))
		return err
	}
	c.device = dev

	switch c.playback {
	case models.PlaybackPlaying:
		if !c.port.Playing() {
			c.port.Seek(pos)
			c.port.Play()
		}
	default:
		if c.port.Position() != pos {
			c.port.Seek(pos)
		}
	}

	c.event(EventDevice, dev.Description)
	c.publish()
	return nil
}

// Seek jumps to pos and starts playback unless already playing or fading
func (c *Controller) Seek(pos time.Duration) {
	if c.closed {
		return
	}
	if pos < 0 {
		pos = 0
	}
	c.port.Seek(pos)
	if c.playback != models.PlaybackPlaying && !c.IsFading() {
		c.port.Play()
		c.playback = models.PlaybackPlaying
		c.event(EventPlay, "seek")
	}
	c.publish()
}

// ToggleBoost turns the gain boost on when it is off (or failed) and off
// otherwise.
func (c *Controller) ToggleBoost() {
	c.SetBoost(!c.BoostRequested())
}

// SetBoost turns the boost on or off. Requests matching the current toggle
// are ignored.
func (c *Controller) SetBoost(enabled bool) {
	if c.closed || enabled == c.BoostRequested() {
		return
	}
	if enabled {
		c.startBoost()
	} else {
		c.revertBoost()
	}
	c.publish()
}

func (c *Controller) startBoost() {
	// A job from an earlier toggle is still rendering; wait for it.
	if c.inflightJob != "" {
		c.boostState = models.BoostRunning
		c.logger.WithField("job_id", c.inflightJob).Debug("Re-attached to running boost job")
		return
	}

	if !c.canBoost {
		c.failBoost(boost.ErrToolUnavailable)
		return
	}

	job, err := c.booster.Submit(c.id, c.originalPath, c.boostFinished)
	if err != nil {
		c.failBoost(err)
		return
	}
	c.inflightJob = job.ID
	c.boostState = models.BoostRunning
	c.lastError = ""
	c.event(EventBoostStarted, job.ID)
}

func (c *Controller) boostFinished(res boost.Result) {
	if res.JobID == c.inflightJob {
		c.inflightJob = ""
	}

	if c.closed || c.boostState != models.BoostRunning || res.JobID == "" {
		c.discardResult(res)
		return
	}

	if res.Err != nil {
		c.failBoost(res.Err)
		c.publish()
		return
	}

	if err := c.switchSource(res.ResultPath, true); err != nil {
		c.publish()
		return
	}
	c.boostState = models.BoostActive
	c.event(EventBoostDone, res.ResultPath)
	c.logger.WithField("output", res.ResultPath).Info("Boost applied")
	c.publish()
}

// discardResult deletes a rendering nobody wants anymore
func (c *Controller) discardResult(res boost.Result) {
	if !res.OK() || res.ResultPath == c.currentSource {
		return
	}
	if err := os.Remove(res.ResultPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.WithError(err).Warn("Failed to delete discarded boost result")
		return
	}
	c.logger.WithField("job_id", res.JobID).Debug("Discarded late boost result")
}

func (c *Controller) failBoost(err error) {
	c.boostState = models.BoostFailed
	c.reportError(fmt.Errorf("boost failed: %w", err))
	c.event(EventBoostFailed, err.Error())
}

func (c *Controller) revertBoost() {
	c.boostState = models.BoostNone
	if !c.boosted {
		return
	}

	tmp := c.currentSource
	if err := c.switchSource(c.originalPath, false); err != nil {
		// Still on the boosted file, so the toggle stays on.
		c.boostState = models.BoostActive
		return
	}
	c.removeTempPath(tmp)
	c.event(EventBoostReverted, "")
}

// switchSource swaps the media under the port and carries the transport
// state across. A playing track resumes slightly before where it was.
func (c *Controller) switchSource(newPath string, isBoosted bool) error {
	wasPlaying := c.playback == models.PlaybackPlaying
	pos := c.port.Position()

	c.port.Stop()
	d, err := c.port.Load(newPath)
	if err != nil {
		c.reportError(fmt.Errorf("switch source: %w", err))
		if isBoosted {
			// Keep the original running; the rendering is useless.
			c.boostState = models.BoostFailed
			c.removeTempPath(newPath)
			c.reloadCurrent(wasPlaying, pos)
		} else {
			c.playback = models.PlaybackStopped
		}
		return err
	}

	c.currentSource = newPath
	c.boosted = isBoosted
	c.duration = d
	c.port.SetVolume(c.live)
	c.port.SetLoopCount(c.loopCount())

	if wasPlaying {
		resume := pos - c.resyncOffset
		if resume < 0 {
			resume = 0
		}
		c.port.Seek(resume)
		c.port.Play()
	}
	return nil
}

// reloadCurrent puts currentSource back into the port after a failed switch
func (c *Controller) reloadCurrent(wasPlaying bool, pos time.Duration) {
	if _, err := c.port.Load(c.currentSource); err != nil {
		c.playback = models.PlaybackStopped
		c.reportError(fmt.Errorf("reload %s: %w", c.currentSource, err))
		return
	}
	c.port.SetVolume(c.live)
	c.port.SetLoopCount(c.loopCount())
	if wasPlaying {
		c.port.Seek(pos)
		c.port.Play()
	}
}

func (c *Controller) removeTempPath(path string) {
	if path == "" || path == c.originalPath {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.WithError(err).WithField("temp", path).Warn("Failed to delete boosted file")
	}
}

// MarkSourceMissing flags that the original file vanished from disk or came
// back.
func (c *Controller) MarkSourceMissing(missing bool) {
	if c.closed || c.sourceMissing == missing {
		return
	}
	c.sourceMissing = missing
	if missing {
		c.event(EventSourceMissing, "")
		c.logger.Warn("Source file missing on disk")
	}
	c.publish()
}

// Cleanup stops everything, deletes a boosted temp file and releases the
// port. Calling it again does nothing.
func (c *Controller) Cleanup() {
	if c.closed {
		return
	}
	c.closed = true

	c.fader.Cancel()
	c.fadeState = models.FadeIdle
	c.port.Stop()
	c.playback = models.PlaybackStopped

	if c.boosted {
		c.removeTempPath(c.currentSource)
		c.boosted = false
		c.currentSource = c.originalPath
	}
	c.boostState = models.BoostNone
	c.port.Close()
	c.logger.Debug("Track cleaned up")
}

// Snapshot returns the observable state of the track
func (c *Controller) Snapshot() models.TrackState {
	var pos time.Duration
	if !c.closed {
		pos = c.port.Position()
	}

	fading := c.IsFading()
	return models.TrackState{
		ID:            c.id,
		Title:         c.title,
		OriginalPath:  c.originalPath,
		CurrentSource: c.currentSource,
		Boosted:       c.boosted,
		Volume:        c.volume,
		LiveVolume:    c.live,
		Loop:          c.loop,
		Playback:      c.playback,
		Fade:          c.fadeState,
		Boost:         c.boostState,
		PositionMs:    pos.Milliseconds(),
		DurationMs:    c.duration.Milliseconds(),
		SourceMissing: c.sourceMissing,
		Controls: models.Controls{
			PlayEnabled:  !fading && !c.closed,
			FadeEnabled:  !fading && !c.closed,
			BoostEnabled: c.canBoost && c.boostState != models.BoostRunning && !c.closed,
		},
		LastError: c.lastError,
		UpdatedAt: time.Now(),
	}
}

func (c *Controller) publish() {
	if c.hooks.Changed != nil {
		c.hooks.Changed(c.Snapshot())
	}
}

func (c *Controller) event(name, detail string) {
	if c.hooks.Event != nil {
		c.hooks.Event(c.id, name, detail)
	}
}

func (c *Controller) reportError(err error) {
	c.lastError = err.Error()
	c.logger.WithError(err).Error("Track error")
	if c.hooks.Error != nil {
		c.hooks.Error(c.id, err)
	}
}

func (c *Controller) endOfMedia() {
	if c.closed || c.playback != models.PlaybackPlaying {
		return
	}
	if c.IsFading() {
		c.cancelFade()
	}
	c.playback = models.PlaybackStopped
	c.event(EventEnded, "")
	c.publish()
}

// portListener keeps the Listener methods off the Controller's API
type portListener struct {
	c *Controller
}

func (l portListener) PositionChanged(time.Duration) {
	if !l.c.closed {
		l.c.publish()
	}
}

func (l portListener) DurationChanged(d time.Duration) {
	l.c.duration = d
}

func (l portListener) EndOfMedia() {
	l.c.endOfMedia()
}
