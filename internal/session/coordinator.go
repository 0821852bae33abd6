package session

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"cuedeck/internal/boost"
	"cuedeck/internal/loop"
	"cuedeck/internal/metadata"
	"cuedeck/internal/playback"
	"cuedeck/internal/player"
	"cuedeck/internal/settings"
	"cuedeck/internal/track"
	"cuedeck/pkg/models"
)

// Fade duration bounds in seconds
const (
	MinFadeDuration = 0.1
	MaxFadeDuration = 10.0
)

// Session-level as-run event names
const (
	EventTrackAdded      = "track_added"
	EventTrackRemoved    = "track_removed"
	EventTrackLoadFailed = "track_load_failed"
	EventError           = "error"
	EventSessionRestored = "session_restored"
	EventSessionSaved    = "session_saved"
	EventSessionClosed   = "session_closed"
)

// ErrUnknownTrack is returned for an ID that is not loaded
var ErrUnknownTrack = errors.New("unknown track")

// Prober supplies titles and filters out unsupported files
type Prober interface {
	Probe(path string) (models.MediaInfo, error)
	IsAudioFile(path string) bool
}

// EventLog records console events
type EventLog interface {
	RecordEvent(event, trackPath, detail string) (int, error)
}

// Config wires a Coordinator. Engine, Scheduler and Store are required.
type Config struct {
	Engine       playback.Engine
	Scheduler    loop.Scheduler
	Dispatcher   loop.Dispatcher
	Booster      track.Booster
	Capability   boost.Capability
	Store        *settings.Store
	Prober       Prober
	EventLog     EventLog
	State        *player.StateManager
	ResyncOffset time.Duration
	FadeDuration float64
	WatchSources bool
	Logger       *logrus.Entry
}

// Coordinator owns the ordered set of tracks and session-wide settings.
// Every method must be called on the control loop.
type Coordinator struct {
	cfg    Config
	logger *logrus.Entry
	state  *player.StateManager

	tracks       []*track.Controller
	nextID       int
	fadeDuration float64
	device       models.Device
	watcher      *Watcher
	closed       bool
}

// New creates an empty session on the engine's default device
func New(cfg Config) (*Coordinator, error) {
	if cfg.Engine == nil || cfg.Scheduler == nil || cfg.Store == nil {
		return nil, fmt.Errorf("session requires an engine, a scheduler and a settings store")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.State == nil {
		cfg.State = player.NewStateManager()
	}
	if cfg.FadeDuration == 0 {
		cfg.FadeDuration = settings.DefaultFadeDuration
	}

	c := &Coordinator{
		cfg:          cfg,
		logger:       cfg.Logger,
		state:        cfg.State,
		nextID:       1,
		fadeDuration: clampFade(cfg.FadeDuration),
		device:       cfg.Engine.DefaultDevice(),
	}

	if cfg.WatchSources && cfg.Dispatcher != nil {
		w, err := NewWatcher(cfg.Dispatcher, c.sourceChanged, cfg.Logger.WithField("component", "watcher"))
		if err != nil {
			c.logger.WithError(err).Warn("Source watcher unavailable")
		} else {
			c.watcher = w
		}
	}

	c.state.UpdateCapability(cfg.Capability.Available(), cfg.Capability.Backend())
	c.state.UpdateFadeDuration(c.fadeDuration)
	c.state.UpdateDevice(c.device)

	c.logger.WithFields(logrus.Fields{
		"device":        c.device.Description,
		"boost_backend": cfg.Capability.Backend(),
	}).Info("Session ready")
	return c, nil
}

// State returns the hub that receives every snapshot
func (c *Coordinator) State() *player.StateManager {
	return c.state
}

// Tracks returns the loaded tracks in display order
func (c *Coordinator) Tracks() []*track.Controller {
	out := make([]*track.Controller, len(c.tracks))
	copy(out, c.tracks)
	return out
}

// Track looks up a loaded track by ID
func (c *Coordinator) Track(id int) (*track.Controller, error) {
	for _, t := range c.tracks {
		if t.ID() == id {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownTrack, id)
}

// Devices lists the outputs the engine offers
func (c *Coordinator) Devices() []models.Device {
	return c.cfg.Engine.Devices()
}

// SelectedDevice returns the output new tracks are bound to
func (c *Coordinator) SelectedDevice() models.Device {
	return c.device
}

// FadeDuration returns the session fade-out length in seconds
func (c *Coordinator) FadeDuration() float64 {
	return c.fadeDuration
}

// AddTracks loads every path that is not loaded yet, exists on disk and has
// a supported extension. It returns the tracks it created.
func (c *Coordinator) AddTracks(paths []string) []*track.Controller {
	var created []*track.Controller
	if c.closed {
		return created
	}

	for _, p := range paths {
		path := normalizePath(p)
		log := c.logger.WithField("path", path)

		if c.hasPath(path) {
			log.Debug("Track already loaded, skipping")
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			log.Warn("Source file not found, skipping")
			continue
		}
		if c.cfg.Prober != nil && !c.cfg.Prober.IsAudioFile(path) {
			log.Warn("Unsupported file type, skipping")
			continue
		}
		if !playback.CanLoad(c.cfg.Engine, path) {
			log.WithField("engine", c.cfg.Engine.Name()).Warn("Output backend cannot play this file type, skipping")
			continue
		}

		ctrl, err := c.load(path)
		if err != nil {
			log.WithError(err).Error("Failed to load track")
			c.record(EventTrackLoadFailed, path, err.Error())
			continue
		}

		c.tracks = append(c.tracks, ctrl)
		created = append(created, ctrl)
		c.state.UpdateTrack(ctrl.Snapshot())
		c.record(EventTrackAdded, path, c.device.Description)

		if c.watcher != nil {
			if err := c.watcher.Add(path); err != nil {
				log.WithError(err).Warn("Failed to watch source directory")
			}
		}
	}
	return created
}

func (c *Coordinator) load(path string) (*track.Controller, error) {
	title := metadata.TitleFromPath(path)
	if c.cfg.Prober != nil {
		if info, err := c.cfg.Prober.Probe(path); err == nil && info.Title != "" {
			title = info.Title
		}
	}

	port, err := c.cfg.Engine.NewPort(c.device)
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %w", c.device.Description, err)
	}

	id := c.nextID
	ctrl, err := track.New(port, track.Options{
		ID:           id,
		Path:         path,
		Title:        title,
		Device:       c.device,
		ResyncOffset: c.cfg.ResyncOffset,
		Scheduler:    c.cfg.Scheduler,
		Booster:      c.cfg.Booster,
		Hooks: track.Hooks{
			Changed: c.state.UpdateTrack,
			Error:   c.trackError,
			Event:   c.trackEvent,
		},
		Logger: c.logger.WithField("component", "track"),
	})
	if err != nil {
		port.Close()
		return nil, err
	}
	c.nextID++
	return ctrl, nil
}

// RemoveTrack cleans up a track and drops it from the session
func (c *Coordinator) RemoveTrack(id int) error {
	for i, t := range c.tracks {
		if t.ID() != id {
			continue
		}
		t.Cleanup()
		c.tracks = append(c.tracks[:i], c.tracks[i+1:]...)
		c.state.RemoveTrack(id)
		if c.watcher != nil {
			c.watcher.Remove(t.OriginalPath())
		}
		c.record(EventTrackRemoved, t.OriginalPath(), "")
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownTrack, id)
}

// ChangeDeviceGlobal selects dev and moves every track onto it. A track that
// fails to switch keeps its old output; the failure is reported through its
// error hook.
func (c *Coordinator) ChangeDeviceGlobal(dev models.Device) {
	c.device = dev
	c.state.UpdateDevice(dev)
	c.logger.WithField("device", dev.Description).Info("Output device changed")

	for _, t := range c.tracks {
		_ = t.SetOutputDevice(dev)
	}
}

// SelectDevice is ChangeDeviceGlobal by device ID
func (c *Coordinator) SelectDevice(id string) error {
	dev, ok := playback.FindDevice(c.cfg.Engine.Devices(), id)
	if !ok {
		return fmt.Errorf("%w: %s", playback.ErrUnknownDevice, id)
	}
	c.ChangeDeviceGlobal(dev)
	return nil
}

// FadeAllPlaying fades out every playing track with the session duration
func (c *Coordinator) FadeAllPlaying() int {
	n := 0
	for _, t := range c.tracks {
		if t.IsPlaying() && !t.IsFading() {
			t.FadeOutAndStop(c.fadeDuration)
			n++
		}
	}
	return n
}

// KillAll stops every track immediately
func (c *Coordinator) KillAll() {
	for _, t := range c.tracks {
		t.StopInstant()
	}
}

// SetFadeDuration clamps seconds to the allowed range and returns what was
// applied
func (c *Coordinator) SetFadeDuration(seconds float64) float64 {
	c.fadeDuration = clampFade(seconds)
	c.state.UpdateFadeDuration(c.fadeDuration)
	return c.fadeDuration
}

func clampFade(seconds float64) float64 {
	if math.IsNaN(seconds) {
		return settings.DefaultFadeDuration
	}
	return math.Max(MinFadeDuration, math.Min(MaxFadeDuration, seconds))
}

// Settings returns what Save would write
func (c *Coordinator) Settings() settings.Settings {
	out := settings.Settings{
		DeviceName:   c.device.Description,
		FadeDuration: c.fadeDuration,
		Tracks:       make([]settings.TrackSettings, 0, len(c.tracks)),
	}
	for _, t := range c.tracks {
		out.Tracks = append(out.Tracks, settings.TrackSettings{
			Path:   t.OriginalPath(),
			Volume: t.Volume(),
			Loop:   t.Loop(),
			Boost:  t.BoostRequested(),
		})
	}
	return out
}

// Save persists the session. Boosted temp files are never written, only
// the toggle.
func (c *Coordinator) Save() error {
	if err := c.cfg.Store.Save(c.Settings()); err != nil {
		return err
	}
	c.record(EventSessionSaved, "", c.cfg.Store.Path())
	return nil
}

// Restore applies the saved session: device, fade duration, then the tracks
// with their volume, loop and boost toggle. An unreadable settings file is
// logged and the session starts empty.
func (c *Coordinator) Restore() []*track.Controller {
	saved, err := c.cfg.Store.Load()
	if err != nil {
		c.logger.WithError(err).Warn("Settings unreadable, starting with defaults")
		c.record(EventError, "", err.Error())
		saved = settings.Defaults()
	}

	if saved.DeviceName != "" {
		if dev, ok := playback.FindDeviceByDescription(c.cfg.Engine.Devices(), saved.DeviceName); ok {
			if dev.ID != c.device.ID {
				c.ChangeDeviceGlobal(dev)
			}
		} else {
			c.logger.WithField("device", saved.DeviceName).Warn("Saved output device not present, keeping default")
		}
	}

	c.SetFadeDuration(saved.FadeDuration)

	paths := make([]string, 0, len(saved.Tracks))
	for _, ts := range saved.Tracks {
		paths = append(paths, ts.Path)
	}
	created := c.AddTracks(paths)

	byPath := make(map[string]*track.Controller, len(created))
	for _, t := range created {
		byPath[t.OriginalPath()] = t
	}
	for _, ts := range saved.Tracks {
		t, ok := byPath[normalizePath(ts.Path)]
		if !ok {
			continue
		}
		t.SetVolume(ts.Volume)
		t.SetLoop(ts.Loop)
		if ts.Boost && c.cfg.Capability.Supports(t.OriginalPath()) {
			t.SetBoost(true)
		}
	}

	c.record(EventSessionRestored, "", fmt.Sprintf("%d/%d tracks", len(created), len(saved.Tracks)))
	c.logger.WithFields(logrus.Fields{
		"tracks": len(created),
		"saved":  len(saved.Tracks),
		"device": c.device.Description,
	}).Info("Session restored")
	return created
}

// Close persists the session, then cleans up every track. Calling it again
// does nothing.
func (c *Coordinator) Close() error {
	if c.closed {
		return nil
	}

	saveErr := c.Save()
	if saveErr != nil {
		c.logger.WithError(saveErr).Error("Failed to save session")
	}

	for _, t := range c.tracks {
		t.Cleanup()
		c.state.RemoveTrack(t.ID())
	}
	c.tracks = nil
	c.closed = true

	if c.watcher != nil {
		c.watcher.Close()
	}
	c.record(EventSessionClosed, "", "")
	c.logger.Info("Session closed")
	return saveErr
}

// Snapshot builds the full console state from the live tracks
func (c *Coordinator) Snapshot() models.SessionState {
	tracks := make([]models.TrackState, 0, len(c.tracks))
	for _, t := range c.tracks {
		tracks = append(tracks, t.Snapshot())
	}
	return models.SessionState{
		Tracks:         tracks,
		FadeDuration:   c.fadeDuration,
		Device:         c.device,
		BoostAvailable: c.cfg.Capability.Available(),
		BoostBackend:   c.cfg.Capability.Backend(),
		UpdatedAt:      time.Now(),
	}
}

func (c *Coordinator) sourceChanged(path string, missing bool) {
	for _, t := range c.tracks {
		if t.OriginalPath() == path {
			t.MarkSourceMissing(missing)
		}
	}
}

func (c *Coordinator) hasPath(path string) bool {
	for _, t := range c.tracks {
		if t.OriginalPath() == path {
			return true
		}
	}
	return false
}

func (c *Coordinator) pathOf(id int) string {
	for _, t := range c.tracks {
		if t.ID() == id {
			return t.OriginalPath()
		}
	}
	return ""
}

func (c *Coordinator) trackError(id int, err error) {
	c.record(EventError, c.pathOf(id), err.Error())
}

func (c *Coordinator) trackEvent(id int, event, detail string) {
	c.record(event, c.pathOf(id), detail)
}

func (c *Coordinator) record(event, path, detail string) {
	if c.cfg.EventLog == nil {
		return
	}
	if _, err := c.cfg.EventLog.RecordEvent(event, path, detail); err != nil {
		c.logger.WithError(err).WithField("event", event).Warn("Failed to record event")
	}
}

func normalizePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
