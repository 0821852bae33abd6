package playback

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"cuedeck/pkg/models"
)

// LoopInfinite makes a port repeat its media until stopped
const LoopInfinite = -1

// PositionPollInterval is how often ports report their position
const PositionPollInterval = 250 * time.Millisecond

var (
	// ErrUnknownDevice is returned when a device is not offered by the engine
	ErrUnknownDevice = errors.New("unknown output device")

	// ErrNotLoaded is returned by operations that need loaded media
	ErrNotLoaded = errors.New("no media loaded")
)

// Listener receives port notifications. Calls arrive on the control loop.
type Listener interface {
	PositionChanged(pos time.Duration)
	DurationChanged(d time.Duration)
	EndOfMedia()
}

// Port is one playback channel. All methods must be called on the control
// loop.
type Port interface {
	// Load stops playback and replaces the media. Position resets to zero.
	Load(path string) (time.Duration, error)
	Play()
	Pause()
	Stop()
	Seek(pos time.Duration)

	// SetVolume takes a linear gain between 0 and 1
	SetVolume(v float64)
	Volume() float64

	// SetLoopCount accepts 1 (play once) or LoopInfinite
	SetLoopCount(n int)

	// SetOutputDevice re-routes the port, keeping its transport state and position
	SetOutputDevice(dev models.Device) error

	Position() time.Duration
	Duration() time.Duration
	Playing() bool

	SetListener(l Listener)
	Close()
}

// Engine owns the audio environment and hands out ports
type Engine interface {
	Name() string
	Devices() []models.Device
	DefaultDevice() models.Device
	NewPort(dev models.Device) (Port, error)

	// Formats lists the lowercase file extensions ports can load. nil means
	// the engine accepts anything.
	Formats() []string
	Close() error
}

// CanLoad reports whether e can load the file at path
func CanLoad(e Engine, path string) bool {
	formats := e.Formats()
	if formats == nil {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, f := range formats {
		if f == ext {
			return true
		}
	}
	return false
}

// FindDevice returns the device of devices with the given ID
func FindDevice(devices []models.Device, id string) (models.Device, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return models.Device{}, false
}

// FindDeviceByDescription matches a persisted device name
func FindDeviceByDescription(devices []models.Device, description string) (models.Device, bool) {
	if description == "" {
		return models.Device{}, false
	}
	for _, d := range devices {
		if d.Description == description {
			return d, true
		}
	}
	return models.Device{}, false
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeLoopCount(n int) int {
	if n == LoopInfinite {
		return LoopInfinite
	}
	if n < 1 {
		return 1
	}
	return n
}
