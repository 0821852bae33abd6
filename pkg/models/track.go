package models

import "time"

// PlaybackState is the transport state of a track
type PlaybackState string

const (
	PlaybackStopped PlaybackState = "stopped"
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
)

// FadeState tells whether a fade-out ramp is running
type FadeState string

const (
	FadeIdle      FadeState = "idle"
	FadeFadingOut FadeState = "fading_out"
)

// BoostState is the lifecycle of a track's gain boost
type BoostState string

const (
	BoostNone    BoostState = "none"
	BoostRunning BoostState = "boosting"
	BoostActive  BoostState = "boosted"
	BoostFailed  BoostState = "boost_failed"
)

// Controls mirrors which operator controls are usable for a track
type Controls struct {
	PlayEnabled  bool `json:"playEnabled"`
	FadeEnabled  bool `json:"fadeEnabled"`
	BoostEnabled bool `json:"boostEnabled"`
}

// TrackState is a point-in-time snapshot of one loaded track
type TrackState struct {
	ID            int           `json:"id"`
	Title         string        `json:"title"`
	OriginalPath  string        `json:"originalPath"`
	CurrentSource string        `json:"currentSource"`
	Boosted       bool          `json:"boosted"`
	Volume        int           `json:"volume"`     // 0 to 100, user target
	LiveVolume    float64       `json:"liveVolume"` // 0.0 to 1.0, what the output is set to
	Loop          bool          `json:"loop"`
	Playback      PlaybackState `json:"playback"`
	Fade          FadeState     `json:"fade"`
	Boost         BoostState    `json:"boost"`
	PositionMs    int64         `json:"positionMs"`
	DurationMs    int64         `json:"durationMs"`
	SourceMissing bool          `json:"sourceMissing"`
	Controls      Controls      `json:"controls"`
	LastError     string        `json:"lastError,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// SessionState is a snapshot of the whole console
type SessionState struct {
	Tracks         []TrackState `json:"tracks"`
	FadeDuration   float64      `json:"fadeDuration"` // seconds
	Device         Device       `json:"device"`
	BoostAvailable bool         `json:"boostAvailable"`
	BoostBackend   string       `json:"boostBackend,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Device is an audio output the environment offers
type Device struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	IsDefault   bool   `json:"isDefault"`
}

// LogEntry is one row of the as-run log
type LogEntry struct {
	ID        int       `json:"id"`
	Event     string    `json:"event"`
	TrackPath string    `json:"trackPath,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
