package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// DefaultFadeDuration is used when the file has no fade_duration
const DefaultFadeDuration = 1.0

// ErrMalformed wraps any failure to parse the settings file
var ErrMalformed = errors.New("malformed settings file")

// Settings is the persisted console state
type Settings struct {
	DeviceName   string          `json:"device_name"`
	FadeDuration float64         `json:"fade_duration"`
	Tracks       []TrackSettings `json:"tracks"`
}

// TrackSettings is one persisted track. Temp files are never stored; only
// the original path and the boost toggle.
type TrackSettings struct {
	Path   string `json:"path"`
	Volume int    `json:"volume"`
	Loop   bool   `json:"loop"`
	Boost  bool   `json:"boost"`
}

// Defaults returns the settings of a fresh console
func Defaults() Settings {
	return Settings{
		FadeDuration: DefaultFadeDuration,
		Tracks:       []TrackSettings{},
	}
}

// rawSettings keeps track of which keys were present in the file
type rawSettings struct {
	DeviceName   string     `json:"device_name"`
	FadeDuration *float64   `json:"fade_duration"`
	Tracks       []rawTrack `json:"tracks"`
}

type rawTrack struct {
	Path   string   `json:"path"`
	Volume *float64 `json:"volume"`
	Loop   *bool    `json:"loop"`
	Boost  *bool    `json:"boost"`
}

// Store reads and writes the settings file
type Store struct {
	path string
}

// NewStore creates a store for the file at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings. A missing file yields Defaults and no error; a
// file that cannot be parsed yields Defaults and an ErrMalformed error.
func (s *Store) Load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), nil
		}
		return Defaults(), fmt.Errorf("failed to read settings: %w", err)
	}

	var raw rawSettings
	if err := json.Unmarshal(data, &raw); err != nil {
		return Defaults(), fmt.Errorf("%w: %s: %v", ErrMalformed, s.path, err)
	}

	out := Defaults()
	out.DeviceName = raw.DeviceName
	if raw.FadeDuration != nil {
		out.FadeDuration = *raw.FadeDuration
	}

	for _, t := range raw.Tracks {
		if t.Path == "" {
			continue
		}
		ts := TrackSettings{Path: t.Path, Volume: 100, Loop: true}
		if t.Volume != nil {
			ts.Volume = int(math.Round(math.Max(0, math.Min(100, *t.Volume))))
		}
		if t.Loop != nil {
			ts.Loop = *t.Loop
		}
		if t.Boost != nil {
			ts.Boost = *t.Boost
		}
		out.Tracks = append(out.Tracks, ts)
	}

	return out, nil
}

// Save writes the settings as indented JSON through a temp file and rename
func (s *Store) Save(st Settings) error {
	if st.Tracks == nil {
		st.Tracks = []TrackSettings{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}
