package models

import "time"

// MediaInfo is what probing an audio file yields
type MediaInfo struct {
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	Artist     string    `json:"artist,omitempty"`
	Album      string    `json:"album,omitempty"`
	DurationMs int64     `json:"durationMs"`
	FileSize   int64     `json:"fileSize"`
	ModTime    time.Time `json:"modTime"`
}

// Duration returns DurationMs as a time.Duration
func (m MediaInfo) Duration() time.Duration {
	return time.Duration(m.DurationMs) * time.Millisecond
}
