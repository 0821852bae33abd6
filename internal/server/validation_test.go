package server

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestValidateTrackID(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantID    int
		wantError bool
	}{
		{name: "valid track ID", raw: "123", wantID: 123},
		{name: "missing track ID", raw: "", wantError: true},
		{name: "invalid track ID format", raw: "abc", wantError: true},
		{name: "negative track ID", raw: "-1", wantError: true},
		{name: "zero track ID", raw: "0", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := validateTrackID(tt.raw)

			if tt.wantError && err == nil {
				t.Errorf("validateTrackID() expected error but got none")
			}
			if !tt.wantError && err != nil {
				t.Errorf("validateTrackID() unexpected error: %v", err)
			}
			if id != tt.wantID {
				t.Errorf("validateTrackID() = %v, want %v", id, tt.wantID)
			}
		})
	}
}

func TestValidatePaths(t *testing.T) {
	tooMany := make([]string, maxPathsPerAdd+1)
	for i := range tooMany {
		tooMany[i] = "/music/a.mp3"
	}

	tests := []struct {
		name      string
		paths     []string
		wantPaths int
		wantErrs  int
	}{
		{name: "single path", paths: []string{"/music/a.mp3"}, wantPaths: 1},
		{name: "trims whitespace", paths: []string{"  /music/a.mp3 ", "/music/b.wav"}, wantPaths: 2},
		{name: "no paths", paths: nil, wantErrs: 1},
		{name: "too many paths", paths: tooMany, wantErrs: 1},
		{name: "blank entry", paths: []string{"/music/a.mp3", "   "}, wantPaths: 1, wantErrs: 1},
		{name: "null byte", paths: []string{"/music/a\x00.mp3"}, wantErrs: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, errs := validatePaths(tt.paths)
			if len(out) != tt.wantPaths {
				t.Errorf("validatePaths() returned %d paths, want %d", len(out), tt.wantPaths)
			}
			if len(errs) != tt.wantErrs {
				t.Errorf("validatePaths() returned %d errors, want %d: %v", len(errs), tt.wantErrs, errs)
			}
		})
	}
}

func TestValidateVolume(t *testing.T) {
	intp := func(v int) *int { return &v }

	tests := []struct {
		name      string
		volume    *int
		wantError bool
	}{
		{name: "silent", volume: intp(0)},
		{name: "full", volume: intp(100)},
		{name: "missing", volume: nil, wantError: true},
		{name: "below range", volume: intp(-1), wantError: true},
		{name: "above range", volume: intp(101), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateVolume(tt.volume)
			if (err != nil) != tt.wantError {
				t.Errorf("validateVolume() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestValidateFadeSeconds(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name      string
		seconds   *float64
		wantError bool
	}{
		{name: "in range", seconds: f(2.5)},
		{name: "out of range is clamped later", seconds: f(60)},
		{name: "missing", seconds: nil, wantError: true},
		{name: "infinite", seconds: f(math.Inf(1)), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFadeSeconds(tt.seconds)
			if (err != nil) != tt.wantError {
				t.Errorf("validateFadeSeconds() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestValidateLogLimit(t *testing.T) {
	tests := []struct {
		raw       string
		want      int
		wantError bool
	}{
		{raw: "", want: 100},
		{raw: "25", want: 25},
		{raw: "0", wantError: true},
		{raw: "5000", wantError: true},
		{raw: "ten", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			n, err := validateLogLimit(tt.raw)
			if (err != nil) != tt.wantError {
				t.Fatalf("validateLogLimit(%q) error = %v, wantError %v", tt.raw, err, tt.wantError)
			}
			if n != tt.want {
				t.Errorf("validateLogLimit(%q) = %d, want %d", tt.raw, n, tt.want)
			}
		})
	}
}

func TestDecodeBody(t *testing.T) {
	var dst struct {
		Volume *int `json:"volume"`
	}

	tests := []struct {
		name      string
		body      string
		wantError bool
	}{
		{name: "empty body", body: ""},
		{name: "valid", body: `{"volume": 40}`},
		{name: "malformed", body: `{"volume":`, wantError: true},
		{name: "unknown field", body: `{"gain": 3}`, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/api/tracks/1/volume", strings.NewReader(tt.body))
			err := decodeBody(r, &dst)
			if (err != nil) != tt.wantError {
				t.Errorf("decodeBody() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestSanitizeInput(t *testing.T) {
	if got := sanitizeInput("  main\x00-pa \n"); got != "main-pa" {
		t.Errorf("sanitizeInput() = %q, want %q", got, "main-pa")
	}
}
