package boost

import (
	"errors"
	"fmt"
)

var (
	// ErrToolUnavailable means no gain backend can handle the file.
	ErrToolUnavailable = errors.New("no audio processing backend available")

	// ErrSourceMissing means the source vanished before the job ran.
	ErrSourceMissing = errors.New("source file does not exist")

	// errUnsupportedEncoding lets the router hand a file the native tool cannot
	// decode over to ffmpeg.
	errUnsupportedEncoding = errors.New("unsupported sample encoding")
)

// ProcessingError is a decode or encode failure reported by a gain tool
type ProcessingError struct {
	Path   string
	Detail string
	Err    error
}

func (e *ProcessingError) Error() string {
	msg := fmt.Sprintf("boost %s failed", e.Path)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}
