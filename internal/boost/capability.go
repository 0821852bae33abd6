package boost

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"cuedeck/internal/config"
)

// Capability describes the gain backends found at startup. It is computed
// once and passed around by value.
type Capability struct {
	Enabled    bool
	Native     bool
	FFmpegPath string
}

// Detect probes for gain backends according to cfg
func Detect(cfg config.BoostConfig) Capability {
	if !cfg.Enabled {
		return Capability{}
	}
	return Capability{
		Enabled:    true,
		Native:     true,
		FFmpegPath: FindFFmpeg(cfg.FFmpegPath),
	}
}

// Available reports whether boosting can run at all
func (c Capability) Available() bool {
	return c.Enabled && (c.Native || c.FFmpegPath != "")
}

// Backend names the available backends for display
func (c Capability) Backend() string {
	switch {
	case !c.Available():
		return "none"
	case c.Native && c.FFmpegPath != "":
		return "native+ffmpeg"
	case c.Native:
		return "native"
	default:
		return "ffmpeg"
	}
}

// Supports reports whether a file at path can be boosted.
func (c Capability) Supports(path string) bool {
	if !c.Available() {
		return false
	}
	if c.Native && nativeExt(path) {
		return true
	}
	return c.FFmpegPath != ""
}

func nativeExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".flac":
		return true
	}
	return false
}

// Router sends each file to the native tool when it can decode it and to
// ffmpeg otherwise.
type Router struct {
	native *NativeTool
	ffmpeg *FFmpegTool
	logger *logrus.Entry
}

// NewRouter builds the tools a capability allows
func NewRouter(c Capability, tempDir string, logger *logrus.Entry) *Router {
	r := &Router{logger: logger}
	if !c.Enabled {
		return r
	}
	if c.Native {
		r.native = NewNativeTool(tempDir, logger)
	}
	if c.FFmpegPath != "" {
		r.ffmpeg = NewFFmpegTool(c.FFmpegPath, tempDir, logger)
	}
	return r
}

// ProcessGain implements Tool
func (r *Router) ProcessGain(ctx context.Context, jobID, inputPath string, gainDB float64) (string, error) {
	if r.native != nil && r.native.Supports(inputPath) {
		out, err := r.native.ProcessGain(ctx, jobID, inputPath, gainDB)
		if err == nil || !errors.Is(err, errUnsupportedEncoding) {
			return out, err
		}
		if r.ffmpeg == nil {
			return "", &ProcessingError{Path: inputPath, Detail: "native decoder", Err: err}
		}
		if r.logger != nil {
			r.logger.WithError(err).WithField("input", inputPath).Debug("Falling back to ffmpeg")
		}
	}

	if r.ffmpeg == nil {
		return "", ErrToolUnavailable
	}
	return r.ffmpeg.ProcessGain(ctx, jobID, inputPath, gainDB)
}
