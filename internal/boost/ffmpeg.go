package boost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// FFmpegTool boosts any format ffmpeg can decode by shelling out to it.
type FFmpegTool struct {
	path    string
	tempDir string
	logger  *logrus.Entry
}

// NewFFmpegTool wraps the ffmpeg binary at path
func NewFFmpegTool(path, tempDir string, logger *logrus.Entry) *FFmpegTool {
	return &FFmpegTool{path: path, tempDir: tempDir, logger: logger}
}

// Path returns the resolved binary
func (t *FFmpegTool) Path() string {
	return t.path
}

// BuildFFmpegArgs returns the argument list that renders input with the given
// gain into a WAV at output.
func BuildFFmpegArgs(input, output string, gainDB float64) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-vn",
		"-af", fmt.Sprintf("volume=%sdB", formatGain(gainDB)),
		"-f", "wav",
		output,
	}
}

func formatGain(gainDB float64) string {
	s := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", gainDB), "0"), ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// ProcessGain runs ffmpeg and renames the finished rendering into place.
func (t *FFmpegTool) ProcessGain(ctx context.Context, jobID, inputPath string, gainDB float64) (string, error) {
	if _, err := os.Stat(inputPath); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSourceMissing, inputPath)
	}

	outPath := OutputPath(t.tempDir, inputPath, jobID)
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return "", &ProcessingError{Path: inputPath, Detail: "create output directory", Err: err}
	}
	partPath := outPath + ".part"

	cmd := exec.CommandContext(ctx, t.path, BuildFFmpegArgs(inputPath, partPath, gainDB)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"input":   inputPath,
			"gain_db": gainDB,
		}).Debug("Running ffmpeg")
	}

	if err := cmd.Run(); err != nil {
		os.Remove(partPath)
		return "", &ProcessingError{Path: inputPath, Detail: strings.TrimSpace(stderr.String()), Err: err}
	}

	if err := os.Rename(partPath, outPath); err != nil {
		os.Remove(partPath)
		return "", &ProcessingError{Path: inputPath, Detail: "rename output", Err: err}
	}
	return outPath, nil
}

// FindFFmpeg resolves the ffmpeg binary: the configured path first, then a
// binary shipped next to the executable, then $PATH. It returns "" when none
// is found.
func FindFFmpeg(configured string) string {
	if configured != "" {
		if p, err := exec.LookPath(configured); err == nil {
			return p
		}
	}

	name := "ffmpeg"
	if runtime.GOOS == "windows" {
		name = "ffmpeg.exe"
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return ""
}
