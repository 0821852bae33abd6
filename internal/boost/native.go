package boost

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
)

// wavFormatPCM is the WAVE_FORMAT_PCM tag
const wavFormatPCM = 1

// Tool renders a gain-adjusted copy of an audio file and returns its path.
type Tool interface {
	ProcessGain(ctx context.Context, jobID, inputPath string, gainDB float64) (string, error)
}

// OutputPath names the rendering job jobID makes of sourcePath inside dir.
// Every job gets its own file, so a stale job of a removed track never
// touches the file a newer track of the same source is playing.
func OutputPath(dir, sourcePath, jobID string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	sum := sha1.Sum([]byte(sourcePath))
	name := fmt.Sprintf("boosted_%s_%x_%s.wav", filepath.Base(sourcePath), sum[:4], jobTag(jobID))
	return filepath.Join(dir, name)
}

// jobTag shortens a job ID to its trailing random hex. The leading digits of
// a UUIDv7 are a timestamp and repeat for jobs started close together.
func jobTag(jobID string) string {
	tag := strings.ReplaceAll(jobID, "-", "")
	if len(tag) > 12 {
		tag = tag[len(tag)-12:]
	}
	if tag == "" {
		tag = "0"
	}
	return tag
}

// GainFactor converts decibels to a linear amplitude factor
func GainFactor(gainDB float64) float64 {
	return math.Pow(10, gainDB/20)
}

// NativeTool boosts WAV and FLAC files in-process.
type NativeTool struct {
	tempDir string
	logger  *logrus.Entry
}

// NewNativeTool creates a tool writing into tempDir (platform temp dir when empty)
func NewNativeTool(tempDir string, logger *logrus.Entry) *NativeTool {
	return &NativeTool{tempDir: tempDir, logger: logger}
}

// Supports reports whether the file extension can be decoded natively
func (t *NativeTool) Supports(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".flac":
		return true
	default:
		return false
	}
}

// ProcessGain decodes inputPath, scales every sample by gainDB with clipping
// and writes a PCM WAV next to the other boosted renderings.
func (t *NativeTool) ProcessGain(ctx context.Context, jobID, inputPath string, gainDB float64) (string, error) {
	if _, err := os.Stat(inputPath); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSourceMissing, inputPath)
	}

	var (
		buf *audio.IntBuffer
		err error
	)
	switch strings.ToLower(filepath.Ext(inputPath)) {
	case ".wav":
		buf, err = decodeWAV(inputPath)
	case ".flac":
		buf, err = decodeFLAC(inputPath)
	default:
		return "", fmt.Errorf("%w: %s", errUnsupportedEncoding, filepath.Ext(inputPath))
	}
	if err != nil {
		if errors.Is(err, errUnsupportedEncoding) {
			return "", err
		}
		return "", &ProcessingError{Path: inputPath, Detail: "decode", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return "", &ProcessingError{Path: inputPath, Detail: "cancelled", Err: err}
	}

	clipped := applyGain(buf.Data, buf.SourceBitDepth, GainFactor(gainDB))

	outPath := OutputPath(t.tempDir, inputPath, jobID)
	if err := writeWAV(outPath, buf); err != nil {
		return "", &ProcessingError{Path: inputPath, Detail: "encode", Err: err}
	}

	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"input":   inputPath,
			"output":  outPath,
			"gain_db": gainDB,
			"samples": len(buf.Data),
			"clipped": clipped,
		}).Debug("Rendered boosted copy")
	}
	return outPath, nil
}

func decodeWAV(path string) (*audio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file")
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("%w: wav format tag %d", errUnsupportedEncoding, dec.WavAudioFormat)
	}
	if !supportedBitDepth(int(dec.BitDepth)) {
		return nil, fmt.Errorf("%w: %d-bit wav", errUnsupportedEncoding, dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	buf.SourceBitDepth = int(dec.BitDepth)
	return buf, nil
}

func decodeFLAC(path string) (*audio.IntBuffer, error) {
	stream, err := flac.Open(path)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	info := stream.Info
	bitDepth := int(info.BitsPerSample)
	if !supportedBitDepth(bitDepth) {
		return nil, fmt.Errorf("%w: %d-bit flac", errUnsupportedEncoding, bitDepth)
	}

	channels := int(info.NChannels)
	data := make([]int, 0, int(info.NSamples)*channels)
	for {
		fr, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse frame: %w", err)
		}
		n := len(fr.Subframes[0].Samples)
		for i := 0; i < n; i++ {
			for ch := 0; ch < channels; ch++ {
				data = append(data, int(fr.Subframes[ch].Samples[i]))
			}
		}
	}

	return &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: channels,
			SampleRate:  int(info.SampleRate),
		},
		Data:           data,
		SourceBitDepth: bitDepth,
	}, nil
}

func supportedBitDepth(bits int) bool {
	return bits == 16 || bits == 24 || bits == 32
}

// applyGain scales samples in place and returns how many had to be clipped.
func applyGain(samples []int, bitDepth int, factor float64) int {
	hi := float64(int64(1)<<(bitDepth-1) - 1)
	lo := -float64(int64(1) << (bitDepth - 1))

	clipped := 0
	for i, s := range samples {
		v := math.Round(float64(s) * factor)
		if v > hi {
			v = hi
			clipped++
		} else if v < lo {
			v = lo
			clipped++
		}
		samples[i] = int(v)
	}
	return clipped
}

// writeWAV encodes into a .part file and renames it, so the output path only
// ever holds a complete file.
func writeWAV(outPath string, buf *audio.IntBuffer) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	partPath := outPath + ".part"
	f, err := os.Create(partPath)
	if err != nil {
		return err
	}

	enc := wav.NewEncoder(f, buf.Format.SampleRate, buf.SourceBitDepth, buf.Format.NumChannels, wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		f.Close()
		os.Remove(partPath)
		return fmt.Errorf("write samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(partPath)
		return fmt.Errorf("finalize wav: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(partPath)
		return err
	}

	return os.Rename(partPath, outPath)
}
