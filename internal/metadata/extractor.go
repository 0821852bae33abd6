package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuedeck/internal/cache"
	"cuedeck/pkg/models"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
	"github.com/tcolgate/mp3"
)

// Extractor probes audio files for a display title and a duration
type Extractor struct {
	supportedFormats []string
	logger           *logrus.Entry
	cache            *cache.ProbeCache
}

// NewExtractor creates a new metadata extractor. probeCache may be nil.
func NewExtractor(supportedFormats []string, probeCache *cache.ProbeCache, logger *logrus.Entry) *Extractor {
	formats := make([]string, len(supportedFormats))
	for i, f := range supportedFormats {
		formats[i] = strings.ToLower(f)
	}
	return &Extractor{
		supportedFormats: formats,
		logger:           logger,
		cache:            probeCache,
	}
}

// Probe returns title and duration for filePath. A missing or unreadable tag
// falls back to the file name and an unknown duration is reported as 0.
func (e *Extractor) Probe(filePath string) (models.MediaInfo, error) {
	stat, err := os.Stat(filePath)
	if err != nil {
		return models.MediaInfo{}, err
	}

	key := cache.ProbeKey(filePath, stat.Size(), stat.ModTime())
	if e.cache != nil {
		if info, ok := e.cache.GetInfo(key); ok {
			return info, nil
		}
	}

	startTime := time.Now()
	info := models.MediaInfo{
		Path:     filePath,
		Title:    TitleFromPath(filePath),
		FileSize: stat.Size(),
		ModTime:  stat.ModTime(),
	}

	duration, err := e.calculateDuration(filePath)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"filePath": filePath,
			"error":    err.Error(),
		}).Debug("Failed to calculate duration, setting to 0")
		duration = 0
	}
	info.DurationMs = duration.Milliseconds()

	if file, err := os.Open(filePath); err == nil {
		if md, err := tag.ReadFrom(file); err == nil {
			if t := strings.TrimSpace(md.Title()); t != "" {
				info.Title = t
			}
			info.Artist = md.Artist()
			info.Album = md.Album()
		}
		file.Close()
	}

	e.logger.WithFields(logrus.Fields{
		"filePath":       filePath,
		"title":          info.Title,
		"durationMs":     info.DurationMs,
		"processingTime": time.Since(startTime),
	}).Debug("Probed audio file")

	if e.cache != nil {
		e.cache.SetInfo(key, info)
	}
	return info, nil
}

// Duration is a shortcut for Probe(...).Duration()
func (e *Extractor) Duration(filePath string) (time.Duration, error) {
	info, err := e.Probe(filePath)
	if err != nil {
		return 0, err
	}
	return info.Duration(), nil
}

// TitleFromPath is the file name without its extension
func TitleFromPath(filePath string) string {
	filename := filepath.Base(filePath)
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}

// calculateDuration calculates the duration of an audio file
func (e *Extractor) calculateDuration(filePath string) (time.Duration, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp3":
		return e.durationMP3(filePath)
	case ".flac":
		return e.durationFLAC(filePath)
	case ".wav":
		return e.durationWAV(filePath)
	case ".m4a":
		return e.durationM4A(filePath)
	default:
		return 0, fmt.Errorf("unsupported format: %s", ext)
	}
}

// MP3 duration using frame decoding; fallback to average bitrate estimation only if frames fail entirely.
func (e *Extractor) durationMP3(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := mp3.NewDecoder(f)
	var total time.Duration
	var skipped int
	frames := 0
	for {
		var fr mp3.Frame
		if err := dec.Decode(&fr, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames == 0 { // could not decode any frame
				return e.estimateFromFileSize(path, 192000)
			}
			break // partial decode; use what we have
		}
		total += fr.Duration()
		frames++
	}
	return total, nil
}

// FLAC duration via STREAMINFO metadata block
func (e *Extractor) durationFLAC(path string) (time.Duration, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return 0, err
	}
	defer stream.Close()
	si := stream.Info
	if si.NSamples > 0 && si.SampleRate > 0 {
		return samplesToDuration(int64(si.NSamples), int64(si.SampleRate)), nil
	}
	return 0, fmt.Errorf("flac stream missing sample info")
}

// WAV duration from the PCM chunk size
func (e *Extractor) durationWAV(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file")
	}
	if dec.SampleRate == 0 || dec.BitDepth == 0 || dec.NumChans == 0 {
		return 0, fmt.Errorf("invalid wav header")
	}
	if d, err := dec.Duration(); err == nil && d > 0 {
		return d, nil
	}

	// Fall back to the file size when the data chunk can't be located.
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	pcmBytes := st.Size() - 44
	if pcmBytes < 0 {
		pcmBytes = 0
	}
	bytesPerSampleFrame := int64(dec.BitDepth/8) * int64(dec.NumChans)
	if bytesPerSampleFrame <= 0 {
		return 0, fmt.Errorf("invalid sample frame size")
	}
	return samplesToDuration(pcmBytes/bytesPerSampleFrame, int64(dec.SampleRate)), nil
}

// M4A (AAC in MP4) minimal duration parsing: read 'mvhd' timescale & duration.
func (e *Extractor) durationM4A(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	for {
		head := make([]byte, 8)
		if _, err := io.ReadFull(f, head); err != nil {
			return 0, err
		}
		size := binary.BigEndian.Uint32(head[0:4])
		atom := string(head[4:8])
		if size < 8 {
			return 0, fmt.Errorf("invalid atom size")
		}
		if atom != "moov" {
			if _, err := f.Seek(int64(size)-8, io.SeekCurrent); err != nil {
				return 0, err
			}
			continue
		}

		limit := int64(size) - 8
		for read := int64(0); read < limit; {
			subHead := make([]byte, 8)
			if _, err := io.ReadFull(f, subHead); err != nil {
				return 0, err
			}
			subSize := binary.BigEndian.Uint32(subHead[0:4])
			if string(subHead[4:8]) == "mvhd" {
				return readMVHD(f)
			}
			if subSize < 8 {
				return 0, fmt.Errorf("invalid sub-atom size")
			}
			if _, err := f.Seek(int64(subSize)-8, io.SeekCurrent); err != nil {
				return 0, err
			}
			read += int64(subSize)
		}
		return 0, fmt.Errorf("mvhd atom not found")
	}
}

func readMVHD(r io.ReadSeeker) (time.Duration, error) {
	version := make([]byte, 1)
	if _, err := io.ReadFull(r, version); err != nil {
		return 0, err
	}
	skip := int64(3 + 4 + 4) // flags + 32-bit times
	if version[0] == 1 {
		skip = 3 + 8 + 8
	}
	if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
		return 0, err
	}

	tsBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, tsBuf); err != nil {
		return 0, err
	}
	timescale := binary.BigEndian.Uint32(tsBuf)
	if timescale == 0 {
		return 0, fmt.Errorf("invalid timescale")
	}

	var units int64
	if version[0] == 1 {
		durBuf := make([]byte, 8)
		if _, err := io.ReadFull(r, durBuf); err != nil {
			return 0, err
		}
		units = int64(binary.BigEndian.Uint64(durBuf))
	} else {
		durBuf := make([]byte, 4)
		if _, err := io.ReadFull(r, durBuf); err != nil {
			return 0, err
		}
		units = int64(binary.BigEndian.Uint32(durBuf))
	}
	return samplesToDuration(units, int64(timescale)), nil
}

// estimateFromFileSize provides last-resort estimation if parsing fails.
func (e *Extractor) estimateFromFileSize(path string, bitrate int) (time.Duration, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if bitrate <= 0 {
		return 0, fmt.Errorf("invalid bitrate")
	}
	return time.Duration(st.Size()*8*int64(time.Second)) / time.Duration(bitrate), nil
}

func samplesToDuration(samples, rate int64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(samples) / float64(rate) * float64(time.Second))
}

// IsAudioFile checks if a file is a supported audio format
func (e *Extractor) IsAudioFile(filePath string) bool {
	ext := strings.ToLower(filepath.Ext(filePath))
	for _, format := range e.supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}
