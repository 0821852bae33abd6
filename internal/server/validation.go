package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	maxBodyBytes   = 1 << 20
	maxPathsPerAdd = 200
	maxLogLimit    = 1000
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// respondJSON writes v as the JSON body with the current status
func (cs *ConsoleServer) respondJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		cs.logger.WithError(err).Debug("Failed to write response")
	}
}

// respondOK sends v with status
func (cs *ConsoleServer) respondOK(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	cs.respondJSON(w, v)
}

// respondWithValidationError sends a structured validation error response
func (cs *ConsoleServer) respondWithValidationError(w http.ResponseWriter, r *http.Request, errors []ValidationError) {
	cs.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"errors": errors,
	}).Warn("Validation failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	cs.respondJSON(w, ValidationResult{
		Valid:  false,
		Errors: errors,
	})
}

// respondWithError sends a structured error response
func (cs *ConsoleServer) respondWithError(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	logEntry := cs.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status_code": statusCode,
		"message":     message,
	})

	if err != nil {
		logEntry = logEntry.WithError(err)
	}

	if statusCode >= 500 {
		logEntry.Error("Server error")
	} else {
		logEntry.Warn("Client error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	cs.respondJSON(w, map[string]interface{}{
		"error":   message,
		"code":    statusCode,
		"success": false,
	})
}

// decodeBody parses a JSON request body into dst. An empty body leaves dst
// untouched.
func decodeBody(r *http.Request, dst interface{}) *ValidationError {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("Invalid JSON: %v", err),
			Code:    "INVALID_JSON",
		}
	}
	return nil
}

// validateTrackID validates and parses a track ID path value
func validateTrackID(raw string) (int, *ValidationError) {
	if raw == "" {
		return 0, &ValidationError{
			Field:   "track_id",
			Message: "Track ID cannot be empty",
			Code:    "EMPTY_TRACK_ID",
		}
	}

	trackID, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{
			Field:   "track_id",
			Message: "Track ID must be a valid integer",
			Code:    "INVALID_TRACK_ID_FORMAT",
		}
	}

	if trackID <= 0 {
		return 0, &ValidationError{
			Field:   "track_id",
			Message: "Track ID must be positive",
			Code:    "INVALID_TRACK_ID_VALUE",
		}
	}

	return trackID, nil
}

// validatePaths checks a batch of source paths and returns them sanitized
func validatePaths(paths []string) ([]string, []ValidationError) {
	if len(paths) == 0 {
		return nil, []ValidationError{{
			Field:   "paths",
			Message: "At least one path is required",
			Code:    "MISSING_PATHS",
		}}
	}
	if len(paths) > maxPathsPerAdd {
		return nil, []ValidationError{{
			Field:   "paths",
			Message: fmt.Sprintf("Too many paths (max %d)", maxPathsPerAdd),
			Code:    "TOO_MANY_PATHS",
		}}
	}

	var errs []ValidationError
	out := make([]string, 0, len(paths))
	for i, p := range paths {
		field := fmt.Sprintf("paths[%d]", i)
		if strings.Contains(p, "\x00") {
			errs = append(errs, ValidationError{Field: field, Message: "Path contains invalid characters", Code: "INVALID_PATH_CHARACTERS"})
			continue
		}
		p = sanitizeInput(p)
		if p == "" {
			errs = append(errs, ValidationError{Field: field, Message: "Path cannot be empty", Code: "EMPTY_PATH"})
			continue
		}
		out = append(out, p)
	}
	return out, errs
}

// validateVolume requires a volume between 0 and 100
func validateVolume(v *int) *ValidationError {
	if v == nil {
		return &ValidationError{Field: "volume", Message: "Volume is required", Code: "MISSING_VOLUME"}
	}
	if *v < 0 || *v > 100 {
		return &ValidationError{Field: "volume", Message: "Volume must be between 0 and 100", Code: "INVALID_VOLUME_RANGE"}
	}
	return nil
}

// validateFadeSeconds requires a finite number of seconds. Range clamping
// happens in the session.
func validateFadeSeconds(s *float64) *ValidationError {
	if s == nil {
		return &ValidationError{Field: "seconds", Message: "Seconds is required", Code: "MISSING_SECONDS"}
	}
	if math.IsNaN(*s) || math.IsInf(*s, 0) {
		return &ValidationError{Field: "seconds", Message: "Seconds must be a finite number", Code: "INVALID_SECONDS"}
	}
	return nil
}

// validatePosition requires a non-negative position in milliseconds
func validatePosition(ms *int64) *ValidationError {
	if ms == nil {
		return &ValidationError{Field: "positionMs", Message: "Position is required", Code: "MISSING_POSITION"}
	}
	if *ms < 0 {
		return &ValidationError{Field: "positionMs", Message: "Position cannot be negative", Code: "INVALID_POSITION"}
	}
	return nil
}

// validateLogLimit parses the optional limit query parameter
func validateLogLimit(raw string) (int, *ValidationError) {
	if raw == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLogLimit {
		return 0, &ValidationError{
			Field:   "limit",
			Message: fmt.Sprintf("Limit must be an integer between 1 and %d", maxLogLimit),
			Code:    "INVALID_LIMIT",
		}
	}
	return n, nil
}

// sanitizeInput strips null bytes and surrounding whitespace
func sanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
