package server

import (
	"errors"
	"net/http"
	"time"

	"cuedeck/internal/session"
	"cuedeck/internal/track"
	"cuedeck/pkg/models"
)

// run executes fn on the control loop. It answers 503 and returns false
// when the loop has stopped.
func (cs *ConsoleServer) run(w http.ResponseWriter, r *http.Request, fn func()) bool {
	if err := cs.runner.Do(fn); err != nil {
		cs.respondWithError(w, r, http.StatusServiceUnavailable, "Console is shutting down", err)
		return false
	}
	return true
}

// withTrack resolves the {id} path value, applies op on the control loop and
// answers with the track's snapshot.
func (cs *ConsoleServer) withTrack(w http.ResponseWriter, r *http.Request, op func(t *track.Controller)) {
	id, verr := validateTrackID(r.PathValue("id"))
	if verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	var snap models.TrackState
	var lookupErr error
	ok := cs.run(w, r, func() {
		t, err := cs.console.Track(id)
		if err != nil {
			lookupErr = err
			return
		}
		op(t)
		snap = t.Snapshot()
	})
	if !ok {
		return
	}
	if errors.Is(lookupErr, session.ErrUnknownTrack) {
		cs.respondWithError(w, r, http.StatusNotFound, "Track not found", lookupErr)
		return
	}
	cs.respondOK(w, http.StatusOK, snap)
}

// handleAddTracks loads new tracks; already loaded, missing and unsupported
// paths are skipped.
func (cs *ConsoleServer) handleAddTracks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if verr := decodeBody(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	paths, errs := validatePaths(req.Paths)
	if len(errs) > 0 {
		cs.respondWithValidationError(w, r, errs)
		return
	}

	added := []models.TrackState{}
	if !cs.run(w, r, func() {
		for _, t := range cs.console.AddTracks(paths) {
			added = append(added, t.Snapshot())
		}
	}) {
		return
	}

	cs.respondOK(w, http.StatusCreated, map[string]interface{}{
		"added":   added,
		"skipped": len(paths) - len(added),
	})
}

func (cs *ConsoleServer) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	cs.withTrack(w, r, func(*track.Controller) {})
}

func (cs *ConsoleServer) handleRemoveTrack(w http.ResponseWriter, r *http.Request) {
	id, verr := validateTrackID(r.PathValue("id"))
	if verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	var err error
	if !cs.run(w, r, func() { err = cs.console.RemoveTrack(id) }) {
		return
	}
	if errors.Is(err, session.ErrUnknownTrack) {
		cs.respondWithError(w, r, http.StatusNotFound, "Track not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (cs *ConsoleServer) handleTogglePlay(w http.ResponseWriter, r *http.Request) {
	cs.withTrack(w, r, func(t *track.Controller) { t.TogglePlay() })
}

// handleFade fades the track out with the session fade duration
func (cs *ConsoleServer) handleFade(w http.ResponseWriter, r *http.Request) {
	cs.withTrack(w, r, func(t *track.Controller) { t.FadeOutAndStop(cs.console.FadeDuration()) })
}

func (cs *ConsoleServer) handleStop(w http.ResponseWriter, r *http.Request) {
	cs.withTrack(w, r, func(t *track.Controller) { t.StopInstant() })
}

// handleBoost toggles the boost, or sets it when the body names a state
func (cs *ConsoleServer) handleBoost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if verr := decodeBody(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	cs.withTrack(w, r, func(t *track.Controller) {
		if req.Enabled == nil {
			t.ToggleBoost()
			return
		}
		t.SetBoost(*req.Enabled)
	})
}

func (cs *ConsoleServer) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Volume *int `json:"volume"`
	}
	if verr := decodeBody(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if verr := validateVolume(req.Volume); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	cs.withTrack(w, r, func(t *track.Controller) { t.SetVolume(*req.Volume) })
}

func (cs *ConsoleServer) handleLoop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if verr := decodeBody(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if req.Enabled == nil {
		cs.respondWithValidationError(w, r, []ValidationError{{
			Field:   "enabled",
			Message: "Enabled is required",
			Code:    "MISSING_ENABLED",
		}})
		return
	}

	cs.withTrack(w, r, func(t *track.Controller) { t.SetLoop(*req.Enabled) })
}

func (cs *ConsoleServer) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PositionMs *int64 `json:"positionMs"`
	}
	if verr := decodeBody(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if verr := validatePosition(req.PositionMs); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	pos := time.Duration(*req.PositionMs) * time.Millisecond
	cs.withTrack(w, r, func(t *track.Controller) { t.Seek(pos) })
}
