package server

import (
	"errors"
	"net/http"

	"cuedeck/internal/playback"
	"cuedeck/pkg/models"
)

// handleGetSession returns a fresh snapshot of the whole console
func (cs *ConsoleServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	var st models.SessionState
	if !cs.run(w, r, func() { st = cs.console.Snapshot() }) {
		return
	}
	cs.respondOK(w, http.StatusOK, st)
}

func (cs *ConsoleServer) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	var err error
	if !cs.run(w, r, func() { err = cs.console.Save() }) {
		return
	}
	if err != nil {
		cs.respondWithError(w, r, http.StatusInternalServerError, "Failed to save session", err)
		return
	}
	cs.respondOK(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (cs *ConsoleServer) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	var devices []models.Device
	var selected models.Device
	if !cs.run(w, r, func() {
		devices = cs.console.Devices()
		selected = cs.console.SelectedDevice()
	}) {
		return
	}
	cs.respondOK(w, http.StatusOK, map[string]interface{}{
		"devices":  devices,
		"selected": selected,
	})
}

// handleSelectDevice moves every track to the device with the given ID
func (cs *ConsoleServer) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if verr := decodeBody(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	req.ID = sanitizeInput(req.ID)
	if req.ID == "" {
		cs.respondWithValidationError(w, r, []ValidationError{{
			Field:   "id",
			Message: "Device ID is required",
			Code:    "MISSING_DEVICE_ID",
		}})
		return
	}

	var err error
	var selected models.Device
	if !cs.run(w, r, func() {
		err = cs.console.SelectDevice(req.ID)
		selected = cs.console.SelectedDevice()
	}) {
		return
	}
	if errors.Is(err, playback.ErrUnknownDevice) {
		cs.respondWithError(w, r, http.StatusNotFound, "Device not found", err)
		return
	}
	cs.respondOK(w, http.StatusOK, selected)
}

func (cs *ConsoleServer) handleFadeAll(w http.ResponseWriter, r *http.Request) {
	var n int
	if !cs.run(w, r, func() { n = cs.console.FadeAllPlaying() }) {
		return
	}
	cs.respondOK(w, http.StatusOK, map[string]int{"fading": n})
}

func (cs *ConsoleServer) handleKillAll(w http.ResponseWriter, r *http.Request) {
	if !cs.run(w, r, func() { cs.console.KillAll() }) {
		return
	}
	cs.respondOK(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleSetFadeDuration answers with the clamped value actually applied
func (cs *ConsoleServer) handleSetFadeDuration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds *float64 `json:"seconds"`
	}
	if verr := decodeBody(r, &req); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if verr := validateFadeSeconds(req.Seconds); verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	var applied float64
	if !cs.run(w, r, func() { applied = cs.console.SetFadeDuration(*req.Seconds) }) {
		return
	}
	cs.respondOK(w, http.StatusOK, map[string]float64{"seconds": applied})
}
