package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cuedeck/internal/boost"
	"cuedeck/pkg/models"
)

const ssePingInterval = 15 * time.Second

// handleEvents streams session snapshots as server-sent events. The first
// event carries the current state; later ones follow every change.
func (cs *ConsoleServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		cs.respondWithError(w, r, http.StatusInternalServerError, "Streaming not supported", nil)
		return
	}
	if cs.state == nil {
		cs.respondWithError(w, r, http.StatusServiceUnavailable, "State feed unavailable", nil)
		return
	}

	updates := cs.state.Subscribe()
	defer cs.state.Unsubscribe(updates)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeStateEvent(w, cs.state.GetState()); err != nil {
		return
	}
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case st, open := <-updates:
			if !open {
				return
			}
			if err := writeStateEvent(w, st); err != nil {
				cs.logger.WithError(err).Debug("Event stream closed")
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeStateEvent(w http.ResponseWriter, st models.SessionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
	return err
}

// handleGetLog returns the newest as-run log entries
func (cs *ConsoleServer) handleGetLog(w http.ResponseWriter, r *http.Request) {
	limit, verr := validateLogLimit(r.URL.Query().Get("limit"))
	if verr != nil {
		cs.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}
	if cs.events == nil {
		cs.respondOK(w, http.StatusOK, []models.LogEntry{})
		return
	}

	entries, err := cs.events.RecentEvents(limit)
	if err != nil {
		cs.respondWithError(w, r, http.StatusInternalServerError, "Failed to read log", err)
		return
	}
	if entries == nil {
		entries = []models.LogEntry{}
	}
	cs.respondOK(w, http.StatusOK, entries)
}

func (cs *ConsoleServer) handleGetBoostJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []boost.Job{}
	if cs.jobs != nil {
		jobs = append(jobs, cs.jobs.GetAllJobs()...)
	}
	cs.respondOK(w, http.StatusOK, jobs)
}

func (cs *ConsoleServer) handleGetBoostJob(w http.ResponseWriter, r *http.Request) {
	id := sanitizeInput(r.PathValue("id"))
	if cs.jobs == nil || id == "" {
		cs.respondWithError(w, r, http.StatusNotFound, "Boost job not found", nil)
		return
	}
	job, ok := cs.jobs.GetJob(id)
	if !ok {
		cs.respondWithError(w, r, http.StatusNotFound, "Boost job not found", nil)
		return
	}
	cs.respondOK(w, http.StatusOK, job)
}
