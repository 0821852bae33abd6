package server

import (
	"net/http"
	"time"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status       string                 `json:"status"`
	Timestamp    time.Time              `json:"timestamp"`
	Uptime       string                 `json:"uptime"`
	Database     string                 `json:"database"`
	ControlLoop  string                 `json:"controlLoop"`
	Tracks       int                    `json:"trackCount"`
	Subscribers  int                    `json:"subscribers"`
	BoostBackend string                 `json:"boostBackend"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + dependency checks.
func (cs *ConsoleServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Status:      "healthy",
		Timestamp:   time.Now(),
		Uptime:      time.Since(cs.started).Round(time.Second).String(),
		Database:    "ok",
		ControlLoop: "ok",
		Details:     make(map[string]interface{}),
	}

	if cs.events == nil {
		health.Database = "disabled"
	} else if err := cs.events.Ping(); err != nil {
		health.Status = "unhealthy"
		health.Database = "error"
		health.Details["database_error"] = err.Error()
	}

	if err := cs.runner.Do(func() {}); err != nil {
		health.Status = "unhealthy"
		health.ControlLoop = "stopped"
		health.Details["loop_error"] = err.Error()
	}

	if cs.state != nil {
		st := cs.state.GetState()
		health.Tracks = len(st.Tracks)
		health.Subscribers = cs.state.Subscribers()
		health.BoostBackend = st.BoostBackend
		if !st.BoostAvailable {
			health.BoostBackend = "unavailable"
		}
	}

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	cs.respondOK(w, status, health)
}
