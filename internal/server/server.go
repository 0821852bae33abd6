package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"cuedeck/internal/auth"
	"cuedeck/internal/boost"
	"cuedeck/internal/config"
	"cuedeck/internal/ngrok"
	"cuedeck/internal/player"
	"cuedeck/internal/session"
	"cuedeck/pkg/models"
)

// Runner executes fn on the control loop and waits for it
type Runner interface {
	Do(fn func()) error
}

// EventStore is the read side of the as-run log
type EventStore interface {
	RecentEvents(limit int) ([]models.LogEntry, error)
	Ping() error
}

// JobLister exposes boost job history
type JobLister interface {
	GetAllJobs() []boost.Job
	GetJob(jobID string) (boost.Job, bool)
}

// Options wires a ConsoleServer
type Options struct {
	Config  *config.Config
	Runner  Runner
	Console *session.Coordinator
	State   *player.StateManager
	Events  EventStore
	Jobs    JobLister
	Auth    *auth.Service
	Ngrok   *ngrok.Service
	Logger  *logrus.Entry
}

// ConsoleServer is the HTTP remote control for a running console
type ConsoleServer struct {
	config       *config.Config
	runner       Runner
	console      *session.Coordinator
	state        *player.StateManager
	events       EventStore
	jobs         JobLister
	authService  *auth.Service
	ngrokService *ngrok.Service
	logger       *logrus.Entry

	httpServer *http.Server
	cancel     context.CancelFunc
	started    time.Time
}

// NewConsoleServer creates the server. Nothing listens until Start.
func NewConsoleServer(opts Options) *ConsoleServer {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Auth == nil {
		opts.Auth, _, _ = auth.NewService(&config.AuthConfig{Enabled: false})
	}
	return &ConsoleServer{
		config:       opts.Config,
		runner:       opts.Runner,
		console:      opts.Console,
		state:        opts.State,
		events:       opts.Events,
		jobs:         opts.Jobs,
		authService:  opts.Auth,
		ngrokService: opts.Ngrok,
		logger:       opts.Logger,
		started:      time.Now(),
	}
}

// Handler returns the routed handler with the middleware chain applied
func (cs *ConsoleServer) Handler() http.Handler {
	mux := http.NewServeMux()
	cs.setupRoutes(mux)

	var h http.Handler = mux
	h = cs.authMiddleware(h)
	h = cs.corsMiddleware(h)
	h = cs.requestLoggingMiddleware(h)
	h = cs.panicRecoveryMiddleware(h)
	return h
}

func (cs *ConsoleServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", cs.handleHealthCheck)

	mux.HandleFunc("POST /api/auth/login", cs.handleAuthLogin)
	mux.HandleFunc("POST /api/auth/logout", cs.handleAuthLogout)

	mux.HandleFunc("GET /api/session", cs.handleGetSession)
	mux.HandleFunc("POST /api/session/save", cs.handleSaveSession)
	mux.HandleFunc("GET /api/devices", cs.handleGetDevices)
	mux.HandleFunc("POST /api/device", cs.handleSelectDevice)
	mux.HandleFunc("POST /api/fade-all", cs.handleFadeAll)
	mux.HandleFunc("POST /api/kill-all", cs.handleKillAll)
	mux.HandleFunc("POST /api/fade-duration", cs.handleSetFadeDuration)

	mux.HandleFunc("POST /api/tracks", cs.handleAddTracks)
	mux.HandleFunc("GET /api/tracks/{id}", cs.handleGetTrack)
	mux.HandleFunc("DELETE /api/tracks/{id}", cs.handleRemoveTrack)
	mux.HandleFunc("POST /api/tracks/{id}/play", cs.handleTogglePlay)
	mux.HandleFunc("POST /api/tracks/{id}/fade", cs.handleFade)
	mux.HandleFunc("POST /api/tracks/{id}/stop", cs.handleStop)
	mux.HandleFunc("POST /api/tracks/{id}/boost", cs.handleBoost)
	mux.HandleFunc("POST /api/tracks/{id}/volume", cs.handleVolume)
	mux.HandleFunc("POST /api/tracks/{id}/loop", cs.handleLoop)
	mux.HandleFunc("POST /api/tracks/{id}/seek", cs.handleSeek)

	mux.HandleFunc("GET /api/events", cs.handleEvents)
	mux.HandleFunc("GET /api/log", cs.handleGetLog)
	mux.HandleFunc("GET /api/boost/jobs", cs.handleGetBoostJobs)
	mux.HandleFunc("GET /api/boost/jobs/{id}", cs.handleGetBoostJob)
}

// Start listens on the configured address and, when configured, opens the
// ngrok tunnel. It returns once the listener is bound.
func (cs *ConsoleServer) Start(ctx context.Context) error {
	addr := cs.config.GetAddress()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// Event streams never go idle; cancelling the base context ends them.
	baseCtx, cancel := context.WithCancel(context.Background())
	cs.cancel = cancel
	cs.httpServer = &http.Server{
		Handler:     cs.Handler(),
		ReadTimeout: time.Duration(cs.config.Server.ReadTimeout) * time.Second,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		if err := cs.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cs.logger.WithError(err).Error("HTTP server stopped")
		}
	}()

	localAddress := fmt.Sprintf("http://%s", ln.Addr().String())
	cs.logger.WithFields(logrus.Fields{
		"address": localAddress,
		"auth":    cs.authService.IsEnabled(),
	}).Info("Remote control listening")

	if cs.ngrokService != nil {
		if err := cs.ngrokService.StartTunnel(ctx, localAddress); err != nil {
			cs.logger.WithError(err).Warn("Could not start ngrok tunnel")
		}
	}
	return nil
}

// Shutdown closes the tunnel and drains the HTTP server
func (cs *ConsoleServer) Shutdown(ctx context.Context) error {
	if err := cs.ngrokService.Stop(); err != nil {
		cs.logger.WithError(err).Warn("Failed to stop ngrok tunnel")
	}
	if cs.httpServer == nil {
		return nil
	}
	cs.logger.Info("Shutting down remote control")
	cs.cancel()
	return cs.httpServer.Shutdown(ctx)
}
