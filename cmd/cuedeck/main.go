package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"cuedeck/internal/auth"
	"cuedeck/internal/boost"
	"cuedeck/internal/cache"
	"cuedeck/internal/config"
	"cuedeck/internal/database"
	"cuedeck/internal/loop"
	"cuedeck/internal/metadata"
	"cuedeck/internal/ngrok"
	"cuedeck/internal/playback"
	"cuedeck/internal/player"
	"cuedeck/internal/server"
	"cuedeck/internal/session"
	"cuedeck/internal/settings"
)

const (
	logRetention     = 30 * 24 * time.Hour
	jobHistoryMaxAge = time.Hour
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	envPath := flag.String("env", ".env", "optional .env file loaded before the configuration")
	flag.Parse()

	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := config.LoadEnvFile(*envPath); err != nil {
		logger.WithError(err).Warn("Could not load env file")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}

	logFile := configureLogger(logger, cfg.Logging)
	if logFile != nil {
		defer logFile.Close()
	}
	log := logger.WithField("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Control loop
	ctl := loop.New(logger, 0)
	go ctl.Run(context.Background())

	// As-run log
	db, err := database.NewDatabase(cfg.Database.Path, cfg.Database.MaxConnections, logger.WithField("component", "database"))
	if err != nil {
		log.WithError(err).Fatal("Error initializing database")
	}
	defer db.Close()
	if n, err := db.PruneBefore(time.Now().Add(-logRetention)); err != nil {
		log.WithError(err).Warn("Could not prune as-run log")
	} else if n > 0 {
		log.WithField("removed", n).Info("Pruned old as-run log entries")
	}

	probeCache := cache.NewProbeCache()
	defer probeCache.Close()
	extractor := metadata.NewExtractor(cfg.Console.SupportedFormats, probeCache, logger.WithField("component", "metadata"))

	engine, err := newEngine(cfg, ctl, extractor, logger)
	if err != nil {
		log.WithError(err).Fatal("Error opening audio output")
	}
	defer engine.Close()
	for _, format := range cfg.Console.SupportedFormats {
		if !playback.CanLoad(engine, "x"+format) {
			log.WithFields(logrus.Fields{
				"format":  format,
				"backend": engine.Name(),
			}).Warn("Output backend cannot play this format, files will be skipped")
		}
	}

	capability := boost.Detect(cfg.Boost)
	boostLog := logger.WithField("component", "boost")
	pipeline := boost.NewPipeline(boost.NewRouter(capability, cfg.Boost.TempDir, boostLog), capability, ctl, cfg.Boost.GainDB, boostLog)
	log.WithField("backend", capability.Backend()).Info("Boost capability detected")

	state := player.NewStateManager()

	var console *session.Coordinator
	var sessionErr error
	err = ctl.Do(func() {
		console, sessionErr = session.New(session.Config{
			Engine:       engine,
			Scheduler:    ctl,
			Dispatcher:   ctl,
			Booster:      pipeline,
			Capability:   capability,
			Store:        settings.NewStore(cfg.Console.SettingsFile),
			Prober:       extractor,
			EventLog:     db,
			State:        state,
			ResyncOffset: time.Duration(cfg.Console.ResyncOffsetMs) * time.Millisecond,
			FadeDuration: cfg.Console.DefaultFadeSeconds,
			WatchSources: cfg.Console.WatchSources,
			Logger:       logger.WithField("component", "session"),
		})
		if sessionErr != nil {
			return
		}
		restored := console.Restore()
		log.WithField("tracks", len(restored)).Info("Session restored")
	})
	if err == nil {
		err = sessionErr
	}
	if err != nil {
		log.WithError(err).Fatal("Error creating session")
	}

	jobSweep := ctl.Every(10*time.Minute, func() { pipeline.CleanupFinishedJobs(jobHistoryMaxAge) })

	var consoleServer *server.ConsoleServer
	var authService *auth.Service
	if cfg.Server.Enabled {
		var changed bool
		authService, changed, err = auth.NewService(&cfg.Auth)
		if err != nil {
			log.WithError(err).Fatal("Error initializing authentication")
		}
		defer authService.Close()
		if changed {
			if err := cfg.SaveToFile(*configPath); err != nil {
				log.WithError(err).Warn("Could not save hashed operator password")
			} else {
				log.Info("Operator password hashed and saved to configuration")
			}
		}

		tunnel, err := ngrok.NewService(&cfg.Ngrok, logger.WithField("component", "ngrok"))
		if err != nil {
			log.WithError(err).Warn("ngrok disabled")
		}

		consoleServer = server.NewConsoleServer(server.Options{
			Config:  cfg,
			Runner:  ctl,
			Console: console,
			State:   state,
			Events:  db,
			Jobs:    pipeline,
			Auth:    authService,
			Ngrok:   tunnel,
			Logger:  logger.WithField("component", "server"),
		})
		if err := consoleServer.Start(ctx); err != nil {
			log.WithError(err).Fatal("Error starting remote control")
		}
	}

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if consoleServer != nil {
		if err := consoleServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Remote control did not shut down cleanly")
		}
	}

	err = ctl.Do(func() {
		jobSweep.Stop()
		if cerr := console.Close(); cerr != nil {
			log.WithError(cerr).Error("Failed to save session on exit")
		}
	})
	if err != nil {
		log.WithError(err).Error("Control loop stopped before the session was saved")
	}

	if err := pipeline.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("Boost workers still running at exit")
	}
	ctl.Close()
	<-ctl.Done()
	log.Info("Goodbye")
}

// configureLogger applies level, format and file output. It returns the log
// file when one was opened.
func configureLogger(logger *logrus.Logger, cfg config.LoggingConfig) *os.File {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, using info")
	}

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File == "" {
		return nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.WithError(err).Warn("Could not open log file, logging to stderr")
		return nil
	}
	logger.SetOutput(f)
	return f
}

// newEngine opens the configured playback backend
func newEngine(cfg *config.Config, ctl *loop.Loop, extractor *metadata.Extractor, logger *logrus.Logger) (playback.Engine, error) {
	log := logger.WithField("component", "playback")
	switch cfg.Playback.Backend {
	case "speaker":
		return playback.NewSpeakerEngine(cfg.Playback, ctl, ctl, log)
	case "virtual":
		return playback.NewVirtualEngine(cfg.Playback.VirtualDevices, extractor.Duration, ctl, nil, log), nil
	default:
		return nil, fmt.Errorf("unknown playback backend %q", cfg.Playback.Backend)
	}
}
