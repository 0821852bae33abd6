package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Console  ConsoleConfig  `toml:"console"`
	Playback PlaybackConfig `toml:"playback"`
	Boost    BoostConfig    `toml:"boost"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Ngrok    NgrokConfig    `toml:"ngrok"`
}

// ConsoleConfig contains session-level behaviour
type ConsoleConfig struct {
	SettingsFile       string   `toml:"settings_file"`
	ResyncOffsetMs     int      `toml:"resync_offset_ms"`
	DefaultFadeSeconds float64  `toml:"default_fade_seconds"`
	SupportedFormats   []string `toml:"supported_formats"`
	WatchSources       bool     `toml:"watch_sources"`
}

// PlaybackConfig selects and tunes the audio backend
type PlaybackConfig struct {
	Backend        string   `toml:"backend"`
	SampleRate     int      `toml:"sample_rate"`
	BufferMs       int      `toml:"buffer_ms"`
	VirtualDevices []string `toml:"virtual_devices"`
}

// BoostConfig contains gain boost configuration
type BoostConfig struct {
	Enabled    bool    `toml:"enabled"`
	FFmpegPath string  `toml:"ffmpeg_path"`
	GainDB     float64 `toml:"gain_db"`
	TempDir    string  `toml:"temp_dir"`
}

// ServerConfig contains remote-control server configuration
type ServerConfig struct {
	Enabled     bool   `toml:"enabled"`
	Port        string `toml:"port"`
	Host        string `toml:"host"`
	EnableCORS  bool   `toml:"enable_cors"`
	ReadTimeout int    `toml:"read_timeout_seconds"`
}

// AuthConfig holds the operator credential for the remote-control server
type AuthConfig struct {
	Enabled         bool   `toml:"enabled"`
	Username        string `toml:"username"`
	Password        string `toml:"password,omitempty"` // hashed into password_hash on load
	PasswordHash    string `toml:"password_hash"`
	SessionDuration string `toml:"session_duration"`
	SecureCookies   bool   `toml:"secure_cookies"`
}

// DatabaseConfig contains database-related configuration
type DatabaseConfig struct {
	Path           string `toml:"path"`
	MaxConnections int    `toml:"max_connections"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level          string `toml:"level"`
	Format         string `toml:"format"`
	File           string `toml:"file"`
	RequestLogging bool   `toml:"request_logging"`
}

// NgrokConfig contains ngrok tunnel configuration
type NgrokConfig struct {
	Enabled      bool   `toml:"enabled"`
	AuthToken    string `toml:"auth_token"`
	Domain       string `toml:"domain"`
	EnableAuth   bool   `toml:"enable_auth"`
	AuthProvider string `toml:"auth_provider"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Console: ConsoleConfig{
			SettingsFile:       "bgm_config.json",
			ResyncOffsetMs:     500,
			DefaultFadeSeconds: 1.0,
			SupportedFormats:   []string{".mp3", ".wav", ".ogg", ".flac", ".m4a"},
			WatchSources:       true,
		},
		Playback: PlaybackConfig{
			Backend:        "speaker",
			SampleRate:     44100,
			BufferMs:       100,
			VirtualDevices: []string{"Rehearsal Output"},
		},
		Boost: BoostConfig{
			Enabled:    true,
			FFmpegPath: "",
			GainDB:     6.0,
			TempDir:    "",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        "8080",
			Host:        "127.0.0.1",
			EnableCORS:  true,
			ReadTimeout: 30,
		},
		Auth: AuthConfig{
			Enabled:         false,
			Username:        "operator",
			SessionDuration: "12h",
			SecureCookies:   false,
		},
		Database: DatabaseConfig{
			Path:           "./cuedeck.db",
			MaxConnections: 4,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			File:           "",
			RequestLogging: true,
		},
		Ngrok: NgrokConfig{
			Enabled:      false,
			AuthToken:    "",
			Domain:       "",
			EnableAuth:   false,
			AuthProvider: "google",
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create it with defaults
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
		cfg.ApplyEnv()
		return cfg, nil
	}

	// Load from file
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyEnv()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads a .env file into the process environment if it exists.
// Variables already set in the environment win.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides selected keys from CUEDECK_* environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CUEDECK_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("CUEDECK_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CUEDECK_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("CUEDECK_BACKEND"); v != "" {
		c.Playback.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("CUEDECK_FFMPEG"); v != "" {
		c.Boost.FFmpegPath = v
	}
	if v := os.Getenv("CUEDECK_SETTINGS_FILE"); v != "" {
		c.Console.SettingsFile = v
	}
	if v := os.Getenv("CUEDECK_RESYNC_OFFSET_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Console.ResyncOffsetMs = ms
		}
	}
	if v := os.Getenv("NGROK_AUTHTOKEN"); v != "" && c.Ngrok.AuthToken == "" {
		c.Ngrok.AuthToken = v
	}
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Create or open file
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	// Write header comment
	header := `# cuedeck Configuration
# Background music console for live events.
# Edit the values below to customize playback, boost and the remote control.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	// Encode configuration to TOML
	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate console config
	if c.Console.SettingsFile == "" {
		return fmt.Errorf("settings file cannot be empty")
	}
	if c.Console.ResyncOffsetMs < 0 {
		return fmt.Errorf("resync offset cannot be negative")
	}
	if c.Console.DefaultFadeSeconds < 0.1 || c.Console.DefaultFadeSeconds > 10 {
		return fmt.Errorf("default fade must be between 0.1 and 10 seconds")
	}
	if len(c.Console.SupportedFormats) == 0 {
		return fmt.Errorf("at least one supported audio format must be specified")
	}

	// Validate playback config
	switch c.Playback.Backend {
	case "speaker", "virtual":
	default:
		return fmt.Errorf("invalid playback backend: %s (must be speaker or virtual)", c.Playback.Backend)
	}
	if c.Playback.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	if c.Playback.BufferMs <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}

	// Validate boost config
	if c.Boost.GainDB <= 0 || c.Boost.GainDB > 24 {
		return fmt.Errorf("boost gain must be between 0 and 24 dB")
	}

	// Validate server config
	if c.Server.Enabled {
		if c.Server.Port == "" {
			return fmt.Errorf("server port cannot be empty")
		}
		if c.Server.Host == "" {
			return fmt.Errorf("server host cannot be empty")
		}
		if c.Server.ReadTimeout < 0 {
			return fmt.Errorf("server read timeout must be positive")
		}
	}

	if c.Auth.Enabled {
		if c.Auth.Username == "" {
			return fmt.Errorf("auth username cannot be empty")
		}
		if _, err := time.ParseDuration(c.Auth.SessionDuration); err != nil {
			return fmt.Errorf("invalid auth session duration: %w", err)
		}
	}

	// Validate database config
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}

	// Validate logging config
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// IsFormatSupported checks if an audio file extension is supported
func (c *Config) IsFormatSupported(format string) bool {
	format = strings.ToLower(format)
	for _, supported := range c.Console.SupportedFormats {
		if strings.ToLower(supported) == format {
			return true
		}
	}
	return false
}
