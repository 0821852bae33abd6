package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.Console.ResyncOffsetMs != 500 || cfg.Console.DefaultFadeSeconds != 1.0 {
		t.Errorf("console defaults = %+v", cfg.Console)
	}

	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reloading written defaults: %v", err)
	}
	if again.Boost.GainDB != 6.0 || again.Playback.Backend != "speaker" {
		t.Errorf("reloaded config = %+v", again)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[console]
settings_file = "show.json"
resync_offset_ms = 250

[playback]
backend = "virtual"
virtual_devices = ["Main PA", "Monitor"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CUEDECK_PORT", "9999")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Console.SettingsFile != "show.json" || cfg.Console.ResyncOffsetMs != 250 {
		t.Errorf("console = %+v", cfg.Console)
	}
	if cfg.Playback.Backend != "virtual" || len(cfg.Playback.VirtualDevices) != 2 {
		t.Errorf("playback = %+v", cfg.Playback)
	}
	if cfg.Server.Port != "9999" {
		t.Errorf("env override port = %s, want 9999", cfg.Server.Port)
	}
	if cfg.Console.DefaultFadeSeconds != 1.0 {
		t.Errorf("untouched key lost its default: %v", cfg.Console.DefaultFadeSeconds)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad backend", func(c *Config) { c.Playback.Backend = "alsa" }, true},
		{"fade too long", func(c *Config) { c.Console.DefaultFadeSeconds = 30 }, true},
		{"negative resync", func(c *Config) { c.Console.ResyncOffsetMs = -1 }, true},
		{"zero gain", func(c *Config) { c.Boost.GainDB = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"server disabled skips port", func(c *Config) { c.Server.Enabled = false; c.Server.Port = "" }, false},
		{"auth without user", func(c *Config) { c.Auth.Enabled = true; c.Auth.Username = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsFormatSupported(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.IsFormatSupported(".WAV") {
		t.Error(".WAV should be supported")
	}
	if cfg.IsFormatSupported(".txt") {
		t.Error(".txt should not be supported")
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing .env error = %v, want nil", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CUEDECK_TEST_VALUE=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CUEDECK_TEST_VALUE", "")
	os.Unsetenv("CUEDECK_TEST_VALUE")
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	if got := os.Getenv("CUEDECK_TEST_VALUE"); got != "from-file" {
		t.Errorf("CUEDECK_TEST_VALUE = %q, want from-file", got)
	}
}
