package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.estay/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// APIBaseURL is the REST endpoint root, e.g. "http://10.0.2.2:5000".
	APIBaseURL string `toml:"api_base_url"`
	// RealtimeURL is the websocket endpoint, e.g. "ws://10.0.2.2:5000/ws".
	RealtimeURL string `toml:"realtime_url"`

	// UserID is the identity used for the join handshake.
	UserID string `toml:"user_id"`
	// Username is the local account name messages are attributed to.
	Username string `toml:"username"`
	// Token is the bearer token passed through to the REST endpoints.
	Token string `toml:"token"`

	Realtime RealtimeConfig `toml:"realtime"`
}

// RealtimeConfig holds the connection retry tuning. The values were fixed
// constants in earlier clients; they are configurable here.
type RealtimeConfig struct {
	// HealthCheckInterval is how often a dropped connection is re-attempted.
	HealthCheckInterval Duration `toml:"health_check_interval"`
	// DialTimeout bounds a single transport dial.
	DialTimeout Duration `toml:"dial_timeout"`
	// ReconnectDelay is the fixed pause between dial attempts within one
	// connect call.
	ReconnectDelay Duration `toml:"reconnect_delay"`
	// MaxDialAttempts caps dial attempts per connect call before the health
	// check takes over.
	MaxDialAttempts int `toml:"max_dial_attempts"`
}

// Duration is a time.Duration that round-trips through TOML as a string
// like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a config with the retry tuning the original client used.
func Default() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			HealthCheckInterval: Duration{5 * time.Second},
			DialTimeout:         Duration{10 * time.Second},
			ReconnectDelay:      Duration{time.Second},
			MaxDialAttempts:     5,
		},
	}
}

// Load reads config from the given path, filling unset retry tuning with
// defaults. Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) validate() error {
	if c.Realtime.HealthCheckInterval.Duration <= 0 {
		return fmt.Errorf("health_check_interval must be positive")
	}
	if c.Realtime.MaxDialAttempts <= 0 {
		return fmt.Errorf("max_dial_attempts must be positive")
	}
	return nil
}
