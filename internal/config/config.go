// Package config provides configuration management for zaplink using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 5000
	defaultReadTimeout     = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultTunerAcquireRetries = 5
	defaultTunerAcquireDelay   = 500 * time.Millisecond

	defaultHLSMaxSessions   = 32
	defaultHLSTimeout       = 30 * time.Second
	defaultHLSHousekeep     = 5 * time.Second
	defaultHLSPlaylistWait  = 10 * time.Second
	defaultGuideStartDelay  = 5 * time.Second
	defaultGuideCycle       = 15 * time.Minute
	defaultGuideScanSeconds = 15
	defaultGuideMuxSettle   = 2 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Channels ChannelsConfig `mapstructure:"channels"`
	Tuner    TunerConfig    `mapstructure:"tuner"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	HLS      HLSConfig      `mapstructure:"hls"`
	Guide    GuideConfig    `mapstructure:"guide"`
	MDNS     MDNSConfig     `mapstructure:"mdns"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds guide catalog database configuration.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	LogLevel string `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ChannelsConfig holds the channel catalog configuration.
type ChannelsConfig struct {
	// ConfPath is the dvbv5-format channels.conf file produced by a scan.
	ConfPath string `mapstructure:"conf_path"`
}

// TunerConfig holds tuner pool configuration.
type TunerConfig struct {
	// AdapterDir is the directory enumerated for adapter<N> devices.
	AdapterDir string `mapstructure:"adapter_dir"`
	// AcquireRetries is how many times a streaming request retries acquisition.
	AcquireRetries int `mapstructure:"acquire_retries"`
	// AcquireRetryDelay is the wait between acquisition retries.
	AcquireRetryDelay time.Duration `mapstructure:"acquire_retry_delay"`
}

// CaptureConfig holds tuner capture tool configuration.
type CaptureConfig struct {
	// Binary is the capture tool invoked to demodulate a channel to stdout.
	Binary string `mapstructure:"binary"`
}

// FFmpegConfig holds encoder binary configuration.
type FFmpegConfig struct {
	Binary string `mapstructure:"binary"`
}

// HLSConfig holds HLS session manager configuration.
type HLSConfig struct {
	// Root is the directory holding one subdirectory per active session.
	Root string `mapstructure:"root"`
	// MaxSessions bounds the active session pool.
	MaxSessions int `mapstructure:"max_sessions"`
	// SessionTimeout is the inactivity window before a session is reclaimed.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	// HousekeepInterval is how often idle/dead sessions are swept.
	HousekeepInterval time.Duration `mapstructure:"housekeep_interval"`
	// PlaylistWait bounds how long a playlist request waits for the encoder
	// to produce index.m3u8 before returning 503.
	PlaylistWait time.Duration `mapstructure:"playlist_wait"`
}

// GuideConfig holds the background guide-scan configuration.
type GuideConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// StartupDelay postpones the first cycle so the server settles first.
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	// CycleInterval is the sleep between full scan cycles.
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	// ScanSeconds bounds each per-mux capture via the capture tool's -t flag.
	ScanSeconds int `mapstructure:"scan_seconds"`
	// MuxSettle is the pause between muxes to let hardware settle.
	MuxSettle time.Duration `mapstructure:"mux_settle"`
	// SkipInitialIfFresh skips the first cycle when the catalog already
	// holds upcoming programs.
	SkipInitialIfFresh bool `mapstructure:"skip_initial_if_fresh"`
}

// MDNSConfig holds mDNS advertisement configuration.
type MDNSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

// SetDefaults sets default configuration values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultReadTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("database.path", "epg.db")
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)

	v.SetDefault("channels.conf_path", "./channels.conf")

	v.SetDefault("tuner.adapter_dir", "/dev/dvb")
	v.SetDefault("tuner.acquire_retries", defaultTunerAcquireRetries)
	v.SetDefault("tuner.acquire_retry_delay", defaultTunerAcquireDelay)

	v.SetDefault("capture.binary", "dvbv5-zap")
	v.SetDefault("ffmpeg.binary", "ffmpeg")

	v.SetDefault("hls.root", "/tmp/zaplink_hls")
	v.SetDefault("hls.max_sessions", defaultHLSMaxSessions)
	v.SetDefault("hls.session_timeout", defaultHLSTimeout)
	v.SetDefault("hls.housekeep_interval", defaultHLSHousekeep)
	v.SetDefault("hls.playlist_wait", defaultHLSPlaylistWait)

	v.SetDefault("guide.enabled", true)
	v.SetDefault("guide.startup_delay", defaultGuideStartDelay)
	v.SetDefault("guide.cycle_interval", defaultGuideCycle)
	v.SetDefault("guide.scan_seconds", defaultGuideScanSeconds)
	v.SetDefault("guide.mux_settle", defaultGuideMuxSettle)
	v.SetDefault("guide.skip_initial_if_fresh", true)

	v.SetDefault("mdns.enabled", true)
	v.SetDefault("mdns.name", "zaplink")
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with ZAPLINK_, using underscores for nesting.
// Example: ZAPLINK_SERVER_PORT=5000.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/zaplink")
		v.AddConfigPath("$HOME/.zaplink")
	}

	v.SetEnvPrefix("ZAPLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a Config from an already-populated
// viper instance, e.g. the global one the CLI layer prepared.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database path must not be empty")
	}
	if c.HLS.Root == "" {
		return errors.New("hls root must not be empty")
	}
	if c.HLS.MaxSessions < 1 {
		return fmt.Errorf("hls max_sessions must be positive, got %d", c.HLS.MaxSessions)
	}
	if c.Guide.ScanSeconds < 1 {
		return fmt.Errorf("guide scan_seconds must be positive, got %d", c.Guide.ScanSeconds)
	}
	if c.Tuner.AcquireRetries < 0 {
		return fmt.Errorf("tuner acquire_retries must not be negative, got %d", c.Tuner.AcquireRetries)
	}
	return nil
}
