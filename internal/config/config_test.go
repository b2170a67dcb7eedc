package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "epg.db", cfg.Database.Path)
	assert.Equal(t, "./channels.conf", cfg.Channels.ConfPath)
	assert.Equal(t, "/dev/dvb", cfg.Tuner.AdapterDir)
	assert.Equal(t, 5, cfg.Tuner.AcquireRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Tuner.AcquireRetryDelay)
	assert.Equal(t, "dvbv5-zap", cfg.Capture.Binary)
	assert.Equal(t, "ffmpeg", cfg.FFmpeg.Binary)
	assert.Equal(t, "/tmp/zaplink_hls", cfg.HLS.Root)
	assert.Equal(t, 32, cfg.HLS.MaxSessions)
	assert.Equal(t, 30*time.Second, cfg.HLS.SessionTimeout)
	assert.Equal(t, 10*time.Second, cfg.HLS.PlaylistWait)
	assert.True(t, cfg.Guide.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Guide.CycleInterval)
	assert.Equal(t, 15, cfg.Guide.ScanSeconds)
	assert.Equal(t, 2*time.Second, cfg.Guide.MuxSettle)
	assert.True(t, cfg.MDNS.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"empty hls root", func(c *Config) { c.HLS.Root = "" }},
		{"zero sessions", func(c *Config) { c.HLS.MaxSessions = 0 }},
		{"zero scan seconds", func(c *Config) { c.Guide.ScanSeconds = 0 }},
		{"negative retries", func(c *Config) { c.Tuner.AcquireRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ZAPLINK_SERVER_PORT", "8123")
	t.Setenv("ZAPLINK_CAPTURE_BINARY", "/usr/local/bin/dvbv5-zap")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, "/usr/local/bin/dvbv5-zap", cfg.Capture.Binary)
}
