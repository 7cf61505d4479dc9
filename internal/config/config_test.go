package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartrack/internal/log"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, CacheBackendRedis, cfg.Cache.Backend)
	assert.Equal(t, 1024, cfg.Broadcast.QueueSize)
	assert.Equal(t, 4, cfg.Broadcast.Workers)
	assert.Equal(t, 2*time.Second, cfg.Broadcast.PublishTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Tracking.ActiveWindow)
	assert.Zero(t, cfg.Tracking.LatestTTL)
	assert.False(t, cfg.Tracking.RangeIncludeDurable)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CARTRACK_HTTP_ADDR", ":9999")
	t.Setenv("CARTRACK_CACHE_BACKEND", "memory")
	t.Setenv("CARTRACK_TRACKING_LATEST_TTL", "90s")
	t.Setenv("CARTRACK_BROADCAST_WORKERS", "8")
	t.Setenv("CARTRACK_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	assert.Equal(t, 90*time.Second, cfg.Tracking.LatestTTL)
	assert.Equal(t, 8, cfg.Broadcast.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "cartrack.yaml")
	content := `
mqtt:
  broker_url: mqtt://broker:1883
  qos: 1
  topic_root: fleet
tracking:
  active_window: 2m
  range_include_durable: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mqtt://broker:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, "fleet", cfg.MQTT.TopicRoot)
	assert.Equal(t, 2*time.Minute, cfg.Tracking.ActiveWindow)
	assert.True(t, cfg.Tracking.RangeIncludeDurable)
}

func TestLoadWithFlags_FlagWins(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CARTRACK_LOG_LEVEL", "debug")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.NewOptions().AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log.level=warn", "--log.format=json"}))

	cfg, err := LoadWithFlags("", fs)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"stdout"}, cfg.Log.OutputPaths)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		var c Config
		c.Cache.Backend = CacheBackendRedis
		c.Broadcast.QueueSize = 10
		c.Broadcast.Workers = 1
		c.Tracking.ActiveWindow = time.Minute
		c.Log.Format = "json"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Cache.Backend = "etcd" }, wantErr: true},
		{name: "zero queue", mutate: func(c *Config) { c.Broadcast.QueueSize = 0 }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.Broadcast.Workers = 0 }, wantErr: true},
		{name: "bad qos", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: true},
		{name: "zero window", mutate: func(c *Config) { c.Tracking.ActiveWindow = 0 }, wantErr: true},
		{name: "negative ttl", mutate: func(c *Config) { c.Tracking.LatestTTL = -time.Second }, wantErr: true},
		{name: "archive without dsn", mutate: func(c *Config) { c.Tracking.ArchiveSamples = true }, wantErr: true},
		{name: "archive with dsn", mutate: func(c *Config) {
			c.Tracking.ArchiveSamples = true
			c.DB.DSN = "postgres://localhost/cartrack"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
