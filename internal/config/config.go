// README: Config loader; defaults, optional YAML file, .env and CARTRACK_* env overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cartrack/internal/log"
)

const envPrefix = "CARTRACK"

const (
	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
)

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DBConfig struct {
	// DSN may be empty; the service then runs without a durable store.
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type CacheConfig struct {
	Backend string `mapstructure:"backend"`
}

type MQTTConfig struct {
	// BrokerURL empty selects the log-only transport.
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	TopicRoot      string        `mapstructure:"topic_root"`
	KeepAlive      uint16        `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type BroadcastConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	Workers        int           `mapstructure:"workers"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

type TrackingConfig struct {
	LatestTTL           time.Duration `mapstructure:"latest_ttl"`
	ActiveWindow        time.Duration `mapstructure:"active_window"`
	ArchiveSamples      bool          `mapstructure:"archive_samples"`
	ArchiveQueueSize    int           `mapstructure:"archive_queue_size"`
	RangeIncludeDurable bool          `mapstructure:"range_include_durable"`
}

type MapsConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Language string `mapstructure:"language"`
}

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Cache     CacheConfig     `mapstructure:"cache"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Maps      MapsConfig      `mapstructure:"maps"`
	Log       log.Options     `mapstructure:"log"`
}

// Load builds the config from defaults, then configFile (when non-empty), then
// a .env file in the working directory, then CARTRACK_* environment variables.
// Nested keys map to env names with "." and "-" replaced by "_",
// e.g. tracking.latest_ttl -> CARTRACK_TRACKING_LATEST_TTL.
func Load(configFile string) (Config, error) {
	return LoadWithFlags(configFile, nil)
}

// LoadWithFlags is Load with fs bound on top; flags set on the command line
// win over every other source.
func LoadWithFlags(configFile string, fs *pflag.FlagSet) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("db.dsn", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("cache.backend", CacheBackendRedis)

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.client_id", "cartrack-api")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.topic_root", "")
	v.SetDefault("mqtt.keep_alive", 30)
	v.SetDefault("mqtt.connect_timeout", 5*time.Second)

	v.SetDefault("broadcast.queue_size", 1024)
	v.SetDefault("broadcast.workers", 4)
	v.SetDefault("broadcast.publish_timeout", 2*time.Second)

	v.SetDefault("tracking.latest_ttl", time.Duration(0))
	v.SetDefault("tracking.active_window", 5*time.Minute)
	v.SetDefault("tracking.archive_samples", false)
	v.SetDefault("tracking.archive_queue_size", 4096)
	v.SetDefault("tracking.range_include_durable", false)

	v.SetDefault("maps.api_key", "")
	v.SetDefault("maps.language", "ko")

	logOpts := log.NewOptions()
	v.SetDefault("log.name", logOpts.Name)
	v.SetDefault("log.level", logOpts.Level)
	v.SetDefault("log.format", logOpts.Format)
	v.SetDefault("log.enable-color", logOpts.EnableColor)
	v.SetDefault("log.disable-caller", logOpts.DisableCaller)
	v.SetDefault("log.caller-skip", logOpts.CallerSkip)
	v.SetDefault("log.output-paths", logOpts.OutputPaths)
}

// Validate rejects values the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Cache.Backend {
	case CacheBackendRedis, CacheBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be %q or %q, got %q", CacheBackendRedis, CacheBackendMemory, c.Cache.Backend))
	}
	if c.Broadcast.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("broadcast.queue_size must be positive, got %d", c.Broadcast.QueueSize))
	}
	if c.Broadcast.Workers <= 0 {
		errs = append(errs, fmt.Errorf("broadcast.workers must be positive, got %d", c.Broadcast.Workers))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Tracking.ActiveWindow <= 0 {
		errs = append(errs, fmt.Errorf("tracking.active_window must be positive, got %s", c.Tracking.ActiveWindow))
	}
	if c.Tracking.LatestTTL < 0 {
		errs = append(errs, fmt.Errorf("tracking.latest_ttl must not be negative, got %s", c.Tracking.LatestTTL))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be \"json\" or \"console\", got %q", c.Log.Format))
	}
	if c.Tracking.ArchiveSamples && c.DB.DSN == "" {
		errs = append(errs, errors.New("tracking.archive_samples requires db.dsn"))
	}
	return errors.Join(errs...)
}
