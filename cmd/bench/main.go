// README: Benchmark runner for the tracking API; executes HTTP/DB/Redis checks and prints results.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "bench:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL        string        `mapstructure:"base-url"`
	DSN            string        `mapstructure:"dsn"`
	RedisAddr      string        `mapstructure:"redis"`
	MigrationPath  string        `mapstructure:"migration"`
	ApplyMigration bool          `mapstructure:"apply-migration"`
	Strict         bool          `mapstructure:"strict"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Concurrency    int           `mapstructure:"concurrency"`
	Duration       time.Duration `mapstructure:"duration"`
	Vehicles       int           `mapstructure:"vehicles"`
	// Prefix namespaces the vehicle ids this run writes.
	Prefix string `mapstructure:"prefix"`
}

const envPrefix = "CARTRACK_BENCH"

// loadConfig resolves flags over CARTRACK_BENCH_* environment variables over
// defaults. The DSN and Redis address also fall back to the server's
// CARTRACK_DB_DSN and CARTRACK_REDIS_ADDR.
func loadConfig(args []string) (Config, error) {
	fs := pflag.NewFlagSet("bench", pflag.ContinueOnError)
	fs.String("base-url", "http://localhost:8080", "API base URL")
	fs.String("dsn", "", "Postgres DSN (empty skips DB checks)")
	fs.String("redis", "localhost:6379", "Redis address (empty skips Redis checks)")
	fs.String("migration", "migrations/0001_init.sql", "Migration SQL path")
	fs.Bool("apply-migration", false, "Apply migration SQL before tests")
	fs.Bool("strict", false, "Fail on skipped tests")
	fs.Duration("timeout", 60*time.Second, "Total timeout")
	fs.Int("concurrency", 20, "Concurrency for perf tests")
	fs.Duration("duration", 10*time.Second, "Duration for perf tests")
	fs.Int("vehicles", 50, "Distinct vehicles used by perf tests")
	fs.String("prefix", fmt.Sprintf("bench-%d", time.Now().Unix()), "Vehicle id prefix")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	if err := v.BindEnv("dsn", envPrefix+"_DSN", "CARTRACK_DB_DSN"); err != nil {
		return Config{}, fmt.Errorf("bind dsn env: %w", err)
	}
	if err := v.BindEnv("redis", envPrefix+"_REDIS", "CARTRACK_REDIS_ADDR"); err != nil {
		return Config{}, fmt.Errorf("bind redis env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode bench config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base-url is required")
	}
	if c.Timeout <= 0 || c.Duration <= 0 {
		return errors.New("timeout and duration must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.Vehicles <= 0 {
		return fmt.Errorf("vehicles must be positive, got %d", c.Vehicles)
	}
	return nil
}
