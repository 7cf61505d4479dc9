// README: Entry point; loads config, wires cache, archive and broadcast, then serves HTTP until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"cartrack/internal/broadcast"
	"cartrack/internal/config"
	httptransport "cartrack/internal/http"
	"cartrack/internal/http/handlers"
	"cartrack/internal/infra"
	"cartrack/internal/log"
	"cartrack/internal/maps"
	"cartrack/internal/metrics"
	"cartrack/internal/modules/tracking"
	"cartrack/internal/modules/trip"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "cartrack-api",
		Short:        "Vehicle telemetry ingest and tracking API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFlags(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			log.Init(&cfg.Log)
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a config file (yaml, json or toml)")
	log.NewOptions().AddFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	gin.SetMode(gin.ReleaseMode)

	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)

	cache, tripStore, closeCache, err := newCaches(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	transport, err := newTransport(ctx, cfg.MQTT)
	if err != nil {
		return err
	}
	if mt, ok := transport.(*broadcast.MQTTTransport); ok {
		defer closeMQTT(mt, cfg.HTTP.ShutdownTimeout)
		awaitMQTT(ctx, mt, cfg.MQTT.ConnectTimeout)
	}
	dispatcher := broadcast.NewDispatcher(transport, broadcast.Options{
		QueueSize:      cfg.Broadcast.QueueSize,
		Workers:        cfg.Broadcast.Workers,
		PublishTimeout: cfg.Broadcast.PublishTimeout,
	}, m)

	opts := []tracking.Option{
		tracking.WithActiveWindow(cfg.Tracking.ActiveWindow),
		tracking.WithMetrics(m),
	}
	var (
		durable tracking.DurableStore
		writer  *tracking.ArchiveWriter
	)
	if cfg.DB.DSN != "" {
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		archive := tracking.NewArchive(pool)
		durable = archive
		if cfg.Tracking.ArchiveSamples {
			writer = tracking.NewArchiveWriter(archive, cfg.Tracking.ArchiveQueueSize, m)
			opts = append(opts, tracking.WithArchive(writer))
		}
		if cfg.Tracking.RangeIncludeDurable {
			opts = append(opts, tracking.WithRangeStore(archive))
		}
	} else {
		log.Warn("no database configured, cache misses will not fall back")
	}

	trackingSvc := tracking.NewService(cache, durable, dispatcher, opts...)
	tripSvc := trip.NewService(tripStore, trackingSvc, dispatcher)

	var geocoder handlers.Geocoder
	if cfg.Maps.APIKey != "" {
		gs, err := maps.NewGeocodeService(cfg.Maps.APIKey, cfg.Maps.Language)
		if err != nil {
			return err
		}
		geocoder = gs
	}

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Tracking: trackingSvc,
		Trip:     tripSvc,
		Geocoder: geocoder,
		Gatherer: reg,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	if writer != nil {
		g.Go(func() error { return writer.RunArchiveWriter(gctx) })
	}
	g.Go(func() error { return server.Run(gctx) })

	log.Info("cartrack api started",
		"addr", cfg.HTTP.Addr,
		"cache", cfg.Cache.Backend,
		"durable", durable != nil,
		"mqtt", cfg.MQTT.BrokerURL != "",
	)
	return g.Wait()
}

// newCaches returns the tracking cache and the trip store for the configured
// backend, plus a func that releases the backend's connections.
func newCaches(ctx context.Context, cfg config.Config) (tracking.Cache, trip.Store, func(), error) {
	if cfg.Cache.Backend == config.CacheBackendMemory {
		log.Warn("using in-process cache, state is lost on restart")
		return tracking.NewMemoryCache(cfg.Tracking.LatestTTL), trip.NewMemoryStore(), func() {}, nil
	}
	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, nil, err
	}
	closeRedis := func() {
		if err := rdb.Close(); err != nil {
			log.Warn("redis close failed", "error", err)
		}
	}
	return tracking.NewStore(rdb, cfg.Tracking.LatestTTL), trip.NewRedisStore(rdb), closeRedis, nil
}

func newTransport(ctx context.Context, cfg config.MQTTConfig) (broadcast.Transport, error) {
	if cfg.BrokerURL == "" {
		log.Info("no MQTT broker configured, broadcasts are logged only")
		return broadcast.LogTransport{}, nil
	}
	// The connection outlives ctx so closeMQTT can disconnect cleanly.
	t, err := broadcast.NewMQTTTransport(context.WithoutCancel(ctx), broadcast.MQTTConfig{
		BrokerURL:      cfg.BrokerURL,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		QoS:            byte(cfg.QoS),
		TopicRoot:      cfg.TopicRoot,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func closeMQTT(t *broadcast.MQTTTransport, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := t.Close(ctx); err != nil {
		log.Warn("mqtt disconnect failed", "err", err.Error())
	}
}

// awaitMQTT waits briefly for the first connection. Startup continues either
// way; autopaho keeps retrying in the background.
func awaitMQTT(ctx context.Context, t *broadcast.MQTTTransport, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := t.AwaitConnection(ctx); err != nil {
		log.Warn("mqtt broker not reachable yet, broadcasts will fail until it is", "err", err.Error())
	}
}
