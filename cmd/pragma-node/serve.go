package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astraly-labs/pragma-node/internal/admission"
	"github.com/astraly-labs/pragma-node/internal/aggregate"
	"github.com/astraly-labs/pragma-node/internal/bus"
	"github.com/astraly-labs/pragma-node/internal/config"
	httpapi "github.com/astraly-labs/pragma-node/internal/interfaces/http"
	"github.com/astraly-labs/pragma-node/internal/interfaces/http/handlers"
	"github.com/astraly-labs/pragma-node/internal/interfaces/ws"
	"github.com/astraly-labs/pragma-node/internal/merkle"
	"github.com/astraly-labs/pragma-node/internal/optioncache"
	"github.com/astraly-labs/pragma-node/internal/ratelimit"
	"github.com/astraly-labs/pragma-node/internal/registry"
	"github.com/astraly-labs/pragma-node/internal/store"
	"github.com/astraly-labs/pragma-node/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API node",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func runServe() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfigError)
	}
	log := telemetry.NewLogger(cfg.Mode)
	log.Info().Any("config", cfg.Redact()).Msg("starting pragma-node")

	// Root cancellation: one of the three process singletons. Everything
	// long-lived hangs off this context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "pragma-node")
	if err != nil {
		log.Error().Err(err).Msg("tracer init failed")
		os.Exit(exitConfigError)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	st, err := store.Open(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("store unavailable at startup")
		os.Exit(exitStoreError)
	}
	defer st.Close()

	producer, err := bus.NewProducer(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("bus producer unavailable at startup")
		os.Exit(exitStoreError)
	}
	defer producer.Close(context.Background())

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: REDIS_URL: %v\n", err)
			os.Exit(exitConfigError)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	metrics := telemetry.NewMetrics()
	reg := registry.New(st)
	engine := aggregate.NewEngine(st, 1, 3)
	pipeline := admission.New(reg, producer, cfg, log)
	sessions := admission.NewSessionTable(cfg.PublisherMaxSessions)
	limiter := ratelimit.New(cfg.RateClasses)

	merkleCache, err := merkle.NewCache(st, merkle.DefaultCapacity)
	if err != nil {
		log.Error().Err(err).Msg("merkle cache init failed")
		os.Exit(exitConfigError)
	}
	options := optioncache.New(rdb, st)

	h := &handlers.Handlers{
		Cfg:      cfg,
		Engine:   engine,
		Store:    st,
		Pipeline: pipeline,
		Merkle:   merkleCache,
		Options:  options,
		Metrics:  metrics,
		Log:      log,
	}
	if rdb != nil {
		h.RedisPing = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	h.BusPing = producer.Ping

	channels := ws.NewChannels(engine, pipeline, sessions, merkleCache, metrics, log)
	server := httpapi.NewServer(cfg, h, channels, limiter, metrics, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr()) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
	os.Exit(exitOK)
}
