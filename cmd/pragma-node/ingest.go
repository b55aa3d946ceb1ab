package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/astraly-labs/pragma-node/internal/bus"
	"github.com/astraly-labs/pragma-node/internal/config"
	"github.com/astraly-labs/pragma-node/internal/store"
	"github.com/astraly-labs/pragma-node/internal/telemetry"
)

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run the bus consumer that persists observations",
		RunE: func(cmd *cobra.Command, args []string) error {
			runIngest()
			return nil
		},
	}
}

func runIngest() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfigError)
	}
	log := telemetry.NewLogger(cfg.Mode)
	log.Info().Any("config", cfg.Redact()).Msg("starting pragma-node ingestor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("store unavailable at startup")
		os.Exit(exitStoreError)
	}
	defer st.Close()

	consumer, err := bus.NewConsumer(cfg, st, log)
	if err != nil {
		log.Error().Err(err).Msg("bus consumer unavailable at startup")
		os.Exit(exitStoreError)
	}
	defer consumer.Close()

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("consumer failed")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
	os.Exit(exitOK)
}
