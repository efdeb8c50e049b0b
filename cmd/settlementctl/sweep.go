package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quattrex/settlement-service/internal/app"
	"github.com/quattrex/settlement-service/internal/config"
	"github.com/quattrex/settlement-service/internal/store"
	"github.com/quattrex/settlement-service/pkg/rabbitmq"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the settlement schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(".")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := store.NewPool(ctx, cfg.DatabaseURL, 2)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := store.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	var timeout time.Duration
	var publish bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one payout sweeper tick and print its report",
		Long: `Runs the reclaim, expire, push and backlog passes once against DATABASE_URL.
Events and pushes are only published with --publish; otherwise they are logged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			cfg, err := config.LoadConfig(".")
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pool, err := store.NewPool(ctx, cfg.DatabaseURL, 4)
			if err != nil {
				return err
			}
			defer pool.Close()

			var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
			if publish && cfg.RabbitMQURL != "" {
				producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange, logger)
				if err != nil {
					return fmt.Errorf("connect to RabbitMQ: %w", err)
				}
				defer producer.Close()
				publisher = producer
			}

			engine, err := app.NewPayoutEngine(store.NewPostgresRepository(pool), app.NewEventBus(publisher), cfg, logger)
			if err != nil {
				return err
			}
			report := engine.Sweeper.Tick(ctx, time.Now().UTC())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if len(report.PassErrors) > 0 {
				return fmt.Errorf("%d sweep pass(es) failed", len(report.PassErrors))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Deadline for the whole tick")
	cmd.Flags().BoolVar(&publish, "publish", false, "Publish events and pushes to RABBITMQ_URL")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print payout counts since midnight UTC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(".")
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := store.NewPool(ctx, cfg.DatabaseURL, 2)
			if err != nil {
				return err
			}
			defer pool.Close()

			now := time.Now().UTC()
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			stats, err := store.NewPostgresRepository(pool).PayoutStats(ctx, midnight)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}
