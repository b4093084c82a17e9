package main

import (
	"fmt"

	"queueless/internal/retention"
	"queueless/internal/store/postgres"
	"queueless/internal/sweeper"

	"github.com/spf13/cobra"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale entries once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			b, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.close()

			svc := newService(b, nil, logger)
			expired, err := sweeper.New(svc, sweeper.Config{Timeout: cfg.SweepTimeout()}, logger).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d entries\n", expired)
			return nil
		},
	}
}

func newPurgeCommand(ctx *commandContext) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete queue history older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = cfg.HistoryRetentionDays
			}
			b, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.close()

			svc := newService(b, nil, logger)
			removed, err := retention.NewJob(svc, retention.Config{Days: days}, logger).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d history entries\n", removed)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Days of history to keep (defaults to HISTORY_RETENTION_DAYS)")
	return cmd
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			b, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer b.close()

			if b.pool == nil {
				logger.Info("sqlite schema is applied on open")
				return nil
			}
			applied, err := postgres.Migrate(cmd.Context(), b.pool)
			if err != nil {
				return err
			}
			for _, name := range applied {
				logger.WithField("migration", name).Info("applied")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", len(applied))
			return nil
		},
	}
}
