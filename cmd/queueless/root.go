package main

import (
	"sync"

	"queueless/internal/config"
	"queueless/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type commandContext struct {
	once   sync.Once
	config config.Config
	logger *logrus.Logger
	err    error
}

func (c *commandContext) ensure() (config.Config, *logrus.Logger, error) {
	c.once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.err = err
			return
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			c.err = err
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.logger, c.err
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "queueless",
		Short:         "Walk-up queue service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd == cmd.Root() || cmd.Name() == "help" {
				return nil
			}
			_, _, err := ctx.ensure()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newPurgeCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	return rootCmd
}
