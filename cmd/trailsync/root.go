package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/albachteng/trailsync/internal/config"
	"github.com/albachteng/trailsync/internal/logging"
)

// cli carries state shared by every subcommand once PersistentPreRunE has run.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "trailsync",
		Short: "Sync Aliyun ActionTrail audit events through a scheduled job queue",
		Long: `trailsync pulls ActionTrail events on a schedule, stores each event once,
and runs the sync through a persistent job queue with a worker pool.

  trailsync serve                     # scheduler, workers and HTTP in one process
  trailsync worker                    # workers only
  trailsync scheduler                 # scheduler only
  trailsync sync                      # one sync of the default window, in-process
  trailsync initdb --recreate         # drop and recreate the event table`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.logCloser != nil {
				return c.logCloser.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "YAML config file")

	root.AddCommand(newServeCommand(c))
	root.AddCommand(newWorkerCommand(c))
	root.AddCommand(newSchedulerCommand(c))
	root.AddCommand(newSyncCommand(c))
	root.AddCommand(newInitDBCommand(c))
	root.AddCommand(newEnqueueCommand(c))
	root.AddCommand(newStatusCommand(c))

	return root
}

func (c *cli) init() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.File = cfg.Log.File
	logCfg.JSON = cfg.Log.JSON
	logger, closer, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	c.cfg = cfg
	c.logger = logger
	c.logCloser = closer
	return nil
}
