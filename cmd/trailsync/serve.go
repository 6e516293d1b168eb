package main

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/albachteng/trailsync/internal/api"
	"github.com/albachteng/trailsync/internal/shutdown"
	"github.com/albachteng/trailsync/internal/worker"
)

type roles struct {
	workers   bool
	scheduler bool
	http      bool
}

func newServeCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the worker pool and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), roles{workers: true, scheduler: true, http: true})
		},
	}
}

func newWorkerCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Drain the job queue with the worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), roles{workers: true})
		},
	}
}

func newSchedulerCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Dispatch due scheduled jobs into the job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), roles{scheduler: true})
		},
	}
}

// run starts the requested roles and blocks until SIGINT or SIGTERM.
func (c *cli) run(parent context.Context, r roles) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cfg, logger := c.cfg, c.logger
	mgr := shutdown.NewManager(shutdown.DefaultTimeout, logger)

	q, err := openQueue(cfg.Queue)
	if err != nil {
		return err
	}
	mgr.Register("queue", func(context.Context) error { return q.Close() })

	store, err := openEvents(ctx, cfg.Database)
	if err != nil {
		mgr.Shutdown()
		return err
	}
	mgr.Register("event-store", func(context.Context) error { return store.Close() })

	registry, err := newRegistry(taskDeps(cfg, store, logger))
	if err != nil {
		mgr.Shutdown()
		return err
	}

	server := api.NewServer(q, registry, nil, store, logger)
	server.Checks["event-store"] = store

	if r.scheduler || r.http {
		pending, client, err := pendingStore(ctx, cfg.Cache)
		if err != nil {
			mgr.Shutdown()
			return err
		}
		if client != nil {
			mgr.Register("redis", func(context.Context) error { return client.Close() })
			server.Checks["redis"] = redisPinger{client}
		}

		scheduler, err := newScheduler(cfg, pending, q, logger)
		if err != nil {
			mgr.Shutdown()
			return err
		}
		server.Scheduler = scheduler

		if r.scheduler {
			if err := registerSchedules(ctx, scheduler, cfg.Schedules, logger); err != nil {
				mgr.Shutdown()
				return err
			}
			done := make(chan struct{})
			go func() {
				defer close(done)
				scheduler.Run(ctx, cfg.Scheduler.PollInterval)
			}()
			mgr.Register("scheduler", func(hookCtx context.Context) error {
				cancel()
				select {
				case <-done:
					return nil
				case <-hookCtx.Done():
					return hookCtx.Err()
				}
			})
		}
	}

	if r.workers {
		dispatcher := worker.NewDispatcher(q, registry, dispatcherOptions(cfg.Queue), logger)
		if err := dispatcher.Start(ctx); err != nil {
			mgr.Shutdown()
			return err
		}
		mgr.Register("dispatcher", func(context.Context) error {
			cancel()
			dispatcher.Stop()
			return nil
		})
	}

	if r.http {
		httpServer := api.NewHTTPServer(cfg.HTTP.Addr, server.Routes())
		go func() {
			logger.Info("http server starting", "addr", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", "error", err)
				cancel()
			}
		}()
		mgr.Register("http", httpServer.Shutdown)
	}

	return mgr.WaitForSignal(ctx)
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
