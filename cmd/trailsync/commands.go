package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/albachteng/trailsync/internal/actiontrail"
	"github.com/albachteng/trailsync/internal/events"
	"github.com/albachteng/trailsync/internal/jobs"
	"github.com/albachteng/trailsync/internal/queue"
	"github.com/albachteng/trailsync/internal/tasks"
	"github.com/albachteng/trailsync/internal/worker"
)

func newSyncCommand(c *cli) *cobra.Command {
	var start, end string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one ActionTrail sync in this process",
		Long: `Run one ActionTrail sync without the queue. With no window flags the
default window ending now is used; --start and --end take ` + actiontrail.TimeFormat + `.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (start == "") != (end == "") {
				return errors.Wrap(jobs.ErrConfig, "--start and --end go together")
			}
			ctx := cmd.Context()

			store, err := openEvents(ctx, c.cfg.Database)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close() //nolint:errcheck
			}()

			registry, err := newRegistry(taskDeps(c.cfg, store, c.logger))
			if err != nil {
				return err
			}

			target := jobs.Target{Module: tasks.ModuleAliyun, Function: tasks.FnSyncEvents}
			var jobArgs []any
			if start != "" {
				target.Function = tasks.FnDBEventsPut
				jobArgs = []any{start, end}
			}

			res, err := runInProcess(ctx, registry, jobs.NewJob(target, jobArgs, nil), c.cfg.Queue.DefaultTimeout)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res.View()); err != nil {
				return err
			}
			if res.Status == jobs.StatusFailed {
				return errors.Newf("sync failed: %s", res.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "window start, e.g. 2024-03-01T00:00:00Z")
	cmd.Flags().StringVar(&end, "end", "", "window end")
	return cmd
}

// runInProcess pushes job through a throwaway memory queue and one worker.
func runInProcess(ctx context.Context, registry *jobs.Registry, job *jobs.Job, timeout time.Duration) (*jobs.JobResult, error) {
	q := queue.NewMemoryQueue()
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	queued, err := q.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return worker.NewWorker(registry, q, timeout, nil).Process(ctx, queued), nil
}

func newInitDBCommand(c *cli) *cobra.Command {
	var recreate bool

	cmd := &cobra.Command{
		Use:   "initdb",
		Short: "Create the event table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := events.Open(eventsConfig(c.cfg.Database))
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close() //nolint:errcheck
			}()

			if recreate {
				c.logger.Warn("dropping event table", "driver", c.cfg.Database.Driver)
				err = store.RecreateSchema(ctx)
			} else {
				err = store.CreateSchema(ctx)
			}
			if err != nil {
				return err
			}
			c.logger.Info("event table ready", "driver", c.cfg.Database.Driver, "recreated", recreate)
			return nil
		},
	}

	cmd.Flags().BoolVar(&recreate, "recreate", false, "drop the table first; every stored event is lost")
	return cmd
}

func newEnqueueCommand(c *cli) *cobra.Command {
	var (
		kwargs  map[string]string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue <module> <function> [arg...]",
		Short: "Queue a task for the workers",
		Example: `  trailsync enqueue aliyun sync_events
  trailsync enqueue aliyun db_events_put 2024-03-01T00:00:00Z 2024-03-01T01:00:00Z`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := newRegistry(taskDeps(c.cfg, nil, c.logger))
			if err != nil {
				return err
			}
			job, err := buildJob(registry, args, kwargs)
			if err != nil {
				return err
			}
			job.Timeout = timeout
			job.ResultTTL = c.cfg.Queue.ResultTTL

			q, err := openQueue(c.cfg.Queue)
			if err != nil {
				return err
			}
			defer func() {
				_ = q.Close() //nolint:errcheck
			}()

			if err := q.Enqueue(cmd.Context(), job); err != nil {
				return err
			}
			c.logger.Info("task enqueued", "job_id", job.ID, "task", job.Target.String())
			_, err = fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return err
		},
	}

	cmd.Flags().StringToStringVar(&kwargs, "kw", nil, "keyword argument, key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "job timeout (default queue.default_timeout)")
	return cmd
}

func buildJob(registry *jobs.Registry, args []string, kwargs map[string]string) (*jobs.Job, error) {
	target := jobs.Target{Module: args[0], Function: args[1]}
	if err := registry.Validate(target); err != nil {
		return nil, err
	}

	var jobArgs []any
	for _, a := range args[2:] {
		jobArgs = append(jobArgs, a)
	}
	var jobKwargs map[string]any
	if len(kwargs) > 0 {
		jobKwargs = make(map[string]any, len(kwargs))
		for k, v := range kwargs {
			jobKwargs[k] = v
		}
	}
	return jobs.NewJob(target, jobArgs, jobKwargs), nil
}

func newStatusCommand(c *cli) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job result, or list results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(c.cfg.Queue)
			if err != nil {
				return err
			}
			defer func() {
				_ = q.Close() //nolint:errcheck
			}()

			if len(args) == 1 {
				res, err := q.GetResult(cmd.Context(), jobs.JobID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res.View())
			}

			results, err := q.ListResults(cmd.Context(), jobs.JobStatus(status))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only list results with this status")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
