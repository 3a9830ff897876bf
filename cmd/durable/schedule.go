package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/durable/internal/clock"
	"github.com/rendis/durable/internal/scheduler"
	"github.com/rendis/durable/internal/store"
)

func newScheduleCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-triggered executions",
		Long: `Manage cron-triggered executions. Jobs are started by "durable serve";
expressions use five fields or descriptors such as @hourly.`,
	}
	cmd.AddCommand(newScheduleAddCommand(opts), newScheduleListCommand(opts))
	return cmd
}

func newScheduleAddCommand(opts *rootOptions) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:     "add <handler> <cron>",
		Short:   "Schedule a handler",
		Example: `  durable schedule add greet '*/5 * * * *' --input '{"name":"cron"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := jsonArg("input", input)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, rt *app) error {
				if err := rt.host.Registry().Validate(args[0], raw); err != nil {
					return err
				}
				sched := scheduler.NewScheduler(rt.store, rt.host, clock.System(), rt.logger)
				job, err := sched.Schedule(ctx, args[0], args[1], raw)
				if err != nil {
					return err
				}
				p := opts.printer(cmd)
				if p.format == formatJSON {
					return p.json(job)
				}
				fmt.Fprintf(p.w, "job %s scheduled, next run %s\n", job.ID, job.NextRunAt.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "handler input as JSON")
	return cmd
}

func newScheduleListCommand(opts *rootOptions) *cobra.Command {
	var handler string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, rt *app) error {
				jobs, err := rt.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{HandlerName: handler})
				if err != nil {
					return err
				}
				p := opts.printer(cmd)
				if p.format == formatJSON {
					return p.json(jobs)
				}
				tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tHANDLER\tCRON\tENABLED\tNEXT RUN\tLAST STATUS")
				for _, j := range jobs {
					next := "-"
					if j.NextRunAt != nil {
						next = j.NextRunAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
						j.ID, j.HandlerName, j.CronExpression, j.Enabled, next, j.LastRunStatus)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&handler, "handler", "", "only jobs of this handler")
	return cmd
}
