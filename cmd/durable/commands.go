package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/durable/internal/engine"
	"github.com/rendis/durable/internal/harness"
	"github.com/rendis/durable/internal/query"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/pkg/schema"
)

// withApp opens an app for the duration of fn.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, rt *app) error) error {
	ctx := cmd.Context()
	rt, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func jsonArg(flag, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	if !json.Valid([]byte(value)) {
		return nil, withExitCode(exitCommandError, fmt.Errorf("--%s is not valid JSON", flag))
	}
	return json.RawMessage(value), nil
}

func newInvokeCommand(opts *rootOptions) *cobra.Command {
	var input, id string
	cmd := &cobra.Command{
		Use:   "invoke <handler>",
		Short: "Start an execution and run it until it completes or suspends",
		Example: `  durable invoke greet --input '{"name":"Ada"}'
  durable invoke approval --id order-42 --input '{"amount":120}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := jsonArg("input", input)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, rt *app) error {
				res, err := rt.host.Invoke(ctx, engine.InvokeRequest{ExecutionID: id, Handler: args[0], Input: raw})
				if err != nil {
					return err
				}
				return opts.printer(cmd).result(res)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "handler input as JSON")
	cmd.Flags().StringVar(&id, "id", "", "execution id (generated when empty)")
	return cmd
}

func newResumeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Replay an execution and continue it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, rt *app) error {
				res, err := rt.host.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.printer(cmd).result(res)
			})
		},
	}
}

func newSignalCommand(opts *rootOptions) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:     "signal <execution-id> <name>",
		Short:   "Deliver a signal to an execution",
		Example: `  durable signal order-42 approve --payload '{"approved":true}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := jsonArg("payload", payload)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, rt *app) error {
				res, err := rt.host.Signal(ctx, args[0], args[1], raw)
				if err != nil {
					return err
				}
				return opts.printer(cmd).result(res)
			})
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "signal payload as JSON")
	return cmd
}

func newCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Request cancellation of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, rt *app) error {
				res, err := rt.host.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				p := opts.printer(cmd)
				if err := p.result(res); err != nil && res.Status != schema.ExecutionStatusCancelled {
					return err
				}
				return nil
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, rt *app) error {
				exec, err := rt.host.Status(ctx, args[0])
				if err != nil {
					return err
				}
				p := opts.printer(cmd)
				if p.format == formatJSON {
					return p.json(exec)
				}
				fmt.Fprintf(p.w, "id:       %s\nhandler:  %s\nstatus:   %s\ncreated:  %s\n",
					exec.ID, exec.HandlerName, exec.Status, exec.CreatedAt.Format(time.RFC3339))
				if exec.CompletedAt != nil {
					fmt.Fprintf(p.w, "finished: %s\n", exec.CompletedAt.Format(time.RFC3339))
				}
				if len(exec.Output) > 0 {
					fmt.Fprintf(p.w, "output:   %s\n", exec.Output)
				}
				if len(exec.Error) > 0 {
					fmt.Fprintf(p.w, "error:    %s\n", exec.Error)
				}
				return nil
			})
		},
	}
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var status, handler string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.ExecutionFilter{HandlerName: handler, Limit: limit}
			if status != "" {
				s := schema.ExecutionStatus(status)
				filter.Status = &s
			}
			return opts.withApp(cmd, func(ctx context.Context, rt *app) error {
				execs, err := rt.host.List(ctx, filter)
				if err != nil {
					return err
				}
				p := opts.printer(cmd)
				if p.format == formatJSON {
					return p.json(execs)
				}
				tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tHANDLER\tSTATUS\tCREATED")
				for _, e := range execs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.HandlerName, e.Status, e.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only executions in this status")
	cmd.Flags().StringVar(&handler, "handler", "", "only executions of this handler")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var expr string
	cmd := &cobra.Command{
		Use:   "history <execution-id>",
		Short: "Print the journal of an execution",
		Long: `Print the journal of an execution.

--jq filters the event array with a jq program and prints each result.`,
		Example: `  durable history order-42
  durable history order-42 --jq '.[] | select(.type == "step_failed") | .payload'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jq := query.NewJQ()
			if expr != "" {
				if err := jq.Compile(expr); err != nil {
					return withExitCode(exitCommandError, err)
				}
			}
			return opts.withApp(cmd, func(ctx context.Context, rt *app) error {
				events, err := rt.host.History(ctx, args[0])
				if err != nil {
					return err
				}
				p := opts.printer(cmd)
				if expr != "" {
					results, err := jq.FilterEvents(ctx, expr, events)
					if err != nil {
						return err
					}
					for _, r := range results {
						b, err := json.Marshal(r)
						if err != nil {
							return err
						}
						fmt.Fprintln(p.w, string(b))
					}
					return nil
				}
				if p.format == formatJSON {
					return p.json(events)
				}
				for _, e := range events {
					fmt.Fprintf(p.w, "%4d  %s  %-20s %s\n",
						e.Sequence, e.Timestamp.Format(time.RFC3339), e.Type, e.OperationID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&expr, "jq", "", "jq filter applied to the event array")
	return cmd
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <execution-id>",
		Short: "Replay an execution read-only and check it matches its journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, rt *app) error {
				report, err := rt.host.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				p := opts.printer(cmd)
				if p.format == formatJSON {
					if err := p.json(report); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(p.w, "execution %s: %d/%d operations matched\n", report.ExecutionID, report.Matched, report.Recorded)
					if report.Error != nil {
						fmt.Fprintf(p.w, "diverged: %s\n", report.Error.Error())
					}
				}
				if !report.OK {
					return withExitCode(exitFailure, fmt.Errorf("execution %s does not replay", report.ExecutionID))
				}
				return nil
			})
		},
	}
}

func newSimulateCommand(opts *rootOptions) *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "simulate <handler>",
		Short: "Run a handler to completion in memory, fast-forwarding timers",
		Long: `Run a handler to completion against an in-memory store and a fake clock.
Nothing is persisted. Timers fire as soon as the handler suspends, so
long waits finish immediately. The journal trace is printed at the end.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := jsonArg("input", input)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			h := harness.New(harness.WithStart(time.Now().UTC().Truncate(time.Second)))
			if err := registerHandlers(h.Registry); err != nil {
				return err
			}
			run, err := h.Execute(ctx, "simulation", args[0], raw)
			if err != nil {
				return err
			}
			trace, err := run.Trace(ctx)
			if err != nil {
				return err
			}
			p := opts.printer(cmd)
			if p.format == formatText {
				fmt.Fprint(p.w, trace)
			}
			return p.result(run.Result)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "handler input as JSON")
	return cmd
}
