package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/durable/internal/config"
	"github.com/rendis/durable/internal/store"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// rootOptions holds global flags and the hooks tests replace.
type rootOptions struct {
	configPath string
	format     string
	cfg        config.Config

	openStore func(ctx context.Context, cfg config.Config) (store.Store, error)
	logOutput io.Writer
}

func newRootCommand() *cobra.Command {
	return newRootCommandWith(&rootOptions{openStore: openLibSQL, logOutput: os.Stderr})
}

func newRootCommandWith(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "durable",
		Short: "Durable execution host",
		Long: `Runs registered handlers as durable executions: every step and wait is
journaled, so an execution survives restarts and resumes exactly where it
stopped.

The CLI and "durable serve" share the same database; executions started here
are picked up by the server's timer sweep.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.format != formatText && opts.format != formatJSON {
				return withExitCode(exitCommandError,
					fmt.Errorf("invalid format %q: must be %s or %s", opts.format, formatText, formatJSON))
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return withExitCode(exitCommandError, err)
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "config file")
	cmd.PersistentFlags().StringVar(&opts.format, "format", formatText, "output format (text|json)")

	cmd.AddCommand(
		newServeCommand(opts),
		newInvokeCommand(opts),
		newResumeCommand(opts),
		newSignalCommand(opts),
		newCancelCommand(opts),
		newStatusCommand(opts),
		newListCommand(opts),
		newHistoryCommand(opts),
		newVerifyCommand(opts),
		newSimulateCommand(opts),
		newScheduleCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func (o *rootOptions) printer(cmd *cobra.Command) *printer {
	return &printer{format: o.format, w: cmd.OutOrStdout()}
}

func openLibSQL(ctx context.Context, cfg config.Config) (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
