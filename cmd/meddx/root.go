package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/meddx/pkg/logging"
	"github.com/sweetpotato0/meddx/pkg/telemetry"
)

type rootOptions struct {
	cfgFile  string
	logLevel string
	logFmt   string

	shutdown func(context.Context) error
}

// load reads and validates the configuration, then initialises logging and
// tracing.
func (o *rootOptions) load() (*Config, error) {
	cfg, err := Load(o.cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logLevel != "" || o.logFmt != "" {
		logging.SetLogger(logging.New(o.logFmt, logging.ParseLevel(o.logLevel)))
	}
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "meddx",
		Environment: cfg.Telemetry.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Disable:     cfg.Telemetry.Disable,
		Logger:      logging.WithComponent("telemetry"),
	})
	if err != nil {
		return nil, err
	}
	o.shutdown = shutdown
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "meddx",
		Short:         "Retrieval-augmented differential diagnosis with expert review",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.shutdown == nil {
				return nil
			}
			return opts.shutdown(context.WithoutCancel(cmd.Context()))
		},
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "meddx.yaml", "config file path")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug|info|warn|error (overrides MEDDX_LOG_LEVEL)")
	cmd.PersistentFlags().StringVar(&opts.logFmt, "log-format", "", "json|text (overrides MEDDX_LOG_FORMAT)")

	cmd.AddCommand(
		newDiagnoseCommand(opts),
		newBatchCommand(opts),
		newIngestCommand(opts),
	)
	return cmd
}
