package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-terra/v1/config"
	"github.com/mirkobrombin/go-terra/v1/executor"
	"github.com/mirkobrombin/go-terra/v1/metrics"
	"github.com/mirkobrombin/go-terra/v1/presets"
	"github.com/mirkobrombin/go-terra/v1/traceid"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
	TraceOut   bool

	cfg      config.Config
	logger   *slog.Logger
	reg      *prometheus.Registry
	shutdown func(context.Context) error
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "terra",
		Short:         "Distributed locks, batch buffers and trace propagation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.shutdown != nil {
				return opts.shutdown(context.Background())
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "log format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.TraceOut, "trace-stdout", false, "export spans to stdout")

	cmd.AddCommand(newLockCommand(opts))
	cmd.AddCommand(newBatchCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	return cmd
}

func (o *rootOptions) setup(w io.Writer) error {
	if o.Format != "text" && o.Format != "json" {
		return fmt.Errorf("invalid format %q: must be text or json", o.Format)
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	o.cfg = cfg

	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, hopts)
	if o.Format == "json" {
		h = slog.NewJSONHandler(w, hopts)
	}
	o.logger = slog.New(traceid.NewLogHandler(h))
	slog.SetDefault(o.logger)

	o.reg = metrics.NewRegistry()

	if o.TraceOut {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return fmt.Errorf("stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		o.shutdown = tp.Shutdown
	}
	return nil
}

func (o *rootOptions) dial() (*presets.Deps, error) {
	return presets.Dial(o.cfg, o.reg, o.logger)
}

// sharedExecutor returns the configured task executor for buffer deliveries
// and a func that shuts its pool down within the batch shutdown timeout.
func (o *rootOptions) sharedExecutor(deps *presets.Deps) (executor.Executor, func()) {
	exec, pool := presets.NewExecutor(o.cfg, deps)
	return exec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Batch.ShutdownTimeout)
		defer cancel()
		if err := pool.Shutdown(ctx); err != nil {
			o.logger.Warn("terra: executor shutdown incomplete", "error", err)
		}
	}
}
