package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/callbench/internal/app"
	"github.com/gateway-fm/callbench/internal/report"
)

type runOptions struct {
	scenarios   []string
	outputJSON  bool
	noColor     bool
	failOnError bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the benchmark scenarios and print the report",
		Long: `Run every configured scenario (or the ones named with --scenario) in order.
Each scenario dispatches its calls concurrently, waits for all of them to
settle and is reduced into success counts, latency and errors.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if cfg.MetricsAddr != "" {
				srv := serveMetrics(cfg.MetricsAddr, a.Metrics().Handler(), logger)
				defer shutdown(srv, logger)
			}
			return runBenchmark(cmd.Context(), a, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.scenarios, "scenario", nil, "scenario to run (repeatable; default: all)")
	cmd.Flags().BoolVar(&opts.outputJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	cmd.Flags().BoolVar(&opts.failOnError, "fail-on-error", false, "exit non-zero when any call failed")

	return cmd
}

func runBenchmark(ctx context.Context, a *app.App, opts runOptions) error {
	run, err := a.Run(ctx, opts.scenarios)
	if err != nil {
		return err
	}

	if opts.outputJSON {
		err = report.JSON(os.Stdout, run, a.RPCLatency())
	} else {
		err = report.Console(os.Stdout, run, report.Options{
			Color:      !opts.noColor && !color.NoColor,
			RPCLatency: a.RPCLatency(),
		})
	}
	if err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	if opts.failOnError && run.Summary.TotalErrors > 0 {
		return fmt.Errorf("%d of %d calls failed", run.Summary.TotalErrors, run.Summary.TotalOperations)
	}
	return nil
}

func serveMetrics(addr string, h http.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func shutdown(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
	}
}
