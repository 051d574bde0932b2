package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/callbench/internal/app"
	"github.com/gateway-fm/callbench/internal/transport"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr  string
		corsOrigins string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the benchmark HTTP and WebSocket API",
		Long: `Serve the benchmark API. POST /v1/runs executes a run; status, the last
report, scenarios, accounts and RPC latency are readable while it executes.
Prometheus metrics are served on /metrics.`,
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

			api := transport.NewServer(transport.ServerConfig{
				API:                a,
				Health:             a,
				Metrics:            a.Metrics().Handler(),
				CORSAllowedOrigins: corsOrigins,
				Logger:             logger,
			})
			defer api.Stop()

			// No write timeout: POST /v1/runs blocks until every call settles.
			srv := &http.Server{
				Addr:              listenAddr,
				Handler:           api.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("starting HTTP server",
					slog.String("addr", listenAddr),
					slog.Int("scenarios", len(a.Scenarios())),
					slog.Int("accounts", len(a.Accounts())),
				)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
				logger.Info("shutting down...")
				shutdown(srv, logger)
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "*", "comma-separated allowed CORS origins")

	return cmd
}
