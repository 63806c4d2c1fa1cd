package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/streamrelay/common/logging"
	"github.com/telhawk-systems/streamrelay/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Relay the firehose onto the bus until stopped",
	Long: `Reconcile filter rules, connect to the firehose and publish every event to the
configured topic. SIGINT or SIGTERM drains outstanding publishes before exiting.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, closeClient, err := newFirehose()
		if err != nil {
			return err
		}
		defer closeClient()

		bus, js, err := openBus()
		if err != nil {
			return err
		}
		defer bus.Close()

		dl, err := deadLetterWriter(ctx, js)
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newMetricsHandler(bus),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", logging.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		sup := supervisor.New(buildPipeline(client, bus, dl), supervisorOptions(), logger.Logger)

		logger.Info("starting pipeline",
			logging.Topic(cfg.Bus.Topic),
			slog.String("firehose", cfg.Firehose.Kind),
			slog.String("bus", cfg.Bus.Backend),
			slog.Int("rules", len(cfg.Rules)))

		err = sup.Run(ctx)

		logger.Info("pipeline stopped",
			slog.Int64("events", sup.Events()),
			slog.Int("restarts", sup.Restarts()))
		return err
	},
}

func init() {
	runCmd.Flags().Int("max-events", 0, "stop after relaying this many events (0 = unlimited)")
	runCmd.Flags().String("metrics-addr", ":9090", "metrics and health listen address")
	mustBind("supervisor.max_events", runCmd.Flags().Lookup("max-events"))
	mustBind("metrics.addr", runCmd.Flags().Lookup("metrics-addr"))
}
