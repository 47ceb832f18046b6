package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/firefart/dmarcpipeline/internal/config"
	"github.com/firefart/dmarcpipeline/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

var once bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll all configured sources and deliver the reports",
	Long: `Poll every configured source in its own loop and deliver every report to
all configured sinks. Sources are polled immediately and then every
watch_interval until the process is stopped.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&once, "once", false, "Poll every source a single time and exit")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := newLogger(os.Stderr, debug)

	cfg, err := config.GetConfig(configFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	a, err := newApp(logger, cfg, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("error on close", slog.String("err", err.Error()))
		}
	}()

	if err := a.pipeline.Start(ctx); err != nil {
		return err
	}
	defer func() {
		// the run context is already canceled here
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.pipeline.Stop(shutdownCtx); err != nil {
			logger.Error("error on sink shutdown", slog.String("err", err.Error()))
		}
	}()

	if cfg.Metrics.Listen != "" {
		srv := metricsServer(cfg.Metrics.Listen, reg)
		go func() {
			logger.Info("serving metrics", slog.String("listen", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("err", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	interval := cfg.WatchInterval
	if once {
		interval = 0
	}
	return a.pipeline.RunSources(ctx, a.sources, interval)
}

func metricsServer(listen string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
