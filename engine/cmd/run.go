package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/llmariner/hemoseg/engine/internal/config"
	"github.com/llmariner/hemoseg/engine/internal/health"
	"github.com/llmariner/hemoseg/engine/internal/metrics"
	"github.com/llmariner/hemoseg/engine/internal/pipeline"
	"github.com/llmariner/hemoseg/engine/internal/server"
	"github.com/llmariner/hemoseg/engine/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runCmd() *cobra.Command {
	var path string
	var logLevel int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Parse(path)
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}

			if err := run(cmd.Context(), &c, logLevel); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "Path to the config file. The defaults are used when empty")
	cmd.Flags().IntVar(&logLevel, "v", 0, "Log level")
	return cmd
}

func run(ctx context.Context, c *config.Config, lv int) error {
	logger, closeLog := newLogger(c.Log, lv)
	defer closeLog()
	log := logger.WithName("boot")

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.NewMetricsMonitor(prometheus.DefaultRegisterer)
	defer m.UnregisterAllCollectors()

	uploads := store.New(c.UploadDir)
	if err := uploads.EnsureDir(); err != nil {
		return err
	}

	prov, loader, err := newProvisioner(ctx, c, m, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := prov.Close(); err != nil {
			log.Error(err, "Failed to close the model")
		}
		if err := loader.Close(); err != nil {
			log.Error(err, "Failed to close the model runtime")
		}
	}()

	probe := health.NewProbeHandler(logger)
	probe.AddProbe("model", prov)
	srv := server.New(
		pipeline.New(prov, uploads, m, logger),
		uploads,
		health.NewStatusHandler(prov, logger),
		http.HandlerFunc(probe.ProbeHandler),
		m,
		c.MaxUploadBytes,
		logger,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Provisioning runs off the serving path so that the form and the health
	// endpoints are available while the model is downloaded.
	g.Go(func() error {
		return prov.Run(ctx)
	})

	g.Go(func() error {
		return server.ListenAndServe(ctx, "http", c.HTTPPort, srv.Handler(), logger)
	})

	if c.MetricsPort > 0 {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return server.ListenAndServe(ctx, "metrics", c.MetricsPort, mux, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Shut down")
	return nil
}
